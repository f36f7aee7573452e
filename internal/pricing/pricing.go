package pricing

import "strings"

type Tier string

const (
	TierFree         Tier = "FREE"
	TierStarter      Tier = "STARTER"
	TierProfessional Tier = "PROFESSIONAL"
	TierEnterprise   Tier = "ENTERPRISE"
)

// ParseTier upper-cases s. Unrecognised names are returned unchanged so the
// caller can still price them (see Model.Multiplier).
func ParseTier(s string) Tier {
	return Tier(strings.ToUpper(strings.TrimSpace(s)))
}

// Table holds unit costs in cents.
type Table struct {
	ReceiptGeneration     float64
	SignatureVerification float64
	CDTValidation         float64
	EpochRevocation       float64
	StoragePerKB          float64
	PQCSignature          float64
}

var DefaultTable = Table{
	ReceiptGeneration:     0.01,
	SignatureVerification: 0.005,
	CDTValidation:         0.002,
	EpochRevocation:       1.0,
	StoragePerKB:          0.001,
	PQCSignature:          0.05,
}

var defaultMultipliers = map[Tier]float64{
	TierFree:         0.0,
	TierStarter:      1.0,
	TierProfessional: 0.8,
	TierEnterprise:   0.5,
}

// Params describes the billable parts of one operation.
type Params struct {
	SignatureVerifications int
	StorageBytes           int64
	UsePQC                 bool
}

type Model struct {
	table       Table
	multipliers map[Tier]float64
}

func NewModel(table Table) *Model {
	m := make(map[Tier]float64, len(defaultMultipliers))
	for k, v := range defaultMultipliers {
		m[k] = v
	}
	return &Model{table: table, multipliers: m}
}

func Default() *Model {
	return NewModel(DefaultTable)
}

// Multiplier returns 1.0 for tiers it does not know about.
func (m *Model) Multiplier(tier Tier) float64 {
	if v, ok := m.multipliers[tier]; ok {
		return v
	}
	return 1.0
}

// Cost returns the unit cost (receipt generation) and the total cost of one
// operation after the tier multiplier.
func (m *Model) Cost(p Params, tier Tier) (unit, total float64) {
	unit = m.table.ReceiptGeneration
	total = unit

	sig := m.table.SignatureVerification
	if p.UsePQC {
		sig = m.table.PQCSignature
	}
	total += sig * float64(p.SignatureVerifications)

	if p.StorageBytes > 0 {
		total += m.table.StoragePerKB * (float64(p.StorageBytes) / 1024)
	}

	return unit, total * m.Multiplier(tier)
}
