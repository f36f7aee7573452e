// Package batchgen submits receipts to a running counter in batches.
package batchgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Config struct {
	URL        string
	TenantID   string
	Total      int64
	BatchSize  int64
	RetryDelay time.Duration
	MaxTries   uint // per batch, 0 means retry until ctx ends
}

type BatchResult struct {
	Counted         int64   `json:"counted"`
	TotalReceipts   int64   `json:"total_receipts"`
	ProgressPercent float64 `json:"progress_percent"`
}

type Summary struct {
	Generated int64
	Elapsed   time.Duration
}

func (s Summary) Rate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Generated) / s.Elapsed.Seconds()
}

type Generator struct {
	cfg    Config
	client *http.Client
	out    io.Writer
	now    func() time.Time
}

func New(cfg Config, client *http.Client, out io.Writer) *Generator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Generator{cfg: cfg, client: client, out: out, now: time.Now}
}

// Run submits batches until Total receipts have been counted. A failed batch
// is retried after RetryDelay; 4xx responses are not retried.
func (g *Generator) Run(ctx context.Context) (Summary, error) {
	if g.cfg.BatchSize <= 0 {
		return Summary{}, fmt.Errorf("batch size must be positive")
	}

	start := g.now()
	var generated int64
	for generated < g.cfg.Total {
		batch := min(g.cfg.BatchSize, g.cfg.Total-generated)

		opts := []backoff.RetryOption{
			backoff.WithBackOff(backoff.NewConstantBackOff(g.cfg.RetryDelay)),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, d time.Duration) {
				fmt.Fprintf(g.out, "Batch failed (%v), retrying in %s...\n", err, d)
			}),
		}
		if g.cfg.MaxTries > 0 {
			opts = append(opts, backoff.WithMaxTries(g.cfg.MaxTries))
		}

		res, err := backoff.Retry(ctx, func() (*BatchResult, error) {
			return g.submit(ctx, batch)
		}, opts...)
		if err != nil {
			return Summary{Generated: generated, Elapsed: g.now().Sub(start)}, err
		}

		generated += batch
		elapsed := g.now().Sub(start)
		rate := 0.0
		if elapsed > 0 {
			rate = float64(generated) / elapsed.Seconds()
		}
		eta := 0.0
		if rate > 0 {
			eta = float64(g.cfg.Total-generated) / rate
		}
		fmt.Fprintf(g.out, "[%s] Generated: %d / %d (%.4f%% of 1M) Rate: %.0f/s ETA: %.0fs\n",
			g.now().Format("15:04:05"), generated, g.cfg.Total, res.ProgressPercent, rate, eta)
	}

	return Summary{Generated: generated, Elapsed: g.now().Sub(start)}, nil
}

func (g *Generator) submit(ctx context.Context, count int64) (*BatchResult, error) {
	body, err := json.Marshal(map[string]any{"count": count, "tenant_id": g.cfg.TenantID})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL+"/batch", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var res BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}
