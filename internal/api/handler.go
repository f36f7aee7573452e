package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/penny-counter/internal/billing"
	"github.com/vnmchuo/penny-counter/internal/counter"
	"github.com/vnmchuo/penny-counter/internal/telemetry"
	"github.com/vnmchuo/penny-counter/pkg/ratelimit"
)

const DefaultMaxBatchSize = 100_000

// Defaults fill in optional submission fields before they reach the counter.
type Defaults struct {
	TenantID      string
	BatchTenantID string
	OperationType string
	ResourceType  string
	MaxBatchSize  int64
}

func DefaultDefaults() Defaults {
	return Defaults{
		TenantID:      "public",
		BatchTenantID: "batch",
		OperationType: "sign",
		ResourceType:  "receipt",
		MaxBatchSize:  DefaultMaxBatchSize,
	}
}

type receiptRequest struct {
	ReceiptID     string `json:"receipt_id"`
	TenantID      string `json:"tenant_id"`
	OperationType string `json:"operation_type"`
	Message       string `json:"message"`
	Signer        string `json:"signer"`
	Signature     string `json:"signature"`
}

type batchRequest struct {
	Count    *int64 `json:"count" validate:"required"`
	TenantID string `json:"tenant_id"`
}

type Handler struct {
	counter  *counter.Counter
	limiter  *ratelimit.Limiter
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	defaults Defaults
}

func NewHandler(c *counter.Counter, limiter *ratelimit.Limiter, tracer trace.Tracer, metrics *telemetry.Metrics, logger *zap.Logger, defaults Defaults) *Handler {
	if defaults.MaxBatchSize <= 0 {
		defaults.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Handler{
		counter:  c,
		limiter:  limiter,
		tracer:   tracer,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),
		defaults: defaults,
	}
}

func newReceiptID() string {
	return "RCP-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) reject(w http.ResponseWriter, status int, reason, msg string) {
	h.metrics.RejectedRequests.WithLabelValues(reason).Inc()
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// allow applies the per-tenant rate limit. Limiter errors let the request
// through: counting stays available when Redis is not.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, tenantID string, n int64) bool {
	allowed, err := h.limiter.Allow(r.Context(), tenantID, n)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return true
	}
	if !allowed {
		h.setLimitHeaders(w, r, tenantID)
		h.reject(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return false
	}
	return true
}

// setLimitHeaders describes the tenant's window on a rejected request. Without
// a status it falls back to a full window.
func (h *Handler) setLimitHeaders(w http.ResponseWriter, r *http.Request, tenantID string) {
	retryAfter := int64(60)
	status, err := h.limiter.Status(r.Context(), tenantID)
	if err != nil {
		h.logger.Debug("rate limit status unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
	} else {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(status.Remaining, 10))
		if secs := int64(math.Ceil(status.ResetAfter.Seconds())); secs > 0 {
			retryAfter = secs
		}
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
}

func (h *Handler) HandleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := decode(r, &req); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	if req.ReceiptID == "" {
		req.ReceiptID = newReceiptID()
	}
	if req.TenantID == "" {
		req.TenantID = h.defaults.TenantID
	}
	if req.OperationType == "" {
		req.OperationType = h.defaults.OperationType
	}

	ctx, span := h.tracer.Start(r.Context(), "api.receipt")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("receipt_id", req.ReceiptID),
	)

	if !h.allow(w, r.WithContext(ctx), req.TenantID, 1) {
		return
	}

	rec := h.counter.RecordOperation(billing.Operation{
		ReceiptID:              req.ReceiptID,
		TenantID:               req.TenantID,
		OperationType:          req.OperationType,
		ResourceType:           h.defaults.ResourceType,
		SignatureVerifications: 1,
	})
	h.metrics.Receipts.WithLabelValues("single").Inc()
	span.SetAttributes(attribute.String("record_id", rec.RecordID))

	stats := h.counter.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"counted":          true,
		"record_id":        rec.RecordID,
		"total_receipts":   stats.TotalReceipts,
		"progress_percent": stats.ProgressPercent,
	})
}

func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.reject(w, http.StatusBadRequest, "invalid_body", "count is required")
		return
	}
	rule := fmt.Sprintf("min=1,max=%d", h.defaults.MaxBatchSize)
	if err := h.validate.Var(*req.Count, rule); err != nil {
		h.reject(w, http.StatusBadRequest, "batch_size",
			fmt.Sprintf("count must be between 1 and %d", h.defaults.MaxBatchSize))
		return
	}
	if req.TenantID == "" {
		req.TenantID = h.defaults.BatchTenantID
	}
	count := *req.Count

	ctx, span := h.tracer.Start(r.Context(), "api.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Int64("count", count),
	)

	if !h.allow(w, r.WithContext(ctx), req.TenantID, count) {
		return
	}

	// Persistence is queued by the counter's notifier; nothing here waits on it.
	h.counter.RecordBatch(count, req.TenantID)
	h.metrics.Receipts.WithLabelValues("batch").Add(float64(count))

	stats := h.counter.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"counted":          count,
		"total_receipts":   stats.TotalReceipts,
		"progress_percent": stats.ProgressPercent,
	})
}

func (h *Handler) HandleCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"count": h.counter.GlobalCount(),
		"goal":  counter.Goal,
	})
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.counter.Stats())
}

func (h *Handler) HandleTenantUsage(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	usage, ok := h.counter.TenantUsage(tenantID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tenant not found"})
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"receipts": h.counter.GlobalCount(),
	})
}
