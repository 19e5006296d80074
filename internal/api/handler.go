package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline *Pipeline
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	ledger   *ledger.Ledger
	registry *registry.Registry
	policy   *policy.Engine
	stats    *metrics.Tracker
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		pipeline: NewPipeline(deps),
		repo:     deps.Repo,
		cache:    deps.Cache,
		bus:      deps.Bus,
		ledger:   deps.Ledger,
		registry: deps.Registry,
		policy:   deps.Policy,
		stats:    deps.Stats,
		version:  deps.Version,
	}
}

// Score handles POST /score requests.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	var req domain.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	decision, err := h.pipeline.Score(r.Context(), &req)
	if err != nil {
		h.scoreFailure(w, req.TransactionID, err)
		return
	}

	writeJSON(w, http.StatusOK, decision.ToResponse())
}

// scoreFailure maps a pipeline error to its HTTP form. A 5xx on this path
// means the transaction was NOT recorded and may be safely resubmitted.
func (h *Handler) scoreFailure(w http.ResponseWriter, txnID string, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": ve.Error(),
			"field": ve.Field,
		})
		return
	}

	if errors.Is(err, domain.ErrNoModelAvailable) {
		slog.Error("no model produced a score, transaction needs manual review",
			"transaction_id", txnID)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  err.Error(),
			"action": "manual_review",
		})
		return
	}

	var sme *domain.SchemaMismatchError
	if errors.As(err, &sme) {
		slog.Error("feature schema mismatch", "transaction_id", txnID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": sme.Error(),
		})
		return
	}

	slog.Error("scoring failed", "transaction_id", txnID, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "scoring failed, transaction not recorded",
	})
}

// GetDecision retrieves the committed decision for a transaction id,
// including its replay provenance.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")

	decision, err := h.repo.GetDecision(r.Context(), txnID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no decision for transaction",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get decision", "transaction_id", txnID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get decision",
		})
		return
	}

	writeJSON(w, http.StatusOK, decision)
}

// GetTransaction retrieves a scored transaction by id.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnID")

	txn, err := h.repo.GetTransaction(r.Context(), txnID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "transaction not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get transaction", "transaction_id", txnID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get transaction",
		})
		return
	}

	writeJSON(w, http.StatusOK, txn)
}

// AuditEvents runs a filtered compliance query over the ledger.
// Filters: user_id, event_type, from, to (RFC 3339), limit.
func (h *Handler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := domain.AuditQuery{
		UserID:    params.Get("user_id"),
		EventType: params.Get("event_type"),
	}

	if v := params.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "from must be RFC 3339",
			})
			return
		}
		q.From = t
	}
	if v := params.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "to must be RFC 3339",
			})
			return
		}
		q.To = t
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer",
			})
			return
		}
		q.Limit = n
	}

	events, err := h.ledger.Events(r.Context(), q)
	if err != nil {
		slog.Error("audit query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "audit query failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// AuditVerify recomputes a subject's hash chain end to end. user_id selects
// a user chain; subject selects an administrative chain such as "registry"
// or "policy".
func (h *Handler) AuditVerify(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("user_id")
	if subject == "" {
		subject = r.URL.Query().Get("subject")
	}
	if subject == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user_id or subject is required",
		})
		return
	}

	report, err := h.ledger.VerifyChain(r.Context(), subject)
	if err != nil {
		slog.Error("chain verification failed", "subject", subject, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "chain verification failed",
		})
		return
	}

	if !report.Valid {
		slog.Error("audit chain integrity violation",
			"subject", report.Subject,
			"broken_sequence", report.BrokenSequence,
			"reason", report.Reason)
	}
	writeJSON(w, http.StatusOK, report)
}

// ListModels returns the model catalog and the live ensemble version.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context())
	if err != nil {
		slog.Error("failed to list models", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list models",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models":           records,
		"count":            len(records),
		"ensemble_version": h.registry.Snapshot().Version,
	})
}

// GetModel retrieves a model record by ID.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	record, err := h.registry.Get(r.Context(), modelID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "model not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get model", "model_id", modelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get model",
		})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// ImportModelRequest is the request body for importing a trained model.
type ImportModelRequest struct {
	Name          string              `json:"name"`
	Version       string              `json:"version"`
	Kind          domain.ModelKind    `json:"kind"`
	Artifact      json.RawMessage     `json:"artifact"`
	SchemaVersion string              `json:"feature_schema_version,omitempty"`
	Metrics       domain.ModelMetrics `json:"metrics,omitempty"`
}

// ImportModel registers a trained model artifact. The artifact must compile;
// the new record starts inactive.
func (h *Handler) ImportModel(w http.ResponseWriter, r *http.Request) {
	var req ImportModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	record, err := h.registry.Import(r.Context(), &domain.ModelRecord{
		Name:          req.Name,
		Version:       req.Version,
		Kind:          req.Kind,
		Artifact:      req.Artifact,
		SchemaVersion: req.SchemaVersion,
		Metrics:       req.Metrics,
		IsTrained:     true,
	})
	if err != nil {
		var ve *domain.ValidationError
		var sme *domain.SchemaMismatchError
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
		case errors.As(err, &sme):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": sme.Error()})
		case errors.Is(err, repository.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			slog.Error("model import failed", "name", req.Name, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "model import failed"})
		}
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// ActivateModel adds a model to the live ensemble.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	record, err := h.registry.Activate(r.Context(), modelID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "model not found"})
		case errors.Is(err, domain.ErrModelNotTrained):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			slog.Error("model activation failed", "model_id", modelID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "model activation failed"})
		}
		return
	}

	h.publish(r.Context(), domain.TopicModelDeployed, map[string]interface{}{
		"model_id":         record.ID,
		"name":             record.Name,
		"version":          record.Version,
		"ensemble_version": h.registry.Snapshot().Version,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":            record,
		"ensemble_version": h.registry.Snapshot().Version,
	})
}

// DeactivateModel removes a model from the live ensemble. Deactivating the
// last model is allowed; scoring then fails closed to manual review.
func (h *Handler) DeactivateModel(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")

	record, err := h.registry.Deactivate(r.Context(), modelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "model not found"})
			return
		}
		slog.Error("model deactivation failed", "model_id", modelID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "model deactivation failed"})
		return
	}

	snap := h.registry.Snapshot()
	if len(snap.Models) == 0 {
		slog.Warn("ensemble is empty, scoring will fail closed to manual review")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":            record,
		"ensemble_version": snap.Version,
	})
}

// GetPolicy returns the installed decision policy.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policy.Current())
}

// UpdatePolicy installs a new policy version. Versions are immutable;
// resubmitting an existing version is rejected.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if err := h.policy.Update(r.Context(), &p); err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
		case errors.Is(err, repository.ErrAlreadyExists):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			slog.Error("policy update failed", "version", p.Version, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "policy update failed"})
		}
		return
	}

	h.publish(r.Context(), domain.TopicPolicyUpdated, map[string]interface{}{
		"version":  p.Version,
		"combiner": p.Combiner,
	})

	writeJSON(w, http.StatusOK, h.policy.Current())
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]string{}

	check := func(name string, err error) {
		if err != nil {
			status = "degraded"
			components[name] = "unreachable"
			slog.Warn("health check failed", "component", name, "error", err)
			return
		}
		components[name] = "ok"
	}

	check("repository", h.repo.Ping(r.Context()))
	check("cache", h.cache.Ping(r.Context()))
	check("bus", h.bus.Ping(r.Context()))

	snap := h.registry.Snapshot()
	if len(snap.Models) == 0 {
		status = "degraded"
		components["ensemble"] = "empty"
	} else {
		components["ensemble"] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"version":       h.version,
		"components":    components,
		"active_models": len(snap.Models),
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// StatsResponse combines in-process scoring stats with ledger-wide counts.
type StatsResponse struct {
	*metrics.Stats
	Ledger          *domain.DecisionCounts `json:"ledger,omitempty"`
	ActiveModels    int                    `json:"active_models"`
	EnsembleVersion string                 `json:"ensemble_version"`
	PolicyVersion   string                 `json:"policy_version"`
}

// Stats serves operational aggregates: process-lifetime counters plus
// durable counts from the decision store.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	resp := &StatsResponse{
		Stats:           h.stats.Snapshot(),
		ActiveModels:    len(snap.Models),
		EnsembleVersion: snap.Version,
		PolicyVersion:   h.policy.Current().Version,
	}

	counts, err := h.repo.DecisionCounts(r.Context())
	if err != nil {
		slog.Warn("ledger counts unavailable for stats", "error", err)
	} else {
		resp.Ledger = counts
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) publish(ctx context.Context, topic string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, topic, body); err != nil {
		slog.Warn("event not published", "topic", topic, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
