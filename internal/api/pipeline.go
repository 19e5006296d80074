package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ensemble"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/feature"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Marker appended to a decision's model version when at least one active
// model was dropped from the pass. Replay can then tell a full-ensemble
// score from a reduced one.
const partialMarker = "#partial"

// Pipeline runs one transaction through the full scoring path: assemble
// features, fan out to the ensemble, apply policy, rank the explanation and
// commit to the audit ledger. A request is only "scored" once the commit
// succeeded.
type Pipeline struct {
	registry  *registry.Registry
	history   *history.Provider
	assembler *feature.Assembler
	scorer    *ensemble.Scorer
	policy    *policy.Engine
	ranker    *explain.Ranker
	ledger    *ledger.Ledger
	repo      domain.Repository
	velocity  *velocity.Tracker
	bus       domain.EventBus
	stats     *metrics.Tracker
}

// NewPipeline wires the scoring path from the shared dependency set.
func NewPipeline(deps Deps) *Pipeline {
	return &Pipeline{
		registry:  deps.Registry,
		history:   deps.History,
		assembler: deps.Assembler,
		scorer:    deps.Scorer,
		policy:    deps.Policy,
		ranker:    deps.Ranker,
		ledger:    deps.Ledger,
		repo:      deps.Repo,
		velocity:  deps.Velocity,
		bus:       deps.Bus,
		stats:     deps.Stats,
	}
}

// Score runs the pipeline for one request. A resubmitted transaction id is
// answered with the previously committed decision, byte-for-byte the same
// verdict, without recomputing.
//
// Error contract: *domain.ValidationError rejects before any model call and
// leaves no audit record; domain.ErrNoModelAvailable means the caller must
// route to manual review; *domain.PersistenceError means the transaction is
// NOT scored and may be retried.
func (p *Pipeline) Score(ctx context.Context, req *domain.TransactionRequest) (*domain.Decision, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		p.stats.ObserveError("validation")
		return nil, err
	}
	txn := req.ToTransaction()

	// Idempotent replay. The commit-time uniqueness guard closes the race
	// this read leaves open.
	if stored, err := p.repo.GetDecision(ctx, txn.ID); err == nil {
		p.stats.ObserveDuplicate()
		slog.Info("duplicate transaction, serving stored decision",
			"transaction_id", txn.ID,
			"decision_id", stored.ID)
		return stored, nil
	}

	// One snapshot per request: a concurrent activation never splits this
	// request across two ensembles.
	snap := p.registry.Snapshot()
	for _, required := range snap.RequiredSchemas() {
		if !feature.Supported(required) {
			p.stats.ObserveError("schema")
			return nil, &domain.SchemaMismatchError{Required: required, Produced: feature.SchemaV1}
		}
	}

	hctx := p.history.Context(ctx, txn.UserID, txn.MerchantID, txn.Timestamp)
	fv, err := p.assembler.Assemble(txn, hctx, feature.SchemaV1)
	if err != nil {
		p.stats.ObserveError("feature")
		return nil, err
	}

	result, err := p.scorer.Score(ctx, snap, fv)
	if err != nil {
		p.stats.ObserveError("ensemble")
		return nil, err
	}

	scores := make([]domain.ModelScore, len(result.Outputs))
	for i, out := range result.Outputs {
		scores[i] = out.Score()
	}

	verdict := p.policy.Decide(txn, fv, scores)
	explanation := p.ranker.Explain(result.Outputs, verdict.Weights)

	if len(verdict.Escalated) > 0 {
		slog.Info("escalation rules fired",
			"transaction_id", txn.ID,
			"reasons", verdict.Escalated,
			"outcome", verdict.Outcome)
	}

	decision := &domain.Decision{
		ID:             uuid.New().String(),
		TransactionID:  txn.ID,
		UserID:         txn.UserID,
		MerchantID:     txn.MerchantID,
		FraudScore:     verdict.FraudScore,
		IsFraud:        verdict.IsFraud,
		RiskLevel:      verdict.RiskLevel,
		Outcome:        verdict.Outcome,
		TopRiskFactors: explanation.Factors,
		Approximate:    explanation.Approximate,
		Escalations:    verdict.Escalated,
		PolicyVersion:  verdict.PolicyVersion,
		ModelVersion:   ensembleVersion(snap, result),
		ModelScores:    scores,
		SchemaVersion:  fv.SchemaVersion,
		ProcessingMs:   float64(time.Since(start).Nanoseconds()) / 1e6,
		ScoredAt:       time.Now().UTC(),
	}

	// Once a verdict exists the commit must outlive the caller: a cancelled
	// request must not leave a scored-but-unrecorded transaction behind.
	commitCtx := context.WithoutCancel(ctx)
	if _, err := p.ledger.CommitDecision(commitCtx, txn, decision); err != nil {
		if domain.IsDuplicate(err) {
			// Lost the race with a concurrent resubmission; the winner's
			// decision is the decision.
			stored, readErr := p.repo.GetDecision(commitCtx, txn.ID)
			if readErr != nil {
				p.stats.ObserveError("persistence")
				return nil, &domain.PersistenceError{Op: "read committed decision", Err: readErr}
			}
			p.stats.ObserveDuplicate()
			return stored, nil
		}
		p.stats.ObserveError("persistence")
		return nil, err
	}

	p.stats.ObserveDecision(decision.Outcome, decision.IsFraud, time.Since(start))
	p.velocity.Observe(commitCtx, txn.UserID, txn.Timestamp)
	p.announce(commitCtx, decision)

	return decision, nil
}

// announce publishes the committed decision, plus an alert when the outcome
// needs human eyes. Publishing is best-effort; the ledger already holds the
// record of truth.
func (p *Pipeline) announce(ctx context.Context, decision *domain.Decision) {
	payload, err := json.Marshal(decision)
	if err != nil {
		slog.Error("decision event not encodable", "decision_id", decision.ID, "error", err)
		return
	}

	if err := p.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
		slog.Warn("decision event not published",
			"decision_id", decision.ID,
			"error", err)
	}

	if decision.Outcome == domain.OutcomeApprove {
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
		slog.Warn("alert event not published",
			"decision_id", decision.ID,
			"outcome", decision.Outcome,
			"error", err)
	}
}

// ensembleVersion names the model set that actually produced the score.
func ensembleVersion(snap *registry.Snapshot, result *ensemble.Result) string {
	if len(result.Dropped) == 0 {
		return snap.Version
	}
	keys := make([]string, len(result.Outputs))
	for i, out := range result.Outputs {
		keys[i] = out.Record.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, "+") + partialMarker
}
