// Package policy turns an ensemble score set into a decision. The policy is
// a versioned pure function: combine per-model probabilities, apply the
// threshold bands, then run operator-defined CEL escalation rules that may
// raise severity but never lower it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Verdict is the policy outcome for one score set.
type Verdict struct {
	FraudScore    float64
	IsFraud       bool
	RiskLevel     domain.RiskLevel
	Outcome       domain.Outcome
	PolicyVersion string

	// Reasons of escalation rules that fired, in rule order.
	Escalated []string

	// Effective per-model weights used by the combiner, renormalized over
	// the models that actually scored. The explainer reuses them.
	Weights map[string]float64
}

// Engine holds the current policy and its compiled escalation programs.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	repo     domain.Repository
	audit    *ledger.Ledger
	policy   *domain.Policy
	programs []escalationProgram
}

type escalationProgram struct {
	rule    domain.EscalationRule
	program cel.Program
}

// NewEngine creates the policy engine and its CEL environment. The declared
// variables are the request fields and derived features escalation rules may
// reference.
func NewEngine(repo domain.Repository, audit *ledger.Ledger) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("fraud_score", cel.DoubleType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx_type", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("is_night", cel.BoolType),
		cel.Variable("is_weekend", cel.BoolType),
		cel.Variable("is_first_transaction", cel.BoolType),
		cel.Variable("user_transaction_count", cel.IntType),
		cel.Variable("transactions_last_hour", cel.IntType),
		cel.Variable("transactions_last_day", cel.IntType),
		cel.Variable("amount_deviation", cel.DoubleType),
		cel.Variable("amount_vs_avg_ratio", cel.DoubleType),
		cel.Variable("merchant_fraud_rate", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env, repo: repo, audit: audit}, nil
}

// Load installs the most recent stored policy. An empty policy store is
// seeded with the default so a fresh deployment decides out of the box.
func (e *Engine) Load(ctx context.Context) error {
	policy, err := e.repo.LatestPolicy(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		policy = domain.DefaultPolicy()
		if err := e.repo.SavePolicy(ctx, policy); err != nil {
			return err
		}
		e.recordConfigChange(ctx, "seed", policy)
		slog.Info("seeded default policy", "version", policy.Version)
	} else if err != nil {
		return err
	}

	return e.install(policy)
}

// Update validates, persists and installs a new policy version. Versions are
// immutable; reusing one is rejected so decision replay stays exact.
func (e *Engine) Update(ctx context.Context, policy *domain.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if _, err := e.compileEscalations(policy); err != nil {
		return &domain.ValidationError{Field: "escalations", Reason: err.Error()}
	}

	policy.CreatedAt = time.Now().UTC()
	if err := e.repo.SavePolicy(ctx, policy); err != nil {
		return err
	}
	e.recordConfigChange(ctx, "update", policy)

	if err := e.install(policy); err != nil {
		return err
	}

	slog.Info("policy updated",
		"version", policy.Version,
		"combiner", policy.Combiner,
		"high_threshold", policy.HighThreshold,
		"review_threshold", policy.ReviewThreshold,
		"escalations", len(policy.Escalations))
	return nil
}

// Current returns the installed policy.
func (e *Engine) Current() *domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Decide applies the installed policy to one score set. Pure, no I/O.
// Callers gate on the ensemble error first; an empty score set never
// reaches here on the scoring path.
func (e *Engine) Decide(txn *domain.Transaction, fv *domain.FeatureVector, scores []domain.ModelScore) *Verdict {
	e.mu.RLock()
	policy := e.policy
	programs := e.programs
	e.mu.RUnlock()

	raw, weights := combine(policy, scores)
	score := Round3(clamp01(raw))

	riskLevel, outcome := threshold(policy, score)

	verdict := &Verdict{
		FraudScore:    score,
		IsFraud:       score >= policy.HighThreshold,
		RiskLevel:     riskLevel,
		Outcome:       outcome,
		PolicyVersion: policy.Version,
		Weights:       weights,
	}

	if len(programs) > 0 {
		e.escalate(verdict, activation(txn, fv, score), programs)
	}
	return verdict
}

// escalate evaluates the compiled escalation rules against the activation.
// A rule that errors at eval time is skipped with a warning; the
// threshold-derived outcome stands.
func (e *Engine) escalate(verdict *Verdict, activation map[string]any, programs []escalationProgram) {
	for _, ep := range programs {
		out, _, err := ep.program.Eval(activation)
		if err != nil {
			slog.Warn("escalation rule evaluation failed",
				"rule", ep.rule.ID,
				"error", err)
			continue
		}
		matched, ok := out.(types.Bool)
		if !ok || !bool(matched) {
			continue
		}

		verdict.Escalated = append(verdict.Escalated, ep.rule.Reason)
		if ep.rule.MinOutcome.Severity() > verdict.Outcome.Severity() {
			verdict.Outcome = ep.rule.MinOutcome
		}
	}
}

func (e *Engine) install(policy *domain.Policy) error {
	programs, err := e.compileEscalations(policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policy = policy
	e.programs = programs
	e.mu.Unlock()
	return nil
}

func (e *Engine) compileEscalations(policy *domain.Policy) ([]escalationProgram, error) {
	var programs []escalationProgram
	for _, rule := range policy.Escalations {
		if !rule.Enabled {
			continue
		}

		ast, issues := e.env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
		}

		programs = append(programs, escalationProgram{rule: rule, program: program})
	}
	return programs, nil
}

func (e *Engine) recordConfigChange(ctx context.Context, action string, policy *domain.Policy) {
	payload := map[string]any{
		"version":          policy.Version,
		"combiner":         policy.Combiner,
		"high_threshold":   policy.HighThreshold,
		"review_threshold": policy.ReviewThreshold,
		"escalations":      len(policy.Escalations),
	}
	if _, err := e.audit.RecordAdminEvent(ctx, domain.EventConfigChange, ledger.SubjectPolicy, "policy:"+policy.Version, action, payload); err != nil {
		slog.Error("policy config event not recorded",
			"version", policy.Version,
			"error", err)
	}
}

// combine reduces the score set to one probability plus the effective
// weights used, keyed by model name.
func combine(policy *domain.Policy, scores []domain.ModelScore) (float64, map[string]float64) {
	if len(scores) == 0 {
		return 0, nil
	}

	if policy.Combiner == domain.CombinerMax {
		best := scores[0]
		for _, s := range scores[1:] {
			if s.Probability > best.Probability {
				best = s
			}
		}
		return best.Probability, map[string]float64{best.ModelName: 1}
	}

	total := 0.0
	for _, s := range scores {
		total += policy.Weights[s.ModelName]
	}

	weights := make(map[string]float64, len(scores))
	if total <= 0 {
		// No respondent appears in the weight table; plain mean.
		w := 1.0 / float64(len(scores))
		sum := 0.0
		for _, s := range scores {
			weights[s.ModelName] = w
			sum += s.Probability * w
		}
		return sum, weights
	}

	sum := 0.0
	for _, s := range scores {
		w := policy.Weights[s.ModelName] / total
		weights[s.ModelName] = w
		sum += s.Probability * w
	}
	return sum, weights
}

func threshold(policy *domain.Policy, score float64) (domain.RiskLevel, domain.Outcome) {
	switch {
	case score >= policy.HighThreshold:
		return domain.RiskHigh, domain.OutcomeDecline
	case score >= policy.ReviewThreshold:
		return domain.RiskMedium, domain.OutcomeReview
	default:
		return domain.RiskLow, domain.OutcomeApprove
	}
}

// activation builds the CEL variable bindings for escalation rules.
func activation(txn *domain.Transaction, fv *domain.FeatureVector, score float64) map[string]any {
	if fv == nil {
		fv = &domain.FeatureVector{}
	}
	return map[string]any{
		"fraud_score":            score,
		"amount":                 txn.Amount,
		"currency":               txn.Currency,
		"tx_type":                string(txn.Type),
		"channel":                string(txn.Channel),
		"country":                txn.Country,
		"hour":                   int64(fv.Get("hour")),
		"is_night":               fv.Get("is_night") == 1,
		"is_weekend":             fv.Get("is_weekend") == 1,
		"is_first_transaction":   fv.Get("is_first_transaction") == 1,
		"user_transaction_count": int64(fv.Get("user_transaction_count")),
		"transactions_last_hour": int64(fv.Get("transactions_last_hour")),
		"transactions_last_day":  int64(fv.Get("transactions_last_day")),
		"amount_deviation":       fv.Get("amount_deviation_from_avg"),
		"amount_vs_avg_ratio":    fv.Get("amount_vs_avg_ratio"),
		"merchant_fraud_rate":    fv.Get("merchant_fraud_rate"),
	}
}

// Round3 rounds a probability to 3 decimal places, the precision decisions
// are recorded and compared at.
func Round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
