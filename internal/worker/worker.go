// Package worker runs the async consumers and scheduled maintenance around
// the scoring pipeline: decision events keep cached baselines warm, alert
// events reach operators, and the retention sweep enforces the compliance
// window on the audit ledger.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/ledger"
)

// Worker consumes pipeline events from the EventBus and runs the ledger
// retention sweep.
type Worker struct {
	bus     domain.EventBus
	ledger  *ledger.Ledger
	history *history.Provider

	retention     time.Duration
	sweepInterval time.Duration

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// RetentionDays is the compliance window; ledger events older than this
	// are purged by the sweep.
	RetentionDays int

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration
}

// New creates the worker. Defaults: 7-year retention, hourly sweep.
func New(bus domain.EventBus, l *ledger.Ledger, h *history.Provider, cfg Config) *Worker {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 2555
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:           bus,
		ledger:        l,
		history:       h,
		retention:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		sweepInterval: cfg.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start subscribes the consumers and launches the retention sweep.
func (w *Worker) Start() error {
	decisionSub, err := w.bus.Subscribe(w.ctx, domain.TopicDecision, w.handleDecision)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, decisionSub)

	alertSub, err := w.bus.Subscribe(w.ctx, domain.TopicAlert, w.handleAlert)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, alertSub)

	w.wg.Add(1)
	go w.sweepLoop()

	slog.Info("worker started",
		"topics", []string{domain.TopicDecision, domain.TopicAlert},
		"retention_days", int(w.retention.Hours()/24),
		"sweep_interval", w.sweepInterval)
	return nil
}

// handleDecision refreshes the cached user and merchant baselines after a
// committed decision, so the next request for the same parties sees current
// aggregates without paying for the recompute inline.
func (w *Worker) handleDecision(ctx context.Context, msg *domain.Message) error {
	var decision domain.Decision
	if err := json.Unmarshal(msg.Payload, &decision); err != nil {
		slog.Error("failed to parse decision event",
			"message_id", msg.ID,
			"error", err)
		return err
	}
	if decision.UserID == "" {
		return nil
	}

	w.history.Refresh(ctx, decision.UserID, decision.MerchantID)

	slog.Debug("baselines refreshed",
		"transaction_id", decision.TransactionID,
		"user_id", decision.UserID,
		"merchant_id", decision.MerchantID)
	return nil
}

// handleAlert surfaces non-approved decisions. Delivery to case management
// is a downstream concern; here the alert becomes an operator-visible log
// line with the full decision context.
func (w *Worker) handleAlert(ctx context.Context, msg *domain.Message) error {
	var decision domain.Decision
	if err := json.Unmarshal(msg.Payload, &decision); err != nil {
		slog.Error("failed to parse alert event",
			"message_id", msg.ID,
			"error", err)
		return err
	}

	slog.Warn("fraud alert",
		"transaction_id", decision.TransactionID,
		"user_id", decision.UserID,
		"merchant_id", decision.MerchantID,
		"fraud_score", decision.FraudScore,
		"risk_level", decision.RiskLevel,
		"decision", decision.Outcome)
	return nil
}

func (w *Worker) sweepLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep purges ledger events that aged out of the compliance window.
func (w *Worker) sweep() {
	cutoff := time.Now().UTC().Add(-w.retention)

	purged, err := w.ledger.PurgeBefore(w.ctx, cutoff)
	if err != nil {
		slog.Error("retention sweep failed",
			"cutoff", cutoff,
			"error", err)
		return
	}
	if purged > 0 {
		slog.Info("retention sweep purged events",
			"purged", purged,
			"cutoff", cutoff)
	}
}

// Stop gracefully stops the consumers and the sweep.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
