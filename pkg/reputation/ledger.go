// Package reputation maintains the append-only reputation ledger and
// the cached score aggregate on the agent record.
//
// The ledger is the source of truth: an agent's score is always
// baseline + sum of all deltas for that agent. The aggregate on the
// agent record is a derived view kept in step on every append; append
// happens before the aggregate update so a crash can only leave a
// transient undercount, never an overcount.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/store"
)

// DefaultBaseline is the score assigned to a freshly registered agent.
const DefaultBaseline = 1000

// Reason tags for ledger entries.
const (
	ReasonBidSpam     = "bid_spam"
	ReasonNonDelivery = "non_delivery"
)

// Ledger appends reputation entries and keeps the agent aggregate
// consistent.
type Ledger struct {
	entries  store.ReputationStore
	agents   store.AgentStore
	baseline int64
	clock    func() time.Time
	logger   *slog.Logger
}

// NewLedger creates a ledger over the given collections.
func NewLedger(entries store.ReputationStore, agents store.AgentStore, baseline int64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		entries:  entries,
		agents:   agents,
		baseline: baseline,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Baseline returns the configured baseline score.
func (l *Ledger) Baseline() int64 { return l.baseline }

// Append records a score delta for the agent and applies it to the
// cached aggregate. Negative deltas also count as a penalization.
func (l *Ledger) Append(ctx context.Context, agentID, jobID string, delta int64, reason string) error {
	entry := &market.ReputationEntry{
		EntryID:   uuid.NewString(),
		AgentID:   agentID,
		JobID:     jobID,
		Delta:     delta,
		Reason:    reason,
		CreatedAt: l.clock().Unix(),
	}
	if err := l.entries.Append(ctx, entry); err != nil {
		return fmt.Errorf("append reputation entry: %w", err)
	}
	if err := l.agents.AdjustScore(ctx, agentID, delta); err != nil {
		// The entry is durable; the aggregate now undercounts until
		// the next Reconcile. Surface the failure, never skip it.
		return fmt.Errorf("apply reputation delta to agent %s: %w", agentID, err)
	}
	if delta < 0 {
		if err := l.agents.IncrementPenalizations(ctx, agentID); err != nil {
			l.logger.Warn("failed to count penalization", "agent_id", agentID, "error", err)
		}
	}
	return nil
}

// Reconcile recomputes the agent's aggregate from the ledger and
// overwrites the cached score. Returns the reconciled score.
func (l *Ledger) Reconcile(ctx context.Context, agentID string) (int64, error) {
	sum, err := l.entries.SumByAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("sum reputation entries: %w", err)
	}
	score := l.baseline + sum
	if err := l.agents.SetScore(ctx, agentID, score); err != nil {
		return 0, fmt.Errorf("write reconciled score: %w", err)
	}
	return score, nil
}

// History returns the agent's most recent entries, newest first.
func (l *Ledger) History(ctx context.Context, agentID string, limit int) ([]*market.ReputationEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.entries.ListByAgent(ctx, agentID, limit)
}
