// Package admission decides whether a bid submission is legal and,
// when it is, executes it against job state.
//
// The policy runs as an ordered pipeline; each check is a distinct
// failure mode. The capacity check and the bid-count increment are
// one conditional store update, so two concurrent submissions against
// the last slot can never both win.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agoralabs/agora/pkg/fault"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/reputation"
	"github.com/agoralabs/agora/pkg/store"
)

const secondsPerDay = 86400

// Policy holds the admission thresholds.
type Policy struct {
	// MinScore is the reputation floor for bidding.
	MinScore int64
	// FloodWindow is the trailing window for flood control, seconds.
	FloodWindow int64
	// FloodMax is the number of bids allowed inside the window.
	FloodMax int
	// SpamPenalty is the (negative) delta applied on flood rejection.
	SpamPenalty int64
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinScore:    500,
		FloodWindow: secondsPerDay,
		FloodMax:    20,
		SpamPenalty: -500,
	}
}

// BidRequest is a bid submission.
type BidRequest struct {
	JobID           string  `json:"job_id"`
	Amount          float64 `json:"amount"`
	DeliveryDays    int     `json:"delivery_days"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// Controller is the admission controller.
type Controller struct {
	jobs   store.JobStore
	bids   store.BidStore
	agents store.AgentStore
	ledger *reputation.Ledger
	policy Policy
	clock  func() time.Time
	logger *slog.Logger
}

// NewController creates an admission controller.
func NewController(st store.Store, ledger *reputation.Ledger, policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		jobs:   st.Jobs(),
		bids:   st.Bids(),
		agents: st.Agents(),
		ledger: ledger,
		policy: policy,
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// SubmitBid runs the admission pipeline for an already-verified agent
// and creates the bid when every check passes.
func (c *Controller) SubmitBid(ctx context.Context, agentID string, req BidRequest) (*market.Bid, error) {
	// 1. Field validation.
	if req.JobID == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "job_id is required")
	}
	if req.Amount <= 0 {
		return nil, fault.New(fault.CodeInvalidArgument, "amount must be positive")
	}
	if req.DeliveryDays < 1 {
		return nil, fault.New(fault.CodeInvalidArgument, "delivery_days must be at least 1")
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return nil, fault.New(fault.CodeInvalidArgument, "confidence_score must be within [0, 1]")
	}

	// 2. Agent eligibility.
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeNotFound, "agent %s not found", agentID)
		}
		return nil, fault.Internal("load agent", err)
	}
	if agent.State.Disabled() {
		return nil, fault.New(fault.CodeForbidden, "agent suspended or banned")
	}
	if agent.ReputationScore < c.policy.MinScore {
		return nil, fault.Newf(fault.CodeForbidden, "reputation %d below bidding floor %d", agent.ReputationScore, c.policy.MinScore)
	}

	// 3. Flood control. The penalty applies even though the bid is
	// rejected: spam attempts cost reputation.
	now := c.clock().Unix()
	recent, err := c.bids.CountByAgentSince(ctx, agentID, now-c.policy.FloodWindow)
	if err != nil {
		return nil, fault.Internal("count recent bids", err)
	}
	if recent >= c.policy.FloodMax {
		if err := c.ledger.Append(ctx, agentID, req.JobID, c.policy.SpamPenalty, reputation.ReasonBidSpam); err != nil {
			return nil, fault.Internal("apply spam penalty", err)
		}
		c.logger.Info("bid flood rejected", "agent_id", agentID, "job_id", req.JobID, "recent_bids", recent)
		return nil, fault.Newf(fault.CodeRateLimited, "bid limit exceeded: %d bids in the last %ds", recent, c.policy.FloodWindow)
	}

	// 4. Job existence and openness.
	job, err := c.jobs.Get(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeNotFound, "job %s not found", req.JobID)
		}
		return nil, fault.Internal("load job", err)
	}
	if job.Status != market.JobOpen {
		return nil, fault.Newf(fault.CodeInvalidState, "job %s is %s, not open", job.JobID, job.Status)
	}

	// 5. Capacity pre-check. The authoritative check is the
	// conditional increment in step 8; this one only short-circuits
	// the obvious case.
	if job.CurrentBidCount >= job.MaxBidsAllowed {
		return nil, fault.Newf(fault.CodeInvalidState, "job %s reached its bid limit", job.JobID)
	}

	// 6. Price bounds.
	if req.Amount < job.BudgetMin || req.Amount > job.BudgetMax {
		return nil, fault.Newf(fault.CodeInvalidArgument, "amount %g outside budget [%g, %g]", req.Amount, job.BudgetMin, job.BudgetMax)
	}

	// 7. Delivery feasibility.
	if float64(req.DeliveryDays) > float64(job.DeadlineUnix-now)/secondsPerDay {
		return nil, fault.Newf(fault.CodeInvalidArgument, "delivery of %d days exceeds the job deadline", req.DeliveryDays)
	}

	// 8. Admission point: increment the counter first; winning the
	// conditional update is what admits the bid.
	ok, err := c.jobs.IncrementBidCountIfBelow(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeNotFound, "job %s not found", req.JobID)
		}
		return nil, fault.Internal("increment bid count", err)
	}
	if !ok {
		return nil, fault.Newf(fault.CodeInvalidState, "job %s reached its bid limit", job.JobID)
	}

	bid := &market.Bid{
		BidID:           uuid.NewString(),
		JobID:           req.JobID,
		AgentID:         agentID,
		Amount:          req.Amount,
		DeliveryDays:    req.DeliveryDays,
		CreatedAt:       now,
		Status:          market.BidSubmitted,
		ConfidenceScore: req.ConfidenceScore,
		BidHash:         market.BidFingerprint(req.JobID, agentID, req.Amount),
	}
	if err := c.bids.Insert(ctx, bid); err != nil {
		// Give the admitted slot back so the counter does not leak.
		if derr := c.jobs.DecrementBidCount(ctx, req.JobID); derr != nil {
			c.logger.Error("failed to release bid slot", "job_id", req.JobID, "error", derr)
		}
		return nil, fault.Internal("create bid", err)
	}

	c.logger.Info("bid admitted", "bid_id", bid.BidID, "job_id", bid.JobID, "agent_id", agentID, "amount", bid.Amount)
	return bid, nil
}

// ListBids returns a job's submitted bids, newest first.
func (c *Controller) ListBids(ctx context.Context, jobID string) ([]*market.Bid, error) {
	if jobID == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "job_id is required")
	}
	bids, err := c.bids.ListByJob(ctx, jobID, market.BidSubmitted)
	if err != nil {
		return nil, fault.Internal(fmt.Sprintf("list bids for job %s", jobID), err)
	}
	return bids, nil
}
