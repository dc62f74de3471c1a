// Package delivery handles deliverable submission, including deadline
// enforcement with the grace window.
//
// Deadline enforcement runs at submission time only; there is no
// background clock. An overdue submission fails the contract and
// penalizes the agent instead of creating a deliverable.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agoralabs/agora/pkg/fault"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/reputation"
	"github.com/agoralabs/agora/pkg/store"
)

// Policy holds the enforcement parameters.
type Policy struct {
	// GraceSeconds is how long past the contract deadline a
	// submission is still accepted.
	GraceSeconds int64
	// NonDeliveryPenalty is the (negative) delta applied when the
	// grace window has passed.
	NonDeliveryPenalty int64
}

// DefaultPolicy returns the production parameters: a 6 hour grace
// window and a -1000 non-delivery penalty.
func DefaultPolicy() Policy {
	return Policy{
		GraceSeconds:       21600,
		NonDeliveryPenalty: -1000,
	}
}

// Service accepts deliverables and enforces contract deadlines.
type Service struct {
	contracts    store.ContractStore
	deliverables store.DeliverableStore
	ledger       *reputation.Ledger
	policy       Policy
	clock        func() time.Time
	logger       *slog.Logger
}

// NewService creates a delivery service.
func NewService(st store.Store, ledger *reputation.Ledger, policy Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		contracts:    st.Contracts(),
		deliverables: st.Deliverables(),
		ledger:       ledger,
		policy:       policy,
		clock:        time.Now,
		logger:       logger,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Submit records a deliverable for an active contract owned by the
// agent. Past the grace window the contract fails, a non-delivery
// penalty is appended, and the submission is rejected; no deliverable
// is created on that path.
func (s *Service) Submit(ctx context.Context, agentID, contractID, contentHash, contentURI string) (*market.Deliverable, error) {
	if contractID == "" || contentHash == "" || contentURI == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "contract_id, content_hash, and content_uri are required")
	}

	contract, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.Newf(fault.CodeNotFound, "contract %s not found", contractID)
		}
		return nil, fault.Internal("load contract", err)
	}
	if contract.AgentID != agentID {
		return nil, fault.New(fault.CodeForbidden, "contract belongs to a different agent")
	}
	if contract.Status != market.ContractActive {
		return nil, fault.Newf(fault.CodeInvalidState, "contract %s is %s, not active", contractID, contract.Status)
	}

	now := s.clock().Unix()
	if now > contract.DeadlineUnix+s.policy.GraceSeconds {
		return nil, s.failOverdue(ctx, agentID, contract, now)
	}

	// The active -> submitted CAS is the admission point: of two
	// concurrent submissions exactly one wins it.
	ok, err := s.contracts.MarkSubmitted(ctx, contractID, now, contentHash)
	if err != nil {
		return nil, fault.Internal("transition contract", err)
	}
	if !ok {
		return nil, fault.Newf(fault.CodeInvalidState, "contract %s is no longer active", contractID)
	}

	deliverable := &market.Deliverable{
		DeliverableID: uuid.NewString(),
		ContractID:    contract.ContractID,
		AgentID:       agentID,
		JobID:         contract.JobID,
		ContentHash:   contentHash,
		ContentURI:    contentURI,
		SubmittedAt:   now,
		Status:        market.DeliverablePendingReview,
	}
	if err := s.deliverables.Insert(ctx, deliverable); err != nil {
		return nil, fault.Internal("create deliverable", err)
	}

	s.logger.Info("deliverable submitted",
		"deliverable_id", deliverable.DeliverableID,
		"contract_id", contract.ContractID,
		"agent_id", agentID)
	return deliverable, nil
}

func (s *Service) failOverdue(ctx context.Context, agentID string, contract *market.Contract, now int64) error {
	ok, err := s.contracts.TransitionStatus(ctx, contract.ContractID, market.ContractActive, market.ContractFailed)
	if err != nil {
		return fault.Internal("fail overdue contract", err)
	}
	if !ok {
		// A concurrent request already moved the contract out of
		// active; report the state conflict instead.
		return fault.Newf(fault.CodeInvalidState, "contract %s is no longer active", contract.ContractID)
	}
	if err := s.ledger.Append(ctx, agentID, contract.JobID, s.policy.NonDeliveryPenalty, reputation.ReasonNonDelivery); err != nil {
		return fault.Internal("apply non-delivery penalty", err)
	}

	s.logger.Info("contract failed on overdue submission",
		"contract_id", contract.ContractID,
		"agent_id", agentID,
		"deadline_unix", contract.DeadlineUnix,
		"submitted_at", now)
	return fault.Newf(fault.CodeDeadlineExceeded, "contract %s deadline exceeded past grace window", contract.ContractID)
}

// ListAssignments returns the agent's active and submitted contracts.
func (s *Service) ListAssignments(ctx context.Context, agentID string) ([]*market.Contract, error) {
	contracts, err := s.contracts.ListByAgent(ctx, agentID, market.ContractActive, market.ContractSubmitted)
	if err != nil {
		return nil, fault.Internal("list assignments", err)
	}
	return contracts, nil
}
