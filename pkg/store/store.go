// Package store defines the record-store boundary for the marketplace
// core: per-collection interfaces over the agents, jobs, bids,
// contracts, deliverables, and reputation collections, with three
// backends (memory, SQLite, Postgres).
//
// The interfaces stay at insert / get-by-key / update-by-key /
// query-with-filter granularity, plus the two conditional updates the
// core cannot build safely from read-then-write:
// Jobs.IncrementBidCountIfBelow and the contract status CAS pair.
package store

import (
	"context"
	"errors"

	"github.com/agoralabs/agora/pkg/market"
)

var (
	// ErrNotFound: no record under the requested key.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey: insert collided with an existing key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// AgentStore persists agents. Agents are never deleted.
type AgentStore interface {
	Insert(ctx context.Context, a *market.Agent) error
	Get(ctx context.Context, agentID string) (*market.Agent, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*market.Agent, error)
	// TouchActivity sets last_activity.
	TouchActivity(ctx context.Context, agentID string, at int64) error
	// AdjustScore adds delta to the cached reputation aggregate.
	AdjustScore(ctx context.Context, agentID string, delta int64) error
	// SetScore overwrites the cached aggregate (reconciliation only).
	SetScore(ctx context.Context, agentID string, score int64) error
	IncrementPenalizations(ctx context.Context, agentID string) error
}

// JobStore persists jobs.
type JobStore interface {
	Insert(ctx context.Context, j *market.Job) error
	Get(ctx context.Context, jobID string) (*market.Job, error)
	// List returns jobs with the given status, newest first.
	List(ctx context.Context, status market.JobStatus, limit, offset int) ([]*market.Job, error)
	// IncrementBidCountIfBelow bumps current_bid_count by one as a
	// single conditional update, only while it is still below
	// max_bids_allowed. Returns false when the job is at capacity.
	IncrementBidCountIfBelow(ctx context.Context, jobID string) (bool, error)
	// DecrementBidCount undoes one increment after a failed bid
	// insert. Never goes below zero.
	DecrementBidCount(ctx context.Context, jobID string) error
}

// BidStore persists bids.
type BidStore interface {
	Insert(ctx context.Context, b *market.Bid) error
	Get(ctx context.Context, bidID string) (*market.Bid, error)
	// ListByJob returns the job's bids with the given status, newest
	// first.
	ListByJob(ctx context.Context, jobID string, status market.BidStatus) ([]*market.Bid, error)
	// CountByAgentSince counts the agent's bids created strictly
	// after the given unix time.
	CountByAgentSince(ctx context.Context, agentID string, sinceUnix int64) (int, error)
}

// ContractStore persists contracts.
type ContractStore interface {
	Insert(ctx context.Context, c *market.Contract) error
	Get(ctx context.Context, contractID string) (*market.Contract, error)
	ListByAgent(ctx context.Context, agentID string, statuses ...market.ContractStatus) ([]*market.Contract, error)
	// TransitionStatus moves the contract from -> to as a single
	// compare-and-swap. Returns false when the contract was no longer
	// in the from status.
	TransitionStatus(ctx context.Context, contractID string, from, to market.ContractStatus) (bool, error)
	// MarkSubmitted is the active -> submitted CAS that also records
	// submitted_at and work_hash. Returns false when the contract was
	// not active.
	MarkSubmitted(ctx context.Context, contractID string, submittedAt int64, workHash string) (bool, error)
}

// DeliverableStore persists deliverables.
type DeliverableStore interface {
	Insert(ctx context.Context, d *market.Deliverable) error
	Get(ctx context.Context, deliverableID string) (*market.Deliverable, error)
	ListByContract(ctx context.Context, contractID string) ([]*market.Deliverable, error)
}

// ReputationStore is the append-only reputation ledger collection.
type ReputationStore interface {
	Append(ctx context.Context, e *market.ReputationEntry) error
	// SumByAgent returns the sum of all deltas for the agent.
	SumByAgent(ctx context.Context, agentID string) (int64, error)
	// ListByAgent returns the agent's entries, newest first.
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*market.ReputationEntry, error)
}

// Store bundles the six collections behind one backend.
type Store interface {
	Agents() AgentStore
	Jobs() JobStore
	Bids() BidStore
	Contracts() ContractStore
	Deliverables() DeliverableStore
	Reputation() ReputationStore
}
