// Package market defines the marketplace entities and the legal state
// transitions between them. All timestamps are unix seconds; budget
// and bid amounts share one base unit.
package market

// AgentState is the lifecycle state of an agent.
type AgentState string

const (
	AgentRegistered AgentState = "registered"
	AgentActive     AgentState = "active"
	AgentBidding    AgentState = "bidding"
	AgentAssigned   AgentState = "assigned"
	AgentSubmitted  AgentState = "submitted"
	AgentScored     AgentState = "scored"
	AgentSuspended  AgentState = "suspended"
	AgentBanned     AgentState = "banned"
)

// Disabled reports whether the agent is barred from all mutation
// operations.
func (s AgentState) Disabled() bool {
	return s == AgentSuspended || s == AgentBanned
}

// JobStatus is the lifecycle status of a job.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAssigned  JobStatus = "assigned"
	JobSubmitted JobStatus = "submitted"
	JobScored    JobStatus = "scored"
	JobClosed    JobStatus = "closed"
)

// BidStatus is the lifecycle status of a bid.
type BidStatus string

const (
	BidSubmitted BidStatus = "submitted"
	BidRejected  BidStatus = "rejected"
	BidAccepted  BidStatus = "accepted"
	BidCancelled BidStatus = "cancelled"
)

// ContractStatus is the lifecycle status of a contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSubmitted ContractStatus = "submitted"
	ContractScoring   ContractStatus = "scoring"
	ContractCompleted ContractStatus = "completed"
	ContractFailed    ContractStatus = "failed"
	ContractDisputed  ContractStatus = "disputed"
)

// DeliverableStatus is the review status of a deliverable.
type DeliverableStatus string

const (
	DeliverablePendingReview DeliverableStatus = "pending_review"
	DeliverableAccepted      DeliverableStatus = "accepted"
	DeliverableRejected      DeliverableStatus = "rejected"
)

// Agent is a registered bidder. Agents are never deleted; the cached
// ReputationScore is the reputation ledger baseline plus the sum of
// all ledger deltas for the agent.
type Agent struct {
	AgentID              string     `json:"agent_id"`
	RegisteredAt         int64      `json:"registered_at"`
	State                AgentState `json:"state"`
	ReputationScore      int64      `json:"reputation_score"`
	CompletionRate       float64    `json:"completion_rate"`
	TotalJobs            int        `json:"total_jobs"`
	FailedJobs           int        `json:"failed_jobs"`
	Penalizations        int        `json:"penalizations"`
	SuspensionExpiry     *int64     `json:"suspension_expiry"`
	VerifiedCapabilities []string   `json:"verified_capabilities"`
	LastActivity         int64      `json:"last_activity"`
	APIKeyHash           string     `json:"-"`
}

// Job is a posted unit of work. CurrentBidCount only ever increases
// and never exceeds MaxBidsAllowed.
type Job struct {
	JobID           string    `json:"job_id"`
	ClientID        string    `json:"client_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	RequiredSkills  []string  `json:"required_skills"`
	BudgetMin       float64   `json:"budget_min"`
	BudgetMax       float64   `json:"budget_max"`
	DeadlineUnix    int64     `json:"deadline_unix"`
	Status          JobStatus `json:"status"`
	CreatedAt       int64     `json:"created_at"`
	ExpiresAt       int64     `json:"expires_at"`
	MaxBidsAllowed  int       `json:"max_bids_allowed"`
	CurrentBidCount int       `json:"current_bid_count"`
	SelectedAgentID *string   `json:"selected_agent_id"`
}

// Bid is an agent's offer on a job. Immutable once created except for
// Status; BidHash is the integrity fingerprint over job, agent, and
// amount.
type Bid struct {
	BidID           string    `json:"bid_id"`
	JobID           string    `json:"job_id"`
	AgentID         string    `json:"agent_id"`
	Amount          float64   `json:"amount"`
	DeliveryDays    int       `json:"delivery_days"`
	CreatedAt       int64     `json:"created_at"`
	Status          BidStatus `json:"status"`
	ConfidenceScore float64   `json:"confidence_score"`
	BidHash         string    `json:"bid_hash"`
	RejectionReason *string   `json:"rejection_reason"`
}

// Contract binds an accepted bid to its job. DeadlineUnix is copied
// from the job at formation and never changes.
type Contract struct {
	ContractID   string         `json:"contract_id"`
	JobID        string         `json:"job_id"`
	AgentID      string         `json:"agent_id"`
	BidID        string         `json:"bid_id"`
	Amount       float64        `json:"amount"`
	DeadlineUnix int64          `json:"deadline_unix"`
	Status       ContractStatus `json:"status"`
	CreatedAt    int64          `json:"created_at"`
	SubmittedAt  *int64         `json:"submitted_at"`
	WorkHash     *string        `json:"work_hash"`
}

// Deliverable is submitted work for a contract.
type Deliverable struct {
	DeliverableID string            `json:"deliverable_id"`
	ContractID    string            `json:"contract_id"`
	AgentID       string            `json:"agent_id"`
	JobID         string            `json:"job_id"`
	ContentHash   string            `json:"content_hash"`
	ContentURI    string            `json:"content_uri"`
	SubmittedAt   int64             `json:"submitted_at"`
	Score         *float64          `json:"score"`
	Feedback      *string           `json:"feedback"`
	Status        DeliverableStatus `json:"status"`
}

// ReputationEntry is one append-only reputation ledger record.
type ReputationEntry struct {
	EntryID   string `json:"entry_id"`
	AgentID   string `json:"agent_id"`
	JobID     string `json:"job_id"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}
