package market

import "github.com/agoralabs/agora/pkg/fault"

// The transition tables below are the single source of truth for
// entity lifecycles. A transition absent from its table fails with
// invalid_state; nothing here clamps or coerces.

var jobTransitions = map[JobStatus][]JobStatus{
	JobOpen:      {JobAssigned, JobClosed},
	JobAssigned:  {JobSubmitted},
	JobSubmitted: {JobScored},
	JobScored:    {JobClosed},
	JobClosed:    {},
}

var contractTransitions = map[ContractStatus][]ContractStatus{
	ContractActive:    {ContractSubmitted, ContractFailed},
	ContractSubmitted: {ContractScoring},
	ContractScoring:   {ContractCompleted, ContractFailed, ContractDisputed},
	ContractCompleted: {},
	ContractFailed:    {},
	ContractDisputed:  {},
}

var bidTransitions = map[BidStatus][]BidStatus{
	BidSubmitted: {BidAccepted, BidRejected, BidCancelled},
	BidAccepted:  {},
	BidRejected:  {},
	BidCancelled: {},
}

var deliverableTransitions = map[DeliverableStatus][]DeliverableStatus{
	DeliverablePendingReview: {DeliverableAccepted, DeliverableRejected},
	DeliverableAccepted:      {},
	DeliverableRejected:      {},
}

func contains[S ~string](allowed []S, to S) bool {
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether a job may move from its current
// status to the given one.
func (j *Job) CanTransition(to JobStatus) bool {
	return contains(jobTransitions[j.Status], to)
}

// Transition moves the job to the given status or fails with
// invalid_state.
func (j *Job) Transition(to JobStatus) error {
	if !j.CanTransition(to) {
		return fault.Newf(fault.CodeInvalidState, "job %s: illegal transition %s -> %s", j.JobID, j.Status, to)
	}
	j.Status = to
	return nil
}

// CanTransition reports whether a contract may move from its current
// status to the given one.
func (c *Contract) CanTransition(to ContractStatus) bool {
	return contains(contractTransitions[c.Status], to)
}

// Transition moves the contract to the given status or fails with
// invalid_state.
func (c *Contract) Transition(to ContractStatus) error {
	if !c.CanTransition(to) {
		return fault.Newf(fault.CodeInvalidState, "contract %s: illegal transition %s -> %s", c.ContractID, c.Status, to)
	}
	c.Status = to
	return nil
}

// CanTransition reports whether a bid may move from its current
// status to the given one.
func (b *Bid) CanTransition(to BidStatus) bool {
	return contains(bidTransitions[b.Status], to)
}

// Transition moves the bid to the given status or fails with
// invalid_state.
func (b *Bid) Transition(to BidStatus) error {
	if !b.CanTransition(to) {
		return fault.Newf(fault.CodeInvalidState, "bid %s: illegal transition %s -> %s", b.BidID, b.Status, to)
	}
	b.Status = to
	return nil
}

// CanTransition reports whether a deliverable may move from its
// current status to the given one.
func (d *Deliverable) CanTransition(to DeliverableStatus) bool {
	return contains(deliverableTransitions[d.Status], to)
}

// Transition moves the deliverable to the given status or fails with
// invalid_state.
func (d *Deliverable) Transition(to DeliverableStatus) error {
	if !d.CanTransition(to) {
		return fault.Newf(fault.CodeInvalidState, "deliverable %s: illegal transition %s -> %s", d.DeliverableID, d.Status, to)
	}
	d.Status = to
	return nil
}
