package store

import (
	"context"
	"sync"

	"github.com/agoralabs/agora/pkg/market"
)

// Memory is an in-memory Store for tests and single-node development.
// One mutex guards all collections so the conditional updates are
// trivially atomic. All reads return copies.
type Memory struct {
	mu sync.RWMutex

	agents       map[string]*market.Agent
	agentsByHash map[string]string

	jobs     map[string]*market.Job
	jobOrder []string

	bids     map[string]*market.Bid
	bidOrder []string

	contracts map[string]*market.Contract

	deliverables map[string]*market.Deliverable

	reputation []*market.ReputationEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:       make(map[string]*market.Agent),
		agentsByHash: make(map[string]string),
		jobs:         make(map[string]*market.Job),
		bids:         make(map[string]*market.Bid),
		contracts:    make(map[string]*market.Contract),
		deliverables: make(map[string]*market.Deliverable),
	}
}

func (m *Memory) Agents() AgentStore             { return (*memAgents)(m) }
func (m *Memory) Jobs() JobStore                 { return (*memJobs)(m) }
func (m *Memory) Bids() BidStore                 { return (*memBids)(m) }
func (m *Memory) Contracts() ContractStore       { return (*memContracts)(m) }
func (m *Memory) Deliverables() DeliverableStore { return (*memDeliverables)(m) }
func (m *Memory) Reputation() ReputationStore    { return (*memReputation)(m) }

func copyAgent(a *market.Agent) *market.Agent {
	v := *a
	v.VerifiedCapabilities = append([]string(nil), a.VerifiedCapabilities...)
	if a.SuspensionExpiry != nil {
		exp := *a.SuspensionExpiry
		v.SuspensionExpiry = &exp
	}
	return &v
}

func copyJob(j *market.Job) *market.Job {
	v := *j
	v.RequiredSkills = append([]string(nil), j.RequiredSkills...)
	if j.SelectedAgentID != nil {
		id := *j.SelectedAgentID
		v.SelectedAgentID = &id
	}
	return &v
}

func copyBid(b *market.Bid) *market.Bid {
	v := *b
	if b.RejectionReason != nil {
		r := *b.RejectionReason
		v.RejectionReason = &r
	}
	return &v
}

func copyContract(c *market.Contract) *market.Contract {
	v := *c
	if c.SubmittedAt != nil {
		at := *c.SubmittedAt
		v.SubmittedAt = &at
	}
	if c.WorkHash != nil {
		h := *c.WorkHash
		v.WorkHash = &h
	}
	return &v
}

func copyDeliverable(d *market.Deliverable) *market.Deliverable {
	v := *d
	if d.Score != nil {
		s := *d.Score
		v.Score = &s
	}
	if d.Feedback != nil {
		f := *d.Feedback
		v.Feedback = &f
	}
	return &v
}

type memAgents Memory

func (m *memAgents) Insert(_ context.Context, a *market.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.AgentID]; ok {
		return ErrDuplicateKey
	}
	if a.APIKeyHash != "" {
		if _, ok := m.agentsByHash[a.APIKeyHash]; ok {
			return ErrDuplicateKey
		}
		m.agentsByHash[a.APIKeyHash] = a.AgentID
	}
	m.agents[a.AgentID] = copyAgent(a)
	return nil
}

func (m *memAgents) Get(_ context.Context, agentID string) (*market.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

func (m *memAgents) GetByKeyHash(_ context.Context, keyHash string) (*market.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentsByHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(m.agents[id]), nil
}

func (m *memAgents) TouchActivity(_ context.Context, agentID string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastActivity = at
	return nil
}

func (m *memAgents) AdjustScore(_ context.Context, agentID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.ReputationScore += delta
	return nil
}

func (m *memAgents) SetScore(_ context.Context, agentID string, score int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.ReputationScore = score
	return nil
}

func (m *memAgents) IncrementPenalizations(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.Penalizations++
	return nil
}

type memJobs Memory

func (m *memJobs) Insert(_ context.Context, j *market.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.JobID]; ok {
		return ErrDuplicateKey
	}
	m.jobs[j.JobID] = copyJob(j)
	m.jobOrder = append(m.jobOrder, j.JobID)
	return nil
}

func (m *memJobs) Get(_ context.Context, jobID string) (*market.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memJobs) List(_ context.Context, status market.JobStatus, limit, offset int) ([]*market.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Job
	skipped := 0
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		j := m.jobs[m.jobOrder[i]]
		if j.Status != status {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyJob(j))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memJobs) IncrementBidCountIfBelow(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.CurrentBidCount >= j.MaxBidsAllowed {
		return false, nil
	}
	j.CurrentBidCount++
	return true, nil
}

func (m *memJobs) DecrementBidCount(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.CurrentBidCount > 0 {
		j.CurrentBidCount--
	}
	return nil
}

type memBids Memory

func (m *memBids) Insert(_ context.Context, b *market.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[b.BidID]; ok {
		return ErrDuplicateKey
	}
	m.bids[b.BidID] = copyBid(b)
	m.bidOrder = append(m.bidOrder, b.BidID)
	return nil
}

func (m *memBids) Get(_ context.Context, bidID string) (*market.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[bidID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBid(b), nil
}

func (m *memBids) ListByJob(_ context.Context, jobID string, status market.BidStatus) ([]*market.Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Bid
	for i := len(m.bidOrder) - 1; i >= 0; i-- {
		b := m.bids[m.bidOrder[i]]
		if b.JobID == jobID && b.Status == status {
			out = append(out, copyBid(b))
		}
	}
	return out, nil
}

func (m *memBids) CountByAgentSince(_ context.Context, agentID string, sinceUnix int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bids {
		if b.AgentID == agentID && b.CreatedAt > sinceUnix {
			n++
		}
	}
	return n, nil
}

type memContracts Memory

func (m *memContracts) Insert(_ context.Context, c *market.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ContractID]; ok {
		return ErrDuplicateKey
	}
	m.contracts[c.ContractID] = copyContract(c)
	return nil
}

func (m *memContracts) Get(_ context.Context, contractID string) (*market.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContract(c), nil
}

func (m *memContracts) ListByAgent(_ context.Context, agentID string, statuses ...market.ContractStatus) ([]*market.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Contract
	for _, c := range m.contracts {
		if c.AgentID != agentID {
			continue
		}
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, copyContract(c))
				break
			}
		}
	}
	return out, nil
}

func (m *memContracts) TransitionStatus(_ context.Context, contractID string, from, to market.ContractStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (m *memContracts) MarkSubmitted(_ context.Context, contractID string, submittedAt int64, workHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != market.ContractActive {
		return false, nil
	}
	c.Status = market.ContractSubmitted
	c.SubmittedAt = &submittedAt
	c.WorkHash = &workHash
	return true, nil
}

type memDeliverables Memory

func (m *memDeliverables) Insert(_ context.Context, d *market.Deliverable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliverables[d.DeliverableID]; ok {
		return ErrDuplicateKey
	}
	m.deliverables[d.DeliverableID] = copyDeliverable(d)
	return nil
}

func (m *memDeliverables) Get(_ context.Context, deliverableID string) (*market.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliverables[deliverableID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDeliverable(d), nil
}

func (m *memDeliverables) ListByContract(_ context.Context, contractID string) ([]*market.Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.Deliverable
	for _, d := range m.deliverables {
		if d.ContractID == contractID {
			out = append(out, copyDeliverable(d))
		}
	}
	return out, nil
}

type memReputation Memory

func (m *memReputation) Append(_ context.Context, e *market.ReputationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := *e
	m.reputation = append(m.reputation, &v)
	return nil
}

func (m *memReputation) SumByAgent(_ context.Context, agentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.reputation {
		if e.AgentID == agentID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (m *memReputation) ListByAgent(_ context.Context, agentID string, limit int) ([]*market.ReputationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*market.ReputationEntry
	for i := len(m.reputation) - 1; i >= 0; i-- {
		e := m.reputation[i]
		if e.AgentID != agentID {
			continue
		}
		v := *e
		out = append(out, &v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
