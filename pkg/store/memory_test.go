package store

import (
	"context"
	"sync"
	"testing"

	"github.com/agoralabs/agora/pkg/market"
)

func seedJob(t *testing.T, m *Memory, id string, maxBids int) {
	t.Helper()
	err := m.Jobs().Insert(context.Background(), &market.Job{
		JobID:          id,
		ClientID:       "client_1",
		Title:          "index a corpus",
		Description:    "build a searchable index",
		BudgetMin:      100,
		BudgetMax:      500,
		DeadlineUnix:   1_900_000_000,
		Status:         market.JobOpen,
		CreatedAt:      1_800_000_000,
		ExpiresAt:      1_800_604_800,
		MaxBidsAllowed: maxBids,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryAgentRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	a := &market.Agent{
		AgentID:              "agent_1",
		State:                market.AgentRegistered,
		ReputationScore:      1000,
		VerifiedCapabilities: []string{"golang"},
		APIKeyHash:           "hash1",
	}
	if err := m.Agents().Insert(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := m.Agents().Insert(ctx, a); err != ErrDuplicateKey {
		t.Fatalf("expected duplicate key, got %v", err)
	}

	got, err := m.Agents().GetByKeyHash(ctx, "hash1")
	if err != nil {
		t.Fatal(err)
	}
	if got.AgentID != "agent_1" {
		t.Fatalf("unexpected agent %s", got.AgentID)
	}

	// Reads return copies.
	got.ReputationScore = 0
	again, _ := m.Agents().Get(ctx, "agent_1")
	if again.ReputationScore != 1000 {
		t.Fatal("mutating a returned record must not affect the store")
	}

	if _, err := m.Agents().Get(ctx, "agent_missing"); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryAdjustScore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Agents().Insert(ctx, &market.Agent{AgentID: "agent_1", ReputationScore: 1000, APIKeyHash: "h"})

	if err := m.Agents().AdjustScore(ctx, "agent_1", -500); err != nil {
		t.Fatal(err)
	}
	a, _ := m.Agents().Get(ctx, "agent_1")
	if a.ReputationScore != 500 {
		t.Fatalf("expected 500, got %d", a.ReputationScore)
	}

	if err := m.Agents().AdjustScore(ctx, "nope", 1); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryIncrementBidCountIfBelow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedJob(t, m, "job_1", 2)

	for i := 0; i < 2; i++ {
		ok, err := m.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
		if err != nil || !ok {
			t.Fatalf("increment %d: ok=%v err=%v", i, ok, err)
		}
	}
	ok, err := m.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("increment past the cap must be refused")
	}
	j, _ := m.Jobs().Get(ctx, "job_1")
	if j.CurrentBidCount != 2 {
		t.Fatalf("expected count 2, got %d", j.CurrentBidCount)
	}

	if _, err := m.Jobs().IncrementBidCountIfBelow(ctx, "job_missing"); err != ErrNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryIncrementBidCountConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	const maxBids = 20
	seedJob(t, m, "job_1", maxBids)

	var wg sync.WaitGroup
	wins := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
			if err == nil && ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != maxBids {
		t.Fatalf("expected exactly %d winners, got %d", maxBids, won)
	}
	j, _ := m.Jobs().Get(ctx, "job_1")
	if j.CurrentBidCount != maxBids {
		t.Fatalf("bid count %d exceeds or trails cap %d", j.CurrentBidCount, maxBids)
	}
}

func TestMemoryDecrementBidCount(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedJob(t, m, "job_1", 5)

	_, _ = m.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
	if err := m.Jobs().DecrementBidCount(ctx, "job_1"); err != nil {
		t.Fatal(err)
	}
	j, _ := m.Jobs().Get(ctx, "job_1")
	if j.CurrentBidCount != 0 {
		t.Fatalf("expected 0, got %d", j.CurrentBidCount)
	}
	// Never below zero.
	_ = m.Jobs().DecrementBidCount(ctx, "job_1")
	j, _ = m.Jobs().Get(ctx, "job_1")
	if j.CurrentBidCount != 0 {
		t.Fatalf("count went negative: %d", j.CurrentBidCount)
	}
}

func TestMemoryBidsListNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i, id := range []string{"b1", "b2", "b3"} {
		_ = m.Bids().Insert(ctx, &market.Bid{
			BidID:     id,
			JobID:     "job_1",
			AgentID:   "agent_1",
			CreatedAt: int64(1000 + i),
			Status:    market.BidSubmitted,
		})
	}
	_ = m.Bids().Insert(ctx, &market.Bid{BidID: "b4", JobID: "job_1", AgentID: "agent_1", CreatedAt: 2000, Status: market.BidRejected})

	bids, err := m.Bids().ListByJob(ctx, "job_1", market.BidSubmitted)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 3 {
		t.Fatalf("expected 3 submitted bids, got %d", len(bids))
	}
	if bids[0].BidID != "b3" || bids[2].BidID != "b1" {
		t.Fatalf("expected newest first, got %s..%s", bids[0].BidID, bids[2].BidID)
	}
}

func TestMemoryCountByAgentSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Bids().Insert(ctx, &market.Bid{BidID: "old", AgentID: "agent_1", CreatedAt: 100})
	_ = m.Bids().Insert(ctx, &market.Bid{BidID: "edge", AgentID: "agent_1", CreatedAt: 500})
	_ = m.Bids().Insert(ctx, &market.Bid{BidID: "new", AgentID: "agent_1", CreatedAt: 900})
	_ = m.Bids().Insert(ctx, &market.Bid{BidID: "other", AgentID: "agent_2", CreatedAt: 900})

	n, err := m.Bids().CountByAgentSince(ctx, "agent_1", 500)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count is strictly-after: expected 1, got %d", n)
	}
}

func TestMemoryContractCAS(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Contracts().Insert(ctx, &market.Contract{ContractID: "c1", AgentID: "agent_1", Status: market.ContractActive})

	ok, err := m.Contracts().MarkSubmitted(ctx, "c1", 12345, "hashA")
	if err != nil || !ok {
		t.Fatalf("first CAS should win: ok=%v err=%v", ok, err)
	}
	ok, err = m.Contracts().MarkSubmitted(ctx, "c1", 12346, "hashB")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second CAS on a submitted contract must lose")
	}

	c, _ := m.Contracts().Get(ctx, "c1")
	if c.Status != market.ContractSubmitted || c.SubmittedAt == nil || *c.SubmittedAt != 12345 || c.WorkHash == nil || *c.WorkHash != "hashA" {
		t.Fatalf("winner's fields must stick: %+v", c)
	}

	ok, err = m.Contracts().TransitionStatus(ctx, "c1", market.ContractActive, market.ContractFailed)
	if err != nil || ok {
		t.Fatalf("failed CAS from wrong status must report false: ok=%v err=%v", ok, err)
	}
}

func TestMemoryJobListPagination(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedJob(t, m, "job_"+string(rune('a'+i)), 10)
	}
	jobs, err := m.Jobs().List(ctx, market.JobOpen, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2, got %d", len(jobs))
	}
	if jobs[0].JobID != "job_d" {
		t.Fatalf("expected job_d after skipping newest, got %s", jobs[0].JobID)
	}
}

func TestMemoryReputation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Reputation().Append(ctx, &market.ReputationEntry{EntryID: "e1", AgentID: "agent_1", Delta: -500, Reason: "bid_spam", CreatedAt: 10})
	_ = m.Reputation().Append(ctx, &market.ReputationEntry{EntryID: "e2", AgentID: "agent_1", Delta: -1000, Reason: "non_delivery", CreatedAt: 20})
	_ = m.Reputation().Append(ctx, &market.ReputationEntry{EntryID: "e3", AgentID: "agent_2", Delta: 100, Reason: "bonus", CreatedAt: 30})

	sum, err := m.Reputation().SumByAgent(ctx, "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if sum != -1500 {
		t.Fatalf("expected -1500, got %d", sum)
	}

	entries, _ := m.Reputation().ListByAgent(ctx, "agent_1", 10)
	if len(entries) != 2 || entries[0].EntryID != "e2" {
		t.Fatalf("expected 2 entries newest first, got %+v", entries)
	}
}
