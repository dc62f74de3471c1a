// Package identity registers agents and verifies their credentials.
//
// Credentials are opaque API keys. Only the SHA-256 hash of a key is
// stored; the raw key is returned once at registration and never
// again. Verification is the sole gate between anonymous callers and
// mutation operations.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agoralabs/agora/pkg/fault"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/store"
)

// Service issues and verifies agent credentials.
type Service struct {
	agents   store.AgentStore
	baseline int64
	clock    func() time.Time
	logger   *slog.Logger
}

// NewService creates an identity service. baseline is the reputation
// score assigned at registration.
func NewService(agents store.AgentStore, baseline int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agents:   agents,
		baseline: baseline,
		clock:    time.Now,
		logger:   logger,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// HashKey returns the one-way lookup key for an API key.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("identity: rand: %v", err))
	}
	return hex.EncodeToString(buf)
}

// Register creates a new agent and returns it together with the raw
// API key. The key cannot be recovered later.
func (s *Service) Register(ctx context.Context, capabilities []string) (*market.Agent, string, error) {
	now := s.clock().Unix()
	apiKey := randomHex(32)
	if capabilities == nil {
		capabilities = []string{}
	}

	agent := &market.Agent{
		AgentID:              "agent_" + randomHex(8),
		RegisteredAt:         now,
		State:                market.AgentRegistered,
		ReputationScore:      s.baseline,
		VerifiedCapabilities: capabilities,
		LastActivity:         now,
		APIKeyHash:           HashKey(apiKey),
	}
	if err := s.agents.Insert(ctx, agent); err != nil {
		return nil, "", fault.Internal("register agent", err)
	}
	return agent, apiKey, nil
}

// Verify maps an API key to an agent id. It fails with unauthorized
// when the key is empty, unknown, or belongs to a suspended or banned
// agent. On success it bumps last_activity best-effort.
func (s *Service) Verify(ctx context.Context, apiKey string) (string, error) {
	agent, err := s.lookup(ctx, apiKey)
	if err != nil {
		return "", err
	}

	if err := s.agents.TouchActivity(ctx, agent.AgentID, s.clock().Unix()); err != nil {
		// Activity tracking must not fail the request.
		s.logger.Warn("failed to update last_activity", "agent_id", agent.AgentID, "error", err)
	}
	return agent.AgentID, nil
}

// Lookup returns the full agent record for a valid API key without
// the disabled-state rejection. Used by the self-inspection endpoint.
func (s *Service) Lookup(ctx context.Context, apiKey string) (*market.Agent, error) {
	if apiKey == "" {
		return nil, fault.New(fault.CodeUnauthorized, "missing API key")
	}
	agent, err := s.agents.GetByKeyHash(ctx, HashKey(apiKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.CodeUnauthorized, "invalid API key")
		}
		return nil, fault.Internal("lookup agent", err)
	}
	return agent, nil
}

func (s *Service) lookup(ctx context.Context, apiKey string) (*market.Agent, error) {
	agent, err := s.Lookup(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if agent.State.Disabled() {
		return nil, fault.New(fault.CodeUnauthorized, "agent suspended or banned")
	}
	return agent, nil
}
