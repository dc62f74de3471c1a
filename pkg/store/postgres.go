package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agoralabs/agora/pkg/market"

	"github.com/lib/pq"
)

// Postgres is the production Store. The conditional updates are
// single statements, so concurrent admissions serialize on the row.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an opened postgres connection. Schema management
// is external (migrations directory or provisioning); Migrate is
// provided for bootstrap convenience.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects using a lib/pq DSN and verifies the
// connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// Migrate creates the six collections if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			registered_at BIGINT NOT NULL,
			state TEXT NOT NULL,
			reputation_score BIGINT NOT NULL,
			completion_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_jobs INTEGER NOT NULL DEFAULT 0,
			failed_jobs INTEGER NOT NULL DEFAULT 0,
			penalizations INTEGER NOT NULL DEFAULT 0,
			suspension_expiry BIGINT,
			verified_capabilities JSONB NOT NULL DEFAULT '[]',
			last_activity BIGINT NOT NULL,
			api_key_hash TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			required_skills JSONB NOT NULL DEFAULT '[]',
			budget_min DOUBLE PRECISION NOT NULL,
			budget_max DOUBLE PRECISION NOT NULL,
			deadline_unix BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			max_bids_allowed INTEGER NOT NULL,
			current_bid_count INTEGER NOT NULL DEFAULT 0,
			selected_agent_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS bids (
			bid_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			delivery_days INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			status TEXT NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL,
			bid_hash TEXT NOT NULL,
			rejection_reason TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_agent_created ON bids(agent_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bids_job_status ON bids(job_id, status)`,
		`CREATE TABLE IF NOT EXISTS contracts (
			contract_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			bid_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			deadline_unix BIGINT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			submitted_at BIGINT,
			work_hash TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_agent ON contracts(agent_id)`,
		`CREATE TABLE IF NOT EXISTS deliverables (
			deliverable_id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content_uri TEXT NOT NULL,
			submitted_at BIGINT NOT NULL,
			score DOUBLE PRECISION,
			feedback TEXT,
			status TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reputation (
			entry_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			delta BIGINT NOT NULL,
			reason TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_agent ON reputation(agent_id, created_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) Agents() AgentStore             { return &pgAgents{s.db} }
func (s *Postgres) Jobs() JobStore                 { return &pgJobs{s.db} }
func (s *Postgres) Bids() BidStore                 { return &pgBids{s.db} }
func (s *Postgres) Contracts() ContractStore       { return &pgContracts{s.db} }
func (s *Postgres) Deliverables() DeliverableStore { return &pgDeliverables{s.db} }
func (s *Postgres) Reputation() ReputationStore    { return &pgReputation{s.db} }

func pgInsertErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

type pgAgents struct{ db *sql.DB }

func (s *pgAgents) Insert(ctx context.Context, a *market.Agent) error {
	caps, _ := json.Marshal(a.VerifiedCapabilities)
	if a.VerifiedCapabilities == nil {
		caps = []byte("[]")
	}
	var expiry any
	if a.SuspensionExpiry != nil {
		expiry = *a.SuspensionExpiry
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.AgentID, a.RegisteredAt, a.State, a.ReputationScore, a.CompletionRate,
		a.TotalJobs, a.FailedJobs, a.Penalizations, expiry, string(caps), a.LastActivity, a.APIKeyHash)
	return pgInsertErr(err)
}

func (s *pgAgents) Get(ctx context.Context, agentID string) (*market.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID))
}

func (s *pgAgents) GetByKeyHash(ctx context.Context, keyHash string) (*market.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = $1`, keyHash))
}

func (s *pgAgents) TouchActivity(ctx context.Context, agentID string, at int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET last_activity = $1 WHERE agent_id = $2`, at, agentID)
}

func (s *pgAgents) AdjustScore(ctx context.Context, agentID string, delta int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET reputation_score = reputation_score + $1 WHERE agent_id = $2`, delta, agentID)
}

func (s *pgAgents) SetScore(ctx context.Context, agentID string, score int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET reputation_score = $1 WHERE agent_id = $2`, score, agentID)
}

func (s *pgAgents) IncrementPenalizations(ctx context.Context, agentID string) error {
	return execOne(ctx, s.db, `UPDATE agents SET penalizations = penalizations + 1 WHERE agent_id = $1`, agentID)
}

type pgJobs struct{ db *sql.DB }

func (s *pgJobs) Insert(ctx context.Context, j *market.Job) error {
	skills, _ := json.Marshal(j.RequiredSkills)
	if j.RequiredSkills == nil {
		skills = []byte("[]")
	}
	var selected any
	if j.SelectedAgentID != nil {
		selected = *j.SelectedAgentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.JobID, j.ClientID, j.Title, j.Description, string(skills), j.BudgetMin, j.BudgetMax,
		j.DeadlineUnix, j.Status, j.CreatedAt, j.ExpiresAt, j.MaxBidsAllowed, j.CurrentBidCount, selected)
	return pgInsertErr(err)
}

func (s *pgJobs) Get(ctx context.Context, jobID string) (*market.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
}

func (s *pgJobs) List(ctx context.Context, status market.JobStatus, limit, offset int) ([]*market.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC, job_id DESC LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *pgJobs) IncrementBidCountIfBelow(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET current_bid_count = current_bid_count + 1 WHERE job_id = $1 AND current_bid_count < max_bids_allowed`,
		jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = $1`, jobID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *pgJobs) DecrementBidCount(ctx context.Context, jobID string) error {
	return execOne(ctx, s.db,
		`UPDATE jobs SET current_bid_count = current_bid_count - 1 WHERE job_id = $1 AND current_bid_count > 0`, jobID)
}

type pgBids struct{ db *sql.DB }

func (s *pgBids) Insert(ctx context.Context, b *market.Bid) error {
	var reason any
	if b.RejectionReason != nil {
		reason = *b.RejectionReason
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.BidID, b.JobID, b.AgentID, b.Amount, b.DeliveryDays, b.CreatedAt,
		b.Status, b.ConfidenceScore, b.BidHash, reason)
	return pgInsertErr(err)
}

func (s *pgBids) Get(ctx context.Context, bidID string) (*market.Bid, error) {
	return scanBid(s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE bid_id = $1`, bidID))
}

func (s *pgBids) ListByJob(ctx context.Context, jobID string, status market.BidStatus) ([]*market.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE job_id = $1 AND status = $2 ORDER BY created_at DESC, bid_id DESC`,
		jobID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *pgBids) CountByAgentSince(ctx context.Context, agentID string, sinceUnix int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bids WHERE agent_id = $1 AND created_at > $2`, agentID, sinceUnix).Scan(&n)
	return n, err
}

type pgContracts struct{ db *sql.DB }

func (s *pgContracts) Insert(ctx context.Context, c *market.Contract) error {
	var submittedAt, workHash any
	if c.SubmittedAt != nil {
		submittedAt = *c.SubmittedAt
	}
	if c.WorkHash != nil {
		workHash = *c.WorkHash
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ContractID, c.JobID, c.AgentID, c.BidID, c.Amount, c.DeadlineUnix,
		c.Status, c.CreatedAt, submittedAt, workHash)
	return pgInsertErr(err)
}

func (s *pgContracts) Get(ctx context.Context, contractID string) (*market.Contract, error) {
	return scanContract(s.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE contract_id = $1`, contractID))
}

func (s *pgContracts) ListByAgent(ctx context.Context, agentID string, statuses ...market.ContractStatus) ([]*market.Contract, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE agent_id = $1 AND status = ANY($2) ORDER BY created_at DESC`,
		agentID, pq.Array(names))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *pgContracts) TransitionStatus(ctx context.Context, contractID string, from, to market.ContractStatus) (bool, error) {
	return s.cas(ctx, contractID,
		`UPDATE contracts SET status = $1 WHERE contract_id = $2 AND status = $3`,
		to, contractID, from)
}

func (s *pgContracts) MarkSubmitted(ctx context.Context, contractID string, submittedAt int64, workHash string) (bool, error) {
	return s.cas(ctx, contractID,
		`UPDATE contracts SET status = $1, submitted_at = $2, work_hash = $3 WHERE contract_id = $4 AND status = $5`,
		market.ContractSubmitted, submittedAt, workHash, contractID, market.ContractActive)
}

func (s *pgContracts) cas(ctx context.Context, contractID, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM contracts WHERE contract_id = $1`, contractID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

type pgDeliverables struct{ db *sql.DB }

func (s *pgDeliverables) Insert(ctx context.Context, d *market.Deliverable) error {
	var score, feedback any
	if d.Score != nil {
		score = *d.Score
	}
	if d.Feedback != nil {
		feedback = *d.Feedback
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliverables (`+deliverableColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.DeliverableID, d.ContractID, d.AgentID, d.JobID, d.ContentHash,
		d.ContentURI, d.SubmittedAt, score, feedback, d.Status)
	return pgInsertErr(err)
}

func (s *pgDeliverables) Get(ctx context.Context, deliverableID string) (*market.Deliverable, error) {
	return scanDeliverable(s.db.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE deliverable_id = $1`, deliverableID))
}

func (s *pgDeliverables) ListByContract(ctx context.Context, contractID string) ([]*market.Deliverable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE contract_id = $1 ORDER BY submitted_at DESC`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type pgReputation struct{ db *sql.DB }

func (s *pgReputation) Append(ctx context.Context, e *market.ReputationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reputation (entry_id, agent_id, job_id, delta, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.EntryID, e.AgentID, e.JobID, e.Delta, e.Reason, e.CreatedAt)
	return pgInsertErr(err)
}

func (s *pgReputation) SumByAgent(ctx context.Context, agentID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM reputation WHERE agent_id = $1`, agentID).Scan(&sum)
	return sum, err
}

func (s *pgReputation) ListByAgent(ctx context.Context, agentID string, limit int) ([]*market.ReputationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, agent_id, job_id, delta, reason, created_at FROM reputation WHERE agent_id = $1 ORDER BY created_at DESC, entry_id DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*market.ReputationEntry
	for rows.Next() {
		var e market.ReputationEntry
		if err := rows.Scan(&e.EntryID, &e.AgentID, &e.JobID, &e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
