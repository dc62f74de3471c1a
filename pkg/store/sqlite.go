package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agoralabs/agora/pkg/market"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite database file. Suitable
// for single-node deployments; the conditional updates rely on
// SQLite's serialized writes.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an opened sqlite database and runs migrations.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLite(db)
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			registered_at INTEGER NOT NULL,
			state TEXT NOT NULL,
			reputation_score INTEGER NOT NULL,
			completion_rate REAL NOT NULL DEFAULT 0,
			total_jobs INTEGER NOT NULL DEFAULT 0,
			failed_jobs INTEGER NOT NULL DEFAULT 0,
			penalizations INTEGER NOT NULL DEFAULT 0,
			suspension_expiry INTEGER,
			verified_capabilities TEXT NOT NULL DEFAULT '[]',
			last_activity INTEGER NOT NULL,
			api_key_hash TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			required_skills TEXT NOT NULL DEFAULT '[]',
			budget_min REAL NOT NULL,
			budget_max REAL NOT NULL,
			deadline_unix INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			max_bids_allowed INTEGER NOT NULL,
			current_bid_count INTEGER NOT NULL DEFAULT 0,
			selected_agent_id TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS bids (
			bid_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			amount REAL NOT NULL,
			delivery_days INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			confidence_score REAL NOT NULL,
			bid_hash TEXT NOT NULL,
			rejection_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_agent_created ON bids(agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_bids_job_status ON bids(job_id, status);`,
		`CREATE TABLE IF NOT EXISTS contracts (
			contract_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			bid_id TEXT NOT NULL,
			amount REAL NOT NULL,
			deadline_unix INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			submitted_at INTEGER,
			work_hash TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_contracts_agent ON contracts(agent_id);`,
		`CREATE TABLE IF NOT EXISTS deliverables (
			deliverable_id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			content_uri TEXT NOT NULL,
			submitted_at INTEGER NOT NULL,
			score REAL,
			feedback TEXT,
			status TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reputation (
			entry_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			delta INTEGER NOT NULL,
			reason TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_reputation_agent ON reputation(agent_id, created_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Agents() AgentStore             { return &sqliteAgents{s.db} }
func (s *SQLite) Jobs() JobStore                 { return &sqliteJobs{s.db} }
func (s *SQLite) Bids() BidStore                 { return &sqliteBids{s.db} }
func (s *SQLite) Contracts() ContractStore       { return &sqliteContracts{s.db} }
func (s *SQLite) Deliverables() DeliverableStore { return &sqliteDeliverables{s.db} }
func (s *SQLite) Reputation() ReputationStore    { return &sqliteReputation{s.db} }

func sqliteInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrDuplicateKey
	}
	return err
}

type sqliteAgents struct{ db *sql.DB }

const agentColumns = `agent_id, registered_at, state, reputation_score, completion_rate, total_jobs, failed_jobs, penalizations, suspension_expiry, verified_capabilities, last_activity, api_key_hash`

func scanAgent(row rowScanner) (*market.Agent, error) {
	var a market.Agent
	var expiry sql.NullInt64
	var caps string
	err := row.Scan(&a.AgentID, &a.RegisteredAt, &a.State, &a.ReputationScore, &a.CompletionRate,
		&a.TotalJobs, &a.FailedJobs, &a.Penalizations, &expiry, &caps, &a.LastActivity, &a.APIKeyHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		a.SuspensionExpiry = &expiry.Int64
	}
	if err := json.Unmarshal([]byte(caps), &a.VerifiedCapabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	return &a, nil
}

func (s *sqliteAgents) Insert(ctx context.Context, a *market.Agent) error {
	caps, _ := json.Marshal(a.VerifiedCapabilities)
	if a.VerifiedCapabilities == nil {
		caps = []byte("[]")
	}
	var expiry any
	if a.SuspensionExpiry != nil {
		expiry = *a.SuspensionExpiry
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.RegisteredAt, a.State, a.ReputationScore, a.CompletionRate,
		a.TotalJobs, a.FailedJobs, a.Penalizations, expiry, string(caps), a.LastActivity, a.APIKeyHash)
	return sqliteInsertErr(err)
}

func (s *sqliteAgents) Get(ctx context.Context, agentID string) (*market.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID))
}

func (s *sqliteAgents) GetByKeyHash(ctx context.Context, keyHash string) (*market.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE api_key_hash = ?`, keyHash))
}

func execOne(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteAgents) TouchActivity(ctx context.Context, agentID string, at int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET last_activity = ? WHERE agent_id = ?`, at, agentID)
}

func (s *sqliteAgents) AdjustScore(ctx context.Context, agentID string, delta int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET reputation_score = reputation_score + ? WHERE agent_id = ?`, delta, agentID)
}

func (s *sqliteAgents) SetScore(ctx context.Context, agentID string, score int64) error {
	return execOne(ctx, s.db, `UPDATE agents SET reputation_score = ? WHERE agent_id = ?`, score, agentID)
}

func (s *sqliteAgents) IncrementPenalizations(ctx context.Context, agentID string) error {
	return execOne(ctx, s.db, `UPDATE agents SET penalizations = penalizations + 1 WHERE agent_id = ?`, agentID)
}

type sqliteJobs struct{ db *sql.DB }

const jobColumns = `job_id, client_id, title, description, required_skills, budget_min, budget_max, deadline_unix, status, created_at, expires_at, max_bids_allowed, current_bid_count, selected_agent_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*market.Job, error) {
	var j market.Job
	var skills string
	var selected sql.NullString
	err := row.Scan(&j.JobID, &j.ClientID, &j.Title, &j.Description, &skills, &j.BudgetMin, &j.BudgetMax,
		&j.DeadlineUnix, &j.Status, &j.CreatedAt, &j.ExpiresAt, &j.MaxBidsAllowed, &j.CurrentBidCount, &selected)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if selected.Valid {
		j.SelectedAgentID = &selected.String
	}
	if err := json.Unmarshal([]byte(skills), &j.RequiredSkills); err != nil {
		return nil, fmt.Errorf("decode skills: %w", err)
	}
	return &j, nil
}

func (s *sqliteJobs) Insert(ctx context.Context, j *market.Job) error {
	skills, _ := json.Marshal(j.RequiredSkills)
	if j.RequiredSkills == nil {
		skills = []byte("[]")
	}
	var selected any
	if j.SelectedAgentID != nil {
		selected = *j.SelectedAgentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.JobID, j.ClientID, j.Title, j.Description, string(skills), j.BudgetMin, j.BudgetMax,
		j.DeadlineUnix, j.Status, j.CreatedAt, j.ExpiresAt, j.MaxBidsAllowed, j.CurrentBidCount, selected)
	return sqliteInsertErr(err)
}

func (s *sqliteJobs) Get(ctx context.Context, jobID string) (*market.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
}

func (s *sqliteJobs) List(ctx context.Context, status market.JobStatus, limit, offset int) ([]*market.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`,
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

func (s *sqliteJobs) IncrementBidCountIfBelow(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET current_bid_count = current_bid_count + 1 WHERE job_id = ? AND current_bid_count < max_bids_allowed`,
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
	// Distinguish a missing job from one at capacity.
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *sqliteJobs) DecrementBidCount(ctx context.Context, jobID string) error {
	return execOne(ctx, s.db,
		`UPDATE jobs SET current_bid_count = current_bid_count - 1 WHERE job_id = ? AND current_bid_count > 0`, jobID)
}

type sqliteBids struct{ db *sql.DB }

const bidColumns = `bid_id, job_id, agent_id, amount, delivery_days, created_at, status, confidence_score, bid_hash, rejection_reason`

func scanBid(row rowScanner) (*market.Bid, error) {
	var b market.Bid
	var reason sql.NullString
	err := row.Scan(&b.BidID, &b.JobID, &b.AgentID, &b.Amount, &b.DeliveryDays, &b.CreatedAt,
		&b.Status, &b.ConfidenceScore, &b.BidHash, &reason)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		b.RejectionReason = &reason.String
	}
	return &b, nil
}

func (s *sqliteBids) Insert(ctx context.Context, b *market.Bid) error {
	var reason any
	if b.RejectionReason != nil {
		reason = *b.RejectionReason
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BidID, b.JobID, b.AgentID, b.Amount, b.DeliveryDays, b.CreatedAt,
		b.Status, b.ConfidenceScore, b.BidHash, reason)
	return sqliteInsertErr(err)
}

func (s *sqliteBids) Get(ctx context.Context, bidID string) (*market.Bid, error) {
	return scanBid(s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE bid_id = ?`, bidID))
}

func (s *sqliteBids) ListByJob(ctx context.Context, jobID string, status market.BidStatus) ([]*market.Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE job_id = ? AND status = ? ORDER BY created_at DESC, bid_id DESC`,
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

func (s *sqliteBids) CountByAgentSince(ctx context.Context, agentID string, sinceUnix int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bids WHERE agent_id = ? AND created_at > ?`, agentID, sinceUnix).Scan(&n)
	return n, err
}

type sqliteContracts struct{ db *sql.DB }

const contractColumns = `contract_id, job_id, agent_id, bid_id, amount, deadline_unix, status, created_at, submitted_at, work_hash`

func scanContract(row rowScanner) (*market.Contract, error) {
	var c market.Contract
	var submittedAt sql.NullInt64
	var workHash sql.NullString
	err := row.Scan(&c.ContractID, &c.JobID, &c.AgentID, &c.BidID, &c.Amount, &c.DeadlineUnix,
		&c.Status, &c.CreatedAt, &submittedAt, &workHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if submittedAt.Valid {
		c.SubmittedAt = &submittedAt.Int64
	}
	if workHash.Valid {
		c.WorkHash = &workHash.String
	}
	return &c, nil
}

func (s *sqliteContracts) Insert(ctx context.Context, c *market.Contract) error {
	var submittedAt, workHash any
	if c.SubmittedAt != nil {
		submittedAt = *c.SubmittedAt
	}
	if c.WorkHash != nil {
		workHash = *c.WorkHash
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contracts (`+contractColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ContractID, c.JobID, c.AgentID, c.BidID, c.Amount, c.DeadlineUnix,
		c.Status, c.CreatedAt, submittedAt, workHash)
	return sqliteInsertErr(err)
}

func (s *sqliteContracts) Get(ctx context.Context, contractID string) (*market.Contract, error) {
	return scanContract(s.db.QueryRowContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE contract_id = ?`, contractID))
}

func (s *sqliteContracts) ListByAgent(ctx context.Context, agentID string, statuses ...market.ContractStatus) ([]*market.Contract, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []any{agentID}
	for _, st := range statuses {
		args = append(args, st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE agent_id = ? AND status IN (`+placeholders+`) ORDER BY created_at DESC`,
		args...)
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

func (s *sqliteContracts) TransitionStatus(ctx context.Context, contractID string, from, to market.ContractStatus) (bool, error) {
	return s.casContract(ctx, contractID,
		`UPDATE contracts SET status = ? WHERE contract_id = ? AND status = ?`,
		to, contractID, from)
}

func (s *sqliteContracts) MarkSubmitted(ctx context.Context, contractID string, submittedAt int64, workHash string) (bool, error) {
	return s.casContract(ctx, contractID,
		`UPDATE contracts SET status = ?, submitted_at = ?, work_hash = ? WHERE contract_id = ? AND status = ?`,
		market.ContractSubmitted, submittedAt, workHash, contractID, market.ContractActive)
}

func (s *sqliteContracts) casContract(ctx context.Context, contractID, query string, args ...any) (bool, error) {
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
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM contracts WHERE contract_id = ?`, contractID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

type sqliteDeliverables struct{ db *sql.DB }

const deliverableColumns = `deliverable_id, contract_id, agent_id, job_id, content_hash, content_uri, submitted_at, score, feedback, status`

func scanDeliverable(row rowScanner) (*market.Deliverable, error) {
	var d market.Deliverable
	var score sql.NullFloat64
	var feedback sql.NullString
	err := row.Scan(&d.DeliverableID, &d.ContractID, &d.AgentID, &d.JobID, &d.ContentHash,
		&d.ContentURI, &d.SubmittedAt, &score, &feedback, &d.Status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if score.Valid {
		d.Score = &score.Float64
	}
	if feedback.Valid {
		d.Feedback = &feedback.String
	}
	return &d, nil
}

func (s *sqliteDeliverables) Insert(ctx context.Context, d *market.Deliverable) error {
	var score, feedback any
	if d.Score != nil {
		score = *d.Score
	}
	if d.Feedback != nil {
		feedback = *d.Feedback
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliverables (`+deliverableColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeliverableID, d.ContractID, d.AgentID, d.JobID, d.ContentHash,
		d.ContentURI, d.SubmittedAt, score, feedback, d.Status)
	return sqliteInsertErr(err)
}

func (s *sqliteDeliverables) Get(ctx context.Context, deliverableID string) (*market.Deliverable, error) {
	return scanDeliverable(s.db.QueryRowContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE deliverable_id = ?`, deliverableID))
}

func (s *sqliteDeliverables) ListByContract(ctx context.Context, contractID string) ([]*market.Deliverable, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliverableColumns+` FROM deliverables WHERE contract_id = ? ORDER BY submitted_at DESC`, contractID)
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

type sqliteReputation struct{ db *sql.DB }

func (s *sqliteReputation) Append(ctx context.Context, e *market.ReputationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reputation (entry_id, agent_id, job_id, delta, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.AgentID, e.JobID, e.Delta, e.Reason, e.CreatedAt)
	return sqliteInsertErr(err)
}

func (s *sqliteReputation) SumByAgent(ctx context.Context, agentID string) (int64, error) {
	var sum int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM reputation WHERE agent_id = ?`, agentID).Scan(&sum)
	return sum, err
}

func (s *sqliteReputation) ListByAgent(ctx context.Context, agentID string, limit int) ([]*market.ReputationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, agent_id, job_id, delta, reason, created_at FROM reputation WHERE agent_id = ? ORDER BY created_at DESC, entry_id DESC LIMIT ?`,
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
