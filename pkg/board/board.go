// Package board posts jobs and lists them for browsing.
package board

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/agoralabs/agora/pkg/fault"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/store"
)

const (
	// DefaultMaxBids caps bids per job unless a policy overrides it.
	DefaultMaxBids = 50
	// DefaultJobTTL is how long a posting stays listed: 7 days.
	DefaultJobTTL = 7 * 86400
	// DefaultListLimit bounds ListJobs when no limit is given.
	DefaultListLimit = 50
	// maxListLimit bounds ListJobs regardless of what is asked.
	maxListLimit = 200
)

// PostJobRequest carries a new job posting.
type PostJobRequest struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	RequiredSkills []string `json:"required_skills"`
	BudgetMin      float64  `json:"budget_min"`
	BudgetMax      float64  `json:"budget_max"`
	DeadlineUnix   int64    `json:"deadline_unix"`
}

// Service is the job board.
type Service struct {
	jobs    store.JobStore
	maxBids int
	jobTTL  int64
	clock   func() time.Time
	logger  *slog.Logger
}

// NewService creates a job board with the given per-job bid cap and
// posting TTL in seconds.
func NewService(jobs store.JobStore, maxBids int, jobTTL int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBids <= 0 {
		maxBids = DefaultMaxBids
	}
	if jobTTL <= 0 {
		jobTTL = DefaultJobTTL
	}
	return &Service{
		jobs:    jobs,
		maxBids: maxBids,
		jobTTL:  jobTTL,
		clock:   time.Now,
		logger:  logger,
	}
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// PostJob validates and stores a new open job.
func (s *Service) PostJob(ctx context.Context, req PostJobRequest) (*market.Job, error) {
	if req.Title == "" || req.Description == "" {
		return nil, fault.New(fault.CodeInvalidArgument, "title and description are required")
	}
	if req.BudgetMin <= 0 || req.BudgetMax <= 0 {
		return nil, fault.New(fault.CodeInvalidArgument, "budgets must be positive")
	}
	if req.BudgetMin > req.BudgetMax {
		return nil, fault.Newf(fault.CodeInvalidArgument, "budget_min %g exceeds budget_max %g", req.BudgetMin, req.BudgetMax)
	}
	now := s.clock().Unix()
	if req.DeadlineUnix <= now {
		return nil, fault.New(fault.CodeInvalidArgument, "deadline_unix must be in the future")
	}
	skills := req.RequiredSkills
	if skills == nil {
		skills = []string{}
	}

	job := &market.Job{
		JobID: "job_" + randomSuffix(),
		// TODO: use real client auth once clients get credentials.
		ClientID:       fmt.Sprintf("client_%d", now),
		Title:          req.Title,
		Description:    req.Description,
		RequiredSkills: skills,
		BudgetMin:      req.BudgetMin,
		BudgetMax:      req.BudgetMax,
		DeadlineUnix:   req.DeadlineUnix,
		Status:         market.JobOpen,
		CreatedAt:      now,
		ExpiresAt:      now + s.jobTTL,
		MaxBidsAllowed: s.maxBids,
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fault.Internal("create job", err)
	}

	s.logger.Info("job posted", "job_id", job.JobID, "budget_max", job.BudgetMax, "deadline_unix", job.DeadlineUnix)
	return job, nil
}

// ListJobs returns jobs with the given status, newest first. An empty
// status defaults to open.
func (s *Service) ListJobs(ctx context.Context, status market.JobStatus, limit, offset int) ([]*market.Job, error) {
	if status == "" {
		status = market.JobOpen
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.List(ctx, status, limit, offset)
	if err != nil {
		return nil, fault.Internal("list jobs", err)
	}
	return jobs, nil
}

func randomSuffix() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("board: crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
