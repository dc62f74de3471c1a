package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/agoralabs/agora/pkg/market"
)

func TestPostgresJobGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	st := NewPostgres(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"job_id", "client_id", "title", "description", "required_skills",
		"budget_min", "budget_max", "deadline_unix", "status", "created_at", "expires_at",
		"max_bids_allowed", "current_bid_count", "selected_agent_id"}).
		AddRow("job_1", "client_1", "crawl", "crawl the docs", `["golang"]`,
			100.0, 500.0, int64(1900000000), "open", int64(1800000000), int64(1800604800), 50, 3, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`)).
		WithArgs("job_1").
		WillReturnRows(rows)

	j, err := st.Jobs().Get(ctx, "job_1")
	assert.NoError(t, err)
	assert.Equal(t, "job_1", j.JobID)
	assert.Equal(t, market.JobOpen, j.Status)
	assert.Equal(t, []string{"golang"}, j.RequiredSkills)
	assert.Equal(t, 3, j.CurrentBidCount)
	assert.Nil(t, j.SelectedAgentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJobGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	st := NewPostgres(db)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`)).
		WithArgs("job_missing").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	_, err = st.Jobs().Get(context.Background(), "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresIncrementBidCountIfBelow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	st := NewPostgres(db)
	ctx := context.Background()
	incr := regexp.QuoteMeta(`UPDATE jobs SET current_bid_count = current_bid_count + 1 WHERE job_id = $1 AND current_bid_count < max_bids_allowed`)

	// Under the cap: one row updated.
	mock.ExpectExec(incr).WithArgs("job_1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
	assert.NoError(t, err)
	assert.True(t, ok)

	// At the cap: zero rows, job exists.
	mock.ExpectExec(incr).WithArgs("job_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM jobs WHERE job_id = $1`)).
		WithArgs("job_1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err = st.Jobs().IncrementBidCountIfBelow(ctx, "job_1")
	assert.NoError(t, err)
	assert.False(t, ok)

	// Missing job: zero rows, no such row.
	mock.ExpectExec(incr).WithArgs("job_missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM jobs WHERE job_id = $1`)).
		WithArgs("job_missing").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	_, err = st.Jobs().IncrementBidCountIfBelow(ctx, "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSubmittedCAS(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	st := NewPostgres(db)
	ctx := context.Background()
	upd := regexp.QuoteMeta(`UPDATE contracts SET status = $1, submitted_at = $2, work_hash = $3 WHERE contract_id = $4 AND status = $5`)

	mock.ExpectExec(upd).
		WithArgs(string(market.ContractSubmitted), int64(12345), "hashA", "c1", string(market.ContractActive)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.Contracts().MarkSubmitted(ctx, "c1", 12345, "hashA")
	assert.NoError(t, err)
	assert.True(t, ok)

	// Second submission loses the CAS.
	mock.ExpectExec(upd).
		WithArgs(string(market.ContractSubmitted), int64(12346), "hashB", "c1", string(market.ContractActive)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM contracts WHERE contract_id = $1`)).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err = st.Contracts().MarkSubmitted(ctx, "c1", 12346, "hashB")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBidInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	st := NewPostgres(db)
	b := &market.Bid{
		BidID:           "bid_1",
		JobID:           "job_1",
		AgentID:         "agent_1",
		Amount:          250,
		DeliveryDays:    3,
		CreatedAt:       1800000000,
		Status:          market.BidSubmitted,
		ConfidenceScore: 0.9,
		BidHash:         "deadbeef",
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)).
		WithArgs("bid_1", "job_1", "agent_1", 250.0, 3, int64(1800000000), string(market.BidSubmitted), 0.9, "deadbeef", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, st.Bids().Insert(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReputationSum(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	st := NewPostgres(db)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(delta), 0) FROM reputation WHERE agent_id = $1`)).
		WithArgs("agent_1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(-1500)))

	sum, err := st.Reputation().SumByAgent(context.Background(), "agent_1")
	assert.NoError(t, err)
	assert.Equal(t, int64(-1500), sum)
	assert.NoError(t, mock.ExpectationsWereMet())
}
