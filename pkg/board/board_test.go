package board

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/pkg/fault"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/store"
)

const testNow = int64(1_700_000_000)

func newTestBoard(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := NewService(mem.Jobs(), 0, 0, nil).WithClock(func() time.Time {
		return time.Unix(testNow, 0)
	})
	return svc, mem
}

func validRequest() PostJobRequest {
	return PostJobRequest{
		Title:          "Scrape product listings",
		Description:    "Collect listings from three sites into CSV",
		RequiredSkills: []string{"scraping"},
		BudgetMin:      100,
		BudgetMax:      500,
		DeadlineUnix:   testNow + 10*86400,
	}
}

func TestPostJobDefaults(t *testing.T) {
	svc, mem := newTestBoard(t)
	ctx := context.Background()

	job, err := svc.PostJob(ctx, validRequest())
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(job.JobID, "job_"))
	require.Len(t, job.JobID, len("job_")+16)
	require.Equal(t, market.JobOpen, job.Status)
	require.Equal(t, DefaultMaxBids, job.MaxBidsAllowed)
	require.Equal(t, testNow, job.CreatedAt)
	require.Equal(t, testNow+int64(DefaultJobTTL), job.ExpiresAt)
	require.Equal(t, 0, job.CurrentBidCount)

	stored, err := mem.Jobs().Get(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, job.Title, stored.Title)
}

func TestPostJobValidation(t *testing.T) {
	svc, _ := newTestBoard(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*PostJobRequest)
	}{
		{"empty title", func(r *PostJobRequest) { r.Title = "" }},
		{"empty description", func(r *PostJobRequest) { r.Description = "" }},
		{"zero min budget", func(r *PostJobRequest) { r.BudgetMin = 0 }},
		{"negative max budget", func(r *PostJobRequest) { r.BudgetMax = -1 }},
		{"inverted budgets", func(r *PostJobRequest) { r.BudgetMin = 600 }},
		{"past deadline", func(r *PostJobRequest) { r.DeadlineUnix = testNow - 1 }},
		{"deadline now", func(r *PostJobRequest) { r.DeadlineUnix = testNow }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := svc.PostJob(ctx, req)
			require.Equal(t, fault.CodeInvalidArgument, fault.CodeOf(err))
		})
	}
}

func TestPostJobNilSkills(t *testing.T) {
	svc, _ := newTestBoard(t)

	req := validRequest()
	req.RequiredSkills = nil
	job, err := svc.PostJob(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, job.RequiredSkills)
	require.Empty(t, job.RequiredSkills)
}

func TestListJobsFiltersAndPaginates(t *testing.T) {
	svc, mem := newTestBoard(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req := validRequest()
		req.Title = "job " + string(rune('a'+i))
		_, err := svc.PostJob(ctx, req)
		require.NoError(t, err)
	}
	closed := &market.Job{
		JobID:        "job_closed",
		ClientID:     "client_1",
		Title:        "done",
		Description:  "done",
		BudgetMin:    1,
		BudgetMax:    2,
		DeadlineUnix: testNow + 86400,
		Status:       market.JobClosed,
		CreatedAt:    testNow,
	}
	require.NoError(t, mem.Jobs().Insert(ctx, closed))

	open, err := svc.ListJobs(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, open, 5)
	for _, j := range open {
		require.Equal(t, market.JobOpen, j.Status)
	}

	page, err := svc.ListJobs(ctx, market.JobOpen, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	closedOnly, err := svc.ListJobs(ctx, market.JobClosed, 10, 0)
	require.NoError(t, err)
	require.Len(t, closedOnly, 1)
	require.Equal(t, "job_closed", closedOnly[0].JobID)
}
