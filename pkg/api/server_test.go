package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agoralabs/agora/pkg/admission"
	"github.com/agoralabs/agora/pkg/board"
	"github.com/agoralabs/agora/pkg/delivery"
	"github.com/agoralabs/agora/pkg/identity"
	"github.com/agoralabs/agora/pkg/market"
	"github.com/agoralabs/agora/pkg/reputation"
	"github.com/agoralabs/agora/pkg/store"
)

const testNow = int64(1_700_000_000)

type testServer struct {
	mem *store.Memory
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := func() time.Time { return time.Unix(testNow, 0) }

	mem := store.NewMemory()
	ledger := reputation.NewLedger(mem.Reputation(), mem.Agents(), reputation.DefaultBaseline, nil)
	ident := identity.NewService(mem.Agents(), reputation.DefaultBaseline, nil).WithClock(clock)
	jobBoard := board.NewService(mem.Jobs(), 0, 0, nil).WithClock(clock)
	adm := admission.NewController(mem, ledger, admission.DefaultPolicy(), nil).WithClock(clock)
	del := delivery.NewService(mem, ledger, delivery.DefaultPolicy(), nil).WithClock(clock)

	server := NewServer(ident, jobBoard, adm, del, nil, nil, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testServer{mem: mem, srv: srv}
}

func (ts *testServer) do(t *testing.T, method, path, apiKey string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) register(t *testing.T) (string, string) {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/agent", "", map[string]any{
		"capabilities": []string{"scraping"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reg := decode[registerResponse](t, resp)
	return reg.Agent.AgentID, reg.APIKey
}

func (ts *testServer) postJob(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/jobs", "", map[string]any{
		"title":         "Scrape listings",
		"description":   "Three sites into CSV",
		"budget_min":    100.0,
		"budget_max":    500.0,
		"deadline_unix": testNow + 10*86400,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[market.Job](t, resp).JobID
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestRegisterAndLookup(t *testing.T) {
	ts := newTestServer(t)
	agentID, apiKey := ts.register(t)
	require.NotEmpty(t, apiKey)

	resp := ts.do(t, http.MethodGet, "/api/agent", apiKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agent := decode[market.Agent](t, resp)
	require.Equal(t, agentID, agent.AgentID)
	require.Equal(t, int64(reputation.DefaultBaseline), agent.ReputationScore)
}

func TestLookupRejectsBadKey(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/agent", "nope", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	problem := decode[ProblemDetail](t, resp)
	require.Equal(t, http.StatusUnauthorized, problem.Status)
	require.NotEmpty(t, problem.TraceID)
}

func TestPostAndListJobs(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.postJob(t)

	resp := ts.do(t, http.MethodGet, "/api/jobs?status=open", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[struct {
		Jobs  []*market.Job `json:"jobs"`
		Count int           `json:"count"`
	}](t, resp)
	require.Equal(t, 1, list.Count)
	require.Equal(t, jobID, list.Jobs[0].JobID)
}

func TestPostJobValidationStatus(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/jobs", "", map[string]any{
		"title": "no description",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBidFlow(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.register(t)
	jobID := ts.postJob(t)

	resp := ts.do(t, http.MethodPost, "/api/bids", apiKey, map[string]any{
		"job_id":           jobID,
		"amount":           250.0,
		"delivery_days":    3,
		"confidence_score": 0.9,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bid := decode[market.Bid](t, resp)
	require.Equal(t, jobID, bid.JobID)
	require.Equal(t, market.BidSubmitted, bid.Status)
	require.NotEmpty(t, bid.BidHash)

	listResp := ts.do(t, http.MethodGet, "/api/bids?job_id="+jobID, "", nil)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	list := decode[struct {
		Bids  []*market.Bid `json:"bids"`
		Count int           `json:"count"`
	}](t, listResp)
	require.Equal(t, 1, list.Count)
	require.Equal(t, bid.BidID, list.Bids[0].BidID)
}

func TestBidRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	jobID := ts.postJob(t)

	resp := ts.do(t, http.MethodPost, "/api/bids", "", map[string]any{
		"job_id": jobID, "amount": 250.0, "delivery_days": 3,
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListBidsRequiresJobID(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/bids", "", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeliverableAndAssignments(t *testing.T) {
	ts := newTestServer(t)
	agentID, apiKey := ts.register(t)

	contract := &market.Contract{
		ContractID:   "c1",
		JobID:        "job_1",
		AgentID:      agentID,
		BidID:        "bid_1",
		Amount:       250,
		DeadlineUnix: testNow + 86400,
		Status:       market.ContractActive,
		CreatedAt:    testNow,
	}
	require.NoError(t, ts.mem.Contracts().Insert(t.Context(), contract))

	aResp := ts.do(t, http.MethodGet, "/api/assignments", apiKey, nil)
	require.Equal(t, http.StatusOK, aResp.StatusCode)
	assignments := decode[struct {
		Assignments []*market.Contract `json:"assignments"`
		Count       int                `json:"count"`
	}](t, aResp)
	require.Equal(t, 1, assignments.Count)

	dResp := ts.do(t, http.MethodPost, "/api/deliverables", apiKey, map[string]any{
		"contract_id":  "c1",
		"content_hash": "abc123",
		"content_uri":  "https://example.com/work.zip",
	})
	require.Equal(t, http.StatusCreated, dResp.StatusCode)
	deliv := decode[market.Deliverable](t, dResp)
	require.Equal(t, market.DeliverablePendingReview, deliv.Status)

	again := ts.do(t, http.MethodPost, "/api/deliverables", apiKey, map[string]any{
		"contract_id":  "c1",
		"content_hash": "abc123",
		"content_uri":  "https://example.com/work.zip",
	})
	require.Equal(t, http.StatusBadRequest, again.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodDelete, "/api/jobs", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestFloodedAgentGets429(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.register(t)
	jobID := ts.postJob(t)

	policy := admission.DefaultPolicy()
	for i := 0; i < policy.FloodMax; i++ {
		resp := ts.do(t, http.MethodPost, "/api/bids", apiKey, map[string]any{
			"job_id":           jobID,
			"amount":           100.0 + float64(i),
			"delivery_days":    3,
			"confidence_score": 0.5,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, fmt.Sprintf("bid %d", i))
	}

	resp := ts.do(t, http.MethodPost, "/api/bids", apiKey, map[string]any{
		"job_id":           jobID,
		"amount":           400.0,
		"delivery_days":    3,
		"confidence_score": 0.5,
	})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}
