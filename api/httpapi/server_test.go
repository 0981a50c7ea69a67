package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/orchestrator"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/transaction"
)

type fakeCluster struct {
	leader bool
	joined map[string]string
}

func (c *fakeCluster) Join(nodeID, addr string) error {
	c.joined[nodeID] = addr
	return nil
}
func (c *fakeCluster) Stats() map[string]string { return map[string]string{"state": "Leader"} }
func (c *fakeCluster) IsLeader() bool           { return c.leader }

type apiFixture struct {
	srv     *httptest.Server
	kv      *participant.KVParticipant
	cluster *fakeCluster
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	kv := participant.NewKVParticipant()
	reg := participant.NewRegistry(time.Second, nil)
	require.NoError(t, reg.Register("kv", "kv", kv))
	rec := events.NewRecorder(0)
	orch := orchestrator.New(storage.NewMemoryStore(), reg, events.NewPublisher(nil, rec), nil)
	require.NoError(t, orch.Initialize(context.Background(), "admin",
		transaction.TimeoutConfig{DefaultTimeout: 300, MaxTimeout: 3600}, 3))

	cluster := &fakeCluster{leader: true, joined: map[string]string{}}
	srv := httptest.NewServer(New(orch, rec, cluster, nil).Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, kv: kv, cluster: cluster}
}

// do sends body as JSON and decodes the reply into Response, leaving Data as
// raw JSON for the caller to decode.
func (f *apiFixture) do(t *testing.T, method, path, caller string, body any) (int, Response, json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(CallerHeader, caller)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	return resp.StatusCode, raw.Response, raw.Data
}

func setOp(id uint64, key string) transaction.TransactionOperation {
	return transaction.TransactionOperation{
		OperationID:     id,
		ContractType:    "kv",
		ContractAddress: "kv",
		FunctionName:    "set",
		Parameters:      []string{key, "v" + key},
		LockedResources: []string{key},
	}
}

func (f *apiFixture) begin(t *testing.T, ops ...transaction.TransactionOperation) uint64 {
	t.Helper()
	code, resp, data := f.do(t, http.MethodPost, "/transactions", "alice", BeginRequest{Operations: ops})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	var log transaction.TransactionLog
	require.NoError(t, json.Unmarshal(data, &log))
	require.Equal(t, "alice", log.Initiator)
	return log.TransactionID
}

func TestBeginAndRun(t *testing.T) {
	f := newAPI(t)
	id := f.begin(t, setOp(1, "a"), setOp(2, "b"))

	code, _, data := f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/run", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	var log transaction.TransactionLog
	require.NoError(t, json.Unmarshal(data, &log))
	require.Equal(t, transaction.PhaseCommitted, log.Phase)

	v, ok := f.kv.Get("a")
	require.True(t, ok)
	require.Equal(t, "va", v)

	code, _, data = f.do(t, http.MethodGet, fmt.Sprintf("/transactions/%d/operations/2/status", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"committed"}`, string(data))

	code, _, data = f.do(t, http.MethodGet, fmt.Sprintf("/transactions/%d/events", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(data, &evs))
	require.NotEmpty(t, evs)

	code, _, data = f.do(t, http.MethodGet, "/transactions", "", nil)
	require.Equal(t, http.StatusOK, code)
	var logs []transaction.TransactionLog
	require.NoError(t, json.Unmarshal(data, &logs))
	require.Len(t, logs, 1)
}

func TestErrorStatusCodes(t *testing.T) {
	f := newAPI(t)

	code, resp, _ := f.do(t, http.MethodPost, "/transactions", "alice", BeginRequest{})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "ERROR", resp.Status)

	code, _, _ = f.do(t, http.MethodGet, "/transactions/42", "", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _, _ = f.do(t, http.MethodGet, "/transactions/abc", "", nil)
	require.Equal(t, http.StatusBadRequest, code)

	id := f.begin(t, setOp(1, "a"))
	code, _, _ = f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/commit", id), "", nil)
	require.Equal(t, http.StatusConflict, code)

	code, _, _ = f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/prepare", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	code, _, _ = f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/rollback", id), "mallory", nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestPrepareFailureReturnsLog(t *testing.T) {
	f := newAPI(t)
	f.kv.FailOn("prepare_set", errors.New("disk full"))
	id := f.begin(t, setOp(1, "a"))

	code, resp, data := f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/prepare", id), "", nil)
	require.Equal(t, http.StatusBadGateway, code)
	require.Contains(t, resp.Message, "disk full")
	var log transaction.TransactionLog
	require.NoError(t, json.Unmarshal(data, &log))
	require.Equal(t, transaction.PhasePreparing, log.Phase)

	code, _, data = f.do(t, http.MethodGet, fmt.Sprintf("/transactions/%d/failed_operations", id), "", nil)
	require.Equal(t, http.StatusOK, code)
	var failed []transaction.TransactionOperation
	require.NoError(t, json.Unmarshal(data, &failed))
	require.Len(t, failed, 1)
}

func TestRollbackByInitiator(t *testing.T) {
	f := newAPI(t)
	id := f.begin(t, setOp(1, "a"), setOp(2, "b"))
	code, _, _ := f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/prepare", id), "", nil)
	require.Equal(t, http.StatusOK, code)

	code, _, data := f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/partial_rollback", id), "alice",
		RollbackRequest{OperationIDs: []uint64{2}})
	require.Equal(t, http.StatusOK, code)
	var infos []transaction.RollbackInfo
	require.NoError(t, json.Unmarshal(data, &infos))
	require.Len(t, infos, 1)
	require.True(t, infos[0].RollbackSuccessful)

	code, _, data = f.do(t, http.MethodPost, fmt.Sprintf("/transactions/%d/rollback", id), "alice",
		RollbackRequest{Reason: "changed my mind"})
	require.Equal(t, http.StatusOK, code)
	var log transaction.TransactionLog
	require.NoError(t, json.Unmarshal(data, &log))
	require.Equal(t, transaction.PhaseRolledBack, log.Phase)
	require.Equal(t, "changed my mind", log.Error)
	require.Empty(t, f.kv.Staged())

	code, _, data = f.do(t, http.MethodGet, "/rollback/statistics", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(data), `"total_rollbacks":2`)
}

func TestBatch(t *testing.T) {
	f := newAPI(t)
	a := f.begin(t, setOp(1, "a"))
	b := f.begin(t, setOp(1, "b"))

	code, _, data := f.do(t, http.MethodPost, "/batch", "", BatchRequest{TransactionIDs: []uint64{a, b}})
	require.Equal(t, http.StatusOK, code)
	var out BatchResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.BatchID)
	require.Equal(t, []uint64{a, b}, out.Result.Succeeded)

	code, _, _ = f.do(t, http.MethodPost, "/batch", "", BatchRequest{TransactionIDs: []uint64{1, 2, 3, 4}})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestAdminTimeouts(t *testing.T) {
	f := newAPI(t)
	cfg := transaction.TimeoutConfig{DefaultTimeout: 60, MaxTimeout: 600}

	code, _, _ := f.do(t, http.MethodPut, "/admin/timeouts", "alice", cfg)
	require.Equal(t, http.StatusForbidden, code)

	code, _, _ = f.do(t, http.MethodPut, "/admin/timeouts", "admin", cfg)
	require.Equal(t, http.StatusOK, code)

	code, _, data := f.do(t, http.MethodGet, "/admin/settings", "", nil)
	require.Equal(t, http.StatusOK, code)
	var settings transaction.Settings
	require.NoError(t, json.Unmarshal(data, &settings))
	require.Equal(t, uint64(60), settings.Timeouts.DefaultTimeout)
}

func TestInspectionEndpoints(t *testing.T) {
	f := newAPI(t)
	f.begin(t, setOp(1, "a"))

	code, _, data := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(data), `"healthy":true`)

	code, _, data = f.do(t, http.MethodGet, "/deadlocks", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, "[]", string(data))

	code, _, _ = f.do(t, http.MethodGet, "/locks", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, _, data = f.do(t, http.MethodPost, "/deadlocks/suggestions", "", BeginRequest{
		Operations: []transaction.TransactionOperation{setOp(1, "z"), setOp(2, "a")},
	})
	require.Equal(t, http.StatusOK, code)
	var suggestions []string
	require.NoError(t, json.Unmarshal(data, &suggestions))
	require.NotEmpty(t, suggestions)
}

func TestRaftEndpoints(t *testing.T) {
	f := newAPI(t)

	code, _, _ := f.do(t, http.MethodPost, "/raft/join", "", map[string]string{"node_id": "n2"})
	require.Equal(t, http.StatusBadRequest, code)

	code, _, _ = f.do(t, http.MethodPost, "/raft/join", "", map[string]string{"node_id": "n2", "raft_addr": "127.0.0.1:7001"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "127.0.0.1:7001", f.cluster.joined["n2"])

	f.cluster.leader = false
	code, _, _ = f.do(t, http.MethodPost, "/raft/join", "", map[string]string{"node_id": "n3", "raft_addr": "127.0.0.1:7002"})
	require.Equal(t, http.StatusMisdirectedRequest, code)

	code, _, data := f.do(t, http.MethodGet, "/raft/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"state":"Leader"}`, string(data))
}
