package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/jobs"
	"github.com/guildhall/guild-hall/internal/logging"
	"github.com/guildhall/guild-hall/internal/worker"
)

// newWorkerServer stands up a real worker transport over httptest so
// the bridge exercises the full JSON-RPC round trip.
func newWorkerServer(t *testing.T) (*httptest.Server, *jobs.Store) {
	t.Helper()
	store, err := jobs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	h := worker.NewHandlers(store, nil, logging.NewNop())
	mcpServer := server.NewMCPServer("test-worker", "0.0.1")
	tr := worker.NewTransport(h, mcpServer, logging.NewNop())
	ts := httptest.NewServer(tr)
	t.Cleanup(ts.Close)
	return ts, store
}

func callTool(t *testing.T, b *Bridge, member, method string, args map[string]any, keys ...string) *mcp.CallToolResult {
	t.Helper()
	handler := b.forward(member, method, keys...)
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content[0] is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestBridgeRoundTrip(t *testing.T) {
	ts, store := newWorkerServer(t)
	b := NewBridge(func(string) (string, error) { return ts.URL + "/mcp", nil }, logging.NewNop())

	res := callTool(t, b, "researcher", "worker/dispatch",
		map[string]any{"description": "dig into cache", "task": "measure hit rates"},
		"description", "task", "config")
	if res.IsError {
		t.Fatalf("dispatch errored: %s", resultText(t, res))
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil || out.JobID == "" {
		t.Fatalf("dispatch result = %q", resultText(t, res))
	}

	// The job landed in the worker's own store.
	if _, err := store.Meta(out.JobID); err != nil {
		t.Errorf("job not in store: %v", err)
	}

	res = callTool(t, b, "researcher", "worker/status",
		map[string]any{"jobId": out.JobID}, "jobId")
	if res.IsError {
		t.Fatalf("status errored: %s", resultText(t, res))
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &status); err != nil || status.Status != "running" {
		t.Errorf("status = %q (%v)", resultText(t, res), err)
	}

	// result on a running job is a contract violation surfaced as an
	// isError text block, never a Go error.
	res = callTool(t, b, "researcher", "worker/result",
		map[string]any{"jobId": out.JobID}, "jobId")
	if !res.IsError {
		t.Error("result on running job did not error")
	}

	res = callTool(t, b, "researcher", "worker/cancel",
		map[string]any{"jobId": out.JobID}, "jobId")
	if res.IsError {
		t.Fatalf("cancel errored: %s", resultText(t, res))
	}

	res = callTool(t, b, "researcher", "worker/delete",
		map[string]any{"jobId": out.JobID}, "jobId")
	if res.IsError {
		t.Fatalf("delete errored: %s", resultText(t, res))
	}
	if _, err := store.Meta(out.JobID); err != jobs.ErrNotFound {
		t.Errorf("job survived delete: %v", err)
	}
}

func TestBridgeMemberUnavailable(t *testing.T) {
	b := NewBridge(func(string) (string, error) { return "", errors.New("not connected") }, logging.NewNop())
	res := callTool(t, b, "researcher", "worker/list", nil, "detail", "filter")
	if !res.IsError {
		t.Error("unavailable member did not produce an error result")
	}
}

func TestServerForRegistersSixTools(t *testing.T) {
	b := NewBridge(func(string) (string, error) { return "http://127.0.0.1:1/mcp", nil }, logging.NewNop())
	s := b.ServerFor("researcher", nil)
	if s == nil {
		t.Fatal("nil server")
	}
}

func TestCancelAbortsDispatchingQuery(t *testing.T) {
	ts, _ := newWorkerServer(t)
	b := NewBridge(func(string) (string, error) { return ts.URL + "/mcp", nil }, logging.NewNop())

	aborted := false
	dispatch := b.dispatchTool("researcher", func() { aborted = true })
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"description": "long dig", "task": "keep digging"}
	res, err := dispatch(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("dispatch: %v / %+v", err, res)
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal([]byte(firstText(res)), &out); err != nil || out.JobID == "" {
		t.Fatalf("dispatch result = %q", firstText(res))
	}
	if aborted {
		t.Fatal("abort fired before any cancel")
	}

	cancel := b.cancelTool("researcher")
	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"jobId": out.JobID}
	res, err = cancel(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("cancel: %v / %+v", err, res)
	}
	if !aborted {
		t.Fatal("cancelling the job did not abort the dispatching query")
	}

	// A second cancel finds no registration and must not fire again.
	aborted = false
	res, err = cancel(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("second cancel: %v / %+v", err, res)
	}
	if aborted {
		t.Error("second cancel fired the abort again")
	}
}

func TestDeleteDropsAbortRegistration(t *testing.T) {
	ts, store := newWorkerServer(t)
	b := NewBridge(func(string) (string, error) { return ts.URL + "/mcp", nil }, logging.NewNop())

	aborted := false
	dispatch := b.dispatchTool("researcher", func() { aborted = true })
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"description": "short dig", "task": "one scoop"}
	res, _ := dispatch(context.Background(), req)
	var out struct {
		JobID string `json:"jobId"`
	}
	json.Unmarshal([]byte(firstText(res)), &out)
	if err := store.UpdateStatus(out.JobID, domain.JobCompleted, nil); err != nil {
		t.Fatalf("complete job: %v", err)
	}

	del := b.deleteTool("researcher")
	req = mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"jobId": out.JobID}
	res, err := del(context.Background(), req)
	if err != nil || res.IsError {
		t.Fatalf("delete: %v / %+v", err, res)
	}
	if aborted {
		t.Error("delete fired the abort handle")
	}
	if b.takeAbort(out.JobID) != nil {
		t.Error("delete left the abort registration behind")
	}
}
