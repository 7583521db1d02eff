package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/jobs"
	"github.com/guildhall/guild-hall/internal/logging"
	"github.com/guildhall/guild-hall/internal/rpc"
)

func newHandlers(t *testing.T) (*Handlers, *jobs.Store) {
	t.Helper()
	store, err := jobs.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewHandlers(store, nil, logging.NewNop()), store
}

func call(t *testing.T, h *Handlers, method, params string) (any, *rpc.ErrorObject) {
	t.Helper()
	fn, ok := h.Methods()[method]
	if !ok {
		t.Fatalf("no handler for %s", method)
	}
	return fn(context.Background(), json.RawMessage(params))
}

func dispatchJob(t *testing.T, h *Handlers) string {
	t.Helper()
	res, eo := call(t, h, "worker/dispatch", `{"description":"scan logs","task":"grep for errors"}`)
	if eo != nil {
		t.Fatalf("dispatch: %v", eo)
	}
	return res.(map[string]string)["jobId"]
}

func TestDispatchRequiresDescriptionAndTask(t *testing.T) {
	h, _ := newHandlers(t)
	_, eo := call(t, h, "worker/dispatch", `{"description":"only this"}`)
	if eo == nil || eo.Code != rpc.CodeInvalidParams {
		t.Errorf("error = %v, want -32602", eo)
	}
}

func TestDispatchCreatesRunningJob(t *testing.T) {
	h, store := newHandlers(t)
	id := dispatchJob(t, h)
	meta, err := store.Meta(id)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.Status != domain.JobRunning {
		t.Errorf("status = %s, want running", meta.Status)
	}
}

func TestListFilterAndDetail(t *testing.T) {
	h, store := newHandlers(t)
	id := dispatchJob(t, h)
	call(t, h, "worker/dispatch", `{"description":"write docs","task":"t"}`)
	store.WriteSummary(id, "halfway")

	res, eo := call(t, h, "worker/list", `{"filter":"scan*","detail":true}`)
	if eo != nil {
		t.Fatalf("list: %v", eo)
	}
	entries := res.(map[string]any)["jobs"].([]listEntry)
	if len(entries) != 1 {
		t.Fatalf("filtered jobs = %d, want 1", len(entries))
	}
	if entries[0].ID != id || entries[0].Summary == nil || *entries[0].Summary != "halfway" {
		t.Errorf("entry = %+v", entries[0])
	}

	_, eo = call(t, h, "worker/list", `{"filter":"[bad"}`)
	if eo == nil || eo.Code != rpc.CodeInvalidParams {
		t.Errorf("bad glob error = %v, want -32602", eo)
	}
}

func TestStatusBundlesJobFiles(t *testing.T) {
	h, store := newHandlers(t)
	id := dispatchJob(t, h)
	store.AppendQuestion(id, "which logs?")
	store.AppendDecision(id, domain.Decision{Decision: "start with app logs"})

	res, eo := call(t, h, "worker/status", `{"jobId":"`+id+`"}`)
	if eo != nil {
		t.Fatalf("status: %v", eo)
	}
	sr := res.(statusResult)
	if sr.Status != domain.JobRunning || len(sr.Questions) != 1 || len(sr.Decisions) != 1 {
		t.Errorf("status = %+v", sr)
	}
	if sr.Summary != nil {
		t.Errorf("summary = %q, want nil before any write", *sr.Summary)
	}
}

func TestResultRequiresCompleted(t *testing.T) {
	h, store := newHandlers(t)
	id := dispatchJob(t, h)

	_, eo := call(t, h, "worker/result", `{"jobId":"`+id+`"}`)
	if eo == nil || eo.Code != rpc.CodeInvalidParams {
		t.Errorf("result on running = %v, want -32602", eo)
	}

	store.WriteResult(id, "# found it")
	store.UpdateStatus(id, domain.JobCompleted, nil)
	res, eo := call(t, h, "worker/result", `{"jobId":"`+id+`"}`)
	if eo != nil {
		t.Fatalf("result: %v", eo)
	}
	if res.(map[string]string)["result"] != "# found it" {
		t.Errorf("result = %v", res)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h, _ := newHandlers(t)
	id := dispatchJob(t, h)

	res, eo := call(t, h, "worker/cancel", `{"jobId":"`+id+`"}`)
	if eo != nil {
		t.Fatalf("cancel: %v", eo)
	}
	if res.(map[string]string)["status"] != "cancelled" {
		t.Errorf("status = %v", res)
	}
	res, eo = call(t, h, "worker/cancel", `{"jobId":"`+id+`"}`)
	if eo != nil || res.(map[string]string)["status"] != "cancelled" {
		t.Errorf("second cancel = %v, %v", res, eo)
	}
}

func TestDeleteRejectsRunningAndFailed(t *testing.T) {
	h, store := newHandlers(t)
	id := dispatchJob(t, h)

	_, eo := call(t, h, "worker/delete", `{"jobId":"`+id+`"}`)
	if eo == nil || eo.Code != rpc.CodeInvalidParams {
		t.Errorf("delete running = %v, want -32602", eo)
	}

	store.SetError(id, "boom")
	_, eo = call(t, h, "worker/delete", `{"jobId":"`+id+`"}`)
	if eo == nil || eo.Code != rpc.CodeInvalidParams {
		t.Errorf("delete failed = %v, want -32602", eo)
	}

	store.Cancel(id)
	res, eo := call(t, h, "worker/delete", `{"jobId":"`+id+`"}`)
	if eo != nil || res.(map[string]bool)["deleted"] != true {
		t.Errorf("delete cancelled = %v, %v", res, eo)
	}
}

func TestUnknownJobID(t *testing.T) {
	h, _ := newHandlers(t)
	for _, method := range []string{"worker/status", "worker/result", "worker/cancel", "worker/delete"} {
		_, eo := call(t, h, method, `{"jobId":"ghost"}`)
		if eo == nil || eo.Code != rpc.CodeInvalidParams {
			t.Errorf("%s on unknown job = %v, want -32602", method, eo)
		}
	}
}
