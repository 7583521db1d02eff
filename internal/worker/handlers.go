// Package worker implements the plugin-side half of the dispatch
// protocol: the worker/* JSON-RPC handlers over the job store, the HTTP
// transport that routes them alongside regular MCP traffic, and the
// runner that executes dispatched jobs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/jobs"
	"github.com/guildhall/guild-hall/internal/rpc"
)

// Runner executes a dispatched job asynchronously. RunJob must return
// promptly; the work itself happens on its own goroutine.
type Runner interface {
	RunJob(id string)
}

// Handlers serves the six worker/* methods.
type Handlers struct {
	store  *jobs.Store
	runner Runner
	logger *zap.SugaredLogger
}

// NewHandlers wires the handlers to a job store. runner may be nil when
// jobs are executed out of band.
func NewHandlers(store *jobs.Store, runner Runner, logger *zap.SugaredLogger) *Handlers {
	return &Handlers{store: store, runner: runner, logger: logger}
}

// HandlerFunc processes one worker method. A non-nil *ErrorObject is
// written back verbatim.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *rpc.ErrorObject)

// Methods returns the worker/* route table.
func (h *Handlers) Methods() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"worker/dispatch": h.dispatch,
		"worker/list":     h.list,
		"worker/status":   h.status,
		"worker/result":   h.result,
		"worker/cancel":   h.cancel,
		"worker/delete":   h.delete,
	}
}

func invalidParams(format string, args ...any) *rpc.ErrorObject {
	return &rpc.ErrorObject{Code: rpc.CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func internalError(err error) *rpc.ErrorObject {
	return &rpc.ErrorObject{Code: rpc.CodeInternalError, Message: err.Error()}
}

type dispatchParams struct {
	Description string          `json:"description"`
	Task        string          `json:"task"`
	Config      json.RawMessage `json:"config,omitempty"`
}

func (h *Handlers) dispatch(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p dispatchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("bad dispatch params: %v", err)
	}
	if p.Description == "" || p.Task == "" {
		return nil, invalidParams("dispatch requires description and task")
	}
	id, err := h.store.CreateJob(p.Description, p.Task, p.Config)
	if err != nil {
		return nil, internalError(err)
	}
	h.logger.Infow("job dispatched", "jobId", id, "description", p.Description)
	if h.runner != nil {
		h.runner.RunJob(id)
	}
	return map[string]string{"jobId": id}, nil
}

type listParams struct {
	Detail bool   `json:"detail,omitempty"`
	Filter string `json:"filter,omitempty"`
}

type listEntry struct {
	domain.JobMeta
	Summary *string `json:"summary,omitempty"`
}

func (h *Handlers) list(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p listParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("bad list params: %v", err)
		}
	}
	metas, err := h.store.List()
	if err != nil {
		return nil, internalError(err)
	}
	out := make([]listEntry, 0, len(metas))
	for _, meta := range metas {
		if p.Filter != "" {
			match, err := path.Match(p.Filter, meta.Description)
			if err != nil {
				return nil, invalidParams("bad filter glob %q: %v", p.Filter, err)
			}
			if !match {
				continue
			}
		}
		entry := listEntry{JobMeta: meta}
		if p.Detail {
			entry.Summary, _ = h.store.ReadSummary(meta.ID)
		}
		out = append(out, entry)
	}
	return map[string]any{"jobs": out}, nil
}

type jobIDParams struct {
	JobID string `json:"jobId"`
}

func (h *Handlers) jobID(params json.RawMessage) (string, *rpc.ErrorObject) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", invalidParams("bad params: %v", err)
	}
	if p.JobID == "" {
		return "", invalidParams("jobId is required")
	}
	return p.JobID, nil
}

type statusResult struct {
	domain.JobMeta
	Summary   *string           `json:"summary"`
	Questions []string          `json:"questions,omitempty"`
	Decisions []domain.Decision `json:"decisions,omitempty"`
}

func (h *Handlers) status(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	id, eo := h.jobID(params)
	if eo != nil {
		return nil, eo
	}
	meta, err := h.store.Meta(id)
	if err == jobs.ErrNotFound {
		return nil, invalidParams("unknown job %s", id)
	}
	if err != nil {
		return nil, internalError(err)
	}
	res := statusResult{JobMeta: meta}
	res.Summary, _ = h.store.ReadSummary(id)
	res.Questions, _ = h.store.Questions(id)
	res.Decisions, _ = h.store.Decisions(id)
	return res, nil
}

func (h *Handlers) result(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	id, eo := h.jobID(params)
	if eo != nil {
		return nil, eo
	}
	meta, err := h.store.Meta(id)
	if err == jobs.ErrNotFound {
		return nil, invalidParams("unknown job %s", id)
	}
	if err != nil {
		return nil, internalError(err)
	}
	if meta.Status != domain.JobCompleted {
		return nil, invalidParams("job %s is %s; result requires completed", id, meta.Status)
	}
	content, err := h.store.ReadResult(id)
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]string{"result": content}, nil
}

func (h *Handlers) cancel(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	id, eo := h.jobID(params)
	if eo != nil {
		return nil, eo
	}
	status, err := h.store.Cancel(id)
	if err == jobs.ErrNotFound {
		return nil, invalidParams("unknown job %s", id)
	}
	if err != nil {
		return nil, internalError(err)
	}
	return map[string]string{"status": string(status)}, nil
}

func (h *Handlers) delete(_ context.Context, params json.RawMessage) (any, *rpc.ErrorObject) {
	id, eo := h.jobID(params)
	if eo != nil {
		return nil, eo
	}
	meta, err := h.store.Meta(id)
	if err == jobs.ErrNotFound {
		return nil, invalidParams("unknown job %s", id)
	}
	if err != nil {
		return nil, internalError(err)
	}
	if meta.Status == domain.JobRunning || meta.Status == domain.JobFailed {
		return nil, invalidParams("job %s is %s; delete requires completed or cancelled", id, meta.Status)
	}
	if err := h.store.DeleteJob(id); err != nil {
		return nil, internalError(err)
	}
	return map[string]bool{"deleted": true}, nil
}
