// Package dispatch is the worker dispatch bridge: an in-process MCP
// server whose six tools forward to a worker plugin's worker/* JSON-RPC
// surface.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/rpc"
)

const callTimeout = 30 * time.Second

// MemberURLFunc resolves a member's current /mcp URL at call time, so
// the bridge follows re-spawns onto new ports.
type MemberURLFunc func(member string) (string, error)

// Bridge builds dispatch servers for worker members. It keeps a
// per-job abort registry: dispatching a job captures the owning
// query's abort handle, and cancelling that job fires it.
type Bridge struct {
	memberURL MemberURLFunc
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	aborts map[string]func()
}

// NewBridge builds a bridge resolving member URLs through fn.
func NewBridge(fn MemberURLFunc, logger *zap.SugaredLogger) *Bridge {
	return &Bridge{memberURL: fn, logger: logger, aborts: make(map[string]func())}
}

// ServerFor builds the in-process MCP server "<member>-dispatch" with
// the six forwarding tools. abort cancels the query this server was
// composed for; nil disables the cancel-aborts-owner coupling.
func (b *Bridge) ServerFor(member string, abort func()) *server.MCPServer {
	s := server.NewMCPServer(member+"-dispatch", "1.0.0", server.WithToolCapabilities(false))

	s.AddTool(
		mcp.NewTool("dispatch",
			mcp.WithDescription("Dispatch an asynchronous research job to the "+member+" worker. Returns the job id immediately; poll status to follow progress."),
			mcp.WithString("description", mcp.Required(), mcp.Description("Short one-line description of the job")),
			mcp.WithString("task", mcp.Required(), mcp.Description("Full task text for the worker agent")),
			mcp.WithObject("config", mcp.Description("Optional worker-specific configuration")),
		),
		b.dispatchTool(member, abort),
	)
	s.AddTool(
		mcp.NewTool("list",
			mcp.WithDescription("List the worker's jobs, newest first."),
			mcp.WithBoolean("detail", mcp.Description("Include each job's progress summary")),
			mcp.WithString("filter", mcp.Description("Glob filter applied to job descriptions")),
		),
		b.forward(member, "worker/list", "detail", "filter"),
	)
	s.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Full status of one job: metadata, summary, open questions, decisions, error."),
			mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id returned by dispatch")),
		),
		b.forward(member, "worker/status", "jobId"),
	)
	s.AddTool(
		mcp.NewTool("result",
			mcp.WithDescription("Final result of a completed job. Fails for jobs in any other state."),
			mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id returned by dispatch")),
		),
		b.forward(member, "worker/result", "jobId"),
	)
	s.AddTool(
		mcp.NewTool("cancel",
			mcp.WithDescription("Cancel a job. A no-op for jobs that already finished."),
			mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id returned by dispatch")),
		),
		b.cancelTool(member),
	)
	s.AddTool(
		mcp.NewTool("delete",
			mcp.WithDescription("Delete a finished job and its files. Rejected while the job is running or failed."),
			mcp.WithString("jobId", mcp.Required(), mcp.Description("Job id returned by dispatch")),
		),
		b.deleteTool(member),
	)
	return s
}

// dispatchTool relays worker/dispatch and registers the owning query's
// abort handle under the new job id.
func (b *Bridge) dispatchTool(member string, abort func()) server.ToolHandlerFunc {
	inner := b.forward(member, "worker/dispatch", "description", "task", "config")
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := inner(ctx, req)
		if err != nil || res.IsError || abort == nil {
			return res, err
		}
		var out struct {
			JobID string `json:"jobId"`
		}
		if json.Unmarshal([]byte(firstText(res)), &out) == nil && out.JobID != "" {
			b.mu.Lock()
			b.aborts[out.JobID] = abort
			b.mu.Unlock()
		}
		return res, nil
	}
}

// cancelTool relays worker/cancel. When the worker reports the job went
// to cancelled, the abort handle captured at dispatch time fires, so
// the agent that dispatched the job stops too.
func (b *Bridge) cancelTool(member string) server.ToolHandlerFunc {
	inner := b.forward(member, "worker/cancel", "jobId")
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := inner(ctx, req)
		if err != nil || res.IsError {
			return res, err
		}
		var out struct {
			Status string `json:"status"`
		}
		if json.Unmarshal([]byte(firstText(res)), &out) != nil || out.Status != "cancelled" {
			return res, nil
		}
		jobID, _ := req.GetArguments()["jobId"].(string)
		if fn := b.takeAbort(jobID); fn != nil {
			b.logger.Infow("job cancelled, aborting owning query", "member", member, "job", jobID)
			fn()
		}
		return res, nil
	}
}

// deleteTool relays worker/delete and drops any abort registration the
// job still holds.
func (b *Bridge) deleteTool(member string) server.ToolHandlerFunc {
	inner := b.forward(member, "worker/delete", "jobId")
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := inner(ctx, req)
		if err == nil && !res.IsError {
			jobID, _ := req.GetArguments()["jobId"].(string)
			b.takeAbort(jobID)
		}
		return res, err
	}
}

// takeAbort removes and returns the job's abort handle, if any.
func (b *Bridge) takeAbort(jobID string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn := b.aborts[jobID]
	delete(b.aborts, jobID)
	return fn
}

// firstText extracts the first text block of a tool result.
func firstText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// forward builds a tool handler that relays the named arguments to one
// worker method over a fresh JSON-RPC client.
func (b *Bridge) forward(member, method string, keys ...string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		params := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := args[k]; ok {
				params[k] = v
			}
		}

		url, err := b.memberURL(member)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("worker %s unavailable: %v", member, err)), nil
		}
		client := rpc.NewClient(url)
		raw, err := client.Request(ctx, method, params, callTimeout)
		if err != nil {
			b.logger.Warnw("dispatch call failed", "member", member, "method", method, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(string(raw)), nil
	}
}
