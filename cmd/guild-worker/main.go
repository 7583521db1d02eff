// Guild Hall reference worker plugin. Serves a small MCP tool surface
// plus the worker/* dispatch protocol over one HTTP port, executing
// dispatched jobs with a configurable agent command.
//
// Usage: guild-worker --port <port> [--jobs <dir>] [--agent <command>]
// A manifest pointing at this binary passes the port via ${PORT}.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/guildhall/guild-hall/internal/jobs"
	"github.com/guildhall/guild-hall/internal/logging"
	"github.com/guildhall/guild-hall/internal/worker"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	var (
		port     = flag.Int("port", 0, "port to listen on (required)")
		jobsDir  = flag.String("jobs", "", "job store directory (default ./jobs)")
		agentCmd = flag.String("agent", "claude", "agent command used to execute jobs")
		timeout  = flag.Duration("timeout", 30*time.Minute, "per-job execution timeout")
		debug    = flag.Bool("debug", false, "verbose logging")
		version  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("guild-worker " + Version)
		return
	}
	if *port == 0 {
		fmt.Fprintln(os.Stderr, "guild-worker: --port is required")
		os.Exit(2)
	}

	logger := logging.New("none", *debug)
	defer logger.Sync()

	dir := *jobsDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = os.TempDir()
		}
		dir = filepath.Join(cwd, "jobs")
	}
	store, err := jobs.NewStore(dir)
	if err != nil {
		logger.Errorw("job store init failed", "dir", dir, "error", err)
		os.Exit(1)
	}

	runner := worker.NewAgentRunner(store, *agentCmd, []string{"-p"}, *timeout, logger)
	handlers := worker.NewHandlers(store, runner, logger)

	mcpServer := server.NewMCPServer("guild-worker", Version, server.WithToolCapabilities(true))
	registerTools(mcpServer)

	transport := worker.NewTransport(handlers, mcpServer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.Serve(ctx, *port); err != nil {
		logger.Errorw("transport failed", "error", err)
		os.Exit(1)
	}
}

// registerTools adds the worker's direct (non-dispatch) tool surface.
func registerTools(s *server.MCPServer) {
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the input text back. Connectivity check."),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to echo")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			text, _ := args["text"].(string)
			return mcp.NewToolResultText("echo: " + text), nil
		},
	)
	s.AddTool(
		mcp.NewTool("sleep",
			mcp.WithDescription("Sleep for a number of seconds, then return. Timeout testing."),
			mcp.WithNumber("seconds", mcp.Required(), mcp.Description("How long to sleep")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			secs, _ := args["seconds"].(float64)
			select {
			case <-time.After(time.Duration(secs * float64(time.Second))):
				return mcp.NewToolResultText(fmt.Sprintf("slept %.1fs", secs)), nil
			case <-ctx.Done():
				return mcp.NewToolResultError("interrupted"), nil
			}
		},
	)
}
