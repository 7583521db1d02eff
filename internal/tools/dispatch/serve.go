package dispatch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Host serves an in-process MCP server over loopback HTTP so the agent
// subprocess can reach it like any other plugin. An ephemeral port is
// used; the returned URL includes it.
type Host struct {
	logger *zap.SugaredLogger
}

// NewHost builds a host.
func NewHost(logger *zap.SugaredLogger) *Host {
	return &Host{logger: logger}
}

// Serve starts the MCP server on 127.0.0.1 with an ephemeral port and
// returns its /mcp URL plus a stop function. Stop is idempotent.
func (h *Host) Serve(s *server.MCPServer) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("listen: %w", err)
	}
	handler := server.NewStreamableHTTPServer(s, server.WithEndpointPath("/mcp"))
	srv := &http.Server{Handler: handler}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Warnw("dispatch host stopped", "error", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://127.0.0.1:%d/mcp", port)
	h.logger.Debugw("dispatch server hosted", "url", url)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return url, stop, nil
}
