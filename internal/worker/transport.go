package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/rpc"
)

// Transport serves /mcp for a worker plugin. Requests whose method is
// prefixed worker/ are handled by the in-process route table; every
// other message is handed to the embedded MCP server untouched, so the
// plugin's regular tool surface keeps working.
type Transport struct {
	methods map[string]HandlerFunc
	mcp     http.Handler
	logger  *zap.SugaredLogger
}

// NewTransport routes worker methods to h and everything else to the
// MCP server's streamable HTTP handler.
func NewTransport(h *Handlers, mcpServer *server.MCPServer, logger *zap.SugaredLogger) *Transport {
	return &Transport{
		methods: h.Methods(),
		mcp:     server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp")),
		logger:  logger,
	}
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		t.mcp.ServeHTTP(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeResponse(w, rpc.NewErrorResponse(nil, rpc.CodeParseError, "read body: "+err.Error()))
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil || !strings.HasPrefix(req.Method, "worker/") {
		// Not ours; replay the body into the MCP handler.
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		t.mcp.ServeHTTP(w, r)
		return
	}

	handler, ok := t.methods[req.Method]
	if !ok {
		writeResponse(w, rpc.NewErrorResponse(req.ID, rpc.CodeMethodNotFound, "unknown method "+req.Method))
		return
	}

	// Notifications get an immediate 200; the handler still runs.
	if req.ID == nil {
		w.WriteHeader(http.StatusOK)
		go func() {
			if _, eo := handler(context.Background(), req.Params); eo != nil {
				t.logger.Warnw("worker notification failed", "method", req.Method, "error", eo.Message)
			}
		}()
		return
	}

	result, eo := handler(r.Context(), req.Params)
	if eo != nil {
		writeResponse(w, &rpc.Response{JSONRPC: "2.0", ID: req.ID, Error: eo})
		return
	}
	resp, err := rpc.NewResponse(req.ID, result)
	if err != nil {
		writeResponse(w, rpc.NewErrorResponse(req.ID, rpc.CodeInternalError, err.Error()))
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *rpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Serve listens on 127.0.0.1:port and serves the transport until ctx is
// done, then shuts down gracefully.
func (t *Transport) Serve(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	srv := &http.Server{Handler: t}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	t.logger.Infow("worker transport listening", "port", port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
