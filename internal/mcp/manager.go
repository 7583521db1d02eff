package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/ports"
	"github.com/guildhall/guild-hall/internal/roster"
	"github.com/guildhall/guild-hall/internal/rpc"
)

const (
	// InitializeTimeout bounds the spawn-to-initialize handshake. A
	// plugin that cannot answer in time is killed and its port marked
	// dead.
	InitializeTimeout = 5 * time.Second
	// ToolTimeout bounds one tools/call. Expiry does not kill the
	// subprocess; slow tools are not crashes.
	ToolTimeout = 30 * time.Second

	shutdownGrace = 3 * time.Second
)

// ErrMemberNotFound is returned when a member name is not in the roster.
var ErrMemberNotFound = errors.New("member not found")

// Handle is one live plugin subprocess.
type Handle struct {
	Name string
	Port int
	URL  string

	cmd  *exec.Cmd
	done chan struct{}
}

// Manager owns every plugin subprocess. It is the sole mutator of
// member runtime state; invocations read a snapshot. Plugins start
// lazily, are shared across sessions, and are never auto-restarted:
// after a crash the next call that needs the plugin re-spawns it.
type Manager struct {
	ports  *ports.Registry
	roster *roster.Roster
	pidDir string
	logger *zap.SugaredLogger

	// toolTimeout bounds one InvokeTool call. Defaults to ToolTimeout.
	toolTimeout time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager builds a lifecycle manager. pidDir is where pid files for
// spawned children are recorded.
func NewManager(reg *ports.Registry, r *roster.Roster, pidDir string, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		ports:       reg,
		roster:      r,
		pidDir:      pidDir,
		logger:      logger,
		toolTimeout: ToolTimeout,
		handles:     make(map[string]*Handle),
	}
}

// StartServersForSession ensures every named member has a live,
// initialized subprocess. Already-connected members are skipped. The
// first failure is returned; members before it stay started.
func (m *Manager) StartServersForSession(ctx context.Context, members []string) error {
	for _, name := range members {
		if _, err := m.EnsureStarted(ctx, name); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// EnsureStarted returns the member's live handle, spawning and
// initializing the subprocess if needed. Idempotent for connected
// members.
func (m *Manager) EnsureStarted(ctx context.Context, name string) (*Handle, error) {
	m.mu.Lock()
	if h, ok := m.handles[name]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	member := m.roster.Get(name)
	if member == nil {
		return nil, ErrMemberNotFound
	}
	if member.Status == domain.MemberError && member.Manifest.MCP.Command == "" {
		return nil, fmt.Errorf("member %s has an invalid manifest: %s", name, member.LastError)
	}

	h, err := m.spawn(ctx, member)
	if err != nil {
		m.roster.Update(name, func(mem *domain.Member) {
			mem.Status = domain.MemberError
			mem.LastError = err.Error()
		})
		return nil, err
	}
	return h, nil
}

// spawn forks the plugin, runs the initialize handshake, and caches the
// tool catalog. The crash listener runs for the life of the subprocess.
func (m *Manager) spawn(ctx context.Context, member *domain.Member) (*Handle, error) {
	port, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}

	args := substitutePort(member.Manifest.MCP.Args, port)
	cmd := exec.Command(member.Manifest.MCP.Command, args...)
	cmd.Dir = member.Dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		m.ports.Release(port)
		return nil, fmt.Errorf("spawn %s: %w", member.Name, err)
	}

	h := &Handle{
		Name: member.Name,
		Port: port,
		URL:  fmt.Sprintf("http://127.0.0.1:%d/mcp", port),
		cmd:  cmd,
		done: make(chan struct{}),
	}

	if err := WritePIDFile(m.pidDir, member.Name, PIDRecord{PID: cmd.Process.Pid, Port: port}); err != nil {
		m.logger.Warnw("pid file write failed", "member", member.Name, "error", err)
	}

	m.mu.Lock()
	m.handles[member.Name] = h
	m.mu.Unlock()

	go m.watchExit(h)

	if err := m.initialize(ctx, h); err != nil {
		m.kill(h)
		m.ports.MarkDead(port)
		m.evict(h)
		return nil, fmt.Errorf("initialize %s: %w", member.Name, err)
	}

	tools, err := m.listTools(ctx, h)
	if err != nil {
		m.logger.Warnw("tools/list failed", "member", member.Name, "error", err)
	}
	m.roster.Update(member.Name, func(mem *domain.Member) {
		mem.Status = domain.MemberConnected
		mem.Port = port
		mem.Tools = tools
		mem.LastError = ""
	})
	m.logger.Infow("plugin connected", "member", member.Name, "port", port, "tools", len(tools))
	return h, nil
}

// watchExit is the single-instance crash listener: on subprocess exit
// the member goes to error, the port is marked dead, and the handle is
// evicted.
func (m *Manager) watchExit(h *Handle) {
	err := h.cmd.Wait()
	close(h.done)

	m.mu.Lock()
	current, live := m.handles[h.Name]
	m.mu.Unlock()
	if !live || current != h {
		// Already evicted by a failed initialize or shutdown.
		RemovePIDFile(m.pidDir, h.Name)
		return
	}

	reason := "exited"
	if err != nil {
		reason = err.Error()
	}
	m.logger.Warnw("plugin exited", "member", h.Name, "port", h.Port, "reason", reason)
	m.roster.Update(h.Name, func(mem *domain.Member) {
		mem.Status = domain.MemberError
		mem.LastError = "process " + reason
		mem.Port = 0
	})
	m.ports.MarkDead(h.Port)
	m.evict(h)
}

func (m *Manager) evict(h *Handle) {
	m.mu.Lock()
	if m.handles[h.Name] == h {
		delete(m.handles, h.Name)
	}
	m.mu.Unlock()
	RemovePIDFile(m.pidDir, h.Name)
}

// initialize polls the handshake until it succeeds or the window
// closes. Connection refused while the child binds its socket is
// expected; only the deadline is fatal.
func (m *Manager) initialize(ctx context.Context, h *Handle) error {
	deadline := time.Now().Add(InitializeTimeout)
	client := rpc.NewClient(h.URL)
	params := map[string]any{
		"protocolVersion": "2025-03-26",
		"clientInfo":      map[string]string{"name": "guild-hall", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-h.done:
			return fmt.Errorf("process exited before initialize")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		remaining := time.Until(deadline)
		if _, err := client.Request(ctx, "initialize", params, remaining); err == nil {
			_ = client.Notify(ctx, "notifications/initialized", nil)
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("no response within %s: %w", InitializeTimeout, lastErr)
}

func (m *Manager) listTools(ctx context.Context, h *Handle) ([]domain.ToolInfo, error) {
	client := rpc.NewClient(h.URL)
	raw, err := client.Request(ctx, "tools/list", map[string]any{}, InitializeTimeout)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []domain.ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tool catalog: %w", err)
	}
	return result.Tools, nil
}

// toolCallResult is the MCP tools/call response shape.
type toolCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// InvokeTool calls one tool on a connected member. Timeouts are
// isolated failures: the subprocess keeps running and the member stays
// connected. Transport failures mark the member error.
func (m *Manager) InvokeTool(ctx context.Context, memberName, toolName string, input json.RawMessage) (string, error) {
	m.mu.Lock()
	h, ok := m.handles[memberName]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s is not connected", ErrMemberNotFound, memberName)
	}

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	client := rpc.NewClient(h.URL)
	raw, err := client.Request(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": input,
	}, m.toolTimeout)
	if err != nil {
		if rpc.IsTimeout(err) {
			return "", err
		}
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			return "", err
		}
		// Transport failure: the process died or the socket broke.
		m.roster.Update(memberName, func(mem *domain.Member) {
			mem.Status = domain.MemberError
			mem.LastError = err.Error()
		})
		return "", err
	}

	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode tool result: %w", err)
	}
	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	output := strings.Join(parts, "\n")
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", toolName, output)
	}
	return output, nil
}

// MemberURL returns the /mcp URL of a connected member.
func (m *Manager) MemberURL(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[name]
	if !ok {
		return "", fmt.Errorf("%w: %s is not connected", ErrMemberNotFound, name)
	}
	return h.URL, nil
}

// Connected reports whether the member has a live handle.
func (m *Manager) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[name]
	return ok
}

// Shutdown terminates every live child: SIGTERM, a grace period, then
// SIGKILL for stragglers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
	// One absolute deadline for the whole batch; a timer per handle so
	// every straggler past it is killed, not just the first.
	deadline := time.Now().Add(shutdownGrace)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-time.After(time.Until(deadline)):
			m.logger.Warnw("plugin ignored SIGTERM", "member", h.Name, "port", h.Port)
			_ = h.cmd.Process.Kill()
			<-h.done
		}
		m.ports.Release(h.Port)
		RemovePIDFile(m.pidDir, h.Name)
		m.roster.Update(h.Name, func(mem *domain.Member) {
			mem.Status = domain.MemberAvailable
			mem.Port = 0
		})
	}
	m.logger.Infow("plugins stopped", "count", len(handles))
}

func (m *Manager) kill(h *Handle) {
	_ = h.cmd.Process.Kill()
	<-h.done
}

// substitutePort replaces the literal ${PORT} in launch args.
func substitutePort(args []string, port int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, "${PORT}", strconv.Itoa(port))
	}
	return out
}
