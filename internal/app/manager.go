package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/bus"
	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/store"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyRunning rejects a second concurrent query on a session.
	ErrAlreadyRunning = errors.New("query already running")
	// ErrNotRunning is returned by StopQuery when nothing is running.
	ErrNotRunning = errors.New("no query running")
)

// ToolComposer assembles the MCP server map one query hands to the
// agent: live plugin endpoints plus in-process dispatch bridges. abort
// cancels the composing query; the bridge captures it so a job cancel
// can abort the agent that dispatched the job. The returned cleanup
// stops anything the composition started.
type ToolComposer interface {
	Compose(ctx context.Context, members []string, abort func()) (map[string]agent.ServerConfig, func(), error)
}

// RunningQuery is the live state of one in-flight query.
type RunningQuery struct {
	SessionID string
	cancel    context.CancelFunc
	cleanup   func()
	done      chan struct{}
}

// Manager is the orchestration core: it serializes one query per
// session, drives the agent stream through the translator, and fans
// events out on the session's bus topic.
type Manager struct {
	store    *store.SessionStore
	bus      *bus.Bus
	composer ToolComposer
	querier  agent.Querier
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	running map[string]*RunningQuery
}

// NewManager builds the session manager.
func NewManager(st *store.SessionStore, b *bus.Bus, composer ToolComposer, querier agent.Querier, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		store:    st,
		bus:      b,
		composer: composer,
		querier:  querier,
		logger:   logger,
		running:  make(map[string]*RunningQuery),
	}
}

// IsQueryRunning reports whether the session has an in-flight query.
func (m *Manager) IsQueryRunning(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[sessionID]
	return ok
}

// RunQuery starts a query for the session. The session must exist and
// must not already be running; a completed session may run again.
func (m *Manager) RunQuery(ctx context.Context, sessionID, content string) error {
	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}

	m.mu.Lock()
	if _, ok := m.running[sessionID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	queryCtx, cancel := context.WithCancel(context.Background())
	rq := &RunningQuery{SessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	m.running[sessionID] = rq
	m.mu.Unlock()

	fail := func(err error) error {
		cancel()
		m.mu.Lock()
		delete(m.running, sessionID)
		m.mu.Unlock()
		close(rq.done)
		return err
	}

	if err := m.store.AppendMessage(sessionID, domain.StoredMessage{Role: domain.RoleUser, Content: content}); err != nil {
		return fail(err)
	}
	running := domain.StatusRunning
	if _, err := m.store.UpdateMetadata(sessionID, store.MetaPatch{Status: &running}); err != nil {
		return fail(err)
	}
	m.bus.Emit(sessionID, domain.StatusChangeEvent(domain.StatusRunning))

	servers, cleanup, err := m.composer.Compose(ctx, sess.Meta.GuildMembers, cancel)
	if err != nil {
		m.bus.Emit(sessionID, domain.ErrorEvent(err.Error()))
		m.bus.Emit(sessionID, domain.DoneEvent())
		errStatus := domain.StatusError
		m.store.UpdateMetadata(sessionID, store.MetaPatch{Status: &errStatus})
		return fail(err)
	}
	rq.cleanup = cleanup

	opts := agent.QueryOptions{
		Prompt:         content,
		Priors:         sess.Messages,
		Servers:        servers,
		AgentSessionID: sess.Meta.AgentSessionID,
	}
	stream, err := m.querier.Query(queryCtx, opts)
	if err != nil {
		cleanup()
		m.bus.Emit(sessionID, domain.ErrorEvent(err.Error()))
		m.bus.Emit(sessionID, domain.DoneEvent())
		errStatus := domain.StatusError
		m.store.UpdateMetadata(sessionID, store.MetaPatch{Status: &errStatus})
		return fail(err)
	}

	go m.consume(queryCtx, rq, stream)
	return nil
}

// consume drives one query's stream to completion, translating each
// message and publishing the derived events on the session topic.
func (m *Manager) consume(ctx context.Context, rq *RunningQuery, stream agent.Stream) {
	sessionID := rq.SessionID
	var (
		textBuf    strings.Builder
		sawError   bool
		aborted    bool
		lastReason string
	)

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		msg := domain.StoredMessage{Role: domain.RoleAssistant, Content: textBuf.String()}
		if err := m.store.AppendMessage(sessionID, msg); err != nil {
			m.logger.Warnw("assistant message append failed", "session", sessionID, "error", err)
		}
		textBuf.Reset()
	}

	for {
		msg, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, agent.ErrAborted) {
				aborted = true
			} else {
				sawError = true
				lastReason = err.Error()
				m.bus.Emit(sessionID, domain.ErrorEvent(lastReason))
			}
			break
		}
		for _, ev := range Translate(msg) {
			m.bus.Emit(sessionID, ev)
			m.record(sessionID, ev, &textBuf, &sawError)
		}
	}
	stream.Close()
	flushText()

	if aborted {
		m.bus.Emit(sessionID, domain.ErrorEvent("aborted"))
	}
	m.bus.Emit(sessionID, domain.DoneEvent())

	final := domain.StatusCompleted
	switch {
	case aborted:
		final = domain.StatusIdle
	case sawError:
		final = domain.StatusError
	}
	m.finalize(rq, final)
	m.logger.Infow("query finished", "session", sessionID, "status", final, "reason", lastReason)
}

// record applies an event's persistence side effects.
func (m *Manager) record(sessionID string, ev domain.Event, textBuf *strings.Builder, sawError *bool) {
	switch ev.Type {
	case domain.EventSession:
		if ev.SessionID != "" {
			sid := ev.SessionID
			if _, err := m.store.UpdateMetadata(sessionID, store.MetaPatch{AgentSessionID: &sid}); err != nil {
				m.logger.Warnw("agent session id save failed", "session", sessionID, "error", err)
			}
		}
	case domain.EventTextDelta:
		textBuf.WriteString(ev.Text)
	case domain.EventToolUse:
		content, _ := json.Marshal(map[string]any{"name": ev.Name, "input": ev.Input})
		m.append(sessionID, domain.RoleToolUse, string(content))
	case domain.EventToolResult:
		content, _ := json.Marshal(map[string]any{"name": ev.Name, "output": ev.Output})
		m.append(sessionID, domain.RoleToolResult, string(content))
	case domain.EventError:
		*sawError = true
	}
}

func (m *Manager) append(sessionID string, role domain.MessageRole, content string) {
	if err := m.store.AppendMessage(sessionID, domain.StoredMessage{Role: role, Content: content}); err != nil {
		m.logger.Warnw("message append failed", "session", sessionID, "role", role, "error", err)
	}
}

// finalize transitions status, runs cleanup, and clears the running
// entry. It runs exactly once per query on every exit path.
func (m *Manager) finalize(rq *RunningQuery, status domain.SessionStatus) {
	now := time.Now().UTC()
	if _, err := m.store.UpdateMetadata(rq.SessionID, store.MetaPatch{Status: &status, LastActivityAt: &now}); err != nil {
		m.logger.Warnw("final status write failed", "session", rq.SessionID, "error", err)
	}
	if rq.cleanup != nil {
		rq.cleanup()
	}
	rq.cancel()

	m.mu.Lock()
	delete(m.running, rq.SessionID)
	m.mu.Unlock()
	close(rq.done)
}

// StopQuery fires the session's cancellation handle. Idempotent: a
// second stop, or a stop with nothing running, returns ErrNotRunning.
func (m *Manager) StopQuery(sessionID string) error {
	m.mu.Lock()
	rq, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	rq.cancel()
	return nil
}

// QueryDone returns a channel closed when the session's running query
// finishes, or nil when nothing is running. Every event of the query is
// published before the channel closes.
func (m *Manager) QueryDone(sessionID string) <-chan struct{} {
	m.mu.Lock()
	rq, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return rq.done
}

// WaitIdle blocks until the session's query finishes or the timeout
// elapses. Test and shutdown helper.
func (m *Manager) WaitIdle(sessionID string, timeout time.Duration) error {
	m.mu.Lock()
	rq, ok := m.running[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rq.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("query on %s still running after %s", sessionID, timeout)
	}
}
