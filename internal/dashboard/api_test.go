package dashboard

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/app"
	"github.com/guildhall/guild-hall/internal/bus"
	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/logging"
	"github.com/guildhall/guild-hall/internal/policy"
	"github.com/guildhall/guild-hall/internal/roster"
	"github.com/guildhall/guild-hall/internal/store"
)

// gatedStream waits for the gate before releasing its script, so tests
// can subscribe to events before any are emitted. With hang=true it
// blocks after the script until cancelled.
type gatedStream struct {
	gate <-chan struct{}
	msgs []agent.Message
	hang bool
	i    int
}

func (s *gatedStream) Next(ctx context.Context) (agent.Message, error) {
	if s.i == 0 && s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return agent.Message{}, agent.ErrAborted
		}
	}
	if s.i < len(s.msgs) {
		msg := s.msgs[s.i]
		s.i++
		return msg, nil
	}
	if s.hang {
		<-ctx.Done()
		return agent.Message{}, agent.ErrAborted
	}
	return agent.Message{}, io.EOF
}

func (s *gatedStream) Close() error { return nil }

type fixedQuerier struct{ stream agent.Stream }

func (q *fixedQuerier) Query(ctx context.Context, opts agent.QueryOptions) (agent.Stream, error) {
	return q.stream, nil
}

type nopComposer struct{}

func (nopComposer) Compose(ctx context.Context, members []string, abort func()) (map[string]agent.ServerConfig, func(), error) {
	return nil, func() {}, nil
}

type fixture struct {
	ts       *httptest.Server
	store    *store.SessionStore
	sessions *app.Manager
}

func newFixture(t *testing.T, stream agent.Stream) *fixture {
	t.Helper()
	st, err := store.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New(logging.NewNop())
	sessions := app.NewManager(st, b, nopComposer{}, &fixedQuerier{stream: stream}, logging.NewNop())
	r, err := roster.New(t.TempDir(), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	api := New(st, sessions, b, r, policy.DefaultConfig(), logging.NewNop())
	ts := httptest.NewServer(api.Router())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, store: st, sessions: sessions}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) createSession(t *testing.T, name string) string {
	t.Helper()
	resp := f.post(t, "/api/sessions", fmt.Sprintf(`{"name":%q,"guildMembers":[]}`, name))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var meta domain.SessionMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return meta.ID
}

// readSSE collects event names until done or the stream closes.
func readSSE(t *testing.T, body io.Reader) []string {
	t.Helper()
	var names []string
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			name := strings.TrimPrefix(line, "event: ")
			names = append(names, name)
			if name == "done" {
				return names
			}
		}
	}
	return names
}

func TestCreateSendStreamComplete(t *testing.T) {
	gate := make(chan struct{})
	stream := &gatedStream{gate: gate, msgs: []agent.Message{
		{Type: "stream_event", Event: json.RawMessage(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi there"}}`)},
		{Type: "result", Subtype: "success"},
	}}
	f := newFixture(t, stream)
	id := f.createSession(t, "S")

	resp := f.post(t, "/api/sessions/"+id+"/messages", `{"content":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d, want 202", resp.StatusCode)
	}

	events, err := http.Get(f.ts.URL + "/api/sessions/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer events.Body.Close()
	close(gate)

	names := readSSE(t, events.Body)
	if len(names) == 0 || names[0] != "status_change" {
		t.Fatalf("events = %v, want leading status_change", names)
	}
	if names[len(names)-1] != "done" {
		t.Fatalf("events = %v, want trailing done", names)
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "text_delta") || !strings.Contains(joined, "turn_end") {
		t.Errorf("events = %v", names)
	}

	f.sessions.WaitIdle(id, time.Second)
	sess, _ := f.store.Get(id)
	if sess.Meta.Status != domain.StatusCompleted {
		t.Errorf("status = %s, want completed", sess.Meta.Status)
	}
	if sess.Meta.MessageCount != 2 {
		t.Errorf("messageCount = %d, want 2", sess.Meta.MessageCount)
	}
}

func TestStopHangingQuery(t *testing.T) {
	stream := &gatedStream{hang: true}
	f := newFixture(t, stream)
	id := f.createSession(t, "S")

	resp := f.post(t, "/api/sessions/"+id+"/messages", `{"content":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d", resp.StatusCode)
	}

	events, err := http.Get(f.ts.URL + "/api/sessions/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer events.Body.Close()

	time.Sleep(50 * time.Millisecond)
	stop := f.post(t, "/api/sessions/"+id+"/stop", `{}`)
	stop.Body.Close()
	if stop.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d, want 200", stop.StatusCode)
	}

	names := readSSE(t, events.Body)
	if len(names) < 2 || names[len(names)-2] != "error" || names[len(names)-1] != "done" {
		t.Fatalf("events = %v, want ... error, done", names)
	}

	f.sessions.WaitIdle(id, time.Second)
	sess, _ := f.store.Get(id)
	if sess.Meta.Status != domain.StatusIdle {
		t.Errorf("status = %s, want idle", sess.Meta.Status)
	}
}

func TestEventsWithoutRunningQuery(t *testing.T) {
	f := newFixture(t, &gatedStream{})
	id := f.createSession(t, "quiet")

	events, err := http.Get(f.ts.URL + "/api/sessions/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer events.Body.Close()

	body, _ := io.ReadAll(events.Body)
	text := string(body)
	if !strings.Contains(text, "event: status_change") || !strings.Contains(text, `"idle"`) {
		t.Errorf("body = %q", text)
	}
	// One event, then the stream closed.
	if strings.Count(text, "event: ") != 1 {
		t.Errorf("expected a single event, got %q", text)
	}
}

func TestEventsAfterQueryCompleted(t *testing.T) {
	stream := &gatedStream{msgs: []agent.Message{{Type: "result", Subtype: "success"}}}
	f := newFixture(t, stream)
	id := f.createSession(t, "S")

	resp := f.post(t, "/api/sessions/"+id+"/messages", `{"content":"hi"}`)
	resp.Body.Close()
	if err := f.sessions.WaitIdle(id, time.Second); err != nil {
		t.Fatal(err)
	}

	// The query already finished: one status_change with the final
	// status, then the stream closes instead of hanging.
	events, err := http.Get(f.ts.URL + "/api/sessions/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer events.Body.Close()

	body, _ := io.ReadAll(events.Body)
	text := string(body)
	if !strings.Contains(text, "event: status_change") || !strings.Contains(text, `"completed"`) {
		t.Errorf("body = %q", text)
	}
	if strings.Count(text, "event: ") != 1 {
		t.Errorf("expected a single event, got %q", text)
	}
}

func TestMessageValidation(t *testing.T) {
	f := newFixture(t, &gatedStream{})
	id := f.createSession(t, "S")

	for _, body := range []string{``, `{}`, `{not json`} {
		resp := f.post(t, "/api/sessions/"+id+"/messages", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}

	resp := f.post(t, "/api/sessions/ghost/messages", `{"content":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}
}

func TestMessageConflictWhileRunning(t *testing.T) {
	stream := &gatedStream{hang: true}
	f := newFixture(t, stream)
	id := f.createSession(t, "S")

	resp := f.post(t, "/api/sessions/"+id+"/messages", `{"content":"one"}`)
	resp.Body.Close()
	defer func() {
		f.sessions.StopQuery(id)
		f.sessions.WaitIdle(id, time.Second)
	}()

	resp = f.post(t, "/api/sessions/"+id+"/messages", `{"content":"two"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second message status = %d, want 409", resp.StatusCode)
	}
}

func TestStopStatusCodes(t *testing.T) {
	f := newFixture(t, &gatedStream{})
	id := f.createSession(t, "S")

	resp := f.post(t, "/api/sessions/ghost/stop", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("stop unknown = %d, want 404", resp.StatusCode)
	}

	resp = f.post(t, "/api/sessions/"+id+"/stop", `{}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stop idle = %d, want 409", resp.StatusCode)
	}
}

func TestSessionCRUD(t *testing.T) {
	f := newFixture(t, &gatedStream{})
	id := f.createSession(t, "crud")

	resp, err := http.Get(f.ts.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var metas []domain.SessionMeta
	json.NewDecoder(resp.Body).Decode(&metas)
	resp.Body.Close()
	if len(metas) != 1 || metas[0].ID != id {
		t.Errorf("list = %+v", metas)
	}

	resp, err = http.Get(f.ts.URL + "/api/sessions/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/sessions/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	resp, _ = http.Get(f.ts.URL + "/api/sessions/" + id)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestGuildAndProjects(t *testing.T) {
	f := newFixture(t, &gatedStream{})

	resp, err := http.Get(f.ts.URL + "/api/guild")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("guild status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(f.ts.URL + "/api/projects")
	if err != nil {
		t.Fatal(err)
	}
	var projects []policy.Project
	json.NewDecoder(resp.Body).Decode(&projects)
	resp.Body.Close()
	if projects == nil {
		t.Error("projects = nil, want empty array")
	}
}
