// Package store is the durable session store: per-session metadata and
// an append-only message log on the local filesystem.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guildhall/guild-hall/internal/domain"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Session bundles a session's metadata with its full message log.
type Session struct {
	Meta     domain.SessionMeta     `json:"meta"`
	Messages []domain.StoredMessage `json:"messages"`
}

// MetaPatch is a partial metadata update. Nil fields are untouched; id
// and createdAt cannot be modified.
type MetaPatch struct {
	Name           *string
	Status         *domain.SessionStatus
	GuildMembers   *[]string
	AgentSessionID *string
	LastActivityAt *time.Time
}

// SessionStore persists sessions under <root>/<id>/. All mutations are
// written to disk before returning; mutations to one session serialize
// on a per-session lock.
type SessionStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSessionStore creates the store, creating root if missing.
func NewSessionStore(root string) (*SessionStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &SessionStore{root: root, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the store's base directory.
func (s *SessionStore) Root() string { return s.root }

func (s *SessionStore) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *SessionStore) dir(id string) string      { return filepath.Join(s.root, id) }
func (s *SessionStore) metaPath(id string) string { return filepath.Join(s.dir(id), "meta.json") }
func (s *SessionStore) logPath(id string) string  { return filepath.Join(s.dir(id), "messages.jsonl") }

// Slugify reduces a name to a lowercase alphanumeric-dash slug.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "session"
	}
	return slug
}

// Create makes a new session. The id is today's date plus a slug of the
// name, suffixed on collision.
func (s *SessionStore) Create(name string, members []string) (domain.SessionMeta, error) {
	base := time.Now().UTC().Format("2006-01-02") + "-" + Slugify(name)
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(s.dir(id)); os.IsNotExist(err) {
			break
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}

	now := time.Now().UTC()
	meta := domain.SessionMeta{
		ID:             id,
		Name:           name,
		Status:         domain.StatusIdle,
		GuildMembers:   append([]string(nil), members...),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := os.MkdirAll(s.dir(id), 0o755); err != nil {
		return domain.SessionMeta{}, fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(s.logPath(id), nil, 0o644); err != nil {
		return domain.SessionMeta{}, fmt.Errorf("create message log: %w", err)
	}
	if err := s.writeMeta(meta); err != nil {
		return domain.SessionMeta{}, err
	}
	return meta, nil
}

// List returns all session metadata sorted by lastActivityAt descending.
// A missing root returns an empty list.
func (s *SessionStore) List() ([]domain.SessionMeta, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []domain.SessionMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readMeta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.After(out[j].LastActivityAt) })
	return out, nil
}

// Get returns a session with its messages, or nil when unknown.
func (s *SessionStore) Get(id string) (*Session, error) {
	meta, err := s.readMeta(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := s.readMessages(id)
	if err != nil {
		return nil, err
	}
	return &Session{Meta: meta, Messages: msgs}, nil
}

// UpdateMetadata applies a partial update and persists it.
func (s *SessionStore) UpdateMetadata(id string, patch MetaPatch) (domain.SessionMeta, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return domain.SessionMeta{}, err
	}
	if patch.Name != nil {
		meta.Name = *patch.Name
	}
	if patch.Status != nil {
		meta.Status = *patch.Status
	}
	if patch.GuildMembers != nil {
		meta.GuildMembers = append([]string(nil), (*patch.GuildMembers)...)
	}
	if patch.AgentSessionID != nil {
		meta.AgentSessionID = *patch.AgentSessionID
	}
	if patch.LastActivityAt != nil {
		meta.LastActivityAt = *patch.LastActivityAt
	}
	if err := s.writeMeta(meta); err != nil {
		return domain.SessionMeta{}, err
	}
	return meta, nil
}

// Touch bumps lastActivityAt to now.
func (s *SessionStore) Touch(id string) (domain.SessionMeta, error) {
	now := time.Now().UTC()
	return s.UpdateMetadata(id, MetaPatch{LastActivityAt: &now})
}

// AppendMessage appends one JSON line to the message log and increments
// messageCount. The line write is a single O_APPEND syscall.
func (s *SessionStore) AppendMessage(id string, msg domain.StoredMessage) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	meta, err := s.readMeta(id)
	if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	f, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append message: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close message log: %w", err)
	}

	meta.MessageCount++
	meta.LastActivityAt = msg.Timestamp
	return s.writeMeta(meta)
}

// Delete removes the session directory. Unknown ids fail.
func (s *SessionStore) Delete(id string) error {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	if _, err := s.readMeta(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir(id)); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) readMeta(id string) (domain.SessionMeta, error) {
	var meta domain.SessionMeta
	data, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return meta, ErrNotFound
	}
	if err != nil {
		return meta, fmt.Errorf("read meta: %w", err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("parse meta: %w", err)
	}
	return meta, nil
}

func (s *SessionStore) writeMeta(meta domain.SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tmp := s.metaPath(meta.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return os.Rename(tmp, s.metaPath(meta.ID))
}

func (s *SessionStore) readMessages(id string) ([]domain.StoredMessage, error) {
	f, err := os.Open(s.logPath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	var out []domain.StoredMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg domain.StoredMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// A torn trailing line from a crash is skipped, not fatal.
			continue
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}
	return out, nil
}
