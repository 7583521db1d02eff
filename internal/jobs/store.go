// Package jobs is the durable store for worker research jobs. Each job
// is a directory holding task.md, config.json, meta.json, status.md and
// optional result/questions/decisions files plus an artifacts/ tree.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guildhall/guild-hall/internal/domain"
)

// ErrNotFound is returned for unknown job ids.
var ErrNotFound = errors.New("job not found")

// Store manages job directories under a root. Operations are safe for
// concurrent use within one process; there is no multi-writer contract.
type Store struct {
	root string

	mu sync.Mutex
	// onCancel holds abort callbacks registered by whoever is executing
	// a job. Invoked (once) when the job is cancelled.
	onCancel map[string]func()
}

// NewStore creates a Store rooted at dir, creating it if missing.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	return &Store{root: dir, onCancel: make(map[string]func())}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

func (s *Store) jobDir(id string) string { return filepath.Join(s.root, id) }

func (s *Store) metaPath(id string) string { return filepath.Join(s.jobDir(id), "meta.json") }

// CreateJob writes a new job directory with status=running and returns
// the job id. A nil config defaults to {}.
func (s *Store) CreateJob(description, task string, config json.RawMessage) (string, error) {
	id := uuid.NewString()
	dir := s.jobDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	meta := domain.JobMeta{
		ID:          id,
		Description: description,
		Status:      domain.JobRunning,
		CreatedAt:   time.Now().UTC(),
	}
	steps := []struct {
		name string
		data []byte
	}{
		{"task.md", []byte(task)},
		{"config.json", config},
		{"status.md", nil},
	}
	for _, st := range steps {
		if err := os.WriteFile(filepath.Join(dir, st.name), st.data, 0o644); err != nil {
			return "", fmt.Errorf("write %s: %w", st.name, err)
		}
	}
	if err := s.writeMeta(id, meta); err != nil {
		return "", err
	}
	return id, nil
}

// Meta reads a job's metadata.
func (s *Store) Meta(id string) (domain.JobMeta, error) {
	var meta domain.JobMeta
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

// List returns metadata for all jobs, newest first.
func (s *Store) List() ([]domain.JobMeta, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	var out []domain.JobMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.Meta(e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus transitions a job. Any terminal status stamps
// completedAt when not already set.
func (s *Store) UpdateStatus(id string, status domain.JobStatus, completedAt *time.Time) error {
	meta, err := s.Meta(id)
	if err != nil {
		return err
	}
	meta.Status = status
	if status.Terminal() && meta.CompletedAt == nil {
		if completedAt == nil {
			now := time.Now().UTC()
			completedAt = &now
		}
		meta.CompletedAt = completedAt
	}
	return s.writeMeta(id, meta)
}

// SetError records a failure reason and transitions to failed.
func (s *Store) SetError(id, reason string) error {
	meta, err := s.Meta(id)
	if err != nil {
		return err
	}
	meta.Status = domain.JobFailed
	meta.Error = reason
	if meta.CompletedAt == nil {
		now := time.Now().UTC()
		meta.CompletedAt = &now
	}
	return s.writeMeta(id, meta)
}

// ReadSummary returns the job's status.md content. The initial empty
// file reads as nil, distinguishing "unwritten" from a deliberate empty
// write later; non-empty content is returned verbatim.
func (s *Store) ReadSummary(id string) (*string, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "status.md"))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	content := string(data)
	return &content, nil
}

// WriteSummary replaces status.md.
func (s *Store) WriteSummary(id, content string) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.jobDir(id), "status.md"), []byte(content), 0o644)
}

// ReadTask returns task.md.
func (s *Store) ReadTask(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "task.md"))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task: %w", err)
	}
	return string(data), nil
}

// WriteResult writes result.md. Present iff the job completed.
func (s *Store) WriteResult(id, content string) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.jobDir(id), "result.md"), []byte(content), 0o644)
}

// ReadResult returns result.md, or ErrNotFound when it was never written.
func (s *Store) ReadResult(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "result.md"))
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	return string(data), nil
}

// AppendQuestion appends one line to questions.md.
func (s *Store) AppendQuestion(id, question string) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.jobDir(id), "questions.md"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open questions: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(question, "\n") + "\n"); err != nil {
		return fmt.Errorf("append question: %w", err)
	}
	return nil
}

// Questions returns the newline-delimited questions, empty when none.
func (s *Store) Questions(id string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "questions.md"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read questions: %w", err)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// AppendDecision appends to the decisions.json array (read-modify-write).
func (s *Store) AppendDecision(id string, d domain.Decision) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	path := filepath.Join(s.jobDir(id), "decisions.json")
	var decisions []domain.Decision
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &decisions); err != nil {
			return fmt.Errorf("parse decisions: %w", err)
		}
	}
	decisions = append(decisions, d)
	data, err := json.MarshalIndent(decisions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Decisions returns the decisions array, empty when the file is absent.
func (s *Store) Decisions(id string) ([]domain.Decision, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(id), "decisions.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	var out []domain.Decision
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse decisions: %w", err)
	}
	return out, nil
}

// SaveArtifact writes a file under the job's artifacts/ directory.
// Relative paths escaping artifacts/ are rejected.
func (s *Store) SaveArtifact(id, relPath string, data []byte) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	base := filepath.Join(s.jobDir(id), "artifacts")
	target := filepath.Join(base, filepath.Clean(relPath))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("artifact path %q escapes artifacts directory", relPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return os.WriteFile(target, data, 0o644)
}

// DeleteJob removes the job directory unconditionally. Callers enforce
// the running/failed rejection rule.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.Meta(id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.onCancel, id)
	s.mu.Unlock()
	return os.RemoveAll(s.jobDir(id))
}

// SetCancelCallback registers an abort callback invoked when the job is
// cancelled. Replaces any previous callback for the id.
func (s *Store) SetCancelCallback(id string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel[id] = fn
}

// Cancel transitions a job to cancelled and fires its abort callback.
// Idempotent on terminal jobs: the current status is returned unchanged
// and no callback fires.
func (s *Store) Cancel(id string) (domain.JobStatus, error) {
	meta, err := s.Meta(id)
	if err != nil {
		return "", err
	}
	if meta.Status.Terminal() && meta.Status != domain.JobFailed {
		return meta.Status, nil
	}
	if err := s.UpdateStatus(id, domain.JobCancelled, nil); err != nil {
		return "", err
	}
	s.mu.Lock()
	fn := s.onCancel[id]
	delete(s.onCancel, id)
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return domain.JobCancelled, nil
}

func (s *Store) writeMeta(id string, meta domain.JobMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	tmp := s.metaPath(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return os.Rename(tmp, s.metaPath(id))
}
