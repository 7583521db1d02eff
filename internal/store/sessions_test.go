package store

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guildhall/guild-hall/internal/domain"
)

func newStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Plan the Quest", "plan-the-quest"},
		{"  spaces  ", "spaces"},
		{"MiXeD CaSe-42", "mixed-case-42"},
		{"???", "session"},
		{"a__b", "a-b"},
	}
	for _, tc := range tests {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCreateIDFormat(t *testing.T) {
	s := newStore(t)
	meta, err := s.Create("War Council", []string{"scribe"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	datePrefix := time.Now().UTC().Format("2006-01-02")
	if !strings.HasPrefix(meta.ID, datePrefix+"-war-council") {
		t.Errorf("id = %q, want date-prefixed slug", meta.ID)
	}
	if meta.Status != domain.StatusIdle {
		t.Errorf("status = %s, want idle", meta.Status)
	}
	if meta.MessageCount != 0 {
		t.Errorf("messageCount = %d, want 0", meta.MessageCount)
	}
	if meta.LastActivityAt.Before(meta.CreatedAt) {
		t.Error("lastActivityAt < createdAt")
	}
}

func TestCreateCollisionSuffix(t *testing.T) {
	s := newStore(t)
	m1, _ := s.Create("same", nil)
	m2, err := s.Create("same", nil)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if m1.ID == m2.ID {
		t.Errorf("duplicate id %q", m1.ID)
	}
	if !strings.HasSuffix(m2.ID, "-2") {
		t.Errorf("second id = %q, want -2 suffix", m2.ID)
	}
}

func TestAppendMessageCountInvariant(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("counting", nil)

	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(meta.ID, domain.StoredMessage{Role: domain.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	sess, err := s.Get(meta.ID)
	if err != nil || sess == nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Meta.MessageCount != len(sess.Messages) {
		t.Errorf("messageCount %d != |messages| %d", sess.Meta.MessageCount, len(sess.Messages))
	}
	if len(sess.Messages) != 5 {
		t.Errorf("messages = %d, want 5", len(sess.Messages))
	}
	if sess.Meta.LastActivityAt.Before(sess.Meta.CreatedAt) {
		t.Error("lastActivityAt < createdAt after append")
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s := newStore(t)
	sess, err := s.Get("2026-01-01-ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess != nil {
		t.Errorf("unknown session = %+v, want nil", sess)
	}
}

func TestUpdateMetadataPartial(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("patchable", nil)

	running := domain.StatusRunning
	updated, err := s.UpdateMetadata(meta.ID, MetaPatch{Status: &running})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.StatusRunning {
		t.Errorf("status = %s", updated.Status)
	}
	// id and createdAt are immutable by construction.
	if updated.ID != meta.ID || !updated.CreatedAt.Equal(meta.CreatedAt) {
		t.Error("patch modified id or createdAt")
	}
	if updated.Name != "patchable" {
		t.Error("patch clobbered untouched field")
	}
}

func TestListSortedByActivity(t *testing.T) {
	s := newStore(t)
	m1, _ := s.Create("older", nil)
	m2, _ := s.Create("newer", nil)

	past := time.Now().UTC().Add(-time.Hour)
	if _, err := s.UpdateMetadata(m1.ID, MetaPatch{LastActivityAt: &past}); err != nil {
		t.Fatal(err)
	}
	list, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list len = %d", len(list))
	}
	if list[0].ID != m2.ID {
		t.Errorf("most recently active not first: %v", []string{list[0].ID, list[1].ID})
	}
}

func TestDelete(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("doomed", nil)
	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if sess, _ := s.Get(meta.ID); sess != nil {
		t.Error("session survived delete")
	}
	if err := s.Delete("unknown-id"); err == nil {
		t.Error("delete of unknown id succeeded")
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	s := newStore(t)
	meta, _ := s.Create("parallel", nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendMessage(meta.ID, domain.StoredMessage{Role: domain.RoleAssistant, Content: "x"})
		}()
	}
	wg.Wait()

	sess, err := s.Get(meta.ID)
	if err != nil || sess == nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Meta.MessageCount != 20 || len(sess.Messages) != 20 {
		t.Errorf("count=%d len=%d, want 20/20", sess.Meta.MessageCount, len(sess.Messages))
	}
}
