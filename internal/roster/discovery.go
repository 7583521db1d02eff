// Package roster discovers guild members: it scans a plugin directory
// tree for manifests and keeps the resulting member map fresh.
package roster

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
)

// ManifestFile is the per-plugin manifest name.
const ManifestFile = "guild-member.json"

// SafeName reports whether a directory name is acceptable as a member
// key. Path separators, dot-dot, whitespace, and non-ASCII bytes are
// all rejected.
func SafeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			return false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return false
		case r > 127:
			return false
		}
	}
	return true
}

// Discover scans root up to two levels deep for directories containing
// a manifest. The member key is the directory path relative to root
// (joined with "/" for nested members), never the manifest's own name.
// Invalid manifests yield members with status=error; a missing root
// yields an empty map.
func Discover(root string) (map[string]*domain.Member, error) {
	members := make(map[string]*domain.Member)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return members, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugin root: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !SafeName(e.Name()) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if m := tryLoad(e.Name(), dir); m != nil {
			members[m.Name] = m
			continue
		}
		// One more level down.
		subEntries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() || !SafeName(sub.Name()) {
				continue
			}
			name := e.Name() + "/" + sub.Name()
			if m := tryLoad(name, filepath.Join(dir, sub.Name())); m != nil {
				members[m.Name] = m
			}
		}
	}
	return members, nil
}

// tryLoad parses the manifest in dir. Returns nil when there is no
// manifest; a status=error member when the manifest is invalid.
func tryLoad(name, dir string) *domain.Member {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	member := &domain.Member{Name: name, Dir: dir, Status: domain.MemberDisconnected}

	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		member.Status = domain.MemberError
		member.LastError = fmt.Sprintf("invalid manifest: %v", err)
		return member
	}
	if err := validateManifest(manifest); err != nil {
		member.Status = domain.MemberError
		member.LastError = err.Error()
		return member
	}
	member.Manifest = manifest
	member.Status = domain.MemberAvailable
	return member
}

func validateManifest(m domain.Manifest) error {
	if m.DisplayName == "" {
		return fmt.Errorf("manifest missing displayName")
	}
	if m.Transport != domain.TransportHTTP && m.Transport != domain.TransportStdio {
		return fmt.Errorf("manifest transport %q not one of http, stdio", m.Transport)
	}
	if m.MCP.Command == "" {
		return fmt.Errorf("manifest missing mcp.command")
	}
	return nil
}

// Roster caches the discovered member map and serves snapshots to the
// rest of the server. Rescan replaces discovery state but preserves the
// runtime fields of members that still exist.
type Roster struct {
	root   string
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	members map[string]*domain.Member
}

// New scans root and returns the roster.
func New(root string, logger *zap.SugaredLogger) (*Roster, error) {
	members, err := Discover(root)
	if err != nil {
		return nil, err
	}
	return &Roster{root: root, logger: logger, members: members}, nil
}

// Rescan re-runs discovery, carrying over runtime state (status, port,
// tools) for members whose directory survived.
func (r *Roster) Rescan() error {
	fresh, err := Discover(r.root)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, m := range fresh {
		if old, ok := r.members[name]; ok && old.Status == domain.MemberConnected && m.Status == domain.MemberAvailable {
			m.Status = old.Status
			m.Port = old.Port
			m.Tools = old.Tools
		}
	}
	r.members = fresh
	r.logger.Infow("roster rescanned", "members", len(fresh))
	return nil
}

// Get returns a member by name, or nil.
func (r *Roster) Get(name string) *domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[name]
}

// Snapshot returns a copy of the member map.
func (r *Roster) Snapshot() map[string]domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]domain.Member, len(r.members))
	for name, m := range r.members {
		out[name] = *m
	}
	return out
}

// Update applies fn to a member under the roster lock. No-op for
// unknown names.
func (r *Roster) Update(name string, fn func(*domain.Member)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[name]; ok {
		fn(m)
	}
}
