// Package mcp manages plugin subprocess lifecycles: spawning guild
// member servers on allocated ports, the MCP initialize handshake, tool
// invocation, crash tracking, and teardown.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// PIDRecord is the content of one <pidDir>/<flattened-name>.json file.
// It lets the next boot find children left over from a previous run.
type PIDRecord struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

func pidFilePath(pidDir, member string) string {
	return filepath.Join(pidDir, strings.ReplaceAll(member, "/", "--")+".json")
}

// WritePIDFile records a spawned child atomically (temp + rename).
func WritePIDFile(pidDir, member string, rec PIDRecord) error {
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pid record: %w", err)
	}
	path := pidFilePath(pidDir, member)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return os.Rename(tmp, path)
}

// RemovePIDFile deletes a member's pid file; missing files are fine.
func RemovePIDFile(pidDir, member string) {
	_ = os.Remove(pidFilePath(pidDir, member))
}

// BootCleanup terminates orphan children recorded by a previous run and
// removes every pid file. Dead PIDs are skipped silently.
func BootCleanup(pidDir string, logger *zap.SugaredLogger) {
	entries, err := os.ReadDir(pidDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(pidDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			_ = os.Remove(path)
			continue
		}
		var rec PIDRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.PID > 0 && pidAlive(rec.PID) {
			logger.Infow("terminating orphan plugin", "pid", rec.PID, "port", rec.Port, "file", e.Name())
			_ = syscall.Kill(rec.PID, syscall.SIGTERM)
		}
		_ = os.Remove(path)
	}
}

// pidAlive reports whether a process with the given pid exists.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
