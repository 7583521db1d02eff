package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// acquireSingleInstance enforces the one-daemon rule: a unix socket
// plus a PID file in the home directory. If both exist and the PID is
// live, another daemon owns the home and we must exit. Stale leftovers
// from a crashed run are cleaned.
func acquireSingleInstance(socketPath, pidFile string, logger *zap.SugaredLogger) (func(), error) {
	if pid, ok := readPIDFile(pidFile); ok && pidAlive(pid) {
		if _, err := os.Stat(socketPath); err == nil {
			return nil, fmt.Errorf("another instance is running (pid %d)", pid)
		}
	}
	// Stale socket from a crashed run.
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("claim socket %s: %w", socketPath, err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		ln.Close()
		os.Remove(socketPath)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	logger.Debugw("instance lock acquired", "socket", socketPath, "pid", os.Getpid())

	release := func() {
		ln.Close()
		os.Remove(socketPath)
		os.Remove(pidFile)
	}
	return release, nil
}

func readPIDFile(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
