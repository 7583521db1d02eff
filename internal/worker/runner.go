package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/jobs"
)

// AgentRunner executes dispatched jobs by spawning an agent subprocess
// per job with the task text as its prompt. Stdout becomes result.md on
// success; failures transition the job to failed with the exit reason.
type AgentRunner struct {
	store   *jobs.Store
	command string
	args    []string
	timeout time.Duration
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewAgentRunner builds a runner invoking command with args plus the
// task prompt appended. A zero timeout defaults to 30 minutes.
func NewAgentRunner(store *jobs.Store, command string, args []string, timeout time.Duration, logger *zap.SugaredLogger) *AgentRunner {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &AgentRunner{
		store:   store,
		command: command,
		args:    args,
		timeout: timeout,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// RunJob starts the job on its own goroutine and returns immediately.
func (r *AgentRunner) RunJob(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)

	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	// Cancellation through the store aborts the subprocess.
	r.store.SetCancelCallback(id, cancel)

	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		}()
		r.runOnce(ctx, id)
	}()
}

func (r *AgentRunner) runOnce(ctx context.Context, id string) {
	task, err := r.store.ReadTask(id)
	if err != nil {
		_ = r.store.SetError(id, fmt.Sprintf("read task: %v", err))
		return
	}

	args := append(append([]string(nil), r.args...), task)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = filepath.Join(r.store.Root(), id)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.logger.Infow("job started", "jobId", id, "command", r.command)
	err = cmd.Run()
	elapsed := time.Since(start).Round(time.Millisecond)

	// A cancel may have raced the exit; cancelled stays cancelled.
	if meta, merr := r.store.Meta(id); merr == nil && meta.Status == domain.JobCancelled {
		r.logger.Infow("job cancelled", "jobId", id, "elapsed", elapsed)
		return
	}

	if err != nil {
		reason := fmt.Sprintf("agent exited after %s: %v", elapsed, err)
		if ctx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("agent timed out after %s", r.timeout)
		}
		if msg := stderr.String(); msg != "" {
			reason += ": " + truncate(msg, 500)
		}
		r.logger.Warnw("job failed", "jobId", id, "reason", reason)
		_ = r.store.SetError(id, reason)
		return
	}

	if err := r.store.WriteResult(id, stdout.String()); err != nil {
		_ = r.store.SetError(id, fmt.Sprintf("write result: %v", err))
		return
	}
	if err := r.store.UpdateStatus(id, domain.JobCompleted, nil); err != nil {
		r.logger.Errorw("job completion write failed", "jobId", id, "error", err)
		return
	}
	r.logger.Infow("job completed", "jobId", id, "elapsed", elapsed)
}

// Abort cancels a running job's subprocess, if any.
func (r *AgentRunner) Abort(id string) {
	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
