package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/domain"
)

// CLIQuerier runs queries through the claude CLI in one-shot print
// mode with NDJSON streaming output. One subprocess per query.
type CLIQuerier struct {
	command string
	logger  *zap.SugaredLogger
}

// NewCLIQuerier builds a querier for the given agent command
// (normally "claude").
func NewCLIQuerier(command string, logger *zap.SugaredLogger) *CLIQuerier {
	return &CLIQuerier{command: command, logger: logger}
}

// Query spawns the agent subprocess and returns its message stream.
// Cancelling ctx kills the subprocess; the stream then yields
// ErrAborted.
func (q *CLIQuerier) Query(ctx context.Context, opts QueryOptions) (Stream, error) {
	args := []string{
		"-p", composePrompt(opts),
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if opts.AgentSessionID != "" {
		args = append(args, "--resume", opts.AgentSessionID)
	}

	var cfgPath string
	if len(opts.Servers) > 0 {
		path, err := writeMCPConfig(opts.Servers)
		if err != nil {
			return nil, err
		}
		cfgPath = path
		args = append(args, "--mcp-config", cfgPath)
	}

	cmd := exec.CommandContext(ctx, q.command, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = io.Discard

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeIfSet(cfgPath)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		removeIfSet(cfgPath)
		return nil, fmt.Errorf("start %s: %w", q.command, err)
	}
	q.logger.Infow("agent query started", "pid", cmd.Process.Pid, "servers", len(opts.Servers))

	s := &cliStream{
		cmd:     cmd,
		cfgPath: cfgPath,
		msgs:    make(chan Message, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

// composePrompt prepends the stored history so a fresh agent process
// sees prior turns. Resumed sessions carry their own history; priors
// are skipped then.
func composePrompt(opts QueryOptions) string {
	if opts.AgentSessionID != "" || len(opts.Priors) == 0 {
		return opts.Prompt
	}
	var b strings.Builder
	b.WriteString("Prior conversation:\n")
	for _, msg := range opts.Priors {
		if msg.Role != domain.RoleUser && msg.Role != domain.RoleAssistant {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\nCurrent request:\n")
	b.WriteString(opts.Prompt)
	return b.String()
}

// writeMCPConfig materializes the server map as the CLI's mcpServers
// JSON file.
func writeMCPConfig(servers map[string]ServerConfig) (string, error) {
	f, err := os.CreateTemp("", "guild-hall-mcp-*.json")
	if err != nil {
		return "", fmt.Errorf("create mcp config: %w", err)
	}
	cfg := map[string]any{"mcpServers": servers}
	if err := json.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeIfSet(path string) {
	if path != "" {
		_ = os.Remove(filepath.Clean(path))
	}
}

type cliStream struct {
	cmd     *exec.Cmd
	cfgPath string
	msgs    chan Message
	done    chan struct{}
	quit    chan struct{}
	err     error
}

func (s *cliStream) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Non-JSON chatter on stdout is skipped.
			continue
		}
		select {
		case s.msgs <- msg:
		case <-s.quit:
			// Consumer is gone; stop forwarding and reap the process.
			s.finish()
			return
		}
	}
	s.finish()
}

func (s *cliStream) finish() {
	s.err = s.cmd.Wait()
	removeIfSet(s.cfgPath)
	close(s.msgs)
	close(s.done)
}

func (s *cliStream) Next(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			if ctx.Err() != nil {
				return Message{}, ErrAborted
			}
			if s.err != nil {
				return Message{}, fmt.Errorf("agent exited: %w", s.err)
			}
			return Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ErrAborted
	}
}

func (s *cliStream) Close() error {
	close(s.quit)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}
