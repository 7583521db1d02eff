// Guild Hall daemon: the local session server that spawns guild member
// plugins, runs agent queries, and streams events to the UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guildhall/guild-hall/internal/app"
	"github.com/guildhall/guild-hall/internal/dashboard"
	"github.com/guildhall/guild-hall/internal/logging"
	"github.com/guildhall/guild-hall/internal/mcp"
	"github.com/guildhall/guild-hall/internal/policy"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v", "version":
			fmt.Println("guild-hall " + Version)
			return
		case "register":
			os.Exit(runRegister(os.Args[2:]))
		case "validate":
			os.Exit(runValidate())
		case "serve":
			// Fall through to the daemon.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q (expected serve, register, validate, version)\n", os.Args[1])
			os.Exit(2)
		}
	}
	os.Exit(serve())
}

func serve() int {
	home := policy.Home()
	paths := policy.NewPaths(home)
	if err := os.MkdirAll(home, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create home %s: %v\n", home, err)
		return 1
	}

	cfg, err := policy.Load(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logFile := cfg.Settings.LogFile
	if logFile == "" {
		logFile = paths.LogFile()
	}
	logger := logging.New(logFile, cfg.Settings.Debug)
	defer logger.Sync()

	release, err := acquireSingleInstance(paths.SocketPath(), paths.PIDFile(), logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer release()

	// Terminate plugin children orphaned by a previous run.
	mcp.BootCleanup(paths.PIDDir(), logger)

	ctx := app.NewContext(paths, cfg, logger)
	defer ctx.Shutdown()

	sessions, err := ctx.Sessions()
	if err != nil {
		logger.Errorw("session manager init failed", "error", err)
		return 1
	}
	st, _ := ctx.Store()
	r, err := ctx.Roster()
	if err != nil {
		logger.Errorw("roster init failed", "error", err)
		return 1
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if err := r.Watch(watchCtx); err != nil {
		logger.Warnw("plugin watcher unavailable", "error", err)
	}

	api := dashboard.New(st, sessions, ctx.Bus(), r, cfg, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Settings.HTTPPort),
		Handler: api.Router(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Infow("guild hall listening", "addr", srv.Addr, "home", home, "version", Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("http server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

// runRegister appends a project to the config after validating the
// path holds .git/ and .lore/.
func runRegister(args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: guild-hall register <name> <path>")
		return 2
	}
	home := policy.Home()
	cfg, err := policy.Load(home)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.AddProject(policy.Project{Name: args[0], Path: args[1]}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := policy.Save(home, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("registered %s -> %s\n", args[0], args[1])
	return 0
}

// runValidate checks every configured project path, reporting each
// issue before exiting nonzero.
func runValidate() int {
	cfg, err := policy.Load(policy.Home())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	failures := 0
	for _, p := range cfg.Projects {
		if err := policy.ValidateProjectPath(p.Path); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p.Name, err)
			failures++
		}
	}
	if failures > 0 {
		return 1
	}
	fmt.Printf("%d project(s) valid\n", len(cfg.Projects))
	return 0
}
