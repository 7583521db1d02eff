package app

import (
	"sync"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/bus"
	"github.com/guildhall/guild-hall/internal/mcp"
	"github.com/guildhall/guild-hall/internal/policy"
	"github.com/guildhall/guild-hall/internal/ports"
	"github.com/guildhall/guild-hall/internal/roster"
	"github.com/guildhall/guild-hall/internal/store"
	"github.com/guildhall/guild-hall/internal/tools/dispatch"
)

// Context is the server-wide dependency graph. Every component is a
// lazy singleton: first use builds it, concurrent callers share the one
// instance, and a construction error is sticky for later callers.
type Context struct {
	Paths  policy.Paths
	Config *policy.Config
	Logger *zap.SugaredLogger

	busOnce sync.Once
	bus     *bus.Bus

	rosterOnce sync.Once
	roster     *roster.Roster
	rosterErr  error

	portsOnce sync.Once
	ports     *ports.Registry

	lifecycleOnce sync.Once
	lifecycle     *mcp.Manager
	lifecycleErr  error

	storeOnce sync.Once
	store     *store.SessionStore
	storeErr  error

	sessionsOnce sync.Once
	sessions     *Manager
	sessionsErr  error
}

// NewContext builds an empty context; components materialize on use.
func NewContext(paths policy.Paths, cfg *policy.Config, logger *zap.SugaredLogger) *Context {
	return &Context{Paths: paths, Config: cfg, Logger: logger}
}

// Bus returns the shared event bus.
func (c *Context) Bus() *bus.Bus {
	c.busOnce.Do(func() {
		c.bus = bus.New(c.Logger)
	})
	return c.bus
}

// Ports returns the shared port registry.
func (c *Context) Ports() *ports.Registry {
	c.portsOnce.Do(func() {
		c.ports = ports.NewDefault()
	})
	return c.ports
}

// Roster returns the shared member roster, scanning the plugin tree on
// first use.
func (c *Context) Roster() (*roster.Roster, error) {
	c.rosterOnce.Do(func() {
		c.roster, c.rosterErr = roster.New(c.Paths.PluginsDir(), c.Logger)
	})
	return c.roster, c.rosterErr
}

// Lifecycle returns the shared plugin lifecycle manager.
func (c *Context) Lifecycle() (*mcp.Manager, error) {
	c.lifecycleOnce.Do(func() {
		r, err := c.Roster()
		if err != nil {
			c.lifecycleErr = err
			return
		}
		c.lifecycle = mcp.NewManager(c.Ports(), r, c.Paths.PIDDir(), c.Logger)
	})
	return c.lifecycle, c.lifecycleErr
}

// Store returns the shared session store.
func (c *Context) Store() (*store.SessionStore, error) {
	c.storeOnce.Do(func() {
		c.store, c.storeErr = store.NewSessionStore(c.Paths.SessionsDir())
	})
	return c.store, c.storeErr
}

// Sessions returns the shared agent session manager, wiring the
// composer and the agent querier on first use.
func (c *Context) Sessions() (*Manager, error) {
	c.sessionsOnce.Do(func() {
		st, err := c.Store()
		if err != nil {
			c.sessionsErr = err
			return
		}
		lm, err := c.Lifecycle()
		if err != nil {
			c.sessionsErr = err
			return
		}
		r, err := c.Roster()
		if err != nil {
			c.sessionsErr = err
			return
		}
		bridge := dispatch.NewBridge(lm.MemberURL, c.Logger)
		host := dispatch.NewHost(c.Logger)
		composer := NewComposer(lm, r, bridge, host, c.Logger)
		querier := agent.NewCLIQuerier(c.Config.Settings.AgentCommand, c.Logger)
		c.sessions = NewManager(st, c.Bus(), composer, querier, c.Logger)
	})
	return c.sessions, c.sessionsErr
}

// Shutdown tears down live subprocesses. Safe to call before any
// component was built.
func (c *Context) Shutdown() {
	if c.lifecycle != nil {
		c.lifecycle.Shutdown()
	}
}
