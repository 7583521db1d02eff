package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/agent"
	"github.com/guildhall/guild-hall/internal/mcp"
	"github.com/guildhall/guild-hall/internal/roster"
	"github.com/guildhall/guild-hall/internal/tools/dispatch"
)

// Composer is the production ToolComposer: it launches the session's
// plugins through the lifecycle manager and hosts a dispatch bridge
// next to each worker member.
type Composer struct {
	lifecycle *mcp.Manager
	roster    *roster.Roster
	bridge    *dispatch.Bridge
	host      *dispatch.Host
	logger    *zap.SugaredLogger
}

// NewComposer wires the composer.
func NewComposer(lm *mcp.Manager, r *roster.Roster, bridge *dispatch.Bridge, host *dispatch.Host, logger *zap.SugaredLogger) *Composer {
	return &Composer{lifecycle: lm, roster: r, bridge: bridge, host: host, logger: logger}
}

// Compose starts every member's subprocess and returns the agent's
// server map: each plugin's own endpoint, plus a hosted
// "<member>-dispatch" bridge for worker members. The bridge captures
// abort so cancelling a dispatched job aborts this query. The cleanup
// stops the hosted bridges; plugin subprocesses stay up for reuse.
func (c *Composer) Compose(ctx context.Context, members []string, abort func()) (map[string]agent.ServerConfig, func(), error) {
	servers := make(map[string]agent.ServerConfig, len(members))
	var stops []func()
	cleanup := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, name := range members {
		if _, err := c.lifecycle.EnsureStarted(ctx, name); err != nil {
			cleanup()
			return nil, nil, err
		}
		url, err := c.lifecycle.MemberURL(name)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		servers[name] = agent.ServerConfig{Type: "http", URL: url}

		member := c.roster.Get(name)
		if member == nil || !member.Manifest.Worker {
			continue
		}
		bridgeURL, stop, err := c.host.Serve(c.bridge.ServerFor(name, abort))
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		stops = append(stops, stop)
		servers[name+"-dispatch"] = agent.ServerConfig{Type: "http", URL: bridgeURL}
	}
	return servers, cleanup, nil
}
