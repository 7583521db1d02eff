// Package dashboard is the HTTP surface the UI talks to: session CRUD,
// message submission, stop, and the per-session SSE event stream.
package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guildhall/guild-hall/internal/app"
	"github.com/guildhall/guild-hall/internal/bus"
	"github.com/guildhall/guild-hall/internal/domain"
	"github.com/guildhall/guild-hall/internal/policy"
	"github.com/guildhall/guild-hall/internal/roster"
	"github.com/guildhall/guild-hall/internal/store"
)

// API bundles the handlers' dependencies.
type API struct {
	store    *store.SessionStore
	sessions *app.Manager
	bus      *bus.Bus
	roster   *roster.Roster
	cfg      *policy.Config
	logger   *zap.SugaredLogger
}

// New builds the API.
func New(st *store.SessionStore, sessions *app.Manager, b *bus.Bus, r *roster.Roster, cfg *policy.Config, logger *zap.SugaredLogger) *API {
	return &API{store: st, sessions: sessions, bus: b, roster: r, cfg: cfg, logger: logger}
}

// Router builds the gin engine with every route mounted.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/sessions", a.listSessions)
		api.POST("/sessions", a.createSession)
		api.GET("/sessions/:id", a.getSession)
		api.DELETE("/sessions/:id", a.deleteSession)
		api.POST("/sessions/:id/messages", a.postMessage)
		api.POST("/sessions/:id/stop", a.stopSession)
		api.GET("/sessions/:id/events", a.streamEvents)

		api.GET("/guild", a.listGuild)
		api.GET("/projects", a.listProjects)
	}
	return r
}

func (a *API) listSessions(c *gin.Context) {
	metas, err := a.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if metas == nil {
		metas = []domain.SessionMeta{}
	}
	c.JSON(http.StatusOK, metas)
}

type createSessionRequest struct {
	Name         string   `json:"name"`
	GuildMembers []string `json:"guildMembers"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	meta, err := a.store.Create(req.Name, req.GuildMembers)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, meta)
}

func (a *API) getSession(c *gin.Context) {
	sess, err := a.store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if sess.Messages == nil {
		sess.Messages = []domain.StoredMessage{}
	}
	c.JSON(http.StatusOK, sess)
}

func (a *API) deleteSession(c *gin.Context) {
	if err := a.store.Delete(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (a *API) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	id := c.Param("id")
	err := a.sessions.RunQuery(c.Request.Context(), id, req.Content)
	switch err {
	case nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case app.ErrSessionNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case app.ErrAlreadyRunning:
		c.JSON(http.StatusConflict, gin.H{"error": "query already running"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (a *API) stopSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := a.store.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := a.sessions.StopQuery(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no query running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
}

// streamEvents is the SSE endpoint. With no running query it emits one
// status_change carrying the current status and closes. Otherwise it
// forwards the session topic in order until done, then closes.
// Unsubscribe runs on both done and client disconnect.
func (a *API) streamEvents(c *gin.Context) {
	id := c.Param("id")
	sess, err := a.store.Get(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before deciding whether a query is running, so a query
	// finishing in between cannot strand the stream. Buffered so the
	// synchronous bus never blocks on a slow client; the gone channel
	// breaks the send when the client went away.
	events := make(chan domain.Event, 256)
	gone := make(chan struct{})
	unsub := a.bus.Subscribe(id, func(ev domain.Event) {
		select {
		case events <- ev:
		case <-gone:
		}
	})
	defer unsub()
	defer close(gone)

	queryDone := a.sessions.QueryDone(id)
	if queryDone == nil {
		// Re-read: the status may have changed since the lookup above.
		if cur, err := a.store.Get(id); err == nil && cur != nil {
			sess = cur
		}
		writeSSE(c.Writer, domain.StatusChangeEvent(sess.Meta.Status))
		return
	}

	writeSSE(c.Writer, domain.StatusChangeEvent(domain.StatusRunning))

	clientGone := c.Request.Context().Done()
	for {
		select {
		case ev := <-events:
			writeSSE(c.Writer, ev)
			if ev.Type == domain.EventDone {
				return
			}
		case <-queryDone:
			// Every event was published before queryDone closed; drain
			// what the subscription caught, then close the stream.
			for {
				select {
				case ev := <-events:
					writeSSE(c.Writer, ev)
					if ev.Type == domain.EventDone {
						return
					}
				default:
					writeSSE(c.Writer, domain.DoneEvent())
					return
				}
			}
		case <-clientGone:
			return
		}
	}
}

func writeSSE(w gin.ResponseWriter, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	w.Flush()
}

func (a *API) listGuild(c *gin.Context) {
	c.JSON(http.StatusOK, a.roster.Snapshot())
}

func (a *API) listProjects(c *gin.Context) {
	projects := a.cfg.Projects
	if projects == nil {
		projects = []policy.Project{}
	}
	c.JSON(http.StatusOK, projects)
}
