package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loykin/tenantd/internal/gateway"
	"github.com/loykin/tenantd/internal/metrics"
	"github.com/loykin/tenantd/internal/ports"
	"github.com/loykin/tenantd/internal/registry"
	"github.com/loykin/tenantd/internal/supervisor"
	"github.com/loykin/tenantd/internal/workspace"
)

// Options configures the HTTP surface.
type Options struct {
	// AdminKey guards the /admin endpoints via the X-Admin-Key header.
	AdminKey string
	// DisableAuth switches the gateway from X-API-Key to X-Workspace routing.
	DisableAuth bool
	// Host is where workers listen, used for readiness polling.
	Host string
	// ReadyTimeout bounds the wait for a freshly started worker.
	ReadyTimeout time.Duration
	// RootPath is the external prefix this daemon is served under.
	RootPath string
}

// Router exposes the admin API and the catch-all gateway proxy.
type Router struct {
	reg      registry.Registry
	alloc    *ports.Allocator
	sup      *supervisor.Supervisor
	resolver *gateway.Resolver
	fwd      *gateway.Forwarder
	wiper    Wiper
	opts     Options
	log      *slog.Logger
}

// Wiper removes a workspace's on-disk data. Split out so tests can observe it.
type Wiper func(workspace string) error

func NewRouter(reg registry.Registry, alloc *ports.Allocator, sup *supervisor.Supervisor,
	resolver *gateway.Resolver, fwd *gateway.Forwarder, wiper Wiper, opts Options, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 15 * time.Second
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	opts.RootPath = sanitizeBase(opts.RootPath)
	return &Router{reg: reg, alloc: alloc, sup: sup, resolver: resolver, fwd: fwd, wiper: wiper, opts: opts, log: log}
}

// Handler returns the gin handler with admin routes registered first and the
// gateway proxy as the catch-all.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestID())

	g.GET("/healthz", r.handleHealthz)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	admin := g.Group("/admin", r.adminAuth)
	admin.POST("/workspaces", r.handleCreateWorkspace)
	admin.GET("/workspaces", r.handleListWorkspaces)
	admin.DELETE("/workspaces/:workspace", r.handleDeleteWorkspace)

	g.NoRoute(r.handleGateway)
	return g
}

// NewServer wraps the router in an http.Server with sane timeouts. Write
// timeout stays generous because proxied requests can legitimately run long.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "workers": r.sup.Running()})
}

// --- admin ---

func (r *Router) adminAuth(c *gin.Context) {
	if r.opts.AdminKey == "" || c.GetHeader("X-Admin-Key") != r.opts.AdminKey {
		writeJSON(c, http.StatusForbidden, errorResp{Error: "invalid admin key"})
		c.Abort()
		return
	}
	c.Next()
}

type createWorkspaceReq struct {
	Workspace string `json:"workspace"`
}

func (r *Router) handleCreateWorkspace(c *gin.Context) {
	var req createWorkspaceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	cfg, err := gateway.Provision(c.Request.Context(), r.reg, r.alloc, req.Workspace)
	switch {
	case err == nil:
	case errors.Is(err, workspace.ErrInvalidName):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	case errors.Is(err, registry.ErrDuplicateWorkspace):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "workspace already exists"})
		return
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if err := r.sup.Start(c.Request.Context(), cfg); err != nil {
		r.log.Error("failed to start created workspace", "workspace", cfg.Workspace, "error", err)
	}
	writeJSON(c, http.StatusOK, gin.H{
		"status":    "created",
		"workspace": cfg.Workspace,
		"api_key":   cfg.APIKey,
		"port":      cfg.Port,
	})
}

func (r *Router) handleListWorkspaces(c *gin.Context) {
	cfgs, err := r.reg.List(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	out := make([]gin.H, 0, len(cfgs))
	for _, cfg := range cfgs {
		_, running := r.sup.Lookup(cfg.Workspace)
		out = append(out, gin.H{
			"workspace": cfg.Workspace,
			"port":      cfg.Port,
			"api_key":   cfg.APIKey,
			"running":   running,
		})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleDeleteWorkspace(c *gin.Context) {
	name := c.Param("workspace")
	wipe := c.Query("wipe_data") == "true"

	if err := r.sup.Stop(c.Request.Context(), name); err != nil {
		r.log.Warn("stop during delete failed", "workspace", name, "error", err)
	}
	if err := r.reg.Delete(c.Request.Context(), name); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown workspace"})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if wipe && r.wiper != nil {
		if err := r.wiper(name); err != nil {
			r.log.Error("failed to wipe workspace data", "workspace", name, "error", err)
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "deleted"})
}

// --- gateway ---

// handleGateway is the NoRoute catch-all. Requests route by X-Workspace when
// auth is off and by X-API-Key otherwise, then stream through to the worker.
func (r *Router) handleGateway(c *gin.Context) {
	path := c.Request.URL.Path
	if strings.HasPrefix(path, "/admin/") || path == "/admin" {
		c.Status(http.StatusNotFound)
		return
	}

	var (
		res gateway.RoutingResult
		err error
	)
	if r.opts.DisableAuth {
		name := c.GetHeader("X-Workspace")
		if name == "" {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "missing X-Workspace header"})
			return
		}
		res, err = r.resolver.ByName(c.Request.Context(), name)
	} else {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "missing X-API-Key header"})
			return
		}
		res, err = r.resolver.ByKey(c.Request.Context(), key)
	}
	if err != nil {
		r.writeResolveError(c, err)
		return
	}

	if res.JustStarted {
		if err := gateway.WaitReady(c.Request.Context(), r.opts.Host, res.Config.Port, r.opts.ReadyTimeout); err != nil {
			r.log.Warn("worker not ready in time", "workspace", res.Config.Workspace, "error", err)
			writeJSON(c, http.StatusGatewayTimeout, errorResp{Error: "workspace took too long to start"})
			return
		}
	}

	r.fwd.Proxy(c.Writer, c.Request, res.Config, path)
}

func (r *Router) writeResolveError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workspace.ErrInvalidName):
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, gateway.ErrInvalidKey):
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
	case errors.Is(err, gateway.ErrUnknownWorkspace):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
	}
}
