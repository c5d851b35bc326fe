package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/onair/internal/auth"
	"github.com/loykin/onair/internal/metrics"
	"github.com/loykin/onair/internal/relay"
)

// Relay is the part of the orchestrator exposed over HTTP.
type Relay interface {
	Status() relay.Status
	Restart() error
	RestartComponent(name string) error
}

// Router provides embeddable HTTP handlers for the relay.
// Endpoints:
//   GET  {basePath}/status               relay snapshot
//   POST {basePath}/restart              whole-service restart
//   POST {basePath}/restart/:component   input, output or fallback
//   GET  {basePath}/processes            latest CPU/memory samples
//   POST {basePath}/auth/login           bearer token (only with auth)
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	relay    Relay
	sampler  *metrics.ProcessSampler
	basePath string
	auth     *auth.Service
}

// NewRouter constructs a new Router. sampler may be nil.
func NewRouter(r Relay, sampler *metrics.ProcessSampler, basePath string) *Router {
	return &Router{relay: r, sampler: sampler, basePath: sanitizeBase(basePath)}
}

// WithAuth requires every endpoint to authenticate against svc. Reading
// needs the read permission, restarting the restart permission.
func (r *Router) WithAuth(svc *auth.Service) *Router {
	r.auth = svc
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.handleLogin)
	}
	mw := auth.NewMiddleware(r.auth)
	api := group.Group("", mw.GinAuth())
	read, restart := mw.GinRequirePermission(auth.ActionRead), mw.GinRequirePermission(auth.ActionRestart)
	api.GET("/status", read, r.handleStatus)
	api.POST("/restart", restart, r.handleRestart)
	api.POST("/restart/:component", restart, r.handleRestartComponent)
	api.GET("/processes", read, r.handleProcesses)
	return g
}

// NewServer listens on addr and serves the router in the background, over
// TLS when tlsCfg is set. The listen error, if any, is returned synchronously.
func NewServer(addr string, router *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// Shutdown stops srv, waiting at most timeout for open requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.relay.Status())
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.relay.Restart(); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleRestartComponent(c *gin.Context) {
	name := c.Param("component")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid component: allowed [A-Za-z0-9._-]"})
		return
	}
	if err := r.relay.RestartComponent(name); err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	if r.sampler == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process metrics disabled"})
		return
	}
	writeJSON(c, http.StatusOK, r.sampler.Latest())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnknownComponent):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, relay.ErrNotRestartable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
