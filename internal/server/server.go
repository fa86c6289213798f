// Package server exposes the HTTP surface: the WebSocket endpoint, health
// and readiness probes, Prometheus metrics, and a connection stats view.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finvex/tradestream/common/errors"
	"github.com/finvex/tradestream/internal/auth"
	"github.com/finvex/tradestream/internal/config"
	"github.com/finvex/tradestream/internal/router"
	"github.com/finvex/tradestream/internal/ws"
)

// HealthReporter reports whether the upstream event bus link is live.
type HealthReporter interface {
	Healthy() bool
}

// Server is the HTTP server hosting the streaming endpoint.
type Server struct {
	cfg      config.ServerConfig
	hub      *ws.Hub
	bridge   *auth.Bridge
	routes   *router.Router
	health   HealthReporter
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a Server wired to the hub, auth bridge, and router.
func New(cfg config.ServerConfig, hub *ws.Hub, bridge *auth.Bridge, routes *router.Router, health HealthReporter, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		hub:    hub,
		bridge: bridge,
		routes: routes,
		health: health,
		logger: logger.Named("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	engine.Use(ginzap.RecoveryWithZap(s.logger, true))
	engine.Use(cors.Default())

	engine.GET("/ws", s.handleWS)
	engine.GET("/ws/stats", s.handleStats)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return engine
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// connections within the configured shutdown timeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// maxPendingFrames bounds control frames buffered while verification is
// still in flight.
const maxPendingFrames = 16

// handleWS upgrades the connection, starts the pumps, and verifies the
// token off the network goroutine; a transport close during verification
// cancels it through the client's done signal. Auth failures close the
// socket with a typed close code after the upgrade so the client sees the
// reason. Control frames arriving before verification completes are
// buffered and replayed once the identity is known.
func (s *Server) handleWS(c *gin.Context) {
	token := c.Query("token")

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := s.hub.NewClient(conn, uuid.NewString(), s.cfg.ClientQueueSize)

	var (
		mu      sync.Mutex
		ident   *auth.Identity
		pending []ws.ControlFrame
	)
	client.Run(func(cl *ws.Client, frame ws.ControlFrame) {
		mu.Lock()
		if ident == nil {
			if len(pending) < maxPendingFrames {
				pending = append(pending, frame)
			}
			mu.Unlock()
			return
		}
		id := ident
		mu.Unlock()
		s.dispatch(cl, id, frame)
	})

	vctx, cancel := context.WithCancel(c.Request.Context())
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-vctx.Done():
		}
	}()
	verified, err := s.bridge.Verify(vctx, token)
	cancel()
	if err != nil {
		var af *errors.AuthFailure
		if errors.As(err, &af) {
			client.CloseWithCode(af.CloseCode, string(af.Reason))
		} else {
			client.CloseWithCode(errors.CloseAuthFailure, "verification unavailable")
		}
		return
	}

	mu.Lock()
	ident = verified
	queued := pending
	pending = nil
	mu.Unlock()

	if accountID := c.Query("account_id"); accountID != "" {
		if !s.subscribeAtHandshake(client, verified, accountID) {
			return
		}
	}
	for _, frame := range queued {
		s.dispatch(client, verified, frame)
	}
}

func (s *Server) dispatch(client *ws.Client, ident *auth.Identity, frame ws.ControlFrame) {
	switch frame.Action {
	case "subscribe":
		s.subscribeLive(client, ident, frame.AccountID)
	case "unsubscribe":
		s.routes.Unsubscribe(client, frame.AccountID)
	default:
		s.logger.Debug("unknown control action",
			zap.String("client_id", client.ID),
			zap.String("action", frame.Action))
	}
}

// subscribeAtHandshake joins the account requested in the connection query
// string. A refusal here closes the connection with the matching close
// code, mirroring connect-time semantics. Returns false when closed.
func (s *Server) subscribeAtHandshake(client *ws.Client, ident *auth.Identity, accountID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.routes.Subscribe(ctx, client, accountID, ident); err != nil {
		if errors.IsAuthorization(err) {
			client.CloseWithCode(errors.CloseNotEntitled, "not entitled to account")
		} else {
			client.CloseWithCode(errors.CloseUnknownAccount, "account lookup failed")
		}
		return false
	}
	return true
}

// subscribeLive handles a mid-session subscribe request. A refusal sends an
// error frame and leaves the connection and its other memberships intact.
func (s *Server) subscribeLive(client *ws.Client, ident *auth.Identity, accountID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.routes.Subscribe(ctx, client, accountID, ident)
	if err == nil {
		return
	}
	reason := "account_unavailable"
	if errors.IsAuthorization(err) {
		reason = "not_entitled"
	}
	payload, merr := json.Marshal(map[string]string{
		"type":       "error",
		"reason":     reason,
		"account_id": accountID,
	})
	if merr == nil {
		client.Send(payload)
	}
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.hub.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"connections": stats.Connections,
		"groups":      stats.Groups,
		"clients":     s.hub.ConnectionList(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil && !s.health.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "bus": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
