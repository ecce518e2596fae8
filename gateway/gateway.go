// Package gateway serves the websocket surface subscribers attach to for
// live job progress. A socket is bound at handshake to one (tenant, job)
// pair; the tenant comes from the validated token, never from the client,
// so a connection cannot observe another tenant's events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tributary-io/tributary/auth"
	"github.com/tributary-io/tributary/metrics"
	"github.com/tributary-io/tributary/progress"
)

// Config holds the gateway settings.
type Config struct {
	Addr string
	// PingInterval is the server ping cadence; a client that misses
	// MissedPingLimit consecutive pongs is disconnected.
	PingInterval    time.Duration
	MissedPingLimit int
	WriteTimeout    time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		PingInterval:    30 * time.Second,
		MissedPingLimit: 3,
		WriteTimeout:    10 * time.Second,
	}
}

// Server upgrades subscriber connections and relays broker events.
type Server struct {
	cfg       Config
	validator auth.Validator
	broker    *progress.Broker
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	srv     *http.Server
	conns   map[*websocket.Conn]struct{}
	running bool
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New builds the gateway.
func New(cfg Config, validator auth.Validator, broker *progress.Broker, logger *slog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultConfig().PingInterval
	}
	if cfg.MissedPingLimit <= 0 {
		cfg.MissedPingLimit = DefaultConfig().MissedPingLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Server{
		cfg:       cfg,
		validator: validator,
		broker:    broker,
		upgrader:  websocket.Upgrader{},
		conns:     map[*websocket.Conn]struct{}{},
		logger:    logger.With("component", "gateway"),
	}
}

// Handler returns the gateway's HTTP surface for mounting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs/events", s.handleSubscribe)
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("gateway already running")
	}

	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening", "addr", s.cfg.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway serve", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down, closes every subscriber socket, and
// waits for their pumps to drain. Shutdown alone never returns while a
// hijacked websocket connection is open, so the sockets are closed
// explicitly.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	running := s.running
	s.running = false
	srv := s.srv
	s.mu.Unlock()

	if running {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// bearerToken accepts the token from the Authorization header or, for
// browser websocket clients that cannot set headers, a query parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ident, err := s.validator.ValidateToken(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Error("validate subscriber token", "error", err)
		http.Error(w, "auth service unavailable", http.StatusBadGateway)
		return
	}

	job := r.URL.Query().Get("job_name")
	if job == "" {
		http.Error(w, "job_name is required", http.StatusBadRequest)
		return
	}

	// Attach before completing the handshake so events published the
	// moment the client's dial returns are already flowing.
	sub := s.broker.Subscribe(ident.TenantID, job)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		sub.Close()
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	// Registering under the lock means Stop either sees this connection
	// in the registry or refuses it here; the pump goroutine is always
	// counted before Stop starts waiting.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.Subscribers.Inc()
	s.logger.Info("subscriber attached", "tenant_id", ident.TenantID, "job", job)

	go func() {
		defer s.wg.Done()
		s.serveConn(conn, sub, ident.TenantID, job)
	}()
}

// serveConn runs the write pump and a control-only read pump for one
// subscriber until either side drops.
func (s *Server) serveConn(conn *websocket.Conn, sub *progress.Subscription, tenantID int64, job string) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		sub.Close()
		conn.Close()
		metrics.Subscribers.Dec()
		s.logger.Info("subscriber detached", "tenant_id", tenantID, "job", job)
	}()

	pongWait := s.cfg.PingInterval * time.Duration(s.cfg.MissedPingLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The protocol is server-push only: any data frame from the client is
	// a violation. The read loop still runs to process control frames and
	// surface disconnects.
	readErr := make(chan error, 1)
	go func() {
		if _, _, err := conn.ReadMessage(); err != nil {
			readErr <- err
			return
		}
		readErr <- errors.New("client sent a data frame")
	}()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("write event", "tenant_id", tenantID, "job", job, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("subscriber read", "tenant_id", tenantID, "job", job, "error", err)
			}
			if err != nil && err.Error() == "client sent a data frame" {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscription is read-only")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
			}
			return
		}
	}
}

// Stats reports the broker's delivery counters, exposed for operational
// logging.
func (s *Server) Stats() string {
	published, dropped := s.broker.Stats()
	return fmt.Sprintf("published=%d dropped=%d", published, dropped)
}
