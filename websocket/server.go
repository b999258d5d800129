// Package websocket serves operator sessions over WebSocket and exposes the device list,
// the canonical configuration and Prometheus metrics over HTTP.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"daq-gateway/common"
	"daq-gateway/gateway"
)

// Config is the HTTP/WebSocket listener configuration.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	Path         string        `mapstructure:"path"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Addr:         ":5000",
		Path:         "/ws",
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Backend is the gateway surface the server drives.
type Backend interface {
	Devices() ([]common.DeviceTitle, error)
	Config() common.MetricMapping
	HandleCommand(sessionID string, req gateway.CommandRequest)
	UpdateConfig(sessionID string, update common.ConfigUpdate)
	LoadConfigFile(sessionID, path string)
}

// Envelope is a named message in either direction.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type loadConfigRequest struct {
	Path string `json:"path"`
}

type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Once
}

// Server is the WebSocket event sink and command ingress.
type Server struct {
	config   Config
	backend  Backend
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*session

	clients  prometheus.Gauge
	messages *prometheus.CounterVec

	httpServer *http.Server
	wg         sync.WaitGroup
	shutdown   chan struct{}
	stopOnce   sync.Once
}

var _ gateway.Sink = (*Server)(nil)

// NewServer builds a server. reg, when non-nil, receives the server's collectors and is
// served on /metrics.
func NewServer(config Config, backend Backend, reg *prometheus.Registry, logger zerolog.Logger) *Server {
	var registerer prometheus.Registerer
	var gatherer prometheus.Gatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Server{
		config:   config,
		backend:  backend,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:   logger,
		sessions: make(map[string]*session),
		clients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "daqgw",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Connected WebSocket sessions.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqgw",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "WebSocket messages by direction.",
		}, []string{"direction"}),
		shutdown: make(chan struct{}),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Str("path", s.config.Path).Msg("WebSocket server started")
	return nil
}

// Stop closes every session and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}

		s.sessionsMu.Lock()
		sessions := make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.sessionsMu.Unlock()

		for _, sess := range sessions {
			s.closeSession(sess)
		}

		s.wg.Wait()
		s.logger.Info().Msg("WebSocket server stopped")
	})
	return err
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := s.backend.Devices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, devices)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.backend.Config())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn}

	devices, err := s.backend.Devices()
	if err != nil {
		devices = []common.DeviceTitle{}
	}
	if err := s.send(sess, Envelope{Event: "devices", Data: devices}); err != nil {
		_ = conn.Close()
		return
	}

	s.sessionsMu.Lock()
	select {
	case <-s.shutdown:
		s.sessionsMu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.wg.Add(2)
	s.sessionsMu.Unlock()
	s.clients.Set(float64(count))

	s.logger.Info().Str("session", sess.id).Str("remote", r.RemoteAddr).Msg("Session connected")

	go s.readLoop(sess)
	go s.pingLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.wg.Done()
	defer s.closeSession(sess)

	sess.conn.SetReadLimit(1 << 20)
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(s.readDeadline())
	})

	for {
		_ = sess.conn.SetReadDeadline(s.readDeadline())

		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session", sess.id).Msg("Session read failed")
			}
			return
		}
		s.messages.WithLabelValues("in").Inc()

		s.dispatch(sess.id, data)
	}
}

func (s *Server) readDeadline() time.Time {
	if s.config.ReadTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.config.ReadTimeout)
}

func (s *Server) pingLoop(sess *session) {
	defer s.wg.Done()

	if s.config.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if !s.hasSession(sess.id) {
				return
			}
			sess.writeMu.Lock()
			if s.config.WriteTimeout > 0 {
				_ = sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			}
			err := sess.conn.WriteMessage(websocket.PingMessage, nil)
			sess.writeMu.Unlock()
			if err != nil {
				s.closeSession(sess)
				return
			}
		}
	}
}

// dispatch routes one inbound message to the backend.
func (s *Server) dispatch(sessionID string, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(sessionID, fmt.Sprintf("invalid message: %v", err))
		return
	}

	switch msg.Event {
	case "send_command":
		var req gateway.CommandRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(sessionID, fmt.Sprintf("invalid send_command: %v", err))
			return
		}
		s.backend.HandleCommand(sessionID, req)
	case "update_config":
		var update common.ConfigUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			s.replyError(sessionID, fmt.Sprintf("invalid update_config: %v", err))
			return
		}
		s.backend.UpdateConfig(sessionID, update)
	case "load_config_file":
		var req loadConfigRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyError(sessionID, fmt.Sprintf("invalid load_config_file: %v", err))
			return
		}
		s.backend.LoadConfigFile(sessionID, req.Path)
	default:
		s.replyError(sessionID, fmt.Sprintf("unknown event %q", msg.Event))
	}
}

func (s *Server) replyError(sessionID, message string) {
	_ = s.Publish(common.ErrorEvent(common.ServerDevice, message, time.Now()), common.Session(sessionID))
}

func (s *Server) hasSession(id string) bool {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Publish sends ev to every session, or to one session this server owns. Events for
// unknown sessions are dropped.
func (s *Server) Publish(ev common.Event, to common.Target) error {
	env := Envelope{Event: ev.Name(), Data: ev}

	s.sessionsMu.RLock()
	var targets []*session
	if to.IsBroadcast() {
		targets = make([]*session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			targets = append(targets, sess)
		}
	} else if sess, ok := s.sessions[to.Session]; ok {
		targets = []*session{sess}
	}
	s.sessionsMu.RUnlock()

	var errs []error
	for _, sess := range targets {
		if err := s.send(sess, env); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.id, err))
			s.closeSession(sess)
		}
	}

	return errors.Join(errs...)
}

func (s *Server) send(sess *session, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if s.config.WriteTimeout > 0 {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.messages.WithLabelValues("out").Inc()

	return nil
}

func (s *Server) closeSession(sess *session) {
	sess.closeMu.Do(func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sess.id)
		count := len(s.sessions)
		s.sessionsMu.Unlock()
		s.clients.Set(float64(count))

		_ = sess.conn.Close()
		s.logger.Info().Str("session", sess.id).Msg("Session disconnected")
	})
}
