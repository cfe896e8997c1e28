package agent

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server exposes bridge sessions over WebSockets.
// Each WebSocket connection to /session carries exactly one session, using the same byte stream as stdio mode
// in binary messages. Closing the connection is the disconnect signal, so the child is killed.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr  string
	tlsConfig   *tls.Config
	sessionOpts []Option

	registry   *prometheus.Registry
	metrics    *metrics
	httpServer *http.Server

	connsMut sync.Mutex
	conns    map[*websocket.Conn]struct{}

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	stopOnce sync.Once
	stopErr  error
}

type ServerOption func(s *Server)

func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithTLS makes the server require mTLS with cfg, see ServerTLSConfig.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

// WithSessionOptions sets the options for the bridge of every session.
func WithSessionOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

func NewServer(opts ...ServerOption) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		logger:     zap.NewNop().Sugar(),
		listenAddr: "127.0.0.1:8080",
		registry:   registry,
		metrics:    newMetrics(registry),
		conns:      map[*websocket.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.GET("/heartbeat", s.heartbeat)
	router.GET("/session", s.session)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	s.httpServer = &http.Server{Handler: router}

	return s
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	s.logger.Debugw("listening", "Addr", listener.Addr(), "TLS", s.tlsConfig != nil)

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting connections and closes every open session, which kills their children.
// Calling it more than once is harmless.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Server) stop() error {
	err := s.httpServer.Close()

	s.connsMut.Lock()
	conns := s.conns
	s.conns = map[*websocket.Conn]struct{}{}
	s.connsMut.Unlock()

	for c := range conns {
		c.Close(websocket.StatusGoingAway, "server stopping")
	}
	return err
}

func (s *Server) track(c *websocket.Conn) {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *websocket.Conn) bool {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	return ok
}

func (s *Server) session(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	log := s.logger.With("Session", uuid.New().String())

	opts := make([]Option, 0, len(s.sessionOpts)+2)
	opts = append(opts, s.sessionOpts...)
	opts = append(opts, WithLogger(log.Desugar()), withMetrics(s.metrics))
	bridge := New(opts...)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	// a single frame is a single message, so the limit must fit the largest frame
	wsConn.SetReadLimit(int64(bridge.maxFrameSize) + 4)
	s.track(wsConn)
	log.Debug("accepted WebSocket conn")

	conn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	outcome := bridge.Run(conn, conn)
	log.Debugw("session done", "Outcome", outcome.Kind, "Code", outcome.Code, "Error", outcome.Err)

	if s.untrack(wsConn) {
		if err := wsConn.Close(websocket.StatusNormalClosure, ""); err != nil {
			log.Debugf("error closing conn: %s", err)
		}
	}
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.heartbeatMut.Lock()
	lastHeartbeat := s.lastHeartbeat
	s.lastHeartbeat = time.Now()
	s.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
