// Package wsbridge publishes a socket session to scripting hosts over
// HTTP.
//
// Routes:
//
//	GET /events   WebSocket: session events out, commands in
//	GET /status   session state and metrics
//	GET /history  journaled events (when a journal is attached)
//
// Commands are JSON objects {"id": "...", "op": "...", "data": base64}
// where op is one of connect, cancel, close, reset, write or status.
// Every command gets an ack or nack reply carrying the same id.
package wsbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sockbridge/internal/events"
	"sockbridge/internal/metrics"
	"sockbridge/internal/session"
	"sockbridge/util"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 20 * time.Second
	shutdownWait = 5 * time.Second
	// maxCommand bounds one inbound command frame.
	maxCommand = 1 << 20
	// DefaultHistory is the /history page size.
	DefaultHistory = 50
)

// Session is the part of a socket session the bridge drives.
type Session interface {
	ID() string
	Connect()
	CancelConnect()
	Close()
	Reset()
	Write(p []byte) error
	Status() session.Status
}

// History serves journaled events.
type History interface {
	Recent(ctx context.Context, socket string, n int) ([]events.Event, error)
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
	Len() int
	Dropped() uint64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Bridge serves one session.
type Bridge struct {
	sess    Session
	bus     Subscriber
	metrics *metrics.Collector
	history History
	log     *util.Logger
	zl      *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a bridge.  m and history may be nil.
func New(sess Session, bus Subscriber, m *metrics.Collector, history History, logger *util.Logger) *Bridge {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	logger = logger.Named("bridge")
	return &Bridge{
		sess:    sess,
		bus:     bus,
		metrics: m,
		history: history,
		log:     logger,
		zl:      logger.Zap().With(zap.String("socket", sess.ID())),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the bridge routes.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", b.eventStream)
	mux.HandleFunc("GET /status", b.status)
	mux.HandleFunc("GET /history", b.listHistory)
	return withLogging(b.zl, mux)
}

// Serve listens on addr and blocks until ctx ends or the server fails.
func (b *Bridge) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	return b.ServeListener(ctx, ln)
}

// ServeListener serves on an existing listener.
func (b *Bridge) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	b.log.Info("bridge listening on %s", ln.Addr())

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		b.log.Verbose("shutting down bridge")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		b.closeClients()
		return srv.Shutdown(shutCtx)
	case err := <-srvErr:
		b.closeClients()
		return fmt.Errorf("bridge: serve: %w", err)
	}
}

// Clients returns the number of attached WebSocket clients.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) closeClients() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		c.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bridge shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// ── Status / history ─────────────────────────────────────────────────

// StatusReply is the /status body and the payload of a status ack.
type StatusReply struct {
	Session     session.Status   `json:"session"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Subscribers int              `json:"subscribers"`
	Dropped     uint64           `json:"dropped_events"`
}

func (b *Bridge) statusReply() StatusReply {
	return StatusReply{
		Session:     b.sess.Status(),
		Metrics:     b.metrics.Snapshot(),
		Subscribers: b.bus.Len(),
		Dropped:     b.bus.Dropped(),
	}
}

func (b *Bridge) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, b.statusReply())
}

func (b *Bridge) listHistory(w http.ResponseWriter, r *http.Request) {
	if b.history == nil {
		http.Error(w, "no journal configured", http.StatusNotFound)
		return
	}
	limit := DefaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be 1-1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := b.history.Recent(r.Context(), b.sess.ID(), limit)
	if err != nil {
		b.zl.Error("history query failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": evs, "count": len(evs)})
}

// ── Middleware ───────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("bridge: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
