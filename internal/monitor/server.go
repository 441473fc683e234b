// Package monitor serves the device's HTTP surface: health probes,
// Prometheus metrics, a small control API and live websocket streams of
// detections and Opus-encoded beam audio.
//
// Routes:
//
//	GET  /healthz, /readyz        probes
//	GET  /metrics                 Prometheus exposition
//	GET  /api/v1/status           direction, queue depths, detections
//	PUT  /api/v1/direction        {"direction": deg}, -1 resumes tracking
//	POST /api/v1/rearm            re-arm the keyword spotter
//	GET  /api/v1/detections       recent journalled detections
//	GET  /ws/events               JSON detection stream
//	GET  /ws/audio                Opus packets of beam 0
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/micarray/internal/events"
	"github.com/MrWong99/micarray/internal/health"
	"github.com/MrWong99/micarray/internal/observe"
	"github.com/MrWong99/micarray/pkg/audio"
	"github.com/MrWong99/micarray/pkg/pipeline"
)

// Pipeline is the control surface of a running orchestrator.
type Pipeline interface {
	Direction() int
	SetDirection(deg int) error
	Rearm()
	QueueDepths() []pipeline.QueueStat
}

// History returns journalled detections.
type History interface {
	Recent(ctx context.Context, deviceID string, limit int) ([]events.Event, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts the probes.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics sets the metrics used for middleware and client counts.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithHistory enables /api/v1/detections.
func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

// WithMetricsHandler replaces the default promhttp handler.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.promHandler = h } }

// WithDeviceID sets the device id reported by status and used for history.
func WithDeviceID(id string) Option { return func(s *Server) { s.deviceID = id } }

// Server is the monitor HTTP server.
type Server struct {
	p           Pipeline
	health      *health.Handler
	metrics     *observe.Metrics
	history     History
	promHandler http.Handler
	deviceID    string

	eventsHub *hub
	audioHub  *hub

	detections atomic.Int64
	lastEvent  atomic.Pointer[events.Event]

	audioMu sync.Mutex
	opus    *opusStream
	opusErr bool

	handler http.Handler
}

// New builds the server for p.
func New(p Pipeline, opts ...Option) *Server {
	s := &Server{
		p:           p,
		promHandler: promhttp.Handler(),
		eventsHub:   newHub(32),
		audioHub:    newHub(64),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", s.promHandler)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("PUT /api/v1/direction", s.handleDirection)
	mux.HandleFunc("POST /api/v1/rearm", s.handleRearm)
	mux.HandleFunc("GET /api/v1/detections", s.handleDetections)
	mux.HandleFunc("GET /ws/events", s.streamHandler(s.eventsHub, websocket.MessageText))
	mux.HandleFunc("GET /ws/audio", s.streamHandler(s.audioHub, websocket.MessageBinary))
	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("monitor listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Publish sends e to every /ws/events client. Server satisfies
// [events.Sink] so the dispatcher can drive it.
func (s *Server) Publish(_ context.Context, e events.Event) error {
	s.detections.Add(1)
	s.lastEvent.Store(&e)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.eventsHub.broadcast(b)
	return nil
}

func (s *Server) Name() string { return "monitor" }
func (s *Server) Close() error { return nil }

var _ events.Sink = (*Server)(nil)

// PushAudio streams beam 0 of d to /ws/audio clients. It is a no-op while
// nobody listens and must be called from a single goroutine.
func (s *Server) PushAudio(d pipeline.Detection) {
	if s.audioHub.len() == 0 || d.Channels < 1 {
		return
	}
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	if s.opusErr {
		return
	}
	if s.opus == nil {
		st, err := newOpusStream(d.SampleRate)
		if err != nil {
			slog.Warn("monitor: audio stream disabled", "err", err)
			s.opusErr = true
			return
		}
		s.opus = st
	}
	pkts, err := s.opus.push(audio.Channel(audio.Int16s(d.Data), d.Channels, 0))
	for _, p := range pkts {
		s.audioHub.broadcast(p)
	}
	if err != nil {
		slog.Warn("monitor: opus encode failed", "err", err)
	}
}

type statusResponse struct {
	DeviceID   string               `json:"device_id"`
	Direction  int                  `json:"direction"`
	Queues     []pipeline.QueueStat `json:"queues"`
	Detections int64                `json:"detections"`
	Last       *events.Event        `json:"last_detection,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		DeviceID:   s.deviceID,
		Direction:  s.p.Direction(),
		Queues:     s.p.QueueDepths(),
		Detections: s.detections.Load(),
		Last:       s.lastEvent.Load(),
	})
}

type directionRequest struct {
	Direction *int `json:"direction"`
}

func (s *Server) handleDirection(w http.ResponseWriter, r *http.Request) {
	var req directionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Direction == nil {
		http.Error(w, `body must be {"direction": <deg>}`, http.StatusBadRequest)
		return
	}
	if err := s.p.SetDirection(*req.Direction); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	slog.Info("monitor: direction set", "direction", *req.Direction)
	writeJSON(w, http.StatusOK, map[string]int{"direction": s.p.Direction()})
}

func (s *Server) handleRearm(w http.ResponseWriter, _ *http.Request) {
	s.p.Rearm()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "detection journal not configured", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be in [1, 1000]", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := s.history.Recent(r.Context(), s.deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) streamHandler(h *hub, typ websocket.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			slog.Warn("monitor: websocket accept failed", "path", r.URL.Path, "err", err)
			return
		}
		defer conn.CloseNow()

		ch := h.subscribe()
		defer h.unsubscribe(ch)
		s.metrics.MonitorClients.Add(r.Context(), 1)
		defer s.metrics.MonitorClients.Add(context.Background(), -1)

		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case msg := <-ch:
				wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Write(wctx, typ, msg)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
