// Package server exposes a remote control HTTP API for a running player.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/cluster"
	"github.com/agleyzer/blackoutplayer/internal/controller"
	"github.com/agleyzer/blackoutplayer/internal/metrics"
	"github.com/agleyzer/blackoutplayer/internal/segment"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"github.com/go-chi/chi/v5"
)

// Player is the controller surface the server drives.
type Player interface {
	State() (controller.State, error)
	Segment(i int) (segment.Segment, bool)
	Seek(t float64) error
	ChooseFor(index int, d timeline.Decision) error
}

// ClusterInfo reports co-viewing replication status.
type ClusterInfo interface {
	NodeID() string
	State() string
	LeaderAddr() string
	Peers() []string
	Decisions() []cluster.DecisionRecord
	Clear(ctx context.Context) error
}

// Server serves the remote control API.
type Server struct {
	player     Player
	cluster    ClusterInfo
	metrics    *metrics.Metrics
	port       int
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithCluster exposes replication status on /cluster.
func WithCluster(c ClusterInfo) Option {
	return func(s *Server) { s.cluster = c }
}

// WithMetrics serves /metrics and counts requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a new HTTP server
func New(player Player, port int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		player: player,
		port:   port,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(metrics.RequestMiddleware(s.metrics))

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Post("/seek", s.handleSeek)
	r.Post("/choice", s.handleChoice)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.cluster != nil {
		r.Get("/cluster", s.handleCluster)
		r.Delete("/cluster/decisions", s.handleClearDecisions)
	}
	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

type segmentResponse struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Duration float64 `json:"duration"`
	Kind     string  `json:"kind"`
	URI      string  `json:"uri,omitempty"`
}

type stateResponse struct {
	Phase                string           `json:"phase"`
	Rendition            string           `json:"rendition"`
	Index                int              `json:"index"`
	Pending              *segmentResponse `json:"pending,omitempty"`
	FullscreenBeforeGate bool             `json:"fullscreenBeforeGate"`
	LastTime             float64          `json:"lastTime"`
	Attaching            bool             `json:"attaching"`
	Frozen               bool             `json:"frozen"`
	Segments             int              `json:"segments"`
	Total                float64          `json:"total"`
	Active               []int            `json:"active"`
}

type seekRequest struct {
	Time *float64 `json:"time"`
}

type choiceRequest struct {
	Decision string `json:"decision"`
	// Index pins the choice to one gate. Defaults to the gate pending
	// when the request arrives.
	Index *int `json:"index"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleHealth reports whether the controller is still driving playback.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st, err := s.player.State()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "closed"})
		return
	}

	status := "ok"
	if st.Frozen {
		status = "frozen"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"phase":  st.Phase.String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.player.State()
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := stateResponse{
		Phase:                st.Phase.String(),
		Rendition:            st.Rendition.String(),
		Index:                st.Index,
		FullscreenBeforeGate: st.FullscreenBeforeGate,
		LastTime:             st.LastTime,
		Attaching:            st.Attaching,
		Frozen:               st.Frozen,
		Segments:             st.Segments,
		Total:                st.Total,
		Active:               st.Active,
	}
	if resp.Active == nil {
		resp.Active = []int{}
	}
	if st.Phase == controller.AwaitingChoice {
		if seg, ok := s.player.Segment(st.Index); ok {
			resp.Pending = toSegmentResponse(seg)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Time == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"time\": seconds}"})
		return
	}
	t := *req.Time
	if t < 0 || math.IsNaN(t) || math.IsInf(t, 0) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "time must be a non-negative number"})
		return
	}

	if err := s.player.Seek(t); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Debug("remote seek", "time", t)
	writeJSON(w, http.StatusAccepted, map[string]any{"time": t})
}

func (s *Server) handleChoice(w http.ResponseWriter, r *http.Request) {
	var req choiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	d, err := timeline.ParseDecision(req.Decision)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	var index int
	if req.Index != nil {
		index = *req.Index
	} else {
		st, err := s.player.State()
		if err != nil {
			s.writeError(w, err)
			return
		}
		if st.Phase != controller.AwaitingChoice {
			writeJSON(w, http.StatusConflict, errorResponse{Error: controller.ErrNoPendingGate.Error()})
			return
		}
		index = st.Index
	}

	if err := s.player.ChooseFor(index, d); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("remote choice", "index", index, "decision", d)
	writeJSON(w, http.StatusAccepted, map[string]any{"index": index, "decision": d.String()})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	decisions := s.cluster.Decisions()
	out := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, map[string]any{
			"index":    d.Index,
			"decision": d.Decision.String(),
			"node":     d.Node,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node":      s.cluster.NodeID(),
		"state":     s.cluster.State(),
		"leader":    s.cluster.LeaderAddr(),
		"peers":     s.cluster.Peers(),
		"decisions": out,
	})
}

// handleClearDecisions drops the session's replicated decisions so a new
// viewing starts from an empty log. Gates already resolved on running
// players stay resolved.
func (s *Server) handleClearDecisions(w http.ResponseWriter, r *http.Request) {
	if err := s.cluster.Clear(r.Context()); err != nil {
		if errors.Is(err, cluster.ErrNotLeader) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":  err.Error(),
				"leader": s.cluster.LeaderAddr(),
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.logger.Info("cleared replicated decisions", "node", s.cluster.NodeID())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrFrozen), errors.Is(err, controller.ErrNoPendingGate):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func toSegmentResponse(seg segment.Segment) *segmentResponse {
	return &segmentResponse{
		Index:    seg.Index,
		Start:    seg.Start,
		End:      seg.End,
		Duration: seg.Duration,
		Kind:     seg.Kind.String(),
		URI:      seg.URI,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
