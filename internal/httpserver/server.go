package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cahitcelebi/aeonanalytics-sub001/internal/config"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/geo"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/ingest"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/metrics"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/models"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/query"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/segment"
	"github.com/cahitcelebi/aeonanalytics-sub001/internal/storage"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Store      storage.Store
	Geo        geo.Resolver
	CountCache segment.CountCache
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Server wraps HTTP handlers and analytics services.
type Server struct {
	store    storage.Store
	engine   *query.Engine
	ingest   *ingest.Service
	segments *segment.Service
	logger   *zap.Logger
	config   *config.Config
	metrics  *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	ingestOpts := []ingest.Option{ingest.WithMetrics(deps.Metrics)}
	if deps.Geo != nil {
		ingestOpts = append(ingestOpts, ingest.WithGeo(deps.Geo))
	}
	segmentOpts := []segment.Option{segment.WithMetrics(deps.Metrics)}
	if deps.CountCache != nil {
		segmentOpts = append(segmentOpts, segment.WithCountCache(deps.CountCache))
	}

	s := &Server{
		store: deps.Store,
		engine: query.NewEngine(deps.Store, deps.Logger, deps.Metrics, query.Config{
			Timeout:      deps.Config.Query.Timeout,
			MaxParallel:  deps.Config.Query.MaxParallel,
			MaxRangeDays: deps.Config.Query.MaxRangeDays,
		}),
		ingest:   ingest.NewService(deps.Store, deps.Logger, ingestOpts...),
		segments: segment.NewService(deps.Store, deps.Logger, segmentOpts...),
		logger:   deps.Logger,
		config:   deps.Config,
		metrics:  deps.Metrics,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	if deps.Config.Metrics.Enabled && deps.Metrics != nil {
		mux.Handle(deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	// Query
	mux.HandleFunc("/v1/query", s.handleQuery)

	// Ingestion
	mux.HandleFunc("/v1/ingest/devices", s.handleDevices)
	mux.HandleFunc("/v1/ingest/sessions", s.handleSessions)
	mux.HandleFunc("/v1/ingest/sessions/close", s.handleSessionClose)
	mux.HandleFunc("/v1/ingest/events", s.handleEvents)
	mux.HandleFunc("/v1/ingest/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/ingest/progression", s.handleProgression)
	mux.HandleFunc("/v1/ingest/performance", s.handlePerformance)

	// Segments
	mux.HandleFunc("/v1/segments", s.handleSegments)
	mux.HandleFunc("/v1/segments/recompute", s.handleSegmentRecompute)
	mux.HandleFunc("/v1/segments/evaluate", s.handleSegmentEvaluate)

	return mux
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	s.jsonResponse(w, map[string]string{"status": "ok"})
}

// ---- Query ----

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req query.Request
	if !s.decode(w, r, &req) {
		return
	}

	resp, err := s.engine.Run(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, resp)
}

// ---- Ingestion ----

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var d models.Device
	if !s.decode(w, r, &d) {
		return
	}
	created, err := s.ingest.RegisterDevice(r.Context(), &d)
	if err != nil {
		s.writeError(w, err)
		return
	}
	d.IP = ""
	s.jsonStatus(w, createdStatus(created), map[string]any{"created": created, "device": d})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sess models.Session
	if !s.decode(w, r, &sess) {
		return
	}
	out, err := s.ingest.StartSession(r.Context(), &sess)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, out)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var c ingest.SessionClose
	if !s.decode(w, r, &c) {
		return
	}
	out, err := s.ingest.CloseSession(r.Context(), c.GameID, c.SessionID, c.EndTime)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, out)
}

// handleEvents accepts either a single event or an array of events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var events []*models.Event
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")) {
		if err := strictUnmarshal(body, &events); err != nil {
			s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var e models.Event
		if err := strictUnmarshal(body, &e); err != nil {
			s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		events = []*models.Event{&e}
	}

	n, err := s.ingest.RecordEvents(r.Context(), events)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, map[string]int{"accepted": n})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var t models.MonetizationTransaction
	if !s.decode(w, r, &t) {
		return
	}
	out, err := s.ingest.RecordTransaction(r.Context(), &t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, out)
}

func (s *Server) handleProgression(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var p models.ProgressionAttempt
	if !s.decode(w, r, &p) {
		return
	}
	out, err := s.ingest.RecordProgression(r.Context(), &p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonStatus(w, http.StatusCreated, out)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reading models.PerformanceReading
	if !s.decode(w, r, &reading) {
		return
	}
	out, err := s.ingest.RecordPerformance(r.Context(), &reading)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, out)
}

// ---- Segments ----

type segmentRequest struct {
	GameID   string          `json:"game_id"`
	Name     string          `json:"segment_name"`
	Criteria json.RawMessage `json:"criteria,omitempty"`
	Limit    int             `json:"limit,omitempty"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		gameID := q.Get("game_id")
		if gameID == "" {
			s.errorResponse(w, "game_id is required", http.StatusBadRequest)
			return
		}
		if name := q.Get("segment_name"); name != "" {
			seg, err := s.segments.Get(r.Context(), gameID, name)
			if err != nil {
				s.writeError(w, err)
				return
			}
			s.jsonResponse(w, seg)
			return
		}
		list, err := s.segments.List(r.Context(), gameID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if list == nil {
			list = []*models.PlayerSegment{}
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var req segmentRequest
		if !s.decode(w, r, &req) {
			return
		}
		seg, err := s.segments.Define(r.Context(), req.GameID, req.Name, req.Criteria)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.jsonResponse(w, seg)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSegmentRecompute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req segmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	count, err := s.segments.Recompute(r.Context(), req.GameID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, map[string]any{
		"game_id":      req.GameID,
		"segment_name": req.Name,
		"player_count": count,
	})
}

func (s *Server) handleSegmentEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req segmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	limit := s.config.Segment.PreviewLimit
	if req.Limit > 0 && req.Limit < limit {
		limit = req.Limit
	}
	res, err := s.segments.Preview(r.Context(), req.GameID, req.Criteria, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, res)
}

// ---- Helpers ----

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func strictUnmarshal(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.errorResponse(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		s.errorResponse(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// decode reads a size-limited JSON body into v and writes a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := strictUnmarshal(body, v); err != nil {
		s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *query.ValidationError
	switch {
	case errors.As(err, &ve):
		s.errorResponse(w, ve.Message, http.StatusBadRequest)
	case errors.Is(err, ingest.ErrInvalid), errors.Is(err, segment.ErrMalformedCriteria):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrDuplicate), errors.Is(err, storage.ErrSessionClosed):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, segment.ErrSegmentNotFound),
		errors.Is(err, segment.ErrUnknownGame):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, query.ErrStoreUnavailable):
		s.logger.Error("store unavailable", zap.Error(err))
		s.errorResponse(w, "store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	s.jsonStatus(w, http.StatusOK, data)
}

func (s *Server) jsonStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
