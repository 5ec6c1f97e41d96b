package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/fcretry/internal/config"
	"github.com/copyleftdev/fcretry/internal/logging"
	"github.com/copyleftdev/fcretry/internal/metrics"
	"github.com/copyleftdev/fcretry/internal/optimization"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	errNotFound    = errors.New("optimization not found")
	errTooManyJobs = errors.New("too many running optimizations")
	errTerminal    = errors.New("optimization already finished")
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

const defaultMaxJobs = 4

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *metrics.Recorder

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map and every state in it
	running         int
	maxJobs         int
	wg              sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithMetrics records job runs with m.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		optimizations: make(map[string]*OptimizationState),
		maxJobs:       cfg.Jobs.MaxConcurrent,
	}
	if s.maxJobs < 1 {
		s.maxJobs = defaultMaxJobs
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type idParams struct {
	OptimizationID string `json:"optimization_id"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, codeParseError, "Parse error", nil, err)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, codeInvalidRequest, "Invalid Request", request.ID, nil)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "optimization.start":
		var params StartRequest
		if err = decodeParams(request.Params, &params); err == nil {
			result, err = s.handleOptimizeStart(params)
		}
	case "optimization.status":
		var params idParams
		if err = decodeParams(request.Params, &params); err == nil {
			result, err = s.handleOptimizationStatus(params.OptimizationID)
		}
	case "optimization.cancel":
		var params idParams
		if err = decodeParams(request.Params, &params); err == nil {
			err = s.handleOptimizationCancel(params.OptimizationID)
			result = map[string]string{"status": StatusCancelled}
		}
	default:
		s.respondWithError(w, codeMethodNotFound, "Method not found", request.ID, nil)
		return
	}

	if err != nil {
		code, message := codeServerError, "Server error"
		if errors.Is(err, optimization.ErrConfiguration) || errors.Is(err, errInvalidParams) {
			code, message = codeInvalidParams, "Invalid params"
		}
		s.respondWithError(w, code, message, request.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

var errInvalidParams = errors.New("invalid params")

// decodeParams accepts params either as an object or as a one-element
// array holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing required parameters", errInvalidParams)
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return fmt.Errorf("%w: missing required parameters", errInvalidParams)
		}
		raw = list[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: expected object: %v", errInvalidParams, err)
	}
	return nil
}

// handleOptimizeStart starts a new optimization job.
// Returns: {"optimization_id": "<uuid>", "status": "pending"}
func (s *Server) handleOptimizeStart(req StartRequest) (map[string]interface{}, error) {
	j, err := s.newJob(req)
	if err != nil {
		return nil, err
	}
	state, err := s.start(j)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"optimization_id": state.ID,
		"status":          StatusPending,
	}, nil
}

// handleOptimizationStatus returns the current status and results of an
// optimization job.
func (s *Server) handleOptimizationStatus(id string) (*statusResponse, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: optimization_id is required", errInvalidParams)
	}

	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, errNotFound
	}
	return newStatusResponse(state), nil
}

// handleOptimizationCancel cancels a running optimization job.
func (s *Server) handleOptimizationCancel(id string) error {
	if id == "" {
		return fmt.Errorf("%w: optimization_id is required", errInvalidParams)
	}

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return errNotFound
	}

	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return fmt.Errorf("%w: cannot cancel optimization with status: %s", errTerminal, state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}

	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}, err error) {
	fields := map[string]interface{}{
		"status":  code,
		"message": message,
	}
	rpcErr := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if err != nil {
		fields["error"] = err
		rpcErr["data"] = err.Error()
	}
	s.logger.Warn("Request error", fields)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   rpcErr,
		"id":      id,
	})
}

// Close cancels every running optimization and waits for them to stop.
func (s *Server) Close() error {
	s.optimizationsMu.Lock()
	for _, opt := range s.optimizations {
		if opt.CancelFunc != nil {
			opt.CancelFunc()
		}
	}
	s.optimizationsMu.Unlock()

	s.wg.Wait()
	return nil
}

// handleOptimize handles POST /api/v1/optimize.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	result, err := s.handleOptimizeStart(req)
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles GET /api/v1/status/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.handleOptimizationStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/optimization/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.handleOptimizationCancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, errTerminal):
		return http.StatusConflict
	case errors.Is(err, errInvalidParams), errors.Is(err, optimization.ErrConfiguration):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
	})
}
