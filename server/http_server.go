package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"MealLens/internal/config"
	"MealLens/internal/extract"
	"MealLens/internal/history"
	imgproc "MealLens/internal/image"
	"MealLens/internal/logging"
	"MealLens/internal/pipeline"
)

const (
	msgInvalidJSON   = "Invalid JSON payload"
	msgImageRequired = "Either image_path or image_base64 required"
	msgImageNotFound = "Image not found: "

	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
	promptPreview       = 160
)

// Analyzer runs one analysis; *pipeline.Pipeline satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) extract.Result
}

// Readiness reports whether the model is loaded.
type Readiness interface {
	Loaded() bool
}

// HistoryReader lists stored analyses.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// AnalyzeRequest is the documented body of POST /analyze.
type AnalyzeRequest struct {
	ImagePath   string `json:"image_path,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// errorResponse is the failure body for front-end validation errors.
type errorResponse struct {
	Error    string `json:"error"`
	Fallback bool   `json:"fallback"`
}

// HTTPServer serves the analysis API.
type HTTPServer struct {
	cfg      config.ServerConfig
	analyzer Analyzer
	ready    Readiness
	history  HistoryReader

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// NewHTTPServer creates a server. hist may be nil, in which case
// /analyses is not routed.
func NewHTTPServer(cfg config.ServerConfig, analyzer Analyzer, ready Readiness, hist HistoryReader) *HTTPServer {
	return &HTTPServer{
		cfg:       cfg,
		analyzer:  analyzer,
		ready:     ready,
		history:   hist,
		startTime: time.Now(),
	}
}

// Handler builds the router.
func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(allowAnyOrigin)
	r.Use(recoverJSON)
	r.Use(debugLog)

	r.NotFound(emptyNotFound)
	r.MethodNotAllowed(emptyNotFound)

	r.Get("/health", s.handleHealth)
	r.Post("/analyze", s.handleAnalyze)
	if s.history != nil {
		r.Get("/analyses", s.handleAnalyses)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *HTTPServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server: already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.Address(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		log.Printf("server: listening on http://%s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *HTTPServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	if err != nil {
		return fmt.Errorf("server: failed to shutdown HTTP server: %w", err)
	}
	log.Printf("server: stopped after %s", time.Since(s.startTime).Round(time.Second))
	return nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := s.ready != nil && s.ready.Loaded()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", ModelLoaded: loaded})
}

func (s *HTTPServer) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
				Error:    fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				Fallback: true,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Fallback: true})
		return
	}

	req, err := parseAnalyzeRequest(body)
	if err != nil {
		log.Printf("server: invalid JSON payload: %v - raw: %s", err, extract.Truncate(string(body), extract.RawResponseLimit))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgInvalidJSON, Fallback: true})
		return
	}
	logRequest(req)

	var image []byte
	switch {
	case req.ImageBase64 != "":
		image, err = imgproc.DecodeBase64(req.ImageBase64)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Fallback: true})
			return
		}
	case req.ImagePath != "":
		if !imgproc.Exists(req.ImagePath) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgImageNotFound + req.ImagePath, Fallback: true})
			return
		}
		image, err = imgproc.ReadFile(req.ImagePath)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Fallback: true})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msgImageRequired, Fallback: true})
		return
	}

	res := s.analyzer.Analyze(r.Context(), pipeline.Request{Image: image, Prompt: req.Prompt})
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer", Fallback: true})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("server: list analyses: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Fallback: true})
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": entries})
}

// parseAnalyzeRequest accepts a JSON object whose known fields are strings
// or null. Anything else is an invalid payload.
func parseAnalyzeRequest(body []byte) (AnalyzeRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return AnalyzeRequest{}, err
	}
	if fields == nil {
		return AnalyzeRequest{}, errors.New("payload is null")
	}

	var req AnalyzeRequest
	for key, dst := range map[string]*string{
		"image_path":   &req.ImagePath,
		"image_base64": &req.ImageBase64,
		"prompt":       &req.Prompt,
	} {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return AnalyzeRequest{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	return req, nil
}

func logRequest(req AnalyzeRequest) {
	log.Printf("server: /analyze request received")
	log.Printf("  image_path: %s", req.ImagePath)
	if req.ImageBase64 != "" {
		log.Printf("  image_base64: present (%d chars)", len(req.ImageBase64))
	} else {
		log.Printf("  image_base64: none")
	}
	if req.Prompt == "" {
		log.Printf("  prompt: none")
		return
	}
	preview := extract.Truncate(strings.ReplaceAll(req.Prompt, "\n", " "), promptPreview)
	if len([]rune(req.Prompt)) > promptPreview {
		preview += "..."
	}
	log.Printf("  prompt: %s", preview)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data, _ = json.Marshal(errorResponse{Error: err.Error(), Fallback: true})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debugf("server: client disconnected during response: %v", err)
	}
}

func emptyNotFound(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}

func allowAnyOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// recoverJSON turns a handler panic into the generic failure body.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Printf("server: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprint(rec), Fallback: true})
		}()
		next.ServeHTTP(w, r)
	})
}

func debugLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logging.DebugEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debugf("server: [%s] %s %s -> %d (%d bytes) in %s",
			middleware.GetReqID(r.Context()), r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start).Round(time.Millisecond))
	})
}
