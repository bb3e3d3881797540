// Package api serves the local HTTP and WebSocket interface used by the
// dashboard and the Android companion during bench work.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/IronMaple/battery-agent/internal/battery"
	"github.com/IronMaple/battery-agent/internal/core"
	"github.com/IronMaple/battery-agent/internal/logging"
	"github.com/IronMaple/battery-agent/internal/tag"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	if Version != "" {
		return
	}
	Version = "dev"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	var revision string
	var modified bool
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			BuildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision != "" {
		GitCommit = revision
		short := revision
		if len(short) > 7 {
			short = short[:7]
		}
		Version = "dev-" + short
		if modified {
			Version += "-dirty"
		}
	}
}

// maxBodySize bounds request bodies; a document is well under a kilobyte.
const maxBodySize = 64 * 1024

// Server exposes one Agent over HTTP and WebSocket.
type Server struct {
	agent    *tag.Agent
	readers  core.ContextFactory
	hub      *WSHub
	shutdown func()
}

// NewServer returns a server for agent. readers is used to list PC/SC
// readers; nil means the real PC/SC stack.
func NewServer(agent *tag.Agent, readers core.ContextFactory) *Server {
	if readers == nil {
		readers = core.DefaultContextFactory{}
	}
	return &Server{
		agent:   agent,
		readers: readers,
		hub:     NewWSHub(),
	}
}

// SetShutdownHandler sets the callback for shutdown requests.
func (s *Server) SetShutdownHandler(handler func()) {
	s.shutdown = handler
}

// Hub returns the WebSocket hub. It must be running for /v1/ws clients to
// receive anything.
func (s *Server) Hub() *WSHub { return s.hub }

// NewMux constructs and returns the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/tag", corsMiddleware(s.handleTag))
	mux.HandleFunc("/v1/tag/uid", corsMiddleware(s.handleUID))
	mux.HandleFunc("/v1/tag/usage", corsMiddleware(s.handleUsage))
	mux.HandleFunc("/v1/tag/charge", corsMiddleware(s.handleCharge))
	mux.HandleFunc("/v1/tag/status", corsMiddleware(s.handleStatus))
	mux.HandleFunc("/v1/tag/init", corsMiddleware(s.handleInit))
	mux.HandleFunc("/v1/tag/document", corsMiddleware(s.handleDocument))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			stack := debug.Stack()
			where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

			logging.CapturePanic(rec, stack, where)
			logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", where, rec), map[string]any{
				"panic":  fmt.Sprintf("%v", rec),
				"stack":  string(stack),
				"method": r.Method,
				"path":   r.URL.Path,
			})

			crashFile, err := logging.WriteCrashLog(rec, stack)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
				crashFile = ""
			}

			respondJSON(w, http.StatusInternalServerError, map[string]string{
				"error":     "internal server error",
				"crashFile": crashFile,
			})
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // header already sent
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

// ErrorBody is the JSON body of a failed tag action.
type ErrorBody struct {
	Error string `json:"error"`
	UID   string `json:"uid,omitempty"`
	// Raw is the tag text when the content could not be parsed.
	Raw string `json:"raw,omitempty"`
}

// errorResponse maps an action error to a status code and body.
func errorResponse(err error) (int, ErrorBody) {
	body := ErrorBody{Error: err.Error()}

	var pe *tag.ParseError
	switch {
	case errors.As(err, &pe):
		body.UID = pe.UID
		body.Raw = pe.RawText
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, core.ErrConnectionTimeout):
		return http.StatusGatewayTimeout, body
	case errors.Is(err, core.ErrNoReaders):
		return http.StatusServiceUnavailable, body
	case errors.Is(err, core.ErrCapacityExceeded),
		errors.Is(err, core.ErrPartialWrite),
		errors.Is(err, core.ErrAuthFailure):
		return http.StatusConflict, body
	case errors.Is(err, tag.ErrInvalidNote):
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, body
	}
}

// finish writes the result of a tag action and broadcasts successful ones
// to WebSocket clients.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, snap tag.Snapshot, err error) {
	if err != nil {
		status, body := errorResponse(err)
		logging.Warn(logging.CatHTTP, "Tag action failed", map[string]any{
			"path":   r.URL.Path,
			"status": status,
			"error":  err.Error(),
		})
		respondJSON(w, status, body)
		return
	}
	s.hub.BroadcastTag(snap, nil)
	respondJSON(w, http.StatusOK, snap)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	readers, err := core.ListReaders(s.readers)
	if err != nil {
		logging.Debug(logging.CatHTTP, "Reader listing failed", map[string]any{
			"error": err.Error(),
		})
		readers = []core.Reader{}
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	snap, err := s.agent.Read(r.Context())
	s.finish(w, r, snap, err)
}

func (s *Server) handleUID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	uid, err := s.agent.UID(r.Context())
	if err != nil {
		status, body := errorResponse(err)
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

// UsageRequest is the body of POST /v1/tag/usage.
type UsageRequest struct {
	Device int `json:"device"`
	E      int `json:"e"`
	V      int `json:"v"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req := UsageRequest{Device: battery.DeviceRobot}
	if err := decodeBody(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		return
	}
	snap, err := s.agent.AddUsage(r.Context(), req.Device, req.E, req.V)
	s.finish(w, r, snap, err)
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	snap, err := s.agent.Charge(r.Context())
	s.finish(w, r, snap, err)
}

// StatusRequest is the body of POST /v1/tag/status.
type StatusRequest struct {
	N *int `json:"n"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req StatusRequest
	if err := decodeBody(r, &req); err != nil || req.N == nil {
		respondJSON(w, http.StatusBadRequest, ErrorBody{Error: "body must be {\"n\": 0..3}"})
		return
	}
	snap, err := s.agent.SetStatus(r.Context(), *req.N)
	s.finish(w, r, snap, err)
}

// InitRequest is the body of POST /v1/tag/init.
type InitRequest struct {
	SN string `json:"sn"`
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req InitRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.SN) == "" {
		respondJSON(w, http.StatusBadRequest, ErrorBody{Error: "body must be {\"sn\": \"...\"}"})
		return
	}
	snap, err := s.agent.InitNew(r.Context(), strings.TrimSpace(req.SN))
	s.finish(w, r, snap, err)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid request body"})
		return
	}
	doc, err := battery.Parse(body)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, ErrorBody{Error: err.Error()})
		return
	}
	snap, err := s.agent.Write(r.Context(), doc)
	s.finish(w, r, snap, err)
}

func versionInfo() map[string]interface{} {
	return map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, versionInfo())
}

func (s *Server) healthInfo() map[string]interface{} {
	readers, _ := core.ListReaders(s.readers)
	return map[string]interface{}{
		"status":      "ok",
		"readerCount": len(readers),
		"mode":        s.agent.Mode().String(),
		"clients":     s.hub.ClientCount(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	respondJSON(w, http.StatusOK, s.healthInfo())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})
	go s.shutdown()
}

func parseLevel(s string) *logging.Level {
	var l logging.Level
	switch strings.ToLower(s) {
	case "debug":
		l = logging.LevelDebug
	case "info":
		l = logging.LevelInfo
	case "warn":
		l = logging.LevelWarn
	case "error":
		l = logging.LevelError
	default:
		return nil
	}
	return &l
}

func queryLimit(r *http.Request, def, upper int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, upper)
		}
	}
	return limit
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		limit := queryLimit(r, 100, 1000)
		minLevel := parseLevel(query.Get("level"))

		var category *logging.Category
		if v := query.Get("category"); v != "" {
			c := logging.Category(v)
			category = &c
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": logging.Get().GetEntries(limit, minLevel, category),
			"stats":   logging.Get().Stats(),
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		methodNotAllowed(w)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	if filename := r.URL.Query().Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryLimit(r, 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// Serve runs the API on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.NewMux()}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logging.Info(logging.CatHTTP, "API listening", map[string]any{
		"addr": addr,
	})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
