// Package api implements the HTTP front door: query submission,
// conversation management, and server status.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/mknsk/mcp-orchestrator/internal/agent"
	"github.com/mknsk/mcp-orchestrator/internal/buildinfo"
	"github.com/mknsk/mcp-orchestrator/internal/config"
	"github.com/mknsk/mcp-orchestrator/internal/session"
)

// serverStatusTimeout bounds the per-server probe behind GET /api/servers.
const serverStatusTimeout = 10 * time.Second

// QueryEngine is the slice of the agent loop the API depends on.
type QueryEngine interface {
	Process(ctx context.Context, req agent.Request) *agent.Result
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": true, "message": msg}); err != nil {
		logger.Debug("failed to write JSON error response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen   string
	engine   QueryEngine
	sessions *session.Store
	conns    agent.Connections
	servers  map[string]config.ServerConfig
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(listen string, engine QueryEngine, sessions *session.Store, conns agent.Connections, servers map[string]config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		engine:   engine,
		sessions: sessions,
		conns:    conns,
		servers:  servers,
		logger:   logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/query", s.handleQuery)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("DELETE /api/conversation/{id}", s.handleConversationDelete)
	mux.HandleFunc("DELETE /api/conversations", s.handleConversationsClear)

	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // queries can run up to their governor deadline
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", s.logger)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required", s.logger)
		return
	}

	result := s.engine.Process(r.Context(), req)
	writeJSON(w, result, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	summaries := s.sessions.List(userID)
	if summaries == nil {
		summaries = []session.Summary{}
	}
	writeJSON(w, map[string]any{"conversations": summaries}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Clear(id) {
		writeError(w, http.StatusNotFound, "conversation not found", s.logger)
		return
	}
	writeJSON(w, map[string]any{"cleared": true, "conversationId": id}, s.logger)
}

func (s *Server) handleConversationsClear(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required", s.logger)
		return
	}
	n := s.sessions.ClearAll(userID)
	writeJSON(w, map[string]any{"cleared": n, "userId": userID}, s.logger)
}

// serverStatus is one entry of the GET /api/servers response.
type serverStatus struct {
	Name    string   `json:"name"`
	Enabled bool     `json:"enabled"`
	Tools   []string `json:"tools,omitempty"`
	Error   string   `json:"error,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	statuses := make([]serverStatus, 0, len(s.servers))

	for name, sc := range s.servers {
		st := serverStatus{Name: name, Enabled: !sc.Disabled}
		if sc.Disabled {
			statuses = append(statuses, st)
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), serverStatusTimeout)
		client, err := s.conns.GetWithRetries(ctx, name, 0)
		if err == nil {
			defs, lerr := client.ListTools(ctx)
			if lerr != nil {
				err = lerr
			} else {
				for _, d := range defs {
					st.Tools = append(st.Tools, d.Name)
				}
			}
		}
		cancel()

		if err != nil {
			st.Error = err.Error()
		}
		statuses = append(statuses, st)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	writeJSON(w, map[string]any{"servers": statuses}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().Round(time.Second).String(),
		"build":  buildinfo.Info(),
	}, s.logger)
}
