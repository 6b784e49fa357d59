package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"mt5session/internal/journal"
	"mt5session/internal/logger"
	"mt5session/internal/metrics"
	"mt5session/internal/session"
)

// Response is the envelope of every JSON reply
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Server exposes session status, history and metrics over HTTP
type Server struct {
	session      *session.Session
	metrics      *metrics.Collector
	journal      *journal.Journal
	tokens       *TokenService
	passwordHash string
	server       *http.Server
	logger       zerolog.Logger
}

type Option func(*Server)

// WithAuth protects status and history with bearer tokens issued by
// POST /auth/token against the argon2id passwordHash
func WithAuth(tokens *TokenService, passwordHash string) Option {
	return func(s *Server) {
		s.tokens = tokens
		s.passwordHash = passwordHash
	}
}

// NewServer creates the status server; metrics and journal may be nil
func NewServer(addr string, s *session.Session, m *metrics.Collector, j *journal.Journal, options ...Option) *Server {
	server := &Server{
		session: s,
		metrics: m,
		journal: j,
		logger:  logger.GetLogger("api"),
	}
	for _, option := range options {
		option(server)
	}

	server.server = &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/status", s.protect(s.handleStatus)).Methods("GET")
	router.Handle("/history", s.protect(s.handleHistory)).Methods("GET")
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	if s.tokens != nil {
		router.HandleFunc("/auth/token", s.handleToken).Methods("POST")
	}

	return router
}

func (s *Server) protect(h http.HandlerFunc) http.Handler {
	if s.tokens == nil {
		return h
	}
	return s.tokens.RequireAuth(h)
}

// Start serves in the background
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("Starting status server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Status server error")
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping status server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.session.IsConnected() {
		s.sendError(w, http.StatusServiceUnavailable, "Terminal not connected", nil)
		return
	}
	s.sendSuccess(w, "Terminal connected", map[string]interface{}{
		"degraded": s.session.IsDegraded(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendSuccess(w, "Session status retrieved successfully", s.session.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.sendError(w, http.StatusNotFound, "Journal disabled", nil)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	epochs, err := s.journal.List(r.Context(), s.session.Identity().String(), limit)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to read journal", err)
		return
	}
	s.sendSuccess(w, "Connection history retrieved successfully", map[string]interface{}{
		"epochs": epochs,
		"count":  len(epochs),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if req.Operator == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "Operator and password are required", nil)
		return
	}

	if err := VerifyPassword(req.Password, s.passwordHash); err != nil {
		s.logger.Debug().Str("operator", req.Operator).Err(err).Msg("Rejected token request")
		s.sendError(w, http.StatusUnauthorized, "Invalid operator or password", nil)
		return
	}

	token, expires, err := s.tokens.GenerateToken(req.Operator)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to issue token", err)
		return
	}

	s.logger.Info().Str("operator", req.Operator).Msg("Issued status token")
	s.sendSuccess(w, "Token issued", map[string]interface{}{
		"token":      token,
		"expires_at": expires,
	})
}

func (s *Server) sendSuccess(w http.ResponseWriter, message string, data interface{}) {
	s.send(w, http.StatusOK, Response{Success: true, Message: message, Data: data})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string, err error) {
	resp := Response{Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	s.logger.Warn().Err(err).Int("status", status).Msg(message)
	s.send(w, status, resp)
}

func (s *Server) send(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
