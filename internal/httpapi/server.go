// Package httpapi exposes the engine over HTTP: a JSON chat endpoint, a
// websocket chat channel, session and index management, and health/metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aokimidori/kaiwa/internal/completion"
	"github.com/aokimidori/kaiwa/internal/config"
	"github.com/aokimidori/kaiwa/internal/conversation"
	"github.com/aokimidori/kaiwa/internal/embedding"
	"github.com/aokimidori/kaiwa/internal/knowledge"
	"github.com/aokimidori/kaiwa/internal/logging"
	"github.com/aokimidori/kaiwa/internal/observability"
	"github.com/aokimidori/kaiwa/internal/registry"
	"github.com/aokimidori/kaiwa/internal/session"
)

type Server struct {
	cfg       config.Config
	service   *conversation.Service
	registry  *registry.Registry
	index     *knowledge.Manager
	embedder  embedding.Embedder
	completer completion.Completer
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, service *conversation.Service, reg *registry.Registry, index *knowledge.Manager, embedder embedding.Embedder, completer completion.Completer, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		service:   service,
		registry:  reg,
		index:     index,
		embedder:  embedder,
		completer: completer,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/chat", s.handleChat)
	r.Get("/v1/chat/ws", s.handleChatWS)

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

	r.Get("/v1/apps", s.handleListApps)
	r.Post("/v1/apps/{app_id}/index/rebuild", s.handleIndexRebuild)
	r.Get("/v1/apps/{app_id}/index/status", s.handleIndexStatus)

	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	respondJSON(w, http.StatusOK, map[string]any{
		"status":                       "ok",
		"apps":                         len(s.registry.Apps()),
		"index_ready":                  s.index.Ready(),
		"embedding_service_reachable":  s.embedder != nil && s.embedder.Ping(ctx) == nil,
		"completion_service_reachable": s.completer != nil && s.completer.Ping(ctx) == nil,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.index.Ready() {
		respondError(w, http.StatusServiceUnavailable, "index_not_ready", "no knowledge index published yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type chatRequest struct {
	AppID     string `json:"app_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text must not be empty")
		return
	}
	if req.SessionID == "" && strings.TrimSpace(req.AppID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "app_id is required without a session_id")
		return
	}

	reply, err := s.service.HandleMessage(r.Context(), req.AppID, req.SessionID, req.Text)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

type createSessionRequest struct {
	AppID string `json:"app_id"`
}

type sessionResponse struct {
	SessionID      string             `json:"session_id"`
	AppID          string             `json:"app_id"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	NextAction     session.NextAction `json:"next_action"`
	Extracted      map[string]string  `json:"extracted_info,omitempty"`
	Missing        []string           `json:"missing_info,omitempty"`
	Steps          int                `json:"steps"`
	Turns          []session.Turn     `json:"history,omitempty"`
}

func sessionView(sess *session.Session, withTurns bool) sessionResponse {
	resp := sessionResponse{
		SessionID:      sess.ID,
		AppID:          sess.AppID,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
		NextAction:     sess.NextAction,
		Extracted:      sess.Extracted,
		Missing:        sess.Missing,
		Steps:          sess.Steps,
	}
	if withTurns {
		resp.Turns = sess.Turns
	}
	return resp
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.AppID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "app_id must not be empty")
		return
	}

	sess, err := s.service.CreateSession(req.AppID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionView(sess, false))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessionView(sess, true))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteSession(chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type appSummary struct {
	AppID          string   `json:"app_id"`
	RequiredFields []string `json:"required_fields"`
	GoalCategories []string `json:"goal_categories,omitempty"`
}

func (s *Server) handleListApps(w http.ResponseWriter, _ *http.Request) {
	apps := make([]appSummary, 0)
	for _, id := range s.registry.Apps() {
		cfg, err := s.registry.Resolve(id)
		if err != nil {
			continue
		}
		summary := appSummary{
			AppID:          cfg.AppID,
			RequiredFields: cfg.RequiredFieldNames(),
		}
		for _, g := range cfg.GoalCategories {
			summary.GoalCategories = append(summary.GoalCategories, g.Name)
		}
		apps = append(apps, summary)
	}
	respondJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (s *Server) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Resolve(chi.URLParam(r, "app_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if !s.index.TriggerRebuild(cfg) {
		respondError(w, http.StatusConflict, "rebuild_in_progress", "an index build is already running for this app")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "app_id": cfg.AppID})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.registry.Resolve(chi.URLParam(r, "app_id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.index.Status(cfg.AppID))
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.service.Stats())
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, "app_not_found", err.Error())
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
	case errors.Is(err, conversation.ErrInvalidState):
		respondError(w, http.StatusConflict, "invalid_session_state", err.Error())
	default:
		// Unclassified failures stay in the log; clients get no internals.
		logging.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
