// Package httpapi exposes the session REST endpoints: session detail and an
// external stop request that reaches a live session when one is connected.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/clinical-session-insights/internal/session"
)

// Register adds the API routes to mux.
func Register(mux *http.ServeMux, manager *session.Manager) {
	api := &api{manager: manager}
	mux.HandleFunc("GET /api/sessions/{id}", api.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", api.handleStopSession)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

type api struct {
	manager *session.Manager
}

// StopResponse is the body returned by the stop endpoint.
type StopResponse struct {
	SessionID string `json:"sessionId"`
	Result    string `json:"result"`
	Live      bool   `json:"live"`
}

// GET /api/sessions/{id}
func (a *api) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := a.manager.Store().GetSession(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to load session")
		httpError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		httpError(w, http.StatusNotFound, "session_not_found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/sessions/{id}/stop
func (a *api) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	live := a.manager.Live(id) != nil
	result, err := a.manager.Stop(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			httpError(w, http.StatusNotFound, "session_not_found")
			return
		}
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to stop session")
		httpError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}

	status := http.StatusOK
	if result == session.StopStartedProcessing {
		status = http.StatusAccepted
	}
	log.Info().Str("sessionId", id).Str("result", string(result)).Bool("live", live).Msg("Stop requested via API")
	respondJSON(w, status, StopResponse{SessionID: id, Result: string(result), Live: live})
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		httpError(w, http.StatusNotFound, "session_not_found")
		return "", false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// --- Middleware ---

// WithLogging logs API and websocket requests once they finish.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/ws/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

// WithCORS allows the listed browser origins to call the API. An empty list
// disables CORS headers.
func WithCORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
