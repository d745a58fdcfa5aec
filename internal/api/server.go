// Package api exposes the environment manager over HTTP: intent
// submission, registry reads, activity reporting and source-closure
// signals. All mutations flow through the dispatcher as intents; the API
// never touches cluster resources directly.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agustingarciaflores/pr-environments/internal/intent"
	"github.com/agustingarciaflores/pr-environments/internal/registry"
)

// Submitter accepts intents. Satisfied by the dispatcher.
type Submitter interface {
	Submit(in intent.Intent) error
}

type Server struct {
	registry  registry.Registry
	submitter Submitter
}

func New(reg registry.Registry, submitter Submitter) *Server {
	return &Server{registry: reg, submitter: submitter}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)

	r.Get("/environments", s.handleList)
	r.Get("/environments/{id}", s.handleGet)
	r.Post("/environments/{id}/deploy", s.handleIntent(intent.ActionDeploy))
	r.Post("/environments/{id}/restart", s.handleIntent(intent.ActionRestart))
	r.Post("/environments/{id}/cleanup", s.handleIntent(intent.ActionCleanup))
	r.Post("/environments/{id}/activity", s.handleActivity)
	r.Post("/environments/{id}/closed", s.handleClosed)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type intentBody struct {
	// Generation, when non-zero, makes the intent conditional: it is
	// rejected if the environment has moved past that generation by the
	// time it is handled.
	Generation int64 `json:"generation"`
}

func (s *Server) handleIntent(action intent.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			respondError(w, http.StatusBadRequest, "missing environment id")
			return
		}

		var body intentBody
		if r.ContentLength > 0 {
			if err := decodeJSON(w, r, &body); err != nil {
				respondError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		// Non-Deploy actions on unknown environments fail fast here; the
		// reconciler still rechecks under the lease.
		if action != intent.ActionDeploy {
			if _, err := s.registry.Get(r.Context(), id); err != nil {
				if errors.Is(err, registry.ErrNotFound) {
					respondError(w, http.StatusNotFound, "environment not found")
					return
				}
				respondError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}

		in := intent.New(id, action, intent.SourceManual)
		in.SubmittedGeneration = body.Generation
		if err := s.submitter.Submit(in); err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}

		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"intentId":      in.ID,
			"environmentId": id,
			"action":        in.Action,
		})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{}
	if r.URL.Query().Get("includeDeleted") == "true" {
		filter.IncludeDeleted = true
	}

	envs, err := s.registry.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"environments": envs,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	env, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "environment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.Touch(r.Context(), id, time.Now()); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "environment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type closedBody struct {
	Closed bool `json:"closed"`
}

func (s *Server) handleClosed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body := closedBody{Closed: true}
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.registry.SetClosed(r.Context(), id, body.Closed); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, http.StatusNotFound, "environment not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
