package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/go-chi/chi/v5"
)

// --- Features ---

type listFeaturesResponse struct {
	Features []store.Flag `json:"features"`
}

// handleListFeatures handles GET /v1/environments/{env}/features
func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	flags, err := s.store.ListFlags(r.Context(), env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listFeaturesResponse{Features: flags})
}

// handleGetFeature handles GET /v1/environments/{env}/features/{id}
func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	flag, err := s.store.GetFlag(r.Context(), env, chi.URLParam(r, "id"))
	if err == nil && flag.Deleted {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// handleCreateFeature handles POST /v1/environments/{env}/features
func (s *Server) handleCreateFeature(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	var cmd command.CreateFeature
	if !decodeJSON(w, r, &cmd, false) {
		return
	}
	flag, err := s.commands.CreateFeature(r.Context(), env, cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, flag)
}

// handleFeatureCommand handles POST /v1/environments/{env}/features/{id}/commands
func (s *Server) handleFeatureCommand(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	var envelope command.Envelope
	if !decodeJSON(w, r, &envelope, false) {
		return
	}
	cmd, err := command.DecodeFeature(envelope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	flag, err := s.commands.HandleFeature(r.Context(), env, chi.URLParam(r, "id"), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

// --- Segments ---

type listSegmentsResponse struct {
	Segments []store.Segment `json:"segments"`
}

// handleListSegments handles GET /v1/environments/{env}/segments
func (s *Server) handleListSegments(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	segments, err := s.store.ListSegments(r.Context(), env)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listSegmentsResponse{Segments: segments})
}

// handleCreateSegment handles POST /v1/environments/{env}/segments
func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	var cmd command.CreateSegment
	if !decodeJSON(w, r, &cmd, false) {
		return
	}
	seg, err := s.commands.CreateSegment(r.Context(), env, cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, seg)
}

// handleSegmentCommand handles POST /v1/environments/{env}/segments/{id}/commands
func (s *Server) handleSegmentCommand(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	var envelope command.Envelope
	if !decodeJSON(w, r, &envelope, false) {
		return
	}
	cmd, err := command.DecodeSegment(envelope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seg, err := s.commands.HandleSegment(r.Context(), env, chi.URLParam(r, "id"), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

// --- Triggers ---

// triggerResponse carries a trigger and, right after it was created or
// reset, its token. The token is never shown again.
type triggerResponse struct {
	Trigger *store.FlagTrigger `json:"trigger"`
	Token   string             `json:"token,omitempty"`
	URL     string             `json:"url,omitempty"`
}

type listTriggersResponse struct {
	Triggers []store.FlagTrigger `json:"triggers"`
}

func triggerURL(r *http.Request, token string) string {
	if token == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/v1/triggers/%s", scheme, r.Host, token)
}

// handleListTriggers handles GET /v1/environments/{env}/features/{id}/triggers
func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	triggers, err := s.store.ListTriggers(r.Context(), env, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listTriggersResponse{Triggers: triggers})
}

// handleCreateTrigger handles POST /v1/environments/{env}/features/{id}/triggers
func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	var cmd command.CreateFlagTrigger
	if !decodeJSON(w, r, &cmd, false) {
		return
	}
	t, token, err := s.commands.CreateTrigger(r.Context(), env, chi.URLParam(r, "id"), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, triggerResponse{Trigger: t, Token: token, URL: triggerURL(r, token)})
}

// handleTriggerCommand handles POST /v1/environments/{env}/triggers/{id}/commands.
// Triggers of other environments are reported as not found.
func (s *Server) handleTriggerCommand(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	current, err := s.store.GetTrigger(r.Context(), id)
	if err == nil && (current.EnvironmentNamespace != env || current.Deleted) {
		err = store.ErrNotFound
	}
	if err != nil {
		writeError(w, r, fmt.Errorf("trigger %s: %w", id, err))
		return
	}

	var envelope command.Envelope
	if !decodeJSON(w, r, &envelope, false) {
		return
	}
	cmd, err := command.DecodeTrigger(envelope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, token, err := s.commands.HandleTrigger(r.Context(), id, cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Trigger: t, Token: token, URL: triggerURL(r, token)})
}

// handleInvokeTrigger handles POST /v1/triggers/{token}. The token is the
// only credential; every authentication failure is a bare 401.
func (s *Server) handleInvokeTrigger(w http.ResponseWriter, r *http.Request) {
	t, err := s.triggers.Invoke(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// the trigger authenticated but its flag is gone
			NotFoundError(w, r, "feature not found")
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{Trigger: t})
}
