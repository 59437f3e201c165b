package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TimurManjosov/flageval/internal/telemetry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSnapshot handles GET /v1/environments/{env}/snapshot. The weak ETag
// of the active snapshot answers If-None-Match with 304.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	snap, ok := s.registry.Load(env)
	if !ok {
		UnavailableError(w, r, fmt.Sprintf("%s: %s", env, ErrEnvironmentNotLoaded))
		return
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == snap.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", snap.ETag)
	writeJSON(w, http.StatusOK, snap)
}

// handleStream handles GET /v1/environments/{env}/stream. It sends an init
// event with the current ETag, an update event for every new snapshot of the
// environment and a comment line as heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	env, ok := environment(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, r, "streaming unsupported")
		return
	}

	updates, unsubscribe := s.registry.Subscribe(env)
	defer unsubscribe()

	telemetry.SSEClients.Inc()
	defer telemetry.SSEClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	etag := ""
	if snap, ok := s.registry.Load(env); ok {
		etag = snap.ETag
	}
	writeEvent(w, "init", map[string]string{"environment": env, "etag": etag})
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, "update", map[string]string{"environment": u.Environment, "etag": u.ETag})
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) {
	b, _ := json.Marshal(data)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
