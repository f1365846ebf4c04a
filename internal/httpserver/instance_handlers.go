package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acmcyber/instancer/pkg/catalog"
	"github.com/acmcyber/instancer/pkg/challenge"
	"github.com/acmcyber/instancer/pkg/engine"
)

// Catalog is the subset of *pkg/catalog.Service the instance handlers need.
type Catalog interface {
	FetchInfo(ctx context.Context, id string) (catalog.ChallengeInfo, error)
	FetchAll(ctx context.Context) ([]catalog.ChallengeInfo, error)
}

// InstanceHandlers exposes the core lifecycle operations (info, list,
// start, stop, status) as JSON endpoints. It is a thin transport layer;
// auth and sessions are a separate façade's concern and are not
// implemented here.
type InstanceHandlers struct {
	Catalog Catalog
	Engine  *engine.Engine
}

// Mount registers the instance routes on r.
func (h *InstanceHandlers) Mount(r chi.Router) {
	r.Get("/challenges", h.handleList)
	r.Get("/challenges/{id}", h.handleInfo)
	r.Post("/challenges/{id}/start", h.handleStart)
	r.Post("/challenges/{id}/stop", h.handleStop)
	r.Get("/challenges/{id}/status", h.handleStatus)
}

// teamID reads the caller's team scope from the X-Team-ID header. An empty
// value addresses the shared namespace for shared challenges; per-team
// challenges require it (enforced by the façade that authenticates the
// caller, not here).
func teamID(r *http.Request) string {
	return r.Header.Get("X-Team-ID")
}

func (h *InstanceHandlers) model(ctx context.Context, id, team string) (challenge.Model, error) {
	info, err := h.Catalog.FetchInfo(ctx, id)
	if err != nil {
		return challenge.Model{}, err
	}
	return challenge.Model{Challenge: info.Challenge, TeamID: team}, nil
}

// listEntry pairs a challenge definition with its live status for the
// caller's team, if any instance is running.
type listEntry struct {
	catalog.ChallengeInfo
	Status *engine.DeploymentStatus `json:"status"`
}

func (h *InstanceHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	team := teamID(r)
	infos, err := h.Catalog.FetchAll(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "listing challenges failed")
		return
	}

	entries := make([]listEntry, 0, len(infos))
	for _, info := range infos {
		m := challenge.Model{Challenge: info.Challenge, TeamID: team}
		status, err := m.Status(r.Context(), h.Engine)
		if err != nil {
			RespondError(w, http.StatusInternalServerError, "internal_error", "fetching instance status failed")
			return
		}
		entries = append(entries, listEntry{ChallengeInfo: info, Status: status})
	}
	Respond(w, http.StatusOK, entries)
}

func (h *InstanceHandlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.Catalog.FetchInfo(r.Context(), id)
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	Respond(w, http.StatusOK, info)
}

func (h *InstanceHandlers) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.model(r.Context(), id, teamID(r))
	if err != nil {
		writeCatalogError(w, err)
		return
	}

	if err := m.Start(r.Context(), h.Engine); err != nil {
		writeEngineError(w, err)
		return
	}

	status, err := m.Status(r.Context(), h.Engine)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "fetching instance status failed")
		return
	}
	Respond(w, http.StatusAccepted, status)
}

// handleStop tears down a per-team instance. Stopping a shared challenge
// is forbidden over this boundary; it would take the instance away from
// every other team using it.
func (h *InstanceHandlers) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.model(r.Context(), id, teamID(r))
	if err != nil {
		writeCatalogError(w, err)
		return
	}
	if m.IsShared() {
		RespondError(w, http.StatusForbidden, "forbidden", "shared challenges cannot be stopped by a team")
		return
	}

	if err := m.Stop(r.Context(), h.Engine); err != nil {
		writeEngineError(w, err)
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (h *InstanceHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.model(r.Context(), id, teamID(r))
	if err != nil {
		writeCatalogError(w, err)
		return
	}

	status, err := m.Status(r.Context(), h.Engine)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if status == nil {
		RespondError(w, http.StatusNotFound, "not_running", "instance is not currently running")
		return
	}
	Respond(w, http.StatusOK, status)
}

func writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		RespondError(w, http.StatusNotFound, "not_found", "challenge not found")
	default:
		RespondError(w, http.StatusInternalServerError, "internal_error", "catalog lookup failed")
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrResourceUnavailable):
		RespondError(w, http.StatusConflict, "unavailable", "instance is locked or terminating, retry shortly")
	default:
		RespondError(w, http.StatusInternalServerError, "internal_error", "instance operation failed")
	}
}
