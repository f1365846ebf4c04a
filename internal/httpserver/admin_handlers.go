package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/acmcyber/instancer/pkg/catalog"
	"github.com/acmcyber/instancer/pkg/translator"
)

// AdminCatalog is the subset of *pkg/catalog.Service the admin handlers need.
type AdminCatalog interface {
	Create(ctx context.Context, c catalog.Challenge, tags []catalog.Tag, replaceExisting bool) error
	Update(ctx context.Context, id string, lifetime, bootTime int64, meta catalog.Metadata) error
	Delete(ctx context.Context, id string) (bool, error)
	ReplaceTags(ctx context.Context, id string, newTags []catalog.Tag) error
}

// AdminHandlers exposes the catalog's challenge CRUD over JSON. Uploaded
// cfg documents are decoded and cross-field validated before anything is
// persisted, so a definition that reaches the catalog is one the translator
// will accept at start time.
//
// Authorization is the enclosing façade's concern; these handlers trust
// that whatever mounted them already gated access to admins.
type AdminHandlers struct {
	Catalog AdminCatalog
}

// Mount registers the admin routes on r.
func (h *AdminHandlers) Mount(r chi.Router) {
	r.Post("/admin/challenges", h.handleCreate)
	r.Put("/admin/challenges/{id}", h.handleUpdate)
	r.Delete("/admin/challenges/{id}", h.handleDelete)
	r.Put("/admin/challenges/{id}/tags", h.handleReplaceTags)
}

type tagRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	IsCategory bool   `json:"is_category"`
}

type createChallengeRequest struct {
	ID              string           `json:"id" validate:"required,max=63"`
	PerTeam         bool             `json:"per_team"`
	Cfg             json.RawMessage  `json:"cfg" validate:"required"`
	Lifetime        int64            `json:"lifetime" validate:"required,min=1"`
	BootTime        int64            `json:"boot_time" validate:"min=0"`
	Metadata        catalog.Metadata `json:"metadata"`
	Tags            []tagRequest     `json:"tags" validate:"dive"`
	ReplaceExisting bool             `json:"replace_existing"`
}

func (h *AdminHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if !translator.ValidID(req.ID) {
		RespondError(w, http.StatusUnprocessableEntity, "invalid_config", "challenge id must be a valid DNS label")
		return
	}
	if req.BootTime >= req.Lifetime {
		RespondError(w, http.StatusUnprocessableEntity, "invalid_config", "boot_time must be less than lifetime")
		return
	}

	cfg, err := translator.DecodeConfig(req.Cfg)
	if err != nil {
		RespondError(w, http.StatusUnprocessableEntity, "invalid_config", err.Error())
		return
	}
	if err := translator.ValidateConfig(cfg); err != nil {
		RespondError(w, http.StatusUnprocessableEntity, "invalid_config", err.Error())
		return
	}

	c := catalog.Challenge{
		ID:       req.ID,
		PerTeam:  req.PerTeam,
		Cfg:      req.Cfg,
		Lifetime: req.Lifetime,
		BootTime: req.BootTime,
		Metadata: req.Metadata,
	}
	if err := h.Catalog.Create(r.Context(), c, tagsFromRequest(req.ID, req.Tags), req.ReplaceExisting); err != nil {
		if errors.Is(err, catalog.ErrDuplicateID) {
			RespondError(w, http.StatusConflict, "duplicate_id", "a challenge with this id already exists")
			return
		}
		RespondError(w, http.StatusInternalServerError, "internal_error", "creating challenge failed")
		return
	}
	Respond(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type updateChallengeRequest struct {
	Lifetime int64            `json:"lifetime" validate:"required,min=1"`
	BootTime int64            `json:"boot_time" validate:"min=0"`
	Metadata catalog.Metadata `json:"metadata"`
}

func (h *AdminHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateChallengeRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if req.BootTime >= req.Lifetime {
		RespondError(w, http.StatusUnprocessableEntity, "invalid_config", "boot_time must be less than lifetime")
		return
	}

	if err := h.Catalog.Update(r.Context(), id, req.Lifetime, req.BootTime, req.Metadata); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			RespondError(w, http.StatusNotFound, "not_found", "challenge not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "internal_error", "updating challenge failed")
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func (h *AdminHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed, err := h.Catalog.Delete(r.Context(), id)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "deleting challenge failed")
		return
	}
	if !removed {
		RespondError(w, http.StatusNotFound, "not_found", "challenge not found")
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

type replaceTagsRequest struct {
	Tags []tagRequest `json:"tags" validate:"dive"`
}

func (h *AdminHandlers) handleReplaceTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req replaceTagsRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.Catalog.ReplaceTags(r.Context(), id, tagsFromRequest(id, req.Tags)); err != nil {
		RespondError(w, http.StatusInternalServerError, "internal_error", "replacing tags failed")
		return
	}
	Respond(w, http.StatusNoContent, nil)
}

func tagsFromRequest(challengeID string, in []tagRequest) []catalog.Tag {
	tags := make([]catalog.Tag, 0, len(in))
	for _, t := range in {
		tags = append(tags, catalog.Tag{ChallengeID: challengeID, Name: t.Name, IsCategory: t.IsCategory})
	}
	return tags
}
