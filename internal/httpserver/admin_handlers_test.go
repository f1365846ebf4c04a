package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/acmcyber/instancer/pkg/catalog"
)

type fakeAdminCatalog struct {
	created      []catalog.Challenge
	createErr    error
	updated      map[string]int64
	deleted      []string
	deleteFound  bool
	replacedTags map[string][]catalog.Tag
}

func (f *fakeAdminCatalog) Create(_ context.Context, c catalog.Challenge, _ []catalog.Tag, _ bool) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, c)
	return nil
}

func (f *fakeAdminCatalog) Update(_ context.Context, id string, lifetime, _ int64, _ catalog.Metadata) error {
	if f.updated == nil {
		f.updated = map[string]int64{}
	}
	f.updated[id] = lifetime
	return nil
}

func (f *fakeAdminCatalog) Delete(_ context.Context, id string) (bool, error) {
	f.deleted = append(f.deleted, id)
	return f.deleteFound, nil
}

func (f *fakeAdminCatalog) ReplaceTags(_ context.Context, id string, newTags []catalog.Tag) error {
	if f.replacedTags == nil {
		f.replacedTags = map[string][]catalog.Tag{}
	}
	f.replacedTags[id] = newTags
	return nil
}

func newAdminRouter(fake *fakeAdminCatalog) *chi.Mux {
	h := &AdminHandlers{Catalog: fake}
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func TestCreateChallenge_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid shared challenge",
			body:       `{"id":"web","per_team":false,"lifetime":600,"boot_time":10,"cfg":{"containers":{"web":{"image":"nginx:1.25","ports":[80]}},"tcp":{"web":[80]}}}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing cfg",
			body:       `{"id":"web","lifetime":600}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid id",
			body:       `{"id":"-bad-","lifetime":600,"cfg":{"containers":{"c":{"image":"alpine"}}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "boot_time not below lifetime",
			body:       `{"id":"web","lifetime":600,"boot_time":600,"cfg":{"containers":{"c":{"image":"alpine"}}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "tcp refers to undeclared container",
			body:       `{"id":"web","lifetime":600,"cfg":{"containers":{"c":{"image":"alpine"}},"tcp":{"other":[80]}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "reserved container suffix",
			body:       `{"id":"web","lifetime":600,"cfg":{"containers":{"c-instancer-external":{"image":"alpine"}}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "mixed ports without multiService",
			body:       `{"id":"web","lifetime":600,"cfg":{"containers":{"c":{"image":"alpine","ports":[80,8080]}},"tcp":{"c":[80]}}}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			body:       `{bad}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAdminRouter(&fakeAdminCatalog{})
			r := httptest.NewRequest(http.MethodPost, "/admin/challenges", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestCreateChallenge_DuplicateID(t *testing.T) {
	fake := &fakeAdminCatalog{createErr: catalog.ErrDuplicateID}
	router := newAdminRouter(fake)

	body := `{"id":"web","lifetime":600,"cfg":{"containers":{"c":{"image":"alpine"}}}}`
	r := httptest.NewRequest(http.MethodPost, "/admin/challenges", strings.NewReader(body))
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestDeleteChallenge(t *testing.T) {
	fake := &fakeAdminCatalog{deleteFound: true}
	router := newAdminRouter(fake)

	r := httptest.NewRequest(http.MethodDelete, "/admin/challenges/web", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "web" {
		t.Errorf("deleted = %v, want [web]", fake.deleted)
	}
}

func TestDeleteChallenge_NotFound(t *testing.T) {
	router := newAdminRouter(&fakeAdminCatalog{deleteFound: false})

	r := httptest.NewRequest(http.MethodDelete, "/admin/challenges/nope", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestReplaceTags(t *testing.T) {
	fake := &fakeAdminCatalog{}
	router := newAdminRouter(fake)

	body := `{"tags":[{"name":"web","is_category":true},{"name":"easy"}]}`
	r := httptest.NewRequest(http.MethodPut, "/admin/challenges/web/tags", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d (body: %s)", w.Code, http.StatusNoContent, w.Body.String())
	}
	tags := fake.replacedTags["web"]
	if len(tags) != 2 {
		t.Fatalf("len(tags) = %d, want 2", len(tags))
	}
	if tags[0].ChallengeID != "web" || !tags[0].IsCategory {
		t.Errorf("tags[0] = %+v, want challenge_id=web is_category=true", tags[0])
	}
}
