package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/models"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

// CatalogHandler serves the public API catalog
type CatalogHandler struct {
	catalog store.CatalogStore
	logger  *zap.Logger
}

func NewCatalogHandler(catalog store.CatalogStore, logger *zap.Logger) *CatalogHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogHandler{catalog: catalog, logger: logger}
}

type rateLimitView struct {
	Requests int   `json:"requests"`
	WindowMs int64 `json:"window_ms"`
}

type catalogEntryView struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Slug          string         `json:"slug"`
	Description   string         `json:"description,omitempty"`
	Documentation string         `json:"documentation,omitempty"`
	Endpoints     []string       `json:"endpoints,omitempty"`
	AuthRequired  bool           `json:"auth_required"`
	RateLimit     *rateLimitView `json:"rate_limit,omitempty"`
}

func newCatalogEntryView(e models.CatalogEntry) catalogEntryView {
	v := catalogEntryView{
		ID:            e.ID,
		Name:          e.Name,
		Slug:          e.Slug,
		Description:   e.Description,
		Documentation: e.Documentation,
		Endpoints:     e.Endpoints,
		AuthRequired:  e.AuthRequired,
	}
	if !e.DefaultQuota.IsZero() {
		v.RateLimit = &rateLimitView{Requests: e.DefaultQuota.Limit, WindowMs: e.DefaultQuota.WindowMs()}
	}
	return v
}

// List handles GET /apis
func (h *CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalog.ListActive(r.Context())
	if err != nil {
		h.logger.Error("failed to list catalog", zap.Error(err))
		apierror.Write(w, apierror.Internal(err))
		return
	}

	views := make([]catalogEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newCatalogEntryView(e))
	}
	apierror.WriteJSON(w, http.StatusOK, map[string]any{"apis": views})
}

// Get handles GET /apis/{idOrSlug}
func (h *CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	idOrSlug := chi.URLParam(r, "idOrSlug")

	entry, err := h.catalog.FindActiveBySlug(r.Context(), strings.ToLower(idOrSlug))
	if errors.Is(err, store.ErrNotFound) {
		entry, err = h.catalog.FindByID(r.Context(), idOrSlug)
		if err == nil && !entry.Active {
			err = store.ErrNotFound
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		apierror.Write(w, apierror.NotFound("API not found"))
	case err != nil:
		h.logger.Error("failed to load catalog entry", zap.String("id_or_slug", idOrSlug), zap.Error(err))
		apierror.Write(w, apierror.Internal(err))
	default:
		apierror.WriteJSON(w, http.StatusOK, newCatalogEntryView(*entry))
	}
}
