package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"bastion/internal/documents/models"
	"bastion/internal/resilience/middleware"
	resmodels "bastion/internal/resilience/models"
	"bastion/pkg/platform/httputil"
	"bastion/pkg/platform/sentinel"
)

// maxBodyBytes bounds PUT payloads.
const maxBodyBytes = 1 << 20

// DocumentService is the domain port the handlers delegate to.
type DocumentService interface {
	Get(ctx context.Context, tenantID, id string) (*models.Document, string, error)
	Put(ctx context.Context, tenantID, id string, body json.RawMessage) (*models.Document, string, error)
	Delete(ctx context.Context, tenantID, id string) error
}

type DocumentHandler struct {
	service DocumentService
}

func NewDocumentHandler(service DocumentService) *DocumentHandler {
	return &DocumentHandler{service: service}
}

func (h *DocumentHandler) Register(r chi.Router, guard func(http.Handler) http.Handler) {
	r.Route("/v1/documents", func(r chi.Router) {
		r.With(guard).Get("/{id}", h.handleGet)
		r.With(guard).Put("/{id}", h.handlePut)
		r.With(guard).Delete("/{id}", h.handleDelete)
	})
}

func (h *DocumentHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, etag, err := h.service.Get(r.Context(), tenant(r), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "unreadable request body")
		return
	}
	if !json.Valid(body) {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "body must be valid JSON")
		return
	}

	doc, etag, err := h.service.Put(r.Context(), tenant(r), chi.URLParam(r, "id"), body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("ETag", etag)
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), tenant(r), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func tenant(r *http.Request) string {
	return r.Header.Get(middleware.TenantHeader)
}

// writeDomainError maps domain errors onto the standard envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	var unavailable *resmodels.StoreUnavailableError
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, sentinel.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, "conflict", "")
	case errors.Is(err, sentinel.ErrUnavailable), errors.As(err, &unavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, "store_unavailable", "")
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
