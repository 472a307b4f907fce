// Package http exposes the parcel JSON API over HTTP. Handlers stay thin:
// they decode requests, resolve the requester identity, and map coordinator
// outcomes to statuses.
package http

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/code-to-gold/amo-storage/internal/platform/errors"
	"github.com/code-to-gold/amo-storage/internal/platform/httpx"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/credential"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/domain"
)

// Service is the coordinator contract consumed by the handlers.
type Service interface {
	Create(ctx context.Context, owner string, meta json.RawMessage, data []byte, credentialKey string) (string, error)
	Inspect(ctx context.Context, parcelID, key string) (domain.InspectResult, error)
	Download(ctx context.Context, parcelID, requester, credentialKey string) (domain.Parcel, error)
	Delete(ctx context.Context, parcelID, requester, credentialKey string) error
}

// Handler serves the parcel routes.
type Handler struct {
	svc Service
}

// NewHandler builds the parcel route mux.
func NewHandler(svc Service) http.Handler {
	h := &Handler{svc: svc}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /parcels", h.create)
	mux.HandleFunc("GET /parcels/{id}", h.fetch)
	mux.HandleFunc("DELETE /parcels/{id}", h.remove)
	return mux
}

type createRequest struct {
	Owner    string          `json:"owner"`
	Metadata json.RawMessage `json:"metadata"`
	Data     *string         `json:"data"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	ident, err := requesterIdentity(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, apperrors.Wrap(apperrors.CodeBadRequest, "malformed request body", err))
		return
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		httpx.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "owner is required"))
		return
	}
	if len(req.Metadata) == 0 {
		httpx.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "metadata is required"))
		return
	}
	if req.Data == nil {
		httpx.WriteError(w, apperrors.New(apperrors.CodeBadRequest, "data is required"))
		return
	}
	data, err := hex.DecodeString(*req.Data)
	if err != nil {
		httpx.WriteError(w, apperrors.Wrap(apperrors.CodeBadRequest, "data must be hex encoded", err))
		return
	}

	id, err := h.svc.Create(r.Context(), owner, req.Metadata, data, invalidationKey(r, ident))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request) {
	ident, err := requesterIdentity(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	parcelID := r.PathValue("id")

	// Inspect sub-mode: a key query selects one record field, no ACL check.
	if r.URL.Query().Has("key") {
		result, err := h.svc.Inspect(r.Context(), parcelID, r.URL.Query().Get("key"))
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		_ = httpx.WriteJSON(w, http.StatusOK, map[string]json.RawMessage{result.Key: result.Value})
		return
	}

	parcel, err := h.svc.Download(r.Context(), parcelID, ident.User, invalidationKey(r, ident))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":       parcel.ID,
		"owner":    parcel.Owner,
		"metadata": parcel.Meta,
		"data":     hex.EncodeToString(parcel.Data),
	})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	ident, err := requesterIdentity(r)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	if err := h.svc.Delete(r.Context(), r.PathValue("id"), ident.User, invalidationKey(r, ident)); err != nil {
		httpx.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requesterIdentity resolves the caller from the access token header. Token
// signatures are verified by the upstream auth layer; an unparsable or absent
// token is rejected before any coordinator work.
func requesterIdentity(r *http.Request) (credential.Identity, error) {
	token := r.Header.Get("X-Auth-Token")
	if strings.TrimSpace(token) == "" {
		return credential.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "auth token is required")
	}
	ident, err := credential.FromToken(token)
	if err != nil {
		return credential.Identity{}, apperrors.Wrap(apperrors.CodeUnauthorized, "invalid auth token", err)
	}
	return ident, nil
}

// invalidationKey returns the credential cache key to consume after the
// operation, or empty when the credential header trio is incomplete.
func invalidationKey(r *http.Request, ident credential.Identity) string {
	if r.Header.Get("X-Public-Key") == "" || r.Header.Get("X-Signature") == "" {
		return ""
	}
	return ident.Key
}
