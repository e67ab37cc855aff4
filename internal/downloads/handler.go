package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

// CustomerHeader carries the authenticated customer id set by the auth layer.
const CustomerHeader = "X-Customer-ID"

// maxExtensionDays bounds a single refresh.
const maxExtensionDays = 365

type Resolver interface {
	Resolve(ctx context.Context, token, productID string) (*Grant, error)
	Refresh(ctx context.Context, linkID, customerID string, extensionDays int) (*domain.DownloadLink, error)
	ListForCustomer(ctx context.Context, customerID string) ([]CustomerDownload, error)
}

type Handler struct {
	gate   Resolver
	logger *slog.Logger
}

func NewHandler(gate Resolver, logger *slog.Logger) *Handler {
	return &Handler{
		gate:   gate,
		logger: logger,
	}
}

// HandleDownload redirects to the file when exactly one is eligible and
// otherwise lists every signed URL.
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		h.writeError(w, http.StatusBadRequest, "missing token")
		return
	}

	grant, err := h.gate.Resolve(r.Context(), token, r.URL.Query().Get("productId"))
	if err != nil {
		h.writeGateError(w, err, "token", token)
		return
	}

	if len(grant.Files) == 1 {
		http.Redirect(w, r, grant.Files[0].URL, http.StatusFound)
		return
	}

	h.writeJSON(w, http.StatusOK, grant)
}

type refreshRequest struct {
	ExtensionDays int `json:"extensionDays"`
}

type refreshResponse struct {
	ID           string    `json:"id"`
	Token        string    `json:"token"`
	Downloads    int       `json:"downloads"`
	MaxDownloads int       `json:"maxDownloads"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}

	linkID, err := uuid.Parse(r.PathValue("linkId"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Download link not found")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExtensionDays < 0 || req.ExtensionDays > maxExtensionDays {
		h.writeError(w, http.StatusBadRequest, "extensionDays must be between 0 and 365")
		return
	}

	link, err := h.gate.Refresh(r.Context(), linkID.String(), customerID, req.ExtensionDays)
	if err != nil {
		h.writeGateError(w, err, "link_id", linkID.String())
		return
	}

	h.writeJSON(w, http.StatusOK, refreshResponse{
		ID:           link.ID,
		Token:        link.Token,
		Downloads:    link.Downloads,
		MaxDownloads: link.MaxDownloads,
		ExpiresAt:    link.ExpiresAt,
	})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.customerID(w, r)
	if !ok {
		return
	}

	downloads, err := h.gate.ListForCustomer(r.Context(), customerID)
	if err != nil {
		h.logger.Error("failed to list downloads", "error", err, "customer_id", customerID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("downloads listed", "customer_id", customerID, "count", len(downloads))
	h.writeJSON(w, http.StatusOK, map[string]any{"downloads": downloads})
}

// customerID reads the caller identity. Anything that is not a customer UUID
// is treated as unauthenticated.
func (h *Handler) customerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.Header.Get(CustomerHeader)
	if raw == "" {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) writeGateError(w http.ResponseWriter, err error, key, value string) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("download request failed", "error", err, key, value)
	} else {
		h.logger.Info("download request rejected", "reason", message, key, value)
	}
	h.writeError(w, status, message)
}

func statusFor(err error) (int, string) {
	var dErr *domain.Error
	if !errors.As(err, &dErr) {
		return http.StatusInternalServerError, "internal server error"
	}

	switch dErr.Code {
	case domain.ErrCodeLinkNotFound:
		return http.StatusNotFound, "Download link not found"
	case domain.ErrCodeNoFilesAvailable:
		return http.StatusNotFound, "No downloadable files found"
	case domain.ErrCodeLinkExpired:
		return http.StatusGone, "Download link has expired"
	case domain.ErrCodeLinkQuotaExceeded:
		return http.StatusTooManyRequests, "Download limit exceeded"
	case domain.ErrCodeRefreshLimitReached:
		return http.StatusTooManyRequests, "Refresh limit reached"
	case domain.ErrCodeOrderNotFulfilled:
		return http.StatusForbidden, "Order is not completed"
	case domain.ErrCodeUnauthorized:
		return http.StatusForbidden, "Unauthorized"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
