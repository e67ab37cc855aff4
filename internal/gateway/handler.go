package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
)

// copiedHeaders are passed back from the storefront to the client.
var copiedHeaders = []string{"Content-Type", "Location"}

type Limiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// Options configures the optional gateway policies.
type Options struct {
	// DownloadLimiter is keyed by client IP. Nil disables limiting.
	DownloadLimiter Limiter
	// Auth verifies customer tokens for HandleCustomer. Nil rejects every
	// customer request.
	Auth *Authenticator
	// TrustedProxies may set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type Handler struct {
	storefrontProxy *ServiceProxy
	opts            Options
	logger          *slog.Logger
}

func NewHandler(storefrontProxy *ServiceProxy, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		storefrontProxy: storefrontProxy,
		opts:            opts,
		logger:          logger,
	}
}

// HandleStorefront proxies public routes. No customer identity is forwarded.
func (h *Handler) HandleStorefront(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, r.URL.Path, "")
}

// HandleCustomer proxies routes that act for a signed-in customer. The
// identity sent upstream comes only from a verified bearer token.
func (h *Handler) HandleCustomer(w http.ResponseWriter, r *http.Request) {
	if h.opts.Auth == nil {
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	customerID, err := h.opts.Auth.CustomerID(r)
	if err != nil {
		h.logger.Info("customer authentication failed", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	h.proxyRequest(w, r, r.URL.Path, customerID)
}

func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	if h.opts.DownloadLimiter != nil {
		ip := clientIP(r, h.opts.TrustedProxies)
		allowed, err := h.opts.DownloadLimiter.Allow(r.Context(), ip)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing request", "error", err, "client_ip", ip)
		} else if !allowed {
			h.logger.Info("download rate limited", "client_ip", ip)
			h.writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	h.proxyRequest(w, r, r.URL.Path, "")
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, path, customerID string) {
	resp, err := h.storefrontProxy.ForwardRequest(r.Context(), r, path, customerID)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range copiedHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}
