package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/messaging"
)

// NotificationHandler turns order.fulfilled and downloads.ready events into
// customer mail.
type NotificationHandler struct {
	emailServiceURL string
	storefrontURL   string
	httpClient      *http.Client
	logger          *slog.Logger
}

func NewNotificationHandler(emailServiceURL, storefrontURL string, client *http.Client, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{
		emailServiceURL: emailServiceURL,
		storefrontURL:   strings.TrimRight(storefrontURL, "/"),
		httpClient:      client,
		logger:          logger,
	}
}

type mailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Handlers routes both notification event types.
func (h *NotificationHandler) Handlers() messaging.Handlers {
	return messaging.Handlers{
		domain.EventTypeOrderFulfilled: h.HandleOrderFulfilled,
		domain.EventTypeDownloadsReady: h.HandleDownloadsReady,
	}
}

func (h *NotificationHandler) HandleOrderFulfilled(ctx context.Context, payload []byte) error {
	var event domain.OrderFulfilledEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal order fulfilled event: %w", err))
	}

	if event.Email == "" {
		h.logger.Warn("order has no buyer email, skipping notification", "order_id", event.OrderID)
		return nil
	}

	if err := h.sendEmail(ctx, confirmationMail(event)); err != nil {
		h.logger.Error("failed to send confirmation email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send confirmation email: %w", err)
	}

	h.logger.Info("order confirmation sent", "order_id", event.OrderID, "order_number", event.OrderNumber)
	return nil
}

func (h *NotificationHandler) HandleDownloadsReady(ctx context.Context, payload []byte) error {
	var event domain.DownloadsReadyEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return messaging.Permanent(fmt.Errorf("unmarshal downloads ready event: %w", err))
	}

	if event.Email == "" || event.DownloadLinks <= 0 {
		h.logger.Warn("nothing to notify for downloads", "order_id", event.OrderID, "download_links", event.DownloadLinks)
		return nil
	}

	if err := h.sendEmail(ctx, downloadsMail(event, h.storefrontURL)); err != nil {
		h.logger.Error("failed to send downloads email", "error", err, "order_id", event.OrderID)
		return fmt.Errorf("send downloads email: %w", err)
	}

	h.logger.Info("downloads notification sent", "order_id", event.OrderID, "download_links", event.DownloadLinks)
	return nil
}

func confirmationMail(event domain.OrderFulfilledEvent) mailMessage {
	var body strings.Builder
	fmt.Fprintf(&body, "Thank you for your purchase. Order %s is confirmed.\n\n", event.OrderNumber)
	for _, item := range event.Items {
		fmt.Fprintf(&body, "%d x %s  %s %s\n", item.Quantity, item.ProductID, item.Subtotal().StringFixed(2), event.Currency)
	}
	fmt.Fprintf(&body, "\nTotal: %s %s\n", event.Total.StringFixed(2), event.Currency)
	if event.LicenseKeys > 0 {
		fmt.Fprintf(&body, "%d license key(s) are available in your account.\n", event.LicenseKeys)
	}

	return mailMessage{
		To:      event.Email,
		Subject: "Order confirmed: " + event.OrderNumber,
		Body:    body.String(),
	}
}

func downloadsMail(event domain.DownloadsReadyEvent, storefrontURL string) mailMessage {
	return mailMessage{
		To:      event.Email,
		Subject: "Your downloads are ready: " + event.OrderNumber,
		Body: fmt.Sprintf("%d download(s) from order %s are ready at %s/customer/downloads.",
			event.DownloadLinks, event.OrderNumber, storefrontURL),
	}
}

func (h *NotificationHandler) sendEmail(ctx context.Context, msg mailMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}
