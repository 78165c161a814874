package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// NotifyClient delivers user-facing messages through the chat gateway
type NotifyClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NotificationRequest is the body accepted by the chat gateway
type NotificationRequest struct {
	UserRef string `json:"user_ref"`
	Message string `json:"message"`
}

// NewNotifyClient creates a new chat gateway client
func NewNotifyClient(baseURL, internalKey string, timeout time.Duration, logger *slog.Logger) *NotifyClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NotifyClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "NotifyClient"),
	}
}

// Notify sends message to the user identified by userRef
func (c *NotifyClient) Notify(ctx context.Context, userRef, message string) error {
	url := fmt.Sprintf("%s/api/internal/notifications", c.baseURL)

	body, err := json.Marshal(&NotificationRequest{UserRef: userRef, Message: message})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("chat gateway returned status %d", resp.StatusCode)
	}

	c.logger.Debug("notification delivered", "user_ref", userRef)
	return nil
}
