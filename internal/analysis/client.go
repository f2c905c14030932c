// Package analysis notifies the AI analysis service about sent messages.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/chat"
)

// Notifier receives successfully sent messages.
type Notifier interface {
	Notify(msg chat.Message)
}

// Nop is a Notifier that does nothing.
type Nop struct{}

func (Nop) Notify(chat.Message) {}

type analyzeRequest struct {
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// Client posts messages to <base>/analyze-message.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a client. An empty baseURL yields a client whose Notify is a no-op.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Enabled reports whether a service URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.base != ""
}

// Analyze submits one message and waits for the service to accept it.
func (c *Client) Analyze(ctx context.Context, msg chat.Message) error {
	body, err := json.Marshal(analyzeRequest{
		MessageID:      msg.ID,
		Text:           msg.Text,
		UserID:         msg.SenderID,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/analyze-message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analyze message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("analyze message: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Notify runs Analyze in the background. Failures are logged and never
// reach the caller.
func (c *Client) Notify(msg chat.Message) {
	if !c.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.Analyze(ctx, msg); err != nil {
			c.logger.Warn("analysis request failed",
				zap.String("message_id", msg.ID),
				zap.String("conversation_id", msg.ConversationID),
				zap.Error(err))
		}
	}()
}
