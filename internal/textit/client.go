package textit

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

const maxResponseBytes = 64 << 10

// DefaultSendURL is the TextIt v1 message creation API.
const DefaultSendURL = "https://api.textit.in/api/v1/sms.json"

// Client sends messages through the TextIt API.
type Client struct {
	sendURL string
	client  *http.Client
}

func NewClient(sendURL string, timeout time.Duration) *Client {
	if sendURL == "" {
		sendURL = DefaultSendURL
	}
	return &Client{
		sendURL: sendURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	Text  string   `json:"text"`
	Phone []string `json:"phone"`
}

type sendResponse struct {
	SMS []int64 `json:"sms"`
}

// SendResult describes one TextIt API exchange.
type SendResult struct {
	StatusCode int
	Body       string
	IDs        []int64
}

// Send posts text for contacts and returns the ids TextIt created. A non-2xx
// answer is an error; the result still carries the status and body. Any 2xx
// means TextIt took the message, so an unreadable body only loses the ids.
func (c *Client) Send(ctx context.Context, ep *Endpoint, contacts []string, text string) (SendResult, error) {
	var res SendResult

	payload, err := json.Marshal(sendRequest{Text: text, Phone: contacts})
	if err != nil {
		return res, fmt.Errorf("failed to marshal textit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL, bytes.NewReader(payload))
	if err != nil {
		return res, fmt.Errorf("failed to create textit request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+ep.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("failed to send textit request: %w", err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	res.StatusCode = resp.StatusCode
	res.Body = string(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return res, fmt.Errorf("textit returned status code: %d", resp.StatusCode)
	}
	if readErr != nil {
		slog.WarnContext(ctx, "Failed to read textit response", slog.Any("error", readErr))
		return res, nil
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.WarnContext(ctx, "Failed to decode textit response", slog.Any("error", err), slog.String("body", res.Body))
		return res, nil
	}
	res.IDs = parsed.SMS
	return res, nil
}
