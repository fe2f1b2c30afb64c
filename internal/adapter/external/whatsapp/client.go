// Package whatsapp is the messaging provider adapter: it sends text and
// media messages through the provider's instance API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/segu239/whatsapp-backend-standalone/internal/platform/httpclient"
	"github.com/segu239/whatsapp-backend-standalone/pkg/retry"
)

// Provider errors that no amount of retrying will fix, matched against the
// response message in addition to the HTTP-level classification.
var nonRetryableMessages = []string{
	"invalid api key",
	"unauthorized",
	"account not authorized",
	"instance not found",
}

// Client calls the messaging provider. All requests run through the retry
// executor with the policy supplied at construction.
type Client struct {
	http       *httpclient.Client
	baseURL    string
	instanceID string
	token      string
	policy     retry.Policy
	retryable  retry.IsRetryableFunc
}

// NewClient creates a messaging provider client.
func NewClient(c *httpclient.Client, baseURL, instanceID, token string, policy retry.Policy) *Client {
	return &Client{
		http:       c,
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		token:      token,
		policy:     policy,
		retryable:  retry.WithDenylist(retry.IsRetryable, nonRetryableMessages...),
	}
}

// APIError is a failed provider response. It is returned unwrapped so
// callers can inspect the provider's status code and message. Code is the
// provider's own error code when the response carries one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("whatsapp: status %d [%s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("whatsapp: status %d: %s", e.Status, e.Message)
}

// HTTPStatus implements retry.HTTPStatusError.
func (e *APIError) HTTPStatus() int { return e.Status }

// ChatID normalizes a recipient to the provider's chat id form. Clients may
// send the official phone form ("5491155553934") or the legacy chat id form
// ("5491155553934@c.us"); the wire format is always the latter.
func ChatID(to string) string {
	if strings.Contains(to, "@") {
		return to
	}
	return to + "@c.us"
}

type sendTextRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type sendFileRequest struct {
	ChatID   string `json:"chatId"`
	URLFile  string `json:"urlFile"`
	FileName string `json:"fileName"`
	Caption  string `json:"caption,omitempty"`
}

type sendResponse struct {
	IDMessage string `json:"idMessage"`
}

// SendText sends a text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := sendTextRequest{ChatID: ChatID(to), Message: body}
	return retry.DoWithRetryable(ctx, c.policy, "whatsapp.send_text",
		func(ctx context.Context) (string, error) {
			return c.post(ctx, "sendMessage", payload)
		}, c.retryable)
}

// SendTextTask returns a fan-out task sending body to one recipient, for use
// with retry.DoAll. The task carries this client's policy and predicate.
func (c *Client) SendTextTask(to, body string) retry.Task[string] {
	payload := sendTextRequest{ChatID: ChatID(to), Message: body}
	return retry.Task[string]{
		Name:      "whatsapp.send_text",
		Policy:    c.policy,
		Retryable: c.retryable,
		Fn: func(ctx context.Context) (string, error) {
			return c.post(ctx, "sendMessage", payload)
		},
	}
}

// SendMedia sends a media message by URL and returns the provider message id.
func (c *Client) SendMedia(ctx context.Context, to, mediaURL, filename, caption string) (string, error) {
	payload := sendFileRequest{
		ChatID:   ChatID(to),
		URLFile:  mediaURL,
		FileName: filename,
		Caption:  caption,
	}
	return retry.DoWithRetryable(ctx, c.policy, "whatsapp.send_media",
		func(ctx context.Context) (string, error) {
			return c.post(ctx, "sendFileByUrl", payload)
		}, c.retryable)
}

// post performs one provider call: a single attempt, no retries of its own.
func (c *Client) post(ctx context.Context, method string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/waInstance%s/%s/%s", c.baseURL, c.instanceID, method, c.token)
	req, err := http.NewRequest(http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, code := readError(resp.Body)
		return "", &APIError{Status: resp.StatusCode, Code: code, Message: msg}
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.IDMessage, nil
}

// readError extracts the provider's error message and code from a failed
// response.
func readError(r io.Reader) (msg, code string) {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(b, &body); err == nil {
		if body.Message != "" {
			return body.Message, body.Code
		}
		if body.Error != "" {
			return body.Error, body.Code
		}
	}
	return strings.TrimSpace(string(b)), ""
}
