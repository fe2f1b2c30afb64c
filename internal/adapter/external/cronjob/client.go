// Package cronjob is the scheduling provider adapter: it manages cron and
// one-time triggers that call back into the relay's dispatch webhook.
package cronjob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/segu239/whatsapp-backend-standalone/internal/platform/httpclient"
	"github.com/segu239/whatsapp-backend-standalone/pkg/retry"
)

var nonRetryableMessages = []string{
	"invalid api key",
	"unauthorized",
	"invalid cron expression",
}

// Trigger describes a callback job at the scheduling provider. Exactly one
// of CronExpr or FireAt is set.
type Trigger struct {
	ID       int64      `json:"jobId,omitempty"`
	Title    string     `json:"title"`
	URL      string     `json:"url"`
	CronExpr string     `json:"cronExpr,omitempty"`
	FireAt   *time.Time `json:"fireAt,omitempty"`
	Secret   string     `json:"secret,omitempty"`
	Enabled  bool       `json:"enabled"`
}

// APIError is a failed provider response, returned unwrapped.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cronjob: status %d: %s", e.Status, e.Message)
}

// HTTPStatus implements retry.HTTPStatusError.
func (e *APIError) HTTPStatus() int { return e.Status }

// Client calls the scheduling provider. All requests run through the retry
// executor with the policy supplied at construction.
type Client struct {
	http      *httpclient.Client
	baseURL   string
	apiKey    string
	policy    retry.Policy
	retryable retry.IsRetryableFunc
}

// NewClient creates a scheduling provider client.
func NewClient(c *httpclient.Client, baseURL, apiKey string, policy retry.Policy) *Client {
	return &Client{
		http:      c,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		policy:    policy,
		retryable: retry.WithDenylist(retry.IsRetryable, nonRetryableMessages...),
	}
}

// CreateTrigger registers a trigger and returns the provider's job id.
func (c *Client) CreateTrigger(ctx context.Context, tr Trigger) (int64, error) {
	tr.Enabled = true
	return retry.DoWithRetryable(ctx, c.policy, "cronjob.create_trigger",
		func(ctx context.Context) (int64, error) {
			var out struct {
				JobID int64 `json:"jobId"`
			}
			if err := c.do(ctx, http.MethodPost, "/jobs", tr, &out); err != nil {
				return 0, err
			}
			return out.JobID, nil
		}, c.retryable)
}

// DeleteTrigger removes a trigger. Deleting an already-absent trigger is not
// an error: the provider answers 404 and the relay treats it as done.
func (c *Client) DeleteTrigger(ctx context.Context, id int64) error {
	_, err := retry.DoWithRetryable(ctx, c.policy, "cronjob.delete_trigger",
		func(ctx context.Context) (struct{}, error) {
			err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/jobs/%d", id), nil, nil)
			var ae *APIError
			if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
				return struct{}{}, nil
			}
			return struct{}{}, err
		}, c.retryable)
	return err
}

// ListTriggers returns all triggers registered for this account.
func (c *Client) ListTriggers(ctx context.Context) ([]Trigger, error) {
	return retry.DoWithRetryable(ctx, c.policy, "cronjob.list_triggers",
		func(ctx context.Context) ([]Trigger, error) {
			var out struct {
				Jobs []Trigger `json:"jobs"`
			}
			if err := c.do(ctx, http.MethodGet, "/jobs", nil, &out); err != nil {
				return nil, err
			}
			return out.Jobs, nil
		}, c.retryable)
}

// do performs one provider call: a single attempt, no retries of its own.
func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: readMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	return strings.TrimSpace(string(b))
}
