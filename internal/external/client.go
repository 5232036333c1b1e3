// Package external talks to the system of record's write API. The remote
// does not guarantee idempotency, so every attempt carries a stable
// Idempotency-Key and every call runs under a bounded timeout.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreplane/mirrorsync/internal/types"
)

// TransientError marks a failure worth retrying: timeout, connection
// error, 5xx or throttling.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transient external error: status %d", e.Status)
	}
	return fmt.Sprintf("transient external error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a semantic rejection by the external system.
// Never retried; the item goes straight to the dead letter queue.
type PermanentError struct {
	Status  int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("external system rejected write: status %d: %s", e.Status, e.Message)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// UpdateRequest is one per-record write containing only changed fields.
type UpdateRequest struct {
	ExternalID     string         `json:"-"`
	Fields         types.FieldMap `json:"fields"`
	IdempotencyKey string         `json:"-"`
}

// UpdateResult is the external system's success payload. Baseline, when
// present, is the record's fresh post-write state.
type UpdateResult struct {
	Baseline types.FieldMap `json:"data"`
}

// Client calls the external system's per-record update endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a Client. timeout bounds every individual call.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// UpdateRecord writes the changed fields for one record. Timeouts,
// connection failures, 429 and 5xx responses come back as
// *TransientError; other non-2xx responses as *PermanentError.
func (c *Client) UpdateRecord(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}

	url := fmt.Sprintf("%s/records/%s", c.baseURL, req.ExternalID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Timeouts and connection errors are retryable by definition.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var result UpdateResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &result, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode}

	default:
		return nil, &PermanentError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
}

// readErrorMessage extracts a structured error message, falling back to
// the raw body.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return string(raw)
}
