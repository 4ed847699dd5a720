package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/timeouts"
)

// relayMaxAttempts bounds publish retries before the failure surfaces.
const relayMaxAttempts = 3

// Relay reads and writes records on the public log.
type Relay interface {
	Publish(ctx context.Context, record Record) error
	// FetchTaskRecords returns every record tagged with the task id.
	FetchTaskRecords(ctx context.Context, taskID string) ([]Record, error)
}

// HTTPRelay talks to a relay over its HTTP interface.
type HTTPRelay struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRelay builds a relay client for the given base URL.
func NewHTTPRelay(baseURL string) (*HTTPRelay, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	return &HTTPRelay{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeouts.RelayPublish},
	}, nil
}

// Publish posts one signed record, retrying transient failures.
func (r *HTTPRelay) Publish(ctx context.Context, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeouts.RelayPublish)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/events", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusConflict:
			// Already stored; publishing is idempotent by record id.
			return struct{}{}, nil
		case resp.StatusCode >= 500:
			return struct{}{}, fmt.Errorf("relay returned status %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("relay rejected record: status %d", resp.StatusCode))
		}
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(relayMaxAttempts))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRailUnavailable, "publish record to relay", err)
	}
	return nil
}

// FetchTaskRecords returns verified records for one task, dropping any entry
// that fails signature or id checks.
func (r *HTTPRelay) FetchTaskRecords(ctx context.Context, taskID string) ([]Record, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.RelayFetch)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet,
		r.baseURL+"/events?task="+url.QueryEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRailUnavailable, "fetch records from relay", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"relay fetch failed",
			map[string]string{"status": fmt.Sprintf("%d", resp.StatusCode)})
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}

	verified := records[:0]
	for _, record := range records {
		if err := Verify(record); err != nil {
			continue
		}
		verified = append(verified, record)
	}
	return verified, nil
}
