// Package pilot provides concrete asyncre.SubjobAdapter implementations:
// an HTTP/JSON client against a REST pilot service, and an in-process mock
// for tests.
package pilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/tidwall/gjson"

	"github.com/asyncre-go/asyncre/asyncre"
)

// HTTPAdapter implements asyncre.SubjobAdapter against a REST pilot
// service: submit -> POST /subjobs, poll -> GET /subjobs/{handle}, capacity
// -> GET /capacity. Response bodies are read with gjson rather than bound
// to a fixed struct, since the pilot is an external, independently
// versioned system whose response shape the core does not own.
type HTTPAdapter struct {
	BaseURL string
	Client  *http.Client

	// Timeout bounds each individual HTTP call; zero means no adapter-level
	// timeout is applied beyond whatever the caller's context already carries.
	Timeout time.Duration

	// limiter throttles the adapter's own internal retry pacing so a flaky
	// pilot is never hammered faster than is reasonable between a
	// coordinator's ticks; it does not gate the scheduler's once-per-tick
	// calls, only any internal retry this adapter performs on transient
	// errors.
	limiter *catrate.Limiter

	// Policy governs how many times do retries a transient
	// PilotUnavailableError and how long it waits between attempts.
	// Defaults to asyncre.DefaultRetryPolicy().
	Policy asyncre.RetryPolicy

	// Rand drives the backoff jitter. Nil uses math/rand's default source.
	Rand *rand.Rand
}

// NewHTTPAdapter builds an HTTPAdapter against baseURL. The internal retry
// limiter allows at most one retry per interval, a conservative default
// matched to typical CYCLE_TIME cadences.
func NewHTTPAdapter(baseURL string, interval time.Duration) *HTTPAdapter {
	if interval <= 0 {
		interval = time.Second
	}
	return &HTTPAdapter{
		BaseURL: baseURL,
		Client:  &http.Client{},
		Timeout: 30 * time.Second,
		limiter: catrate.NewLimiter(map[time.Duration]int{interval: 1}),
		Policy:  asyncre.DefaultRetryPolicy(),
	}
}

// Submit implements asyncre.SubjobAdapter.
func (h *HTTPAdapter) Submit(ctx context.Context, desc asyncre.SubjobDescriptor) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"replica_id": desc.ReplicaID,
		"cycle":      desc.Cycle,
		"input_dir":  desc.InputDir,
		"basename":   desc.Basename,
		"cores":      desc.Cores,
	})
	if err != nil {
		return "", fmt.Errorf("pilot: encode submit payload: %w", err)
	}

	body, err := h.do(ctx, http.MethodPost, "/subjobs", payload)
	if err != nil {
		return "", err
	}
	handle := gjson.GetBytes(body, "handle").String()
	if handle == "" {
		return "", fmt.Errorf("pilot: submit response missing handle")
	}
	return handle, nil
}

// Poll implements asyncre.SubjobAdapter.
func (h *HTTPAdapter) Poll(ctx context.Context, handle string) (asyncre.SubjobStatus, error) {
	body, err := h.do(ctx, http.MethodGet, "/subjobs/"+handle, nil)
	if err != nil {
		return asyncre.SubjobUnknown, err
	}
	status := gjson.GetBytes(body, "status").String()
	switch status {
	case "pending":
		return asyncre.SubjobPending, nil
	case "running":
		return asyncre.SubjobRunning, nil
	case "done":
		return asyncre.SubjobDone, nil
	case "failed":
		return asyncre.SubjobFailed, nil
	default:
		return asyncre.SubjobUnknown, nil
	}
}

// Capacity implements asyncre.SubjobAdapter.
func (h *HTTPAdapter) Capacity(ctx context.Context) (asyncre.Capacity, error) {
	body, err := h.do(ctx, http.MethodGet, "/capacity", nil)
	if err != nil {
		return asyncre.Capacity{}, err
	}
	return asyncre.Capacity{
		InUse:      int(gjson.GetBytes(body, "in_use").Int()),
		Total:      int(gjson.GetBytes(body, "total").Int()),
		BufferSize: int(gjson.GetBytes(body, "buffer_size").Int()),
	}, nil
}

// do runs doOnce, retrying a transient PilotUnavailableError up to the
// adapter's Policy with exponential backoff and jitter. A zero-value
// Policy (MaxAttempts 0) is treated as a single attempt, no retry.
func (h *HTTPAdapter) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	maxAttempts := h.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, err := h.doOnce(ctx, method, path, payload, attempt > 0)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var pilotErr *asyncre.PilotUnavailableError
		if !errors.As(err, &pilotErr) {
			return nil, err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := h.Policy.Backoff(attempt, h.Rand)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &asyncre.PilotUnavailableError{Op: path, Err: ctx.Err()}
		}
	}
	return nil, lastErr
}

func (h *HTTPAdapter) doOnce(ctx context.Context, method, path string, payload []byte, retry bool) ([]byte, error) {
	var cancel context.CancelFunc
	ctx, cancel = asyncre.WithPilotTimeout(ctx, 0, h.Timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.BaseURL+path, reqBody)
	if err != nil {
		return nil, &asyncre.PilotUnavailableError{Op: path, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Every HTTP attempt gets its own request id, including retries, so the
	// pilot side's logs can be correlated with a specific attempt rather
	// than just the logical subjob operation.
	req.Header.Set("X-Request-Id", uuid.NewString())

	if h.limiter != nil && retry {
		if next, ok := h.limiter.Allow(path); !ok {
			select {
			case <-time.After(time.Until(next)):
			case <-ctx.Done():
				return nil, &asyncre.PilotUnavailableError{Op: path, Err: ctx.Err()}
			}
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, &asyncre.PilotUnavailableError{Op: path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &asyncre.PilotUnavailableError{Op: path, Err: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &asyncre.PilotUnavailableError{Op: path, Err: fmt.Errorf("pilot returned %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("pilot: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}
	return respBody, nil
}
