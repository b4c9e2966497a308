package aisession

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"hookrelay.io/relay/core/config"
	"hookrelay.io/relay/internal/metrics"
)

// maxConsecutiveTransient is how many back-to-back transient poll
// failures are tolerated before the session is declared dead. A
// successful poll resets the count.
const maxConsecutiveTransient = 4

var (
	// ErrTransientLimit means the backend returned transient errors on
	// too many consecutive polls.
	ErrTransientLimit = errors.New("ai backend: transient error limit exceeded")
	// ErrPollFailed means the backend rejected a poll with a
	// non-transient status.
	ErrPollFailed = errors.New("ai backend: poll rejected")
)

// Client drives AI sessions over the backend's create-then-poll protocol.
// Polling grows from PollBase toward PollMax as elapsed time accumulates;
// the total budget is the caller's timeout. There is no remote cancel:
// a session outliving the local timeout keeps running on the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pollBase   time.Duration
	pollMax    time.Duration
	sink       metrics.Sink
	logger     *slog.Logger
}

func NewClient(cfg config.AIConfig, sink metrics.Sink, logger *slog.Logger) *Client {
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = slog.Default()
	}
	pollBase := cfg.PollBase
	if pollBase <= 0 {
		pollBase = 2 * time.Second
	}
	pollMax := cfg.PollMax
	if pollMax < pollBase {
		pollMax = pollBase
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pollBase:   pollBase,
		pollMax:    pollMax,
		sink:       sink,
		logger:     logger,
	}
}

// ExecuteSession creates a session with the prompt and polls it until a
// terminal status or the timeout budget runs out. Timeout exhaustion is a
// soft failure: whatever output accumulated is returned without error.
func (c *Client) ExecuteSession(ctx context.Context, apiKey, prompt string, timeout time.Duration) (*Result, error) {
	start := time.Now()
	deadline := start.Add(timeout)

	sessionID, err := c.createSession(ctx, apiKey, prompt)
	if err != nil {
		return nil, err
	}

	var (
		lastOutput string
		transient  int
	)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.logger.WarnContext(ctx, "session timed out without terminal status", "session_id", sessionID, "elapsed", time.Since(start))
			return &Result{SessionID: sessionID, Output: lastOutput, Latency: time.Since(start)}, nil
		}

		interval := c.pollInterval(time.Since(start), transient)
		if interval > remaining {
			interval = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		state, status, err := c.pollSession(ctx, apiKey, sessionID)
		if err != nil {
			return nil, err
		}

		if status >= 200 && status < 300 {
			transient = 0
			c.sink.SessionPoll(false)
			lastOutput = state.extractOutput()
			if state.Status.Terminal() {
				return &Result{SessionID: sessionID, Output: lastOutput, Latency: time.Since(start)}, nil
			}
			continue
		}

		if isTransient(status) {
			transient++
			c.sink.SessionPoll(true)
			c.logger.WarnContext(ctx, "transient poll failure", "session_id", sessionID, "status", status, "consecutive", transient)
			if transient > maxConsecutiveTransient {
				return nil, fmt.Errorf("%w: %d consecutive failures, last status %d", ErrTransientLimit, transient, status)
			}
			continue
		}

		return nil, fmt.Errorf("%w: status %d", ErrPollFailed, status)
	}
}

// ValidateAPIKey reports whether the key authenticates against the
// backend. Auth rejections are a false result, not an error.
func (c *Client) ValidateAPIKey(ctx context.Context, apiKey string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions?limit=1", nil)
	if err != nil {
		return false, fmt.Errorf("building validation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("validating api key: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	default:
		return false, fmt.Errorf("ai backend: unexpected validation status %d", resp.StatusCode)
	}
}

func (c *Client) createSession(ctx context.Context, apiKey, prompt string) (string, error) {
	body, err := json.Marshal(createSessionRequest{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("encoding session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("ai backend: session create returned status %d", resp.StatusCode)
	}

	var created createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decoding session response: %w", err)
	}
	if created.SessionID == "" {
		return "", fmt.Errorf("ai backend: session create returned no session id")
	}
	return created.SessionID, nil
}

// pollSession returns the decoded state only for 2xx responses; for
// non-2xx it returns the status code so the caller can classify it.
func (c *Client) pollSession(ctx context.Context, apiKey, sessionID string) (sessionState, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return sessionState{}, 0, fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sessionState{}, 0, fmt.Errorf("polling session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return sessionState{}, resp.StatusCode, nil
	}

	var state sessionState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return sessionState{}, 0, fmt.Errorf("decoding session state: %w", err)
	}
	return state, resp.StatusCode, nil
}

// pollInterval ramps from pollBase to pollMax with elapsed time, then
// layers exponential backoff on top while transient errors accumulate.
func (c *Client) pollInterval(elapsed time.Duration, transient int) time.Duration {
	interval := c.pollBase
	switch {
	case elapsed > 2*time.Minute:
		interval = c.pollMax
	case elapsed > 30*time.Second:
		interval = (c.pollBase + c.pollMax) / 2
	}

	for i := 0; i < transient; i++ {
		interval *= 2
		if interval >= c.pollMax {
			return c.pollMax
		}
	}
	if interval > c.pollMax {
		interval = c.pollMax
	}
	return interval
}

func isTransient(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
