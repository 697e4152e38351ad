package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vietddude/agentd/internal/resilience"
)

const maxResponseBody = 8 << 20

// HTTP posts the input document to an endpoint and returns the JSON response.
type HTTP struct {
	url        string
	httpClient *http.Client
}

// NewHTTP creates an HTTP executor. Deadlines come from the call context.
func NewHTTP(url string) *HTTP {
	return &HTTP{
		url: url,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Execute makes a single call.
func (h *HTTP) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(input))
	if err != nil {
		return nil, &resilience.ValidationError{Field: "url", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &resilience.TimeoutError{Operation: h.url, Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &resilience.ConnectionError{Target: h.url, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &resilience.ConnectionError{Target: h.url, Err: fmt.Errorf("read response: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return nil, &resilience.ConnectionError{
			Target: h.url,
			Err:    fmt.Errorf("http %d, retry after: %s", resp.StatusCode, resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return nil, &resilience.ProcessError{
			ExitCode: resp.StatusCode,
			Stderr:   tail(string(body)),
			Err:      fmt.Errorf("http %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return nil, &resilience.ValidationError{
			Field: "request",
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, tail(string(body))),
		}
	case resp.StatusCode == http.StatusNoContent:
		return json.RawMessage(`{}`), nil
	}

	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, &resilience.ParseError{Err: fmt.Errorf("response is not JSON: %.200q", body)}
	}
	return json.RawMessage(body), nil
}
