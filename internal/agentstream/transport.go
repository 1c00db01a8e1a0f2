package agentstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FieldHint tells the agent which field it may propose a value for.
type FieldHint struct {
	Path     string `json:"path"`
	Label    string `json:"label"`
	Prompt   string `json:"prompt,omitempty"`
	Required bool   `json:"required"`
}

// Request is what a turn is opened with.
type Request struct {
	SessionID string         `json:"sessionId"`
	Prompt    string         `json:"prompt"`
	Draft     map[string]any `json:"draft"`
	Version   int64          `json:"version"`
	Locked    []string       `json:"locked"`
	Fields    []FieldHint    `json:"fields,omitempty"`
}

// Transport opens the response stream of one agent turn. Closing the
// returned body aborts the turn on the producer side.
type Transport interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// StatusError reports a non-success response from the agent endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("agent stream: status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent stream: status %d: %s", e.StatusCode, e.Body)
}

// HTTPTransport POSTs the request as JSON and streams the NDJSON body back.
type HTTPTransport struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPTransport(url, token string) *HTTPTransport {
	return &HTTPTransport{
		URL:   url,
		Token: token,
		// no overall timeout: turns stream for as long as the agent talks,
		// and stalls are handled by the turn watchdog
		Client: &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}},
	}
}

func (t *HTTPTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	if strings.TrimSpace(t.URL) == "" {
		return nil, fmt.Errorf("agent stream: url is not configured")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")
	if t.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}
