// Package asker provides question.Asker implementations.
package asker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/question"
)

var (
	_ question.Asker = (*HTTP)(nil)
	_ question.Asker = Disabled{}
)

// DefaultTimeout bounds one answering call when the config leaves it unset.
const DefaultTimeout = 60 * time.Second

type askRequest struct {
	SelectedText string `json:"selected_text"`
	Question     string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// HTTP asks a remote answering endpoint over JSON.
type HTTP struct {
	endpoint string
	token    string
	client   *http.Client
}

// HTTPOption configures an HTTP asker.
type HTTPOption func(*HTTP)

// WithClient replaces the HTTP client. The client's own timeout is kept.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTP) { h.token = token }
}

// NewHTTP returns an asker posting to endpoint. A zero timeout means
// DefaultTimeout.
func NewHTTP(endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := &HTTP{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Ask implements question.Asker.
func (h *HTTP) Ask(ctx context.Context, selectedText, q string) (string, error) {
	body, err := json.Marshal(askRequest{SelectedText: selectedText, Question: q})
	if err != nil {
		return "", fmt.Errorf("asker: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("asker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("asker: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("asker: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("asker: decode response: %w", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return "", fmt.Errorf("asker: empty answer")
	}
	return out.Answer, nil
}

// Disabled is used when no answering endpoint is configured.
type Disabled struct{}

// Ask always fails.
func (Disabled) Ask(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("asker: %w: no answering endpoint configured", apperr.ErrQuestionFailed)
}
