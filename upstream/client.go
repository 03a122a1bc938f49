// Package upstream talks to an OpenAI-compatible /chat/completions endpoint.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"deepchat/config"
	"deepchat/models"

	"github.com/go-resty/resty/v2"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const maxErrorBody = 512

var ErrInvalidRequest = errors.New("upstream: invalid request")

// Error is a failed call to one endpoint after retries were exhausted or a
// non-transient response was received.
type Error struct {
	Endpoint   string
	StatusCode int
	// Body is the provider's error message, never shown to end users.
	Body      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "upstream %s", e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Busy reports whether the provider asked us to come back later.
func (e *Error) Busy() bool {
	return e.StatusCode == http.StatusServiceUnavailable || strings.Contains(strings.ToLower(e.Body), "busy")
}

// Chatter opens a streaming completion. The caller owns the returned body.
type Chatter interface {
	Name() string
	Chat(ctx context.Context, messages []models.ChatMessage) (io.ReadCloser, error)
}

// Completer runs a single non-streaming completion.
type Completer interface {
	Name() string
	Complete(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// Client is bound to a single endpoint and keeps no state between calls.
type Client struct {
	cfg    config.EndpointConfig
	http   *resty.Client
	openai *openai.Client
	logger *zap.Logger

	// sleep waits out the backoff delay; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg config.EndpointConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = base
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(base).
			SetAuthToken(cfg.APIKey).
			SetHeader("Content-Type", "application/json"),
		openai: openai.NewClientWithConfig(oc),
		logger: logger.With(zap.String("endpoint", cfg.Name)),
		sleep:  sleepContext,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

type chatRequest struct {
	Model            string               `json:"model"`
	Messages         []models.ChatMessage `json:"messages"`
	Temperature      float64              `json:"temperature"`
	MaxTokens        int                  `json:"max_tokens"`
	Stream           bool                 `json:"stream"`
	TopP             float64              `json:"top_p"`
	FrequencyPenalty float64              `json:"frequency_penalty"`
	PresencePenalty  float64              `json:"presence_penalty"`
}

func validate(messages []models.ChatMessage) error {
	if len(messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}

// Chat posts a streaming completion request and returns the raw SSE body.
// Transient failures (503, 408, timeouts) are retried with exponential
// backoff: the wait after attempt n is InitialDelay * 2^n.
func (c *Client) Chat(ctx context.Context, messages []models.ChatMessage) (io.ReadCloser, error) {
	if err := validate(messages); err != nil {
		return nil, err
	}
	req := chatRequest{
		Model:            c.cfg.Model,
		Messages:         messages,
		Temperature:      c.cfg.Temperature,
		MaxTokens:        c.cfg.MaxTokens,
		Stream:           true,
		TopP:             c.cfg.TopP,
		FrequencyPenalty: c.cfg.FrequencyPenalty,
		PresencePenalty:  c.cfg.PresencePenalty,
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		body, err := c.attempt(ctx, req)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var uerr *Error
		if !errors.As(err, &uerr) || !uerr.Transient {
			return nil, err
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.InitialDelay << attempt
		c.logger.Warn("transient upstream failure, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Int("status", uerr.StatusCode),
			zap.Error(uerr.Err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt issues one request. The per-attempt timeout only covers the wait
// for response headers; the returned body lives until the caller closes it
// or ctx ends.
func (c *Client) attempt(ctx context.Context, req chatRequest) (io.ReadCloser, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if c.cfg.Timeout > 0 {
		timer = time.AfterFunc(c.cfg.Timeout, cancel)
	}

	resp, err := c.http.R().
		SetContext(attemptCtx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		SetBody(req).
		Post("/chat/completions")

	timedOut := timer != nil && !timer.Stop()
	if err != nil || timedOut {
		if resp != nil && resp.RawBody() != nil {
			resp.RawBody().Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut {
			return nil, &Error{Endpoint: c.cfg.Name, Transient: true, Err: fmt.Errorf("no response within %s", c.cfg.Timeout)}
		}
		var netErr net.Error
		transient := errors.As(err, &netErr) && netErr.Timeout()
		return nil, &Error{Endpoint: c.cfg.Name, Transient: transient, Err: err}
	}

	raw := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(raw, 64*1024))
		raw.Close()
		cancel()
		status := resp.StatusCode()
		return nil, &Error{
			Endpoint:   c.cfg.Name,
			StatusCode: status,
			Body:       providerMessage(data),
			Transient:  status == http.StatusServiceUnavailable || status == http.StatusRequestTimeout,
		}
	}
	return &cancelOnClose{ReadCloser: raw, cancel: cancel}, nil
}

// providerMessage extracts {"error":{"message":...}} or falls back to the
// truncated raw body.
func providerMessage(data []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > maxErrorBody {
		n := maxErrorBody
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	return s
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
