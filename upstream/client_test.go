package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"deepchat/config"
	"deepchat/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hello = []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}}

func testClient(url string, retries int) (*Client, *[]time.Duration) {
	c := New(config.EndpointConfig{
		Name:         "test",
		BaseURL:      url,
		APIKey:       "sk-test",
		Model:        "test-model",
		Temperature:  0.7,
		TopP:         0.7,
		MaxTokens:    100,
		Timeout:      2 * time.Second,
		MaxRetries:   retries,
		InitialDelay: 10 * time.Millisecond,
	}, nil)
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func TestChatStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["stream"])
		assert.Equal(t, "test-model", body["model"])
		assert.EqualValues(t, 100, body["max_tokens"])
		assert.Contains(t, body, "frequency_penalty")

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	body, err := c.Chat(context.Background(), hello)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":"Hi"`)
	assert.Contains(t, string(data), "[DONE]")
}

func TestChatRejectsInvalidMessages(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	c, _ := testClient(srv.URL, 3)

	_, err := c.Chat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = c.Chat(context.Background(), []models.ChatMessage{{Role: "tool", Content: "x"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestChatRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"System is too busy now"}}`)
	}))
	defer srv.Close()

	c, delays := testClient(srv.URL, 3)
	_, err := c.Chat(context.Background(), hello)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusServiceUnavailable, uerr.StatusCode)
	assert.Equal(t, "System is too busy now", uerr.Body)
	assert.True(t, uerr.Transient)
	assert.True(t, uerr.Busy())

	assert.Equal(t, int32(4), atomic.LoadInt32(&hits))
	d := 10 * time.Millisecond
	assert.Equal(t, []time.Duration{d, 2 * d, 4 * d}, *delays)
}

func TestChatRecoversAfterTransientFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, delays := testClient(srv.URL, 3)
	body, err := c.Chat(context.Background(), hello)
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
	assert.Len(t, *delays, 1)
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "invalid api key")
	}))
	defer srv.Close()

	c, delays := testClient(srv.URL, 3)
	_, err := c.Chat(context.Background(), hello)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.False(t, uerr.Transient)
	assert.Equal(t, "invalid api key", uerr.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Empty(t, *delays)
}

func TestChatAttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	c.cfg.Timeout = 50 * time.Millisecond

	_, err := c.Chat(context.Background(), hello)
	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.True(t, uerr.Transient)
	assert.Zero(t, uerr.StatusCode)
}

func TestChatTimeoutDoesNotCoverBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(w, "data: late\n\n")
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	c.cfg.Timeout = 50 * time.Millisecond

	body, err := c.Chat(context.Background(), hello)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: late\n\n", string(data))
}

func TestChatCallerCancelIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.Chat(ctx, hello)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEqual(t, true, body["stream"])

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	out, err := c.Complete(context.Background(), hello)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestCompleteMapsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"busy","type":"server_error"}}`)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	_, err := c.Complete(context.Background(), hello)

	var uerr *Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, http.StatusServiceUnavailable, uerr.StatusCode)
	assert.True(t, uerr.Busy())
}

func TestProviderMessage(t *testing.T) {
	assert.Equal(t, "bad key", providerMessage([]byte(`{"error":{"message":"bad key"}}`)))
	assert.Equal(t, "plain", providerMessage([]byte("  plain \n")))
	assert.Len(t, providerMessage([]byte(fmt.Sprintf("%0600d", 1))), maxErrorBody)

	// 3-byte runes straddle the limit; the cut backs off to a rune boundary
	long := providerMessage([]byte("x" + strings.Repeat("错", 300)))
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, "x"+strings.Repeat("错", 170), long)
}
