package services

import (
	"context"
	"errors"
	"io"
	"testing"

	"deepchat/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hello = probePrompt

func TestFailoverUsesFallbackAfterUpstreamError(t *testing.T) {
	primary := &fakeChatter{name: "primary", err: &upstream.Error{Endpoint: "primary", StatusCode: 503}}
	fallback := &fakeChatter{name: "fallback", body: "data: [DONE]\n\n"}

	body, err := NewFailover(nil, primary, fallback).Chat(context.Background(), hello)
	require.NoError(t, err)
	data, _ := io.ReadAll(body)
	assert.Equal(t, "data: [DONE]\n\n", string(data))
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, fallback.callCount())
}

func TestFailoverStopsOnOtherErrors(t *testing.T) {
	primary := &fakeChatter{name: "primary", err: context.Canceled}
	fallback := &fakeChatter{name: "fallback"}

	_, err := NewFailover(nil, primary, nil, fallback).Chat(context.Background(), hello)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fallback.callCount())

	primary.err = upstream.ErrInvalidRequest
	_, err = NewFailover(nil, primary, fallback).Chat(context.Background(), hello)
	assert.ErrorIs(t, err, upstream.ErrInvalidRequest)
	assert.Zero(t, fallback.callCount())
}

func TestFailoverReturnsLastError(t *testing.T) {
	primary := &fakeChatter{name: "primary", err: &upstream.Error{Endpoint: "primary", StatusCode: 503}}
	fallback := &fakeChatter{name: "fallback", err: &upstream.Error{Endpoint: "fallback", StatusCode: 500}}

	_, err := NewFailover(nil, primary, fallback).Chat(context.Background(), hello)
	var uerr *upstream.Error
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "fallback", uerr.Endpoint)

	_, err = NewFailover(nil).Chat(context.Background(), hello)
	assert.Error(t, err)
}
