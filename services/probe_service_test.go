package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"deepchat/models"
	"deepchat/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	name  string
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Name() string { return f.name }

func (f *fakeCompleter) Complete(context.Context, []models.ChatMessage) (string, error) {
	f.calls++
	return f.reply, f.err
}

func TestProbe(t *testing.T) {
	primary := &fakeCompleter{name: "primary", err: &upstream.Error{Endpoint: "primary", StatusCode: 401}}
	fallback := &fakeCompleter{name: "fallback", reply: "OK"}

	p := NewProbeService(nil, primary, fallback)
	tick := time.Unix(0, 0)
	p.now = func() time.Time {
		tick = tick.Add(20 * time.Millisecond)
		return tick
	}

	res, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Endpoint)
	assert.Equal(t, "OK", res.Reply)
	assert.Equal(t, int64(20), res.LatencyMs)
	assert.Equal(t, []string{"primary"}, res.Failures)

	fallback.err = errors.New("down")
	res, err = p.Probe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []string{"primary", "fallback"}, res.Failures)
}
