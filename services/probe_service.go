package services

import (
	"context"
	"errors"
	"time"

	"deepchat/models"
	"deepchat/upstream"

	"go.uber.org/zap"
)

var probePrompt = []models.ChatMessage{{Role: models.RoleUser, Content: "Reply with the single word OK."}}

type ProbeResult struct {
	Endpoint string        `json:"endpoint"`
	Reply    string        `json:"reply"`
	Latency  time.Duration `json:"-"`
	// LatencyMs mirrors Latency for JSON clients.
	LatencyMs int64    `json:"latencyMs"`
	Failures  []string `json:"failures,omitempty"`
}

// ProbeService checks that at least one upstream endpoint answers a short
// non-streaming completion.
type ProbeService struct {
	endpoints []upstream.Completer
	logger    *zap.Logger
	now       func() time.Time
}

func NewProbeService(logger *zap.Logger, endpoints ...upstream.Completer) *ProbeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ProbeService{logger: logger, now: time.Now}
	for _, ep := range endpoints {
		if ep != nil {
			p.endpoints = append(p.endpoints, ep)
		}
	}
	return p
}

// Probe tries each endpoint in order and reports the first that answered.
// Failures of earlier endpoints are listed in the result.
func (p *ProbeService) Probe(ctx context.Context) (*ProbeResult, error) {
	if len(p.endpoints) == 0 {
		return nil, errors.New("services: no upstream endpoint configured")
	}
	res := &ProbeResult{}
	var lastErr error
	for _, ep := range p.endpoints {
		start := p.now()
		reply, err := ep.Complete(ctx, probePrompt)
		if err != nil {
			p.logger.Warn("probe failed", zap.String("endpoint", ep.Name()), zap.Error(err))
			res.Failures = append(res.Failures, ep.Name())
			lastErr = err
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			continue
		}
		res.Endpoint = ep.Name()
		res.Reply = reply
		res.Latency = p.now().Sub(start)
		res.LatencyMs = res.Latency.Milliseconds()
		return res, nil
	}
	return res, lastErr
}
