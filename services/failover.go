package services

import (
	"context"
	"errors"
	"io"

	"deepchat/models"
	"deepchat/upstream"

	"go.uber.org/zap"
)

// Failover tries each endpoint in order and moves on only when the previous
// one failed with an *upstream.Error.
type Failover struct {
	endpoints []upstream.Chatter
	logger    *zap.Logger
}

func NewFailover(logger *zap.Logger, endpoints ...upstream.Chatter) *Failover {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Failover{logger: logger}
	for _, ep := range endpoints {
		if ep != nil {
			f.endpoints = append(f.endpoints, ep)
		}
	}
	return f
}

func (f *Failover) Name() string { return "failover" }

func (f *Failover) Chat(ctx context.Context, messages []models.ChatMessage) (io.ReadCloser, error) {
	if len(f.endpoints) == 0 {
		return nil, errors.New("services: no upstream endpoint configured")
	}
	var lastErr error
	for i, ep := range f.endpoints {
		body, err := ep.Chat(ctx, messages)
		if err == nil {
			if i > 0 {
				f.logger.Info("served by fallback endpoint", zap.String("endpoint", ep.Name()))
			}
			return body, nil
		}
		var uerr *upstream.Error
		if !errors.As(err, &uerr) {
			return nil, err
		}
		f.logger.Warn("upstream endpoint failed", zap.String("endpoint", ep.Name()), zap.Error(err))
		lastErr = err
	}
	return nil, lastErr
}
