package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// QueueWorker drains the job queue. Run loops until its context is cancelled;
// Trigger handles a single item for the HTTP worker route.
type QueueWorker struct {
	chat    *ChatService
	limiter *rate.Limiter
	logger  *zap.Logger

	wg sync.WaitGroup
}

// NewQueueWorker polls an empty queue at most once per idleInterval.
func NewQueueWorker(chat *ChatService, idleInterval time.Duration, logger *zap.Logger) *QueueWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if idleInterval > 0 {
		limit = rate.Every(idleInterval)
	}
	return &QueueWorker{
		chat:    chat,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (w *QueueWorker) Run(ctx context.Context) {
	w.logger.Info("queue worker started")
	defer w.logger.Info("queue worker stopped")

	for ctx.Err() == nil {
		found, err := w.chat.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("process queue item", zap.Error(err))
		}
		if found {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
	}
}

// Trigger claims the next item and processes it in the background. It
// reports false when the queue was empty.
func (w *QueueWorker) Trigger(ctx context.Context) (bool, error) {
	item, err := w.chat.Claim(ctx)
	if err != nil || item == nil {
		return false, err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.chat.ProcessItem(context.WithoutCancel(ctx), item); err != nil {
			w.logger.Error("process queue item", zap.String("queue_id", item.ID), zap.Error(err))
		}
	}()
	return true, nil
}

// Wait blocks until items started by Trigger have finished or ctx is done.
func (w *QueueWorker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
