// Package stream turns an upstream SSE completion body into a persisted
// message, separating reasoning text from the answer.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"deepchat/models"
	"deepchat/store"
	"deepchat/upstream"

	"go.uber.org/zap"
)

const terminalWriteTimeout = 5 * time.Second

// Error is a stream that ended without a usable answer. Partial holds any
// answer text received before the fault.
type Error struct {
	Reason  string
	Partial string
	Busy    bool
	Err     error
}

func (e *Error) Error() string {
	msg := "stream: " + e.Reason
	if e.Partial != "" {
		msg += fmt.Sprintf(" (partial content received: %d bytes)", len(e.Partial))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

type Result struct {
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// MessageUpdater is the part of the store the reassembler writes through.
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, id string, patch models.MessagePatch) (*models.Message, error)
}

type Reassembler struct {
	Store  MessageUpdater
	Logger *zap.Logger
	// PersistInterval throttles intermediate snapshots. Zero writes after
	// every delta. The terminal write is never skipped.
	PersistInterval time.Duration
	BusyMessage     string
	FailureMessage  string
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

type run struct {
	r         *Reassembler
	messageID string
	logger    *zap.Logger
	onDelta   func(string)

	answer      strings.Builder
	reasoning   strings.Builder
	split       markerSplitter
	lastPersist time.Time
}

// Process reads body to the end, persisting snapshots of messageID as it
// goes, and records the terminal status. onDelta receives the full answer
// accumulated so far each time it grows. body is always closed.
func (r *Reassembler) Process(ctx context.Context, messageID string, body io.ReadCloser, onDelta func(answer string)) (Result, error) {
	defer body.Close()
	// unblock a pending Read when the deadline passes
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	logger := r.logger().With(zap.String("message_id", messageID))
	st := &run{r: r, messageID: messageID, logger: logger, onDelta: onDelta}
	reader := bufio.NewReader(body)

	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			done, fault := st.line(ctx, line)
			if fault != nil {
				st.flush()
				return r.fail(ctx, messageID, st.answer.String(), st.reasoning.String(), fault)
			}
			if done {
				break
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			reason := "read failed"
			if ctx.Err() != nil {
				reason, readErr = "timed out", ctx.Err()
			}
			st.flush()
			return r.fail(ctx, messageID, st.answer.String(), st.reasoning.String(),
				&Error{Reason: reason, Err: readErr})
		}
	}

	st.flush()
	if st.answer.Len() == 0 {
		return r.fail(ctx, messageID, "", st.reasoning.String(), &Error{Reason: "no content"})
	}

	res := Result{Content: st.answer.String(), ReasoningContent: st.reasoning.String()}
	_, err := r.finalize(ctx, messageID, models.MessagePatch{
		Content:          models.StringPtr(res.Content),
		ReasoningContent: models.StringPtr(res.ReasoningContent),
		Status:           models.StatusPtr(models.StatusCompleted),
	})
	if err != nil {
		return res, fmt.Errorf("persist completed message %s: %w", messageID, err)
	}
	logger.Info("stream completed", zap.Int("content_len", len(res.Content)), zap.Int("reasoning_len", len(res.ReasoningContent)))
	return res, nil
}

// Fail records a failure that happened before any stream was available,
// such as every upstream endpoint refusing the request.
func (r *Reassembler) Fail(ctx context.Context, messageID string, cause error) (Result, error) {
	return r.fail(ctx, messageID, "", "", cause)
}

// line handles one SSE line. It reports whether the stream is done or hit a
// fatal fault.
func (st *run) line(ctx context.Context, line string) (bool, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, "data:") {
		return false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return true, nil
	}

	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		st.logger.Warn("skipping malformed stream line", zap.String("line", truncate(payload, 200)), zap.Error(err))
		return false, nil
	}
	if len(c.Error) > 0 && string(c.Error) != "null" {
		return false, &Error{Reason: "upstream error payload", Err: errors.New(errorMessage(c.Error))}
	}
	if len(c.Choices) == 0 {
		return false, nil
	}

	delta := c.Choices[0].Delta
	st.reasoning.WriteString(delta.ReasoningContent)
	grew := st.apply(st.split.feed(delta.Content))
	if grew && st.onDelta != nil {
		st.onDelta(st.answer.String())
	}

	if err := st.persist(ctx); err != nil {
		return false, err
	}
	return false, nil
}

func (st *run) apply(segs []segment) bool {
	grew := false
	for _, seg := range segs {
		if seg.reasoning {
			st.reasoning.WriteString(seg.text)
			continue
		}
		st.answer.WriteString(seg.text)
		grew = true
	}
	return grew
}

func (st *run) flush() {
	if st.apply(st.split.flush()) && st.onDelta != nil {
		st.onDelta(st.answer.String())
	}
}

func (st *run) persist(ctx context.Context) error {
	interval := st.r.PersistInterval
	if interval > 0 && time.Since(st.lastPersist) < interval {
		return nil
	}
	st.lastPersist = time.Now()

	_, err := st.r.Store.UpdateMessage(ctx, st.messageID, models.MessagePatch{
		Content:          models.StringPtr(st.answer.String()),
		ReasoningContent: models.StringPtr(st.reasoning.String()),
		Status:           models.StatusPtr(models.StatusProcessing),
	})
	if errors.Is(err, store.ErrTerminal) {
		return &Error{Reason: "message already finalized", Err: err}
	}
	if err != nil && ctx.Err() == nil {
		st.logger.Warn("persist snapshot failed", zap.Error(err))
	}
	return nil
}

// fail stores the error status. Partial answer text is kept ahead of the
// notice; diagnostics only go to reasoning_content.
func (r *Reassembler) fail(ctx context.Context, messageID, partial, reasoning string, cause error) (Result, error) {
	var serr *Error
	if !errors.As(cause, &serr) {
		serr = &Error{Reason: "upstream failed", Err: cause}
	}
	serr.Partial = partial
	serr.Busy = isBusy(cause)

	logger := r.logger().With(zap.String("message_id", messageID))
	if errors.Is(cause, store.ErrTerminal) {
		logger.Warn("stream abandoned, message finalized elsewhere")
		return Result{Content: partial, ReasoningContent: reasoning}, serr
	}

	notice := r.FailureMessage
	if serr.Busy {
		notice = r.BusyMessage
	} else {
		if reasoning != "" {
			reasoning += "\n\n"
		}
		reasoning += "[error] " + serr.Error()
	}
	content := notice
	if partial != "" {
		content = partial + "\n\n" + notice
	}

	res := Result{Content: content, ReasoningContent: reasoning}
	if _, err := r.finalize(ctx, messageID, models.MessagePatch{
		Content:          models.StringPtr(res.Content),
		ReasoningContent: models.StringPtr(res.ReasoningContent),
		Status:           models.StatusPtr(models.StatusError),
	}); err != nil {
		logger.Error("persist error status failed", zap.Error(err))
	}
	logger.Warn("stream failed", zap.String("reason", serr.Reason), zap.Bool("busy", serr.Busy), zap.Error(serr.Err))
	return res, serr
}

// finalize runs the terminal write on a context detached from the caller so
// an expired deadline still gets recorded.
func (r *Reassembler) finalize(ctx context.Context, messageID string, patch models.MessagePatch) (*models.Message, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()
	return r.Store.UpdateMessage(ctx, messageID, patch)
}

func (r *Reassembler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func isBusy(err error) bool {
	var uerr *upstream.Error
	if errors.As(err, &uerr) && uerr.Busy() {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "busy")
}

func errorMessage(raw json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return truncate(string(raw), 200)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
