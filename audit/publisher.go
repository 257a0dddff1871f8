package audit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Publisher receives audit events. Emit must not block the caller for long
// and never reports back.
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

// Sink persists or forwards events for a Recorder.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithAsyncBuffer enables async processing with the specified buffer size.
// Events are queued and appended in a background goroutine.
func WithAsyncBuffer(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.events = make(chan Event, size)
			r.async = true
		}
	}
}

// WithRecorderLogger sets a logger for sink error reporting.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorderClock sets the clock used to timestamp events.
func WithRecorderClock(clk clock.Clock) RecorderOption {
	return func(r *Recorder) {
		if clk != nil {
			r.clock = clk
		}
	}
}

// Recorder is a Publisher that stamps events and appends them to a Sink,
// either inline or through a bounded buffer.
type Recorder struct {
	sink   Sink
	events chan Event
	wg     sync.WaitGroup
	logger *slog.Logger
	clock  clock.Clock
	async  bool
	closed sync.Once
}

func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{sink: sink, logger: slog.Default(), clock: clock.New()}
	for _, opt := range opts {
		opt(r)
	}
	if r.async {
		r.wg.Add(1)
		go r.processEvents()
	}
	return r
}

func (r *Recorder) processEvents() {
	defer r.wg.Done()
	for event := range r.events {
		r.append(context.Background(), event)
	}
}

func (r *Recorder) append(ctx context.Context, event Event) {
	if err := r.sink.Append(ctx, event); err != nil {
		r.logger.Error("failed to append audit event",
			"error", err,
			"action", string(event.Action),
			"event_id", event.ID,
		)
	}
}

// Close shuts down the async recorder and waits for pending events to drain.
// Emit must not be called after Close.
func (r *Recorder) Close() {
	r.closed.Do(func() {
		if r.async {
			close(r.events)
			r.wg.Wait()
		}
	})
}

// Emit implements Publisher.
func (r *Recorder) Emit(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	if !r.async {
		r.append(ctx, event)
		return
	}
	// Non-blocking send; drop the event when the buffer is full to keep
	// verification off the audit path.
	select {
	case r.events <- event:
	default:
		r.logger.Warn("audit buffer full, event dropped",
			"action", string(event.Action),
			"event_id", event.ID,
		)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

var (
	_ Publisher = (*Recorder)(nil)
	_ Publisher = Nop{}
)
