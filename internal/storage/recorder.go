package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

// EventSink persists events.
type EventSink interface {
	SaveEvent(ctx context.Context, ev events.Event) error
}

// Recorder drains an event subscription into the journal. Output events are
// skipped unless KeepOutput is set; the runtime already holds a capped copy.
type Recorder struct {
	sink       EventSink
	logger     *slog.Logger
	KeepOutput bool
	Timeout    time.Duration // Per-write timeout. Default: 5s.
}

// NewRecorder creates a Recorder writing to sink.
func NewRecorder(sink EventSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{sink: sink, logger: logger, Timeout: 5 * time.Second}
}

// Run persists events from ch until it closes or ctx is done. Write
// failures are logged and do not stop the loop.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == events.Output && !r.KeepOutput {
				continue
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := r.sink.SaveEvent(wctx, ev); err != nil {
		r.logger.Warn("journal write failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}
