// Package notification forwards selected lifecycle events to outside
// channels: webhooks and the process log. The dispatcher consumes an event
// bus subscription, so a slow channel never stalls the components that emit.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/config"
	"github.com/MichaelrKraft/coder1-ide-sub010/internal/events"
)

// Sender delivers a message to one channel.
type Sender interface {
	// Name identifies the channel in logs ("log", or the webhook name).
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload handed to every sender.
type Message struct {
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Event    events.Event      `json:"event"`
}

// DefaultKinds are forwarded when the config names none. Agent status
// events are only forwarded when the agent entered "error".
var DefaultKinds = []events.Kind{events.LimitExceeded, events.TaskFailed, events.AgentStatus}

// Dispatcher fans messages out to its senders.
type Dispatcher struct {
	mu      sync.RWMutex
	senders []Sender
	kinds   map[events.Kind]bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher forwarding kinds (DefaultKinds when empty).
func NewDispatcher(kinds []events.Kind, logger *slog.Logger) *Dispatcher {
	if len(kinds) == 0 {
		kinds = DefaultKinds
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	set := make(map[events.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return &Dispatcher{kinds: set, timeout: 10 * time.Second, logger: logger}
}

// FromConfig builds a dispatcher with a sender per configured webhook and,
// when cfg.Log is set, a log sender. It returns nil when cfg is nil or disabled.
func FromConfig(cfg *config.NotificationConfig, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}
	kinds := make([]events.Kind, len(cfg.Kinds))
	for i, k := range cfg.Kinds {
		kinds[i] = events.Kind(k)
	}
	d := NewDispatcher(kinds, logger)
	if cfg.Log {
		d.RegisterSender(NewLogSender(d.logger))
	}
	for i, w := range cfg.Webhooks {
		name := w.Name
		if name == "" {
			name = fmt.Sprintf("webhook-%d", i)
		}
		s, err := NewWebhookSender(WebhookConfig{
			Name:         name,
			URL:          w.URL,
			Headers:      w.Headers,
			AllowPrivate: w.AllowPrivate,
		}, d.logger)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: %w", name, err)
		}
		d.RegisterSender(s)
	}
	return d, nil
}

// RegisterSender adds a channel.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders = append(d.senders, s)
}

// Senders returns the registered channel names.
func (d *Dispatcher) Senders() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.senders))
	for i, s := range d.senders {
		names[i] = s.Name()
	}
	return names
}

// Wants reports whether ev should be forwarded.
func (d *Dispatcher) Wants(ev events.Event) bool {
	if !d.kinds[ev.Kind] {
		return false
	}
	if ev.Kind == events.AgentStatus {
		return ev.Status == "error"
	}
	return true
}

// Run forwards wanted events from ch until it closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !d.Wants(ev) {
				continue
			}
			_ = d.Notify(ctx, FormatEvent(ev))
		}
	}
}

// Notify sends msg to every sender. Each send gets its own timeout; a failing
// sender does not prevent delivery to the others. The joined error lists
// every failure.
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) error {
	d.mu.RLock()
	senders := slices.Clone(d.senders)
	d.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		sctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := s.Send(sctx, msg)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", s.Name()),
				slog.String("kind", string(msg.Event.Kind)),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.logger.DebugContext(ctx, "notification sent",
			slog.String("channel", s.Name()),
			slog.String("kind", string(msg.Event.Kind)),
		)
	}
	return errors.Join(errs...)
}

// FormatEvent renders an event as a human-readable message.
func FormatEvent(ev events.Event) *Message {
	meta := map[string]string{"kind": string(ev.Kind)}
	add := func(k, v string) {
		if v != "" {
			meta[k] = v
		}
	}
	add("sandbox_id", ev.SandboxID)
	add("agent_id", ev.AgentID)
	add("task_id", ev.TaskID)
	add("limit", ev.Limit)
	add("status", ev.Status)

	var subject string
	switch ev.Kind {
	case events.LimitExceeded:
		subject = fmt.Sprintf("sandbox %s exceeded its %s limit", short(ev.SandboxID), ev.Limit)
	case events.TaskFailed:
		subject = fmt.Sprintf("task %s failed on agent %s", short(ev.TaskID), short(ev.AgentID))
	case events.AgentStatus:
		subject = fmt.Sprintf("agent %s is now %s", short(ev.AgentID), ev.Status)
	default:
		subject = strings.ReplaceAll(string(ev.Kind), "_", " ")
	}

	return &Message{
		Subject:  "[coder1] " + subject,
		Body:     ev.Message,
		Metadata: meta,
		Event:    ev,
	}
}

// short trims a UUID to its first block for subjects.
func short(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// LogSender writes notifications to the process log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log channel.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	attrs := []any{slog.String("subject", msg.Subject)}
	if msg.Body != "" {
		attrs = append(attrs, slog.String("body", msg.Body))
	}
	for _, k := range slices.Sorted(maps.Keys(msg.Metadata)) {
		attrs = append(attrs, slog.String(k, msg.Metadata[k]))
	}
	s.logger.WarnContext(ctx, "notification", attrs...)
	return nil
}
