package eventlog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is one retained/streamed log record.
type LogLine struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Time    time.Time         `json:"time"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// LogHandler is an slog.Handler that writes through to an inner handler and
// retains the last ringSize lines in memory, with pub/sub fan-out so
// GET /api/logs/stream can tail new lines as they arrive.
type LogHandler struct {
	inner slog.Handler

	mu          sync.Mutex
	ring        []LogLine
	ringPos     int
	ringCount   int
	subscribers map[int]chan LogLine
	nextSubID   int

	groupPrefix string
	attrs       []slog.Attr
}

// NewLogHandler builds a LogHandler at the given minimum level, retaining
// ringSize lines.
func NewLogHandler(level slog.Level, ringSize int) *LogHandler {
	return &LogHandler{
		inner:       slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		ring:        make([]LogLine, ringSize),
		subscribers: make(map[int]chan LogLine),
	}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
		Attrs:   make(map[string]string),
	}
	for _, a := range h.attrs {
		line.Attrs[h.groupPrefix+a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		line.Attrs[h.groupPrefix+a.Key] = a.Value.String()
		return true
	})

	h.mu.Lock()
	h.ring[h.ringPos] = line
	h.ringPos = (h.ringPos + 1) % len(h.ring)
	if h.ringCount < len(h.ring) {
		h.ringCount++
	}
	subs := make([]chan LogLine, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{
		inner:       h.inner.WithAttrs(attrs),
		ring:        h.ring,
		subscribers: h.subscribers,
		groupPrefix: h.groupPrefix,
		attrs:       cloneAttrs(h.attrs, attrs),
	}
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{
		inner:       h.inner.WithGroup(name),
		ring:        h.ring,
		subscribers: h.subscribers,
		groupPrefix: h.groupPrefix + name + ".",
		attrs:       h.attrs,
	}
}

func cloneAttrs(base []slog.Attr, add []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(base)+len(add))
	out = append(out, base...)
	out = append(out, add...)
	return out
}

// Recent returns the retained lines in chronological order.
func (h *LogHandler) Recent() []LogLine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recentLocked()
}

func (h *LogHandler) recentLocked() []LogLine {
	out := make([]LogLine, 0, h.ringCount)
	if h.ringCount < len(h.ring) {
		out = append(out, h.ring[:h.ringCount]...)
		return out
	}
	out = append(out, h.ring[h.ringPos:]...)
	out = append(out, h.ring[:h.ringPos]...)
	return out
}

// Subscribe returns a channel of future log lines and an unsubscribe func.
func (h *LogHandler) Subscribe() (<-chan LogLine, func()) {
	h.mu.Lock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan LogLine, 64)
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
		close(ch)
	}
}
