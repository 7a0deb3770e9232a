// Package notify carries sweep diagnostics out of the reclaim service.
// Sinks are pure observers: nothing they do feeds back into the registry.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/dray-io/reclaim/internal/alloc"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/registry"
)

// Report describes one sweep or drain.
type Report struct {
	Trigger   string
	At        time.Time
	Reclaimed int
	Failed    int
	Active    int
	Remaining []alloc.Identity
	Elapsed   time.Duration
}

// FromSweep builds a Report from a registry sweep result.
func FromSweep(trigger string, at time.Time, res registry.SweepResult) Report {
	return Report{
		Trigger:   trigger,
		At:        at,
		Reclaimed: res.Reclaimed,
		Failed:    res.Failed,
		Active:    res.Active,
		Remaining: res.Remaining,
		Elapsed:   res.Elapsed,
	}
}

// Sink receives reports.
type Sink interface {
	Notify(ctx context.Context, r Report)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, r Report)

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, r Report) {
	f(ctx, r)
}

// Discard is a Sink that drops every report.
var Discard Sink = SinkFunc(func(context.Context, Report) {})

type multi []Sink

// Multi fans a report out to every sink in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Notify(ctx context.Context, r Report) {
	for _, s := range m {
		s.Notify(ctx, r)
	}
}

// LogSink writes one log line per report listing the remaining identities
// and the active count.
type LogSink struct {
	logger *logging.Logger
	// MaxListed caps how many remaining identities are written. Zero
	// means no cap.
	MaxListed int
}

// NewLogSink creates a LogSink. A nil logger uses the global logger.
func NewLogSink(l *logging.Logger) *LogSink {
	if l == nil {
		l = logging.Global()
	}
	return &LogSink{logger: l.WithComponent("collector")}
}

// Notify logs the report.
func (s *LogSink) Notify(_ context.Context, r Report) {
	listed := r.Remaining
	truncated := false
	if s.MaxListed > 0 && len(listed) > s.MaxListed {
		listed = listed[:s.MaxListed]
		truncated = true
	}
	addrs := make([]string, len(listed))
	for i, id := range listed {
		addrs[i] = id.String()
	}

	fields := map[string]any{
		"trigger":   r.Trigger,
		"reclaimed": r.Reclaimed,
		"active":    r.Active,
		"remaining": addrs,
		"elapsedUs": r.Elapsed.Microseconds(),
	}
	if truncated {
		fields["truncated"] = true
	}
	if r.Failed > 0 {
		fields["failed"] = r.Failed
		s.logger.Warnf("garbage collected", fields)
		return
	}
	s.logger.Infof("garbage collected", fields)
}

// History keeps the most recent reports in memory.
type History struct {
	mu      sync.Mutex
	limit   int
	reports []Report
}

// NewHistory creates a History holding at most limit reports.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1
	}
	return &History{limit: limit}
}

// Notify appends the report, evicting the oldest one when full.
func (h *History) Notify(_ context.Context, r Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == h.limit {
		copy(h.reports, h.reports[1:])
		h.reports = h.reports[:len(h.reports)-1]
	}
	h.reports = append(h.reports, r)
}

// Reports returns a copy of the stored reports, oldest first.
func (h *History) Reports() []Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Report, len(h.reports))
	copy(out, h.reports)
	return out
}

// Last returns the most recent report.
func (h *History) Last() (Report, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return Report{}, false
	}
	return h.reports[len(h.reports)-1], true
}
