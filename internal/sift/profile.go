package sift

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/siftcl/internal/compute"
)

// ProfileEvent is the device execution window of one command.
type ProfileEvent struct {
	Label string `json:"label"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
}

// Duration returns End-Start.
func (e ProfileEvent) Duration() time.Duration { return time.Duration(e.End - e.Start) }

// ProfileReport aggregates profile events.
type ProfileReport struct {
	Total       time.Duration            `json:"total"`
	Orientation time.Duration            `json:"orientation"`
	Descriptors time.Duration            `json:"descriptors"`
	ByLabel     map[string]time.Duration `json:"byLabel"`
	Order       []string                 `json:"order"`
}

type pendingEvent struct {
	label string
	event compute.Event
}

// Profiler records labelled events. A disabled profiler ignores Append and
// reports nothing.
type Profiler struct {
	enabled bool

	mu      sync.Mutex
	pending []pendingEvent
}

// NewProfiler returns a profiler; enabled should match the queue's
// profiling flag.
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{enabled: enabled}
}

// Enabled reports whether events are recorded.
func (p *Profiler) Enabled() bool { return p.enabled }

// Append records ev under label.
func (p *Profiler) Append(label string, ev compute.Event) {
	if !p.enabled || ev == nil {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, pendingEvent{label: label, event: ev})
	p.mu.Unlock()
}

// Reset drops all recorded events.
func (p *Profiler) Reset() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// Len returns the number of recorded events.
func (p *Profiler) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Labels returns the recorded labels in execution order.
func (p *Profiler) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	labels := make([]string, len(p.pending))
	for i, e := range p.pending {
		labels[i] = e.label
	}
	return labels
}

// Events resolves the device timestamps. Events whose command failed or
// whose timing is unavailable are skipped.
func (p *Profiler) Events() []ProfileEvent {
	p.mu.Lock()
	pending := append([]pendingEvent(nil), p.pending...)
	p.mu.Unlock()

	events := make([]ProfileEvent, 0, len(pending))
	for _, pe := range pending {
		start, end, err := pe.event.Times()
		if err != nil {
			slog.Debug("Profile event unavailable", "label", pe.label, "error", err)
			continue
		}
		events = append(events, ProfileEvent{Label: pe.label, Start: start, End: end})
	}
	return events
}

// Report sums event durations overall, per label, and for the
// orientation and descriptor stages.
func (p *Profiler) Report() ProfileReport {
	if !p.enabled {
		return ProfileReport{ByLabel: make(map[string]time.Duration)}
	}
	return summarize(p.Events())
}

func summarize(events []ProfileEvent) ProfileReport {
	rep := ProfileReport{ByLabel: make(map[string]time.Duration)}
	for _, e := range events {
		d := e.Duration()
		rep.Total += d
		if strings.Contains(e.Label, "orientation") {
			rep.Orientation += d
		}
		if strings.HasPrefix(e.Label, "descriptors") {
			rep.Descriptors += d
		}
		if _, ok := rep.ByLabel[e.Label]; !ok {
			rep.Order = append(rep.Order, e.Label)
		}
		rep.ByLabel[e.Label] += d
	}
	return rep
}

// Log writes one line per event followed by the totals.
func (p *Profiler) Log(logger *slog.Logger) {
	if !p.enabled {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	events := p.Events()
	for _, e := range events {
		logger.Info("Profile", "label", e.Label, "duration", e.Duration())
	}
	rep := summarize(events)
	logger.Info("Profile totals",
		"events", len(events),
		"total", rep.Total,
		"orientation", rep.Orientation,
		"descriptors", rep.Descriptors,
	)
}
