package emotion

import (
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
)

// Debouncer suppresses repeat alerts for the same identity and emotion
// inside a cool-down window. A zero cool-down lets every alert through,
// which re-alerts on every tick while an emotion stays above threshold.
type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[debounceKey]time.Time
}

type debounceKey struct {
	identity string
	emotion  types.Emotion
}

// NewDebouncer creates a debouncer with the given cool-down.
func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown, last: make(map[debounceKey]time.Time)}
}

// Cooldown returns the configured window.
func (d *Debouncer) Cooldown() time.Duration {
	return d.cooldown
}

// Allow reports whether an alert observed at now may be emitted and, if so,
// starts a new window for it.
func (d *Debouncer) Allow(ev types.AlertEvent) bool {
	if d == nil || d.cooldown <= 0 {
		return true
	}
	key := debounceKey{identity: registry.NormalizeName(ev.IdentityName), emotion: ev.Emotion}

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.last[key]; ok && ev.ObservedAt.Sub(prev) < d.cooldown {
		return false
	}
	d.last[key] = ev.ObservedAt
	return true
}

// Filter returns the subset of events that Allow lets through.
func (d *Debouncer) Filter(events []types.AlertEvent) []types.AlertEvent {
	out := events[:0:0]
	for _, ev := range events {
		if d.Allow(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Forget drops the windows of one identity, e.g. after it was deleted.
func (d *Debouncer) Forget(name string) {
	if d == nil {
		return
	}
	key := registry.NormalizeName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.last {
		if k.identity == key {
			delete(d.last, k)
		}
	}
}

// Reset drops every window.
func (d *Debouncer) Reset() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = make(map[debounceKey]time.Time)
}
