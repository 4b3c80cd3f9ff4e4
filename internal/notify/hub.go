package notify

import (
	"context"
	"sync"

	"github.com/andresmejia3/facewatch/internal/types"
)

// Hub broadcasts alerts to in-process listeners such as SSE clients.
// A listener that falls behind misses alerts instead of stalling the others.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan types.AlertEvent]struct{}
	buffer    int
}

// NewHub creates a hub whose listeners buffer up to buffer alerts.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{listeners: make(map[chan types.AlertEvent]struct{}), buffer: buffer}
}

// Subscribe registers a listener. Call the returned func to unsubscribe;
// it closes the channel.
func (h *Hub) Subscribe() (<-chan types.AlertEvent, func()) {
	ch := make(chan types.AlertEvent, h.buffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Listeners returns the number of subscribers.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Deliver broadcasts ev. It never fails.
func (h *Hub) Deliver(_ context.Context, ev types.AlertEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// AlertRecorder persists alerts; *store.Store satisfies it.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, ev types.AlertEvent) error
}

// StoreSink writes alerts to the alert log.
type StoreSink struct {
	Recorder AlertRecorder
}

func (s StoreSink) Deliver(ctx context.Context, ev types.AlertEvent) error {
	return s.Recorder.RecordAlert(ctx, ev)
}
