package events

import (
	"sync"

	"github.com/agustingarciaflores/pr-environments/pkg/logging"
)

// Broadcaster fans status events out to subscriber channels. Sends are
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the reconciler.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers []chan<- StatusEvent
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers a channel to receive future events.
func (b *Broadcaster) Subscribe(ch chan<- StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Notify delivers the event to all subscribers.
func (b *Broadcaster) Notify(event StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logging.Warn("Events", "Subscriber channel full, dropping %s for %s", event.Reason, event.EnvironmentID)
		}
	}
}

var _ Notifier = (*Broadcaster)(nil)

// LogNotifier writes status events to the log. It is the in-tree default
// when no external notifier is attached.
type LogNotifier struct{}

// Notify logs the event.
func (LogNotifier) Notify(event StatusEvent) {
	if event.Error != nil {
		logging.Warn("Events", "%s: %s (%s) resources=%s error=%s",
			event.EnvironmentID, event.Reason, event.State, event.ResourcesSummary, event.Error.Message)
		return
	}
	logging.Info("Events", "%s: %s (%s) resources=%s",
		event.EnvironmentID, event.Reason, event.State, event.ResourcesSummary)
}

var _ Notifier = LogNotifier{}
