package sync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
)

// Event is published once per matchup attempt.
type Event struct {
	TriggerID string
	Source    model.TriggerSource
	MatchupID string
	Stage     Stage
	// Measurements is the matchup's measurement set after the attempt: the
	// server's copy after an upload, the merged local copy otherwise.
	Measurements []model.Measurement
	Err          error
	At           time.Time
}

// Skipped reports whether the throttle suppressed the attempt.
func (e Event) Skipped() bool { return e.Stage == StageSkipped }

// Bus fans completion events out to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus returns an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{log: logger, subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("event dropped for slow subscriber", "subscriber", id, "matchup_id", ev.MatchupID)
		}
	}
}
