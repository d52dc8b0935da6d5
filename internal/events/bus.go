// Package events is the process-wide publish/subscribe bus. Every monitoring
// state and alert mutation is published here; UI sockets and cache
// consumers subscribe instead of polling.
package events

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/BTreeMap/WardWatch/internal/metrics"
	"github.com/BTreeMap/WardWatch/internal/models"
	"github.com/BTreeMap/WardWatch/internal/util"
)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(ev models.Event)
}

// Filter selects which events a subscriber receives. A nil filter accepts all.
type Filter func(models.Event) bool

// ForPatient returns a filter that only accepts events for patientID.
func ForPatient(patientID string) Filter {
	return func(ev models.Event) bool { return ev.PatientID == patientID }
}

type subscriber struct {
	ch     chan models.Event
	filter Filter
}

// Bus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64

	dropLog *util.KeyedLimiter
	now     func() time.Time
}

// Ensure Bus implements Publisher.
var _ Publisher = (*Bus)(nil)

// NewBus creates a bus. Drop warnings are logged at most once per
// subscriber per throttle interval.
func NewBus(throttle time.Duration) *Bus {
	return &Bus{
		subs:    make(map[uint64]*subscriber),
		dropLog: util.NewKeyedLimiter(throttle),
		now:     time.Now,
	}
}

// Subscribe registers a subscriber. The returned cancel func unsubscribes
// and closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(buffer int, filter Filter) (<-chan models.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan models.Event, buffer), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber.
func (b *Bus) Publish(ev models.Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.ObserveDroppedEvent(string(ev.Type))
			if b.dropLog.Allow(subscriberKey(id), b.now()) {
				slog.Warn("Bus.Publish: subscriber buffer full, dropping event", "subscriber", id, "type", ev.Type, "patientID", ev.PatientID)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func subscriberKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
