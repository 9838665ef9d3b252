package registry

import (
	"sync"

	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

// ChangeEvent carries the full current view of one device class.
type ChangeEvent struct {
	Class models.DeviceClass
	List  []models.DeviceView
}

// ChangeFeed fans registry changes out to subscribers. Publish never blocks:
// a subscriber whose buffer is full misses that event.
type ChangeFeed struct {
	mu   sync.RWMutex
	subs map[int]chan ChangeEvent
	next int
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (f *ChangeFeed) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ChangeEvent, buffer)
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *ChangeFeed) Publish(ev ChangeEvent) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			observability.ChangeEventsDropped.Inc()
		}
	}
}
