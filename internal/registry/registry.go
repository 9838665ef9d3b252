package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

var ErrUnknownClass = errors.New("unknown device class")

// Session is a point-in-time copy of one live device session.
type Session struct {
	ID         string
	Class      models.DeviceClass
	RemoteAddr string
	LastSeen   time.Time
	Meta       models.Metadata

	sender dispatch.Sender
}

func (s Session) Sender() dispatch.Sender { return s.sender }

func (s Session) View() models.DeviceView {
	return models.DeviceView{
		IP:            s.Meta.IP,
		ID:            s.ID,
		BusNumber:     s.Meta.BusNumber,
		VehicleNumber: s.Meta.VehicleNumber,
		StopID:        s.Meta.StopID,
		LastSeen:      models.EpochMillis(s.LastSeen),
	}
}

type retiredKey struct {
	sender dispatch.Sender
	id     string
}

// Registry tracks the live sessions of one device class.
type Registry struct {
	class models.DeviceClass
	feed  *ChangeFeed
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	// sockets that were replaced by a newer connection under the same id
	retired map[retiredKey]struct{}

	// serialises snapshot+publish so events leave in the order they were taken
	notifyMu sync.Mutex
}

type Option func(*Registry)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(class models.DeviceClass, feed *ChangeFeed, opts ...Option) *Registry {
	r := &Registry{
		class:    class,
		feed:     feed,
		now:      time.Now,
		sessions: make(map[string]*Session),
		retired:  make(map[retiredKey]struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Class() models.DeviceClass { return r.class }

// Upsert creates or refreshes the session for id. Only fields present in
// patch overwrite stored metadata. It returns false when id is empty or when
// sender was superseded by a newer socket for the same id.
func (r *Registry) Upsert(id string, sender dispatch.Sender, msgType string, patch models.Patch) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	if sender != nil {
		if _, gone := r.retired[retiredKey{sender, id}]; gone {
			r.mu.Unlock()
			return false
		}
	}
	now := r.now()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{ID: id, Class: r.class, sender: sender}
		if sender != nil {
			s.RemoteAddr = sender.RemoteAddr()
			s.Meta.IP = s.RemoteAddr
		}
		r.sessions[id] = s
		observability.SessionsLive.WithLabelValues(string(r.class)).Inc()
	} else if sender != nil && s.sender != sender {
		if s.sender != nil {
			r.retired[retiredKey{s.sender, id}] = struct{}{}
		}
		s.sender = sender
		s.RemoteAddr = sender.RemoteAddr()
	}
	s.Meta = s.Meta.Merge(patch)
	s.LastSeen = now
	r.mu.Unlock()

	if models.StateRelevant(msgType) {
		r.notify()
	}
	return true
}

// Remove deletes the session for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		observability.SessionsLive.WithLabelValues(string(r.class)).Dec()
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

// RemoveIfOwner is called when sender's socket closes. The session is only
// removed while sender still owns it; a replaced socket closing late leaves
// the newer session alone.
func (r *Registry) RemoveIfOwner(id string, sender dispatch.Sender) bool {
	r.mu.Lock()
	delete(r.retired, retiredKey{sender, id})
	s, ok := r.sessions[id]
	owned := ok && s.sender == sender
	if owned {
		delete(r.sessions, id)
		observability.SessionsLive.WithLabelValues(string(r.class)).Dec()
	}
	r.mu.Unlock()
	if owned {
		r.notify()
	}
	return owned
}

func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.copy(), true
}

// Sessions returns copies of every live session, ordered by id.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.copy())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Snapshot() []models.DeviceView {
	sessions := r.Sessions()
	out := make([]models.DeviceView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.View())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendTo hands payload to the session's socket. It reports false, never an
// error, when the device is unknown or its socket is not ready.
func (r *Registry) SendTo(id string, payload []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	var sender dispatch.Sender
	if ok {
		sender = s.sender
	}
	r.mu.RUnlock()
	if sender == nil || !sender.Ready() {
		observability.SendsFailed.WithLabelValues(string(r.class)).Inc()
		return false
	}
	if !sender.Send(payload) {
		observability.SendsFailed.WithLabelValues(string(r.class)).Inc()
		return false
	}
	return true
}

func (r *Registry) SendJSON(id string, v any) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		observability.SendsFailed.WithLabelValues(string(r.class)).Inc()
		return false
	}
	if !dispatch.SendJSON(s.sender, v) {
		observability.SendsFailed.WithLabelValues(string(r.class)).Inc()
		return false
	}
	return true
}

func (r *Registry) notify() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.feed.Publish(ChangeEvent{Class: r.class, List: r.Snapshot()})
}

func (s *Session) copy() Session {
	c := *s
	c.Meta = s.Meta.Clone()
	return c
}

// Set groups the registries of every device class.
type Set struct {
	Bus   *Registry
	Stop  *Registry
	Phone *Registry
}

func NewSet(feed *ChangeFeed, opts ...Option) *Set {
	return &Set{
		Bus:   New(models.ClassBus, feed, opts...),
		Stop:  New(models.ClassStop, feed, opts...),
		Phone: New(models.ClassPhone, feed, opts...),
	}
}

func (s *Set) For(class models.DeviceClass) (*Registry, error) {
	switch class {
	case models.ClassBus:
		return s.Bus, nil
	case models.ClassStop:
		return s.Stop, nil
	case models.ClassPhone:
		return s.Phone, nil
	}
	return nil, ErrUnknownClass
}

func (s *Set) All() []*Registry { return []*Registry{s.Bus, s.Stop, s.Phone} }
