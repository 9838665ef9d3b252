package storage

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/bus-ridership-hub/internal/geo"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
)

var ErrNotFound = errors.New("ride request not found")

// RideStore holds in-flight ride requests in memory. Threshold flags are only
// mutated through the Mark* methods, each an atomic check-and-set.
type RideStore struct {
	mu       sync.RWMutex
	requests map[string]*models.RideRequest
	now      func() time.Time
	newID    func() string
}

type StoreOption func(*RideStore)

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *RideStore) { s.now = now }
}

func WithIDGenerator(gen func() string) StoreOption {
	return func(s *RideStore) { s.newID = gen }
}

func NewRideStore(opts ...StoreOption) *RideStore {
	s := &RideStore{
		requests: make(map[string]*models.RideRequest),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *RideStore) Create(riderID, busNumber, direction string, pos *models.Coord) models.RideRequest {
	now := s.now()
	r := &models.RideRequest{
		ID:        s.newID(),
		RiderID:   riderID,
		BusNumber: busNumber,
		Direction: direction,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if pos != nil {
		p := *pos
		r.RiderPosition = &p
	}
	s.mu.Lock()
	s.requests[r.ID] = r
	n := len(s.requests)
	s.mu.Unlock()
	observability.RideRequestsOpen.Set(float64(n))
	return copyRequest(r)
}

// UpdateStatus applies PENDING -> ACCEPTED|REJECTED. It returns false when the
// request is unknown or already decided; redundant responses are expected.
func (s *RideStore) UpdateStatus(id string, status models.RideStatus) (models.RideRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return models.RideRequest{}, false
	}
	if r.Status.Terminal() || !status.Terminal() {
		return copyRequest(r), false
	}
	r.Status = status
	r.UpdatedAt = s.now()
	return copyRequest(r), true
}

func (s *RideStore) Get(id string) (models.RideRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return models.RideRequest{}, false
	}
	return copyRequest(r), true
}

// List returns every open request, oldest first.
func (s *RideStore) List() []models.RideRequest {
	s.mu.RLock()
	out := make([]models.RideRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, copyRequest(r))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Delete removes the request and reports whether it existed.
func (s *RideStore) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.requests[id]
	delete(s.requests, id)
	n := len(s.requests)
	s.mu.Unlock()
	observability.RideRequestsOpen.Set(float64(n))
	return ok
}

// ForRider returns the rider's most recent request.
func (s *RideStore) ForRider(riderID string) (models.RideRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.RideRequest
	for _, r := range s.requests {
		if r.RiderID != riderID {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) || (r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return models.RideRequest{}, false
	}
	return copyRequest(best), true
}

func (s *RideStore) RecordRiderPosition(id string, pos models.Coord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false
	}
	r.RiderPosition = &pos
	r.UpdatedAt = s.now()
	return true
}

func (s *RideStore) MarkNear(id string) bool {
	return s.checkAndSet(id, func(r *models.RideRequest) *bool { return &r.NearSent })
}

func (s *RideStore) MarkArrived(id string) bool {
	return s.checkAndSet(id, func(r *models.RideRequest) *bool { return &r.ArrivedSent })
}

func (s *RideStore) MarkConfirmed(id string) bool {
	return s.checkAndSet(id, func(r *models.RideRequest) *bool { return &r.Confirmed })
}

func (s *RideStore) MarkNoShowWarned(id string) bool {
	return s.checkAndSet(id, func(r *models.RideRequest) *bool { return &r.NoShowWarned })
}

func (s *RideStore) checkAndSet(id string, flag func(*models.RideRequest) *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return false
	}
	f := flag(r)
	if *f {
		return false
	}
	*f = true
	r.UpdatedAt = s.now()
	return true
}

// AccumulateMovement adds the step from the previously observed rider
// position to pos and returns the running total.
func (s *RideStore) AccumulateMovement(id string, pos models.Coord) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.Movement += geo.Displacement(r.PrevPosition, &pos)
	r.PrevPosition = &pos
	return r.Movement, nil
}

// SetMatchedBus records which bus the last proximity pass matched.
func (s *RideStore) SetMatchedBus(id, busID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[id]; ok {
		r.MatchedBusID = busID
	}
}

// Expire removes requests created before cutoff and returns them.
func (s *RideStore) Expire(cutoff time.Time) []models.RideRequest {
	s.mu.Lock()
	var out []models.RideRequest
	for id, r := range s.requests {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, copyRequest(r))
			delete(s.requests, id)
		}
	}
	n := len(s.requests)
	s.mu.Unlock()
	observability.RideRequestsOpen.Set(float64(n))
	return out
}

func copyRequest(r *models.RideRequest) models.RideRequest {
	c := *r
	if r.RiderPosition != nil {
		p := *r.RiderPosition
		c.RiderPosition = &p
	}
	if r.PrevPosition != nil {
		p := *r.PrevPosition
		c.PrevPosition = &p
	}
	return c
}
