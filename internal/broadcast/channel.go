package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/bus-ridership-hub/internal/dispatch"
	"github.com/example/bus-ridership-hub/internal/models"
	"github.com/example/bus-ridership-hub/internal/observability"
	"github.com/example/bus-ridership-hub/internal/registry"
)

const DefaultRecentLines = 200

// Channel fans events out to every connected admin observer and keeps a
// bounded tail of log lines for consoles that join late.
type Channel struct {
	mu       sync.RWMutex
	sessions map[dispatch.Sender]struct{}

	recent *Ring
}

func NewChannel(recentLines int) *Channel {
	if recentLines <= 0 {
		recentLines = DefaultRecentLines
	}
	return &Channel{
		sessions: make(map[dispatch.Sender]struct{}),
		recent:   NewRing(recentLines),
	}
}

func (c *Channel) Add(s dispatch.Sender) {
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	n := len(c.sessions)
	c.mu.Unlock()
	observability.AdminSessions.Set(float64(n))
}

func (c *Channel) Remove(s dispatch.Sender) {
	c.mu.Lock()
	delete(c.sessions, s)
	n := len(c.sessions)
	c.mu.Unlock()
	observability.AdminSessions.Set(float64(n))
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Broadcast serializes v once and sends it to every ready admin socket.
// It returns how many sockets accepted the frame.
func (c *Channel) Broadcast(kind string, v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	c.mu.RLock()
	targets := make([]dispatch.Sender, 0, len(c.sessions))
	for s := range c.sessions {
		targets = append(targets, s)
	}
	c.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if !s.Ready() {
			continue
		}
		if s.Send(b) {
			sent++
		}
	}
	observability.AdminBroadcasts.WithLabelValues(kind).Inc()
	return sent
}

// Log records line in the recent buffer and pushes it to admins. It must not
// log itself: it sits behind the process logger.
func (c *Channel) Log(line string) {
	c.recent.Push(line)
	c.Broadcast(models.EventLog, models.LogLine{Type: models.EventLog, Line: line})
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 means all.
func (c *Channel) Recent(n int) []string {
	return c.recent.Tail(n)
}

// Run forwards registry changes as connection_update frames until ctx is
// done or the feed is closed.
func (c *Channel) Run(ctx context.Context, events <-chan registry.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.Broadcast(models.EventConnectionUpdate, ConnectionUpdate(ev.Class, ev.List))
		}
	}
}

func ConnectionUpdate(class models.DeviceClass, list []models.DeviceView) models.ConnectionUpdate {
	if list == nil {
		list = []models.DeviceView{}
	}
	return models.ConnectionUpdate{Type: models.EventConnectionUpdate, DeviceType: class, List: list}
}
