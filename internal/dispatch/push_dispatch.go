package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/bus-ridership-hub/internal/observability"
)

// maxInflightPushes bounds provider calls running in the background.
const maxInflightPushes = 32

// SessionSender delivers a payload to a live socket by id.
type SessionSender interface {
	SendTo(id string, payload []byte) bool
}

// PushDispatcher delivers rider notifications over the rider's socket and,
// when an endpoint is configured, falls back to an HTTP push provider for
// riders whose app is backgrounded.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       SessionSender
	Logger   *slog.Logger

	inflight chan struct{}
}

func NewPushDispatcher(endpoint, key string, ws SessionSender, logger *slog.Logger) *PushDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws, Logger: logger, inflight: make(chan struct{}, maxInflightPushes)}
}

// PushToApp reports whether the payload was handed to a live socket or
// queued for the push provider. The provider call runs off the caller's
// goroutine; when maxInflightPushes calls are already pending the payload
// is dropped.
func (p *PushDispatcher) PushToApp(deviceID string, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if p.WS != nil && p.WS.SendTo(deviceID, b) {
		return true
	}
	if p.Endpoint == "" {
		return false
	}
	select {
	case p.inflight <- struct{}{}:
	default:
		observability.PushFallbackDropped.Inc()
		p.Logger.Warn("push fallback saturated", "device_id", deviceID)
		return false
	}
	go func() {
		defer func() { <-p.inflight }()
		p.post(deviceID, b)
	}()
	return true
}

func (p *PushDispatcher) post(deviceID string, data json.RawMessage) {
	body, _ := json.Marshal(map[string]any{"message": map[string]any{"token": deviceID, "data": data}})
	ctx, cancel := context.WithTimeout(context.Background(), p.Client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		p.Logger.Warn("push fallback failed", "device_id", deviceID, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.Logger.Warn("push fallback rejected", "device_id", deviceID, "status", resp.StatusCode)
	}
}
