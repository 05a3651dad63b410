package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mattjoyce/warden/internal/log"
)

// DefaultPollInterval is the CMB polling cadence.
const DefaultPollInterval = 1 * time.Second

// Poller watches the external webhook URL for a completed status. CMB
// responses own one poller each for the lifetime of the call.
type Poller struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewPoller creates a poller for url. A zero interval uses the default.
func NewPoller(url string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: defaultTimeout},
		logger:   log.WithComponent("webhook"),
	}
}

// Start polls until the external webhook reports completed or ctx is
// cancelled. onComplete is called once, with the returned document, only on a
// completed report; cancellation stops polling without calling it.
// It runs in its own goroutine and returns immediately.
func (p *Poller) Start(ctx context.Context, callID string, onComplete func(map[string]any)) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data, done := p.pollOnce(callID)
				if done {
					onComplete(data)
					return
				}
			}
		}
	}()
}

// pollOnce GETs the external webhook once. Transient failures are logged and
// retried on the next tick.
func (p *Poller) pollOnce(callID string) (map[string]any, bool) {
	resp, err := p.client.Get(p.url)
	if err != nil {
		p.logger.Warn("external webhook poll failed", "call_id", callID, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("external webhook poll status", "call_id", callID, "status", resp.StatusCode)
		return nil, false
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		p.logger.Warn("external webhook poll decode failed", "call_id", callID, "error", err)
		return nil, false
	}

	status, _ := data["status"].(string)
	return data, status == "completed"
}
