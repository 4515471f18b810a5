package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Prober periodically checks a health URL and feeds the result to a Monitor.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	monitor  *Monitor
	log      zerolog.Logger
}

// NewProber creates a prober. A nil client uses one with a 5s timeout.
func NewProber(url string, interval time.Duration, client *http.Client, monitor *Monitor, log zerolog.Logger) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Prober{url: url, interval: interval, client: client, monitor: monitor, log: log}
}

// Probe runs one check and updates the monitor. Any response below 500
// counts as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.log.Error().Err(err).Str("url", p.url).Msg("Invalid probe request")
		return p.monitor.Online()
	}
	resp, err := p.client.Do(req)
	online := err == nil && resp.StatusCode < http.StatusInternalServerError
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		p.log.Debug().Err(err).Msg("Probe failed")
	}
	p.monitor.SetOnline(online)
	return online
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}
