// Package health implements the liveness prober: a background
// loop that periodically GETs each host's liveness path and reflects
// reachability into the host registry. The prober never opens the
// circuit itself — that is the retry/circuit layer's job. Adapted from
// a periodic liveness checker,
// retargeted from named service probes to per-host liveness checks
// feeding a router.Registry.
package health

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dispatchlab/taskdispatcher/internal/logging"
	"github.com/dispatchlab/taskdispatcher/internal/router"
)

// Config parametrizes the prober.
type Config struct {
	Interval     time.Duration // default 30s
	ProbeTimeout time.Duration // default 5s
	LivenessPath string        // appended to each host's endpoint, default "/health"
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		LivenessPath: "/health",
	}
}

// Prober periodically checks host liveness and updates the registry.
type Prober struct {
	cfg      Config
	registry *router.Registry
	client   *http.Client
	logger   logging.Logger
	onProbe  func(host string, healthy bool) // test hook
}

// New builds a Prober over registry.
func New(registry *router.Registry, cfg Config, logger logging.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health"
	}
	return &Prober{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		logger:   logging.NewComponentLogger(logger, "health-prober"),
	}
}

// ProbeOnce checks every registered host a single time. Exported so the
// dispatch loop (or a test) can trigger an out-of-band check without
// waiting for the next interval tick.
func (p *Prober) ProbeOnce(ctx context.Context) {
	for _, h := range p.registry.Hosts() {
		healthy := p.probe(ctx, h)
		p.registry.SetHealthy(h.Name, healthy, time.Now())
		if p.onProbe != nil {
			p.onProbe(h.Name, healthy)
		}
		if healthy {
			p.logger.Debug("host %s is healthy", h.Name)
		} else {
			p.logger.Warn("host %s failed liveness probe", h.Name)
		}
	}
}

func (p *Prober) probe(ctx context.Context, h router.Host) bool {
	target := strings.TrimRight(h.Endpoint, "/") + p.cfg.LivenessPath
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Run blocks, probing every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
