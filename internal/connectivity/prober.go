package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldops/internal/logging"
)

// Pinger checks whether the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig holds probe timing.
type ProberConfig struct {
	Interval time.Duration // time between probes (default: 15s)
	Timeout  time.Duration // per-probe timeout (default: 5s)
	// FlapThreshold is how many consecutive agreeing probes are needed before
	// the monitor changes state (default: 2).
	FlapThreshold int
}

// DefaultProberConfig returns default probe timing.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:      15 * time.Second,
		Timeout:       5 * time.Second,
		FlapThreshold: 2,
	}
}

// Prober periodically pings the backend and feeds the result to a Monitor.
type Prober struct {
	monitor *Monitor
	pinger  Pinger
	config  ProberConfig
	logger  *logging.Logger

	mu      sync.Mutex
	streak  int
	last    bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewProber creates a prober. Zero config fields take their defaults.
func NewProber(monitor *Monitor, pinger Pinger, config ProberConfig) *Prober {
	def := DefaultProberConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.FlapThreshold <= 0 {
		config.FlapThreshold = def.FlapThreshold
	}
	return &Prober{
		monitor: monitor,
		pinger:  pinger,
		config:  config,
		logger:  logging.Get().Named("connectivity"),
		last:    monitor.GetStatus(),
	}
}

// Start takes the initial status from one probe, then keeps probing in the
// background until Stop or ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	online := p.probe(ctx)
	p.mu.Lock()
	p.last = online
	p.streak = p.config.FlapThreshold
	p.mu.Unlock()
	p.monitor.Set(online)

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop halts background probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Check runs one probe and applies it. Exposed for manual refresh.
func (p *Prober) Check(ctx context.Context) bool {
	p.Observe(p.probe(ctx))
	return p.monitor.GetStatus()
}

// Observe applies one probe result with flap damping.
func (p *Prober) Observe(online bool) {
	p.mu.Lock()
	if online == p.last {
		p.streak++
	} else {
		p.last = online
		p.streak = 1
	}
	ready := p.streak >= p.config.FlapThreshold
	p.mu.Unlock()

	if ready {
		p.monitor.Set(online)
	}
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Observe(p.probe(ctx))
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if err := p.pinger.Ping(probeCtx); err != nil {
		p.logger.Debug("probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}
