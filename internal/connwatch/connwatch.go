// Package connwatch tracks whether the upstream services BrickChat
// depends on (model serving, Ollama, Gemini) are reachable.
//
// Each watched upstream is probed with exponential backoff until it
// first answers, then polled at a fixed interval. Reachability is
// informational: chat turns are never refused because a probe failed,
// but the health endpoint reports the last known state of each upstream.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks whether an upstream answers. Return nil if healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // first retry delay while starting (default 2s)
	MaxDelay     time.Duration // backoff ceiling (default 60s)
	PollInterval time.Duration // steady-state interval (default 60s)
	ProbeTimeout time.Duration // bound on one probe (default 10s)
}

// DefaultSchedule returns the production schedule: 2s, 4s, 8s ... 60s
// while an upstream has never answered, then one probe per minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the last known state of one upstream.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checks    int       `json:"checks"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type upstream struct {
	name  string
	probe Probe

	mu     sync.Mutex
	status Status
}

// Monitor probes a set of upstreams in the background.
type Monitor struct {
	schedule Schedule
	logger   *slog.Logger

	mu        sync.RWMutex
	upstreams map[string]*upstream
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor. Zero schedule fields take defaults.
func NewMonitor(schedule Schedule, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		schedule:  schedule.withDefaults(),
		logger:    logger,
		upstreams: make(map[string]*upstream),
	}
}

// Watch starts probing an upstream until ctx is cancelled. A second
// Watch for the same name is ignored.
func (m *Monitor) Watch(ctx context.Context, name string, probe Probe) {
	m.mu.Lock()
	if _, ok := m.upstreams[name]; ok {
		m.mu.Unlock()
		return
	}
	u := &upstream{name: name, probe: probe, status: Status{Name: name}}
	m.upstreams[name] = u
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, u)
	}()
}

// Wait blocks until every watch loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Status returns every upstream's state ordered by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		u.mu.Lock()
		out = append(out, u.status)
		u.mu.Unlock()
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllReady reports whether every watched upstream answered its last probe.
func (m *Monitor) AllReady() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

func (m *Monitor) run(ctx context.Context, u *upstream) {
	log := m.logger.With("upstream", u.name)

	// Startup: back off until the first success.
	delay := m.schedule.InitialDelay
	for !m.check(ctx, u, log) {
		log.Debug("upstream probe failed, retrying", "next_delay", delay.String())
		if !sleepCtx(ctx, delay) {
			return
		}
		delay *= 2
		if delay > m.schedule.MaxDelay {
			delay = m.schedule.MaxDelay
		}
	}

	ticker := time.NewTicker(m.schedule.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, u, log)
		}
	}
}

// check runs one probe, records it, and logs state transitions.
func (m *Monitor) check(ctx context.Context, u *upstream, log *slog.Logger) bool {
	pctx, cancel := context.WithTimeout(ctx, m.schedule.ProbeTimeout)
	err := u.probe(pctx)
	cancel()

	u.mu.Lock()
	was := u.status.Ready
	first := u.status.Checks == 0
	u.status.Checks++
	u.status.LastCheck = time.Now()
	u.status.Ready = err == nil
	u.status.LastError = ""
	if err != nil {
		u.status.LastError = err.Error()
	}
	u.mu.Unlock()

	switch {
	case err == nil && !was:
		log.Info("upstream reachable")
	case err != nil && was:
		log.Warn("upstream became unreachable", "error", err)
	case err != nil && first:
		log.Info("upstream not reachable yet", "error", err)
	}
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
