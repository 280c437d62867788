// Package netmon decides whether the remote store is reachable.
//
// A [Monitor] combines a periodic reachability probe with connectivity hints
// reported by the platform, and only flips its verdict after several
// consecutive observations agree. Subscribers see transitions, never ticks.
package netmon

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultThreshold is the number of consecutive agreeing observations needed
// to flip the verdict.
const DefaultThreshold = 2

const maxProbeTimeout = 5 * time.Second

// Prober checks reachability with a lightweight no-op request.
// Implemented by [firestore.Client].
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks connectivity. The initial verdict is offline.
type Monitor struct {
	prober    Prober
	interval  time.Duration
	threshold int
	log       *slog.Logger

	mu        sync.Mutex
	online    bool
	candidate bool
	streak    int
	listeners map[int]func(bool)
	nextSub   int
}

// New creates a Monitor that probes every interval. A threshold of zero or
// less uses [DefaultThreshold].
func New(prober Prober, interval time.Duration, threshold int, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		prober:    prober,
		interval:  interval,
		threshold: threshold,
		log:       logger,
		listeners: make(map[int]func(bool)),
	}
}

// Online returns the current verdict.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn to be called on every transition. The returned
// function removes the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Report feeds a platform connectivity signal into the monitor. It counts as
// one observation, like a probe result.
func (m *Monitor) Report(online bool) {
	m.observe(online, "platform")
}

// Probe runs one reachability check and records the result. It returns the
// raw probe result, which may differ from the debounced verdict.
func (m *Monitor) Probe(ctx context.Context) bool {
	timeout := maxProbeTimeout
	if m.interval > 0 && m.interval < timeout {
		timeout = m.interval
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	if err != nil {
		m.log.Debug("reachability probe failed", "error", err)
	}
	m.observe(err == nil, "probe")
	return err == nil
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) observe(online bool, source string) {
	m.mu.Lock()
	if online == m.online {
		m.streak = 0
		m.mu.Unlock()
		return
	}
	if m.streak == 0 || m.candidate != online {
		m.candidate = online
		m.streak = 0
	}
	m.streak++
	if m.streak < m.threshold {
		m.mu.Unlock()
		return
	}

	m.online = online
	m.streak = 0
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", "online", online, "source", source)
	for _, fn := range fns {
		fn(online)
	}
}
