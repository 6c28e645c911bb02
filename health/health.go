// Package health aggregates dependency probes for the /health
// endpoint: broker, store, and cache, with a short cache so probes
// don't run on every request.
package health

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// Probe checks one dependency. It returns nil when the dependency is
// reachable.
type Probe func(ctx context.Context) error

// Sanitization patterns for probe error messages. Connection errors
// tend to embed URLs and addresses that must not leak through the
// health endpoint.
var (
	urlRegex    = regexp.MustCompile(`(?:https?|nats|redis|postgres(?:ql)?|wss?)://[^\s]+`)
	ipAddrRegex = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex   = regexp.MustCompile(`:\d{2,5}\b`)
)

func sanitize(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return portRegex.ReplaceAllString(msg, "[PORT]")
}

// Aggregate health states. A failed critical dependency takes the
// process down; a failed optional one only degrades it.
const (
	StatusUp       = "up"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Status is the health report for the whole process.
type Status struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components []ComponentStatus `json:"components"`
}

// ComponentStatus is the health of one dependency.
type ComponentStatus struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
}

type registration struct {
	probe    Probe
	critical bool
}

// Monitor runs the registered probes and caches the result briefly.
type Monitor struct {
	probes map[string]registration
	ttl    time.Duration

	mu      sync.Mutex
	cached  Status
	checked time.Time
}

// NewMonitor creates a Monitor with a 5 second result cache.
func NewMonitor() *Monitor {
	return &Monitor{probes: map[string]registration{}, ttl: 5 * time.Second}
}

// Register adds a named dependency probe. critical marks dependencies
// the pipeline cannot run without.
func (m *Monitor) Register(name string, critical bool, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = registration{probe: probe, critical: critical}
}

// Check returns the current health, re-probing when the cached result
// has expired.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.Lock()
	if time.Since(m.checked) < m.ttl {
		cached := m.cached
		m.mu.Unlock()
		return cached
	}
	probes := make(map[string]registration, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.Unlock()

	status := m.runProbes(ctx, probes)

	m.mu.Lock()
	m.cached = status
	m.checked = time.Now()
	m.mu.Unlock()
	return status
}

func (m *Monitor) runProbes(ctx context.Context, probes map[string]registration) Status {
	status := Status{
		Status:    StatusUp,
		Timestamp: time.Now().UTC(),
	}

	type result struct {
		name     string
		critical bool
		err      error
	}
	results := make(chan result, len(probes))
	for name, reg := range probes {
		go func(name string, reg registration) {
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			results <- result{name: name, critical: reg.critical, err: reg.probe(probeCtx)}
		}(name, reg)
	}

	for range probes {
		res := <-results
		cs := ComponentStatus{Name: res.name, Healthy: res.err == nil, Critical: res.critical}
		if res.err != nil {
			cs.Message = sanitize(res.err.Error())
			if res.critical {
				status.Status = StatusDown
			} else if status.Status == StatusUp {
				status.Status = StatusDegraded
			}
		}
		status.Components = append(status.Components, cs)
	}
	return status
}
