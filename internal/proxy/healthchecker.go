package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/portfolio-gateway/internal/metrics"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded"
	detail string
}

func (s *componentStatus) set(v, detail string) {
	s.mu.Lock()
	s.status = v
	s.detail = detail
	s.mu.Unlock()
}

func (s *componentStatus) get() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown", ""
	}
	return s.status, s.detail
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	upstream func(ctx context.Context) error
	cache    func(ctx context.Context) error
	baseCtx  context.Context
	metrics  *metrics.Registry

	upstreamStatus componentStatus
	cacheStatus    componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. A nil probe reports the component as ok.
func NewHealthChecker(
	ctx context.Context,
	upstream func(ctx context.Context) error,
	cache func(ctx context.Context) error,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		upstream:  upstream,
		cache:     cache,
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		metrics:   met,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Upstream       string `json:"upstream"`
	UpstreamDetail string `json:"upstream_detail,omitempty"`
	Cache          string `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	up, upDetail := hc.upstreamStatus.get()
	cache, _ := hc.cacheStatus.get()

	overall := "ok"
	if up != "ok" || cache != "ok" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:         overall,
		UptimeSeconds:  int64(time.Since(hc.startTime).Seconds()),
		Upstream:       up,
		UpstreamDetail: upDetail,
		Cache:          cache,
	}
}

// ReadinessOK reports whether the upstream API accepted the last probe.
// A degraded cache only costs prompt memoization, so it does not fail
// readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	up, _ := hc.upstreamStatus.get()
	return up == "ok"
}

// Close stops the background probe goroutine. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ok := check(ctx, hc.upstream, &hc.upstreamStatus)
		if hc.metrics != nil {
			hc.metrics.SetUpstreamHealth(ok)
		}
	}()
	go func() {
		defer wg.Done()
		check(ctx, hc.cache, &hc.cacheStatus)
	}()
	wg.Wait()
}

func check(ctx context.Context, probe func(context.Context) error, s *componentStatus) bool {
	if probe == nil {
		s.set("ok", "")
		return true
	}
	if err := probe(ctx); err != nil {
		s.set("degraded", truncate(err.Error(), 200))
		return false
	}
	s.set("ok", "")
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
