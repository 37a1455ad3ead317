// Package metrics aggregates refresh observations into an in-memory,
// process-lifetime snapshot. It is an observability aid, not a source of
// truth: counters reset on restart and the health assessment is advisory.
package metrics

import (
	"sync"
	"time"

	"credential-broker/internal/provider"
)

// Health states derived from the rolling aggregates.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// Thresholds for the tri-state health assessment.
const (
	healthySuccessRate  = 0.90
	degradedSuccessRate = 0.70
	healthyMaxLatency   = 2 * time.Second
	healthyMaxFallback  = 0.25
)

// InstanceCounters are per-instance refresh tallies.
type InstanceCounters struct {
	Refreshes int64 `json:"refreshes"`
	Failures  int64 `json:"failures"`
}

// Snapshot is a point-in-time view of the collected aggregates.
type Snapshot struct {
	Since time.Time `json:"since"`

	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`

	Validates       int64 `json:"validates"`
	ValidateFails   int64 `json:"validate_failures"`
	Refreshes       int64 `json:"refreshes"`
	RefreshFailures int64 `json:"refresh_failures"`
	FallbackUses    int64 `json:"fallback_uses"`

	SuccessRate  float64       `json:"success_rate"`
	FallbackRate float64       `json:"fallback_rate"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`

	Health string `json:"health"`

	PerInstance map[string]InstanceCounters `json:"per_instance,omitempty"`
}

// Collector accumulates observations. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	since time.Time

	cacheHits   int64
	cacheMisses int64

	validates     int64
	validateFails int64

	refreshes       int64
	refreshFailures int64
	fallbackUses    int64

	// successLatencyTotal tracks latency of successful refreshes only, so
	// timeouts on failures do not skew the average.
	successLatencyTotal time.Duration
	successCount        int64

	perInstance map[string]*InstanceCounters
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		since:       time.Now(),
		perInstance: make(map[string]*InstanceCounters),
	}
}

func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

func (c *Collector) RecordCacheMiss() {
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// RecordRefresh observes one provider refresh attempt.
func (c *Collector) RecordRefresh(instanceID, method string, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshes++
	if method == provider.MethodFallback {
		c.fallbackUses++
	}

	inst := c.instance(instanceID)
	inst.Refreshes++

	if success {
		c.successCount++
		c.successLatencyTotal += latency
	} else {
		c.refreshFailures++
		inst.Failures++
	}
}

// RecordValidate observes one store-token validation outcome.
func (c *Collector) RecordValidate(instanceID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.validates++
	if !success {
		c.validateFails++
		c.instance(instanceID).Failures++
	}
}

func (c *Collector) instance(id string) *InstanceCounters {
	inst, ok := c.perInstance[id]
	if !ok {
		inst = &InstanceCounters{}
		c.perInstance[id] = inst
	}
	return inst
}

// Snapshot derives the current aggregates and health state.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Since:           c.since,
		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		Validates:       c.validates,
		ValidateFails:   c.validateFails,
		Refreshes:       c.refreshes,
		RefreshFailures: c.refreshFailures,
		FallbackUses:    c.fallbackUses,
		SuccessRate:     1.0,
		PerInstance:     make(map[string]InstanceCounters, len(c.perInstance)),
	}

	if c.refreshes > 0 {
		snap.SuccessRate = float64(c.refreshes-c.refreshFailures) / float64(c.refreshes)
		snap.FallbackRate = float64(c.fallbackUses) / float64(c.refreshes)
	}
	if c.successCount > 0 {
		snap.AvgLatency = c.successLatencyTotal / time.Duration(c.successCount)
	}

	snap.Health = assessHealth(snap)

	for id, inst := range c.perInstance {
		snap.PerInstance[id] = *inst
	}
	return snap
}

// Reset zeroes all aggregates, starting a new collection window.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.since = time.Now()
	c.cacheHits = 0
	c.cacheMisses = 0
	c.validates = 0
	c.validateFails = 0
	c.refreshes = 0
	c.refreshFailures = 0
	c.fallbackUses = 0
	c.successLatencyTotal = 0
	c.successCount = 0
	c.perInstance = make(map[string]*InstanceCounters)
}

// assessHealth derives the advisory tri-state. With no refresh activity the
// system reads healthy.
func assessHealth(s Snapshot) string {
	if s.Refreshes == 0 {
		return HealthHealthy
	}

	switch {
	case s.SuccessRate >= healthySuccessRate &&
		s.AvgLatency < healthyMaxLatency &&
		s.FallbackRate < healthyMaxFallback:
		return HealthHealthy
	case s.SuccessRate >= degradedSuccessRate:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}
