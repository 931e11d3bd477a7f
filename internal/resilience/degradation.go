package resilience

import (
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelNormal        Level = "normal"
	LevelManualRefresh Level = "manual_refresh"
)

const recentEventsLimit = 20

// TransitionEvent records one level change (or rejected recovery attempt)
// with its reason.
type TransitionEvent struct {
	From      Level     `json:"from"`
	To        Level     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type DegradationConfig struct {
	LatencyThresholdMS float64
	ErrorRateThreshold float64
	MinSamples         int
	WindowSize         int
}

type DegradationStatus struct {
	CurrentLevel          Level             `json:"current_level"`
	IsDegraded            bool              `json:"is_degraded"`
	ShouldDisableRealtime bool              `json:"should_disable_realtime"`
	ShouldThrottle        bool              `json:"should_throttle"`
	AverageLatencyMS      float64           `json:"average_latency_ms"`
	ErrorRate             float64           `json:"error_rate"`
	RecommendedBatchSize  int               `json:"recommended_batch_size"`
	RecommendedInterval   time.Duration     `json:"recommended_interval"`
	RecentEvents          []TransitionEvent `json:"recent_events"`
}

type sample struct {
	latencyMS float64
	failed    bool
}

// DegradationManager samples per-operation latency and failure over a rolling
// window and flips the system between normal and manual_refresh. While
// degraded, real-time updates are rejected rather than silently queued.
type DegradationManager struct {
	mu           sync.Mutex
	cfg          DegradationConfig
	samples      []sample
	level        Level
	recentEvents []TransitionEvent

	logger *slog.Logger
}

func NewDegradationManager(cfg DegradationConfig, logger *slog.Logger) *DegradationManager {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	return &DegradationManager{
		cfg:    cfg,
		level:  LevelNormal,
		logger: logger,
	}
}

// RecordOperation feeds one operation's outcome into the rolling window and
// re-evaluates the level.
func (m *DegradationManager) RecordOperation(latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{
		latencyMS: float64(latency.Microseconds()) / 1000.0,
		failed:    failed,
	})
	if len(m.samples) > m.cfg.WindowSize {
		m.samples = m.samples[len(m.samples)-m.cfg.WindowSize:]
	}

	if m.level != LevelNormal || len(m.samples) < m.cfg.MinSamples {
		return
	}

	avgLatency, errorRate := m.metrics()
	switch {
	case errorRate >= m.cfg.ErrorRateThreshold:
		m.transition(LevelManualRefresh, "sustained operation failures")
	case avgLatency >= m.cfg.LatencyThresholdMS && errorRate > 0:
		m.transition(LevelManualRefresh, "sustained high latency with errors")
	}
}

// metrics must be called with m.mu held.
func (m *DegradationManager) metrics() (avgLatencyMS, errorRate float64) {
	if len(m.samples) == 0 {
		return 0, 0
	}
	var totalLatency float64
	failures := 0
	for _, s := range m.samples {
		totalLatency += s.latencyMS
		if s.failed {
			failures++
		}
	}
	return totalLatency / float64(len(m.samples)), float64(failures) / float64(len(m.samples))
}

// transition must be called with m.mu held.
func (m *DegradationManager) transition(to Level, reason string) {
	event := TransitionEvent{From: m.level, To: to, Reason: reason, Timestamp: time.Now().UTC()}
	m.level = to
	m.pushEvent(event)
	m.logger.Warn("degradation level changed", "from", event.From, "to", event.To, "reason", reason)
}

// pushEvent must be called with m.mu held.
func (m *DegradationManager) pushEvent(event TransitionEvent) {
	m.recentEvents = append(m.recentEvents, event)
	if len(m.recentEvents) > recentEventsLimit {
		m.recentEvents = m.recentEvents[len(m.recentEvents)-recentEventsLimit:]
	}
}

// TriggerManual forces the system into manual_refresh mode.
func (m *DegradationManager) TriggerManual(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.level == LevelManualRefresh {
		return
	}
	m.transition(LevelManualRefresh, "manual: "+reason)
}

// Recover attempts to return to normal. If the rolling metrics still look
// unhealthy the attempt is only recorded, not applied.
func (m *DegradationManager) Recover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.level == LevelNormal {
		return true
	}

	avgLatency, errorRate := m.metrics()
	if len(m.samples) >= m.cfg.MinSamples &&
		(errorRate >= m.cfg.ErrorRateThreshold || avgLatency >= m.cfg.LatencyThresholdMS) {
		m.pushEvent(TransitionEvent{
			From:      m.level,
			To:        m.level,
			Reason:    "recovery attempted, metrics still unhealthy",
			Timestamp: time.Now().UTC(),
		})
		// Age out the oldest evidence so repeated attempts can eventually
		// succeed once the failures stop.
		drop := min(m.cfg.MinSamples, len(m.samples))
		m.samples = m.samples[drop:]
		return false
	}

	m.transition(LevelNormal, "recovery")
	// Drop the window so stale failures cannot re-trigger degradation.
	m.samples = m.samples[:0]
	return true
}

// ResetWindow clears the rolling sample window.
func (m *DegradationManager) ResetWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
}

func (m *DegradationManager) Status() DegradationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	avgLatency, errorRate := m.metrics()
	degraded := m.level != LevelNormal

	status := DegradationStatus{
		CurrentLevel:          m.level,
		IsDegraded:            degraded,
		ShouldDisableRealtime: degraded,
		ShouldThrottle:        degraded,
		AverageLatencyMS:      avgLatency,
		ErrorRate:             errorRate,
		RecommendedBatchSize:  1,
		RecommendedInterval:   0,
		RecentEvents:          append([]TransitionEvent(nil), m.recentEvents...),
	}
	if degraded {
		// Clients should fall back to batched polling.
		status.RecommendedBatchSize = 50
		status.RecommendedInterval = 30 * time.Second
	}
	return status
}
