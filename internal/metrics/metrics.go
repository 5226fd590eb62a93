// Package metrics provides operational counters for the task-status client.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks operational metrics for one session.
// All fields are safe for concurrent access.
type Metrics struct {
	// Connection metrics
	ConnectionAttempts  atomic.Int64
	ConnectionSuccesses atomic.Int64
	ConnectionFailures  atomic.Int64
	Reconnections       atomic.Int64
	AuthFailures        atomic.Int64
	HeartbeatTimeouts   atomic.Int64

	// Frame metrics
	FramesSent     atomic.Int64
	FramesReceived atomic.Int64
	ProtocolErrors atomic.Int64
	HandlerErrors  atomic.Int64

	// Task metrics
	TaskUpdates atomic.Int64
	StateErrors atomic.Int64

	// Timing metrics
	startTime         time.Time
	lastHeartbeat     atomic.Value // time.Time
	avgConnectLatency atomic.Int64
	latencyCount      atomic.Int64

	mu sync.RWMutex
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Timestamp           time.Time `json:"timestamp"`
	Uptime              string    `json:"uptime"`
	ConnectionAttempts  int64     `json:"connection_attempts"`
	ConnectionSuccesses int64     `json:"connection_successes"`
	ConnectionFailures  int64     `json:"connection_failures"`
	Reconnections       int64     `json:"reconnections"`
	AuthFailures        int64     `json:"auth_failures"`
	HeartbeatTimeouts   int64     `json:"heartbeat_timeouts"`
	FramesSent          int64     `json:"frames_sent"`
	FramesReceived      int64     `json:"frames_received"`
	ProtocolErrors      int64     `json:"protocol_errors"`
	HandlerErrors       int64     `json:"handler_errors"`
	TaskUpdates         int64     `json:"task_updates"`
	StateErrors         int64     `json:"state_errors"`
	AvgConnectMs        float64   `json:"avg_connect_ms"`
	LastHeartbeat       string    `json:"last_heartbeat,omitempty"`
}

// New creates a new Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordConnectLatency records the time a dial took to reach Open
// and updates the running average.
func (m *Metrics) RecordConnectLatency(d time.Duration) {
	ns := d.Nanoseconds()
	count := m.latencyCount.Add(1)

	// Running average: newAvg = oldAvg + (newValue - oldAvg) / count
	for {
		oldAvg := m.avgConnectLatency.Load()
		newAvg := oldAvg + (ns-oldAvg)/count
		if m.avgConnectLatency.CompareAndSwap(oldAvg, newAvg) {
			break
		}
		count = m.latencyCount.Load()
		if count == 0 {
			count = 1
		}
	}
}

// RecordHeartbeat records the time of the last pong or server heartbeat.
func (m *Metrics) RecordHeartbeat(at time.Time) {
	m.lastHeartbeat.Store(at)
}

// LastHeartbeat returns the last recorded heartbeat, or the zero time.
func (m *Metrics) LastHeartbeat() time.Time {
	if v := m.lastHeartbeat.Load(); v != nil {
		if t, ok := v.(time.Time); ok {
			return t
		}
	}
	return time.Time{}
}

// Uptime returns the duration since the metrics instance was created.
func (m *Metrics) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startTime)
}

// AvgConnectLatency returns the average recorded connect latency.
func (m *Metrics) AvgConnectLatency() time.Duration {
	return time.Duration(m.avgConnectLatency.Load())
}

// Snapshot returns a point-in-time copy of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp:           time.Now(),
		Uptime:              m.Uptime().Round(time.Millisecond).String(),
		ConnectionAttempts:  m.ConnectionAttempts.Load(),
		ConnectionSuccesses: m.ConnectionSuccesses.Load(),
		ConnectionFailures:  m.ConnectionFailures.Load(),
		Reconnections:       m.Reconnections.Load(),
		AuthFailures:        m.AuthFailures.Load(),
		HeartbeatTimeouts:   m.HeartbeatTimeouts.Load(),
		FramesSent:          m.FramesSent.Load(),
		FramesReceived:      m.FramesReceived.Load(),
		ProtocolErrors:      m.ProtocolErrors.Load(),
		HandlerErrors:       m.HandlerErrors.Load(),
		TaskUpdates:         m.TaskUpdates.Load(),
		StateErrors:         m.StateErrors.Load(),
		AvgConnectMs:        float64(m.avgConnectLatency.Load()) / float64(time.Millisecond),
	}

	if t := m.LastHeartbeat(); !t.IsZero() {
		snap.LastHeartbeat = t.Format(time.RFC3339)
	}

	return snap
}

// ToJSON returns a JSON-encoded representation of the current metrics snapshot.
func (m *Metrics) ToJSON() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Reset zeroes all counters and restarts the uptime clock.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Int64{
		&m.ConnectionAttempts, &m.ConnectionSuccesses, &m.ConnectionFailures,
		&m.Reconnections, &m.AuthFailures, &m.HeartbeatTimeouts,
		&m.FramesSent, &m.FramesReceived, &m.ProtocolErrors, &m.HandlerErrors,
		&m.TaskUpdates, &m.StateErrors,
		&m.avgConnectLatency, &m.latencyCount,
	} {
		c.Store(0)
	}
	m.lastHeartbeat.Store(time.Time{})

	m.mu.Lock()
	m.startTime = time.Now()
	m.mu.Unlock()
}
