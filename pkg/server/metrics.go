package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections atomic.Int64 // lifetime message-channel connections accepted
	ActiveSessions   atomic.Int64 // current active message-channel sessions
	Logins           atomic.Int64 // successful logins (anonymous + authenticated)
	FailedLogins     atomic.Int64 // rejected password logins

	// Message counters
	Broadcasts      atomic.Int64 // broadcast requests handled
	DirectMessages  atomic.Int64 // direct messages relayed
	GroupMessages   atomic.Int64 // group messages relayed
	DroppedMessages atomic.Int64 // outbound messages dropped on a full queue
	MalformedFrames atomic.Int64 // frames that failed decoding

	// Group counters
	GroupsCreated  atomic.Int64 // groups created during this run
	SweepEvictions atomic.Int64 // members evicted by the inactivity sweep

	// File transfer counters
	FilesRelayed     atomic.Int64 // completed relay legs that moved bytes
	FileBytesRelayed atomic.Int64 // total bytes relayed between file legs
	TransferTimeouts atomic.Int64 // file legs whose partner never arrived

	// Liveness counters
	HeartbeatFailures atomic.Int64 // sessions closed for unanswered heartbeats
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a
// serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveSessions   int64 `json:"active_sessions"`
	TotalConnections int64 `json:"total_connections"`
	Logins           int64 `json:"logins"`
	FailedLogins     int64 `json:"failed_logins"`

	Broadcasts      int64 `json:"broadcasts"`
	DirectMessages  int64 `json:"direct_messages"`
	GroupMessages   int64 `json:"group_messages"`
	DroppedMessages int64 `json:"dropped_messages"`
	MalformedFrames int64 `json:"malformed_frames"`

	GroupsCreated  int64 `json:"groups_created"`
	SweepEvictions int64 `json:"sweep_evictions"`

	FilesRelayed     int64 `json:"files_relayed"`
	FileBytesRelayed int64 `json:"file_bytes_relayed"`
	TransferTimeouts int64 `json:"transfer_timeouts"`

	HeartbeatFailures int64 `json:"heartbeat_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveSessions:    m.ActiveSessions.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		Logins:            m.Logins.Load(),
		FailedLogins:      m.FailedLogins.Load(),
		Broadcasts:        m.Broadcasts.Load(),
		DirectMessages:    m.DirectMessages.Load(),
		GroupMessages:     m.GroupMessages.Load(),
		DroppedMessages:   m.DroppedMessages.Load(),
		MalformedFrames:   m.MalformedFrames.Load(),
		GroupsCreated:     m.GroupsCreated.Load(),
		SweepEvictions:    m.SweepEvictions.Load(),
		FilesRelayed:      m.FilesRelayed.Load(),
		FileBytesRelayed:  m.FileBytesRelayed.Load(),
		TransferTimeouts:  m.TransferTimeouts.Load(),
		HeartbeatFailures: m.HeartbeatFailures.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"sessions", s.ActiveSessions,
		"total_connections", s.TotalConnections,
		"broadcasts", s.Broadcasts,
		"dms", s.DirectMessages,
		"group_msgs", s.GroupMessages,
		"files_relayed", s.FilesRelayed,
		"hb_failures", s.HeartbeatFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
