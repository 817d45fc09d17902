package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :1338 by default — configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("latte_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("latte_sessions_active", "Current active message-channel sessions.", "gauge",
		m.ActiveSessions.Load())
	write("latte_connections_total", "Lifetime message-channel connections accepted.", "counter",
		m.TotalConnections.Load())

	write("latte_logins_total", "Successful logins.", "counter",
		m.Logins.Load())
	write("latte_logins_failed_total", "Rejected password logins.", "counter",
		m.FailedLogins.Load())

	write("latte_broadcasts_total", "Broadcast requests handled.", "counter",
		m.Broadcasts.Load())
	write("latte_direct_messages_total", "Direct messages relayed.", "counter",
		m.DirectMessages.Load())
	write("latte_group_messages_total", "Group messages relayed.", "counter",
		m.GroupMessages.Load())
	write("latte_dropped_messages_total", "Outbound messages dropped on a full queue.", "counter",
		m.DroppedMessages.Load())
	write("latte_malformed_frames_total", "Frames that failed decoding.", "counter",
		m.MalformedFrames.Load())

	write("latte_groups_created_total", "Groups created.", "counter",
		m.GroupsCreated.Load())
	write("latte_sweep_evictions_total", "Members evicted by the inactivity sweep.", "counter",
		m.SweepEvictions.Load())

	write("latte_files_relayed_total", "Completed relay legs that moved bytes.", "counter",
		m.FilesRelayed.Load())
	write("latte_file_bytes_relayed_total", "Total bytes relayed between file legs.", "counter",
		m.FileBytesRelayed.Load())
	write("latte_transfer_timeouts_total", "File legs whose partner never arrived.", "counter",
		m.TransferTimeouts.Load())

	write("latte_heartbeat_failures_total", "Sessions closed for unanswered heartbeats.", "counter",
		m.HeartbeatFailures.Load())
}
