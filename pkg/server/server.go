// Package server implements the Latte chat server: two TCP listeners
// (message channel and file relay), per-session heartbeat watchdogs,
// and the shared registries they coordinate through.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattechat/latte/pkg/auth"
	"github.com/lattechat/latte/pkg/protocol"
)

const (
	groupIdleMax      = 2 * time.Minute
	sweepInitialDelay = 2 * time.Minute
	sweepInterval     = time.Second
)

// Dependencies holds external dependencies for the server.
type Dependencies struct {
	// Creds is the credential store consulted for password logins.
	// When nil, the built-in static set is used.
	Creds auth.Store
}

// Server is the main Latte server.
type Server struct {
	cfg     Config
	reg     *Registries
	creds   auth.Store
	metrics *Metrics
	msgLn   net.Listener
	fileLn  net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	creds := deps.Creds
	if creds == nil {
		creds = auth.NewStaticStore(auth.DefaultCredentials)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		reg:     NewRegistries(),
		creds:   creds,
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Registries returns the shared registries.
func (s *Server) Registries() *Registries {
	return s.reg
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// MessageAddr returns the bound address of the message listener, for
// callers that configured port 0.
func (s *Server) MessageAddr() net.Addr {
	if s.msgLn == nil {
		return nil
	}
	return s.msgLn.Addr()
}

// FileAddr returns the bound address of the file listener.
func (s *Server) FileAddr() net.Addr {
	if s.fileLn == nil {
		return nil
	}
	return s.fileLn.Addr()
}

// StartMessage starts the message channel listener.
func (s *Server) StartMessage() error {
	ln, err := net.Listen("tcp", s.cfg.MessageAddr)
	if err != nil {
		return fmt.Errorf("server: listen message: %w", err)
	}
	s.msgLn = ln
	slog.Info("message channel listening", "addr", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("message accept error", "err", err)
					continue
				}
			}
			go NewSession(conn, s.reg, s.creds, s.metrics, slog.Default()).Run()
		}
	}()

	return nil
}

// StartFile starts the file relay listener.
func (s *Server) StartFile() error {
	ln, err := net.Listen("tcp", s.cfg.FileAddr)
	if err != nil {
		return fmt.Errorf("server: listen file: %w", err)
	}
	s.fileLn = ln
	slog.Info("file relay listening", "addr", ln.Addr().String())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("file accept error", "err", err)
					continue
				}
			}
			go NewFileLeg(conn, s.reg, s.metrics, slog.Default()).Run()
		}
	}()

	return nil
}

// Run starts the server and blocks until a shutdown signal.
func (s *Server) Run() error {
	if err := s.StartMessage(); err != nil {
		return err
	}
	if err := s.StartFile(); err != nil {
		return err
	}

	slog.Info("Latte server running",
		"message", s.cfg.MessageAddr,
		"file", s.cfg.FileAddr,
	)

	s.StartMetricsHTTP()
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())
	s.startGroupSweep()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.msgLn != nil {
		_ = s.msgLn.Close()
	}
	if s.fileLn != nil {
		_ = s.fileLn.Close()
	}
}

// startGroupSweep evicts group members idle for more than two minutes.
// First run is two minutes after startup, then every second.
func (s *Server) startGroupSweep() {
	go func() {
		timer := time.NewTimer(sweepInitialDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			s.sweepGroupsOnce()
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Server) sweepGroupsOnce() {
	for _, ev := range s.reg.Groups.SweepInactive(groupIdleMax) {
		s.metrics.SweepEvictions.Add(1)
		slog.Info("evicted idle group member", "group", ev.Group, "user", ev.Username)

		notice, err := protocol.NewMessage(protocol.ServerInfo).
			Payload(fmt.Sprintf("You have been kicked from group '%s' due to inactivity!", ev.Group)).
			Sender("SERVER").
			Build()
		if err != nil {
			slog.Error("could not build eviction notice", "err", err)
			continue
		}
		if peer, ok := s.reg.Sessions.Get(ev.Username); ok {
			peer.Enqueue(notice, "")
		}
	}
}
