package server

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/lattechat/latte/pkg/auth"
	"github.com/lattechat/latte/pkg/protocol"
)

const (
	heartbeatInitialDelay  = 5 * time.Second
	heartbeatConfirmWindow = 3 * time.Second
	outboundQueueSize      = 64
)

// welcomeBanner is sent on every new message-channel connection, before
// the dialect is known. Legacy clients tolerate the frame bytes.
const welcomeBanner = "Welcome to Latte, a NextPresso (NPP/1.1) chat server!"

// queuedMessage is one outbound-queue entry. target, when set, names
// the user the message was addressed to at enqueue time; it is checked
// again at send time in case the session re-bound in between.
type queuedMessage struct {
	msg    *protocol.Message
	target string
}

// Session owns one message-channel connection: the read/dispatch loop,
// a writer goroutine draining the outbound queue, and the heartbeat
// watchdog.
type Session struct {
	conn    net.Conn
	fr      *protocol.FrameReader
	disp    *Dispatcher
	reg     *Registries
	metrics *Metrics
	log     *slog.Logger

	wmu sync.Mutex // serializes writes to conn

	// Watchdog timing, overridable in tests.
	hbInitialDelay  time.Duration
	hbConfirmWindow time.Duration

	outbound  chan queuedMessage
	hbConfirm chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an accepted message-channel connection.
func NewSession(conn net.Conn, reg *Registries, creds auth.Store, metrics *Metrics, log *slog.Logger) *Session {
	s := &Session{
		conn:            conn,
		fr:              protocol.NewFrameReader(conn),
		reg:             reg,
		metrics:         metrics,
		log:             log.With("remote", conn.RemoteAddr().String()),
		hbInitialDelay:  heartbeatInitialDelay,
		hbConfirmWindow: heartbeatConfirmWindow,
		outbound:        make(chan queuedMessage, outboundQueueSize),
		hbConfirm:       make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	s.disp = NewDispatcher(s, s.confirmHeartbeat, reg, creds, metrics, s.log)
	return s
}

// Run services the connection until it closes. It blocks; the caller
// runs it on its own goroutine.
func (s *Session) Run() {
	defer s.cleanup()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveSessions.Add(1)
	defer s.metrics.ActiveSessions.Add(-1)

	welcome, err := protocol.NewMessage(protocol.ServerInfo).Payload(welcomeBanner).Build()
	if err == nil {
		if err := s.send(welcome); err != nil {
			return
		}
	}

	go s.writeLoop()
	go s.heartbeatLoop()

	for {
		msg, err := s.fr.ReadMessage()
		if err != nil {
			if isDecodeFailure(err) {
				s.metrics.MalformedFrames.Add(1)
				s.log.Debug("dropping undecodable frame", "err", err)
				reply, berr := protocol.NewMessage(protocol.ErrorMalformedPacket).Payload(err.Error()).Build()
				if berr != nil {
					continue
				}
				if serr := s.send(reply); serr != nil {
					return
				}
				continue
			}
			// Transport failure or clean close.
			return
		}

		reply, loggedOut := s.disp.Handle(msg)
		if reply != nil {
			if err := s.send(reply); err != nil {
				return
			}
		}
		if loggedOut {
			return
		}
	}
}

// Enqueue implements Peer: it schedules msg for delivery on the writer
// goroutine without ever blocking the caller.
func (s *Session) Enqueue(msg *protocol.Message, target string) bool {
	select {
	case s.outbound <- queuedMessage{msg: msg, target: target}:
		return true
	default:
		s.metrics.DroppedMessages.Add(1)
		s.log.Warn("outbound queue full, dropping message", "code", int(msg.Code))
		return false
	}
}

// ForceClose implements Peer: it tears the connection down. The read
// loop observes the closed socket and runs the usual cleanup.
func (s *Session) ForceClose() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// confirmHeartbeat is handed to the dispatcher; it is called when this
// session's client answers a heartbeat request.
func (s *Session) confirmHeartbeat() {
	select {
	case s.hbConfirm <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbound queue in FIFO order. An entry
// addressed to a user this session is no longer bound to is stale and
// skipped.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case q := <-s.outbound:
			if q.target != "" && q.target != s.disp.Username() {
				s.log.Debug("skipping stale queued message", "target", q.target)
				continue
			}
			if err := s.send(q.msg); err != nil {
				s.ForceClose()
				return
			}
		}
	}
}

// heartbeatLoop probes liveness: first fire 5s after session start,
// then at random intervals in [5,15]s. A probe unanswered within 3s
// force-closes the connection.
func (s *Session) heartbeatLoop() {
	timer := time.NewTimer(s.hbInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		// Discard a confirmation left over from a previous probe.
		select {
		case <-s.hbConfirm:
		default:
		}

		req, err := protocol.NewMessage(protocol.HeartbeatRequest).Build()
		if err != nil {
			return
		}
		s.log.Debug("heartbeat probe", "user", s.logName())
		if err := s.send(req); err != nil {
			s.ForceClose()
			return
		}

		confirm := time.NewTimer(s.hbConfirmWindow)
		select {
		case <-s.hbConfirm:
			confirm.Stop()
		case <-confirm.C:
			s.log.Warn("heartbeat unconfirmed, closing session", "user", s.logName())
			s.metrics.HeartbeatFailures.Add(1)
			s.ForceClose()
			return
		case <-s.done:
			confirm.Stop()
			return
		}

		timer.Reset(heartbeatInterval())
	}
}

func heartbeatInterval() time.Duration {
	return time.Duration(5+rand.IntN(11)) * time.Second
}

// send encodes msg for the connection's dialect and writes it. A
// message the legacy dialect cannot express is dropped, not an error.
func (s *Session) send(msg *protocol.Message) error {
	var wire []byte
	if s.fr.Dialect() == protocol.DialectLegacy {
		var err error
		wire, err = protocol.EncodeLegacy(msg)
		if err != nil {
			s.log.Debug("no legacy encoding, dropping message", "code", int(msg.Code))
			return nil
		}
	} else {
		wire = msg.EncodeCurrent()
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(wire)
	return err
}

// cleanup closes the connection and purges the bound username from
// every registry. Runs exactly once, when Run returns.
func (s *Session) cleanup() {
	s.ForceClose()
	if username := s.disp.Username(); username != "" {
		s.reg.Sessions.Unbind(username, s)
		s.reg.Groups.RemoveUser(username)
		s.reg.Keys.Remove(username)
		s.reg.Transfers.Remove(username)
	}
	s.log.Info("session closed", "user", s.logName())
}

func (s *Session) logName() string {
	if username := s.disp.Username(); username != "" {
		return username
	}
	return "<GUEST>"
}

// isDecodeFailure reports whether a ReadMessage error is a recoverable
// decode failure rather than a transport failure.
func isDecodeFailure(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrLegacy) ||
		errors.Is(err, protocol.ErrFrameTimeout)
}
