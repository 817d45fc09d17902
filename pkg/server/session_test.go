package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/lattechat/latte/pkg/auth"
	"github.com/lattechat/latte/pkg/protocol"
)

// newPipeSession wires a session to one end of an in-memory pipe and
// hands the other end back as the client side.
func newPipeSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		_ = serverSide.Close()
		_ = clientSide.Close()
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(serverSide, NewRegistries(), auth.NewStaticStore(auth.DefaultCredentials), NewMetrics(), log)
	return s, clientSide
}

func readFrame(t *testing.T, fr *protocol.FrameReader, conn net.Conn) *protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestHeartbeatUnansweredClosesSession(t *testing.T) {
	s, client := newPipeSession(t)
	s.hbInitialDelay = 30 * time.Millisecond
	s.hbConfirmWindow = 75 * time.Millisecond
	go s.Run()

	fr := protocol.NewFrameReader(client)
	if banner := readFrame(t, fr, client); banner.Code != protocol.ServerInfo {
		t.Fatalf("banner: code %#x", int(banner.Code))
	}
	if probe := readFrame(t, fr, client); probe.Code != protocol.HeartbeatRequest {
		t.Fatalf("probe: code %#x", int(probe.Code))
	}

	// Withhold the response; the watchdog must tear the connection down
	// once the confirmation window lapses.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := fr.ReadMessage(); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("connection still alive after unanswered probe: err=%v", err)
	}

	deadline := time.Now().Add(time.Second)
	for s.metrics.HeartbeatFailures.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat failure counter: %d", s.metrics.HeartbeatFailures.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatAnsweredKeepsSessionOpen(t *testing.T) {
	s, client := newPipeSession(t)
	s.hbInitialDelay = 30 * time.Millisecond
	s.hbConfirmWindow = 75 * time.Millisecond
	go s.Run()

	fr := protocol.NewFrameReader(client)
	if banner := readFrame(t, fr, client); banner.Code != protocol.ServerInfo {
		t.Fatalf("banner: code %#x", int(banner.Code))
	}
	if probe := readFrame(t, fr, client); probe.Code != protocol.HeartbeatRequest {
		t.Fatalf("probe: code %#x", int(probe.Code))
	}

	pong, err := protocol.NewMessage(protocol.HeartbeatResponse).Build()
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	if _, err := client.Write(pong.EncodeCurrent()); err != nil {
		t.Fatalf("write response: %v", err)
	}

	// Past the confirmation window the session must still be alive: a
	// short read hits its deadline instead of a closed pipe.
	_ = client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := fr.ReadMessage(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("session closed after a timely response: err=%v", err)
	}
	if s.metrics.HeartbeatFailures.Load() != 0 {
		t.Fatalf("heartbeat failure counter: %d", s.metrics.HeartbeatFailures.Load())
	}
}

func TestWriteLoopSkipsStaleTargets(t *testing.T) {
	s, client := newPipeSession(t)

	login, err := protocol.NewMessage(protocol.RequestLogin).Username("alice").Build()
	if err != nil {
		t.Fatalf("build login: %v", err)
	}
	if reply, _ := s.disp.Handle(login); reply.Code != protocol.AckLogin {
		t.Fatalf("login: code %#x", int(reply.Code))
	}

	go s.writeLoop()
	defer s.ForceClose()

	stale, err := protocol.NewMessage(protocol.ServerInfo).Payload("for someone else").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	addressed, err := protocol.NewMessage(protocol.ServerInfo).Payload("for alice").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	untargeted, err := protocol.NewMessage(protocol.ServerInfo).Payload("for whoever").Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// An entry addressed to a username this session no longer holds is
	// dropped at drain time; the rest flow through in order.
	s.Enqueue(stale, "bob")
	s.Enqueue(addressed, "alice")
	s.Enqueue(untargeted, "")

	fr := protocol.NewFrameReader(client)
	for _, want := range []string{"for alice", "for whoever"} {
		msg := readFrame(t, fr, client)
		if msg.Payload != want {
			t.Fatalf("delivered payload: got %q want %q", msg.Payload, want)
		}
	}
}
