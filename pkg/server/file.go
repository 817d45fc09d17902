package server

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/lattechat/latte/pkg/protocol"
)

const partnerWait = 5 * time.Second

// fileBanner greets every new file-channel connection.
const fileBanner = `Connected to "Latte" file transfer port`

// FileLeg owns one file-channel connection: it authenticates the leg
// against a pending transfer, waits for the partner leg, then relays
// its input bytes to the partner's connection.
type FileLeg struct {
	conn    net.Conn
	fr      *protocol.FrameReader
	reg     *Registries
	metrics *Metrics
	log     *slog.Logger

	current string
	remote  string

	inactive atomic.Bool
}

// NewFileLeg wraps an accepted file-channel connection.
func NewFileLeg(conn net.Conn, reg *Registries, metrics *Metrics, log *slog.Logger) *FileLeg {
	fl := &FileLeg{
		conn:    conn,
		fr:      protocol.NewFrameReader(conn),
		reg:     reg,
		metrics: metrics,
		log:     log.With("remote_addr", conn.RemoteAddr().String()),
	}
	// Legacy clients never open file connections.
	fl.fr.ForceDialect(protocol.DialectCurrent)
	return fl
}

// Run services the leg until the relay completes or fails. It blocks;
// the caller runs it on its own goroutine.
func (fl *FileLeg) Run() {
	defer fl.finish()

	if err := fl.send(protocol.NewMessage(protocol.ServerInfo).Payload(fileBanner)); err != nil {
		return
	}

	if !fl.authenticate() {
		return
	}

	if err := fl.send(protocol.NewMessage(protocol.FileAwaitPartner)); err != nil {
		return
	}
	fl.log.Debug("waiting for transfer partner", "user", fl.current, "partner", fl.remote)

	partner, ok := fl.reg.Transfers.AwaitLive(fl.remote, partnerWait)
	if !ok {
		fl.metrics.TransferTimeouts.Add(1)
		fl.log.Warn("transfer partner never connected", "user", fl.current, "partner", fl.remote)
		_ = fl.send(protocol.NewMessage(protocol.ErrorTimeout).Payload("Transfer partner timed out!"))
		return
	}

	if err := fl.send(protocol.NewMessage(protocol.FileTransferReady)); err != nil {
		return
	}
	fl.log.Info("file transfer ready", "user", fl.current, "partner", fl.remote)

	// Raw relay: every byte read on this leg goes to the partner. The
	// copy ending — EOF or a socket error on either side — is normal
	// transfer completion, never surfaced to the client.
	n, err := io.Copy(partner.conn, fl.fr.Raw())
	if err != nil {
		fl.log.Debug("relay ended with error", "user", fl.current, "err", err)
	}
	if n > 0 {
		fl.metrics.FilesRelayed.Add(1)
		fl.metrics.FileBytesRelayed.Add(n)
	}
	fl.log.Info("file transfer finished", "user", fl.current, "bytes", n)
}

// authenticate reads frames until a valid FILE_AUTHENTICATION arrives,
// replying with an error to everything else. It returns false when the
// connection dies first.
func (fl *FileLeg) authenticate() bool {
	for {
		msg, err := fl.fr.ReadMessage()
		if err != nil {
			if perr := fl.decodeError(err); perr != nil {
				if serr := fl.send(perr); serr != nil {
					return false
				}
				continue
			}
			return false
		}

		if reject := fl.checkAuthentication(msg); reject != nil {
			if err := fl.send(reject); err != nil {
				return false
			}
			continue
		}

		fl.reg.Transfers.Activate(fl.current, fl)
		fl.log.Debug("file leg authenticated", "user", fl.current, "partner", fl.remote)
		return true
	}
}

// checkAuthentication validates one frame, binding the leg's usernames
// on success. A non-nil result is the error reply to send.
func (fl *FileLeg) checkAuthentication(msg *protocol.Message) *protocol.Builder {
	if msg.Code != protocol.FileAuthentication {
		return protocol.NewMessage(protocol.ErrorUnexpected).
			Payload("File socket cannot handle the received message!")
	}
	current, ok := msg.Field("current")
	if !ok {
		return protocol.NewMessage(protocol.ErrorMissingData).Payload("Current username not specified")
	}
	remote, ok := msg.Field("remote")
	if !ok {
		return protocol.NewMessage(protocol.ErrorMissingData).Payload("Remote username not specified")
	}
	fl.current, fl.remote = current, remote

	if !fl.reg.Transfers.Pending(current) {
		return protocol.NewMessage(protocol.ErrorUnexpected).
			Payload("The current user did not start a file transfer")
	}
	if !fl.reg.Transfers.Pending(remote) {
		return protocol.NewMessage(protocol.ErrorUnexpected).
			Payload("The target user did not start a file transfer")
	}
	return nil
}

// decodeError maps a ReadMessage failure to an error reply, or nil
// for transport failures.
func (fl *FileLeg) decodeError(err error) *protocol.Builder {
	switch {
	case isDecodeFailure(err):
		fl.metrics.MalformedFrames.Add(1)
		return protocol.NewMessage(protocol.ErrorMalformedPacket).Payload(err.Error())
	default:
		return nil
	}
}

func (fl *FileLeg) send(b *protocol.Builder) error {
	msg, err := b.Build()
	if err != nil {
		return err
	}
	_, err = fl.conn.Write(msg.EncodeCurrent())
	return err
}

// finish closes the connection and settles the registry entries for
// both parties.
func (fl *FileLeg) finish() {
	_ = fl.conn.Close()
	if fl.current != "" {
		fl.reg.Transfers.Finish(fl.current, fl.remote, fl)
	}
}
