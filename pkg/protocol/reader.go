package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Dialect identifies which of the two wire encodings a connection
// speaks. A connection commits to the dialect of its first byte and
// keeps it for its remaining lifetime.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectCurrent
	DialectLegacy
)

func (d Dialect) String() string {
	switch d {
	case DialectCurrent:
		return "current"
	case DialectLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// FrameTimeout bounds current-dialect frame assembly: once a START
// marker has been seen, the END marker must arrive within this window
// or the frame fails decoding.
const FrameTimeout = 4 * time.Second

// ErrFrameTimeout reports an incomplete current-dialect frame: the END
// marker did not arrive within the assembly window. It is a decode
// failure, not a connection failure.
var ErrFrameTimeout = errors.New("protocol: frame assembly timed out")

// legacyTrigger is the lowest byte value that selects the legacy
// dialect: anything printable cannot open a current-dialect frame.
const legacyTrigger byte = 0x20

// FrameReader reads messages of either dialect from one byte stream.
// The first byte read decides the dialect; multiple frames arriving
// back-to-back are buffered and returned by successive ReadMessage
// calls.
type FrameReader struct {
	br       *bufio.Reader
	deadline interface{ SetReadDeadline(time.Time) error }
	dialect  Dialect
	timeout  time.Duration
}

// NewFrameReader wraps r. If r supports read deadlines (net.Conn does),
// they bound current-dialect frame assembly.
func NewFrameReader(r io.Reader) *FrameReader {
	fr := &FrameReader{br: bufio.NewReader(r), timeout: FrameTimeout}
	if d, ok := r.(interface{ SetReadDeadline(time.Time) error }); ok {
		fr.deadline = d
	}
	return fr
}

// Dialect returns the committed dialect, or DialectUnknown before the
// first byte has been observed.
func (fr *FrameReader) Dialect() Dialect { return fr.dialect }

// ForceDialect pins the dialect before any byte is read. The file
// relay channel uses this to admit current-dialect frames only.
func (fr *FrameReader) ForceDialect(d Dialect) { fr.dialect = d }

// Raw exposes the buffered stream. The file relay switches to it after
// authentication so bytes already buffered are not lost.
func (fr *FrameReader) Raw() io.Reader { return fr.br }

// ReadMessage blocks for the next frame and decodes it. Decode
// failures (ErrMalformed, ErrLegacy, ErrFrameTimeout) leave the
// connection usable; any other error is a transport failure.
func (fr *FrameReader) ReadMessage() (*Message, error) {
	first, err := fr.br.ReadByte()
	if err != nil {
		return nil, err
	}

	if fr.dialect == DialectUnknown {
		switch {
		case first == MarkStart:
			fr.dialect = DialectCurrent
		case first >= legacyTrigger:
			fr.dialect = DialectLegacy
		default:
			return nil, fmt.Errorf("%w: unexpected start byte 0x%02x", ErrMalformed, first)
		}
	}

	if fr.dialect == DialectCurrent {
		return fr.readCurrent(first)
	}
	return fr.readLegacy(first)
}

func (fr *FrameReader) readCurrent(first byte) (*Message, error) {
	if first != MarkStart {
		return nil, fmt.Errorf("%w: expected start marker, got 0x%02x", ErrMalformed, first)
	}

	if fr.deadline != nil {
		_ = fr.deadline.SetReadDeadline(time.Now().Add(fr.timeout))
		defer func() { _ = fr.deadline.SetReadDeadline(time.Time{}) }()
	}

	frame := []byte{first}
	for {
		b, err := fr.br.ReadByte()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrFrameTimeout
			}
			return nil, err
		}
		frame = append(frame, b)
		if b == MarkEnd {
			break
		}
	}
	return ParseFrame(frame)
}

func (fr *FrameReader) readLegacy(first byte) (*Message, error) {
	if first == '\n' || first == 0x00 {
		return ParseLegacy(nil)
	}
	line := []byte{first}
	for {
		b, err := fr.br.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == '\n' || b == 0x00 {
			break
		}
		line = append(line, b)
	}
	return ParseLegacy(line)
}
