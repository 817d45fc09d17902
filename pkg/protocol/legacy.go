package protocol

import (
	"fmt"
	"strings"
)

// The legacy dialect is the plaintext line protocol of the pre-NPP chat
// server. The server side decodes the client verbs and encodes the
// server verbs; each maps 1:1 to a current-dialect type code.
//
//	client -> server:  CONN <user>   BCST <text>   QUIT   PONG
//	server -> client:  OK ...        BCST <sender> <text>
//	                   INFO <text>   PING          ER00..ER03

// ParseLegacy decodes one legacy line received from a client. The
// trailing terminator (LF or NUL) must already be stripped.
func ParseLegacy(line []byte) (*Message, error) {
	text := strings.TrimSuffix(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrLegacy)
	}

	verb, rest, _ := strings.Cut(text, " ")
	switch verb {
	case "CONN":
		username, _, _ := strings.Cut(rest, " ")
		if username == "" {
			return nil, fmt.Errorf("%w: CONN without a username", ErrLegacy)
		}
		return NewMessage(RequestLogin).Username(username).Build()
	case "BCST":
		if rest == "" {
			return nil, fmt.Errorf("%w: BCST without a message", ErrLegacy)
		}
		return NewMessage(RequestBroadcast).Payload(rest).Build()
	case "QUIT":
		return NewMessage(RequestLogout).Build()
	case "PONG":
		return NewMessage(HeartbeatResponse).Build()
	default:
		return nil, fmt.Errorf("%w: unknown verb %q", ErrLegacy, verb)
	}
}

// EncodeLegacy renders a server-side message as a legacy line. Codes
// the legacy dialect cannot express return ErrLegacy; callers decide
// whether to drop or report such messages.
func EncodeLegacy(m *Message) ([]byte, error) {
	var b strings.Builder
	switch m.Code {
	case AckLogin:
		b.WriteString("OK ")
		b.WriteString(m.Payload)
	case AckLogout:
		b.WriteString("OK Goodbye")
	case AckBroadcast:
		b.WriteString("OK BCST ")
		b.WriteString(m.Payload)
	case Chat:
		sender, _ := m.Field("sender")
		b.WriteString("BCST ")
		b.WriteString(sender)
		b.WriteByte(' ')
		b.WriteString(m.Payload)
	case ServerInfo:
		b.WriteString("INFO ")
		b.WriteString(m.Payload)
	case HeartbeatRequest:
		b.WriteString("PING")
	case ErrorMalformedPacket:
		b.WriteString("ER00")
	case ErrorAlreadyLoggedIn:
		b.WriteString("ER01")
	case ErrorInvalidFormat:
		b.WriteString("ER02")
	case ErrorNotLoggedIn:
		b.WriteString("ER03")
	default:
		return nil, fmt.Errorf("%w: no legacy encoding for code %d", ErrLegacy, int(m.Code))
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
