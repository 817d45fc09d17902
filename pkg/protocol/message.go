// Package protocol implements the NPP/1.1 wire format and its legacy
// plaintext predecessor.
//
// A current-dialect frame is a single byte stream segment of the form
//
//	START(0x01) typecode{/key=value}* SEPARATOR(0x1F) body END(0x04)
//
// where the type code is a decimal number and the key=value pairs form
// the message fields. The legacy dialect is a line-oriented plaintext
// protocol (CONN/BCST/QUIT/PONG from clients; OK/BCST/INFO/PING/ERnn
// from the server) terminated by a line feed or NUL. Both dialects
// decode into the same Message type.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrMalformed marks a frame that cannot be decoded: missing or
	// misordered markers, an unknown type code, or bad header tokens.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrLegacy marks a legacy-dialect line that cannot be interpreted.
	ErrLegacy = errors.New("protocol: legacy communication error")

	// ErrInvalidField is returned by Builder when a field value would
	// break frame integrity.
	ErrInvalidField = errors.New("protocol: invalid field value")
)

// Message is one decoded protocol message. It is immutable once built:
// construct outbound messages through Builder and treat received ones
// as read-only.
type Message struct {
	Code    Code
	fields  map[string]string
	Payload string
}

// Field returns the value of a header field.
func (m *Message) Field(key string) (string, bool) {
	v, ok := m.fields[key]
	return v, ok
}

// BoolField interprets a header field as a boolean; absent or anything
// other than "true" is false.
func (m *Message) BoolField(key string) bool {
	return m.fields[key] == "true"
}

// Fields returns a copy of the header fields.
func (m *Message) Fields() map[string]string {
	out := make(map[string]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// EncodeCurrent renders the message as a current-dialect frame. Fields
// are written in sorted key order; field order carries no meaning on
// the wire.
func (m *Message) EncodeCurrent() []byte {
	var b bytes.Buffer
	b.WriteByte(MarkStart)
	b.WriteString(strconv.Itoa(int(m.Code)))

	keys := make([]string, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('/')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.fields[k])
	}

	b.WriteByte(MarkSeparator)
	b.WriteString(m.Payload)
	b.WriteByte(MarkEnd)
	return b.Bytes()
}

// ParseFrame decodes one current-dialect frame. The input must contain
// the START, SEPARATOR, and END markers in order; the header section is
// a decimal type code followed by /key=value tokens.
func ParseFrame(frame []byte) (*Message, error) {
	start := bytes.IndexByte(frame, MarkStart)
	sep := bytes.IndexByte(frame, MarkSeparator)
	end := bytes.IndexByte(frame, MarkEnd)
	if start < 0 || sep < 0 || end < 0 {
		return nil, fmt.Errorf("%w: missing framing marker", ErrMalformed)
	}
	if sep < start || end < sep {
		return nil, fmt.Errorf("%w: framing markers out of order", ErrMalformed)
	}

	header := string(frame[start+1 : sep])
	body := string(frame[sep+1 : end])

	tokens := strings.Split(header, "/")
	if tokens[0] == "" {
		return nil, fmt.Errorf("%w: missing type identifier", ErrMalformed)
	}
	num, err := strconv.Atoi(tokens[0])
	if err != nil {
		return nil, fmt.Errorf("%w: non-numeric type identifier %q", ErrMalformed, tokens[0])
	}
	code := Code(num)
	if !code.Registered() {
		return nil, fmt.Errorf("%w: unknown type identifier %d", ErrMalformed, num)
	}

	fields := make(map[string]string, len(tokens)-1)
	for _, tok := range tokens[1:] {
		parts := strings.Split(tok, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: header token %q is not a key=value pair", ErrMalformed, tok)
		}
		if parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("%w: header token %q has an empty key or value", ErrMalformed, tok)
		}
		fields[parts[0]] = parts[1]
	}

	return &Message{Code: code, fields: fields, Payload: body}, nil
}
