package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Builder assembles an outbound Message. Setters chain and record the
// first validation failure; Build surfaces it. A field value may not
// contain any framing marker, '/', or '=', since any of those would
// corrupt the frame on the wire.
type Builder struct {
	code    Code
	fields  map[string]string
	payload string
	err     error
}

// NewMessage starts a builder for the given type code.
func NewMessage(code Code) *Builder {
	return &Builder{code: code, fields: make(map[string]string)}
}

// Payload sets the message body. The body is not restricted: it is
// bounded by the SEPARATOR and END markers, not by token syntax.
func (b *Builder) Payload(body string) *Builder {
	b.payload = body
	return b
}

// Field sets a header field after validating both key and value.
func (b *Builder) Field(key, value string) *Builder {
	if b.err != nil {
		return b
	}
	if key == "" || value == "" {
		b.err = fmt.Errorf("%w: field %q must have a non-empty key and value", ErrInvalidField, key)
		return b
	}
	if unsafeFieldText(key) || unsafeFieldText(value) {
		b.err = fmt.Errorf("%w: field %q contains reserved characters", ErrInvalidField, key)
		return b
	}
	b.fields[key] = value
	return b
}

// BoolField sets a header field to "true" or "false".
func (b *Builder) BoolField(key string, v bool) *Builder {
	return b.Field(key, strconv.FormatBool(v))
}

// IntField sets a header field to a decimal integer.
func (b *Builder) IntField(key string, v int64) *Builder {
	return b.Field(key, strconv.FormatInt(v, 10))
}

// Sender sets the sender field.
func (b *Builder) Sender(name string) *Builder { return b.Field("sender", name) }

// Username sets the username field.
func (b *Builder) Username(name string) *Builder { return b.Field("username", name) }

// Groupname sets the groupname field.
func (b *Builder) Groupname(name string) *Builder { return b.Field("groupname", name) }

// Build returns the assembled message, or the first setter error.
func (b *Builder) Build() (*Message, error) {
	if b.err != nil {
		return nil, b.err
	}
	fields := make(map[string]string, len(b.fields))
	for k, v := range b.fields {
		fields[k] = v
	}
	return &Message{Code: b.code, fields: fields, Payload: b.payload}, nil
}

func unsafeFieldText(s string) bool {
	return strings.ContainsAny(s, "/=") ||
		strings.IndexByte(s, MarkStart) >= 0 ||
		strings.IndexByte(s, MarkSeparator) >= 0 ||
		strings.IndexByte(s, MarkEnd) >= 0
}
