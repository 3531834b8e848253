package hipaa

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// AbsentMarker is stored for nil PHI values. It is never encrypted, so
	// "no value" and "empty value" stay distinguishable at rest.
	AbsentMarker = "phi:absent"

	storedPrefix = "phi:v1:"

	kindText byte = 'T'
	kindList byte = 'L'

	// maxItems guards DecodeList against hostile counts in a forged payload.
	maxItems = 1 << 16
)

// ErrMalformed is wrapped by CodecError when a stored value or its decrypted
// payload does not follow the canonical layout.
var ErrMalformed = errors.New("malformed PHI value")

// ErrUnlistedField is wrapped by CodecError when asked to seal a column that
// DefaultPHIFields does not list.
var ErrUnlistedField = errors.New("field is not a registered PHI column")

// CodecError reports a failure to encode or decode a PHI field. It wraps
// either a *DecryptionError or ErrMalformed. Callers log it by field and
// record id and never return its text to end users.
type CodecError struct {
	Field string
	Op    string
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("phi codec: %s %s: %v", e.Op, e.Field, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Codec converts domain values to and from their encrypted-at-rest form.
type Codec struct {
	env *Envelope
}

// NewCodec returns a Codec sealing values with env.
func NewCodec(env *Envelope) *Codec {
	return &Codec{env: env}
}

// EncodeText encrypts an optional free-text value for field of recordID.
func (c *Codec) EncodeText(value *string, field, recordID string) (string, error) {
	if value == nil {
		return AbsentMarker, nil
	}
	return c.seal(encodeText(*value), field, recordID)
}

// DecodeText reverses EncodeText. AbsentMarker decodes to nil.
func (c *Codec) DecodeText(stored, field, recordID string) (*string, error) {
	payload, absent, err := c.open(stored, field, recordID)
	if err != nil || absent {
		return nil, err
	}
	s, err := decodeText(payload)
	if err != nil {
		return nil, &CodecError{Field: field, Op: "decode", Err: err}
	}
	return &s, nil
}

// EncodeList encrypts an ordered list of labels. A nil list is stored as
// absent; an empty non-nil list is encrypted like any other.
func (c *Codec) EncodeList(values []string, field, recordID string) (string, error) {
	if values == nil {
		return AbsentMarker, nil
	}
	return c.seal(encodeList(values), field, recordID)
}

// DecodeList reverses EncodeList.
func (c *Codec) DecodeList(stored, field, recordID string) ([]string, error) {
	payload, absent, err := c.open(stored, field, recordID)
	if err != nil || absent {
		return nil, err
	}
	list, err := decodeList(payload)
	if err != nil {
		return nil, &CodecError{Field: field, Op: "decode", Err: err}
	}
	return list, nil
}

func (c *Codec) seal(payload []byte, field, recordID string) (string, error) {
	if !encryptedFields[field] {
		return "", &CodecError{Field: field, Op: "encode", Err: ErrUnlistedField}
	}
	sealed, err := c.env.Seal(payload, FieldContext(field, recordID))
	if err != nil {
		return "", &CodecError{Field: field, Op: "encode", Err: err}
	}
	return storedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) open(stored, field, recordID string) ([]byte, bool, error) {
	if stored == AbsentMarker {
		return nil, true, nil
	}
	if !strings.HasPrefix(stored, storedPrefix) {
		return nil, false, &CodecError{Field: field, Op: "decode", Err: fmt.Errorf("%w: unknown prefix", ErrMalformed)}
	}
	raw, err := base64.StdEncoding.DecodeString(stored[len(storedPrefix):])
	if err != nil {
		return nil, false, &CodecError{Field: field, Op: "decode", Err: fmt.Errorf("%w: base64", ErrMalformed)}
	}
	payload, err := c.env.Open(raw, FieldContext(field, recordID))
	if err != nil {
		return nil, false, &CodecError{Field: field, Op: "decrypt", Err: err}
	}
	return payload, false, nil
}

// Canonical layout:
//
//	text: 'T' len:uint32 bytes
//	list: 'L' count:uint32 { len:uint32 bytes }*
//
// Integers are big-endian. Trailing bytes are rejected.

func encodeText(s string) []byte {
	buf := make([]byte, 0, 1+4+len(s))
	buf = append(buf, kindText)
	return appendString(buf, s)
}

func encodeList(items []string) []byte {
	size := 1 + 4
	for _, it := range items {
		size += 4 + len(it)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, kindList)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
	for _, it := range items {
		buf = appendString(buf, it)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func decodeText(payload []byte) (string, error) {
	if len(payload) == 0 || payload[0] != kindText {
		return "", fmt.Errorf("%w: expected text", ErrMalformed)
	}
	s, rest, err := readString(payload[1:])
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return s, nil
}

func decodeList(payload []byte) ([]string, error) {
	if len(payload) < 5 || payload[0] != kindList {
		return nil, fmt.Errorf("%w: expected list", ErrMalformed)
	}
	count := binary.BigEndian.Uint32(payload[1:5])
	if count > maxItems {
		return nil, fmt.Errorf("%w: too many items", ErrMalformed)
	}
	rest := payload[5:]
	items := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		var (
			s   string
			err error
		)
		s, rest, err = readString(rest)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	return items, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: short length", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return "", nil, fmt.Errorf("%w: length out of range", ErrMalformed)
	}
	s := string(b[:n])
	if !utf8.ValidString(s) {
		return "", nil, fmt.Errorf("%w: invalid utf-8", ErrMalformed)
	}
	return s, b[n:], nil
}
