// Package protocol implements the Nexus wire framing and message catalogue.
//
// One frame on the wire is
//
//	NX|<type_len>|<type>|<msg_id>|<payload_len>|<payload>\n
//
// where type_len is 1-3 ASCII decimal digits, msg_id is exactly 12 lowercase
// hex characters, and payload_len is 1-10 ASCII decimal digits. The payload is
// an opaque byte blob: the decoder reads exactly payload_len bytes and never
// scans the payload for delimiter or terminator bytes, so arbitrary binary
// payloads are representable without escaping.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// Magic is the fixed frame prefix, including the first delimiter.
	Magic = "NX|"

	// Delim separates the header fields.
	Delim byte = '|'

	// Terminator ends a frame.
	Terminator byte = '\n'

	// MaxTypeDigits bounds the decimal digits of the type-length field.
	MaxTypeDigits = 3

	// MaxPayloadDigits bounds the decimal digits of the payload-length field.
	MaxPayloadDigits = 10
)

// Frame is one complete protocol message.
type Frame struct {
	ID      string // 12 lowercase hex characters, see NewMessageID
	Type    string // short ASCII message type identifier
	Payload []byte // opaque, typically a JSON document
}

// Frame validation errors. Decode failures wrap one of these inside a
// *FrameError so callers can tell a malformed frame from a transport fault.
var (
	ErrBadMagic        = errors.New("protocol: bad magic")
	ErrBadLength       = errors.New("protocol: bad length field")
	ErrBadMessageID    = errors.New("protocol: bad message id")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds limit for type")
	ErrBadTerminator   = errors.New("protocol: missing frame terminator")
)

// FrameError reports a malformed frame. It is fatal to the offending
// connection only, never to the process, and is distinct from transport
// errors (io.EOF, closed connections) which are returned unwrapped.
type FrameError struct {
	Cause  error // one of the Err* sentinels above
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return e.Cause.Error()
	}
	return e.Cause.Error() + ": " + e.Detail
}

func (e *FrameError) Unwrap() error { return e.Cause }

// IsFrameError reports whether err is a framing error rather than a
// transport error.
func IsFrameError(err error) bool {
	var fe *FrameError
	return errors.As(err, &fe)
}

func frameErr(cause error, format string, args ...any) error {
	return &FrameError{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

const (
	maxTypeLen    = 999        // largest value representable in MaxTypeDigits
	maxPayloadLen = 9999999999 // largest value representable in MaxPayloadDigits
)

// EncodeFrame serialises a frame to its wire bytes. Encoding is deterministic:
// the same logical frame always yields identical bytes. It fails only when a
// field is outside its digit budget or the message id is malformed.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := ValidateMessageID(f.ID); err != nil {
		return nil, err
	}
	if len(f.Type) == 0 || len(f.Type) > maxTypeLen {
		return nil, frameErr(ErrBadLength, "type length %d", len(f.Type))
	}
	if len(f.Payload) > maxPayloadLen {
		return nil, frameErr(ErrBadLength, "payload length %d", len(f.Payload))
	}

	var b bytes.Buffer
	b.Grow(len(Magic) + MaxTypeDigits + len(f.Type) + MessageIDLength + MaxPayloadDigits + len(f.Payload) + 5)
	b.WriteString(Magic)
	b.WriteString(strconv.Itoa(len(f.Type)))
	b.WriteByte(Delim)
	b.WriteString(f.Type)
	b.WriteByte(Delim)
	b.WriteString(f.ID)
	b.WriteByte(Delim)
	b.WriteString(strconv.Itoa(len(f.Payload)))
	b.WriteByte(Delim)
	b.Write(f.Payload)
	b.WriteByte(Terminator)
	return b.Bytes(), nil
}

// WriteFrame encodes the frame and writes it to w in a single call.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a byte stream, one at a time. Each successful
// ReadFrame consumes exactly one frame's bytes; a framing error leaves the
// stream unusable and the caller should close the connection.
type Decoder struct {
	r     *bufio.Reader
	types *TypeRegistry
}

// NewDecoder wraps a stream with a frame decoder. The registry bounds payload
// allocation per message type before any payload bytes are read.
func NewDecoder(r io.Reader, types *TypeRegistry) *Decoder {
	return &Decoder{r: bufio.NewReader(r), types: types}
}

// ReadFrame reads and validates the next frame. Transport errors (io.EOF on a
// clean stream boundary, closed connections) come back unwrapped; malformed
// frames come back as *FrameError.
func (d *Decoder) ReadFrame() (*Frame, error) {
	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(d.r, magic); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if string(magic) != Magic {
		return nil, frameErr(ErrBadMagic, "got %q", magic)
	}

	typeLen, err := d.readLength(MaxTypeDigits)
	if err != nil {
		return nil, err
	}

	typeBuf := make([]byte, typeLen)
	if _, err := io.ReadFull(d.r, typeBuf); err != nil {
		return nil, fmt.Errorf("protocol: read type: %w", err)
	}
	msgType := string(typeBuf)
	if err := d.expectDelim(); err != nil {
		return nil, err
	}

	idBuf := make([]byte, MessageIDLength)
	if _, err := io.ReadFull(d.r, idBuf); err != nil {
		return nil, fmt.Errorf("protocol: read message id: %w", err)
	}
	id := string(idBuf)
	if err := ValidateMessageID(id); err != nil {
		return nil, err
	}
	if err := d.expectDelim(); err != nil {
		return nil, err
	}

	payloadLen, err := d.readLength(MaxPayloadDigits)
	if err != nil {
		return nil, err
	}

	// Reject unknown and oversized frames before allocating the payload so a
	// hostile peer cannot force unbounded memory use.
	maxPayload, known := d.types.MaxPayload(msgType)
	if !known {
		return nil, frameErr(ErrUnknownType, "%q", msgType)
	}
	if payloadLen > maxPayload {
		return nil, frameErr(ErrPayloadTooLarge, "type %q: %d > %d", msgType, payloadLen, maxPayload)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	term, err := d.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("protocol: read terminator: %w", err)
	}
	if term != Terminator {
		return nil, frameErr(ErrBadTerminator, "got 0x%02x", term)
	}

	return &Frame{ID: id, Type: msgType, Payload: payload}, nil
}

// readLength reads ASCII decimal digits up to the next delimiter, consuming
// the delimiter. The field must contain at least one and at most maxDigits
// digits.
func (d *Decoder) readLength(maxDigits int) (int, error) {
	n := 0
	digits := 0
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("protocol: read length: %w", err)
		}
		if b == Delim {
			if digits == 0 {
				return 0, frameErr(ErrBadLength, "empty length field")
			}
			return n, nil
		}
		if b < '0' || b > '9' {
			return 0, frameErr(ErrBadLength, "non-numeric byte 0x%02x", b)
		}
		digits++
		if digits > maxDigits {
			return 0, frameErr(ErrBadLength, "more than %d digits", maxDigits)
		}
		n = n*10 + int(b-'0')
	}
}

func (d *Decoder) expectDelim() error {
	b, err := d.r.ReadByte()
	if err != nil {
		return fmt.Errorf("protocol: read delimiter: %w", err)
	}
	if b != Delim {
		return frameErr(ErrBadTerminator, "expected delimiter, got 0x%02x", b)
	}
	return nil
}
