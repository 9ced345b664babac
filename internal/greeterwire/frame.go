// Package greeterwire implements the fixed binary framing the core speaks
// to an untrusted greeter subprocess over a pair of anonymous pipes (§4.2,
// §6). Every message is id:u32 (big-endian), length:u32 (big-endian),
// payload[length]; strings inside a payload are length:u32 followed by raw
// bytes, no null terminator. This is a different wire format from the
// daemon's own internal concerns — it has to match exactly what the greeter
// binary expects, so unlike other framing in this codebase it is never
// JSON and never HMAC-signed.
package greeterwire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the maximum payload length a frame may carry (§4.2).
// Longer frames are a protocol violation and the channel must be closed.
const MaxMessageSize = 1024

// Message IDs the greeter sends to the server (client→server).
const (
	MsgConnect                = 0
	MsgAuthenticate           = 1
	MsgAuthenticateAsGuest    = 2
	MsgContinueAuthentication = 3
	MsgStartSession           = 4
	MsgCancelAuthentication   = 5
	MsgSetLanguage            = 6
)

// Message IDs the server sends to the greeter (server→client). These share
// numeric space with the client→server set above — direction disambiguates
// them, not the ID — so they are named distinctly to avoid confusion at
// call sites.
const (
	MsgConnected         = 0
	MsgPrompt            = 1
	MsgEndAuthentication = 2
	MsgSessionResult     = 3
)

// Frame is one decoded message: an ID and its raw payload bytes.
type Frame struct {
	ID      uint32
	Payload []byte
}

// Conn wraps the greeter's two anonymous pipes — reads arrive on one fd,
// writes go out the other (§6's LIGHTDM_FROM_SERVER_FD / LIGHTDM_TO_SERVER_FD)
// — behind a single framed interface. Send is mutex-guarded so concurrent
// callers can't interleave a frame's length header with its payload.
type Conn struct {
	r  io.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewConn wraps the read and write ends of the greeter's pipe pair.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// Send writes one frame: id, length, payload.
func (c *Conn) Send(id uint32, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("greeterwire: payload too large: %d > %d", len(payload), MaxMessageSize)
	}

	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], id)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.w.Write(header); err != nil {
		return fmt.Errorf("greeterwire: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("greeterwire: write payload: %w", err)
		}
	}
	return nil
}

// Recv reads and decodes one frame. A length exceeding MaxMessageSize is a
// protocol violation; the caller must treat the channel as dead.
func (c *Conn) Recv() (Frame, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(c.r, header); err != nil {
		return Frame{}, fmt.Errorf("greeterwire: read header: %w", err)
	}

	id := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > MaxMessageSize {
		return Frame{}, fmt.Errorf("greeterwire: message too large: %d > %d", length, MaxMessageSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return Frame{}, fmt.Errorf("greeterwire: read payload: %w", err)
		}
	}

	return Frame{ID: id, Payload: payload}, nil
}

// Encoder builds a payload by appending fixed-width and length-prefixed
// string fields in wire order.
type Encoder struct {
	buf []byte
}

// PutUint32 appends a big-endian uint32.
func (e *Encoder) PutUint32(v uint32) *Encoder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

// PutString appends a length-prefixed string (length:u32, bytes, no NUL).
func (e *Encoder) PutString(s string) *Encoder {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads fixed-width and length-prefixed string fields from a
// payload in wire order, tracking an internal cursor.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps a frame's payload for sequential field reads.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{buf: payload}
}

// Uint32 reads the next big-endian uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, fmt.Errorf("greeterwire: truncated uint32 at offset %d", d.pos)
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// String reads the next length-prefixed string.
func (d *Decoder) String() (string, error) {
	length, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if d.pos+int(length) > len(d.buf) {
		return "", fmt.Errorf("greeterwire: truncated string at offset %d", d.pos)
	}
	s := string(d.buf[d.pos : d.pos+int(length)])
	d.pos += int(length)
	return s, nil
}

// Done reports whether every byte of the payload has been consumed —
// callers use it to reject frames with trailing garbage.
func (d *Decoder) Done() bool {
	return d.pos == len(d.buf)
}
