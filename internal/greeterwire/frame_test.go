package greeterwire

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	var enc Encoder
	enc.PutUint32(7).PutString("alice")

	if err := conn.Send(MsgAuthenticate, enc.Bytes()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	frame, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if frame.ID != MsgAuthenticate {
		t.Fatalf("ID = %d, want %d", frame.ID, MsgAuthenticate)
	}

	dec := NewDecoder(frame.Payload)
	seq, err := dec.Uint32()
	if err != nil || seq != 7 {
		t.Fatalf("seq = %d, err = %v, want 7", seq, err)
	}
	username, err := dec.String()
	if err != nil || username != "alice" {
		t.Fatalf("username = %q, err = %v, want alice", username, err)
	}
	if !dec.Done() {
		t.Fatal("expected decoder to be exhausted")
	}
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	oversized := make([]byte, MaxMessageSize+1)
	if err := conn.Send(MsgConnect, oversized); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestRecvRejectsOversizedLengthHeader(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a header claiming a length beyond MaxMessageSize.
	var enc Encoder
	enc.PutUint32(MsgConnect)
	enc.PutUint32(MaxMessageSize + 1)
	buf.Write(enc.Bytes())

	conn := NewConn(&buf, io.Discard)
	if _, err := conn.Recv(); err == nil {
		t.Fatal("expected error for oversized length header")
	}
}

func TestRecvZeroLengthPayloadOK(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&buf, &buf)

	if err := conn.Send(MsgCancelAuthentication, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(frame.Payload))
	}
}

func TestRecvTruncatedStreamErrors(t *testing.T) {
	r := strings.NewReader("\x00\x00") // fewer than 8 header bytes
	conn := NewConn(r, io.Discard)
	if _, err := conn.Recv(); err == nil {
		t.Fatal("expected error reading truncated header")
	}
}

func TestDecoderRejectsTruncatedString(t *testing.T) {
	var enc Encoder
	enc.PutUint32(100) // claims 100 bytes but none follow
	dec := NewDecoder(enc.Bytes())
	if _, err := dec.String(); err == nil {
		t.Fatal("expected error decoding truncated string")
	}
}

func TestEncodeConnectedHints(t *testing.T) {
	var enc Encoder
	enc.PutString("1.0")
	enc.PutUint32(1) // one hint pair
	enc.PutString("show-manual-login")
	enc.PutString("true")

	dec := NewDecoder(enc.Bytes())
	version, _ := dec.String()
	if version != "1.0" {
		t.Fatalf("version = %q, want 1.0", version)
	}
	n, _ := dec.Uint32()
	if n != 1 {
		t.Fatalf("hint count = %d, want 1", n)
	}
	k, _ := dec.String()
	v, _ := dec.String()
	if k != "show-manual-login" || v != "true" {
		t.Fatalf("hint = %q=%q, want show-manual-login=true", k, v)
	}
}
