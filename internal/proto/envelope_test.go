package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"_":"CHECK","session_id":"abc","alias":"alice"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeFrameRejectsEmpty(t *testing.T) {
	if _, err := EncodeFrame(nil); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestEncodeFrameRejectsOversize(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxFrameSize+1)
	if _, err := EncodeFrame(big); err == nil {
		t.Fatalf("expected error for oversize payload")
	}
}

func TestReadFrameRejectsBadSize(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected error for invalid frame size")
	}
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"_":"READY","client_session_id":"xyz"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !strings.Contains(string(got), "READY") {
		t.Fatalf("unexpected payload: %s", got)
	}
}
