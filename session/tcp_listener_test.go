package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

func framedMessage(length uint16, payload []byte) []byte {
	msg := make([]byte, messageHeaderLength)
	binary.BigEndian.PutUint16(msg[2:4], length)
	if int(length) > messageHeaderLength {
		msg = append(msg, payload...)
	}
	return msg
}

func TestFramerNextReassemblesOneMessage(t *testing.T) {
	msg := framedMessage(20, []byte{1, 2, 3, 4})
	f := newFramer(bytes.NewReader(msg))
	got, err := f.next()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Errorf("len(got) = %d, want 20", len(got))
	}
}

func TestFramerNextRejectsLengthBelowHeader(t *testing.T) {
	msg := framedMessage(4, nil)
	f := newFramer(bytes.NewReader(msg))
	if _, err := f.next(); err == nil {
		t.Fatal("expected an error for a declared length shorter than the message header")
	}
}

func TestFramerNextSplitsMultipleMessages(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(framedMessage(16, nil))
	buf.Write(framedMessage(18, []byte{9, 9}))
	f := newFramer(&buf)

	first, err := f.next()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 16 {
		t.Errorf("len(first) = %d, want 16", len(first))
	}
	second, err := f.next()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 18 {
		t.Errorf("len(second) = %d, want 18", len(second))
	}
}

func TestFramerNextReturnsEOFAtStreamEnd(t *testing.T) {
	f := newFramer(bytes.NewReader(nil))
	if _, err := f.next(); err == nil {
		t.Fatal("expected an error reading from an empty stream")
	}
}

func waitForListener(t *testing.T, src *TCPSource) string {
	t.Helper()
	for i := 0; i < 200; i++ {
		if src.listener != nil {
			return src.listener.Addr().String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("TCP listener did not start in time")
	return ""
}

func TestTCPSourceAcceptsConnectionAndFramesMessage(t *testing.T) {
	sessions := NewRegistry()
	src := NewTCPSource("127.0.0.1:0", sessions, logr.Discard(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Listen(ctx)

	addr := waitForListener(t, src)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(framedMessage(16, nil)); err != nil {
		t.Fatal(err)
	}

	env, err := src.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if env.Kind != pipeline.KindRaw {
		t.Fatalf("env.Kind = %v, want KindRaw", env.Kind)
	}
	if len(env.Raw.Data) != 16 {
		t.Errorf("len(env.Raw.Data) = %d, want 16", len(env.Raw.Data))
	}
	if len(sessions.All()) != 1 {
		t.Errorf("len(sessions.All()) = %d, want 1", len(sessions.All()))
	}
}

func TestTCPSourceGetRespectsContextCancel(t *testing.T) {
	sessions := NewRegistry()
	src := NewTCPSource("127.0.0.1:0", sessions, logr.Discard(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Get(ctx); err == nil {
		t.Fatal("expected Get to report an error on an already-canceled context")
	}
}
