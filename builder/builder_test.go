package builder

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

func TestNewWritesHeader(t *testing.T) {
	b := New(1000, 42, 7)
	if b.Len() != messageHeaderLength {
		t.Fatalf("Len() = %d, want %d", b.Len(), messageHeaderLength)
	}
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint16(raw[0:2]); got != 10 {
		t.Errorf("version = %d, want 10", got)
	}
	if got := binary.BigEndian.Uint16(raw[2:4]); got != messageHeaderLength {
		t.Errorf("length = %d, want %d", got, messageHeaderLength)
	}
	if got := binary.BigEndian.Uint32(raw[4:8]); got != 1000 {
		t.Errorf("export time = %d, want 1000", got)
	}
	if got := binary.BigEndian.Uint32(raw[8:12]); got != 42 {
		t.Errorf("sequence = %d, want 42", got)
	}
	if got := binary.BigEndian.Uint32(raw[12:16]); got != 7 {
		t.Errorf("odid = %d, want 7", got)
	}
}

func TestStartSetAppendEndSet(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.StartSet(256); err != nil {
		t.Fatal(err)
	}
	rec := []byte{1, 2, 3, 4}
	if err := b.AppendRecord(rec); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendRecord(rec); err != nil {
		t.Fatal(err)
	}
	if err := b.EndSet(); err != nil {
		t.Fatal(err)
	}
	if b.RecordCount() != 2 {
		t.Errorf("RecordCount() = %d, want 2", b.RecordCount())
	}
	if b.SetCount() != 1 {
		t.Errorf("SetCount() = %d, want 1", b.SetCount())
	}

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	wantLen := messageHeaderLength + setHeaderLength + 2*len(rec)
	if int(binary.BigEndian.Uint16(raw[2:4])) != wantLen {
		t.Errorf("message length = %d, want %d", binary.BigEndian.Uint16(raw[2:4]), wantLen)
	}
	setLen := binary.BigEndian.Uint16(raw[messageHeaderLength+2 : messageHeaderLength+4])
	if int(setLen) != setHeaderLength+2*len(rec) {
		t.Errorf("set length = %d, want %d", setLen, setHeaderLength+2*len(rec))
	}
}

func TestStartSetWhileOpenFails(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.StartSet(256); err != nil {
		t.Fatal(err)
	}
	if err := b.StartSet(257); err == nil {
		t.Errorf("expected error starting a second set while one is open")
	}
}

func TestAppendRecordWithoutOpenSetFails(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.AppendRecord([]byte{1}); err == nil {
		t.Errorf("expected error appending a record with no open set")
	}
}

func TestBytesWithOpenSetFails(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.StartSet(256); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Bytes(); err == nil {
		t.Errorf("expected error finalizing with an open set")
	}
}

func TestAppendRecordOverCapReturnsLimitError(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.StartSet(256); err != nil {
		t.Fatal(err)
	}
	huge := make([]byte, MaxMessageLength)
	err := b.AppendRecord(huge)
	if err == nil {
		t.Fatal("expected error exceeding MaxMessageLength")
	}
	var pe *pipeline.Error
	if !errors.As(err, &pe) || pe.Kind != pipeline.LIMIT {
		t.Errorf("expected pipeline.LIMIT error, got %v", err)
	}
}

func TestReset(t *testing.T) {
	b := New(1, 1, 1)
	if err := b.StartSet(256); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendRecord([]byte{9, 9}); err != nil {
		t.Fatal(err)
	}
	if err := b.EndSet(); err != nil {
		t.Fatal(err)
	}

	b.Reset(100, 2, 3)
	if b.RecordCount() != 0 || b.SetCount() != 0 {
		t.Errorf("Reset did not clear records/sets")
	}
	if b.Len() != messageHeaderLength {
		t.Errorf("Reset did not reset buffer length, got %d", b.Len())
	}
	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if got := binary.BigEndian.Uint32(raw[4:8]); got != 100 {
		t.Errorf("export time after reset = %d, want 100", got)
	}
}
