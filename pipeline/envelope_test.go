package pipeline

import "testing"

type fakeSnapshot struct{ released int }

func (s *fakeSnapshot) Release() { s.released++ }

func TestEnvelopeReleaseGarbageFreesOnce(t *testing.T) {
	freed := 0
	e := NewGarbageEnvelope(&Garbage{Destroy: func() { freed++ }})
	e.SetRefCount(2)

	if e.Release() {
		t.Fatal("Release reported done before the refcount reached zero")
	}
	if freed != 0 {
		t.Errorf("garbage freed before last release: freed=%d", freed)
	}
	if !e.Release() {
		t.Fatal("Release did not report done on the final decrement")
	}
	if freed != 1 {
		t.Errorf("garbage freed %d times, want exactly 1", freed)
	}
}

func TestEnvelopeReleaseParsedMessageReleasesSnapshots(t *testing.T) {
	snap1 := &fakeSnapshot{}
	snap2 := &fakeSnapshot{}
	e := NewParsedEnvelope(&ParsedMessage{
		Records: []DataRecordRef{
			{Snapshot: snap1},
			{Snapshot: snap2},
		},
	})
	e.SetRefCount(2)

	e.Release()
	if snap1.released != 0 || snap2.released != 0 {
		t.Fatalf("snapshots released before the final Release: snap1=%d snap2=%d", snap1.released, snap2.released)
	}
	e.Release()
	if snap1.released != 1 || snap2.released != 1 {
		t.Errorf("expected each snapshot released exactly once, got snap1=%d snap2=%d", snap1.released, snap2.released)
	}
}

func TestEnvelopeReleaseSingleRefCount(t *testing.T) {
	freed := false
	e := NewGarbageEnvelope(&Garbage{Destroy: func() { freed = true }})
	e.SetRefCount(1)
	if !e.Release() {
		t.Fatal("Release on a refcount-1 envelope did not report done")
	}
	if !freed {
		t.Errorf("garbage not freed on the only release")
	}
}
