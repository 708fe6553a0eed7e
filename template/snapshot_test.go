package template

import "testing"

func TestSnapshotLookupMissing(t *testing.T) {
	s := newSnapshot(0, map[uint16]entry{}, nil)
	if _, ok := s.Lookup(256); ok {
		t.Error("Lookup on an empty snapshot should report not found")
	}
	if _, ok := s.LookupOptions(256); ok {
		t.Error("LookupOptions on an empty snapshot should report not found")
	}
	if s.Has(256) {
		t.Error("Has on an empty snapshot should be false")
	}
}

func TestSnapshotLookupWrongKindReturnsNotFound(t *testing.T) {
	templates := map[uint16]entry{
		256: {record: tmplRecord(256, 8)},
		300: {options: optsRecord(300, []uint16{1}, []uint16{2}), isOptions: true, scopeFields: 1},
	}
	s := newSnapshot(0, templates, nil)

	if _, ok := s.Lookup(300); ok {
		t.Error("Lookup should not find an options template entry")
	}
	if _, ok := s.LookupOptions(256); ok {
		t.Error("LookupOptions should not find a plain template entry")
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestSnapshotAcquireReleaseFiresOnZeroOnce(t *testing.T) {
	calls := 0
	var s *Snapshot
	s = newSnapshot(0, map[uint16]entry{}, func(freed *Snapshot) {
		calls++
		if freed != s {
			t.Error("onZero should be called with the snapshot itself")
		}
	})

	s.Acquire() // refcount now 2
	s.Release() // back to 1
	if calls != 0 {
		t.Fatalf("onZero fired before refcount reached zero: calls=%d", calls)
	}
	s.Release() // refcount 0
	if calls != 1 {
		t.Errorf("onZero should fire exactly once at refcount zero, got %d", calls)
	}
}

func TestSnapshotExportTime(t *testing.T) {
	s := newSnapshot(12345, map[uint16]entry{}, nil)
	if s.ExportTime() != 12345 {
		t.Errorf("ExportTime() = %d, want 12345", s.ExportTime())
	}
}
