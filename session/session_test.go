package session

import "testing"

func TestNewBuildsDeterministicID(t *testing.T) {
	s := New(TCP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	want := "TCP/10.0.0.1:1234->10.0.0.2:4739"
	if s.ID != want {
		t.Errorf("ID = %q, want %q", s.ID, want)
	}
}

func TestStateDefaultsToNew(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	if s.State(1, 0) != New {
		t.Errorf("State() = %v, want New for an unseen (odid, stream)", s.State(1, 0))
	}
}

func TestObserveTransitionsNewToSeen(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	s.Observe(1, 0)
	if s.State(1, 0) != Seen {
		t.Errorf("State() = %v, want Seen after Observe", s.State(1, 0))
	}
}

func TestObserveDoesNotDemoteBlocked(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	s.Block(1, 0, nil)
	s.Observe(1, 0)
	if s.State(1, 0) != Blocked {
		t.Errorf("State() = %v, want Blocked to stick once set", s.State(1, 0))
	}
}

func TestBlockRecordsLastError(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	boom := errBoom{}
	s.Block(1, 0, boom)
	if s.Stats(1, 0).LastError != boom {
		t.Errorf("Stats().LastError = %v, want %v", s.Stats(1, 0).LastError, boom)
	}
	if s.State(1, 0) != Blocked {
		t.Errorf("State() = %v, want Blocked", s.State(1, 0))
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestRecordAcceptedAndDroppedUpdateStats(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	s.RecordAccepted(1, 0, 5)
	s.RecordAccepted(1, 0, 6)
	s.RecordDropped(1, 0)

	st := s.Stats(1, 0)
	if st.MessagesAccepted != 2 {
		t.Errorf("MessagesAccepted = %d, want 2", st.MessagesAccepted)
	}
	if st.MessagesDropped != 1 {
		t.Errorf("MessagesDropped = %d, want 1", st.MessagesDropped)
	}
	if st.LastSequence != 6 {
		t.Errorf("LastSequence = %d, want 6", st.LastSequence)
	}
}

func TestStatsUnseenScopeIsZeroValue(t *testing.T) {
	s := New(UDP, "10.0.0.1", 1234, "10.0.0.2", 4739)
	st := s.Stats(99, 0)
	if st.MessagesAccepted != 0 || st.MessagesDropped != 0 || st.LastSequence != 0 {
		t.Errorf("Stats() for an unseen scope = %+v, want zero value", st)
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{TCP: "TCP", UDP: "UDP", SCTP: "SCTP", FILE: "FILE", Type(99): "UNKNOWN"}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
}
