package pipeline

import (
	"math"
	"testing"
)

func TestSeqBeforeSimple(t *testing.T) {
	if !SeqBefore(5, 10) {
		t.Errorf("SeqBefore(5, 10) = false, want true")
	}
	if SeqBefore(10, 5) {
		t.Errorf("SeqBefore(10, 5) = true, want false")
	}
	if SeqBefore(7, 7) {
		t.Errorf("SeqBefore(7, 7) = true, want false (equal is not before)")
	}
}

func TestSeqBeforeWraparound(t *testing.T) {
	max := uint32(math.MaxUint32)
	if !SeqBefore(max, 0) {
		t.Errorf("SeqBefore(MaxUint32, 0) = false, want true (0 follows wraparound)")
	}
	if SeqBefore(0, max) {
		t.Errorf("SeqBefore(0, MaxUint32) = true, want false")
	}
	if !SeqBefore(max-1, max) {
		t.Errorf("SeqBefore(MaxUint32-1, MaxUint32) = false, want true")
	}
}

func TestSeqAdvanceMonotonic(t *testing.T) {
	expected := uint32(100)
	expected = SeqAdvance(expected, 100, 10)
	if expected != 110 {
		t.Errorf("SeqAdvance(100, 100, 10) = %d, want 110", expected)
	}
	expected = SeqAdvance(expected, 110, 5)
	if expected != 115 {
		t.Errorf("SeqAdvance(110, 110, 5) = %d, want 115", expected)
	}
}

func TestSeqAdvanceKeepsLargerObservedNotOlder(t *testing.T) {
	// a reordered, older message should not move expected backwards.
	expected := uint32(200)
	got := SeqAdvance(expected, 150, 10)
	if got != 210 {
		t.Errorf("SeqAdvance(200, 150, 10) = %d, want 210 (expected unchanged, then +10)", got)
	}
}

func TestSeqAdvanceAcrossWraparound(t *testing.T) {
	max := uint32(math.MaxUint32)
	expected := max - 2
	got := SeqAdvance(expected, max-2, 5)
	want := max + 3 // wraps to 2
	if got != want {
		t.Errorf("SeqAdvance across wraparound = %d, want %d", got, want)
	}
}
