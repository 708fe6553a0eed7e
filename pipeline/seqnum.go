package pipeline

// SeqBefore implements the 32-bit wraparound "earlier-than" comparator from
// §4.4/§8: a is considered earlier than b iff the signed difference (a - b)
// has its high bit set, i.e. iff the modular distance from b back to a is at
// most 2^31 - 1. This single implementation is shared by SeqAdvance (the
// IPFIX parser's Sequence Number tracking) and the template manager's
// Export Time ordering check (§9).
func SeqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqAdvance computes the new "expected next" sequence number after
// observing a message whose header sequence number is observed and which
// carried recordCount data records, per §4.4's rule:
//
//	expected' = max(expected, observed) + recordCount
//
// using wraparound-aware comparison.
func SeqAdvance(expected, observed uint32, recordCount uint32) uint32 {
	if SeqBefore(expected, observed) {
		expected = observed
	}
	return expected + recordCount
}
