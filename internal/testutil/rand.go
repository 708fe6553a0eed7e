package testutil

import "math/rand"

// Rand is a seeded source for property-test table expansion: callers pick a
// fixed seed so a failing case is reproducible, then widen coverage by
// drawing more values instead of hand-enumerating them.
type Rand struct {
	r *rand.Rand
}

// NewRand constructs a Rand from seed.
func NewRand(seed int64) *Rand {
	return &Rand{r: rand.New(rand.NewSource(seed))}
}

// Uint32 returns a pseudo-random uint32.
func (r *Rand) Uint32() uint32 {
	return r.r.Uint32()
}

// Uint32n returns a pseudo-random uint32 in [0, n).
func (r *Rand) Uint32n(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return uint32(r.r.Int63n(int64(n)))
}

// ODID returns a pseudo-random Observation Domain ID in [1, max].
func (r *Rand) ODID(max uint32) uint32 {
	return 1 + r.Uint32n(max)
}

// Bool returns a pseudo-random boolean.
func (r *Rand) Bool() bool {
	return r.r.Intn(2) == 1
}
