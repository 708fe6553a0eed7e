/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pipeline implements the substrate that connects collector stages:
// a bounded ring buffer, an unbounded upstream feedback pipe, message
// envelopes, and the stage runtime loop that ties them together.
package pipeline

import "sync"

const (
	// DefaultRingCapacity is used when a Ring is constructed with capacity <= 0.
	DefaultRingCapacity = 8192
	// MinRingCapacity is the smallest capacity a Ring will accept; smaller
	// requests are rounded up to this floor.
	MinRingCapacity = 128
)

// Ring is a bounded queue of *Envelope pointers. It is the sole
// synchronization primitive between two pipeline stages. A Ring is always
// single-consumer; it may be single- or multi-producer, selected with
// NewRing's multiProducer argument.
//
// Push blocks while the ring is full, Pop blocks while the ring is empty.
// Both wake on any push, any pop, or Shutdown. Shutdown releases both ends:
// further Push calls are rejected, Pop continues draining buffered elements
// and then reports shutdown.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf   []*Envelope
	head  int
	count int

	multiProducer bool
	producers     int // active producer count, for multi-producer terminate tallying
	closed        bool
}

// NewRing constructs a ring with the given capacity (rounded up to
// MinRingCapacity, defaulted to DefaultRingCapacity when <= 0).
func NewRing(capacity int, multiProducer bool) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if capacity < MinRingCapacity {
		capacity = MinRingCapacity
	}
	r := &Ring{
		buf:           make([]*Envelope, capacity),
		multiProducer: multiProducer,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// MultiProducer reports whether the ring was constructed to accept pushes
// from more than one producer stage.
func (r *Ring) MultiProducer() bool {
	return r.multiProducer
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of elements currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Push inserts msg, blocking while the ring is full. It returns false if the
// ring has been shut down (msg is not enqueued in that case).
func (r *Ring) Push(msg *Envelope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == len(r.buf) && !r.closed {
		r.cond.Wait()
	}
	if r.closed {
		return false
	}

	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = msg
	r.count++
	r.cond.Broadcast()
	return true
}

// Pop removes and returns the oldest element. ok is false only once the ring
// is both shut down and drained; until then Pop blocks on an empty ring.
func (r *Ring) Pop() (msg *Envelope, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.cond.Wait()
	}
	if r.count == 0 && r.closed {
		return nil, false
	}

	msg = r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.cond.Broadcast()
	return msg, true
}

// Shutdown marks the ring closed. Further Push calls fail; Pop continues to
// drain buffered elements before reporting shutdown to its caller.
func (r *Ring) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
}

// Closed reports whether Shutdown has been called.
func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// RegisterProducer records one more live producer writing to this ring; used
// by multi-producer rings (notably the output manager's fan-out targets) to
// compute how many terminate messages a consumer must observe before the
// ring is truly done (§4.3).
func (r *Ring) RegisterProducer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers++
}

// Producers returns the number of producers registered via RegisterProducer.
// A ring with no explicit registration (the common single-producer case)
// reports 1.
func (r *Ring) Producers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producers == 0 {
		return 1
	}
	return r.producers
}
