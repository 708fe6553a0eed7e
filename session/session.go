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

// Package session implements the identity of a Transport Session (§3): the
// remote exporter endpoint a collector input stage is talking to. It is
// created by an input stage on first packet, referenced by every message
// the stage produces, and destroyed only after every downstream stage has
// observed its close event.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Type is the Transport Session's transport kind.
type Type int

const (
	TCP Type = iota
	UDP
	SCTP
	FILE
)

func (t Type) String() string {
	switch t {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	case SCTP:
		return "SCTP"
	case FILE:
		return "FILE"
	default:
		return "UNKNOWN"
	}
}

// State is the per (Session, ODID, Stream) state machine from §4.4.
type State int

const (
	New State = iota
	Seen
	Blocked
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Seen:
		return "SEEN"
	case Blocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// Stats carries the per-session diagnostic bookkeeping recovered from
// original_source's instance_input.cpp (SPEC_FULL.md §4) that the
// distillation only gestures at through the state machine.
type Stats struct {
	MessagesAccepted uint64
	MessagesDropped  uint64
	LastSequence     uint32
	LastError        error
}

// Session identifies a remote exporter endpoint (§3).
type Session struct {
	ID string

	Kind Type

	SourceAddr string
	SourcePort uint16
	DestAddr   string
	DestPort   uint16

	// TemplateLifetime and OptionsTemplateLifetime apply to UDP sessions
	// only (§3). Zero means "never expire".
	TemplateLifetime        time.Duration
	OptionsTemplateLifetime time.Duration

	created time.Time

	mu     sync.Mutex
	states map[streamKey]State
	stats  map[streamKey]*Stats
}

type streamKey struct {
	odid   uint32
	stream uint16
}

// New constructs a Session whose ID is built from the transport kind and the
// 4-tuple, e.g. "TCP/10.0.0.1:1234->10.0.0.2:4739".
func New(kind Type, srcAddr string, srcPort uint16, dstAddr string, dstPort uint16) *Session {
	s := &Session{
		Kind:       kind,
		SourceAddr: srcAddr,
		SourcePort: srcPort,
		DestAddr:   dstAddr,
		DestPort:   dstPort,
		created:    time.Now(),
		states:     make(map[streamKey]State),
		stats:      make(map[streamKey]*Stats),
	}
	s.ID = fmt.Sprintf("%s/%s:%d->%s:%d", kind, srcAddr, srcPort, dstAddr, dstPort)
	return s
}

// CreatedAt reports when the session was first observed.
func (s *Session) CreatedAt() time.Time { return s.created }

// State returns the current state machine value for (ODID, Stream),
// defaulting to New for an unseen scope.
func (s *Session) State(odid uint32, stream uint16) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{odid, stream}
	st, ok := s.states[k]
	if !ok {
		return New
	}
	return st
}

// Observe transitions NEW -> SEEN on first sight of (ODID, Stream).
func (s *Session) Observe(odid uint32, stream uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{odid, stream}
	if s.states[k] == New {
		s.states[k] = Seen
	}
	if s.stats[k] == nil {
		s.stats[k] = &Stats{}
	}
}

// Block transitions (ODID, Stream) to BLOCKED after a format error (§4.4).
// A blocked scope stays blocked until the session is removed; subsequent
// messages for it must be ignored by the caller.
func (s *Session) Block(odid uint32, stream uint16, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{odid, stream}
	s.states[k] = Blocked
	if s.stats[k] == nil {
		s.stats[k] = &Stats{}
	}
	s.stats[k].LastError = reason
}

// RecordAccepted updates per-scope stats after a successfully processed
// message.
func (s *Session) RecordAccepted(odid uint32, stream uint16, seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{odid, stream}
	st := s.stats[k]
	if st == nil {
		st = &Stats{}
		s.stats[k] = st
	}
	st.MessagesAccepted++
	st.LastSequence = seq
}

// RecordDropped updates per-scope stats after a message was dropped
// (out-of-range UDP Export Time, missing template, etc.).
func (s *Session) RecordDropped(odid uint32, stream uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{odid, stream}
	st := s.stats[k]
	if st == nil {
		st = &Stats{}
		s.stats[k] = st
	}
	st.MessagesDropped++
}

// Stats returns a copy of the bookkeeping for (ODID, Stream).
func (s *Session) Stats(odid uint32, stream uint16) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[streamKey{odid, stream}]
	if st == nil {
		return Stats{}
	}
	return *st
}
