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

// Package template implements the per (Transport Session, ODID, Stream)
// template manager described in §3/§4.4: time-indexed, reference-counted
// snapshots of IPFIX (Options) Templates, generalizing the teacher's
// single-template TTL caches (decaying_cache.go) to whole-snapshot
// TTL+refcount semantics.
package template

import (
	"sync/atomic"

	"github.com/CESNET/ipfixcol2-sub000"
)

// entry is one template held in a Snapshot, together with the bookkeeping
// the options-template scope-field-count invariant needs (§3).
type entry struct {
	record      *ipfix.TemplateRecord
	options     *ipfix.OptionsTemplateRecord
	isOptions   bool
	scopeFields int
}

// Snapshot is the full set of templates valid at one Export Time within one
// (Session, ODID, Stream) scope (§3 "Template snapshot"). Snapshots are
// immutable once built and shared by every Data Record parsed under them;
// they stay alive until refcount reaches zero.
type Snapshot struct {
	exportTime uint32
	templates  map[uint16]entry

	refcount int32
	onZero   func(*Snapshot)
}

func newSnapshot(exportTime uint32, templates map[uint16]entry, onZero func(*Snapshot)) *Snapshot {
	return &Snapshot{
		exportTime: exportTime,
		templates:  templates,
		refcount:   1,
		onZero:     onZero,
	}
}

// ExportTime reports the Export Time this snapshot was built for.
func (s *Snapshot) ExportTime() uint32 { return s.exportTime }

// Lookup returns the TemplateRecord for id in this snapshot, if any.
func (s *Snapshot) Lookup(id uint16) (*ipfix.TemplateRecord, bool) {
	e, ok := s.templates[id]
	if !ok || e.isOptions {
		return nil, false
	}
	return e.record, true
}

// LookupOptions returns the OptionsTemplateRecord for id in this snapshot,
// if any.
func (s *Snapshot) LookupOptions(id uint16) (*ipfix.OptionsTemplateRecord, bool) {
	e, ok := s.templates[id]
	if !ok || !e.isOptions {
		return nil, false
	}
	return e.options, true
}

// Has reports whether id names any template (data or options) in this
// snapshot.
func (s *Snapshot) Has(id uint16) bool {
	_, ok := s.templates[id]
	return ok
}

// Acquire increments the snapshot's reference count. Called whenever a new
// DataRecordRef is created against this snapshot (§3 "Lifecycle").
func (s *Snapshot) Acquire() {
	atomic.AddInt32(&s.refcount, 1)
}

// Release decrements the snapshot's reference count. When it reaches zero,
// the snapshot's onZero hook (if any) fires exactly once, which is how the
// manager learns it may hand the snapshot to a garbage message (§3, §9).
func (s *Snapshot) Release() {
	if atomic.AddInt32(&s.refcount, -1) == 0 && s.onZero != nil {
		s.onZero(s)
	}
}

// Len returns how many templates (of either kind) this snapshot holds.
func (s *Snapshot) Len() int {
	return len(s.templates)
}
