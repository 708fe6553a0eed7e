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

// Package modifier implements the record modifier (§4.8): synthesizing
// derived Templates (original fields plus modifier-added fields) with
// content-based deduplication, and the filter/adder callback pair that
// decides, per output, whether and how a record is rewritten. Grounded on
// original_source's src/core/modifier.c's callback-table design.
package modifier

import "github.com/prometheus/client_golang/prometheus"

const (
	firstDerivedID uint16 = 256
	lastDerivedID  uint16 = 65535
)

// TemplateIDAllocator hands out fresh Template IDs for synthesized
// (derived) templates within one scope, starting at 256 and wrapping back
// to 256 on exhaustion. A wraparound invalidates every previously allocated
// ID in that scope (§4.8 "ID-exhaustion restart"), since a wrapped ID may
// collide with one still in use downstream; callers must clear their
// dedup table and reissue withdrawals for the old generation when Next
// reports restarted=true.
type TemplateIDAllocator struct {
	next uint16
}

// NewTemplateIDAllocator constructs an allocator starting at ID 256.
func NewTemplateIDAllocator() *TemplateIDAllocator {
	return &TemplateIDAllocator{next: firstDerivedID}
}

// Next returns the next Template ID. restarted is true exactly when this
// call wrapped the counter back to 256, meaning every ID issued since
// construction (or the last restart) must be considered withdrawn.
func (a *TemplateIDAllocator) Next() (id uint16, restarted bool) {
	if a.next < firstDerivedID || a.next == 0 {
		a.next = firstDerivedID
	}
	id = a.next
	if a.next == lastDerivedID {
		a.next = firstDerivedID
		restarted = true
		TemplateIDRestartsTotal.Inc()
	} else {
		a.next++
	}
	return id, restarted
}

var TemplateIDRestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "collector",
	Subsystem: "modifier",
	Name:      "template_id_restarts_total",
	Help:      "Total number of derived Template ID allocator wraparounds",
})
