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

// Package outmgr implements the output manager fan-out stage (§4.7): one
// parsed message is delivered, by reference, to every output ring whose
// ODID filter matches it; Termination and Garbage messages always go to
// every destination. Delivery uses an explicit reference count so the
// message's backing buffer and template snapshot references are freed only
// once every destination has released its copy.
package outmgr

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CESNET/ipfixcol2-sub000/odid"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
)

// Destination is one fan-out target: a ring plus the ODID filter gating
// which parsed messages it receives.
type Destination struct {
	Name   string
	Ring   *pipeline.Ring
	Filter *odid.Filter
}

// Manager implements pipeline.Processor as the output manager: it never
// pushes through a Stage's own Output ring (it has none — Manager delivers
// directly to each Destination's ring), so Process always returns (nil, nil).
type Manager struct {
	destinations []Destination
}

// NewManager constructs an empty output manager. Destinations are added
// with Add before the owning Stage is started.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers one fan-out destination and marks its ring as having one
// more producer, so that ring's consumer stage tallies terminations
// correctly (§4.3).
func (m *Manager) Add(d Destination) {
	d.Ring.RegisterProducer()
	m.destinations = append(m.destinations, d)
}

// Process implements pipeline.Processor (§4.7). Data messages are matched
// against each destination's Filter; Termination, Garbage, and
// SessionControl messages always go to every destination, keeping every
// downstream output stage's view of session/termination state consistent.
func (m *Manager) Process(_ context.Context, e *pipeline.Envelope) (*pipeline.Envelope, error) {
	targets := m.match(e)
	if len(targets) == 0 {
		OutputDroppedTotal.Inc()
		e.SetRefCount(1)
		e.Release()
		return nil, nil
	}

	e.SetRefCount(int32(len(targets)))
	for _, d := range targets {
		OutputDeliveredTotal.WithLabelValues(d.Name).Inc()
		d.Ring.Push(e)
	}
	return nil, nil
}

func (m *Manager) match(e *pipeline.Envelope) []Destination {
	if e.Kind != pipeline.KindParsed {
		// Termination, Garbage, and SessionControl always fan out fully
		// (§4.7: "Termination and garbage messages are always delivered to
		// all outputs").
		return m.destinations
	}
	odidVal := e.Parsed.ODID
	var out []Destination
	for _, d := range m.destinations {
		if d.Filter == nil || d.Filter.Match(odidVal) {
			out = append(out, d)
		}
	}
	return out
}

var (
	OutputDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "outmgr",
		Name:      "delivered_total",
		Help:      "Total number of messages delivered per output destination",
	}, []string{"destination"})
	OutputDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "outmgr",
		Name:      "dropped_total",
		Help:      "Total number of data messages matching zero output destinations",
	})
)
