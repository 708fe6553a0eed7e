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

// Package metrics gathers the Prometheus collectors declared across the
// collector's packages (root decoder, pipeline substrate, session
// transports, netflow converters, outmgr, modifier) into the single
// registration call a cmd/ main makes at startup, following the teacher's
// convention of one package-level collector var block per concern with no
// central registration point of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	ipfix "github.com/CESNET/ipfixcol2-sub000"
	"github.com/CESNET/ipfixcol2-sub000/modifier"
	"github.com/CESNET/ipfixcol2-sub000/netflow"
	"github.com/CESNET/ipfixcol2-sub000/outmgr"
	"github.com/CESNET/ipfixcol2-sub000/pipeline"
	"github.com/CESNET/ipfixcol2-sub000/session"
)

// Register adds every collector owned by this module to reg. Call once at
// startup, before serving /metrics.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ipfix.PacketsTotal,
		ipfix.ErrorsTotal,
		ipfix.DurationMicroseconds,
		ipfix.DecodedSets,
		ipfix.DecodedRecords,
		ipfix.DroppedRecords,

		pipeline.RingPushesTotal,
		pipeline.RingPopsTotal,
		pipeline.StageTerminationsTotal,
		pipeline.StageErrorsTotal,

		session.TCPActiveConnections,
		session.TCPErrorsTotal,
		session.TCPReceivedBytes,
		session.UDPPacketsTotal,
		session.UDPErrorsTotal,
		session.UDPPacketBytes,

		netflow.V5RecordsConverted,
		netflow.V5ErrorsTotal,
		netflow.V9RecordsConverted,
		netflow.V9ErrorsTotal,

		outmgr.OutputDeliveredTotal,
		outmgr.OutputDroppedTotal,

		modifier.TemplateIDRestartsTotal,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register, panicking on error, for the common case of a
// single startup-time call against prometheus.DefaultRegisterer.
func MustRegister(reg prometheus.Registerer) {
	if err := Register(reg); err != nil {
		panic(err)
	}
}
