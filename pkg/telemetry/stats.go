// Copyright 2025 Lumastream
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package telemetry exposes the worker's Prometheus metrics. Packet-path
// hooks are plain counter increments; anything heavier stays out of the
// hot path.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sfu_worker"

var (
	packetsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_forwarded_total",
		Help:      "RTP packets forwarded to consumers.",
	}, []string{"kind"})

	bytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "bytes_forwarded_total",
		Help:      "RTP bytes forwarded to consumers.",
	}, []string{"kind"})

	packetsRetransmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "packets_retransmitted_total",
		Help:      "RTP packets retransmitted on NACK.",
	})

	probationPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bwe",
		Name:      "probation_packets_total",
		Help:      "Padding packets generated for bandwidth probing.",
	})

	availableBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bwe",
		Name:      "available_bitrate_bps",
		Help:      "Latest available bitrate published by the arbiter.",
	})
)

func PacketForwarded(kind string, size int) {
	packetsForwarded.WithLabelValues(kind).Inc()
	bytesForwarded.WithLabelValues(kind).Add(float64(size))
}

func PacketRetransmitted() {
	packetsRetransmitted.Inc()
}

func ProbationPacket() {
	probationPackets.Inc()
}

func AvailableBitrate(bps uint32) {
	availableBitrate.Set(float64(bps))
}
