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

package sfu

import (
	"time"

	"github.com/pion/rtp"
)

// ExtPacket is an RTP packet on its way from a producer to consumers,
// annotated with what the receive side already learned about it.
//
// One ExtPacket is shared by reference across every consumer of the same
// producer. A consumer that rewrites header fields for its own output MUST
// restore them before returning control.
type ExtPacket struct {
	Packet  *rtp.Packet
	Arrival time.Time

	KeyFrame bool

	// Layer identity within the producer stream set. -1 when not applicable
	// (audio, or codecs without layer structure).
	SpatialLayer  int8
	TemporalLayer int8
}

// headerSnapshot is the JSON shape surfaced with rtp packet events.
type headerSnapshot struct {
	PayloadType    uint8  `json:"payloadType"`
	SequenceNumber uint16 `json:"sequenceNumber"`
	Timestamp      uint32 `json:"timestamp"`
	Marker         bool   `json:"marker"`
	Ssrc           uint32 `json:"ssrc"`
	PayloadSize    int    `json:"payloadSize"`
	IsRtx          bool   `json:"isRtx,omitempty"`
}

// clonePacket deep-copies a packet for the retransmission buffer. The
// source packet is shared and will be mutated after storage.
func clonePacket(p *rtp.Packet) *rtp.Packet {
	clone := &rtp.Packet{Header: p.Header}
	if len(p.Header.CSRC) > 0 {
		clone.Header.CSRC = append([]uint32{}, p.Header.CSRC...)
	}
	if len(p.Header.Extensions) > 0 {
		clone.Header.Extensions = append([]rtp.Extension{}, p.Header.Extensions...)
	}
	clone.Payload = append([]byte{}, p.Payload...)
	return clone
}

func snapshotHeader(p *rtp.Packet, isRtx bool) headerSnapshot {
	return headerSnapshot{
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		Marker:         p.Marker,
		Ssrc:           p.SSRC,
		PayloadSize:    len(p.Payload),
		IsRtx:          isRtx,
	}
}
