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
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/telemetry"
)

const (
	// ProbationSsrc is the reserved SSRC for probation padding packets.
	ProbationSsrc = uint32(1234)

	probationPayloadType = uint8(127)

	// RTP padding payload maximum (the length octet is one byte).
	maxPaddingPayloadSize = 255

	// Rough header allowance when sizing probe packets.
	probationHeaderSize = 12
)

// RtpProbationGenerator produces padding-only RTP packets on the reserved
// probation SSRC. The bandwidth arbiter pulls from it when the estimator
// wants to probe above the current estimate.
type RtpProbationGenerator struct {
	sequenceNumber uint16
	clockRate      uint32
	clock          Clock
}

func NewRtpProbationGenerator(clock Clock) *RtpProbationGenerator {
	return &RtpProbationGenerator{
		clockRate: 90000,
		clock:     clock,
	}
}

// GetNextPacket returns a padding packet close to size bytes on the wire.
// Sequence numbers increment per packet so the remote's estimator can
// account for probe losses.
func (g *RtpProbationGenerator) GetNextPacket(size int) *rtp.Packet {
	payloadSize := size - probationHeaderSize
	if payloadSize > maxPaddingPayloadSize {
		payloadSize = maxPaddingPayloadSize
	}
	if payloadSize < 1 {
		payloadSize = 1
	}

	g.sequenceNumber++
	telemetry.ProbationPacket()

	payload := make([]byte, payloadSize)
	payload[payloadSize-1] = byte(payloadSize)

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        true,
			PayloadType:    probationPayloadType,
			SequenceNumber: g.sequenceNumber,
			Timestamp:      uint32(g.clock.NowMs()) * (g.clockRate / 1000),
			SSRC:           ProbationSsrc,
		},
		Payload: payload,
	}
}
