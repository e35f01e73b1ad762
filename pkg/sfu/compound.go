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
	"github.com/pion/rtcp"
)

// CompoundPacket accumulates the sender reports and SDES chunks of every
// stream on a transport into one outgoing RTCP compound packet.
type CompoundPacket struct {
	senderReports []rtcp.Packet
	sdesChunks    []rtcp.SourceDescriptionChunk
}

func (c *CompoundPacket) AddSenderReport(report *rtcp.SenderReport) {
	c.senderReports = append(c.senderReports, report)
}

func (c *CompoundPacket) AddSdesChunk(chunk rtcp.SourceDescriptionChunk) {
	c.sdesChunks = append(c.sdesChunks, chunk)
}

func (c *CompoundPacket) Empty() bool {
	return len(c.senderReports) == 0 && len(c.sdesChunks) == 0
}

// Packets lays out the compound body: sender reports first, then a single
// source description holding every chunk.
func (c *CompoundPacket) Packets() []rtcp.Packet {
	packets := make([]rtcp.Packet, 0, len(c.senderReports)+1)
	packets = append(packets, c.senderReports...)
	if len(c.sdesChunks) > 0 {
		packets = append(packets, &rtcp.SourceDescription{Chunks: c.sdesChunks})
	}
	return packets
}

// Marshal serializes the compound packet for the wire.
func (c *CompoundPacket) Marshal() ([]byte, error) {
	return rtcp.Marshal(c.Packets())
}
