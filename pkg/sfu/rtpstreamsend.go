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

	"github.com/livekit/mediatransportutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/logger"
	"github.com/lumastream/sfu/pkg/telemetry"
)

// RetransmissionBufferSize is the retransmission buffer capacity, in
// packets, used when NACK is negotiated.
const RetransmissionBufferSize = 600

// KeyFrameRequestType tags the RTCP feedback message that asked for a key
// frame.
type KeyFrameRequestType int

const (
	KeyFrameRequestPli KeyFrameRequestType = iota
	KeyFrameRequestFir
)

// RtpStreamSendListener receives upcalls from the send stream. The stream
// holds a non-owning reference; the owning consumer outlives it.
type RtpStreamSendListener interface {
	OnRtpStreamScore(stream *RtpStreamSend, score uint8, previousScore uint8)
	OnRtpStreamRetransmitRtpPacket(stream *RtpStreamSend, packet *rtp.Packet)
}

type storageItem struct {
	occupied       bool
	sequenceNumber uint16
	packet         *rtp.Packet
	sentAtMs       int64
	resentAtMs     int64
	sentTimes      uint8
}

// RtpStreamSend owns the retransmission buffer, the outgoing statistics and
// the sender-report state of one outgoing RTP stream. It is the exclusive
// writer of the consumer's outgoing stats.
type RtpStreamSend struct {
	RtpStream

	listener RtpStreamSendListener

	buffer []storageItem

	transmissionCounter   RateCalculator
	retransmissionCounter RateCalculator

	// Last forwarded RTP timestamp and the wall clock at which it was seen,
	// used to extrapolate the sender-report RTP time.
	maxPacketTs uint32
	maxPacketMs int64

	lastRrReceivedMs int64

	// Interval bookkeeping for score updates.
	sentPriorScore       uint32
	lostPriorScore       uint32
	repairedPriorScore   uint32

	hasRtx         bool
	rtxPayloadType uint8
	rtxSsrc        uint32
	rtxSeq         uint16

	paused bool
}

// NewRtpStreamSend creates a send stream. bufferSize is the retransmission
// capacity in packets; 0 disables retransmission storage.
func NewRtpStreamSend(listener RtpStreamSendListener, params RtpStreamParams, bufferSize int, logger logger.Logger) *RtpStreamSend {
	s := &RtpStreamSend{
		RtpStream: newRtpStream(params, logger),
		listener:  listener,
	}
	if bufferSize > 0 {
		s.buffer = make([]storageItem, bufferSize)
	}
	return s
}

// SetRtx enables the RTX retransmission channel for this stream.
func (s *RtpStreamSend) SetRtx(payloadType uint8, ssrc uint32) {
	s.hasRtx = true
	s.rtxPayloadType = payloadType
	s.rtxSsrc = ssrc
}

func (s *RtpStreamSend) HasRtx() bool {
	return s.hasRtx
}

func (s *RtpStreamSend) IsPaused() bool {
	return s.paused
}

// Pause freezes stats emission and the bitrate estimator and invalidates the
// retransmission buffer: packets stored before a pause would carry stale
// identifiers after the next resync.
func (s *RtpStreamSend) Pause() {
	if s.paused {
		return
	}
	s.paused = true

	for i := range s.buffer {
		s.buffer[i] = storageItem{}
	}
	s.transmissionCounter.Reset()
	s.retransmissionCounter.Reset()
	s.resetScore()
}

func (s *RtpStreamSend) Resume() {
	s.paused = false
}

// ReceivePacket records an outgoing packet for stats and retransmission.
// Returns false when the packet is rejected (duplicate already stored).
func (s *RtpStreamSend) ReceivePacket(packet *rtp.Packet, nowMs int64) bool {
	if len(s.buffer) > 0 {
		slot := &s.buffer[int(packet.SequenceNumber)%len(s.buffer)]
		if slot.occupied && slot.sequenceNumber == packet.SequenceNumber {
			s.logger.Warnw("duplicate packet, ignoring", nil,
				"ssrc", packet.SSRC, "seq", packet.SequenceNumber)
			return false
		}

		clone := clonePacket(packet)
		*slot = storageItem{
			occupied:       true,
			sequenceNumber: packet.SequenceNumber,
			packet:         clone,
			sentAtMs:       nowMs,
		}
	}

	s.transmissionCounter.Update(packet.MarshalSize(), nowMs)
	telemetry.PacketForwarded(string(KindFromMimeType(s.params.MimeType)), packet.MarshalSize())

	if isTsHigherThan(packet.Timestamp, s.maxPacketTs) || s.transmissionCounter.GetPacketCount() == 1 {
		s.maxPacketTs = packet.Timestamp
		s.maxPacketMs = nowMs
	}

	return true
}

// ReceiveNack resolves each requested sequence number against the buffer and
// emits a retransmit upcall per found packet. Recently resent packets are
// skipped: the original retransmission is likely still in flight.
func (s *RtpStreamSend) ReceiveNack(nack *rtcp.TransportLayerNack, nowMs int64) {
	s.nackCount++

	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			s.nackPacketCount++
			s.retransmitPacket(seq, nowMs)
		}
	}
}

func (s *RtpStreamSend) retransmitPacket(seq uint16, nowMs int64) {
	if len(s.buffer) == 0 {
		return
	}

	item := &s.buffer[int(seq)%len(s.buffer)]
	if !item.occupied || item.sequenceNumber != seq {
		return
	}

	rtt := int64(s.rtt)
	if rtt <= 0 {
		rtt = defaultRttMs
	}
	if item.resentAtMs != 0 && nowMs-item.resentAtMs <= rtt {
		return
	}

	packet := clonePacket(item.packet)
	if s.hasRtx {
		s.rtxEncode(packet)
	}

	item.resentAtMs = nowMs
	item.sentTimes++

	s.retransmissionCounter.Update(packet.MarshalSize(), nowMs)
	telemetry.PacketRetransmitted()
	s.listener.OnRtpStreamRetransmitRtpPacket(s, packet)
}

const defaultRttMs = 100

// rtxEncode rewrites packet in place as an RTX packet per RFC 4588: RTX
// SSRC and payload type, a fresh RTX sequence number, and the original
// sequence number prepended to the payload.
func (s *RtpStreamSend) rtxEncode(packet *rtp.Packet) {
	osn := packet.SequenceNumber

	s.rtxSeq++
	packet.SSRC = s.rtxSsrc
	packet.PayloadType = s.rtxPayloadType
	packet.SequenceNumber = s.rtxSeq

	payload := make([]byte, 2+len(packet.Payload))
	payload[0] = byte(osn >> 8)
	payload[1] = byte(osn)
	copy(payload[2:], packet.Payload)
	packet.Payload = payload
}

// ReceiveKeyFrameRequest records a PLI/FIR arrival. Propagation upward is
// the caller's business.
func (s *RtpStreamSend) ReceiveKeyFrameRequest(messageType KeyFrameRequestType) {
	switch messageType {
	case KeyFrameRequestPli:
		s.pliCount++
	case KeyFrameRequestFir:
		s.firCount++
	}
}

// ReceiveRtcpReceiverReport digests a reception report for this SSRC:
// loss figures, RTT from the LSR/DLSR echo, and a fresh score interval.
func (s *RtpStreamSend) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport, nowMs int64, now time.Time) {
	s.fractionLost = report.FractionLost
	if report.TotalLost > 0 {
		s.packetsLost = report.TotalLost
	} else {
		s.packetsLost = 0
	}

	if report.LastSenderReport != 0 {
		compactNow := toCompactNtp(now)
		rttQ16 := compactNow - report.LastSenderReport - report.Delay

		// The echo can arrive before one unit of delay has accrued;
		// saturate instead of wrapping.
		rtt := 1.0
		if rttQ16 < (1 << 31) {
			rtt = float64(rttQ16) * 1000.0 / 65536.0
			if rtt < 1.0 {
				rtt = 1.0
			}
		}
		s.rtt = rtt
	}

	s.lastRrReceivedMs = nowMs

	s.updateScoreFromReport()
}

// updateScoreFromReport scores the interval since the previous receiver
// report: the delivered ratio, discounted by how much of the delivery was
// repair traffic, compressed to 0..10.
func (s *RtpStreamSend) updateScoreFromReport() {
	totalSent := s.transmissionCounter.GetPacketCount()
	sent := totalSent - s.sentPriorScore
	s.sentPriorScore = totalSent

	totalLost := s.packetsLost
	var lost uint32
	if totalLost > s.lostPriorScore {
		lost = totalLost - s.lostPriorScore
	}
	s.lostPriorScore = totalLost

	totalRepaired := s.retransmissionCounter.GetPacketCount()
	repaired := totalRepaired - s.repairedPriorScore
	s.repairedPriorScore = totalRepaired

	if sent == 0 {
		s.publishScore(10)
		return
	}
	if lost > sent {
		lost = sent
	}
	if repaired > lost {
		repaired = lost
	}

	effectiveLost := lost - repaired
	deliveredRatio := float64(sent-effectiveLost) / float64(sent)
	score := uint8(deliveredRatio * deliveredRatio * deliveredRatio * deliveredRatio * 10.0)
	s.publishScore(score)
}

func (s *RtpStreamSend) publishScore(intervalScore uint8) {
	previousScore := s.score
	if s.updateScore(intervalScore) {
		s.listener.OnRtpStreamScore(s, s.score, previousScore)
	}
}

// GetRtcpSenderReport builds a sender report at nowMs, or nil if nothing
// has been sent since startup.
func (s *RtpStreamSend) GetRtcpSenderReport(nowMs int64) *rtcp.SenderReport {
	if s.transmissionCounter.GetPacketCount() == 0 {
		return nil
	}

	// Extrapolate the RTP timestamp to nowMs from the last forwarded packet.
	diffMs := nowMs - s.maxPacketMs
	rtpTime := s.maxPacketTs + uint32(int64(s.params.ClockRate)*diffMs/1000)

	return &rtcp.SenderReport{
		SSRC:        s.params.Ssrc,
		NTPTime:     uint64(mediatransportutil.ToNtpTime(time.UnixMilli(nowMs))),
		RTPTime:     rtpTime,
		PacketCount: s.transmissionCounter.GetPacketCount(),
		OctetCount:  uint32(s.transmissionCounter.GetBytes()),
	}
}

// GetRtcpSdesChunk builds the SDES chunk carrying this stream's CNAME.
func (s *RtpStreamSend) GetRtcpSdesChunk() rtcp.SourceDescriptionChunk {
	return rtcp.SourceDescriptionChunk{
		Source: s.params.Ssrc,
		Items: []rtcp.SourceDescriptionItem{{
			Type: rtcp.SDESCNAME,
			Text: s.params.Cname,
		}},
	}
}

// GetBitrate returns the transmission bitrate over the trailing window.
func (s *RtpStreamSend) GetBitrate(nowMs int64) uint32 {
	return s.transmissionCounter.GetRate(nowMs)
}

// GetRetransmissionBitrate returns the repair-traffic bitrate.
func (s *RtpStreamSend) GetRetransmissionBitrate(nowMs int64) uint32 {
	return s.retransmissionCounter.GetRate(nowMs)
}

// StatsRecord is one entry of the GET_STATS response.
type StatsRecord struct {
	Type            string  `json:"type"`
	TimestampMs     int64   `json:"timestamp"`
	Ssrc            uint32  `json:"ssrc"`
	Kind            string  `json:"kind"`
	MimeType        string  `json:"mimeType"`
	PacketCount     uint32  `json:"packetCount"`
	ByteCount       uint64  `json:"byteCount"`
	Bitrate         uint32  `json:"bitrate"`
	PacketsLost     uint32  `json:"packetsLost"`
	FractionLost    uint8   `json:"fractionLost"`
	RoundTripTime   float64 `json:"roundTripTime"`
	NackCount       uint32  `json:"nackCount"`
	NackPacketCount uint32  `json:"nackPacketCount"`
	PliCount        uint32  `json:"pliCount"`
	FirCount        uint32  `json:"firCount"`
	Score           uint8   `json:"score"`
}

// FillStats returns the outbound-rtp stats record at nowMs.
func (s *RtpStreamSend) FillStats(nowMs int64) StatsRecord {
	return StatsRecord{
		Type:            "outbound-rtp",
		TimestampMs:     nowMs,
		Ssrc:            s.params.Ssrc,
		Kind:            string(KindFromMimeType(s.params.MimeType)),
		MimeType:        s.params.MimeType,
		PacketCount:     s.transmissionCounter.GetPacketCount(),
		ByteCount:       s.transmissionCounter.GetBytes(),
		Bitrate:         s.GetBitrate(nowMs),
		PacketsLost:     s.packetsLost,
		FractionLost:    s.fractionLost,
		RoundTripTime:   s.rtt,
		NackCount:       s.nackCount,
		NackPacketCount: s.nackPacketCount,
		PliCount:        s.pliCount,
		FirCount:        s.firCount,
		Score:           s.score,
	}
}

// RtpStreamDump is the stream's slice of the consumer DUMP response.
type RtpStreamDump struct {
	Params  RtpStreamParams `json:"params"`
	Score   uint8           `json:"score"`
	HasRtx  bool            `json:"hasRtx"`
	RtxSsrc uint32          `json:"rtxSsrc,omitempty"`
	Paused  bool            `json:"paused"`
}

func (s *RtpStreamSend) Dump() RtpStreamDump {
	return RtpStreamDump{
		Params:  s.params,
		Score:   s.score,
		HasRtx:  s.hasRtx,
		RtxSsrc: s.rtxSsrc,
		Paused:  s.paused,
	}
}

// isTsHigherThan compares RTP timestamps modulo 2^32.
func isTsHigherThan(a, b uint32) bool {
	return a != b && a-b < (1<<31)
}

// toCompactNtp returns the middle 32 bits of the NTP timestamp, the unit
// LSR/DLSR fields are expressed in.
func toCompactNtp(t time.Time) uint32 {
	return uint32(mediatransportutil.ToNtpTime(t) >> 16)
}
