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
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/sfu/pkg/channel"
	"github.com/lumastream/sfu/pkg/logger"
)

type fakeClock struct {
	ms int64
}

func (c *fakeClock) NowMs() int64 {
	return c.ms
}

func (c *fakeClock) Now() time.Time {
	return time.UnixMilli(c.ms)
}

type sentPacket struct {
	ssrc uint32
	seq  uint16
}

type fakeConsumerListener struct {
	sent              []sentPacket
	retransmitted     []sentPacket
	keyFrameRequests  []uint32
	producerClosed    int
	needBitrateChange int
}

func (l *fakeConsumerListener) OnConsumerSendRtpPacket(_ Consumer, p *rtp.Packet) {
	l.sent = append(l.sent, sentPacket{ssrc: p.SSRC, seq: p.SequenceNumber})
}

func (l *fakeConsumerListener) OnConsumerRetransmitRtpPacket(_ Consumer, p *rtp.Packet) {
	l.retransmitted = append(l.retransmitted, sentPacket{ssrc: p.SSRC, seq: p.SequenceNumber})
}

func (l *fakeConsumerListener) OnConsumerKeyFrameRequested(_ Consumer, mappedSsrc uint32) {
	l.keyFrameRequests = append(l.keyFrameRequests, mappedSsrc)
}

func (l *fakeConsumerListener) OnConsumerNeedBitrateChange(Consumer) {
	l.needBitrateChange++
}

func (l *fakeConsumerListener) OnConsumerNeedZeroBitrate(Consumer) {}

func (l *fakeConsumerListener) OnConsumerProducerClosed(Consumer) {
	l.producerClosed++
}

type fakeProducerStream struct {
	ssrc  uint32
	score uint8
}

func (s *fakeProducerStream) GetSsrc() uint32 {
	return s.ssrc
}

func (s *fakeProducerStream) GetScore() uint8 {
	return s.score
}

func (s *fakeProducerStream) GetBitrate(int64) uint32 {
	return 0
}

func (s *fakeProducerStream) FillStats(nowMs int64) StatsRecord {
	return StatsRecord{Type: "inbound-rtp", TimestampMs: nowMs, Ssrc: s.ssrc, Score: s.score}
}

type capturedNotification struct {
	TargetID string          `json:"targetId"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

type notificationLog struct {
	all []capturedNotification
}

func (n *notificationLog) sink(body []byte) {
	var note capturedNotification
	if err := json.Unmarshal(body, &note); err == nil {
		n.all = append(n.all, note)
	}
}

func (n *notificationLog) byEvent(event string) []capturedNotification {
	var out []capturedNotification
	for _, note := range n.all {
		if note.Event == event {
			out = append(out, note)
		}
	}
	return out
}

func audioConsumerData() *ConsumerData {
	return &ConsumerData{
		Kind: "audio",
		RtpParameters: &RtpParameters{
			Codecs: []*RtpCodecParameters{{
				MimeType:    webrtc.MimeTypeOpus,
				PayloadType: 100,
				ClockRate:   48000,
				Channels:    2,
			}},
			Encodings: []*RtpEncodingParameters{{Ssrc: 1111}},
			Rtcp:      RtcpParameters{Cname: "test-cname"},
		},
		ConsumableRtpEncodings: []*RtpEncodingParameters{{Ssrc: 3333}},
	}
}

func videoConsumerData() *ConsumerData {
	return &ConsumerData{
		Kind: "video",
		RtpParameters: &RtpParameters{
			Codecs: []*RtpCodecParameters{
				{
					MimeType:    webrtc.MimeTypeVP8,
					PayloadType: 101,
					ClockRate:   90000,
					RtcpFeedback: []RtcpFeedback{
						{Type: "nack"},
						{Type: "nack", Parameter: "pli"},
						{Type: "ccm", Parameter: "fir"},
					},
				},
				{
					MimeType:    "video/rtx",
					PayloadType: 102,
					ClockRate:   90000,
					Parameters:  map[string]interface{}{"apt": float64(101)},
				},
			},
			Encodings: []*RtpEncodingParameters{{Ssrc: 4444, Rtx: &RtxParameters{Ssrc: 4445}}},
			Rtcp:      RtcpParameters{Cname: "test-cname"},
		},
		ConsumableRtpEncodings: []*RtpEncodingParameters{{Ssrc: 5555}},
	}
}

type consumerHarness struct {
	consumer *SimpleConsumer
	listener *fakeConsumerListener
	notes    *notificationLog
	clock    *fakeClock
}

func newSimpleConsumerHarness(t *testing.T, data *ConsumerData) *consumerHarness {
	t.Helper()

	listener := &fakeConsumerListener{}
	notes := &notificationLog{}
	clock := &fakeClock{ms: 1_000_000}

	consumer, err := NewSimpleConsumer(SimpleConsumerParams{
		ConsumerBaseParams: ConsumerBaseParams{
			ID:       "consumer-1",
			Data:     data,
			Listener: listener,
			Notifier: channel.NewNotifier(notes.sink, logger.GetLogger()),
			Clock:    clock,
			Logger:   logger.GetLogger(),
		},
	})
	require.NoError(t, err)

	consumer.ProducerRtpStream(&fakeProducerStream{ssrc: data.ConsumableRtpEncodings[0].Ssrc, score: 10}, data.ConsumableRtpEncodings[0].Ssrc)

	return &consumerHarness{
		consumer: consumer,
		listener: listener,
		notes:    notes,
		clock:    clock,
	}
}

func makeExtPacket(ssrc uint32, seq uint16, pt uint8, keyFrame bool) *ExtPacket {
	return &ExtPacket{
		Packet: &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SSRC:           ssrc,
				SequenceNumber: seq,
				PayloadType:    pt,
				Timestamp:      uint32(seq) * 960,
			},
			Payload: []byte{0x01, 0x02, 0x03, 0x04},
		},
		KeyFrame:      keyFrame,
		SpatialLayer:  -1,
		TemporalLayer: -1,
	}
}

// S1: simple audio forward with identifier rewrite and restoration.
func TestSimpleConsumerForwardsAudio(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()

	var outSeqs []uint16
	for i, seq := range []uint16{1000, 1001, 1002} {
		pkt := makeExtPacket(2222, seq, 100, false)
		h.consumer.SendRtpPacket(pkt)

		// Shared packet: original identifiers restored after the call.
		require.Equal(t, uint32(2222), pkt.Packet.SSRC)
		require.Equal(t, seq, pkt.Packet.SequenceNumber)

		require.Len(t, h.listener.sent, i+1)
		require.Equal(t, uint32(1111), h.listener.sent[i].ssrc)
		outSeqs = append(outSeqs, h.listener.sent[i].seq)
	}

	require.Equal(t, outSeqs[0]+1, outSeqs[1])
	require.Equal(t, outSeqs[0]+2, outSeqs[2])
}

// S2: sync on transport reconnect; video waits for a key frame.
func TestSimpleConsumerSyncOnReconnect(t *testing.T) {
	h := newSimpleConsumerHarness(t, videoConsumerData())
	h.consumer.TransportConnected()

	h.consumer.SendRtpPacket(makeExtPacket(2222, 100, 101, true))
	h.consumer.SendRtpPacket(makeExtPacket(2222, 101, 101, false))
	require.Len(t, h.listener.sent, 2)

	h.consumer.TransportDisconnected()
	h.consumer.TransportConnected()

	// Not a key frame: dropped while waiting for the sync point.
	h.consumer.SendRtpPacket(makeExtPacket(2222, 102, 101, false))
	require.Len(t, h.listener.sent, 2)

	h.consumer.SendRtpPacket(makeExtPacket(2222, 103, 101, true))
	h.consumer.SendRtpPacket(makeExtPacket(2222, 104, 101, false))
	require.Len(t, h.listener.sent, 4)

	require.Equal(t, h.listener.sent[2].seq+1, h.listener.sent[3].seq)
}

// S3: pause suppresses traffic and pauses the send stream once.
func TestSimpleConsumerPauseSuppressesTraffic(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()

	h.consumer.SendRtpPacket(makeExtPacket(2222, 1, 100, false))
	require.Len(t, h.listener.sent, 1)

	var accepted bool
	req := channel.NewRequest(1, channel.MethodConsumerPause, "consumer-1", nil, func(body []byte) {
		accepted = true
	})
	h.consumer.HandleRequest(req)
	require.True(t, accepted)
	require.True(t, h.consumer.IsPaused())
	require.True(t, h.consumer.rtpStream.IsPaused())

	for seq := uint16(2); seq < 12; seq++ {
		h.consumer.SendRtpPacket(makeExtPacket(2222, seq, 100, false))
	}
	require.Len(t, h.listener.sent, 1)

	// Pausing again is a no-op.
	req = channel.NewRequest(2, channel.MethodConsumerPause, "consumer-1", nil, func([]byte) {})
	h.consumer.HandleRequest(req)
	require.True(t, h.consumer.IsPaused())
}

// Resume while already resumed produces no side effects beyond the first.
func TestSimpleConsumerResumeIdempotent(t *testing.T) {
	h := newSimpleConsumerHarness(t, videoConsumerData())
	h.consumer.TransportConnected()
	requests := len(h.listener.keyFrameRequests)

	h.consumer.HandleRequest(channel.NewRequest(1, channel.MethodConsumerPause, "consumer-1", nil, func([]byte) {}))
	h.consumer.HandleRequest(channel.NewRequest(2, channel.MethodConsumerResume, "consumer-1", nil, func([]byte) {}))
	require.Len(t, h.listener.keyFrameRequests, requests+1)

	h.consumer.HandleRequest(channel.NewRequest(3, channel.MethodConsumerResume, "consumer-1", nil, func([]byte) {}))
	require.Len(t, h.listener.keyFrameRequests, requests+1)
}

// S4: unsupported payload type is dropped without touching the packet.
func TestSimpleConsumerUnsupportedPayloadType(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()

	pkt := makeExtPacket(2222, 500, 96, false)
	h.consumer.SendRtpPacket(pkt)

	require.Empty(t, h.listener.sent)
	require.Equal(t, uint32(2222), pkt.Packet.SSRC)
	require.Equal(t, uint16(500), pkt.Packet.SequenceNumber)
}

// S5: enablePacketEvent filters events; malformed payloads reject.
func TestSimpleConsumerEnablePacketEvent(t *testing.T) {
	h := newSimpleConsumerHarness(t, videoConsumerData())
	h.consumer.TransportConnected()

	data := json.RawMessage(`{"types":["rtp","garbage","nack"]}`)
	var response []byte
	h.consumer.HandleRequest(channel.NewRequest(1, channel.MethodConsumerEnablePacketEvent, "consumer-1", data, func(body []byte) {
		response = body
	}))
	require.Contains(t, string(response), `"accepted":true`)

	h.consumer.SendRtpPacket(makeExtPacket(2222, 1, 101, true))
	require.Len(t, h.notes.byEvent("packet"), 1)

	h.consumer.ReceiveKeyFrameRequest(KeyFrameRequestPli, 4444)
	h.consumer.ReceiveKeyFrameRequest(KeyFrameRequestFir, 4444)
	// pli/fir were not enabled.
	require.Len(t, h.notes.byEvent("packet"), 1)

	// Missing types: TypeError.
	var rejected []byte
	h.consumer.HandleRequest(channel.NewRequest(2, channel.MethodConsumerEnablePacketEvent, "consumer-1", json.RawMessage(`{}`), func(body []byte) {
		rejected = body
	}))
	require.Contains(t, string(rejected), `"error":"TypeError"`)

	// Non-string element: TypeError.
	h.consumer.HandleRequest(channel.NewRequest(3, channel.MethodConsumerEnablePacketEvent, "consumer-1", json.RawMessage(`{"types":[3]}`), func(body []byte) {
		rejected = body
	}))
	require.Contains(t, string(rejected), `"error":"TypeError"`)
}

// S6: RTCP cadence honors maxRtcpInterval with the 1.15 jitter allowance.
func TestSimpleConsumerRtcpInterval(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()

	base := h.clock.ms
	h.consumer.SendRtpPacket(makeExtPacket(2222, 1, 100, false))

	reports := func(atMs int64) int {
		h.clock.ms = atMs
		packet := &CompoundPacket{}
		h.consumer.GetRtcp(packet, h.consumer.rtpStream, atMs)
		return len(packet.Packets())
	}

	// lastRtcpSentTime starts at zero, so the first call always emits.
	require.NotZero(t, reports(base))
	require.Zero(t, reports(base+1000))
	require.Zero(t, reports(base+4000))
	require.NotZero(t, reports(base+4500))
}

// DUMP carries the full state shape.
func TestSimpleConsumerDump(t *testing.T) {
	h := newSimpleConsumerHarness(t, videoConsumerData())

	var response []byte
	h.consumer.HandleRequest(channel.NewRequest(1, channel.MethodConsumerDump, "consumer-1", nil, func(body []byte) {
		response = body
	}))

	var decoded struct {
		Accepted bool `json:"accepted"`
		Data     struct {
			ID                         string  `json:"id"`
			Kind                       string  `json:"kind"`
			Type                       string  `json:"type"`
			SupportedCodecPayloadTypes []uint8 `json:"supportedCodecPayloadTypes"`
			PacketEventTypes           string  `json:"packetEventTypes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(response, &decoded))
	require.True(t, decoded.Accepted)
	require.Equal(t, "consumer-1", decoded.Data.ID)
	require.Equal(t, "video", decoded.Data.Kind)
	require.Equal(t, "simple", decoded.Data.Type)
	require.Equal(t, []uint8{101}, decoded.Data.SupportedCodecPayloadTypes)
	require.Equal(t, "", decoded.Data.PacketEventTypes)
}

// Producer close notifies uplink and the router exactly once.
func TestSimpleConsumerProducerClosed(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()

	h.consumer.ProducerClosed()
	require.Equal(t, 1, h.listener.producerClosed)
	require.Len(t, h.notes.byEvent("producerclose"), 1)

	h.consumer.ProducerClosed()
	require.Equal(t, 1, h.listener.producerClosed)

	// Closed producer gates the packet path.
	h.consumer.SendRtpPacket(makeExtPacket(2222, 1, 100, false))
	require.Empty(t, h.listener.sent)
}

// Unknown method ids reject with a generic error.
func TestSimpleConsumerUnknownMethod(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())

	var response []byte
	h.consumer.HandleRequest(channel.NewRequest(1, "consumer.bogus", "consumer-1", nil, func(body []byte) {
		response = body
	}))
	require.Contains(t, string(response), `"error":"Error"`)
}

// Audio consumers never request key frames.
func TestSimpleConsumerAudioNoKeyFrameRequest(t *testing.T) {
	h := newSimpleConsumerHarness(t, audioConsumerData())
	h.consumer.TransportConnected()
	require.Empty(t, h.listener.keyFrameRequests)

	h.consumer.ReceiveKeyFrameRequest(KeyFrameRequestPli, 1111)
	require.Empty(t, h.listener.keyFrameRequests)
}
