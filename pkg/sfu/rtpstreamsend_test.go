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
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/sfu/pkg/logger"
)

type fakeStreamListener struct {
	scores        []uint8
	retransmitted []*rtp.Packet
}

func (l *fakeStreamListener) OnRtpStreamScore(_ *RtpStreamSend, score uint8, _ uint8) {
	l.scores = append(l.scores, score)
}

func (l *fakeStreamListener) OnRtpStreamRetransmitRtpPacket(_ *RtpStreamSend, packet *rtp.Packet) {
	l.retransmitted = append(l.retransmitted, packet)
}

func newTestStream(listener *fakeStreamListener, bufferSize int) *RtpStreamSend {
	return NewRtpStreamSend(listener, RtpStreamParams{
		Ssrc:        1111,
		PayloadType: 101,
		MimeType:    webrtc.MimeTypeVP8,
		ClockRate:   90000,
		Cname:       "stream-cname",
		UseNack:     bufferSize > 0,
	}, bufferSize, logger.GetLogger())
}

func makeStreamPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           1111,
			PayloadType:    101,
			SequenceNumber: seq,
			Timestamp:      ts,
		},
		Payload: []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func TestRtpStreamSendRejectsDuplicate(t *testing.T) {
	s := newTestStream(&fakeStreamListener{}, 64)

	now := int64(10_000)
	require.True(t, s.ReceivePacket(makeStreamPacket(100, 1000), now))
	require.False(t, s.ReceivePacket(makeStreamPacket(100, 1000), now))
	// Same slot, different sequence number: overwrite the oldest.
	require.True(t, s.ReceivePacket(makeStreamPacket(164, 2000), now))
}

func TestRtpStreamSendNackRetransmits(t *testing.T) {
	listener := &fakeStreamListener{}
	s := newTestStream(listener, 64)

	now := int64(10_000)
	for seq := uint16(100); seq < 110; seq++ {
		require.True(t, s.ReceivePacket(makeStreamPacket(seq, uint32(seq)*3000), now))
	}

	nack := &rtcp.TransportLayerNack{
		Nacks: []rtcp.NackPair{{PacketID: 103, LostPackets: 0b1}}, // 103 and 104
	}
	s.ReceiveNack(nack, now+50)

	require.Len(t, listener.retransmitted, 2)
	require.Equal(t, uint16(103), listener.retransmitted[0].SequenceNumber)
	require.Equal(t, uint16(104), listener.retransmitted[1].SequenceNumber)
	require.Equal(t, uint32(1111), listener.retransmitted[0].SSRC)

	// A NACK for something never stored yields nothing.
	s.ReceiveNack(&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 5000}}}, now+60)
	require.Len(t, listener.retransmitted, 2)
}

func TestRtpStreamSendNackThrottledWithinRtt(t *testing.T) {
	listener := &fakeStreamListener{}
	s := newTestStream(listener, 64)

	now := int64(10_000)
	require.True(t, s.ReceivePacket(makeStreamPacket(42, 1234), now))

	nack := &rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 42}}}
	s.ReceiveNack(nack, now+10)
	require.Len(t, listener.retransmitted, 1)

	// Again within the RTT window: the first retransmission is still in
	// flight.
	s.ReceiveNack(nack, now+20)
	require.Len(t, listener.retransmitted, 1)

	s.ReceiveNack(nack, now+10+defaultRttMs+1)
	require.Len(t, listener.retransmitted, 2)
}

func TestRtpStreamSendRtxEncoding(t *testing.T) {
	listener := &fakeStreamListener{}
	s := newTestStream(listener, 64)
	s.SetRtx(102, 2222)

	now := int64(10_000)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	require.True(t, s.ReceivePacket(makeStreamPacket(300, 9000), now))

	s.ReceiveNack(&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 300}}}, now+10)
	require.Len(t, listener.retransmitted, 1)

	rtx := listener.retransmitted[0]
	require.Equal(t, uint32(2222), rtx.SSRC)
	require.Equal(t, uint8(102), rtx.PayloadType)
	require.Equal(t, uint16(1), rtx.SequenceNumber)
	// OSN leads the payload per RFC 4588.
	require.Equal(t, []byte{0x01, 0x2c}, rtx.Payload[:2])
	require.Equal(t, payload, rtx.Payload[2:])
}

func TestRtpStreamSendSenderReport(t *testing.T) {
	s := newTestStream(&fakeStreamListener{}, 0)

	require.Nil(t, s.GetRtcpSenderReport(10_000))

	now := int64(10_000)
	pkt := makeStreamPacket(1, 90000)
	require.True(t, s.ReceivePacket(pkt, now))

	report := s.GetRtcpSenderReport(now + 1000)
	require.NotNil(t, report)
	require.Equal(t, uint32(1111), report.SSRC)
	require.Equal(t, uint32(1), report.PacketCount)
	require.Equal(t, uint32(pkt.MarshalSize()), report.OctetCount)
	// One second elapsed at 90 kHz.
	require.Equal(t, uint32(90000+90000), report.RTPTime)
	require.NotZero(t, report.NTPTime)
}

func TestRtpStreamSendSdesChunk(t *testing.T) {
	s := newTestStream(&fakeStreamListener{}, 0)

	chunk := s.GetRtcpSdesChunk()
	require.Equal(t, uint32(1111), chunk.Source)
	require.Len(t, chunk.Items, 1)
	require.Equal(t, rtcp.SDESCNAME, chunk.Items[0].Type)
	require.Equal(t, "stream-cname", chunk.Items[0].Text)
}

func TestRtpStreamSendReceiverReportRtt(t *testing.T) {
	s := newTestStream(&fakeStreamListener{}, 0)

	now := time.UnixMilli(50_000)
	lsrTime := now.Add(-300 * time.Millisecond)
	lsr := uint32(toCompactNtp(lsrTime))
	// DLSR of 100 ms in 1/65536 s units.
	dlsr := uint32(100 * 65536 / 1000)

	s.ReceiveRtcpReceiverReport(&rtcp.ReceptionReport{
		FractionLost:     25,
		TotalLost:        7,
		LastSenderReport: lsr,
		Delay:            dlsr,
	}, now.UnixMilli(), now)

	require.Equal(t, uint8(25), s.GetFractionLost())
	// 300 ms since the SR minus 100 ms hold time at the receiver.
	require.InDelta(t, 200.0, s.GetRtt(), 2.0)
}

func TestRtpStreamSendRttClampedToFloor(t *testing.T) {
	s := newTestStream(&fakeStreamListener{}, 0)

	now := time.UnixMilli(50_000)
	lsr := uint32(toCompactNtp(now)) // zero elapsed
	s.ReceiveRtcpReceiverReport(&rtcp.ReceptionReport{
		LastSenderReport: lsr,
		Delay:            0,
	}, now.UnixMilli(), now)

	require.GreaterOrEqual(t, s.GetRtt(), 1.0)
}

func TestRtpStreamSendPauseClearsBuffer(t *testing.T) {
	listener := &fakeStreamListener{}
	s := newTestStream(listener, 64)

	now := int64(10_000)
	require.True(t, s.ReceivePacket(makeStreamPacket(10, 100), now))
	s.Pause()
	require.True(t, s.IsPaused())

	s.ReceiveNack(&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 10}}}, now+10)
	require.Empty(t, listener.retransmitted)

	s.Resume()
	require.False(t, s.IsPaused())
}

func TestRtpStreamSendScoreDegradesWithLoss(t *testing.T) {
	listener := &fakeStreamListener{}
	s := newTestStream(listener, 0)

	now := int64(10_000)
	for seq := uint16(0); seq < 100; seq++ {
		require.True(t, s.ReceivePacket(makeStreamPacket(seq, uint32(seq)), now))
	}

	at := time.UnixMilli(now)
	s.ReceiveRtcpReceiverReport(&rtcp.ReceptionReport{}, now, at)
	require.Equal(t, uint8(10), s.GetScore())
	require.Len(t, listener.scores, 1)

	for seq := uint16(100); seq < 200; seq++ {
		require.True(t, s.ReceivePacket(makeStreamPacket(seq, uint32(seq)), now+100))
	}
	s.ReceiveRtcpReceiverReport(&rtcp.ReceptionReport{TotalLost: 50, FractionLost: 128}, now+200, time.UnixMilli(now+200))
	require.Less(t, s.GetScore(), uint8(10))
	require.Len(t, listener.scores, 2)
}
