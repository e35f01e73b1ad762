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

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/lumastream/sfu/pkg/channel"
	"github.com/lumastream/sfu/pkg/logger"
)

func svcConsumerData() *ConsumerData {
	return &ConsumerData{
		Kind: "video",
		RtpParameters: &RtpParameters{
			Codecs: []*RtpCodecParameters{{
				MimeType:    webrtc.MimeTypeVP9,
				PayloadType: 101,
				ClockRate:   90000,
				RtcpFeedback: []RtcpFeedback{
					{Type: "nack"},
					{Type: "nack", Parameter: "pli"},
				},
			}},
			Encodings: []*RtpEncodingParameters{{Ssrc: 7777}},
			Rtcp:      RtcpParameters{Cname: "svc-cname"},
		},
		ConsumableRtpEncodings: []*RtpEncodingParameters{
			{Ssrc: 600, ScalabilityMode: "L3T3"},
		},
	}
}

func newSvcHarness(t *testing.T) (*SvcConsumer, *fakeConsumerListener, *fakeClock) {
	t.Helper()

	listener := &fakeConsumerListener{}
	clock := &fakeClock{ms: 1_000_000}

	consumer, err := NewSvcConsumer(SvcConsumerParams{
		ConsumerBaseParams: ConsumerBaseParams{
			ID:       "consumer-svc",
			Data:     svcConsumerData(),
			Listener: listener,
			Notifier: channel.NewNotifier(func([]byte) {}, logger.GetLogger()),
			Clock:    clock,
			Logger:   logger.GetLogger(),
		},
	})
	require.NoError(t, err)

	consumer.ProducerRtpStream(&bitrateProducerStream{ssrc: 600, score: 10, bitrate: 2_000_000}, 600)
	consumer.TransportConnected()
	return consumer, listener, clock
}

func TestSvcConsumerRejectsNonScalable(t *testing.T) {
	data := svcConsumerData()
	data.ConsumableRtpEncodings[0].ScalabilityMode = ""

	_, err := NewSvcConsumer(SvcConsumerParams{
		ConsumerBaseParams: ConsumerBaseParams{
			ID:       "consumer-bad",
			Data:     data,
			Listener: &fakeConsumerListener{},
			Notifier: channel.NewNotifier(func([]byte) {}, logger.GetLogger()),
			Clock:    &fakeClock{},
			Logger:   logger.GetLogger(),
		},
	})
	require.Error(t, err)
}

func TestSvcConsumerLayerFiltering(t *testing.T) {
	consumer, listener, _ := newSvcHarness(t)

	consumer.UseAvailableBitrate(3_000_000, false)
	consumer.ApplyLayers()
	require.Equal(t, int16(2), consumer.targetSpatialLayer)
	require.Equal(t, int16(2), consumer.targetTemporalLayer)

	// First packet must be a key frame after transport connect.
	pkt := makeLayerPacket(600, 10, false, 0)
	pkt.SpatialLayer = 0
	consumer.SendRtpPacket(pkt)
	require.Empty(t, listener.sent)

	key := makeLayerPacket(600, 11, true, 0)
	key.SpatialLayer = 0
	consumer.SendRtpPacket(key)
	require.Len(t, listener.sent, 1)
	require.Equal(t, uint32(7777), listener.sent[0].ssrc)

	next := makeLayerPacket(600, 12, false, 1)
	next.SpatialLayer = 1
	consumer.SendRtpPacket(next)
	require.Len(t, listener.sent, 2)
	require.Equal(t, listener.sent[0].seq+1, listener.sent[1].seq)
}

func TestSvcConsumerDropsLayersAboveTarget(t *testing.T) {
	consumer, listener, _ := newSvcHarness(t)

	// Budget for the bottom spatial layer at its base temporal rate only.
	consumer.UseAvailableBitrate(150_000, false)
	consumer.ApplyLayers()
	require.Equal(t, int16(0), consumer.targetSpatialLayer)

	key := makeLayerPacket(600, 20, true, 0)
	key.SpatialLayer = 0
	consumer.SendRtpPacket(key)
	require.Len(t, listener.sent, 1)

	// Upper spatial layer packets are dropped.
	upper := makeLayerPacket(600, 21, false, 0)
	upper.SpatialLayer = 1
	consumer.SendRtpPacket(upper)
	require.Len(t, listener.sent, 1)

	// Upper temporal layers too.
	t2 := makeLayerPacket(600, 22, false, 2)
	t2.SpatialLayer = 0
	consumer.SendRtpPacket(t2)
	require.Len(t, listener.sent, 1)
}

func TestSvcConsumerUpgradeRequestsKeyFrame(t *testing.T) {
	consumer, listener, _ := newSvcHarness(t)

	consumer.UseAvailableBitrate(350_000, false)
	consumer.ApplyLayers()
	require.Equal(t, int16(0), consumer.targetSpatialLayer)
	baseline := len(listener.keyFrameRequests)

	consumer.UseAvailableBitrate(3_000_000, false)
	consumer.ApplyLayers()
	require.Equal(t, int16(2), consumer.targetSpatialLayer)
	require.Greater(t, len(listener.keyFrameRequests), baseline)
	require.Contains(t, listener.keyFrameRequests, uint32(600))
}
