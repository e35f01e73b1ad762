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

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/channel"
)

// SvcConsumer forwards a single scalable stream (e.g. L3T3) and selects
// spatial/temporal layers within it by dropping upper-layer packets.
// Unlike simulcast there is one producer stream and one sequence space;
// spatial upgrades still wait for a key frame.
type SvcConsumer struct {
	ConsumerBase

	rtpSeqManager SeqManager
	rtpStream     *RtpStreamSend
	rtpStreams    []*RtpStreamSend

	producerRtpStream ProducerStream

	spatialLayers  int16
	temporalLayers int16

	preferredSpatialLayer  int16
	preferredTemporalLayer int16
	targetSpatialLayer     int16
	targetTemporalLayer    int16
	currentSpatialLayer    int16
	currentTemporalLayer   int16

	provisionalSpatialLayer  int16
	provisionalTemporalLayer int16

	syncRequired bool

	bufferSize int
}

type SvcConsumerParams struct {
	ConsumerBaseParams

	RetransmissionBufferSize int
}

func NewSvcConsumer(params SvcConsumerParams) (*SvcConsumer, error) {
	params.Type = ConsumerTypeSVC
	base, err := newConsumerBase(params.ConsumerBaseParams)
	if err != nil {
		return nil, err
	}

	if len(base.consumableRtpEncodings) != 1 {
		return nil, channel.NewTypeError("invalid consumableRtpEncodings with size != 1")
	}
	encoding := base.consumableRtpEncodings[0]
	if encoding.SpatialLayers() < 2 && encoding.TemporalLayers() < 2 {
		return nil, channel.NewTypeError("consumableRtpEncodings[0] is not scalable")
	}

	c := &SvcConsumer{
		ConsumerBase:             base,
		spatialLayers:            int16(encoding.SpatialLayers()),
		temporalLayers:           int16(encoding.TemporalLayers()),
		targetSpatialLayer:       -1,
		targetTemporalLayer:      -1,
		currentSpatialLayer:      -1,
		currentTemporalLayer:     -1,
		provisionalSpatialLayer:  -1,
		provisionalTemporalLayer: -1,
		bufferSize:               params.RetransmissionBufferSize,
	}
	c.preferredSpatialLayer = c.spatialLayers - 1
	c.preferredTemporalLayer = c.temporalLayers - 1
	if c.bufferSize == 0 {
		c.bufferSize = RetransmissionBufferSize
	}
	c.attach(c, c)

	if err := c.createRtpStream(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *SvcConsumer) createRtpStream() error {
	encoding := c.rtpParameters.Encodings[0]
	mediaCodec := c.rtpParameters.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return channel.NewTypeError("no media codec in rtpParameters.codecs")
	}

	params := RtpStreamParams{
		Ssrc:        encoding.Ssrc,
		PayloadType: mediaCodec.PayloadType,
		MimeType:    mediaCodec.MimeType,
		ClockRate:   mediaCodec.ClockRate,
		Cname:       c.rtpParameters.Rtcp.Cname,
	}
	for _, fb := range mediaCodec.RtcpFeedback {
		switch {
		case !params.UseNack && fb.Type == "nack" && fb.Parameter == "":
			params.UseNack = true
		case !params.UsePli && fb.Type == "nack" && fb.Parameter == "pli":
			params.UsePli = true
		case !params.UseFir && fb.Type == "ccm" && fb.Parameter == "fir":
			params.UseFir = true
		}
	}

	bufferSize := 0
	if params.UseNack {
		bufferSize = c.bufferSize
	}

	c.rtpStream = NewRtpStreamSend(c, params, bufferSize, c.logger)
	c.rtpStreams = []*RtpStreamSend{c.rtpStream}

	if c.IsPaused() || c.IsProducerPaused() {
		c.rtpStream.Pause()
	}

	if rtxCodec := c.rtpParameters.GetRtxCodecForEncoding(encoding); rtxCodec != nil && encoding.Rtx != nil {
		c.rtpStream.SetRtx(rtxCodec.PayloadType, encoding.Rtx.Ssrc)
	}

	return nil
}

func (c *SvcConsumer) HandleRequest(req *channel.Request) {
	switch req.Method {
	case channel.MethodConsumerRequestKeyFrame:
		if c.IsActive() {
			c.requestKeyFrame()
		}
		req.Accept(nil)

	case channel.MethodConsumerSetPreferredLayers:
		var body setPreferredLayersBody
		if err := json.Unmarshal(req.Data, &body); err != nil {
			req.Reject(channel.NewTypeError("malformed data: %v", err))
			return
		}
		if body.SpatialLayer == nil {
			req.Reject(channel.NewTypeError("missing spatialLayer"))
			return
		}

		c.preferredSpatialLayer = clampLayer(*body.SpatialLayer, c.spatialLayers-1)
		if body.TemporalLayer != nil {
			c.preferredTemporalLayer = clampLayer(*body.TemporalLayer, c.temporalLayers-1)
		}

		if c.externallyManagedBitrate {
			c.listener.OnConsumerNeedBitrateChange(c.self)
		} else {
			c.updateTargetLayers(c.preferredSpatialLayer, c.preferredTemporalLayer)
		}
		req.Accept(map[string]int16{
			"spatialLayer":  c.preferredSpatialLayer,
			"temporalLayer": c.preferredTemporalLayer,
		})

	default:
		c.ConsumerBase.HandleRequest(req)
	}
}

func (c *SvcConsumer) HasProducerStream() bool {
	return c.producerRtpStream != nil
}

func (c *SvcConsumer) ProducerRtpStream(stream ProducerStream, _ uint32) {
	c.producerRtpStream = stream
	c.emitScore()
}

func (c *SvcConsumer) ProducerNewRtpStream(stream ProducerStream, _ uint32) {
	c.producerRtpStream = stream
	c.emitScore()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedBitrateChange(c.self)
	}
}

func (c *SvcConsumer) ProducerRtpStreamScore(ProducerStream, uint8, uint8) {
	c.emitScore()

	if c.externallyManagedBitrate && c.IsActive() {
		c.listener.OnConsumerNeedBitrateChange(c.self)
	}
}

func (c *SvcConsumer) ProducerRtcpSenderReport(ProducerStream, bool) {
}

// layerBitrate apportions the scalable stream's measured bitrate across
// its layer grid. Each spatial step dominates; temporal steps shave the
// remainder.
func (c *SvcConsumer) layerBitrate(spatial int16, temporal int16, nowMs int64) uint32 {
	if c.producerRtpStream == nil || spatial < 0 {
		return 0
	}

	full := c.producerRtpStream.GetBitrate(nowMs)
	bitrate := full
	for s := c.spatialLayers - 1; s > spatial; s-- {
		bitrate = bitrate * 2 / 5
	}
	for t := c.temporalLayers - 1; t > temporal && t > 0; t-- {
		bitrate = bitrate * 2 / 3
	}
	return bitrate
}

func (c *SvcConsumer) GetBitratePriority() uint16 {
	if !c.IsActive() {
		return 0
	}

	distance := c.preferredSpatialLayer - c.currentSpatialLayer
	if distance < 0 {
		distance = 0
	}
	return uint16(distance) + 1
}

func (c *SvcConsumer) UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32 {
	if !c.IsActive() {
		return 0
	}

	nowMs := c.nowMs()
	virtualBitrate := bitrate
	if considerLoss {
		fractionLost := c.rtpStream.GetFractionLost()
		virtualBitrate = uint32(uint64(bitrate) * uint64(256-uint32(fractionLost)) / 256)
	}

	bestSpatial := int16(-1)
	bestTemporal := int16(-1)
	var usedBitrate uint32

	for spatial := int16(0); spatial <= c.preferredSpatialLayer; spatial++ {
		for temporal := int16(0); temporal <= c.preferredTemporalLayer; temporal++ {
			required := c.layerBitrate(spatial, temporal, nowMs)
			if required == 0 || required > virtualBitrate {
				continue
			}
			bestSpatial = spatial
			bestTemporal = temporal
			usedBitrate = required
		}
	}

	c.provisionalSpatialLayer = bestSpatial
	c.provisionalTemporalLayer = bestTemporal
	return usedBitrate
}

func (c *SvcConsumer) IncreaseLayer(bitrate uint32, _ bool) uint32 {
	if !c.IsActive() {
		return 0
	}

	nowMs := c.nowMs()
	spatial := c.provisionalSpatialLayer
	temporal := c.provisionalTemporalLayer
	base := c.layerBitrate(spatial, temporal, nowMs)

	if spatial >= 0 && temporal < c.preferredTemporalLayer {
		required := c.layerBitrate(spatial, temporal+1, nowMs)
		if required > base && required-base <= bitrate {
			c.provisionalTemporalLayer = temporal + 1
			return required - base
		}
		return 0
	}

	if spatial >= c.preferredSpatialLayer {
		return 0
	}
	required := c.layerBitrate(spatial+1, 0, nowMs)
	if required == 0 || required < base || required-base > bitrate {
		return 0
	}
	c.provisionalSpatialLayer = spatial + 1
	c.provisionalTemporalLayer = 0
	return required - base
}

func (c *SvcConsumer) ApplyLayers() {
	spatial := c.provisionalSpatialLayer
	temporal := c.provisionalTemporalLayer
	c.provisionalSpatialLayer = -1
	c.provisionalTemporalLayer = -1

	if !c.IsActive() {
		return
	}
	c.updateTargetLayers(spatial, temporal)
}

func (c *SvcConsumer) GetDesiredBitrate() uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.layerBitrate(c.preferredSpatialLayer, c.preferredTemporalLayer, c.nowMs())
}

func (c *SvcConsumer) updateTargetLayers(spatial int16, temporal int16) {
	if spatial == c.targetSpatialLayer && temporal == c.targetTemporalLayer {
		return
	}

	upgrade := spatial > c.currentSpatialLayer
	c.targetSpatialLayer = spatial
	c.targetTemporalLayer = temporal

	if spatial < 0 {
		c.currentSpatialLayer = -1
		c.currentTemporalLayer = -1
		c.emitLayersChange()
		return
	}

	// Spatial upgrades inside one scalable stream need a key frame; the
	// upper layer packets are undecodable without one.
	if upgrade && c.IsActive() {
		c.syncRequired = true
		c.requestKeyFrame()
	}
}

func (c *SvcConsumer) GetRtpStreams() []*RtpStreamSend {
	return c.rtpStreams
}

func (c *SvcConsumer) SendRtpPacket(packet *ExtPacket) {
	if !c.IsActive() {
		return
	}

	payloadType := packet.Packet.PayloadType
	if _, ok := c.supportedCodecPayloadTypes[payloadType]; !ok {
		c.logger.Debugw("payload type not supported", "payloadType", payloadType)
		return
	}

	if c.targetSpatialLayer < 0 {
		return
	}

	// Layer filtering within the scalable stream.
	if packet.SpatialLayer >= 0 && int16(packet.SpatialLayer) > c.targetSpatialLayer {
		return
	}
	if packet.TemporalLayer >= 0 && int16(packet.TemporalLayer) > c.targetTemporalLayer {
		return
	}

	if c.syncRequired && !packet.KeyFrame {
		return
	}
	isSyncPacket := c.syncRequired
	if isSyncPacket {
		c.rtpSeqManager.Sync(packet.Packet.SequenceNumber - 1)
		c.syncRequired = false
	}

	if c.currentSpatialLayer != c.targetSpatialLayer || c.currentTemporalLayer != c.targetTemporalLayer {
		if packet.KeyFrame || c.currentSpatialLayer == c.targetSpatialLayer {
			c.currentSpatialLayer = c.targetSpatialLayer
			c.currentTemporalLayer = c.targetTemporalLayer
			c.emitLayersChange()
		}
	}

	seq := c.rtpSeqManager.Input(packet.Packet.SequenceNumber)

	origSsrc := packet.Packet.SSRC
	origSeq := packet.Packet.SequenceNumber

	packet.Packet.SSRC = c.rtpParameters.Encodings[0].Ssrc
	packet.Packet.SequenceNumber = seq

	if c.rtpStream.ReceivePacket(packet.Packet, c.nowMs()) {
		c.listener.OnConsumerSendRtpPacket(c, packet.Packet)
		c.emitPacketEventRtpType(packet.Packet, false)
	} else {
		c.logger.Warnw("failed to send packet", nil,
			"ssrc", packet.Packet.SSRC, "seq", packet.Packet.SequenceNumber)
	}

	packet.Packet.SSRC = origSsrc
	packet.Packet.SequenceNumber = origSeq
}

func (c *SvcConsumer) emitLayersChange() {
	data := map[string]interface{}{}
	if c.currentSpatialLayer < 0 {
		data["spatialLayer"] = nil
	} else {
		data["spatialLayer"] = c.currentSpatialLayer
		data["temporalLayer"] = c.currentTemporalLayer
	}
	c.notifier.Emit(c.id, "layerschange", data)
}

func (c *SvcConsumer) GetRtcp(packet *CompoundPacket, stream *RtpStreamSend, nowMs int64) {
	assert(stream == c.rtpStream, "RTP stream does not match")

	if float64(nowMs-c.lastRtcpSentTime)*1.15 < float64(c.maxRtcpInterval) {
		return
	}

	report := c.rtpStream.GetRtcpSenderReport(nowMs)
	if report == nil {
		return
	}

	packet.AddSenderReport(report)
	packet.AddSdesChunk(c.rtpStream.GetRtcpSdesChunk())

	c.lastRtcpSentTime = nowMs
}

func (c *SvcConsumer) NeedWorstRemoteFractionLost(_ uint32, worstRemoteFractionLost *uint8) {
	if !c.IsActive() {
		return
	}

	if fractionLost := c.rtpStream.GetFractionLost(); fractionLost > *worstRemoteFractionLost {
		*worstRemoteFractionLost = fractionLost
	}
}

func (c *SvcConsumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}

	c.emitPacketEventNackType()
	c.rtpStream.ReceiveNack(nack, c.nowMs())
}

func (c *SvcConsumer) ReceiveKeyFrameRequest(messageType KeyFrameRequestType, ssrc uint32) {
	switch messageType {
	case KeyFrameRequestPli:
		c.emitPacketEventPliType(ssrc)
	case KeyFrameRequestFir:
		c.emitPacketEventFirType(ssrc)
	}

	c.rtpStream.ReceiveKeyFrameRequest(messageType)

	if c.IsActive() {
		c.requestKeyFrame()
	}
}

func (c *SvcConsumer) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport) {
	c.rtpStream.ReceiveRtcpReceiverReport(report, c.nowMs(), c.clock.Now())
}

func (c *SvcConsumer) GetTransmissionRate(nowMs int64) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.rtpStream.GetBitrate(nowMs)
}

func (c *SvcConsumer) GetRtt() float64 {
	return c.rtpStream.GetRtt()
}

func (c *SvcConsumer) UserOnTransportConnected() {
	c.syncRequired = true

	if c.IsActive() {
		c.requestKeyFrame()
		if c.externallyManagedBitrate {
			c.listener.OnConsumerNeedBitrateChange(c.self)
		}
	}
}

func (c *SvcConsumer) UserOnTransportDisconnected() {
	c.rtpStream.Pause()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedZeroBitrate(c.self)
	}
}

func (c *SvcConsumer) UserOnPaused() {
	c.rtpStream.Pause()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedZeroBitrate(c.self)
	}
}

func (c *SvcConsumer) UserOnResumed() {
	c.syncRequired = true
	c.rtpStream.Resume()

	if c.IsActive() {
		if c.externallyManagedBitrate {
			c.listener.OnConsumerNeedBitrateChange(c.self)
		} else {
			c.updateTargetLayers(c.preferredSpatialLayer, c.preferredTemporalLayer)
		}
		c.requestKeyFrame()
	}
}

func (c *SvcConsumer) requestKeyFrame() {
	if c.kind != MediaKindVideo {
		return
	}
	c.listener.OnConsumerKeyFrameRequested(c.self, c.consumableRtpEncodings[0].Ssrc)
}

// SvcConsumerDump extends the shared dump with the layer state.
type SvcConsumerDump struct {
	ConsumerDump
	RtpStream              RtpStreamDump `json:"rtpStream"`
	SpatialLayers          int16         `json:"spatialLayers"`
	TemporalLayers         int16         `json:"temporalLayers"`
	PreferredSpatialLayer  int16         `json:"preferredSpatialLayer"`
	PreferredTemporalLayer int16         `json:"preferredTemporalLayer"`
	TargetSpatialLayer     int16         `json:"targetSpatialLayer"`
	TargetTemporalLayer    int16         `json:"targetTemporalLayer"`
	CurrentSpatialLayer    int16         `json:"currentSpatialLayer"`
	CurrentTemporalLayer   int16         `json:"currentTemporalLayer"`
}

func (c *SvcConsumer) Dump() interface{} {
	return SvcConsumerDump{
		ConsumerDump:           c.dumpBase(),
		RtpStream:              c.rtpStream.Dump(),
		SpatialLayers:          c.spatialLayers,
		TemporalLayers:         c.temporalLayers,
		PreferredSpatialLayer:  c.preferredSpatialLayer,
		PreferredTemporalLayer: c.preferredTemporalLayer,
		TargetSpatialLayer:     c.targetSpatialLayer,
		TargetTemporalLayer:    c.targetTemporalLayer,
		CurrentSpatialLayer:    c.currentSpatialLayer,
		CurrentTemporalLayer:   c.currentTemporalLayer,
	}
}

func (c *SvcConsumer) Stats(nowMs int64) []StatsRecord {
	stats := []StatsRecord{c.rtpStream.FillStats(nowMs)}
	if c.producerRtpStream != nil {
		stats = append(stats, c.producerRtpStream.FillStats(nowMs))
	}
	return stats
}

func (c *SvcConsumer) fillScore() ScoreData {
	score := ScoreData{Score: c.rtpStream.GetScore()}
	if c.producerRtpStream != nil {
		score.ProducerScore = c.producerRtpStream.GetScore()
	}
	return score
}

func (c *SvcConsumer) emitScore() {
	c.notifier.Emit(c.id, "score", c.fillScore())
}

func (c *SvcConsumer) OnRtpStreamScore(*RtpStreamSend, uint8, uint8) {
	c.emitScore()
}

func (c *SvcConsumer) OnRtpStreamRetransmitRtpPacket(_ *RtpStreamSend, packet *rtp.Packet) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet)
	c.emitPacketEventRtpType(packet, c.rtpStream.HasRtx())
}
