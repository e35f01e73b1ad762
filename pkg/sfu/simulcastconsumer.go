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

// SimulcastConsumer selects one of several producer streams (spatial
// layers) and a temporal layer within it, guided by the bandwidth arbiter.
// Layer switches land on key frames; until one arrives on the target
// stream the consumer keeps forwarding the current one.
type SimulcastConsumer struct {
	ConsumerBase

	rtpSeqManager SeqManager
	rtpStream     *RtpStreamSend
	rtpStreams    []*RtpStreamSend

	// Indexed by spatial layer, nil until the producer announces them.
	producerRtpStreams []ProducerStream

	preferredSpatialLayer  int16
	preferredTemporalLayer int16
	targetSpatialLayer     int16
	targetTemporalLayer    int16
	currentSpatialLayer    int16
	currentTemporalLayer   int16

	// Provisional layers accumulated by the arbiter between
	// UseAvailableBitrate/IncreaseLayer and ApplyLayers.
	provisionalSpatialLayer  int16
	provisionalTemporalLayer int16

	tsOffset          uint32
	highestSentTs     uint32
	syncRequired      bool
	keyFrameSupported bool

	bufferSize int
}

type SimulcastConsumerParams struct {
	ConsumerBaseParams

	RetransmissionBufferSize int
}

func NewSimulcastConsumer(params SimulcastConsumerParams) (*SimulcastConsumer, error) {
	params.Type = ConsumerTypeSimulcast
	base, err := newConsumerBase(params.ConsumerBaseParams)
	if err != nil {
		return nil, err
	}

	if len(base.consumableRtpEncodings) < 2 {
		return nil, channel.NewTypeError("invalid consumableRtpEncodings with size < 2")
	}
	if len(base.rtpParameters.Encodings) != 1 {
		return nil, channel.NewTypeError("invalid rtpParameters.encodings with size != 1")
	}

	c := &SimulcastConsumer{
		ConsumerBase:             base,
		producerRtpStreams:       make([]ProducerStream, len(base.consumableRtpEncodings)),
		preferredSpatialLayer:    int16(len(base.consumableRtpEncodings) - 1),
		preferredTemporalLayer:   -1,
		targetSpatialLayer:       -1,
		targetTemporalLayer:      -1,
		currentSpatialLayer:      -1,
		currentTemporalLayer:     -1,
		provisionalSpatialLayer:  -1,
		provisionalTemporalLayer: -1,
		bufferSize:               params.RetransmissionBufferSize,
	}
	if c.bufferSize == 0 {
		c.bufferSize = RetransmissionBufferSize
	}
	c.attach(c, c)

	encoding := c.rtpParameters.Encodings[0]
	mediaCodec := c.rtpParameters.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil, channel.NewTypeError("no media codec in rtpParameters.codecs")
	}
	c.keyFrameSupported = CanBeKeyFrame(mediaCodec.MimeType)
	if c.preferredTemporalLayer < 0 {
		c.preferredTemporalLayer = int16(c.consumableRtpEncodings[0].TemporalLayers() - 1)
	}

	if err := c.createRtpStream(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *SimulcastConsumer) createRtpStream() error {
	encoding := c.rtpParameters.Encodings[0]
	mediaCodec := c.rtpParameters.GetCodecForEncoding(encoding)

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

type setPreferredLayersBody struct {
	SpatialLayer  *int16 `json:"spatialLayer"`
	TemporalLayer *int16 `json:"temporalLayer"`
}

func (c *SimulcastConsumer) HandleRequest(req *channel.Request) {
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

		c.preferredSpatialLayer = clampLayer(*body.SpatialLayer, int16(len(c.producerRtpStreams)-1))
		if body.TemporalLayer != nil {
			c.preferredTemporalLayer = clampLayer(*body.TemporalLayer, int16(c.consumableRtpEncodings[0].TemporalLayers()-1))
		}
		c.logger.Debugw("preferred layers set",
			"spatialLayer", c.preferredSpatialLayer, "temporalLayer", c.preferredTemporalLayer)

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

func clampLayer(layer int16, maxLayer int16) int16 {
	if layer < 0 {
		return 0
	}
	if layer > maxLayer {
		return maxLayer
	}
	return layer
}

func (c *SimulcastConsumer) HasProducerStream() bool {
	for _, stream := range c.producerRtpStreams {
		if stream != nil {
			return true
		}
	}
	return false
}

func (c *SimulcastConsumer) spatialLayerForSsrc(ssrc uint32) int16 {
	for i, encoding := range c.consumableRtpEncodings {
		if encoding.Ssrc == ssrc {
			return int16(i)
		}
	}
	return -1
}

func (c *SimulcastConsumer) ProducerRtpStream(stream ProducerStream, mappedSsrc uint32) {
	if layer := c.spatialLayerForSsrc(mappedSsrc); layer >= 0 {
		c.producerRtpStreams[layer] = stream
	}
	c.emitScore()
}

// ProducerNewRtpStream differs from ProducerRtpStream here: a stream
// appearing mid-session can unlock a better target layer, so the arbiter
// is asked to re-divide.
func (c *SimulcastConsumer) ProducerNewRtpStream(stream ProducerStream, mappedSsrc uint32) {
	if layer := c.spatialLayerForSsrc(mappedSsrc); layer >= 0 {
		c.producerRtpStreams[layer] = stream
	}
	c.emitScore()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedBitrateChange(c.self)
	} else if c.IsActive() {
		c.updateTargetLayers(c.preferredSpatialLayer, c.preferredTemporalLayer)
	}
}

func (c *SimulcastConsumer) ProducerRtpStreamScore(ProducerStream, uint8, uint8) {
	c.emitScore()

	if c.externallyManagedBitrate && c.IsActive() {
		c.listener.OnConsumerNeedBitrateChange(c.self)
	}
}

func (c *SimulcastConsumer) ProducerRtcpSenderReport(ProducerStream, bool) {
}

// layerBitrate estimates the bitrate of (spatial, temporal): the stream's
// measured rate scaled down for partial temporal selection.
func (c *SimulcastConsumer) layerBitrate(spatial int16, temporal int16, nowMs int64) uint32 {
	if spatial < 0 || int(spatial) >= len(c.producerRtpStreams) {
		return 0
	}
	stream := c.producerRtpStreams[spatial]
	if stream == nil {
		return 0
	}

	bitrate := stream.GetBitrate(nowMs)
	temporalLayers := int16(c.consumableRtpEncodings[spatial].TemporalLayers())
	if temporalLayers > 1 && temporal >= 0 && temporal < temporalLayers-1 {
		// Each dropped temporal layer scales the rate by 2/3.
		for t := temporalLayers - 1; t > temporal; t-- {
			bitrate = bitrate * 2 / 3
		}
	}
	return bitrate
}

func (c *SimulcastConsumer) GetBitratePriority() uint16 {
	if !c.IsActive() {
		return 0
	}

	distance := c.preferredSpatialLayer - c.currentSpatialLayer
	if distance < 0 {
		distance = 0
	}
	return uint16(distance) + 1
}

// UseAvailableBitrate picks the best affordable layer pair below the
// preference, bottom-up, and returns the bitrate it reserves.
func (c *SimulcastConsumer) UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32 {
	if !c.IsActive() {
		return 0
	}

	nowMs := c.nowMs()
	virtualBitrate := c.adjustForLoss(bitrate, considerLoss)

	bestSpatial := int16(-1)
	bestTemporal := int16(-1)
	var usedBitrate uint32

	for spatial := int16(0); spatial <= c.preferredSpatialLayer && int(spatial) < len(c.producerRtpStreams); spatial++ {
		stream := c.producerRtpStreams[spatial]
		if stream == nil || stream.GetScore() < 7 {
			continue
		}

		temporalLayers := int16(c.consumableRtpEncodings[spatial].TemporalLayers())
		maxTemporal := temporalLayers - 1
		if c.preferredTemporalLayer >= 0 && c.preferredTemporalLayer < maxTemporal {
			maxTemporal = c.preferredTemporalLayer
		}

		for temporal := int16(0); temporal <= maxTemporal; temporal++ {
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

// IncreaseLayer tries one step above the provisional target within the
// given extra bitrate; returns the extra bitrate it reserves.
func (c *SimulcastConsumer) IncreaseLayer(bitrate uint32, considerLoss bool) uint32 {
	if !c.IsActive() {
		return 0
	}

	nowMs := c.nowMs()
	virtualBitrate := c.adjustForLoss(bitrate, considerLoss)

	spatial := c.provisionalSpatialLayer
	temporal := c.provisionalTemporalLayer

	base := c.layerBitrate(spatial, temporal, nowMs)

	// Temporal step first, spatial step next.
	if spatial >= 0 {
		temporalLayers := int16(c.consumableRtpEncodings[spatial].TemporalLayers())
		maxTemporal := temporalLayers - 1
		if c.preferredTemporalLayer >= 0 && c.preferredTemporalLayer < maxTemporal {
			maxTemporal = c.preferredTemporalLayer
		}
		if temporal < maxTemporal {
			required := c.layerBitrate(spatial, temporal+1, nowMs)
			if required > base && required-base <= virtualBitrate {
				c.provisionalTemporalLayer = temporal + 1
				return required - base
			}
			return 0
		}
	}

	nextSpatial := spatial + 1
	if nextSpatial > c.preferredSpatialLayer || int(nextSpatial) >= len(c.producerRtpStreams) {
		return 0
	}
	stream := c.producerRtpStreams[nextSpatial]
	if stream == nil || stream.GetScore() < 7 {
		return 0
	}

	required := c.layerBitrate(nextSpatial, 0, nowMs)
	if required == 0 || required < base || required-base > virtualBitrate {
		return 0
	}
	c.provisionalSpatialLayer = nextSpatial
	c.provisionalTemporalLayer = 0
	return required - base
}

// ApplyLayers commits the provisional target computed by the arbiter.
func (c *SimulcastConsumer) ApplyLayers() {
	spatial := c.provisionalSpatialLayer
	temporal := c.provisionalTemporalLayer
	c.provisionalSpatialLayer = -1
	c.provisionalTemporalLayer = -1

	if !c.IsActive() {
		return
	}
	c.updateTargetLayers(spatial, temporal)
}

func (c *SimulcastConsumer) GetDesiredBitrate() uint32 {
	if !c.IsActive() {
		return 0
	}

	nowMs := c.nowMs()
	var desired uint32
	for spatial := int16(0); spatial <= c.preferredSpatialLayer && int(spatial) < len(c.producerRtpStreams); spatial++ {
		if bitrate := c.layerBitrate(spatial, c.preferredTemporalLayer, nowMs); bitrate > desired {
			desired = bitrate
		}
	}
	return desired
}

func (c *SimulcastConsumer) adjustForLoss(bitrate uint32, considerLoss bool) uint32 {
	if !considerLoss {
		return bitrate
	}

	// Shrink the budget by the observed loss so a lossy channel converges
	// down instead of oscillating.
	fractionLost := c.rtpStream.GetFractionLost()
	return uint32(uint64(bitrate) * uint64(256-uint32(fractionLost)) / 256)
}

// updateTargetLayers commits a new target pair and kicks off the key frame
// handshake when the spatial layer moves.
func (c *SimulcastConsumer) updateTargetLayers(spatial int16, temporal int16) {
	if spatial == c.targetSpatialLayer && temporal == c.targetTemporalLayer {
		return
	}

	c.targetSpatialLayer = spatial
	c.targetTemporalLayer = temporal
	c.logger.Debugw("target layers updated",
		"spatialLayer", spatial, "temporalLayer", temporal,
		"currentSpatialLayer", c.currentSpatialLayer)

	if spatial < 0 {
		// Nothing affordable: the stream pauses until the arbiter grants
		// more.
		c.currentSpatialLayer = -1
		c.currentTemporalLayer = -1
		c.emitLayersChange()
		return
	}

	if spatial != c.currentSpatialLayer && c.IsActive() {
		c.requestKeyFrameForLayer(spatial)
	}
}

func (c *SimulcastConsumer) GetRtpStreams() []*RtpStreamSend {
	return c.rtpStreams
}

// SendRtpPacket admits packets of the current spatial layer, switches to
// the target layer on its first key frame, and filters temporal layers
// above the target.
func (c *SimulcastConsumer) SendRtpPacket(packet *ExtPacket) {
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

	packetLayer := c.spatialLayerForSsrc(packet.Packet.SSRC)
	if packetLayer < 0 {
		return
	}

	shouldSwitch := false
	if packetLayer == c.targetSpatialLayer && packetLayer != c.currentSpatialLayer {
		// Spatial transitions ride key frames.
		if c.keyFrameSupported && !packet.KeyFrame {
			return
		}
		shouldSwitch = true
	} else if packetLayer != c.currentSpatialLayer {
		return
	}

	if shouldSwitch {
		c.switchToLayer(packet)
	}

	// Temporal filtering within the current stream.
	if packet.TemporalLayer >= 0 && c.targetTemporalLayer >= 0 &&
		int16(packet.TemporalLayer) > c.targetTemporalLayer {
		return
	}
	if c.currentTemporalLayer != c.targetTemporalLayer {
		c.currentTemporalLayer = c.targetTemporalLayer
		c.emitLayersChange()
	}

	if c.syncRequired && c.keyFrameSupported && !packet.KeyFrame {
		return
	}
	isSyncPacket := c.syncRequired
	if isSyncPacket {
		c.rtpSeqManager.Sync(packet.Packet.SequenceNumber - 1)
		c.syncRequired = false
	}

	seq := c.rtpSeqManager.Input(packet.Packet.SequenceNumber)

	origSsrc := packet.Packet.SSRC
	origSeq := packet.Packet.SequenceNumber
	origTs := packet.Packet.Timestamp

	packet.Packet.SSRC = c.rtpParameters.Encodings[0].Ssrc
	packet.Packet.SequenceNumber = seq
	packet.Packet.Timestamp = origTs - c.tsOffset

	if c.rtpStream.ReceivePacket(packet.Packet, c.nowMs()) {
		c.highestSentTs = packet.Packet.Timestamp
		c.listener.OnConsumerSendRtpPacket(c, packet.Packet)
		c.emitPacketEventRtpType(packet.Packet, false)
	} else {
		c.logger.Warnw("failed to send packet", nil,
			"ssrc", packet.Packet.SSRC, "seq", packet.Packet.SequenceNumber)
	}

	packet.Packet.SSRC = origSsrc
	packet.Packet.SequenceNumber = origSeq
	packet.Packet.Timestamp = origTs
}

// switchToLayer moves the output onto a new producer stream, keeping the
// outgoing timestamp line monotonic across the jump.
func (c *SimulcastConsumer) switchToLayer(packet *ExtPacket) {
	if c.currentSpatialLayer >= 0 {
		// Continue one nominal frame interval after the last sent
		// timestamp.
		frameGap := c.rtpStream.GetClockRate() / 30
		c.tsOffset = packet.Packet.Timestamp - (c.highestSentTs + frameGap)
	} else {
		c.tsOffset = 0
	}

	c.logger.Debugw("switching spatial layer",
		"from", c.currentSpatialLayer, "to", c.targetSpatialLayer)

	c.currentSpatialLayer = c.targetSpatialLayer
	c.syncRequired = true
	c.emitLayersChange()
}

func (c *SimulcastConsumer) emitLayersChange() {
	data := map[string]interface{}{}
	if c.currentSpatialLayer < 0 {
		data["spatialLayer"] = nil
	} else {
		data["spatialLayer"] = c.currentSpatialLayer
		data["temporalLayer"] = c.currentTemporalLayer
	}
	c.notifier.Emit(c.id, "layerschange", data)
}

func (c *SimulcastConsumer) GetRtcp(packet *CompoundPacket, stream *RtpStreamSend, nowMs int64) {
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

func (c *SimulcastConsumer) NeedWorstRemoteFractionLost(_ uint32, worstRemoteFractionLost *uint8) {
	if !c.IsActive() {
		return
	}

	if fractionLost := c.rtpStream.GetFractionLost(); fractionLost > *worstRemoteFractionLost {
		*worstRemoteFractionLost = fractionLost
	}
}

func (c *SimulcastConsumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}

	c.emitPacketEventNackType()
	c.rtpStream.ReceiveNack(nack, c.nowMs())
}

func (c *SimulcastConsumer) ReceiveKeyFrameRequest(messageType KeyFrameRequestType, ssrc uint32) {
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

func (c *SimulcastConsumer) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport) {
	c.rtpStream.ReceiveRtcpReceiverReport(report, c.nowMs(), c.clock.Now())
}

func (c *SimulcastConsumer) GetTransmissionRate(nowMs int64) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.rtpStream.GetBitrate(nowMs)
}

func (c *SimulcastConsumer) GetRtt() float64 {
	return c.rtpStream.GetRtt()
}

func (c *SimulcastConsumer) UserOnTransportConnected() {
	c.syncRequired = true

	if c.IsActive() {
		if c.targetSpatialLayer >= 0 {
			c.requestKeyFrameForLayer(c.targetSpatialLayer)
		}
		if c.externallyManagedBitrate {
			c.listener.OnConsumerNeedBitrateChange(c.self)
		}
	}
}

func (c *SimulcastConsumer) UserOnTransportDisconnected() {
	c.rtpStream.Pause()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedZeroBitrate(c.self)
	}
}

func (c *SimulcastConsumer) UserOnPaused() {
	c.rtpStream.Pause()

	if c.externallyManagedBitrate {
		c.listener.OnConsumerNeedZeroBitrate(c.self)
	}
}

func (c *SimulcastConsumer) UserOnResumed() {
	c.syncRequired = true
	c.rtpStream.Resume()

	if c.IsActive() {
		if c.externallyManagedBitrate {
			c.listener.OnConsumerNeedBitrateChange(c.self)
		} else {
			c.updateTargetLayers(c.preferredSpatialLayer, c.preferredTemporalLayer)
		}
	}
}

func (c *SimulcastConsumer) requestKeyFrame() {
	if c.kind != MediaKindVideo {
		return
	}
	layer := c.targetSpatialLayer
	if layer < 0 {
		layer = c.currentSpatialLayer
	}
	if layer < 0 {
		layer = 0
	}
	c.requestKeyFrameForLayer(layer)
}

func (c *SimulcastConsumer) requestKeyFrameForLayer(layer int16) {
	if c.kind != MediaKindVideo || int(layer) >= len(c.consumableRtpEncodings) {
		return
	}
	c.listener.OnConsumerKeyFrameRequested(c.self, c.consumableRtpEncodings[layer].Ssrc)
}

// SimulcastConsumerDump extends the shared dump with the layer state.
type SimulcastConsumerDump struct {
	ConsumerDump
	RtpStream              RtpStreamDump `json:"rtpStream"`
	PreferredSpatialLayer  int16         `json:"preferredSpatialLayer"`
	PreferredTemporalLayer int16         `json:"preferredTemporalLayer"`
	TargetSpatialLayer     int16         `json:"targetSpatialLayer"`
	TargetTemporalLayer    int16         `json:"targetTemporalLayer"`
	CurrentSpatialLayer    int16         `json:"currentSpatialLayer"`
	CurrentTemporalLayer   int16         `json:"currentTemporalLayer"`
}

func (c *SimulcastConsumer) Dump() interface{} {
	return SimulcastConsumerDump{
		ConsumerDump:           c.dumpBase(),
		RtpStream:              c.rtpStream.Dump(),
		PreferredSpatialLayer:  c.preferredSpatialLayer,
		PreferredTemporalLayer: c.preferredTemporalLayer,
		TargetSpatialLayer:     c.targetSpatialLayer,
		TargetTemporalLayer:    c.targetTemporalLayer,
		CurrentSpatialLayer:    c.currentSpatialLayer,
		CurrentTemporalLayer:   c.currentTemporalLayer,
	}
}

func (c *SimulcastConsumer) Stats(nowMs int64) []StatsRecord {
	stats := []StatsRecord{c.rtpStream.FillStats(nowMs)}
	for _, stream := range c.producerRtpStreams {
		if stream != nil {
			stats = append(stats, stream.FillStats(nowMs))
		}
	}
	return stats
}

func (c *SimulcastConsumer) fillScore() ScoreData {
	score := ScoreData{Score: c.rtpStream.GetScore()}
	if c.currentSpatialLayer >= 0 && int(c.currentSpatialLayer) < len(c.producerRtpStreams) {
		if stream := c.producerRtpStreams[c.currentSpatialLayer]; stream != nil {
			score.ProducerScore = stream.GetScore()
		}
	}
	return score
}

func (c *SimulcastConsumer) emitScore() {
	c.notifier.Emit(c.id, "score", c.fillScore())
}

func (c *SimulcastConsumer) OnRtpStreamScore(*RtpStreamSend, uint8, uint8) {
	c.emitScore()
}

func (c *SimulcastConsumer) OnRtpStreamRetransmitRtpPacket(_ *RtpStreamSend, packet *rtp.Packet) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet)
	c.emitPacketEventRtpType(packet, c.rtpStream.HasRtx())
}
