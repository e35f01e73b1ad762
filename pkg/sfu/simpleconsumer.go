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
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/channel"
)

// SimpleConsumer forwards a single producer stream 1:1. It does not take
// part in the bandwidth allocation game: its bitrate is whatever the
// producer sends.
type SimpleConsumer struct {
	ConsumerBase

	rtpSeqManager SeqManager
	rtpStream     *RtpStreamSend
	rtpStreams    []*RtpStreamSend

	producerRtpStream ProducerStream

	keyFrameSupported bool
	syncRequired      bool

	bufferSize int
}

type SimpleConsumerParams struct {
	ConsumerBaseParams

	// Retransmission buffer capacity when NACK is negotiated; defaults to
	// RetransmissionBufferSize.
	RetransmissionBufferSize int
}

func NewSimpleConsumer(params SimpleConsumerParams) (*SimpleConsumer, error) {
	params.Type = ConsumerTypeSimple
	base, err := newConsumerBase(params.ConsumerBaseParams)
	if err != nil {
		return nil, err
	}

	if len(base.consumableRtpEncodings) != 1 {
		return nil, channel.NewTypeError("invalid consumableRtpEncodings with size != 1")
	}

	c := &SimpleConsumer{
		ConsumerBase: base,
		bufferSize:   params.RetransmissionBufferSize,
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

	if err := c.createRtpStream(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *SimpleConsumer) createRtpStream() error {
	encoding := c.rtpParameters.Encodings[0]
	mediaCodec := c.rtpParameters.GetCodecForEncoding(encoding)

	params := RtpStreamParams{
		Ssrc:        encoding.Ssrc,
		PayloadType: mediaCodec.PayloadType,
		MimeType:    mediaCodec.MimeType,
		ClockRate:   mediaCodec.ClockRate,
		Cname:       c.rtpParameters.Rtcp.Cname,
	}

	if fec, ok := mediaCodec.IntParameter("useinbandfec"); ok && fec == 1 {
		c.logger.Debugw("in band FEC enabled")
		params.UseInBandFec = true
	}
	if dtx, ok := mediaCodec.IntParameter("usedtx"); ok && dtx == 1 {
		c.logger.Debugw("DTX enabled")
		params.UseDtx = true
	}
	if encoding.Dtx {
		params.UseDtx = true
	}

	for _, fb := range mediaCodec.RtcpFeedback {
		switch {
		case !params.UseNack && fb.Type == "nack" && fb.Parameter == "":
			c.logger.Debugw("NACK supported")
			params.UseNack = true
		case !params.UsePli && fb.Type == "nack" && fb.Parameter == "pli":
			c.logger.Debugw("PLI supported")
			params.UsePli = true
		case !params.UseFir && fb.Type == "ccm" && fb.Parameter == "fir":
			c.logger.Debugw("FIR supported")
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

func (c *SimpleConsumer) HandleRequest(req *channel.Request) {
	switch req.Method {
	case channel.MethodConsumerRequestKeyFrame:
		if c.IsActive() {
			c.requestKeyFrame()
		}
		req.Accept(nil)

	default:
		c.ConsumerBase.HandleRequest(req)
	}
}

func (c *SimpleConsumer) HasProducerStream() bool {
	return c.producerRtpStream != nil
}

func (c *SimpleConsumer) ProducerRtpStream(stream ProducerStream, _ uint32) {
	c.producerRtpStream = stream
	c.emitScore()
}

// ProducerNewRtpStream matches ProducerRtpStream here; the distinction only
// matters to layer-aware variants.
func (c *SimpleConsumer) ProducerNewRtpStream(stream ProducerStream, _ uint32) {
	c.producerRtpStream = stream
	c.emitScore()
}

func (c *SimpleConsumer) ProducerRtpStreamScore(ProducerStream, uint8, uint8) {
	c.emitScore()
}

func (c *SimpleConsumer) ProducerRtcpSenderReport(ProducerStream, bool) {
}

// SimpleConsumer does not play the BWE game.

func (c *SimpleConsumer) GetBitratePriority() uint16 {
	return 0
}

func (c *SimpleConsumer) UseAvailableBitrate(uint32, bool) uint32 {
	return 0
}

func (c *SimpleConsumer) IncreaseLayer(uint32, bool) uint32 {
	return 0
}

func (c *SimpleConsumer) ApplyLayers() {
}

func (c *SimpleConsumer) GetDesiredBitrate() uint32 {
	return 0
}

// SendRtpPacket admits, rewrites and forwards one producer packet. The
// packet is shared with other consumers: rewritten fields are restored
// before returning.
func (c *SimpleConsumer) SendRtpPacket(packet *ExtPacket) {
	if !c.IsActive() {
		return
	}

	payloadType := packet.Packet.PayloadType
	if _, ok := c.supportedCodecPayloadTypes[payloadType]; !ok {
		// This consumer may support just some codecs of the producer.
		c.logger.Debugw("payload type not supported", "payloadType", payloadType)
		return
	}

	// Waiting for a sync point: hold everything that is not a key frame.
	if c.syncRequired && c.keyFrameSupported && !packet.KeyFrame {
		return
	}

	isSyncPacket := c.syncRequired
	if isSyncPacket {
		if packet.KeyFrame {
			c.logger.Debugw("sync key frame received")
		}
		c.rtpSeqManager.Sync(packet.Packet.SequenceNumber - 1)
		c.syncRequired = false
	}

	seq := c.rtpSeqManager.Input(packet.Packet.SequenceNumber)

	origSsrc := packet.Packet.SSRC
	origSeq := packet.Packet.SequenceNumber

	packet.Packet.SSRC = c.rtpParameters.Encodings[0].Ssrc
	packet.Packet.SequenceNumber = seq

	if isSyncPacket {
		c.logger.Debugw("sending sync packet",
			"ssrc", packet.Packet.SSRC,
			"seq", packet.Packet.SequenceNumber,
			"ts", packet.Packet.Timestamp,
			"origSeq", origSeq)
	}

	if c.rtpStream.ReceivePacket(packet.Packet, c.nowMs()) {
		c.listener.OnConsumerSendRtpPacket(c, packet.Packet)
		c.emitPacketEventRtpType(packet.Packet, false)
	} else {
		c.logger.Warnw("failed to send packet", nil,
			"ssrc", packet.Packet.SSRC,
			"seq", packet.Packet.SequenceNumber,
			"origSeq", origSeq)
	}

	packet.Packet.SSRC = origSsrc
	packet.Packet.SequenceNumber = origSeq
}

func (c *SimpleConsumer) GetRtpStreams() []*RtpStreamSend {
	return c.rtpStreams
}

// GetRtcp appends this stream's sender report and SDES chunk to the
// compound packet when the report interval has elapsed. The 1.15 factor
// absorbs scheduler jitter without overrunning the interval.
func (c *SimpleConsumer) GetRtcp(packet *CompoundPacket, stream *RtpStreamSend, nowMs int64) {
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

func (c *SimpleConsumer) NeedWorstRemoteFractionLost(_ uint32, worstRemoteFractionLost *uint8) {
	if !c.IsActive() {
		return
	}

	if fractionLost := c.rtpStream.GetFractionLost(); fractionLost > *worstRemoteFractionLost {
		*worstRemoteFractionLost = fractionLost
	}
}

func (c *SimpleConsumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}

	c.emitPacketEventNackType()
	c.rtpStream.ReceiveNack(nack, c.nowMs())
}

func (c *SimpleConsumer) ReceiveKeyFrameRequest(messageType KeyFrameRequestType, ssrc uint32) {
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

func (c *SimpleConsumer) ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport) {
	c.rtpStream.ReceiveRtcpReceiverReport(report, c.nowMs(), c.clock.Now())
}

func (c *SimpleConsumer) GetTransmissionRate(nowMs int64) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.rtpStream.GetBitrate(nowMs)
}

func (c *SimpleConsumer) GetRtt() float64 {
	return c.rtpStream.GetRtt()
}

func (c *SimpleConsumer) UserOnTransportConnected() {
	c.syncRequired = true

	if c.IsActive() {
		c.requestKeyFrame()
	}
}

func (c *SimpleConsumer) UserOnTransportDisconnected() {
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) UserOnPaused() {
	c.rtpStream.Pause()
}

func (c *SimpleConsumer) UserOnResumed() {
	c.syncRequired = true
	c.rtpStream.Resume()

	if c.IsActive() {
		c.requestKeyFrame()
	}
}

func (c *SimpleConsumer) requestKeyFrame() {
	if c.kind != MediaKindVideo {
		return
	}

	mappedSsrc := c.consumableRtpEncodings[0].Ssrc
	c.listener.OnConsumerKeyFrameRequested(c, mappedSsrc)
}

// SimpleConsumerDump extends the shared dump with the send stream.
type SimpleConsumerDump struct {
	ConsumerDump
	RtpStream RtpStreamDump `json:"rtpStream"`
}

func (c *SimpleConsumer) Dump() interface{} {
	return SimpleConsumerDump{
		ConsumerDump: c.dumpBase(),
		RtpStream:    c.rtpStream.Dump(),
	}
}

func (c *SimpleConsumer) Stats(nowMs int64) []StatsRecord {
	stats := []StatsRecord{c.rtpStream.FillStats(nowMs)}
	if c.producerRtpStream != nil {
		stats = append(stats, c.producerRtpStream.FillStats(nowMs))
	}
	return stats
}

func (c *SimpleConsumer) fillScore() ScoreData {
	score := ScoreData{Score: c.rtpStream.GetScore()}
	if c.producerRtpStream != nil {
		score.ProducerScore = c.producerRtpStream.GetScore()
	}
	return score
}

func (c *SimpleConsumer) emitScore() {
	c.notifier.Emit(c.id, "score", c.fillScore())
}

func (c *SimpleConsumer) OnRtpStreamScore(*RtpStreamSend, uint8, uint8) {
	c.emitScore()
}

func (c *SimpleConsumer) OnRtpStreamRetransmitRtpPacket(_ *RtpStreamSend, packet *rtp.Packet) {
	c.listener.OnConsumerRetransmitRtpPacket(c, packet)
	c.emitPacketEventRtpType(packet, c.rtpStream.HasRtx())
}
