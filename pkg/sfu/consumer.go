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
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/channel"
	"github.com/lumastream/sfu/pkg/logger"
)

// ProducerStream is a consumer's view of one producer-side RTP stream. The
// reference is non-owning: the router guarantees the producer stream
// outlives every consumer holding it.
type ProducerStream interface {
	GetSsrc() uint32
	GetScore() uint8
	GetBitrate(nowMs int64) uint32
	FillStats(nowMs int64) StatsRecord
}

// ConsumerListener is the router-facing capability of a consumer: packet
// transmission, key frame propagation and lifecycle signalling. Upcalls are
// synchronous; the router outlives every consumer.
type ConsumerListener interface {
	OnConsumerSendRtpPacket(consumer Consumer, packet *rtp.Packet)
	OnConsumerRetransmitRtpPacket(consumer Consumer, packet *rtp.Packet)
	OnConsumerKeyFrameRequested(consumer Consumer, mappedSsrc uint32)
	OnConsumerNeedBitrateChange(consumer Consumer)
	OnConsumerNeedZeroBitrate(consumer Consumer)
	OnConsumerProducerClosed(consumer Consumer)
}

// Consumer is one downstream subscription. Variants differ in packet
// admission and layer selection; everything else is shared.
type Consumer interface {
	ID() string
	Kind() MediaKind
	Type() ConsumerType
	RtpParameters() *RtpParameters
	HeaderExtensionIds() RtpHeaderExtensionIds
	MediaSsrcs() []uint32
	RtxSsrcs() []uint32
	IsActive() bool
	IsPaused() bool
	IsProducerPaused() bool

	HandleRequest(req *channel.Request)
	TransportConnected()
	TransportDisconnected()
	ProducerPaused()
	ProducerResumed()
	ProducerClosed()
	ProducerRtpStream(stream ProducerStream, mappedSsrc uint32)
	ProducerNewRtpStream(stream ProducerStream, mappedSsrc uint32)
	ProducerRtpStreamScore(stream ProducerStream, score uint8, previousScore uint8)
	ProducerRtcpSenderReport(stream ProducerStream, first bool)
	SetExternallyManagedBitrate()

	SendRtpPacket(packet *ExtPacket)
	GetRtpStreams() []*RtpStreamSend
	GetRtcp(packet *CompoundPacket, stream *RtpStreamSend, nowMs int64)
	NeedWorstRemoteFractionLost(mappedSsrc uint32, worstRemoteFractionLost *uint8)
	ReceiveNack(nack *rtcp.TransportLayerNack)
	ReceiveKeyFrameRequest(messageType KeyFrameRequestType, ssrc uint32)
	ReceiveRtcpReceiverReport(report *rtcp.ReceptionReport)
	GetTransmissionRate(nowMs int64) uint32
	GetRtt() float64

	GetBitratePriority() uint16
	UseAvailableBitrate(bitrate uint32, considerLoss bool) uint32
	IncreaseLayer(bitrate uint32, considerLoss bool) uint32
	ApplyLayers()
	GetDesiredBitrate() uint32
}

// consumerHooks is how the shared base reaches variant behavior. The
// variant owns the base; the hook reference is non-owning.
type consumerHooks interface {
	UserOnTransportConnected()
	UserOnTransportDisconnected()
	UserOnPaused()
	UserOnResumed()
	HasProducerStream() bool
	Dump() interface{}
	Stats(nowMs int64) []StatsRecord
}

type packetEventTypes struct {
	rtp  bool
	nack bool
	pli  bool
	fir  bool
}

func (p packetEventTypes) String() string {
	var names []string
	if p.rtp {
		names = append(names, "rtp")
	}
	if p.nack {
		names = append(names, "nack")
	}
	if p.pli {
		names = append(names, "pli")
	}
	if p.fir {
		names = append(names, "fir")
	}
	return strings.Join(names, ",")
}

// ConsumerData is the validated payload of a consume request.
type ConsumerData struct {
	Kind                   string                   `json:"kind"`
	RtpParameters          *RtpParameters           `json:"rtpParameters"`
	ConsumableRtpEncodings []*RtpEncodingParameters `json:"consumableRtpEncodings"`
	Paused                 bool                     `json:"paused,omitempty"`
}

// ConsumerBase holds the state machine shared by all variants.
type ConsumerBase struct {
	id       string
	logger   logger.Logger
	listener ConsumerListener
	notifier *channel.Notifier

	// The variant owning this base; self is the same object seen through
	// the public Consumer interface.
	hooks consumerHooks
	self  Consumer

	kind                   MediaKind
	consumerType           ConsumerType
	rtpParameters          *RtpParameters
	consumableRtpEncodings []*RtpEncodingParameters
	rtpHeaderExtensionIds  RtpHeaderExtensionIds

	supportedCodecPayloadTypes map[uint8]struct{}
	mediaSsrcs                 []uint32
	rtxSsrcs                   []uint32

	maxRtcpInterval  int64
	lastRtcpSentTime int64

	packetEventTypes packetEventTypes

	externallyManagedBitrate bool
	transportConnected       bool
	paused                   bool
	producerPaused           bool
	producerClosed           bool

	clock Clock
}

// Clock supplies the two time inputs the core needs: a monotonic
// millisecond tick and the wall clock backing NTP fields in sender reports.
type Clock interface {
	NowMs() int64
	Now() time.Time
}

type ConsumerBaseParams struct {
	ID       string
	Type     ConsumerType
	Data     *ConsumerData
	Listener ConsumerListener
	Notifier *channel.Notifier
	Clock    Clock
	RTCP     RtcpIntervals
	Logger   logger.Logger
}

// RtcpIntervals is the per-kind ceiling on sender-report spacing. Audio is
// larger than video so that video RTT/loss feedback stays fresh.
type RtcpIntervals struct {
	MaxAudioIntervalMs int64
	MaxVideoIntervalMs int64
}

var DefaultRtcpIntervals = RtcpIntervals{
	MaxAudioIntervalMs: 5000,
	MaxVideoIntervalMs: 1000,
}

func newConsumerBase(params ConsumerBaseParams) (ConsumerBase, error) {
	data := params.Data

	if data == nil || data.Kind == "" {
		return ConsumerBase{}, channel.NewTypeError("missing kind")
	}
	kind := MediaKind(data.Kind)
	if kind != MediaKindAudio && kind != MediaKindVideo {
		return ConsumerBase{}, channel.NewTypeError("invalid kind '%s'", data.Kind)
	}

	if data.RtpParameters == nil {
		return ConsumerBase{}, channel.NewTypeError("missing rtpParameters")
	}
	if len(data.RtpParameters.Encodings) == 0 {
		return ConsumerBase{}, channel.NewTypeError("empty rtpParameters.encodings")
	}
	for _, encoding := range data.RtpParameters.Encodings {
		if encoding.Ssrc == 0 {
			return ConsumerBase{}, channel.NewTypeError("invalid encoding in rtpParameters (missing ssrc)")
		}
		if encoding.Rtx != nil && encoding.Rtx.Ssrc == 0 {
			return ConsumerBase{}, channel.NewTypeError("invalid encoding in rtpParameters (missing rtx.ssrc)")
		}
	}

	if len(data.ConsumableRtpEncodings) == 0 {
		return ConsumerBase{}, channel.NewTypeError("empty consumableRtpEncodings")
	}
	for _, encoding := range data.ConsumableRtpEncodings {
		if encoding.Ssrc == 0 {
			return ConsumerBase{}, channel.NewTypeError("wrong encoding in consumableRtpEncodings (missing ssrc)")
		}
	}

	for _, ext := range data.RtpParameters.HeaderExtensions {
		if ext.ID == 0 {
			return ConsumerBase{}, channel.NewTypeError("RTP extension id cannot be 0")
		}
	}

	c := ConsumerBase{
		id:                         params.ID,
		logger:                     params.Logger.WithValues("consumerID", params.ID),
		listener:                   params.Listener,
		notifier:                   params.Notifier,
		kind:                       kind,
		consumerType:               params.Type,
		rtpParameters:              data.RtpParameters,
		consumableRtpEncodings:     data.ConsumableRtpEncodings,
		rtpHeaderExtensionIds:      headerExtensionIdsFromParameters(data.RtpParameters.HeaderExtensions),
		supportedCodecPayloadTypes: make(map[uint8]struct{}),
		paused:                     data.Paused,
		clock:                      params.Clock,
	}

	for _, codec := range data.RtpParameters.Codecs {
		if IsMediaMimeType(codec.MimeType) {
			c.supportedCodecPayloadTypes[codec.PayloadType] = struct{}{}
		}
	}
	if len(c.supportedCodecPayloadTypes) == 0 {
		return ConsumerBase{}, channel.NewTypeError("no media codec in rtpParameters.codecs")
	}

	for _, encoding := range data.RtpParameters.Encodings {
		c.mediaSsrcs = append(c.mediaSsrcs, encoding.Ssrc)
		if encoding.Rtx != nil {
			c.rtxSsrcs = append(c.rtxSsrcs, encoding.Rtx.Ssrc)
		}
	}

	intervals := params.RTCP
	if intervals.MaxAudioIntervalMs == 0 {
		intervals.MaxAudioIntervalMs = DefaultRtcpIntervals.MaxAudioIntervalMs
	}
	if intervals.MaxVideoIntervalMs == 0 {
		intervals.MaxVideoIntervalMs = DefaultRtcpIntervals.MaxVideoIntervalMs
	}
	if kind == MediaKindAudio {
		c.maxRtcpInterval = intervals.MaxAudioIntervalMs
	} else {
		c.maxRtcpInterval = intervals.MaxVideoIntervalMs
	}

	return c, nil
}

func (c *ConsumerBase) ID() string {
	return c.id
}

func (c *ConsumerBase) Kind() MediaKind {
	return c.kind
}

func (c *ConsumerBase) Type() ConsumerType {
	return c.consumerType
}

func (c *ConsumerBase) RtpParameters() *RtpParameters {
	return c.rtpParameters
}

func (c *ConsumerBase) HeaderExtensionIds() RtpHeaderExtensionIds {
	return c.rtpHeaderExtensionIds
}

func (c *ConsumerBase) MediaSsrcs() []uint32 {
	return c.mediaSsrcs
}

func (c *ConsumerBase) RtxSsrcs() []uint32 {
	return c.rtxSsrcs
}

func (c *ConsumerBase) IsPaused() bool {
	return c.paused
}

func (c *ConsumerBase) IsProducerPaused() bool {
	return c.producerPaused
}

func (c *ConsumerBase) SetExternallyManagedBitrate() {
	c.externallyManagedBitrate = true
}

// IsActive holds exactly when packets may flow: transport up, neither side
// paused, producer alive and its stream known.
func (c *ConsumerBase) IsActive() bool {
	return c.transportConnected &&
		!c.paused &&
		!c.producerPaused &&
		!c.producerClosed &&
		c.hooks.HasProducerStream()
}

func (c *ConsumerBase) nowMs() int64 {
	return c.clock.NowMs()
}

// HandleRequest dispatches the shared method ids. Variants intercept their
// own methods before delegating here.
func (c *ConsumerBase) HandleRequest(req *channel.Request) {
	switch req.Method {
	case channel.MethodConsumerDump:
		req.Accept(c.hooks.Dump())

	case channel.MethodConsumerGetStats:
		req.Accept(c.hooks.Stats(c.nowMs()))

	case channel.MethodConsumerPause:
		if c.paused {
			req.Accept(nil)
			return
		}

		wasActive := c.IsActive()
		c.paused = true
		c.logger.Debugw("consumer paused")

		if wasActive {
			c.hooks.UserOnPaused()
		}
		req.Accept(nil)

	case channel.MethodConsumerResume:
		if !c.paused {
			req.Accept(nil)
			return
		}

		c.paused = false
		c.logger.Debugw("consumer resumed")

		if c.IsActive() {
			c.hooks.UserOnResumed()
		}
		req.Accept(nil)

	case channel.MethodConsumerEnablePacketEvent:
		types, err := parsePacketEventTypes(req.Data)
		if err != nil {
			req.Reject(err)
			return
		}
		c.packetEventTypes = types
		req.Accept(nil)

	default:
		req.Reject(fmt.Errorf("unknown method '%s'", req.Method))
	}
}

func parsePacketEventTypes(data json.RawMessage) (packetEventTypes, error) {
	var body map[string]json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			return packetEventTypes{}, channel.NewTypeError("malformed data: %v", err)
		}
	}

	raw, ok := body["types"]
	if !ok || string(raw) == "null" {
		return packetEventTypes{}, channel.NewTypeError("wrong types (not an array)")
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return packetEventTypes{}, channel.NewTypeError("wrong types (not an array)")
	}

	var types packetEventTypes
	for _, element := range elements {
		var name string
		if err := json.Unmarshal(element, &name); err != nil {
			return packetEventTypes{}, channel.NewTypeError("wrong type (not a string)")
		}
		switch name {
		case "rtp":
			types.rtp = true
		case "nack":
			types.nack = true
		case "pli":
			types.pli = true
		case "fir":
			types.fir = true
		}
	}
	return types, nil
}

func (c *ConsumerBase) TransportConnected() {
	c.transportConnected = true
	c.logger.Debugw("transport connected")
	c.hooks.UserOnTransportConnected()
}

func (c *ConsumerBase) TransportDisconnected() {
	c.transportConnected = false
	c.logger.Debugw("transport disconnected")
	c.hooks.UserOnTransportDisconnected()
}

func (c *ConsumerBase) ProducerPaused() {
	if c.producerPaused {
		return
	}

	wasActive := c.IsActive()
	c.producerPaused = true
	c.logger.Debugw("producer paused")

	if wasActive {
		c.hooks.UserOnPaused()
	}
	c.notifier.Emit(c.id, "producerpause", nil)
}

func (c *ConsumerBase) ProducerResumed() {
	if !c.producerPaused {
		return
	}

	c.producerPaused = false
	c.logger.Debugw("producer resumed")

	if c.IsActive() {
		c.hooks.UserOnResumed()
	}
	c.notifier.Emit(c.id, "producerresume", nil)
}

// ProducerClosed signals that the upstream producer is gone. The router is
// expected to destroy this consumer right after the listener upcall.
func (c *ConsumerBase) ProducerClosed() {
	if c.producerClosed {
		return
	}

	c.producerClosed = true
	c.logger.Debugw("producer closed")

	c.notifier.Emit(c.id, "producerclose", nil)
	c.listener.OnConsumerProducerClosed(c.self)
}

// attach wires the variant into the base. Must be called once during
// variant construction, before any entry point runs.
func (c *ConsumerBase) attach(self Consumer, hooks consumerHooks) {
	c.self = self
	c.hooks = hooks
}

// ConsumerDump is the shared part of the DUMP response.
type ConsumerDump struct {
	ID                         string                   `json:"id"`
	Kind                       string                   `json:"kind"`
	RtpParameters              *RtpParameters           `json:"rtpParameters"`
	Type                       string                   `json:"type"`
	ConsumableRtpEncodings     []*RtpEncodingParameters `json:"consumableRtpEncodings"`
	SupportedCodecPayloadTypes []uint8                  `json:"supportedCodecPayloadTypes"`
	Paused                     bool                     `json:"paused"`
	ProducerPaused             bool                     `json:"producerPaused"`
	PacketEventTypes           string                   `json:"packetEventTypes"`
}

func (c *ConsumerBase) dumpBase() ConsumerDump {
	payloadTypes := make([]uint8, 0, len(c.supportedCodecPayloadTypes))
	for pt := range c.supportedCodecPayloadTypes {
		payloadTypes = append(payloadTypes, pt)
	}
	for i := 1; i < len(payloadTypes); i++ {
		for j := i; j > 0 && payloadTypes[j-1] > payloadTypes[j]; j-- {
			payloadTypes[j-1], payloadTypes[j] = payloadTypes[j], payloadTypes[j-1]
		}
	}

	return ConsumerDump{
		ID:                         c.id,
		Kind:                       string(c.kind),
		RtpParameters:              c.rtpParameters,
		Type:                       string(c.consumerType),
		ConsumableRtpEncodings:     c.consumableRtpEncodings,
		SupportedCodecPayloadTypes: payloadTypes,
		Paused:                     c.paused,
		ProducerPaused:             c.producerPaused,
		PacketEventTypes:           c.packetEventTypes.String(),
	}
}

type packetEvent struct {
	Type        string      `json:"type"`
	TimestampMs int64       `json:"timestamp"`
	Direction   string      `json:"direction"`
	Info        interface{} `json:"info"`
}

func (c *ConsumerBase) emitPacketEventRtpType(packet *rtp.Packet, isRtx bool) {
	if !c.packetEventTypes.rtp {
		return
	}

	c.notifier.Emit(c.id, "packet", packetEvent{
		Type:        "rtp",
		TimestampMs: c.nowMs(),
		Direction:   "out",
		Info:        snapshotHeader(packet, isRtx),
	})
}

func (c *ConsumerBase) emitPacketEventPliType(ssrc uint32) {
	if !c.packetEventTypes.pli {
		return
	}

	c.notifier.Emit(c.id, "packet", packetEvent{
		Type:        "pli",
		TimestampMs: c.nowMs(),
		Direction:   "in",
		Info:        map[string]uint32{"ssrc": ssrc},
	})
}

func (c *ConsumerBase) emitPacketEventFirType(ssrc uint32) {
	if !c.packetEventTypes.fir {
		return
	}

	c.notifier.Emit(c.id, "packet", packetEvent{
		Type:        "fir",
		TimestampMs: c.nowMs(),
		Direction:   "in",
		Info:        map[string]uint32{"ssrc": ssrc},
	})
}

func (c *ConsumerBase) emitPacketEventNackType() {
	if !c.packetEventTypes.nack {
		return
	}

	c.notifier.Emit(c.id, "packet", packetEvent{
		Type:        "nack",
		TimestampMs: c.nowMs(),
		Direction:   "in",
		Info:        struct{}{},
	})
}

// ScoreData is the payload of the score notification.
type ScoreData struct {
	Score         uint8 `json:"score"`
	ProducerScore uint8 `json:"producerScore"`
}

// systemClock is the production clock.
type systemClock struct{}

func (systemClock) NowMs() int64 {
	return nowMsMonotonic()
}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock returns the production monotonic millisecond clock.
func SystemClock() Clock {
	return systemClock{}
}
