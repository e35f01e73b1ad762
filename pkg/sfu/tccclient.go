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
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/lumastream/sfu/pkg/config"
	"github.com/lumastream/sfu/pkg/logger"
	"github.com/lumastream/sfu/pkg/sfu/ccutils"
	"github.com/lumastream/sfu/pkg/telemetry"
)

const (
	tccProcessInterval = 250 * time.Millisecond

	probeDuration       = 500 * time.Millisecond
	probeBitrateFactor  = 1.25
)

// TransportCongestionControlClientListener is the transport-facing side of
// the arbiter. Upcalls are synchronous; the transport outlives its client.
type TransportCongestionControlClientListener interface {
	OnTransportCongestionControlClientAvailableBitrate(
		client *TransportCongestionControlClient, availableBitrate uint32, previousAvailableBitrate uint32)
	OnTransportCongestionControlClientSendRtpPacket(
		client *TransportCongestionControlClient, packet *rtp.Packet, pacingInfo PacingInfo)
}

type TransportCongestionControlClientParams struct {
	Listener                TransportCongestionControlClientListener
	BweType                 BweType
	InitialAvailableBitrate uint32
	// Estimator overrides the built-in one; nil selects it.
	Estimator BandwidthEstimator
	Config    config.CongestionControlConfig
	Clock     Clock
	Logger    logger.Logger
}

// TransportCongestionControlClient arbitrates downstream bandwidth for one
// transport: it aggregates the consumers' desired bitrates, runs the
// estimator on send/feedback signals and publishes the available bitrate.
type TransportCongestionControlClient struct {
	params TransportCongestionControlClientParams
	logger logger.Logger

	mu sync.Mutex

	estimator           BandwidthEstimator
	probationGenerator  *RtpProbationGenerator
	prober              *Prober
	desiredBitrateTrend *ccutils.TrendCalculator

	availableBitrate              uint32
	availableBitrateEventCalled   bool
	lastAvailableBitrateEventAtMs int64

	transportWideSeq uint16

	processStop chan struct{}
	closeFuse   core.Fuse
}

func NewTransportCongestionControlClient(params TransportCongestionControlClientParams) *TransportCongestionControlClient {
	conf := params.Config
	if conf.AvailableBitrateEventThreshold == 0 {
		conf.AvailableBitrateEventThreshold = 0.08
	}
	if conf.AvailableBitrateEventMaxIntervalMs == 0 {
		conf.AvailableBitrateEventMaxIntervalMs = 1000
	}
	if conf.DesiredBitrateTrendDecay == 0 {
		conf.DesiredBitrateTrendDecay = 0.05
	}
	if conf.MinAvailableBitrate == 0 {
		conf.MinAvailableBitrate = 30000
	}
	params.Config = conf

	c := &TransportCongestionControlClient{
		params:              params,
		logger:              params.Logger.WithValues("bweType", params.BweType.String()),
		estimator:           params.Estimator,
		desiredBitrateTrend: ccutils.NewTrendCalculator(conf.DesiredBitrateTrendDecay),
		availableBitrate:    params.InitialAvailableBitrate,
		closeFuse:           core.NewFuse(),
	}
	if c.estimator == nil {
		c.estimator = NewAimdEstimator(params.BweType, params.InitialAvailableBitrate)
	}
	c.estimator.SetBounds(conf.MinAvailableBitrate, conf.MaxAvailableBitrate)
	c.probationGenerator = NewRtpProbationGenerator(params.Clock)
	c.prober = NewProber(c, params.Logger)

	return c
}

func (c *TransportCongestionControlClient) GetBweType() BweType {
	return c.params.BweType
}

// TransportConnected arms the periodic process loop.
func (c *TransportCongestionControlClient) TransportConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.processStop != nil || c.closeFuse.IsBroken() {
		return
	}
	stop := make(chan struct{})
	c.processStop = stop
	go c.processLoop(stop)
}

// TransportDisconnected disarms the process loop and cancels probing.
func (c *TransportCongestionControlClient) TransportDisconnected() {
	c.mu.Lock()
	stop := c.processStop
	c.processStop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.prober.Reset()
}

// Close releases the client. Idempotent.
func (c *TransportCongestionControlClient) Close() {
	c.closeFuse.Once(func() {
		c.TransportDisconnected()
	})
}

func (c *TransportCongestionControlClient) processLoop(stop chan struct{}) {
	ticker := time.NewTicker(tccProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.process()
		}
	}
}

func (c *TransportCongestionControlClient) process() {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.params.Clock.NowMs()
	c.estimator.Process(nowMs)
	c.applyTargetLocked(nowMs)
	c.maybeProbeLocked()
}

// maybeProbeLocked starts a padding probe window when the consumers want
// more than the current estimate grants and no probe is already running.
func (c *TransportCongestionControlClient) maybeProbeLocked() {
	if c.params.BweType != BweTypeTransportCC {
		return
	}

	desired := c.desiredBitrateTrend.GetValue()
	if desired <= c.availableBitrate || c.prober.IsRunning() {
		return
	}

	probeBps := int(float64(c.availableBitrate) * probeBitrateFactor)
	c.prober.AddCluster(probeBps, int(c.availableBitrate), probeDuration)
}

// InsertPacket registers intent to send and stamps the transport-wide
// sequence number and pacing tag on the packet info.
func (c *TransportCongestionControlClient) InsertPacket(info *PacketSendInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.params.BweType == BweTypeTransportCC {
		c.transportWideSeq++
		info.TransportWideSeq = c.transportWideSeq
		info.HasTransportWideSeq = true
	}
	info.PacingInfo = c.pacingInfoLocked()
}

// GetPacingInfo returns the tag to stamp on the next outgoing packet.
func (c *TransportCongestionControlClient) GetPacingInfo() PacingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pacingInfoLocked()
}

func (c *TransportCongestionControlClient) pacingInfoLocked() PacingInfo {
	return PacingInfo{
		ProbeClusterID: c.prober.ActiveClusterID(),
		SendBitrate:    c.availableBitrate,
	}
}

// PacketSent records the actual send time; this is the estimator's view of
// the outgoing process.
func (c *TransportCongestionControlClient) PacketSent(info PacketSendInfo, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.PacketSent(info, nowMs)
}

// ReceiveEstimatedBitrate feeds a REMB value from the remote.
func (c *TransportCongestionControlClient) ReceiveEstimatedBitrate(bitrate uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.params.Clock.NowMs()
	c.estimator.EstimatedBitrate(bitrate, nowMs)
	c.applyTargetLocked(nowMs)
}

// ReceiveRtcpReceiverReport feeds the loss/RTT signal.
func (c *TransportCongestionControlClient) ReceiveRtcpReceiverReport(report rtcp.ReceptionReport, rtt float64, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.estimator.ReceiverReport(report.FractionLost, rtt, nowMs)
	c.applyTargetLocked(nowMs)
}

// ReceiveRtcpTransportFeedback feeds per-packet arrival times from the
// remote.
func (c *TransportCongestionControlClient) ReceiveRtcpTransportFeedback(feedback *rtcp.TransportLayerCC) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.params.Clock.NowMs()
	c.estimator.TransportFeedback(feedback, nowMs)
	c.applyTargetLocked(nowMs)
}

// SetDesiredBitrate sets the upper bound the consumers would use if
// unconstrained. force skips the trend smoothing, e.g. right after a layer
// switch.
func (c *TransportCongestionControlClient) SetDesiredBitrate(desiredBitrate uint32, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := c.params.Clock.NowMs()
	if force {
		c.desiredBitrateTrend.ForceUpdate(desiredBitrate, nowMs)
	} else {
		c.desiredBitrateTrend.Update(desiredBitrate, nowMs)
	}

	desired := c.desiredBitrateTrend.GetValue()
	if desired < c.params.InitialAvailableBitrate {
		desired = c.params.InitialAvailableBitrate
	}
	c.estimator.SetDesiredBitrate(desired)
}

func (c *TransportCongestionControlClient) GetAvailableBitrate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.availableBitrate
}

// RescheduleNextAvailableBitrateEvent suppresses the next time-based event
// emission, e.g. after the transport already acted on the current value.
func (c *TransportCongestionControlClient) RescheduleNextAvailableBitrateEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAvailableBitrateEventAtMs = c.params.Clock.NowMs()
}

func (c *TransportCongestionControlClient) applyTargetLocked(nowMs int64) {
	target := c.estimator.GetTargetBitrate()
	previous := c.availableBitrate
	c.availableBitrate = target
	telemetry.AvailableBitrate(target)
	c.mayEmitAvailableBitrateEventLocked(previous, nowMs)
}

// mayEmitAvailableBitrateEventLocked decides whether the new available
// bitrate is worth an event. The first value always is; afterwards a
// notable relative change, a long enough silence, or an unstable desired
// trend all qualify.
func (c *TransportCongestionControlClient) mayEmitAvailableBitrateEventLocked(previousAvailableBitrate uint32, nowMs int64) {
	notify := false

	switch {
	case !c.availableBitrateEventCalled:
		notify = true

	case relativeChange(c.availableBitrate, previousAvailableBitrate) > c.params.Config.AvailableBitrateEventThreshold:
		notify = true

	case nowMs-c.lastAvailableBitrateEventAtMs >= c.params.Config.AvailableBitrateEventMaxIntervalMs:
		notify = true

	case c.desiredBitrateTrend.GetValue() > c.availableBitrate:
		// Consumers want more than granted; let the transport re-divide.
		notify = true
	}

	if !notify {
		return
	}

	c.availableBitrateEventCalled = true
	c.lastAvailableBitrateEventAtMs = nowMs

	c.params.Listener.OnTransportCongestionControlClientAvailableBitrate(
		c, c.availableBitrate, previousAvailableBitrate)
}

func relativeChange(current, previous uint32) float64 {
	if previous == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	diff := float64(current) - float64(previous)
	if diff < 0 {
		diff = -diff
	}
	return diff / float64(previous)
}

// OnProbeClusterSwitch implements ProberListener.
func (c *TransportCongestionControlClient) OnProbeClusterSwitch(clusterID ProbeClusterID, desiredBps int) {
	c.logger.Debugw("probe cluster active", "clusterID", clusterID, "desiredBps", desiredBps)
}

// OnSendProbe implements ProberListener: pull padding from the probation
// generator and hand it to the transport.
func (c *TransportCongestionControlClient) OnSendProbe(bytesToSend int) {
	sent := 0
	for sent < bytesToSend {
		packet := c.probationGenerator.GetNextPacket(bytesToSend - sent)
		size := packet.MarshalSize()

		info := PacketSendInfo{
			Ssrc:        packet.SSRC,
			Size:        size,
			IsProbation: true,
		}
		c.InsertPacket(&info)

		c.params.Listener.OnTransportCongestionControlClientSendRtpPacket(c, packet, info.PacingInfo)
		c.PacketSent(info, c.params.Clock.NowMs())

		sent += size
	}
	c.prober.ProbesSent(sent)
}
