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
	"fmt"

	"github.com/pion/rtcp"
)

// BweType selects how the arbiter estimates bandwidth. Fixed at
// construction.
type BweType int

const (
	// BweTypeTransportCC drives the estimator with transport-wide per-packet
	// arrival feedback. Preferred.
	BweTypeTransportCC BweType = iota
	// BweTypeRemb relies on the remote's receiver-side estimate. Legacy.
	BweTypeRemb
)

func (t BweType) String() string {
	switch t {
	case BweTypeTransportCC:
		return "transport-cc"
	case BweTypeRemb:
		return "remb"
	default:
		return fmt.Sprintf("%d", int(t))
	}
}

// PacingInfo is stamped on outgoing packets so feedback can be attributed
// to the probing window that produced them.
type PacingInfo struct {
	ProbeClusterID ProbeClusterID
	SendBitrate    uint32
}

// PacketSendInfo describes one packet handed to the transport.
type PacketSendInfo struct {
	Ssrc                uint32
	TransportWideSeq    uint16
	HasTransportWideSeq bool
	Size                int
	IsProbation         bool
	PacingInfo          PacingInfo
}

// BandwidthEstimator is the estimation strategy behind the arbiter. The
// arbiter treats it as a black box: any implementation honoring this
// interface can substitute the built-in one.
type BandwidthEstimator interface {
	PacketSent(info PacketSendInfo, nowMs int64)
	TransportFeedback(feedback *rtcp.TransportLayerCC, nowMs int64)
	EstimatedBitrate(bitrate uint32, nowMs int64)
	ReceiverReport(fractionLost uint8, rttMs float64, nowMs int64)
	SetBounds(minBps uint32, maxBps uint32)
	SetDesiredBitrate(bps uint32)
	Process(nowMs int64)
	GetTargetBitrate() uint32
}

const (
	bweSendHistorySize = 1 << 12

	// Queuing growth per feedback beyond which the channel counts as
	// overused.
	bweOveruseThresholdMs = 10.0

	bweIncreaseIntervalMs   = 250
	bweDecreaseHoldMs       = 500
	bweIncreaseFactor       = 1.08
	bweDecreaseFactor       = 0.85
	bweHighLossFraction     = uint8(26) // ~10% in 1/256 units
	bweMinIncreaseStepBps   = 10000
)

type bweSentRecord struct {
	valid    bool
	seq      uint16
	sentAtMs int64
	size     int
}

// aimdEstimator is the built-in estimator: stepwise increase (8% per
// interval, at least 10 kbps) toward the desired bitrate while feedback is
// clean, multiplicative decrease on loss
// or queuing growth. In REMB mode the remote's estimate overrides the
// probing logic entirely.
type aimdEstimator struct {
	bweType BweType

	target  uint32
	minBps  uint32
	maxBps  uint32
	desired uint32

	history [bweSendHistorySize]bweSentRecord

	lastIncreaseAtMs int64
	lastDecreaseAtMs int64
	congested        bool
}

// NewAimdEstimator returns the built-in estimator starting at initialBps.
func NewAimdEstimator(bweType BweType, initialBps uint32) BandwidthEstimator {
	return &aimdEstimator{
		bweType: bweType,
		target:  initialBps,
		minBps:  initialBps,
		maxBps:  0,
	}
}

func (e *aimdEstimator) SetBounds(minBps uint32, maxBps uint32) {
	e.minBps = minBps
	e.maxBps = maxBps
	e.target = e.clamp(e.target)
}

func (e *aimdEstimator) SetDesiredBitrate(bps uint32) {
	e.desired = bps
}

func (e *aimdEstimator) GetTargetBitrate() uint32 {
	return e.target
}

func (e *aimdEstimator) PacketSent(info PacketSendInfo, nowMs int64) {
	if !info.HasTransportWideSeq {
		return
	}
	slot := &e.history[int(info.TransportWideSeq)%bweSendHistorySize]
	*slot = bweSentRecord{
		valid:    true,
		seq:      info.TransportWideSeq,
		sentAtMs: nowMs,
		size:     info.Size,
	}
}

// TransportFeedback compares the send span against the receive span of the
// reported packets. A receive span notably longer than the send span means
// the queue is growing.
func (e *aimdEstimator) TransportFeedback(feedback *rtcp.TransportLayerCC, nowMs int64) {
	if e.bweType != BweTypeTransportCC {
		return
	}

	received := len(feedback.RecvDeltas)
	total := int(feedback.PacketStatusCount)
	if total == 0 || received == 0 {
		return
	}

	var recvSpanMs float64
	for _, delta := range feedback.RecvDeltas {
		// RecvDelta carries microseconds.
		recvSpanMs += float64(delta.Delta) / 1000.0
	}

	firstSeq := feedback.BaseSequenceNumber
	lastSeq := firstSeq + uint16(total) - 1
	first := e.lookup(firstSeq)
	last := e.lookup(lastSeq)
	var sendSpanMs float64
	if first != nil && last != nil {
		sendSpanMs = float64(last.sentAtMs - first.sentAtMs)
	}

	lossRatio := float64(total-received) / float64(total)
	queuingGrowth := recvSpanMs - sendSpanMs

	if queuingGrowth > bweOveruseThresholdMs || lossRatio > 0.1 {
		e.decrease(nowMs)
	} else {
		e.congested = false
	}
}

func (e *aimdEstimator) EstimatedBitrate(bitrate uint32, nowMs int64) {
	if e.bweType != BweTypeRemb {
		return
	}
	e.target = e.clamp(bitrate)
}

func (e *aimdEstimator) ReceiverReport(fractionLost uint8, _ float64, nowMs int64) {
	if fractionLost >= bweHighLossFraction {
		e.decrease(nowMs)
	}
}

// Process grows the estimate toward the desired bitrate while the channel
// has been clean for a while.
func (e *aimdEstimator) Process(nowMs int64) {
	if e.bweType != BweTypeTransportCC {
		return
	}
	if e.congested && nowMs-e.lastDecreaseAtMs < bweDecreaseHoldMs {
		return
	}
	e.congested = false

	if e.desired <= e.target {
		return
	}
	if nowMs-e.lastIncreaseAtMs < bweIncreaseIntervalMs {
		return
	}
	e.lastIncreaseAtMs = nowMs

	increased := uint32(float64(e.target) * bweIncreaseFactor)
	if increased < e.target+bweMinIncreaseStepBps {
		increased = e.target + bweMinIncreaseStepBps
	}
	if increased > e.desired {
		increased = e.desired
	}
	e.target = e.clamp(increased)
}

func (e *aimdEstimator) decrease(nowMs int64) {
	if nowMs-e.lastDecreaseAtMs < bweDecreaseHoldMs {
		return
	}
	e.lastDecreaseAtMs = nowMs
	e.congested = true
	e.target = e.clamp(uint32(float64(e.target) * bweDecreaseFactor))
}

func (e *aimdEstimator) clamp(bps uint32) uint32 {
	if bps < e.minBps {
		bps = e.minBps
	}
	if e.maxBps > 0 && bps > e.maxBps {
		bps = e.maxBps
	}
	return bps
}

func (e *aimdEstimator) lookup(seq uint16) *bweSentRecord {
	record := &e.history[int(seq)%bweSendHistorySize]
	if !record.valid || record.seq != seq {
		return nil
	}
	return record
}
