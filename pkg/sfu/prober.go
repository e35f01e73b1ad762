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

	"github.com/gammazero/deque"
	"go.uber.org/atomic"

	"github.com/lumastream/sfu/pkg/logger"
)

// ProberListener receives probe send requests. OnSendProbe runs on the
// prober goroutine; implementations hand the bytes to the probation
// generator and pace them onto the wire.
type ProberListener interface {
	OnProbeClusterSwitch(clusterID ProbeClusterID, desiredBps int)
	OnSendProbe(bytesToSend int)
}

type ProbeClusterID uint32

const ProbeClusterIDInvalid ProbeClusterID = 0

const (
	probeBytesPerBatch    = 1100
	probeSleepDuration    = 20 * time.Millisecond
	probeSleepDurationMin = 10 * time.Millisecond
)

// probeCluster is one bounded probing window: a target rate above the
// expected media usage, sustained for a duration.
type probeCluster struct {
	id         ProbeClusterID
	desiredBps int
	expected   int
	duration   time.Duration

	desiredBytes int
	bytesSent    int
	startTime    time.Time
	done         bool
}

func (c *probeCluster) process() (bytesToSend int, sleep time.Duration) {
	if c.done {
		return 0, 0
	}

	now := time.Now()
	if c.startTime.IsZero() {
		c.startTime = now
		return probeBytesPerBatch, probeSleepDurationMin
	}

	elapsed := now.Sub(c.startTime)
	if elapsed >= c.duration {
		c.done = true
		return 0, 0
	}

	expectedBytes := int(float64(c.desiredBytes) * elapsed.Seconds() / c.duration.Seconds())
	if expectedBytes > c.bytesSent {
		bytesToSend = expectedBytes - c.bytesSent
		if bytesToSend < probeBytesPerBatch {
			bytesToSend = probeBytesPerBatch
		}
	}
	return bytesToSend, probeSleepDurationMin
}

// Prober schedules probe clusters one at a time on its own goroutine. The
// goroutine exists only while clusters are queued; probing windows are
// short, of the order of hundreds of milliseconds.
type Prober struct {
	logger   logger.Logger
	listener ProberListener

	clusterID atomic.Uint32

	mu            sync.Mutex
	clusters      deque.Deque[*probeCluster]
	activeCluster *probeCluster
}

func NewProber(listener ProberListener, logger logger.Logger) *Prober {
	p := &Prober{
		logger:   logger,
		listener: listener,
	}
	p.clusters.SetBaseCap(2)
	return p
}

func (p *Prober) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.clusters.Len() > 0 || p.activeCluster != nil
}

// AddCluster queues a probing window that sends (desiredBps - expectedBps)
// of padding over duration. Returns the cluster id, or invalid when the
// goal is not worth probing for.
func (p *Prober) AddCluster(desiredBps int, expectedBps int, duration time.Duration) ProbeClusterID {
	if desiredBps <= 0 || desiredBps <= expectedBps || duration <= 0 {
		return ProbeClusterIDInvalid
	}

	cluster := &probeCluster{
		id:           ProbeClusterID(p.clusterID.Inc()),
		desiredBps:   desiredBps,
		expected:     expectedBps,
		duration:     duration,
		desiredBytes: int(float64(desiredBps-expectedBps) * duration.Seconds() / 8),
	}
	p.logger.Debugw("probe cluster added",
		"clusterID", cluster.id, "desiredBps", desiredBps, "expectedBps", expectedBps, "duration", duration)

	p.mu.Lock()
	p.clusters.PushBack(cluster)
	start := p.clusters.Len() == 1 && p.activeCluster == nil
	p.mu.Unlock()

	if start {
		go p.run()
	}
	return cluster.id
}

// ActiveClusterID returns the id of the cluster currently probing, or
// invalid when idle.
func (p *Prober) ActiveClusterID() ProbeClusterID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeCluster != nil && !p.activeCluster.done {
		return p.activeCluster.id
	}
	return ProbeClusterIDInvalid
}

// ProbesSent credits bytes actually put on the wire to the active cluster.
func (p *Prober) ProbesSent(bytesSent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeCluster != nil {
		p.activeCluster.bytesSent += bytesSent
	}
}

// Reset drops all pending clusters, e.g. on transport disconnect.
func (p *Prober) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clusters.Clear()
	if p.activeCluster != nil {
		p.activeCluster.done = true
	}
}

func (p *Prober) frontCluster() *probeCluster {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.activeCluster != nil && !p.activeCluster.done {
		return p.activeCluster
	}
	p.activeCluster = nil
	if p.clusters.Len() == 0 {
		return nil
	}
	p.activeCluster = p.clusters.PopFront()
	return p.activeCluster
}

func (p *Prober) run() {
	ticker := time.NewTicker(probeSleepDuration)
	defer ticker.Stop()

	var lastID ProbeClusterID
	for {
		cluster := p.frontCluster()
		if cluster == nil {
			return
		}

		if cluster.id != lastID {
			lastID = cluster.id
			p.listener.OnProbeClusterSwitch(cluster.id, cluster.desiredBps)
		}

		bytesToSend, sleep := cluster.process()
		if sleep == 0 {
			p.mu.Lock()
			if p.activeCluster == cluster {
				p.activeCluster = nil
			}
			p.mu.Unlock()
			continue
		}

		if bytesToSend > 0 {
			p.listener.OnSendProbe(bytesToSend)
		}

		ticker.Reset(sleep)
		<-ticker.C
	}
}
