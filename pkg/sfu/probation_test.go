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

	"github.com/stretchr/testify/require"

	"github.com/lumastream/sfu/pkg/logger"
)

func TestProbationGeneratorPacketShape(t *testing.T) {
	g := NewRtpProbationGenerator(&fakeClock{ms: 1000})

	p := g.GetNextPacket(1200)
	require.Equal(t, ProbationSsrc, p.SSRC)
	require.True(t, p.Padding)
	require.Equal(t, probationPayloadType, p.PayloadType)
	require.Len(t, p.Payload, maxPaddingPayloadSize)
	// The final octet carries the padding length.
	require.Equal(t, byte(maxPaddingPayloadSize), p.Payload[len(p.Payload)-1])

	next := g.GetNextPacket(100)
	require.Equal(t, p.SequenceNumber+1, next.SequenceNumber)
	require.Len(t, next.Payload, 100-probationHeaderSize)
}

func TestProbationGeneratorTinySize(t *testing.T) {
	g := NewRtpProbationGenerator(&fakeClock{ms: 1000})

	p := g.GetNextPacket(4)
	require.Len(t, p.Payload, 1)
}

type fakeProberListener struct {
	switches []ProbeClusterID
	probes   chan int
}

func (l *fakeProberListener) OnProbeClusterSwitch(clusterID ProbeClusterID, _ int) {
	l.switches = append(l.switches, clusterID)
}

func (l *fakeProberListener) OnSendProbe(bytesToSend int) {
	select {
	case l.probes <- bytesToSend:
	default:
	}
}

func TestProberRejectsUselessGoals(t *testing.T) {
	p := NewProber(&fakeProberListener{probes: make(chan int, 8)}, logger.GetLogger())

	require.Equal(t, ProbeClusterIDInvalid, p.AddCluster(0, 0, time.Second))
	require.Equal(t, ProbeClusterIDInvalid, p.AddCluster(100, 200, time.Second))
	require.Equal(t, ProbeClusterIDInvalid, p.AddCluster(100, 50, 0))
	require.False(t, p.IsRunning())
}

func TestProberRunsCluster(t *testing.T) {
	listener := &fakeProberListener{probes: make(chan int, 64)}
	p := NewProber(listener, logger.GetLogger())

	id := p.AddCluster(800_000, 200_000, 100*time.Millisecond)
	require.NotEqual(t, ProbeClusterIDInvalid, id)

	select {
	case bytes := <-listener.probes:
		require.Greater(t, bytes, 0)
	case <-time.After(time.Second):
		t.Fatal("no probe requested")
	}

	// The cluster winds down after its duration.
	require.Eventually(t, func() bool {
		return !p.IsRunning()
	}, time.Second, 10*time.Millisecond)
}

func TestProberReset(t *testing.T) {
	listener := &fakeProberListener{probes: make(chan int, 64)}
	p := NewProber(listener, logger.GetLogger())

	p.AddCluster(800_000, 200_000, 10*time.Second)
	p.Reset()

	require.Eventually(t, func() bool {
		return !p.IsRunning()
	}, time.Second, 10*time.Millisecond)
}
