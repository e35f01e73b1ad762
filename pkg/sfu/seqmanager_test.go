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

	"github.com/stretchr/testify/require"
)

func TestSeqManagerSyncBase(t *testing.T) {
	s := &SeqManager{}

	s.Sync(99)
	require.Equal(t, uint16(100), s.Input(1000))
	require.Equal(t, uint16(101), s.Input(1001))
	require.Equal(t, uint16(102), s.Input(1002))
}

func TestSeqManagerGapPreservation(t *testing.T) {
	s := &SeqManager{}

	s.Sync(0)
	out1 := s.Input(5000)
	out2 := s.Input(5004) // 3 packets lost upstream
	out3 := s.Input(5005)

	require.Equal(t, uint16(4), out2-out1)
	require.Equal(t, uint16(1), out3-out2)
}

func TestSeqManagerResync(t *testing.T) {
	s := &SeqManager{}

	s.Sync(200)
	require.Equal(t, uint16(201), s.Input(7000))
	require.Equal(t, uint16(202), s.Input(7001))

	// Producer restarted with a fresh sequence space; consumer output must
	// continue from where it left off.
	s.Sync(s.MaxOutput())
	require.Equal(t, uint16(203), s.Input(12))
	require.Equal(t, uint16(204), s.Input(13))
}

func TestSeqManagerWraparound(t *testing.T) {
	s := &SeqManager{}

	s.Sync(65533)
	require.Equal(t, uint16(65534), s.Input(100))
	require.Equal(t, uint16(65535), s.Input(101))
	require.Equal(t, uint16(0), s.Input(102))
	require.Equal(t, uint16(1), s.Input(103))
	require.Equal(t, uint16(1), s.MaxOutput())
}

func TestSeqManagerInputWraparound(t *testing.T) {
	s := &SeqManager{}

	s.Sync(10)
	require.Equal(t, uint16(11), s.Input(65535))
	require.Equal(t, uint16(12), s.Input(0))
	require.Equal(t, uint16(13), s.Input(1))
}

func TestSeqManagerOutOfOrderInput(t *testing.T) {
	s := &SeqManager{}

	s.Sync(999)
	require.Equal(t, uint16(1000), s.Input(50))
	require.Equal(t, uint16(1001), s.Input(51))
	// A reordered packet maps behind, max output is unaffected.
	require.Equal(t, uint16(999), s.Input(49))
	require.Equal(t, uint16(1001), s.MaxOutput())
}
