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

// SeqManager maps the sequence numbers of a producer stream onto the
// monotonic output sequence of one consumer. It is the only authority for
// outgoing sequence numbers.
//
// Sync(base) pins the mapping so that the next Input produces base+1; from
// then on outputs preserve the relative gaps of the input stream, including
// across 2^16 wraparound. Dropped inputs therefore still consume output
// numbers, which keeps the receiver's loss accounting truthful.
type SeqManager struct {
	started     bool
	offset      uint16
	syncPending bool
	syncBase    uint16
	maxOutput   uint16
}

// Sync pins the mapping for the next Input call. The offset is computed
// lazily at the next Input so that the sync point lands on whatever packet
// is admitted first (a key frame, after a resync).
func (s *SeqManager) Sync(base uint16) {
	s.syncPending = true
	s.syncBase = base
}

// Input maps an incoming sequence number to the outgoing one.
func (s *SeqManager) Input(input uint16) uint16 {
	if s.syncPending || !s.started {
		s.offset = s.syncBase + 1 - input
		s.syncPending = false
		s.started = true
		s.maxOutput = input + s.offset
		return s.maxOutput
	}

	output := input + s.offset
	if isSeqHigherThan(output, s.maxOutput) {
		s.maxOutput = output
	}
	return output
}

// MaxOutput returns the highest output produced so far. Only meaningful
// after the first Input.
func (s *SeqManager) MaxOutput() uint16 {
	return s.maxOutput
}

// isSeqHigherThan compares RTP sequence numbers modulo 2^16.
func isSeqHigherThan(a, b uint16) bool {
	return a != b && a-b < (1<<15)
}
