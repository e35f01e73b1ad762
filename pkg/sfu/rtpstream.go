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
	"github.com/lumastream/sfu/pkg/logger"
)

const scoreHistorySize = 8

// RtpStreamParams carries the negotiated facts of one RTP stream.
type RtpStreamParams struct {
	Ssrc        uint32 `json:"ssrc"`
	PayloadType uint8  `json:"payloadType"`
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Rid         string `json:"rid,omitempty"`
	Cname       string `json:"cname"`

	UseNack      bool `json:"useNack,omitempty"`
	UsePli       bool `json:"usePli,omitempty"`
	UseFir       bool `json:"useFir,omitempty"`
	UseInBandFec bool `json:"useInBandFec,omitempty"`
	UseDtx       bool `json:"useDtx,omitempty"`
}

// RtpStream is the state common to receive and send streams: identity,
// quality score history and round-trip time.
type RtpStream struct {
	logger logger.Logger
	params RtpStreamParams

	score  uint8
	scores []uint8

	rtt float64 // ms

	packetsLost  uint32
	fractionLost uint8

	nackCount       uint32
	nackPacketCount uint32
	pliCount        uint32
	firCount        uint32
}

func newRtpStream(params RtpStreamParams, logger logger.Logger) RtpStream {
	return RtpStream{
		logger: logger,
		params: params,
	}
}

func (s *RtpStream) GetSsrc() uint32 {
	return s.params.Ssrc
}

func (s *RtpStream) GetPayloadType() uint8 {
	return s.params.PayloadType
}

func (s *RtpStream) GetMimeType() string {
	return s.params.MimeType
}

func (s *RtpStream) GetClockRate() uint32 {
	return s.params.ClockRate
}

func (s *RtpStream) GetCname() string {
	return s.params.Cname
}

func (s *RtpStream) HasNack() bool {
	return s.params.UseNack
}

// GetScore returns the current quality score, 0 (broken) to 10 (perfect).
func (s *RtpStream) GetScore() uint8 {
	return s.score
}

func (s *RtpStream) GetRtt() float64 {
	return s.rtt
}

func (s *RtpStream) GetFractionLost() uint8 {
	return s.fractionLost
}

// updateScore folds a new interval score into the history. Newer intervals
// weigh more so the published score tracks current conditions while staying
// sticky against single-report noise. Returns true when the published score
// changed.
func (s *RtpStream) updateScore(score uint8) bool {
	s.scores = append(s.scores, score)
	if len(s.scores) > scoreHistorySize {
		s.scores = s.scores[1:]
	}

	var sum, weightSum int
	for i, sc := range s.scores {
		weight := i + 1
		sum += int(sc) * weight
		weightSum += weight
	}
	newScore := uint8((sum + weightSum/2) / weightSum)

	if newScore == s.score {
		return false
	}
	s.score = newScore
	return true
}

func (s *RtpStream) resetScore() {
	s.scores = s.scores[:0]
	s.score = 0
}
