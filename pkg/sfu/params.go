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
	"strings"

	"github.com/pion/sdp/v3"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ConsumerType distinguishes the forwarding variants.
type ConsumerType string

const (
	ConsumerTypeSimple    ConsumerType = "simple"
	ConsumerTypeSimulcast ConsumerType = "simulcast"
	ConsumerTypeSVC       ConsumerType = "svc"
)

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecParameters struct {
	MimeType     string                 `json:"mimeType"`
	PayloadType  uint8                  `json:"payloadType"`
	ClockRate    uint32                 `json:"clockRate"`
	Channels     uint8                  `json:"channels,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback         `json:"rtcpFeedback,omitempty"`
}

// IntParameter returns a numeric fmtp-style parameter, tolerating the
// float64 that JSON decoding produces.
func (c *RtpCodecParameters) IntParameter(name string) (int, bool) {
	v, ok := c.Parameters[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

type RtxParameters struct {
	Ssrc uint32 `json:"ssrc"`
}

type RtpEncodingParameters struct {
	Ssrc            uint32         `json:"ssrc"`
	Rid             string         `json:"rid,omitempty"`
	Dtx             bool           `json:"dtx,omitempty"`
	ScalabilityMode string         `json:"scalabilityMode,omitempty"`
	MaxBitrate      uint32         `json:"maxBitrate,omitempty"`
	Rtx             *RtxParameters `json:"rtx,omitempty"`
}

// SpatialLayers parses the scalability mode ("L3T2" style); defaults to 1.
func (e *RtpEncodingParameters) SpatialLayers() int {
	s, _ := parseScalabilityMode(e.ScalabilityMode)
	return s
}

func (e *RtpEncodingParameters) TemporalLayers() int {
	_, t := parseScalabilityMode(e.ScalabilityMode)
	return t
}

func parseScalabilityMode(mode string) (spatial int, temporal int) {
	spatial, temporal = 1, 1
	if len(mode) < 4 || mode[0] != 'L' {
		return
	}
	idx := strings.IndexByte(mode, 'T')
	if idx <= 1 {
		return
	}
	if s := atoiSafe(mode[1:idx]); s > 0 {
		spatial = s
	}
	rest := mode[idx+1:]
	end := len(rest)
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			end = i
			break
		}
	}
	if t := atoiSafe(rest[:end]); t > 0 {
		temporal = t
	}
	return
}

func atoiSafe(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		n = n*10 + int(s[i]-'0')
	}
	return n
}

type RtcpParameters struct {
	Cname       string `json:"cname"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpHeaderExtensionParameters struct {
	URI string `json:"uri"`
	ID  uint8  `json:"id"`
}

// RtpParameters describes one direction of an RTP session: the codecs,
// encodings (SSRCs) and header extensions the remote endpoint expects.
type RtpParameters struct {
	Mid              string                         `json:"mid,omitempty"`
	Codecs           []*RtpCodecParameters          `json:"codecs"`
	HeaderExtensions []RtpHeaderExtensionParameters `json:"headerExtensions,omitempty"`
	Encodings        []*RtpEncodingParameters       `json:"encodings"`
	Rtcp             RtcpParameters                 `json:"rtcp"`
}

// GetCodecForEncoding returns the media codec that governs the encoding.
// Encodings reference codecs positionally: the first media codec applies.
func (p *RtpParameters) GetCodecForEncoding(*RtpEncodingParameters) *RtpCodecParameters {
	for _, codec := range p.Codecs {
		if IsMediaMimeType(codec.MimeType) {
			return codec
		}
	}
	return nil
}

// GetRtxCodecForEncoding returns the RTX codec whose "apt" parameter points
// at the encoding's media payload type, if any.
func (p *RtpParameters) GetRtxCodecForEncoding(encoding *RtpEncodingParameters) *RtpCodecParameters {
	mediaCodec := p.GetCodecForEncoding(encoding)
	if mediaCodec == nil {
		return nil
	}
	for _, codec := range p.Codecs {
		if !IsRtxMimeType(codec.MimeType) {
			continue
		}
		if apt, ok := codec.IntParameter("apt"); ok && uint8(apt) == mediaCodec.PayloadType {
			return codec
		}
	}
	return nil
}

// RtpHeaderExtensionIds maps recognised extension URIs to their negotiated
// ids. 0 means the extension is not negotiated.
type RtpHeaderExtensionIds struct {
	SsrcAudioLevel   uint8 `json:"ssrcAudioLevel,omitempty"`
	VideoOrientation uint8 `json:"videoOrientation,omitempty"`
	AbsSendTime      uint8 `json:"absSendTime,omitempty"`
	TransportWideCC  uint8 `json:"transportWideCc,omitempty"`
	Mid              uint8 `json:"mid,omitempty"`
	Rid              uint8 `json:"rid,omitempty"`
	RRid             uint8 `json:"rrid,omitempty"`
}

// Extension URIs not covered by pion/sdp constants.
const (
	videoOrientationURI  = "urn:3gpp:video-orientation"
	repairRTPStreamIDURI = "urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id"
)

// headerExtensionIdsFromParameters keeps the first non-zero id seen per type.
func headerExtensionIdsFromParameters(extensions []RtpHeaderExtensionParameters) RtpHeaderExtensionIds {
	var ids RtpHeaderExtensionIds
	for _, ext := range extensions {
		switch ext.URI {
		case sdp.AudioLevelURI:
			if ids.SsrcAudioLevel == 0 {
				ids.SsrcAudioLevel = ext.ID
			}
		case videoOrientationURI:
			if ids.VideoOrientation == 0 {
				ids.VideoOrientation = ext.ID
			}
		case sdp.ABSSendTimeURI:
			if ids.AbsSendTime == 0 {
				ids.AbsSendTime = ext.ID
			}
		case sdp.TransportCCURI:
			if ids.TransportWideCC == 0 {
				ids.TransportWideCC = ext.ID
			}
		case sdp.SDESMidURI:
			if ids.Mid == 0 {
				ids.Mid = ext.ID
			}
		case sdp.SDESRTPStreamIDURI:
			if ids.Rid == 0 {
				ids.Rid = ext.ID
			}
		case repairRTPStreamIDURI:
			if ids.RRid == 0 {
				ids.RRid = ext.ID
			}
		}
	}
	return ids
}
