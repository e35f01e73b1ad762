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

	"github.com/pion/webrtc/v3"
)

// IsRtxMimeType reports whether the mime names a retransmission codec.
func IsRtxMimeType(mime string) bool {
	return strings.EqualFold(mimeSubtype(mime), "rtx")
}

// IsMediaMimeType reports whether the mime names a real media codec, i.e.
// not RTX, FEC or comfort noise.
func IsMediaMimeType(mime string) bool {
	switch strings.ToLower(mimeSubtype(mime)) {
	case "rtx", "ulpfec", "flexfec", "flexfec-03", "red", "cn", "telephone-event":
		return false
	case "":
		return false
	default:
		return true
	}
}

// CanBeKeyFrame reports whether packets of this codec can carry a key frame.
// Audio codecs cannot; all supported video codecs can.
func CanBeKeyFrame(mime string) bool {
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8),
		strings.EqualFold(mime, webrtc.MimeTypeVP9),
		strings.EqualFold(mime, webrtc.MimeTypeH264),
		strings.EqualFold(mime, webrtc.MimeTypeH265),
		strings.EqualFold(mime, webrtc.MimeTypeAV1):
		return true
	default:
		return false
	}
}

// KindFromMimeType derives the media kind from the mime's top-level type.
func KindFromMimeType(mime string) MediaKind {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return MediaKindAudio
	}
	return MediaKindVideo
}

func mimeSubtype(mime string) string {
	if idx := strings.IndexByte(mime, '/'); idx >= 0 {
		return mime[idx+1:]
	}
	return ""
}
