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
	"errors"
	"fmt"
)

var (
	ErrMissingKind               = errors.New("missing kind")
	ErrEmptyEncodings            = errors.New("empty rtpParameters.encodings")
	ErrMissingSsrc               = errors.New("invalid encoding in rtpParameters (missing ssrc)")
	ErrMissingRtxSsrc            = errors.New("invalid encoding in rtpParameters (missing rtx.ssrc)")
	ErrEmptyConsumableEncodings  = errors.New("empty consumableRtpEncodings")
	ErrMissingConsumableSsrc     = errors.New("wrong encoding in consumableRtpEncodings (missing ssrc)")
	ErrZeroHeaderExtensionID     = errors.New("RTP extension id cannot be 0")
	ErrMissingMediaCodec         = errors.New("no media codec in rtpParameters.codecs")
	ErrInvalidConsumableEncoding = errors.New("invalid consumableRtpEncodings size for consumer type")
)

// assert flags a broken internal invariant. Continuing would corrupt state
// shared across sessions, so the worker goes down.
func assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
