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

// Package config holds the worker-level settings. The control plane ships a
// YAML blob at worker start; everything here has a usable zero-config default.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type CongestionControlConfig struct {
	// Estimate handed to consumers before any feedback has arrived.
	InitialAvailableBitrate uint32 `yaml:"initial_available_bitrate,omitempty"`
	MinAvailableBitrate     uint32 `yaml:"min_available_bitrate,omitempty"`
	// 0 means unbounded.
	MaxAvailableBitrate uint32 `yaml:"max_available_bitrate,omitempty"`
	// Relative change of the available bitrate that triggers an event.
	AvailableBitrateEventThreshold float64 `yaml:"available_bitrate_event_threshold,omitempty"`
	// Ceiling on silence between available bitrate events.
	AvailableBitrateEventMaxIntervalMs int64 `yaml:"available_bitrate_event_max_interval_ms,omitempty"`
	// Per-second decay applied to the desired bitrate trend.
	DesiredBitrateTrendDecay float64 `yaml:"desired_bitrate_trend_decay,omitempty"`
}

type RTCPConfig struct {
	MaxAudioIntervalMs int64 `yaml:"max_audio_interval_ms,omitempty"`
	MaxVideoIntervalMs int64 `yaml:"max_video_interval_ms,omitempty"`
}

type RTPConfig struct {
	// Retransmission buffer capacity, in packets, when NACK is negotiated.
	RetransmissionBufferSize int `yaml:"retransmission_buffer_size,omitempty"`
}

type Config struct {
	LogLevel          string                  `yaml:"log_level,omitempty"`
	CongestionControl CongestionControlConfig `yaml:"congestion_control,omitempty"`
	RTCP              RTCPConfig              `yaml:"rtcp,omitempty"`
	RTP               RTPConfig               `yaml:"rtp,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		CongestionControl: CongestionControlConfig{
			InitialAvailableBitrate:            600000,
			MinAvailableBitrate:                30000,
			MaxAvailableBitrate:                0,
			AvailableBitrateEventThreshold:     0.08,
			AvailableBitrateEventMaxIntervalMs: 1000,
			DesiredBitrateTrendDecay:           0.05,
		},
		RTCP: RTCPConfig{
			MaxAudioIntervalMs: 5000,
			MaxVideoIntervalMs: 1000,
		},
		RTP: RTPConfig{
			RetransmissionBufferSize: 600,
		},
	}
}

// Parse overlays the YAML body on top of the defaults.
func Parse(body []byte) (*Config, error) {
	conf := DefaultConfig()
	if len(body) == 0 {
		return conf, nil
	}
	if err := yaml.Unmarshal(body, conf); err != nil {
		return nil, fmt.Errorf("could not parse config: %w", err)
	}
	return conf, nil
}

func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(body)
}
