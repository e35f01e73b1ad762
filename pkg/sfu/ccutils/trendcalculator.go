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

// Package ccutils holds the small congestion-control helpers shared by the
// bandwidth arbiter.
package ccutils

// TrendCalculator smooths a time series asymmetrically: increases apply
// immediately, decreases bleed in gradually from the highest seen value.
// Feeding it the aggregate desired bitrate dampens the oscillation that
// raw per-report values would cause in the allocator.
type TrendCalculator struct {
	decreaseFactor float64 // fraction of the peak shed per second

	value              uint32
	highestValue       uint32
	highestValueAtMs   int64
	started            bool
}

// NewTrendCalculator creates a calculator shedding decreaseFactor of the
// peak value per second while the input stays below it.
func NewTrendCalculator(decreaseFactor float64) *TrendCalculator {
	return &TrendCalculator{
		decreaseFactor: decreaseFactor,
	}
}

func (t *TrendCalculator) GetValue() uint32 {
	return t.value
}

// Update folds a new sample in at nowMs.
func (t *TrendCalculator) Update(value uint32, nowMs int64) {
	if !t.started {
		t.started = true
		t.value = value
		t.highestValue = value
		t.highestValueAtMs = nowMs
		return
	}

	if value >= t.value {
		t.value = value
		t.highestValue = value
		t.highestValueAtMs = nowMs
		return
	}

	elapsedMs := nowMs - t.highestValueAtMs
	subtraction := uint32(float64(t.highestValue) * t.decreaseFactor * float64(elapsedMs) / 1000.0)
	decayed := t.highestValue - min32(subtraction, t.highestValue)
	if value > decayed {
		decayed = value
	}
	t.value = decayed
}

// ForceUpdate overrides the smoothing and pins the value.
func (t *TrendCalculator) ForceUpdate(value uint32, nowMs int64) {
	t.started = true
	t.value = value
	t.highestValue = value
	t.highestValueAtMs = nowMs
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
