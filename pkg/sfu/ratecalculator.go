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

const (
	rateWindowSizeMs  = int64(1000)
	rateBucketSizeMs  = int64(10)
	rateBucketCount   = int(rateWindowSizeMs / rateBucketSizeMs)
	bitsPerByte       = 8
	rateScaleToSecond = float64(1000) / float64(rateWindowSizeMs)
)

type rateBucket struct {
	bytes uint64
	count uint32
}

// RateCalculator keeps a moving byte count over a one second window in
// 10 ms buckets and turns it into a bits-per-second figure on demand.
type RateCalculator struct {
	buckets      [rateBucketCount]rateBucket
	totalBytes   uint64
	totalCount   uint32
	newestTimeMs int64
	newestIndex  int
	started      bool

	cumulativeBytes uint64
	cumulativeCount uint32
}

// Update records size bytes at nowMs.
func (r *RateCalculator) Update(size int, nowMs int64) {
	r.advance(nowMs)

	r.buckets[r.newestIndex].bytes += uint64(size)
	r.buckets[r.newestIndex].count++
	r.totalBytes += uint64(size)
	r.totalCount++
	r.cumulativeBytes += uint64(size)
	r.cumulativeCount++
}

// GetRate returns the bitrate over the window ending at nowMs.
func (r *RateCalculator) GetRate(nowMs int64) uint32 {
	r.advance(nowMs)
	return uint32(float64(r.totalBytes*bitsPerByte) * rateScaleToSecond)
}

// GetBytes returns the running total since creation (not windowed).
func (r *RateCalculator) GetBytes() uint64 {
	return r.cumulativeBytes
}

// GetPacketCount returns the running packet total since creation.
func (r *RateCalculator) GetPacketCount() uint32 {
	return r.cumulativeCount
}

// Reset drops the window but keeps cumulative totals.
func (r *RateCalculator) Reset() {
	for i := range r.buckets {
		r.buckets[i] = rateBucket{}
	}
	r.totalBytes = 0
	r.totalCount = 0
	r.started = false
}

func (r *RateCalculator) advance(nowMs int64) {
	if !r.started {
		r.started = true
		r.newestTimeMs = nowMs - nowMs%rateBucketSizeMs
		r.newestIndex = 0
		return
	}

	newerTimeMs := nowMs - nowMs%rateBucketSizeMs
	elapsed := newerTimeMs - r.newestTimeMs
	if elapsed <= 0 {
		return
	}

	steps := elapsed / rateBucketSizeMs
	if steps >= int64(rateBucketCount) {
		r.Reset()
		r.started = true
		r.newestTimeMs = newerTimeMs
		r.newestIndex = 0
		return
	}

	for i := int64(0); i < steps; i++ {
		r.newestIndex = (r.newestIndex + 1) % rateBucketCount
		old := r.buckets[r.newestIndex]
		r.totalBytes -= old.bytes
		r.totalCount -= old.count
		r.buckets[r.newestIndex] = rateBucket{}
	}
	r.newestTimeMs = newerTimeMs
}
