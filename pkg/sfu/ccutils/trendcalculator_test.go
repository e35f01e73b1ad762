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

package ccutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrendCalculatorIncreasesImmediately(t *testing.T) {
	tc := NewTrendCalculator(0.05)

	tc.Update(100_000, 0)
	require.Equal(t, uint32(100_000), tc.GetValue())

	tc.Update(500_000, 100)
	require.Equal(t, uint32(500_000), tc.GetValue())
}

func TestTrendCalculatorDecreasesGradually(t *testing.T) {
	tc := NewTrendCalculator(0.05)

	tc.Update(1_000_000, 0)
	// One second later the input collapses; the trend sheds only 5% of the
	// peak.
	tc.Update(100_000, 1000)
	require.Equal(t, uint32(950_000), tc.GetValue())

	// Ten more seconds: decayed halfway down, still above the raw input.
	tc.Update(100_000, 11_000)
	require.Equal(t, uint32(450_000), tc.GetValue())

	// Eventually the raw input wins.
	tc.Update(100_000, 60_000)
	require.Equal(t, uint32(100_000), tc.GetValue())
}

func TestTrendCalculatorForceUpdate(t *testing.T) {
	tc := NewTrendCalculator(0.05)

	tc.Update(1_000_000, 0)
	tc.ForceUpdate(200_000, 100)
	require.Equal(t, uint32(200_000), tc.GetValue())

	// The forced value is the new peak reference.
	tc.Update(150_000, 1100)
	require.Equal(t, uint32(190_000), tc.GetValue())
}
