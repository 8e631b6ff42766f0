// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelativePositionIndex(t *testing.T) {
	for _, geo := range []WindowGeometry{
		{Height: 1, Width: 1},
		{Height: 2, Width: 3},
		{Height: 7, Width: 7},
		{Height: 14, Width: 14},
	} {
		area := geo.Area()
		index := RelativePositionIndex(geo.Height, geo.Width)
		require.Len(t, index, area*area)

		numRelative := int32(geo.NumRelativePositions())
		for _, v := range index {
			require.GreaterOrEqual(t, v, int32(0))
			require.Less(t, v, numRelative)
		}

		// The diagonal is the zero offset, the same entry for every position.
		center := index[0] // p == q == 0
		for p := 0; p < area; p++ {
			assert.Equal(t, center, index[p*area+p])
		}

		// Swapping p and q negates the (dy, dx) offset: the two entries must
		// be symmetric around the center of the table.
		for p := 0; p < area; p++ {
			for q := 0; q < area; q++ {
				assert.Equal(t, 2*center, index[p*area+q]+index[q*area+p])
			}
		}
	}
}

func TestRelativePositionIndexValues(t *testing.T) {
	// 2x2 window, offsets combined as dy*(2W-1)+dx with dy, dx shifted to
	// start at 0.
	index := RelativePositionIndex(2, 2)
	want := []int32{
		4, 3, 1, 0,
		5, 4, 2, 1,
		7, 6, 4, 3,
		8, 7, 5, 4,
	}
	require.Equal(t, want, index)
}

func TestClampWindow(t *testing.T) {
	// Resolution above the window size: window unchanged.
	require.Equal(t, WindowGeometry{Height: 7, Width: 7}, clampWindow(14, 14, 7))

	// Resolution at or below the window size: clamped to the resolution.
	require.Equal(t, WindowGeometry{Height: 7, Width: 7}, clampWindow(7, 7, 7))
	require.Equal(t, WindowGeometry{Height: 2, Width: 2}, clampWindow(2, 2, 56))

	// Clamped geometry must never produce an out-of-range bias-table index.
	geo := clampWindow(4, 4, 56)
	index := RelativePositionIndex(geo.Height, geo.Width)
	for _, v := range index {
		require.Less(t, v, int32(geo.NumRelativePositions()))
	}
}
