// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

// WindowGeometry is the spatial extent of an attention window. Both
// dimensions are >= 1.
type WindowGeometry struct {
	Height, Width int
}

// Area returns Height*Width, the number of positions attended over.
func (w WindowGeometry) Area() int { return w.Height * w.Width }

// NumRelativePositions returns the number of distinct (dy, dx) offsets
// between any two window positions, (2H-1)*(2W-1). It is the number of rows
// of the relative-position bias table.
func (w WindowGeometry) NumRelativePositions() int {
	return (2*w.Height - 1) * (2*w.Width - 1)
}

// clampWindow returns the effective window for a block: when the input
// resolution is not larger than the configured (square) window size, the
// window is clamped to span the whole feature map. No partial windows and no
// wraparound shifting are ever produced.
func clampWindow(resolutionH, resolutionW, windowSize int) WindowGeometry {
	if min(resolutionH, resolutionW) <= windowSize {
		side := min(resolutionH, resolutionW)
		return WindowGeometry{Height: side, Width: side}
	}
	return WindowGeometry{Height: windowSize, Width: windowSize}
}

// RelativePositionIndex returns, for every ordered pair of window positions
// (p, q), the row of the relative-position bias table that encodes their
// offset coord(p)-coord(q). The result is row-major of shape
// (H*W, H*W) flattened, with values in [0, (2H-1)*(2W-1)).
//
// Both H and W must be positive; the function is pure and the result is
// meant to be frozen into the graph as a constant gather index.
func RelativePositionIndex(h, w int) []int32 {
	area := h * w
	index := make([]int32, area*area)
	for p := 0; p < area; p++ {
		py, px := p/w, p%w
		for q := 0; q < area; q++ {
			qy, qx := q/w, q%w
			dy := py - qy + h - 1
			dx := px - qx + w - 1
			index[p*area+q] = int32(dy*(2*w-1) + dx)
		}
	}
	return index
}
