// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/random"
)

// Weight initialization policy, applied through the context's default
// initializer so every layer picks it up when its variables are first
// created:
//
//   - dense and convolution weights: truncated normal, stddev 0.02;
//     convolutions switch to He (fan-out, ReLU gain) when Config.ConvInit;
//   - biases (anything of rank <= 1): zero;
//   - normalization scale/offset: 1 and 0, set by the norm layers themselves;
//   - positional embeddings and the relative-position bias tables: truncated
//     normal stddev 0.02 regardless of ConvInit.

const initStdDev = 0.02

// truncatedNormalInitializer draws from a normal distribution with the given
// stddev, truncated to two stddevs: out-of-range draws are redrawn once and
// any remaining outliers clipped. Rank <= 1 variables (biases) and non-float
// variables are initialized to zero.
func truncatedNormalInitializer(rng *random.Random, stddev float64) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		values := rng.Normal(g, shape)
		redraw := rng.Normal(g, shape)
		two := Scalar(g, shape.DType, 2.0)
		values = Where(GreaterThan(Abs(values), two), redraw, values)
		values = ClipScalar(values, -2.0, 2.0)
		return MulScalar(values, stddev)
	}
}

// heFanOutInitializer is He initialization computed over the fan-out, the
// variant used for convolutions followed by ReLU family activations:
// stddev = sqrt(2 / fanOut), with fanOut = outputChannels * receptiveField.
// Rank <= 1 variables are initialized to zero.
func heFanOutInitializer(rng *random.Random) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		rank := shape.Rank()
		receptiveField := 1
		for _, dim := range shape.Dimensions[:max(rank-2, 0)] {
			receptiveField *= dim
		}
		fanOut := shape.Dimensions[rank-1] * receptiveField
		stddev := math.Sqrt(2.0 / math.Max(1.0, float64(fanOut)))
		values := rng.Normal(g, shape)
		return MulScalar(values, stddev)
	}
}

// weightsCtx returns ctx with the default weight initializer set.
func (m *Model) weightsCtx(ctx *context.Context) *context.Context {
	return ctx.WithInitializer(truncatedNormalInitializer(m.rng, initStdDev))
}

// convInitializer returns the convolution-weight initializer override, or nil
// when convolutions follow the default truncated-normal policy.
func (m *Model) convInitializer() context.VariableInitializer {
	if m.cfg.ConvInit {
		return heFanOutInitializer(m.rng)
	}
	return nil
}

// convCtx returns ctx with the convolution-weight initializer set. It differs
// from weightsCtx only when ConvInit is enabled.
func (m *Model) convCtx(ctx *context.Context) *context.Context {
	if init := m.convInitializer(); init != nil {
		return ctx.WithInitializer(init)
	}
	return ctx
}
