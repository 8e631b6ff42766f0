// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// WindowAttention performs windowed multi-head self-attention with a learned
// relative-position bias on a channels-first feature map.
//
// x must be shaped [batch, channels, height, width] and its spatial area must
// equal the window area: the window spans the entire feature map, there is no
// partitioning into sub-windows. It returns a feature map of the same shape.
//
// The returned builder gives access to optional hyperparameters, and the
// attention is built when Done is called. Example:
//
//	x = WindowAttention(ctx.In("attn"), x).
//		Window(WindowGeometry{Height: 7, Width: 7}).
//		NumHeads(6).
//		HeadDim(64).
//		Done()
func WindowAttention(ctx *context.Context, x *Node) *WindowAttentionBuilder {
	return &WindowAttentionBuilder{
		ctx:           ctx,
		x:             x,
		numHeads:      8,
		scaleExponent: defaultQKScaleExponent,
	}
}

// WindowAttentionBuilder is created by WindowAttention.
type WindowAttentionBuilder struct {
	ctx                        *context.Context
	x                          *Node
	window                     WindowGeometry
	numHeads, headDim          int
	useBias                    bool
	scaleExponent              float64
	attnDropout, outputDropout float64
	convInitializer            context.VariableInitializer
}

// Window sets the attention window geometry. Required.
func (b *WindowAttentionBuilder) Window(window WindowGeometry) *WindowAttentionBuilder {
	b.window = window
	return b
}

// NumHeads sets the number of attention heads. Defaults to 8.
func (b *WindowAttentionBuilder) NumHeads(n int) *WindowAttentionBuilder {
	b.numHeads = n
	return b
}

// HeadDim sets the per-head projection width. Defaults to channels/numHeads.
func (b *WindowAttentionBuilder) HeadDim(d int) *WindowAttentionBuilder {
	b.headDim = d
	return b
}

// UseBias adds a learnable bias to the fused query/key/value projection.
// Defaults to false.
func (b *WindowAttentionBuilder) UseBias(useBias bool) *WindowAttentionBuilder {
	b.useBias = useBias
	return b
}

// ScaleExponent sets the exponent of headDim by which query and key are each
// multiplied before their dot product. The default of -0.25 recovers the
// conventional headDim**-0.5 logit scaling, split over the two factors for
// numerical stability. An explicit value is used as-is on both factors, so
// the effective logit scale becomes headDim**(2*value).
func (b *WindowAttentionBuilder) ScaleExponent(exponent float64) *WindowAttentionBuilder {
	b.scaleExponent = exponent
	return b
}

// Dropout sets the dropout rates applied to the attention weights and to the
// output projection. Both default to 0. Dropout only applies when the context
// is marked as training.
func (b *WindowAttentionBuilder) Dropout(attnRate, outputRate float64) *WindowAttentionBuilder {
	b.attnDropout = attnRate
	b.outputDropout = outputRate
	return b
}

// ConvWeightsInitializer overrides the initializer used for the projection
// convolution kernels. The relative-position bias table always uses the
// context's default initializer.
func (b *WindowAttentionBuilder) ConvWeightsInitializer(initializer context.VariableInitializer) *WindowAttentionBuilder {
	b.convInitializer = initializer
	return b
}

// Done builds the attention and returns a feature map shaped like the input.
func (b *WindowAttentionBuilder) Done() *Node {
	ctx, x := b.ctx, b.x
	g := x.Graph()
	if x.Rank() != 4 {
		Panicf("WindowAttention requires a [batch, channels, height, width] input, got shape %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batch, channels, height, width := dims[0], dims[1], dims[2], dims[3]
	if b.window.Height < 1 || b.window.Width < 1 {
		Panicf("WindowAttention window geometry not set or invalid: %+v", b.window)
	}
	area := b.window.Area()
	if height*width != area {
		Panicf(
			"WindowAttention window %dx%d must span the whole %dx%d feature map, it cannot sub-tile it",
			b.window.Height, b.window.Width, height, width)
	}
	headDim := b.headDim
	if headDim == 0 {
		headDim = channels / b.numHeads
	}
	innerDim := b.numHeads * headDim

	convCtx := ctx
	if b.convInitializer != nil {
		convCtx = ctx.WithInitializer(b.convInitializer)
	}

	// Fused QKV projection, one 1x1 convolution instead of 3 matmuls.
	qkv := layers.Convolution(convCtx.In("qkv"), x).
		Filters(3*innerDim).
		KernelSize(1).
		NoPadding().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(b.useBias).
		CurrentScope().
		Done()
	qkv = Reshape(qkv, batch, 3, b.numHeads, headDim, area)
	qkv = TransposeAllAxes(qkv, 1, 0, 2, 4, 3) // [3, batch, heads, area, headDim]
	q := Squeeze(Slice(qkv, AxisElem(0)), 0)
	k := Squeeze(Slice(qkv, AxisElem(1)), 0)
	v := Squeeze(Slice(qkv, AxisElem(2)), 0)

	// Q and K are each pre-scaled, their product carries the full scaling.
	scale := math.Pow(float64(headDim), b.scaleExponent)
	q = MulScalar(q, scale)
	k = MulScalar(k, scale)
	logits := Einsum("bhqd,bhkd->bhqk", q, k) // [batch, heads, area, area]

	logits = Add(logits, b.relativePositionBias(ctx, g))
	attn := Softmax(logits, -1)
	attn = layers.DropoutStatic(ctx, attn, b.attnDropout)

	out := Einsum("bhqk,bhkd->bhqd", attn, v)
	out = TransposeAllAxes(out, 0, 1, 3, 2) // [batch, heads, headDim, area]
	out = Reshape(out, batch, innerDim, height, width)
	out = layers.Convolution(convCtx.In("proj"), out).
		Filters(channels).
		KernelSize(1).
		NoPadding().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(false).
		CurrentScope().
		Done()
	return layers.DropoutStatic(ctx, out, b.outputDropout)
}

// relativePositionBias gathers the learned per-head bias for every ordered
// pair of window positions, returning shape [1, heads, area, area] ready to
// broadcast over the batch.
func (b *WindowAttentionBuilder) relativePositionBias(ctx *context.Context, g *Graph) *Node {
	area := b.window.Area()
	tableShape := shapes.Make(b.x.DType(), b.window.NumRelativePositions(), b.numHeads)
	tableVar := ctx.VariableWithShape("bias_table", tableShape)
	table := tableVar.ValueGraph(g)

	index := RelativePositionIndex(b.window.Height, b.window.Width)
	indexNode := ConstCachedTensor(g, tensors.FromFlatDataAndDimensions(index, area*area, 1))
	bias := Gather(table, indexNode)                // [area*area, heads]
	bias = Reshape(bias, area, area, b.numHeads)    // [query, key, heads]
	bias = TransposeAllAxes(bias, 2, 0, 1)          // [heads, query, key]
	return InsertAxes(bias, 0)
}
