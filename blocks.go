// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
)

const (
	normEpsilon  = 1e-5
	normMomentum = 0.9
)

// norm applies the configured normalization over the channels axis of a NCHW
// feature map.
func (m *Model) norm(ctx *context.Context, x *Node) *Node {
	if m.cfg.Norm == NormLayer {
		return layers.LayerNormalization(ctx, x, 1).Epsilon(normEpsilon).Done()
	}
	return batchnorm.New(ctx, x, 1).
		Epsilon(normEpsilon).
		Momentum(normMomentum).
		Done()
}

// conv1x1 is a pointwise convolution on a channels-first feature map.
func (m *Model) conv1x1(ctx *context.Context, x *Node, filters int, useBias bool) *Node {
	return layers.Convolution(m.convCtx(ctx), x).
		Filters(filters).
		KernelSize(1).
		NoPadding().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(useBias).
		CurrentScope().
		Done()
}

// stem is the entry convolution: 7x7 stride-2, norm and ReLU. It halves the
// spatial resolution.
func (m *Model) stem(ctx *context.Context, x *Node) *Node {
	x = layers.Convolution(m.convCtx(ctx.In("conv")), x).
		Filters(m.cfg.InitChannels).
		KernelSize(7).
		Strides(2).
		PadSame().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(false).
		CurrentScope().
		Done()
	x = m.norm(ctx.In("norm"), x)
	return activations.Relu(x)
}

// patchEmbed projects non-overlapping patchSize x patchSize patches to
// embedDim channels with a strided convolution, dividing the resolution by
// patchSize, followed by the embedding norm when configured.
func (m *Model) patchEmbed(ctx *context.Context, x *Node, patchSize, embedDim int) *Node {
	x = layers.Convolution(m.convCtx(ctx.In("conv")), x).
		Filters(embedDim).
		KernelSize(patchSize).
		Strides(patchSize).
		NoPadding().
		ChannelsAxis(images.ChannelsFirst).
		UseBias(true).
		CurrentScope().
		Done()
	if m.cfg.EmbeddingNorm {
		x = m.norm(ctx.In("norm"), x)
	}
	return x
}

// mlp is the feed-forward branch of a block, built from pointwise
// convolutions. With spatialConv a grouped 3x3 convolution runs between the
// two pointwise ones, and the hidden width follows a different policy:
// 2x the input width (or 5/6 of it when grouping is disabled) instead of
// MLPRatio times.
func (m *Model) mlp(ctx *context.Context, x *Node, spatialConv bool) *Node {
	inFeatures := x.Shape().Dimensions[1]
	hidden := int(float64(inFeatures) * m.cfg.MLPRatio)
	if spatialConv {
		if m.cfg.Group < 2 {
			hidden = inFeatures * 5 / 6
		} else {
			hidden = inFeatures * 2
		}
	}

	x = m.conv1x1(ctx.In("fc1"), x, hidden, false)
	x = activations.Gelu(x)
	x = layers.DropoutStatic(ctx, x, m.cfg.DropRate)

	if spatialConv {
		x = layers.Convolution(m.convCtx(ctx.In("conv")), x).
			Filters(hidden).
			KernelSize(3).
			PadSame().
			ChannelGroupCount(m.cfg.Group).
			ChannelsAxis(images.ChannelsFirst).
			UseBias(false).
			CurrentScope().
			Done()
		x = activations.Gelu(x)
	}

	x = m.conv1x1(ctx.In("fc2"), x, inFeatures, false)
	return layers.DropoutStatic(ctx, x, m.cfg.DropRate)
}

// dropPath applies stochastic depth to a residual branch while training:
// whole samples are zeroed with probability rate and the survivors rescaled
// by 1/(1-rate), keeping the branch expectation unchanged.
func (m *Model) dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	x = layers.DropPath(ctx, x, Scalar(g, x.DType(), rate))
	return MulScalar(x, 1/(1-rate))
}

// block is one transformer block: a pre-norm attention branch (optional per
// stage) and a pre-norm MLP branch, both residual with stochastic depth.
func (m *Model) block(ctx *context.Context, x *Node, stage stageConfig, window WindowGeometry, dropPathRate float64) *Node {
	if stage.attnEnabled {
		headDim := int(float64(stage.dim/stage.numHeads) * stage.headDimRatio)
		branch := m.norm(ctx.In("norm1"), x)
		branch = WindowAttention(ctx.In("attn"), branch).
			Window(window).
			NumHeads(stage.numHeads).
			HeadDim(headDim).
			UseBias(m.cfg.QKVBias).
			ScaleExponent(m.cfg.qkScaleExponent()).
			Dropout(m.cfg.AttnDropRate, m.cfg.DropRate).
			ConvWeightsInitializer(m.convInitializer()).
			Done()
		x = Add(x, m.dropPath(ctx, branch, dropPathRate))
	}
	branch := m.norm(ctx.In("norm2"), x)
	branch = m.mlp(ctx.In("mlp"), branch, stage.spatialConv)
	return Add(x, m.dropPath(ctx, branch, dropPathRate))
}
