// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/random"
	. "github.com/gomlx/gomlx/pkg/support/exceptions"
)

// Model is a Visformer image classifier. It is stateless with respect to the
// weights: all learnable parameters live in the context given to Forward, and
// are created on first use with the configured initialization policy.
//
// Create one with New; build the computation with Forward.
type Model struct {
	cfg    *Config
	rng    *random.Random
	stages [numStages]stageConfig
}

// New validates cfg and returns a model for it. The returned model keeps a
// reference to cfg, which must not be modified afterwards.
func New(cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{
		cfg:    cfg,
		rng:    random.NewWithSeed(cfg.Seed),
		stages: cfg.stages(),
	}, nil
}

// Config returns the model configuration.
func (m *Model) Config() *Config { return m.cfg }

// Forward builds the classification graph and returns the logits, shaped
// [batch, NumClasses]. images must be channels-first,
// [batch, InChannels, ImgSize, ImgSize].
//
// Whether dropout and stochastic depth are active is governed by the
// context's training mode (context.Context.SetTraining).
//
// The layout of the network:
//
//	stem: 7x7 stride-2 conv + norm + ReLU        (resolution /2)
//	4 x stage:
//	    patch embed (2x2 strided conv [+ norm])  (resolution /2)
//	    [+ positional embedding + dropout]
//	    depth x transformer block
//	final norm, global average pool, dense head
func (m *Model) Forward(ctx *context.Context, images *Node) *Node {
	images.AssertDims(-1, m.cfg.InChannels, m.cfg.ImgSize, m.cfg.ImgSize)
	if images.DType() != m.cfg.DType {
		Panicf("visformer model configured for dtype %s, got images with dtype %s",
			m.cfg.DType, images.DType())
	}
	ctx = m.weightsCtx(ctx)

	x := m.stem(ctx.In("stem"), images)
	for _, stage := range m.stages {
		x = m.buildStage(ctx.Inf("stage%d", stage.index), x, stage)
	}

	x = m.norm(ctx.In("norm"), x)
	if m.cfg.Pool {
		x = ReduceMean(x, -1, -2)
	} else {
		// Ablation path of the reference model: take the top-left spatial
		// position instead of pooling.
		x = Squeeze(Slice(x, AxisRange(), AxisRange(), AxisElem(0), AxisElem(0)), -1, -2)
	}
	return layers.Dense(ctx.In("head"), x, true, m.cfg.NumClasses)
}

// buildStage runs one stage: patch embedding, optional positional embedding
// and the stage's transformer blocks.
func (m *Model) buildStage(ctx *context.Context, x *Node, stage stageConfig) *Node {
	x = m.patchEmbed(ctx.In("embed"), x, 2, stage.dim)
	if m.cfg.PosEmbed {
		x = m.addPositionalEmbedding(ctx, x)
		x = layers.DropoutStatic(ctx, x, m.cfg.DropRate)
	}
	dims := x.Shape().Dimensions
	window := clampWindow(dims[2], dims[3], stage.windowSize)
	for i := 0; i < stage.depth; i++ {
		x = m.block(ctx.Inf("block%d", i), x, stage, window, stage.dropPath[i])
	}
	return x
}

// addPositionalEmbedding broadcast-adds a learned [1, C, H, W] embedding,
// one independent instance per stage. It is always truncated-normal
// initialized, independently of the convolution policy.
func (m *Model) addPositionalEmbedding(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	shape := shapes.Make(x.DType(), 1, dims[1], dims[2], dims[3])
	v := m.weightsCtx(ctx).VariableWithShape("pos_embed", shape)
	return Add(x, v.ValueGraph(g))
}
