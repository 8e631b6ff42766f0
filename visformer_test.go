// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, cfg := range []*Config{
		Tiny().WithImageSize(64).WithNumClasses(10),
		TinyV2().WithImageSize(64).WithNumClasses(10),
	} {
		t.Run(cfg.Name, func(t *testing.T) {
			model, err := New(cfg)
			require.NoError(t, err)

			ctx := context.New()
			exec := context.MustNewExec(backend, ctx, model.Forward)
			logits := exec.MustExec1(testInput(2, 3, 64, 64))
			assert.Equal(t, []int{2, 10}, logits.Shape().Dimensions)
			assert.Positive(t, ctx.NumParameters())

			// Variable layout, the same paths a checkpoint uses.
			require.NotNil(t, ctx.InspectVariable("/stem/conv", "weights"))
			require.NotNil(t, ctx.InspectVariable("/stage2/block0/attn", "bias_table"))
			require.NotNil(t, ctx.InspectVariable("/head/dense", "weights"))
			require.NotNil(t, ctx.InspectVariable("/stage0", "pos_embed"))
		})
	}
}

func TestForwardDeterministic(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(Tiny().WithImageSize(64).WithNumClasses(10))
	require.NoError(t, err)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, model.Forward)
	input := testInput(2, 3, 64, 64)
	first := tensors.MustCopyFlatData[float32](exec.MustExec1(input))
	second := tensors.MustCopyFlatData[float32](exec.MustExec1(input))
	require.Equal(t, first, second)
}

func TestForwardWithoutPooling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(Tiny().WithImageSize(64).WithNumClasses(10).WithPool(false))
	require.NoError(t, err)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, model.Forward)
	logits := exec.MustExec1(testInput(2, 3, 64, 64))
	assert.Equal(t, []int{2, 10}, logits.Shape().Dimensions)
}

func TestForwardWithoutPosEmbed(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(Tiny().WithImageSize(64).WithNumClasses(10).WithPosEmbed(false))
	require.NoError(t, err)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, model.Forward)
	logits := exec.MustExec1(testInput(2, 3, 64, 64))
	assert.Equal(t, []int{2, 10}, logits.Shape().Dimensions)
	assert.Nil(t, ctx.InspectVariable("/stage0", "pos_embed"))
	assert.Nil(t, ctx.InspectVariable("/stage3", "pos_embed"))
}

func TestPreprocessImages(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model, err := New(Tiny().WithImageSize(64))
	require.NoError(t, err)

	ctx := context.New()
	out := context.MustExecOnce(backend, ctx, model.PreprocessImages, testInput(2, 64, 64, 3))
	assert.Equal(t, []int{2, 3, 64, 64}, out.Shape().Dimensions)

	// Pixels at the channel mean normalize to zero.
	flat := make([]float32, 64*64*3)
	for i := range flat {
		flat[i] = imageNetMean[i%3]
	}
	meanImage := tensors.FromFlatDataAndDimensions(flat, 1, 64, 64, 3)
	out = context.MustExecOnce(backend, ctx, model.PreprocessImages, meanImage)
	for _, v := range tensors.MustCopyFlatData[float32](out) {
		assert.InDelta(t, 0, v, 1e-6)
	}
}
