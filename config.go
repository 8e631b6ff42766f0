// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package visformer implements the Visformer family of convolution/attention
// hybrid image classifiers ("Visformer: The Vision-friendly Transformer",
// https://arxiv.org/abs/2104.12533) for GoMLX.
//
// The network is organized in four stages of decreasing spatial resolution
// and non-decreasing channel width. Early stages use convolutional MLP
// blocks; later stages add windowed multi-head self-attention with a learned
// relative-position bias. See New and the preset configurations Tiny, Small,
// TinyV2 and SmallV2.
package visformer

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// NormKind selects the normalization layer used throughout the network.
type NormKind int

const (
	// NormBatch is batch normalization, the reference configuration.
	NormBatch NormKind = iota
	// NormLayer is layer normalization over the channels axis.
	NormLayer
)

// Default window size and head-dim ratio per stage. The window always spans
// the whole feature map once the stage resolution has shrunk to match it (and
// is clamped when it hasn't, see WindowGeometry), so there is no sub-tiling
// of the feature map.
var (
	stageWindowSizes   = [numStages]int{56, 28, 14, 7}
	stageHeadDimRatios = [numStages]float64{0.25, 0.5, 1.0, 1.0}
)

const numStages = 4

// defaultQKScaleExponent is applied independently to Q and K before their dot
// product, so the product of the two factors recovers the conventional
// head_dim**-0.5 logit scaling.
const defaultQKScaleExponent = -0.25

// Config describes a Visformer architecture. Construct one with a preset
// (Tiny, Small, TinyV2, SmallV2) or fill it in directly, optionally chain the
// With* setters, then pass it to New.
type Config struct {
	// Name identifies the architecture variant, e.g. "visformer_tiny". Preset
	// constructors fill it in; it keys the pretrained-checkpoint registry.
	Name string

	// ImgSize is the input resolution (square). Must be divisible by 32:
	// the stem halves it once and each of the 4 stages halves it again.
	ImgSize int

	// InChannels is the number of input image channels.
	InChannels int

	// NumClasses is the size of the classifier head output.
	NumClasses int

	// InitChannels is the channel width produced by the stem.
	InitChannels int

	// EmbedDim is the base channel width C; the stages use C/4, C/2, C, 2C.
	EmbedDim int

	// Depth is the number of transformer blocks per stage. Must have
	// exactly 4 entries.
	Depth []int

	// NumHeads is the attention head count per stage. A single entry is
	// broadcast to all 4 stages.
	NumHeads []int

	// MLPRatio is the hidden-width expansion of the MLP blocks in stages
	// without a spatial convolution.
	MLPRatio float64

	// QKVBias adds a bias term to the fused QKV projection.
	QKVBias bool

	// QKScaleExponent overrides the exponent applied to head_dim when
	// scaling Q and K. It is applied to *both* factors, so the effective
	// logit scale is head_dim**(2*exponent). Nil selects the default
	// of -0.25 (effective head_dim**-0.5). Set it with WithQKScaleExponent.
	QKScaleExponent *float64

	// DropRate is the dropout rate used after projections and positional
	// embeddings.
	DropRate float64

	// AttnDropRate is the dropout rate on attention weights.
	AttnDropRate float64

	// DropPathRate is the maximum stochastic-depth rate; per-block rates
	// grow linearly from 0 to this value across the whole network.
	DropPathRate float64

	// AttnStages enables the attention branch per stage: 4 characters,
	// '1' enables, '0' disables. E.g. "0011" enables stages 2 and 3.
	AttnStages string

	// SpatialConvStages enables the grouped 3x3 convolution inside the
	// MLP per stage, same format as AttnStages.
	SpatialConvStages string

	// PosEmbed enables a learned absolute positional embedding per stage.
	PosEmbed bool

	// Group is the group count of the MLP spatial convolution.
	Group int

	// Pool selects global average pooling before the head. When false the
	// head sees only the top-left spatial position -- an ablation path of
	// the reference implementation, preserved as-is.
	Pool bool

	// ConvInit switches convolution weights to He (fan-out) initialization
	// instead of truncated normal.
	ConvInit bool

	// EmbeddingNorm adds a normalization after each patch embedding.
	EmbeddingNorm bool

	// Norm selects the normalization layer kind.
	Norm NormKind

	// DType of all parameters and activations.
	DType dtypes.DType

	// Seed for the weight-initialization random streams.
	Seed int64
}

// Tiny returns the visformer_tiny configuration.
func Tiny() *Config {
	cfg := baseConfig()
	cfg.Name = "visformer_tiny"
	cfg.InitChannels = 16
	cfg.EmbedDim = 192
	cfg.Depth = []int{0, 7, 4, 4}
	cfg.NumHeads = []int{3, 3, 3, 3}
	cfg.DropPathRate = 0.03
	return cfg
}

// Small returns the visformer_small configuration.
func Small() *Config {
	cfg := baseConfig()
	cfg.Name = "visformer_small"
	cfg.InitChannels = 32
	cfg.EmbedDim = 384
	cfg.Depth = []int{0, 7, 4, 4}
	cfg.NumHeads = []int{6, 6, 6, 6}
	cfg.DropPathRate = 0.1
	return cfg
}

// TinyV2 returns the visformer_tiny_v2 configuration.
func TinyV2() *Config {
	cfg := baseConfig()
	cfg.Name = "visformer_tiny_v2"
	cfg.InitChannels = 24
	cfg.EmbedDim = 192
	cfg.Depth = []int{1, 4, 6, 3}
	cfg.NumHeads = []int{1, 3, 6, 12}
	cfg.DropPathRate = 0.03
	cfg.WithQKScaleExponent(-0.5)
	return cfg
}

// SmallV2 returns the visformer_small_v2 configuration.
func SmallV2() *Config {
	cfg := baseConfig()
	cfg.Name = "visformer_small_v2"
	cfg.InitChannels = 32
	cfg.EmbedDim = 256
	cfg.Depth = []int{1, 10, 14, 3}
	cfg.NumHeads = []int{2, 4, 8, 16}
	cfg.DropPathRate = 0.1
	cfg.WithQKScaleExponent(-0.5)
	return cfg
}

func baseConfig() *Config {
	return &Config{
		ImgSize:           224,
		InChannels:        3,
		NumClasses:        1000,
		MLPRatio:          4.0,
		AttnStages:        "0011",
		SpatialConvStages: "1100",
		PosEmbed:          true,
		Group:             8,
		Pool:              true,
		ConvInit:          true,
		EmbeddingNorm:     true,
		Norm:              NormBatch,
		DType:             dtypes.Float32,
	}
}

// WithImageSize sets the input resolution.
func (c *Config) WithImageSize(size int) *Config { c.ImgSize = size; return c }

// WithNumClasses sets the classifier head size.
func (c *Config) WithNumClasses(n int) *Config { c.NumClasses = n; return c }

// WithInputChannels sets the number of input image channels.
func (c *Config) WithInputChannels(n int) *Config { c.InChannels = n; return c }

// WithDropPathRate sets the maximum stochastic-depth rate.
func (c *Config) WithDropPathRate(rate float64) *Config { c.DropPathRate = rate; return c }

// WithDropRate sets the dropout rate.
func (c *Config) WithDropRate(rate float64) *Config { c.DropRate = rate; return c }

// WithPosEmbed enables or disables the learned positional embeddings.
func (c *Config) WithPosEmbed(enabled bool) *Config { c.PosEmbed = enabled; return c }

// WithPool enables or disables global average pooling before the head.
func (c *Config) WithPool(enabled bool) *Config { c.Pool = enabled; return c }

// WithDType sets the parameter/activation dtype.
func (c *Config) WithDType(dtype dtypes.DType) *Config { c.DType = dtype; return c }

// WithSeed sets the weight-initialization seed.
func (c *Config) WithSeed(seed int64) *Config { c.Seed = seed; return c }

// WithQKScaleExponent sets an explicit Q/K scaling exponent, applied to both
// factors. An explicit 0 disables the scaling entirely.
func (c *Config) WithQKScaleExponent(exponent float64) *Config {
	c.QKScaleExponent = &exponent
	return c
}

// NumFeatures returns the channel width entering the classifier head (2C).
func (c *Config) NumFeatures() int { return 2 * c.EmbedDim }

// Validate checks the configuration, returning a descriptive error on the
// first problem found. New calls it; it is exported so configurations can be
// checked early, e.g. when parsed from flags.
func (c *Config) Validate() error {
	if len(c.Depth) != numStages {
		return errors.Errorf("visformer: Depth must have exactly %d entries, got %d", numStages, len(c.Depth))
	}
	for i, d := range c.Depth {
		if d < 0 {
			return errors.Errorf("visformer: Depth[%d] = %d, must be >= 0", i, d)
		}
	}
	if len(c.NumHeads) != 1 && len(c.NumHeads) != numStages {
		return errors.Errorf("visformer: NumHeads must have 1 or %d entries, got %d", numStages, len(c.NumHeads))
	}
	for i, h := range c.NumHeads {
		if h < 1 {
			return errors.Errorf("visformer: NumHeads[%d] = %d, must be >= 1", i, h)
		}
	}
	if err := validStageFlags("AttnStages", c.AttnStages); err != nil {
		return err
	}
	if err := validStageFlags("SpatialConvStages", c.SpatialConvStages); err != nil {
		return err
	}
	if c.ImgSize <= 0 || c.ImgSize%32 != 0 {
		return errors.Errorf("visformer: ImgSize must be a positive multiple of 32 (stem + 4 stage downsamples), got %d", c.ImgSize)
	}
	if c.EmbedDim%4 != 0 {
		return errors.Errorf("visformer: EmbedDim must be divisible by 4 (stage widths are C/4, C/2, C, 2C), got %d", c.EmbedDim)
	}
	if c.InitChannels < 1 {
		return errors.Errorf("visformer: InitChannels must be >= 1, got %d", c.InitChannels)
	}
	if c.InChannels < 1 {
		return errors.Errorf("visformer: InChannels must be >= 1, got %d", c.InChannels)
	}
	if c.NumClasses < 1 {
		return errors.Errorf("visformer: NumClasses must be >= 1, got %d", c.NumClasses)
	}
	if c.Group < 1 {
		return errors.Errorf("visformer: Group must be >= 1, got %d", c.Group)
	}
	if c.DropRate < 0 || c.DropRate >= 1 {
		return errors.Errorf("visformer: DropRate must be in [0, 1), got %g", c.DropRate)
	}
	if c.AttnDropRate < 0 || c.AttnDropRate >= 1 {
		return errors.Errorf("visformer: AttnDropRate must be in [0, 1), got %g", c.AttnDropRate)
	}
	if c.DropPathRate < 0 || c.DropPathRate >= 1 {
		return errors.Errorf("visformer: DropPathRate must be in [0, 1), got %g", c.DropPathRate)
	}
	return nil
}

func validStageFlags(name, flags string) error {
	if len(flags) != numStages {
		return errors.Errorf("visformer: %s must have exactly %d characters of '0'/'1', got %q", name, numStages, flags)
	}
	for i, ch := range flags {
		if ch != '0' && ch != '1' {
			return errors.Errorf("visformer: %s[%d] must be '0' or '1', got %q", name, i, flags)
		}
	}
	return nil
}

// headsPerStage returns NumHeads broadcast to all stages.
func (c *Config) headsPerStage() [numStages]int {
	var heads [numStages]int
	for i := range heads {
		if len(c.NumHeads) == 1 {
			heads[i] = c.NumHeads[0]
		} else {
			heads[i] = c.NumHeads[i]
		}
	}
	return heads
}

// qkScaleExponent resolves the configured exponent, defaulting to -0.25.
func (c *Config) qkScaleExponent() float64 {
	if c.QKScaleExponent == nil {
		return defaultQKScaleExponent
	}
	return *c.QKScaleExponent
}

// stageConfig is the derived per-stage build plan.
type stageConfig struct {
	index        int
	dim          int     // channel width of the stage
	depth        int     // number of transformer blocks
	numHeads     int
	headDimRatio float64
	windowSize   int // before clamping against resolution
	resolution   int // feature-map height == width at stage entry (after the stage's patch embed)
	attnEnabled  bool
	spatialConv  bool
	dropPath     []float64 // per-block stochastic-depth rates, len == depth
}

// stages derives the four stage build plans from the configuration. The
// channel widths are C/4, C/2, C, 2C, the resolution halves at every patch
// embed, and the drop-path schedule is sliced in stage order.
func (c *Config) stages() [numStages]stageConfig {
	heads := c.headsPerStage()
	schedule := dropPathSchedule(totalDepth(c.Depth), c.DropPathRate)
	dims := [numStages]int{c.EmbedDim / 4, c.EmbedDim / 2, c.EmbedDim, c.EmbedDim * 2}

	var stages [numStages]stageConfig
	res := c.ImgSize / 2 // after the stem
	offset := 0
	for i := range stages {
		res /= 2 // after the stage's patch embed
		stages[i] = stageConfig{
			index:        i,
			dim:          dims[i],
			depth:        c.Depth[i],
			numHeads:     heads[i],
			headDimRatio: stageHeadDimRatios[i],
			windowSize:   stageWindowSizes[i],
			resolution:   res,
			attnEnabled:  c.AttnStages[i] == '1',
			spatialConv:  c.SpatialConvStages[i] == '1',
			dropPath:     schedule[offset : offset+c.Depth[i]],
		}
		offset += c.Depth[i]
	}
	return stages
}

func totalDepth(depth []int) int {
	total := 0
	for _, d := range depth {
		total += d
	}
	return total
}

// dropPathSchedule returns n per-block stochastic-depth rates linearly spaced
// from 0 to rate. For n == 1 the single block gets rate 0; for n == 0 the
// schedule is empty.
func dropPathSchedule(n int, rate float64) []float64 {
	schedule := make([]float64, n)
	if n <= 1 {
		return schedule
	}
	for i := range schedule {
		schedule[i] = rate * float64(i) / float64(n-1)
	}
	return schedule
}
