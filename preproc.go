// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"image"

	"github.com/disintegration/imaging"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// ImageNet channel statistics, the standard normalization for the released
// classification weights.
var (
	imageNetMean   = []float32{0.485, 0.456, 0.406}
	imageNetStdDev = []float32{0.229, 0.224, 0.225}
)

// OpenImage decodes an image file. Format is derived from the content.
func OpenImage(filePath string) (image.Image, error) {
	img, err := imaging.Open(filePath, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	return img, nil
}

// ImagesToTensor resizes the images to the model resolution, filling the
// square by scaling and center-cropping, and packs them into a
// [batch, height, width, 3] tensor with values in [0, 1]. Feed the result
// through PreprocessImages to obtain the model input.
func (m *Model) ImagesToTensor(srcImages []image.Image) *tensors.Tensor {
	resized := make([]image.Image, len(srcImages))
	for i, img := range srcImages {
		resized[i] = imaging.Fill(img, m.cfg.ImgSize, m.cfg.ImgSize, imaging.Center, imaging.Lanczos)
	}
	return timages.ToTensor(m.cfg.DType).Batch(resized)
}

// PreprocessImages is a graph function that turns a [batch, height, width, 3]
// image tensor with values in [0, 1] (as produced by ImagesToTensor) into the
// channels-first, ImageNet-normalized input expected by Forward.
func (m *Model) PreprocessImages(x *Node) *Node {
	g := x.Graph()
	x.AssertDims(-1, m.cfg.ImgSize, m.cfg.ImgSize, 3)
	mean := Reshape(Const(g, imageNetMean), 1, 1, 1, 3)
	stddev := Reshape(Const(g, imageNetStdDev), 1, 1, 1, 3)
	x = Div(Sub(x, ConvertDType(mean, x.DType())), ConvertDType(stddev, x.DType()))
	return TransposeAllAxes(x, 0, 3, 1, 2)
}
