// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Checkpoints are safetensors files whose tensor names are the context
// variable paths relative to the model root, e.g. "stem/conv/weights" or
// "stage2/block0/attn/bias_table". Loading creates the variables with
// VariableWithValue, so it must happen before the forward graph is built.

// safetensorsInfo is the per-tensor entry of the safetensors JSON header.
type safetensorsInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

// loadSafetensors reads every tensor of the file into context variables
// under ctx's current scope, except tensors whose name starts with one of
// skipPrefixes. It returns how many tensors were loaded and skipped.
//
// Half-precision payloads (F16, BF16) are converted to float32.
func loadSafetensors(ctx *context.Context, filePath string, skipPrefixes []string) (loaded, skipped int, err error) {
	fileData, err := os.ReadFile(filePath)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "failed to read checkpoint %q", filePath)
	}
	if len(fileData) < 8 {
		return 0, 0, errors.Errorf("checkpoint %q too small to hold a safetensors header", filePath)
	}
	headerSize := int(binary.LittleEndian.Uint64(fileData[:8]))
	if len(fileData) < 8+headerSize {
		return 0, 0, errors.Errorf("checkpoint %q truncated: header claims %d bytes", filePath, headerSize)
	}

	var header map[string]json.RawMessage
	if err = json.Unmarshal(fileData[8:8+headerSize], &header); err != nil {
		return 0, 0, errors.Wrapf(err, "failed to parse safetensors header of %q", filePath)
	}
	payload := fileData[8+headerSize:]

	for name, rawInfo := range header {
		if name == "__metadata__" {
			continue
		}
		if hasAnyPrefix(name, skipPrefixes) {
			skipped++
			continue
		}
		var info safetensorsInfo
		if err = json.Unmarshal(rawInfo, &info); err != nil {
			return loaded, skipped, errors.Wrapf(err, "invalid safetensors entry %q in %q", name, filePath)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > len(payload) {
			return loaded, skipped, errors.Errorf("tensor %q has out-of-bounds offsets %v in %q", name, info.Offsets, filePath)
		}
		tensor, err := tensorFromBytes(payload[info.Offsets[0]:info.Offsets[1]], info)
		if err != nil {
			return loaded, skipped, errors.Wrapf(err, "tensor %q in %q", name, filePath)
		}
		scopedCtx, varName := scopeForTensor(ctx, name)
		scopedCtx.VariableWithValue(varName, tensor)
		loaded++
	}
	return loaded, skipped, nil
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// scopeForTensor splits a checkpoint tensor name into the enclosing scope and
// the variable name, e.g. "stem/conv/weights" -> ctx.In("stem").In("conv"),
// "weights".
func scopeForTensor(ctx *context.Context, name string) (*context.Context, string) {
	parts := strings.Split(name, "/")
	for _, scope := range parts[:len(parts)-1] {
		ctx = ctx.In(scope)
	}
	return ctx, parts[len(parts)-1]
}

// tensorFromBytes decodes the little-endian payload of one tensor.
func tensorFromBytes(data []byte, info safetensorsInfo) (*tensors.Tensor, error) {
	numElements := 1
	for _, dim := range info.Shape {
		numElements *= dim
	}
	dtype, elementSize, err := safetensorsDType(info.DType)
	if err != nil {
		return nil, err
	}
	if len(data) != numElements*elementSize {
		return nil, errors.Errorf("payload has %d bytes, want %d for shape %v of %s",
			len(data), numElements*elementSize, info.Shape, info.DType)
	}

	values := make([]float32, numElements)
	switch dtype {
	case dtypes.Float32:
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case dtypes.Float16:
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
	case dtypes.BFloat16:
		// BFloat16 is the upper half of a float32.
		for i := range values {
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
		}
	}
	return tensors.FromFlatDataAndDimensions(values, info.Shape...), nil
}

func safetensorsDType(s string) (dtype dtypes.DType, elementSize int, err error) {
	switch s {
	case "F32":
		return dtypes.Float32, 4, nil
	case "F16":
		return dtypes.Float16, 2, nil
	case "BF16":
		return dtypes.BFloat16, 2, nil
	default:
		return dtypes.InvalidDType, 0, errors.Errorf("unsupported safetensors dtype %q", s)
	}
}
