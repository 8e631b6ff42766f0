// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

func safetensorsBytes(t *testing.T, entries []testTensor) []byte {
	header := make(map[string]safetensorsInfo, len(entries))
	var payload []byte
	for _, entry := range entries {
		header[entry.name] = safetensorsInfo{
			DType:   entry.dtype,
			Shape:   entry.shape,
			Offsets: [2]int{len(payload), len(payload) + len(entry.data)},
		}
		payload = append(payload, entry.data...)
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(headerJSON)))
	buf.Write(sizeBytes[:])
	buf.Write(headerJSON)
	buf.Write(payload)
	return buf.Bytes()
}

func writeSafetensors(t *testing.T, filePath string, entries []testTensor) {
	require.NoError(t, os.WriteFile(filePath, safetensorsBytes(t, entries), 0644))
}

func float32Bytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func uint16Bytes(bits ...uint16) []byte {
	data := make([]byte, 2*len(bits))
	for i, b := range bits {
		binary.LittleEndian.PutUint16(data[i*2:], b)
	}
	return data
}

func checkpointEntries() []testTensor {
	return []testTensor{
		{"stem/conv/weights", "F32", []int{2, 1}, float32Bytes(1.5, -2)},
		{"head/dense/weights", "F32", []int{2}, float32Bytes(0, 0)},
		// F16: 1.0 and -0.5.
		{"norm/batch_normalization/scale", "F16", []int{2}, uint16Bytes(0x3C00, 0xB800)},
		// BF16: 1.5.
		{"stage0/embed/conv/biases", "BF16", []int{1}, uint16Bytes(0x3FC0)},
	}
}

func TestLoadSafetensors(t *testing.T) {
	filePath := path.Join(t.TempDir(), "model.safetensors")
	writeSafetensors(t, filePath, checkpointEntries())

	ctx := context.New()
	loaded, skipped, err := loadSafetensors(ctx, filePath, []string{"head/"})
	require.NoError(t, err)
	assert.Equal(t, 3, loaded)
	assert.Equal(t, 1, skipped)

	weights := ctx.InspectVariable("/stem/conv", "weights")
	require.NotNil(t, weights)
	assert.Equal(t, []int{2, 1}, weights.Shape().Dimensions)

	scale := ctx.InspectVariable("/norm/batch_normalization", "scale")
	require.NotNil(t, scale)

	biases := ctx.InspectVariable("/stage0/embed/conv", "biases")
	require.NotNil(t, biases)

	assert.Nil(t, ctx.InspectVariable("/head/dense", "weights"))
}

func TestLoadSafetensorsErrors(t *testing.T) {
	dir := t.TempDir()

	truncated := path.Join(dir, "truncated.safetensors")
	require.NoError(t, os.WriteFile(truncated, []byte{1, 2, 3, 4}, 0644))
	_, _, err := loadSafetensors(context.New(), truncated, nil)
	require.Error(t, err)

	badDType := path.Join(dir, "baddtype.safetensors")
	writeSafetensors(t, badDType, []testTensor{
		{"w", "I64", []int{1}, make([]byte, 8)},
	})
	_, _, err = loadSafetensors(context.New(), badDType, nil)
	require.ErrorContains(t, err, "unsupported safetensors dtype")

	// Header claiming more payload than the file holds.
	headerJSON, jsonErr := json.Marshal(map[string]safetensorsInfo{
		"w": {DType: "F32", Shape: []int{4}, Offsets: [2]int{0, 16}},
	})
	require.NoError(t, jsonErr)
	var buf bytes.Buffer
	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(len(headerJSON)))
	buf.Write(sizeBytes[:])
	buf.Write(headerJSON)
	badOffsets := path.Join(dir, "badoffsets.safetensors")
	require.NoError(t, os.WriteFile(badOffsets, buf.Bytes(), 0644))
	_, _, err = loadSafetensors(context.New(), badOffsets, nil)
	require.ErrorContains(t, err, "out-of-bounds")
}

func TestLoadPretrainedFromURL(t *testing.T) {
	fileData := safetensorsBytes(t, checkpointEntries())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fileData)
	}))
	defer server.Close()

	// 10 classes vs the checkpoint's 1000: the head is skipped and keeps its
	// fresh initialization.
	model, err := New(Tiny().WithNumClasses(10))
	require.NoError(t, err)
	cacheDir := t.TempDir()
	source := CheckpointSource{URL: server.URL + "/visformer.safetensors", CacheDir: cacheDir}

	ctx := context.New()
	require.NoError(t, model.LoadPretrained(ctx, source))
	require.NotNil(t, ctx.InspectVariable("/stem/conv", "weights"))
	require.NotNil(t, ctx.InspectVariable("/norm/batch_normalization", "scale"))
	assert.Nil(t, ctx.InspectVariable("/head/dense", "weights"))

	// The download is cached: a second load succeeds with the server gone.
	server.Close()
	ctx = context.New()
	require.NoError(t, model.LoadPretrained(ctx, source))
	require.NotNil(t, ctx.InspectVariable("/stem/conv", "weights"))
}

func TestLoadPretrainedStemSkip(t *testing.T) {
	fileData := safetensorsBytes(t, checkpointEntries())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fileData)
	}))
	defer server.Close()

	// 1 input channel vs the checkpoint's 3: only the stem convolution is
	// skipped, the head (matching 1000 classes) and everything else load.
	model, err := New(Tiny().WithInputChannels(1))
	require.NoError(t, err)
	ctx := context.New()
	require.NoError(t, model.LoadPretrained(ctx, CheckpointSource{
		URL:      server.URL + "/visformer.safetensors",
		CacheDir: t.TempDir(),
	}))
	assert.Nil(t, ctx.InspectVariable("/stem/conv", "weights"))
	require.NotNil(t, ctx.InspectVariable("/head/dense", "weights"))
	require.NotNil(t, ctx.InspectVariable("/norm/batch_normalization", "scale"))
	require.NotNil(t, ctx.InspectVariable("/stage0/embed/conv", "biases"))
}

func TestLoadPretrainedAllSkipped(t *testing.T) {
	fileData := safetensorsBytes(t, []testTensor{
		{"head/dense/weights", "F32", []int{2}, float32Bytes(0, 0)},
	})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(fileData)
	}))
	defer server.Close()

	model, err := New(Tiny().WithNumClasses(10))
	require.NoError(t, err)
	err = model.LoadPretrained(context.New(), CheckpointSource{
		URL:      server.URL + "/headonly.safetensors",
		CacheDir: t.TempDir(),
	})
	require.ErrorContains(t, err, "no loadable tensors")
}

func TestLoadPretrainedDefaultUnavailable(t *testing.T) {
	// No public checkpoint release: the registry entries are placeholders.
	model, err := New(Tiny())
	require.NoError(t, err)
	err = model.LoadPretrainedDefault(context.New())
	require.ErrorContains(t, err, "no pretrained weights")
}
