// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package visformer

import (
	"os"
	"path"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointSource tells LoadPretrained where to fetch the weights from.
// Either HubRepo (a HuggingFace repository id, e.g. "someorg/visformer-small")
// or URL (a direct link to a safetensors file) must be set.
type CheckpointSource struct {
	// HubRepo is a HuggingFace model repository id. File names the
	// safetensors file inside it, defaulting to "model.safetensors".
	HubRepo string
	File    string

	// URL is a direct download link to a safetensors file, used when
	// HubRepo is empty. The file is cached under CacheDir.
	URL string

	// CacheDir for URL downloads. Defaults to ~/.cache/visformer.
	CacheDir string

	// NumClasses and InChannels of the released checkpoint. They default
	// to 1000 and 3 (ImageNet-1k); when the model configuration differs,
	// the mismatched parts of the checkpoint are skipped and keep their
	// fresh initialization (classifier head, respectively stem
	// convolution).
	NumClasses int
	InChannels int
}

// DefaultCheckpoints registers the released checkpoint per architecture
// variant, keyed by Config.Name. No public Visformer safetensors checkpoints
// have been released yet, so all entries are empty placeholders; fill in a
// CheckpointSource (or pass one directly to LoadPretrained) to use converted
// weights.
var DefaultCheckpoints = map[string]CheckpointSource{
	"visformer_tiny":     {},
	"visformer_small":    {},
	"visformer_tiny_v2":  {},
	"visformer_small_v2": {},
}

// LoadPretrained fetches the checkpoint described by source (downloading and
// caching it if needed) and loads its tensors into ctx as model variables.
//
// It must run before the forward graph is built on ctx. When parts of the
// checkpoint are skipped because of a head or stem mismatch (see
// CheckpointSource), the remaining variables are created by the forward pass
// itself, so the graph must then be built with ctx.Checked(false) to allow
// mixing loaded and fresh variables.
func (m *Model) LoadPretrained(ctx *context.Context, source CheckpointSource) error {
	filePath, err := source.fetch(m.cfg.Name)
	if err != nil {
		return err
	}

	var skipPrefixes []string
	if m.cfg.NumClasses != source.numClasses() {
		skipPrefixes = append(skipPrefixes, "head/")
		klog.Infof("visformer: model has %d classes, checkpoint %d: classifier head keeps its fresh initialization",
			m.cfg.NumClasses, source.numClasses())
	}
	if m.cfg.InChannels != source.inChannels() {
		skipPrefixes = append(skipPrefixes, "stem/conv/")
		klog.Infof("visformer: model has %d input channels, checkpoint %d: stem convolution keeps its fresh initialization",
			m.cfg.InChannels, source.inChannels())
	}

	loaded, skipped, err := loadSafetensors(ctx, filePath, skipPrefixes)
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained %s", m.cfg.Name)
	}
	if loaded == 0 {
		return errors.Errorf("pretrained checkpoint %q contained no loadable tensors", filePath)
	}
	klog.V(1).Infof("visformer: loaded %d tensors (%d skipped) from %q", loaded, skipped, filePath)
	return nil
}

// LoadPretrainedDefault loads the registered checkpoint for this model's
// variant from DefaultCheckpoints.
func (m *Model) LoadPretrainedDefault(ctx *context.Context) error {
	source, found := DefaultCheckpoints[m.cfg.Name]
	if !found {
		return errors.Errorf("no pretrained checkpoint registered for variant %q", m.cfg.Name)
	}
	return m.LoadPretrained(ctx, source)
}

func (s CheckpointSource) numClasses() int {
	if s.NumClasses == 0 {
		return 1000
	}
	return s.NumClasses
}

func (s CheckpointSource) inChannels() int {
	if s.InChannels == 0 {
		return 3
	}
	return s.InChannels
}

// fetch resolves the checkpoint to a local file, downloading it if needed.
func (s CheckpointSource) fetch(variant string) (string, error) {
	switch {
	case s.HubRepo != "":
		file := s.File
		if file == "" {
			file = "model.safetensors"
		}
		repo := hub.New(s.HubRepo).WithProgressBar(true)
		filePath, err := repo.DownloadFile(file)
		if err != nil {
			return "", errors.Wrapf(err, "failed to download %q from HuggingFace repo %q", file, s.HubRepo)
		}
		return filePath, nil

	case s.URL != "":
		cacheDir := s.CacheDir
		if cacheDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", errors.Wrap(err, "no cache directory configured and no home directory found")
			}
			cacheDir = path.Join(home, ".cache", "visformer")
		}
		filePath := path.Join(cacheDir, variant+".safetensors")
		if err := downloadIfMissing(s.URL, filePath); err != nil {
			return "", err
		}
		return filePath, nil

	default:
		return "", errors.Errorf(
			"no pretrained weights available for %q: the reference release ships no checkpoint URL, "+
				"set CheckpointSource.HubRepo or CheckpointSource.URL to converted weights", variant)
	}
}
