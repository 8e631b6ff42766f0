// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// visformer-classify runs a Visformer image classifier over image files.
//
// Usage:
//
//	visformer-classify --model=visformer_small photo.jpg other.png
//	visformer-classify --model=visformer_tiny --hub-repo=someorg/visformer-tiny --labels=imagenet.txt photo.jpg
//
// Without --hub-repo or --url the model runs with freshly initialized
// weights, which is only useful to inspect shapes and throughput.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"image"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/visformer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel   = flag.String("model", "visformer_small", "Architecture variant: visformer_tiny, visformer_small, visformer_tiny_v2 or visformer_small_v2.")
	flagHubRepo = flag.String("hub-repo", "", "HuggingFace repository with a safetensors checkpoint for the chosen model.")
	flagHubFile = flag.String("hub-file", "", "File name inside --hub-repo, defaults to model.safetensors.")
	flagURL     = flag.String("url", "", "Direct URL to a safetensors checkpoint, used when --hub-repo is empty.")
	flagClasses = flag.Int("num-classes", 1000, "Number of output classes.")
	flagLabels  = flag.String("labels", "", "Optional file with one class label per line.")
	flagTopK    = flag.Int("top-k", 5, "Number of top predictions to report per image.")
	flagSeed    = flag.Int64("seed", 42, "Seed for weight initialization when running without a checkpoint.")
	flagBackend = flag.String("backend", "", "Backend to use (default: auto-detect).")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "no image files given")
		flag.Usage()
		os.Exit(1)
	}
	if *flagBackend != "" {
		must.M(os.Setenv("GOMLX_BACKEND", *flagBackend))
	}

	cfg := configFor(*flagModel).
		WithNumClasses(*flagClasses).
		WithSeed(*flagSeed)
	model := must.M1(visformer.New(cfg))

	ctx := context.New()
	if *flagHubRepo != "" || *flagURL != "" {
		must.M(model.LoadPretrained(ctx, visformer.CheckpointSource{
			HubRepo: *flagHubRepo,
			File:    *flagHubFile,
			URL:     *flagURL,
		}))
	} else {
		klog.Warning("no checkpoint given, running with freshly initialized weights")
	}

	var srcImages []image.Image
	for _, filePath := range flag.Args() {
		srcImages = append(srcImages, must.M1(visformer.OpenImage(filePath)))
	}
	input := model.ImagesToTensor(srcImages)

	backend := backends.MustNew()
	// Checked(false) so the forward pass can mix checkpoint variables with
	// freshly created ones (e.g. a re-initialized classifier head).
	exec := context.MustNewExec(backend, ctx.Checked(false),
		func(ctx *context.Context, images *Node) *Node {
			logits := model.Forward(ctx, model.PreprocessImages(images))
			return Softmax(logits, -1)
		})
	probs := exec.MustExec1(input)

	fmt.Printf("%s: %s parameters\n", cfg.Name, humanize.Comma(int64(ctx.NumParameters())))
	labels := loadLabels(*flagLabels, cfg.NumClasses)
	values := probs.Value().([][]float32)
	for i, filePath := range flag.Args() {
		fmt.Printf("%s:\n", filePath)
		for _, p := range topK(values[i], *flagTopK) {
			fmt.Printf("  %6.2f%%  %s\n", 100*p.prob, labels[p.class])
		}
	}
}

func configFor(name string) *visformer.Config {
	switch name {
	case "visformer_tiny":
		return visformer.Tiny()
	case "visformer_small":
		return visformer.Small()
	case "visformer_tiny_v2":
		return visformer.TinyV2()
	case "visformer_small_v2":
		return visformer.SmallV2()
	default:
		klog.Fatalf("unknown model %q", name)
		return nil
	}
}

// loadLabels reads one label per line, falling back to "class <n>" names.
func loadLabels(filePath string, numClasses int) []string {
	labels := make([]string, numClasses)
	for i := range labels {
		labels[i] = fmt.Sprintf("class %d", i)
	}
	if filePath == "" {
		return labels
	}
	file := must.M1(os.Open(filePath))
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for i := 0; i < numClasses && scanner.Scan(); i++ {
		labels[i] = scanner.Text()
	}
	must.M(scanner.Err())
	return labels
}

type prediction struct {
	class int
	prob  float32
}

func topK(probs []float32, k int) []prediction {
	predictions := make([]prediction, len(probs))
	for i, p := range probs {
		predictions[i] = prediction{class: i, prob: p}
	}
	sort.Slice(predictions, func(i, j int) bool { return predictions[i].prob > predictions[j].prob })
	if k > len(predictions) {
		k = len(predictions)
	}
	return predictions[:k]
}
