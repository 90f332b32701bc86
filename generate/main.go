// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// generate loads a weights checkpoint saved by the train binary and samples images
// from a text prompt, writing them as a single PNG sheet.
//
// Example:
//
//	$ go run ./generate --weights=~/glide/checkpoints/glide-ft-20000.pt \
//	    --prompt="a red bird" --output=bird.png -set="sample_guidance_scale=6"
package main

import (
	"flag"

	"github.com/gomlx/glide"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagWeights   = flag.String("weights", "", "Weights checkpoint file (glide-ft-<step>.pt) to load.")
	flagPrompt    = flag.String("prompt", "", "Text prompt to sample images for.")
	flagOutput    = flag.String("output", "samples.png", "PNG file the sampled images sheet is written to.")
	flagNumImages = flag.Int("num_images", 4, "Number of images to sample.")
	flagTokenizer = flag.String("tokenizer", "openai-community/gpt2",
		"HuggingFace model repository to download the caption tokenizer from.")
)

var backend = backends.MustNew()

func main() {
	ctx := glide.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagWeights == "" {
		klog.Exitf("A weights checkpoint is required, set it with --weights")
	}
	_ = check1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		config := must.M1(glide.NewConfig(backend, ctx, "", "", "", nil))
		tokenizer := must.M1(glide.NewHuggingFaceTokenizer(*flagTokenizer, config.TextContext))
		must.M(glide.LoadWeights(ctx, *flagWeights))
		generator := glide.NewImagesGenerator(config, tokenizer, *flagPrompt, *flagNumImages)
		must.M(glide.WriteImageSheet(generator.Generate(), *flagOutput))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
