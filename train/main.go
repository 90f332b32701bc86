// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// train fine-tunes a GLIDE-style text-to-image diffusion model on a directory of
// images with sibling .txt caption files.
//
// Example:
//
//	$ go run ./train --data=~/datasets/birds --checkpoints=~/glide/checkpoints \
//	    --outputs=~/glide/outputs -set="batch_size=4;learning_rate=1e-5;sample_prompt=a red bird"
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
	flagDataDir = flag.String("data", "",
		"Directory with the training images; captions are sibling files with the same name and a .txt extension.")
	flagCheckpointsDir = flag.String("checkpoints", "~/glide-finetune/checkpoints",
		"Directory where weight snapshots (glide-ft-<step>.pt) are saved.")
	flagOutputsDir = flag.String("outputs", "~/glide-finetune/outputs",
		"Directory where preview images sampled during training are saved.")
	flagTokenizer = flag.String("tokenizer", "openai-community/gpt2",
		"HuggingFace model repository to download the caption tokenizer from.")
	flagResume = flag.String("resume", "",
		"Weights checkpoint file (glide-ft-<step>.pt) to resume fine-tuning from.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

var backend = backends.MustNew()

func main() {
	ctx := glide.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	if *flagDataDir == "" {
		klog.Exitf("A directory with training images is required, set it with --data")
	}
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		config := must.M1(glide.NewConfig(
			backend, ctx, *flagDataDir, *flagCheckpointsDir, *flagOutputsDir, paramsSet))
		tokenizer := must.M1(glide.NewHuggingFaceTokenizer(*flagTokenizer, config.TextContext))
		if *flagResume != "" {
			must.M(glide.LoadWeights(ctx, *flagResume))
		}
		must.M(glide.TrainModel(config, tokenizer, *flagVerbosity))
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
