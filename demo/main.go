// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Demo trains a small variational autoencoder on synthetic images and prints
// the running losses. It exists to exercise the full API -- build, compile,
// train steps, reconstruction -- without requiring a dataset download.
//
// Hyperparameters registered in the context (optimizer, learning rate,
// leaky-relu slope) can be overridden with --set, e.g.:
//
//	demo --set="learning_rate=1e-4;optimizer=sgd"
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/compute/dtypes"
	"github.com/gomlx/vae"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagImageSize = flag.Int("image_size", 32, "Side of the square training images. Must be a multiple of 8.")
	flagChannels  = flag.Int("channels", 3, "Number of image channels.")
	flagLatentDim = flag.Int("latent_dim", 16, "Dimension of the latent space.")
	flagBatchSize = flag.Int("batch", 16, "Number of images per training step.")
	flagSteps     = flag.Int("steps", 200, "Number of training steps to run.")
	flagReport    = flag.Int("report", 20, "Report the running losses every this many steps.")
	flagSeed      = flag.Int64("seed", 42, "Seed for the random number generator.")
)

func main() {
	ctx := vae.DefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](func() {
		must.M1(commandline.ParseContextSettings(ctx, *settings))
		run(ctx)
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(ctx *context.Context) {
	must.M(ctx.SetRNGStateFromSeed(*flagSeed))
	backend := backends.MustNew()
	fmt.Printf("Backend: %s (%s)\n", backend.Name(), backend.Description())

	model := must.M1(vae.New(backend, ctx, *flagImageSize, *flagChannels, *flagLatentDim))
	must.M(model.Compile(optimizers.FromContext(ctx), nil))

	// Synthetic training data: batches of uniform noise in [0, 1], sampled
	// on-device. A VAE trained on noise learns to reproduce its mean, which
	// is enough to watch the losses move.
	batchShape := shapes.Make(dtypes.Float32, *flagBatchSize, *flagImageSize, *flagImageSize, *flagChannels)
	sampleBatch := context.MustNewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return ctx.RandomUniform(g, batchShape)
	})

	for step := 1; step <= *flagSteps; step++ {
		batch := must.M1(sampleBatch.Exec1())
		report := must.M1(model.TrainStep(batch, batch))
		if step%*flagReport == 0 || step == *flagSteps {
			fmt.Printf("step %4d: loss=%.4f\trecon=%.4f\tkl=%.4f\n", step,
				report[vae.LossName], report[vae.ReconstructionLossName], report[vae.KLLossName])
		}
	}

	// One round trip through the trained model.
	batch := must.M1(sampleBatch.Exec1())
	reconstruction := must.M1(model.Reconstruct(batch))
	fmt.Printf("\nReconstructed %s -> %s\n", batch.Shape(), reconstruction.Shape())
	fmt.Printf("Model parameters: %d\n", ctx.NumParameters())
}
