// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

// The convolutional encoder (recognition model): downsampling blocks followed
// by the latent distribution heads and the sampling step.

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// encoderFilters is the fixed downsampling filter schedule: each stage halves
// the spatial dimensions with a max-pooling of window 2, so three stages
// reduce e.g. 128x128x3 to 16x16x8.
var encoderFilters = []int{16, 8, 8}

// EncoderEmbeddingGraph applies the three downsampling convolution blocks to
// images, shaped [batchSize, height, width, channels], and returns the
// intermediate embedding shaped [batchSize, height/8, width/8, 8].
//
// The filter schedule (16, 8, 8), kernel size (3) and pooling (max, window 2,
// same padding) are fixed architectural choices; only the input shape varies.
func EncoderEmbeddingGraph(ctx *context.Context, images *Node) *Node {
	x := images
	alpha := context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2)
	for ii, numFilters := range encoderFilters {
		block := NewBlock(numFilters).
			WithName("down").
			KernelSizes(3).
			WithPooling(MaxPooling{Window: 2, SamePadding: true}).
			NoNormalization().
			LeakyAlpha(alpha)
		x = block.Apply(ctx.Inf("%03d_down", ii), x)
	}
	return x
}

// EncoderGraph maps images to the latent distribution parameters and one
// sampled latent vector: the embedding from EncoderEmbeddingGraph is
// flattened and projected by two dense heads into the per-sample mean and
// log-variance, both shaped [batchSize, latentDim], from which z is drawn
// with LatentSample.
func EncoderGraph(ctx *context.Context, images *Node, latentDim int) (z, mean, logVariance *Node) {
	batchSize := images.Shape().Dimensions[0]
	x := EncoderEmbeddingGraph(ctx, images)
	x = Reshape(x, batchSize, -1)
	mean = layers.DenseWithBias(ctx.In("latent_mean"), x, latentDim)
	logVariance = layers.DenseWithBias(ctx.In("latent_log_variance"), x, latentDim)
	z = LatentSample(ctx, mean, logVariance)
	return
}
