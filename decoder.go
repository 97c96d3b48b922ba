// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

// The convolutional decoder (generative model): latent projection followed by
// upsampling blocks and a bounded readout convolution.

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// decoderFilters mirrors encoderFilters: each stage doubles the spatial
// dimensions with a bilinear resize, so three stages take 16x16x8 back to
// 128x128.
var decoderFilters = []int{8, 8, 16}

// DecoderEmbeddingGraph applies the three upsampling convolution blocks to an
// embedding shaped [batchSize, height, width, 8] and projects the result back
// to channels with a final convolution under a sigmoid, bounding the output
// to [0, 1] -- suitable for normalized pixel intensities.
func DecoderEmbeddingGraph(ctx *context.Context, embedding *Node, channels int) *Node {
	x := embedding
	alpha := context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2)
	for ii, numFilters := range decoderFilters {
		block := NewBlock(numFilters).
			WithName("up").
			KernelSizes(3).
			WithPooling(Resize{Factor: 2, Interpolation: Bilinear}).
			NoNormalization().
			LeakyAlpha(alpha)
		x = block.Apply(ctx.Inf("%03d_up", ii), x)
	}
	x = layers.Convolution(ctx.In("readout"), x).
		Filters(channels).KernelSize(3).PadSame().Done()
	return Sigmoid(x)
}

// DecoderGraph maps latent vectors z, shaped [batchSize, latentDim], to
// reconstructions: a dense projection to the embedding volume given by
// embeddingDims ([height, width, channels]), reshaped and run through
// DecoderEmbeddingGraph. channels is the number of channels of the
// reconstructed images.
func DecoderGraph(ctx *context.Context, z *Node, embeddingDims [3]int, channels int) *Node {
	batchSize := z.Shape().Dimensions[0]
	alpha := context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2)
	flatDim := embeddingDims[0] * embeddingDims[1] * embeddingDims[2]
	x := layers.DenseWithBias(ctx.In("latent_projection"), z, flatDim)
	x = activations.LeakyReluWith(x, alpha)
	x = Reshape(x, batchSize, embeddingDims[0], embeddingDims[1], embeddingDims[2])
	return DecoderEmbeddingGraph(ctx, x, channels)
}
