// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// zeroImages returns a zero-filled float32 tensor with the given dimensions.
func zeroImages(dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return tensors.FromFlatDataAndDimensions(make([]float32, size), dims...)
}

func TestEncoderEmbeddingGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	exec := context.MustNewExec(backend, ctx, EncoderEmbeddingGraph)

	// The canonical input: three downsampling stages take 128x128x3 to
	// 16x16 with the last stage's 8 filters.
	embedding := exec.MustExec1(zeroImages(2, 128, 128, 3))
	require.Equal(t, []int{2, 16, 16, 8}, embedding.Shape().Dimensions)

	// The schedule is fully convolutional: other input sizes only change
	// the spatial dimensions of the embedding.
	embedding = exec.MustExec1(zeroImages(1, 32, 32, 1))
	require.Equal(t, []int{1, 4, 4, 8}, embedding.Shape().Dimensions)
}

func TestEncoderGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	const latentDim = 16
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		z, mean, logVariance := EncoderGraph(ctx, images, latentDim)
		return []*Node{z, mean, logVariance}
	})

	outputs := exec.MustExec(zeroImages(2, 32, 32, 3))
	require.Len(t, outputs, 3)
	for _, output := range outputs {
		require.Equal(t, []int{2, latentDim}, output.Shape().Dimensions)
	}
}

func TestDecoderGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	embeddingDims := [3]int{4, 4, 8}
	const channels = 3
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, z *Node) *Node {
		return DecoderGraph(ctx, z, embeddingDims, channels)
	})

	flat := make([]float32, 2*16)
	for ii := range flat {
		flat[ii] = float32(ii)/16 - 1
	}
	z := tensors.FromFlatDataAndDimensions(flat, 2, 16)

	// Three upsampling stages take the 4x4 embedding to 32x32.
	images := exec.MustExec1(z)
	require.Equal(t, []int{2, 32, 32, channels}, images.Shape().Dimensions)

	// The sigmoid readout bounds the reconstruction to [0, 1].
	require.NoError(t, tensors.ConstFlatData(images, func(flat []float32) {
		for _, value := range flat {
			require.GreaterOrEqual(t, value, float32(0))
			require.LessOrEqual(t, value, float32(1))
		}
	}))
}

func TestDecoderEmbeddingGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, embedding *Node) *Node {
		return DecoderEmbeddingGraph(ctx, embedding, 1)
	})

	images := exec.MustExec1(zeroImages(1, 16, 16, 8))
	require.Equal(t, []int{1, 128, 128, 1}, images.Shape().Dimensions)
}
