// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/require"
)

// newTestVAE builds a small model: 16x16 single-channel images, 4 latent
// dimensions.
func newTestVAE(t *testing.T) *VAE {
	backend := graphtest.BuildTestBackend()
	ctx := DefaultContext()
	ctx.SetRNGStateFromSeed(42)
	model, err := New(backend, ctx, 16, 1, 4)
	require.NoError(t, err)
	return model
}

// testBatch returns batchSize 16x16 single-channel images with a simple
// gradient pattern in [0, 1].
func testBatch(batchSize int) *tensors.Tensor {
	flat := make([]float32, batchSize*16*16)
	for ii := range flat {
		flat[ii] = float32(ii%256) / 255
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, 16, 16, 1)
}

func TestNewValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := DefaultContext()

	_, err := New(backend, ctx, 20, 3, 16)
	require.ErrorContains(t, err, "multiple of 8")
	_, err = New(backend, ctx, 0, 3, 16)
	require.ErrorContains(t, err, "multiple of 8")
	_, err = New(backend, ctx, 32, 0, 16)
	require.ErrorContains(t, err, "channels")
	_, err = New(backend, ctx, 32, 3, 0)
	require.ErrorContains(t, err, "latentDim")
}

func TestTrainStepRequiresCompile(t *testing.T) {
	model := newTestVAE(t)
	batch := testBatch(2)

	_, err := model.TrainStep(batch, batch)
	require.ErrorIs(t, err, ErrNotCompiled)
	require.ErrorIs(t, model.ResetMetrics(), ErrNotCompiled)
	require.Nil(t, model.Metrics())
}

func TestCompileValidation(t *testing.T) {
	model := newTestVAE(t)
	require.ErrorContains(t, model.Compile(nil, nil), "optimizer")

	optimizer := optimizers.StochasticGradientDescent().WithLearningRate(0.01).Done()
	require.NoError(t, model.Compile(optimizer, nil))
	require.ErrorContains(t, model.Compile(optimizer, nil), "already compiled")
	require.Len(t, model.Metrics(), 3)
}

func TestTrainStep(t *testing.T) {
	model := newTestVAE(t)
	optimizer := optimizers.StochasticGradientDescent().WithLearningRate(0.01).Done()
	require.NoError(t, model.Compile(optimizer, nil))

	batch := testBatch(2)

	// Mismatching batch sizes fail before touching the trainer.
	_, err := model.TrainStep(batch, testBatch(3))
	require.ErrorContains(t, err, "batch sizes")

	report, err := model.TrainStep(batch, batch)
	require.NoError(t, err)
	require.Len(t, report, 3)
	for _, name := range []string{LossName, ReconstructionLossName, KLLossName} {
		require.Contains(t, report, name)
		require.Falsef(t, math.IsNaN(report[name]) || math.IsInf(report[name], 0),
			"metric %q is not finite: %v", name, report[name])
	}

	// MSE of values in [0, 1] is non-negative and at most 1; the total is
	// the unweighted sum of reconstruction and KL.
	require.GreaterOrEqual(t, report[ReconstructionLossName], 0.0)
	require.LessOrEqual(t, report[ReconstructionLossName], 1.0)
	require.InDelta(t, report[LossName],
		report[ReconstructionLossName]+report[KLLossName], 1e-3)

	// A few more steps on the same batch should reduce the running-average
	// total loss.
	first := report[LossName]
	var last float64
	for range 10 {
		report, err = model.TrainStep(batch, batch)
		require.NoError(t, err)
		last = report[LossName]
	}
	require.Lessf(t, last, first, "10 steps on a fixed batch did not reduce the loss")

	require.NoError(t, model.ResetMetrics())
}

func TestEncodeDecodeShapes(t *testing.T) {
	model := newTestVAE(t)
	batch := testBatch(3)

	z, err := model.Encode(batch)
	require.NoError(t, err)
	require.Equal(t, []int{3, model.LatentDim()}, z.Shape().Dimensions)

	decoded, err := model.Decode(z)
	require.NoError(t, err)
	require.Equal(t, []int{3, 16, 16, 1}, decoded.Shape().Dimensions)

	reconstruction, err := model.Reconstruct(batch)
	require.NoError(t, err)
	require.Equal(t, []int{3, 16, 16, 1}, reconstruction.Shape().Dimensions)
}

func TestReconstructMatchesEncodeDecode(t *testing.T) {
	model := newTestVAE(t)
	ctx := model.Context()
	batch := testBatch(2)

	// The two paths share the weights and differ only in the RNG draws, so
	// replaying the seed makes them identical.
	ctx.SetRNGStateFromSeed(17)
	reconstruction, err := model.Reconstruct(batch)
	require.NoError(t, err)

	ctx.SetRNGStateFromSeed(17)
	z, err := model.Encode(batch)
	require.NoError(t, err)
	decoded, err := model.Decode(z)
	require.NoError(t, err)

	require.True(t, xslices.SlicesInDelta(reconstruction.Value(), decoded.Value(), xslices.Epsilon),
		"Reconstruct and Encode+Decode disagree under the same RNG seed")
}
