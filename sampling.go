// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vae implements a convolutional variational autoencoder (VAE) for
// image reconstruction and generation, built on GoMLX.
//
// A variational autoencoder is composed of two subnetworks: a probabilistic
// encoder (the recognition model) that approximates a posterior distribution
// of a latent space conditioned on the input, and a probabilistic decoder
// (the generative model) that reconstructs the input from latent samples.
// This package assumes real-valued inputs in [0, 1] and a standard Gaussian
// prior over the latent space.
//
// The model graphs (EncoderGraph, DecoderGraph) can be used on their own, or
// through the VAE wrapper, which owns the training step (reconstruction loss
// plus KL-divergence regularization) and the running loss metrics.
package vae

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// LatentSample draws one sample from the latent distribution N(mean,
// exp(logVariance)) using the reparameterization trick:
//
//	sample = mean + exp(0.5*logVariance) * noise
//
// where noise is drawn element-wise from a standard normal distribution, with
// the batch size taken from logVariance's leading axis. The noise comes from
// the context's RNG state and sits outside the differentiated path, so
// gradients flow through mean and the scaling of the noise only -- this is
// what makes the stochastic node trainable with backpropagation.
//
// mean and logVariance must have the same shape, typically
// [batchSize, latentDim]. It panics on mismatching shapes.
func LatentSample(ctx *context.Context, mean, logVariance *Node) *Node {
	g := logVariance.Graph()
	if !mean.Shape().Equal(logVariance.Shape()) {
		exceptions.Panicf("vae.LatentSample: mean (%s) and logVariance (%s) must have the same shape",
			mean.Shape(), logVariance.Shape())
	}
	noise := ctx.RandomNormal(g, logVariance.Shape())
	stddev := Exp(MulScalar(logVariance, 0.5))
	return Add(mean, Mul(stddev, noise))
}

// KLDivergence returns the closed-form Kullback-Leibler divergence between
// N(mean, exp(logVariance)) and the standard normal prior,
//
//	-0.5 * mean(1 + logVariance - mean^2 - exp(logVariance))
//
// reduced over the batch and latent axes to a scalar. It is exactly zero when
// mean=0 and logVariance=0 everywhere, that is, when the posterior matches
// the prior.
func KLDivergence(mean, logVariance *Node) *Node {
	if !mean.Shape().Equal(logVariance.Shape()) {
		exceptions.Panicf("vae.KLDivergence: mean (%s) and logVariance (%s) must have the same shape",
			mean.Shape(), logVariance.Shape())
	}
	kl := Sub(OnePlus(logVariance), Square(mean))
	kl = Sub(kl, Exp(logVariance))
	return MulScalar(ReduceAllMean(kl), -0.5)
}
