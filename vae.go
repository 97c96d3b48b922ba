// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// EncoderScope and DecoderScope are the context scopes under which the
	// subnetwork variables live. They are shared by the training graph and
	// the inference graphs, so the same weights serve both.
	EncoderScope = "encoder"
	DecoderScope = "decoder"

	// ParamLeakyReluAlpha is the context hyperparameter with the negative
	// slope of the leaky-relu activations. Defaults to 0.2.
	ParamLeakyReluAlpha = "vae_leaky_relu_alpha"
)

// Names of the running-average loss trackers reported by VAE.TrainStep.
const (
	LossName               = "loss"
	ReconstructionLossName = "reconstruction_loss"
	KLLossName             = "kl_loss"
)

// ErrNotCompiled is returned when a training operation is attempted before
// Compile bound an optimizer and a reconstruction loss.
var ErrNotCompiled = errors.New("vae: model is not compiled, call Compile first")

// DefaultContext returns a context with the default hyperparameters for the
// VAE. Any of them can be overridden before building the model.
func DefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLeakyReluAlpha: 0.2,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// VAE composes the convolutional encoder and decoder into a variational
// autoencoder and owns its training step.
//
// Its lifecycle: New creates it with lazily initialized weights; Compile
// binds the optimizer and reconstruction loss; TrainStep applies one
// optimization step at a time; Encode, Decode and Reconstruct run the forward
// graphs at any point -- before training they operate on the randomly
// initialized weights.
//
// The weights live in the context given to New, shared between the training
// and the inference graphs, and are only mutated by the optimizer inside
// TrainStep. Saving and loading them is delegated to the framework's
// checkpoints package.
type VAE struct {
	backend backends.Backend
	ctx     *context.Context

	imageSize, channels, latentDim int

	trainer            *train.Trainer
	reconstructionLoss losses.LossFn

	lossMetric           *metrics.MeanMetric
	reconstructionMetric *metrics.MeanMetric
	klMetric             *metrics.MeanMetric

	encodeExec, decodeExec, reconstructExec *context.Exec
}

// New creates a VAE for float32 images shaped
// [batchSize, imageSize, imageSize, channels] with the given latent space
// dimension. The weights are initialized by the context's initializer on
// first use.
//
// imageSize must be a multiple of 8: the encoder halves the spatial
// dimensions three times, and the decoder doubles them back.
func New(backend backends.Backend, ctx *context.Context, imageSize, channels, latentDim int) (*VAE, error) {
	if imageSize <= 0 || imageSize%8 != 0 {
		return nil, errors.Errorf("vae: imageSize must be a positive multiple of 8, got %d", imageSize)
	}
	if channels <= 0 {
		return nil, errors.Errorf("vae: channels must be positive, got %d", channels)
	}
	if latentDim <= 0 {
		return nil, errors.Errorf("vae: latentDim must be positive, got %d", latentDim)
	}
	v := &VAE{
		backend:   backend,
		ctx:       ctx,
		imageSize: imageSize,
		channels:  channels,
		latentDim: latentDim,
	}
	// The inference graphs and the training graph share the variables:
	// whichever runs first creates them, the others reuse them.
	sharedCtx := ctx.Checked(false)
	var err error
	v.encodeExec, err = context.NewExec(backend, sharedCtx, v.encodeGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "vae: building encode executor")
	}
	v.decodeExec, err = context.NewExec(backend, sharedCtx, v.decodeGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "vae: building decode executor")
	}
	v.reconstructExec, err = context.NewExec(backend, sharedCtx, v.reconstructGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "vae: building reconstruct executor")
	}
	return v, nil
}

// Context with the model variables and hyperparameters.
func (v *VAE) Context() *context.Context { return v.ctx }

// Backend used to execute the model graphs.
func (v *VAE) Backend() backends.Backend { return v.backend }

// LatentDim of the latent space.
func (v *VAE) LatentDim() int { return v.latentDim }

// embeddingDims is the shape ([height, width, channels]) of the intermediate
// embedding between the convolutional stacks and the latent heads.
func (v *VAE) embeddingDims() [3]int {
	side := v.imageSize / 8
	return [3]int{side, side, encoderFilters[len(encoderFilters)-1]}
}

// encoderGraph builds the encoder under its scope.
func (v *VAE) encoderGraph(ctx *context.Context, images *Node) (z, mean, logVariance *Node) {
	return EncoderGraph(ctx.In(EncoderScope), images, v.latentDim)
}

// decodeGraph builds the decoder under its scope.
func (v *VAE) decodeGraph(ctx *context.Context, z *Node) *Node {
	return DecoderGraph(ctx.In(DecoderScope), z, v.embeddingDims(), v.channels)
}

// encodeGraph returns only the sampled latent vector, discarding the
// distribution parameters.
func (v *VAE) encodeGraph(ctx *context.Context, images *Node) *Node {
	z, _, _ := v.encoderGraph(ctx, images)
	return z
}

// reconstructGraph is the full forward path: encode then decode.
func (v *VAE) reconstructGraph(ctx *context.Context, images *Node) *Node {
	return v.decodeGraph(ctx, v.encodeGraph(ctx, images))
}

// modelGraph is the train.ModelFn used by the trainer: one forward pass
// returning [reconstruction, mean, logVariance].
func (v *VAE) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	images := inputs[0]
	z, mean, logVariance := v.encoderGraph(ctx, images)
	reconstruction := v.decodeGraph(ctx, z)
	return []*Node{reconstruction, mean, logVariance}
}

// lossGraph composes the reconstruction loss with the KL-divergence
// regularizer: an unweighted sum. labels[0] is the reconstruction target.
func (v *VAE) lossGraph(labels, predictions []*Node) *Node {
	mean, logVariance := predictions[1], predictions[2]
	return Add(
		v.reconstructionLossGraph(labels, predictions),
		KLDivergence(mean, logVariance))
}

// reconstructionLossGraph applies the bound reconstruction loss and reduces
// it to a scalar mean if the loss function did not already.
func (v *VAE) reconstructionLossGraph(labels, predictions []*Node) *Node {
	loss := v.reconstructionLoss(labels, predictions[:1])
	if !loss.IsScalar() {
		loss = ReduceAllMean(loss)
	}
	return loss
}

// klLossGraph reads the distribution parameters from the model outputs.
func (v *VAE) klLossGraph(predictions []*Node) *Node {
	return KLDivergence(predictions[1], predictions[2])
}

// Compile binds the optimizer and the reconstruction loss, creating the
// trainer and the three running-average loss trackers. It moves the model to
// the "compiled" state, making TrainStep available. A nil reconstructionLoss
// defaults to losses.MeanSquaredError.
func (v *VAE) Compile(optimizer optimizers.Interface, reconstructionLoss losses.LossFn) error {
	if v.trainer != nil {
		return errors.New("vae: model is already compiled")
	}
	if optimizer == nil {
		return errors.New("vae: Compile requires an optimizer")
	}
	if reconstructionLoss == nil {
		reconstructionLoss = losses.MeanSquaredError
	}
	v.reconstructionLoss = reconstructionLoss

	pPrintLoss := func(value *tensors.Tensor) string {
		return fmt.Sprintf("%.4f", value.Value())
	}
	// Short names distinct from the trainer's built-in "#loss".
	v.lossMetric = metrics.NewMeanMetric(
		LossName, "#total", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return v.lossGraph(labels, predictions)
		}, pPrintLoss)
	v.reconstructionMetric = metrics.NewMeanMetric(
		ReconstructionLossName, "#recon", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return v.reconstructionLossGraph(labels, predictions)
		}, pPrintLoss)
	v.klMetric = metrics.NewMeanMetric(
		KLLossName, "#kl", metrics.LossMetricType,
		func(ctx *context.Context, labels, predictions []*Node) *Node {
			return v.klLossGraph(predictions)
		}, pPrintLoss)

	v.trainer = train.NewTrainer(v.backend, v.ctx.Checked(false), v.modelGraph, v.lossGraph,
		optimizer,
		[]metrics.Interface{v.lossMetric, v.reconstructionMetric, v.klMetric}, // trainMetrics
		nil) // evalMetrics
	return nil
}

// TrainStep runs one optimization step on the batch: forward pass, total loss
// (reconstruction + KL), gradients and one optimizer update, then updates the
// three running-average trackers. labels is the reconstruction target --
// usually the inputs themselves, or a clean version of them when training a
// denoising setup.
//
// It returns the current running-average values keyed by LossName,
// ReconstructionLossName and KLLossName.
//
// It returns ErrNotCompiled before Compile, and fails fast -- without
// touching the trackers -- if inputs and labels disagree on batch size.
func (v *VAE) TrainStep(inputs, labels *tensors.Tensor) (map[string]float64, error) {
	if v.trainer == nil {
		return nil, ErrNotCompiled
	}
	if inputs.Shape().Dimensions[0] != labels.Shape().Dimensions[0] {
		return nil, errors.Errorf("vae: inputs (%s) and labels (%s) have different batch sizes",
			inputs.Shape(), labels.Shape())
	}
	values, err := v.trainer.TrainStep(nil, []*tensors.Tensor{inputs}, []*tensors.Tensor{labels})
	if err != nil {
		return nil, err
	}

	tracked := v.trainer.Metrics()
	report := make(map[string]float64, 3)
	for ii, metric := range tracked {
		if ii >= len(values) {
			break
		}
		switch metric.Name() {
		case LossName, ReconstructionLossName, KLLossName:
			report[metric.Name()] = shapes.ConvertTo[float64](values[ii].Value())
		}
	}
	return report, nil
}

// Metrics returns the three loss trackers (total, reconstruction, KL), or nil
// before Compile.
func (v *VAE) Metrics() []metrics.Interface {
	if v.trainer == nil {
		return nil
	}
	return []metrics.Interface{v.lossMetric, v.reconstructionMetric, v.klMetric}
}

// ResetMetrics restarts the running-average loss trackers, as at the start of
// an evaluation epoch.
func (v *VAE) ResetMetrics() error {
	if v.trainer == nil {
		return ErrNotCompiled
	}
	return v.trainer.ResetTrainMetrics()
}

// Encode maps a batch of images to sampled latent vectors, shaped
// [batchSize, latentDim]. The distribution parameters are discarded.
func (v *VAE) Encode(images *tensors.Tensor) (*tensors.Tensor, error) {
	return v.encodeExec.Exec1(images)
}

// Decode maps a batch of latent vectors, shaped [batchSize, latentDim], to
// reconstructed images.
func (v *VAE) Decode(latents *tensors.Tensor) (*tensors.Tensor, error) {
	return v.decodeExec.Exec1(latents)
}

// Reconstruct runs the full forward path, encode then decode, in one graph.
// Given the same RNG state it is equivalent to Encode followed by Decode.
func (v *VAE) Reconstruct(images *tensors.Tensor) (*tensors.Tensor, error) {
	return v.reconstructExec.Exec1(images)
}
