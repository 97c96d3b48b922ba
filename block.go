// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	timages "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
)

// Interpolation selects how a Resize step fills in the up-sampled pixels.
type Interpolation int

const (
	// Bilinear interpolation of the neighboring pixels.
	Bilinear Interpolation = iota

	// Nearest neighbor: each output pixel copies the closest input pixel.
	Nearest
)

// String implements fmt.Stringer.
func (i Interpolation) String() string {
	switch i {
	case Bilinear:
		return "bilinear"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("Interpolation(%d)", int(i))
}

// Pooling is the spatial re-sampling step of a Block, applied after the last
// convolution. It is a closed set of variants: MaxPooling for downsampling
// and Resize for upsampling. A nil Pooling means no re-sampling.
type Pooling interface {
	validate() error
	apply(x *Node) *Node
}

// MaxPooling downsamples the spatial dimensions with a max-pooling window.
// The stride equals the window, so a window of 2 halves each spatial
// dimension.
type MaxPooling struct {
	// Window is the pooling window size, per spatial axis. Must be >= 2.
	Window int

	// SamePadding pads the borders so the output size is
	// ceil(inputSize/Window); without it the last partial window is dropped.
	SamePadding bool
}

func (p MaxPooling) validate() error {
	if p.Window < 2 {
		return errors.Errorf("MaxPooling window must be >= 2, got %d", p.Window)
	}
	return nil
}

func (p MaxPooling) apply(x *Node) *Node {
	pool := MaxPool(x).Window(p.Window)
	if p.SamePadding {
		// PadSame changes the pool's default stride to 1, so the
		// window-sized stride must be set explicitly to keep the
		// documented ceil(inputSize/Window) output size.
		pool = pool.Strides(p.Window).PadSame()
	} else {
		pool = pool.NoPadding()
	}
	return pool.Done()
}

// Resize upsamples the spatial dimensions by an integer factor, using the
// configured interpolation.
type Resize struct {
	// Factor multiplies each spatial dimension. Must be >= 2.
	Factor int

	// Interpolation defaults to Bilinear.
	Interpolation Interpolation
}

func (p Resize) validate() error {
	if p.Factor < 2 {
		return errors.Errorf("Resize factor must be >= 2, got %d", p.Factor)
	}
	if p.Interpolation != Bilinear && p.Interpolation != Nearest {
		return errors.Errorf("Resize interpolation must be Bilinear or Nearest, got %s", p.Interpolation)
	}
	return nil
}

func (p Resize) apply(x *Node) *Node {
	sizes := timages.GetUpSampledSizes(x, timages.ChannelsLast, p.Factor)
	interpolate := Interpolate(x, sizes...)
	if p.Interpolation == Nearest {
		interpolate = interpolate.Nearest()
	} else {
		interpolate = interpolate.Bilinear()
	}
	return interpolate.Done()
}

// Block is a stack of convolutions followed by an optional spatial
// re-sampling step (see Pooling), an optional batch normalization and a
// leaky-relu activation. It is the building unit of both the encoder
// (downsampling) and the decoder (upsampling).
//
// The sequencing is fixed: convolutions in the order given; pooling after the
// last convolution; normalization after pooling; the closing leaky-relu after
// normalization. Each convolution except the last carries its own leaky-relu;
// the last convolution keeps its activation only when normalization is
// disabled, since otherwise the activation moves to after the normalization.
//
// Configure it with the chained With* methods and apply it with Apply. The
// configuration is immutable from Apply's point of view: the same Block can
// be applied under different context scopes to create independent weights.
type Block struct {
	name        string
	filters     []int
	kernels     []int
	strides     []int
	samePadding bool
	pooling     Pooling

	// normMomentum < 0 disables normalization.
	normMomentum float64
	leakyAlpha   float64
}

// NewBlock creates a Block with one convolution per filter count given.
// Kernel sizes, strides and padding default to 3, 1 and "same"; batch
// normalization defaults to a momentum of 0.8 and the leaky-relu negative
// slope to 0.2.
//
// A single filter count yields exactly one convolution with no intermediate
// activations to chain.
func NewBlock(filters ...int) *Block {
	return &Block{
		name:         "block",
		filters:      filters,
		kernels:      []int{3},
		strides:      []int{1},
		samePadding:  true,
		normMomentum: 0.8,
		leakyAlpha:   0.2,
	}
}

// WithName names the block for summaries and error messages.
func (b *Block) WithName(name string) *Block {
	b.name = name
	return b
}

// KernelSizes sets the kernel size of each convolution. Give either one value
// per convolution, or a single value shared by all of them.
func (b *Block) KernelSizes(kernels ...int) *Block {
	b.kernels = kernels
	return b
}

// Strides sets the stride of each convolution. Give either one value per
// convolution, or a single value shared by all of them.
func (b *Block) Strides(strides ...int) *Block {
	b.strides = strides
	return b
}

// PadValid switches the convolutions from "same" (default) to "valid"
// padding, shrinking the spatial dimensions at each convolution.
func (b *Block) PadValid() *Block {
	b.samePadding = false
	return b
}

// WithPooling sets the spatial re-sampling step. A nil value (the default)
// disables it.
func (b *Block) WithPooling(pooling Pooling) *Block {
	b.pooling = pooling
	return b
}

// NormalizationMomentum sets the momentum of the exponential moving averages
// kept by the batch normalization. A negative value disables normalization
// altogether -- see also NoNormalization.
func (b *Block) NormalizationMomentum(momentum float64) *Block {
	b.normMomentum = momentum
	return b
}

// NoNormalization disables the batch normalization step.
func (b *Block) NoNormalization() *Block {
	b.normMomentum = -1
	return b
}

// LeakyAlpha sets the negative slope of the leaky-relu activations.
func (b *Block) LeakyAlpha(alpha float64) *Block {
	b.leakyAlpha = alpha
	return b
}

// validate checks the configuration once; Apply and Summary call it before
// touching the graph.
func (b *Block) validate() error {
	if len(b.filters) == 0 {
		return errors.Errorf("block %q has no convolutions configured", b.name)
	}
	for _, f := range b.filters {
		if f <= 0 {
			return errors.Errorf("block %q: filter counts must be positive, got %v", b.name, b.filters)
		}
	}
	if len(b.kernels) != 1 && len(b.kernels) != len(b.filters) {
		return errors.Errorf("block %q: got %d kernel sizes for %d convolutions -- give one size per convolution or a single shared one",
			b.name, len(b.kernels), len(b.filters))
	}
	if len(b.strides) != 1 && len(b.strides) != len(b.filters) {
		return errors.Errorf("block %q: got %d strides for %d convolutions -- give one stride per convolution or a single shared one",
			b.name, len(b.strides), len(b.filters))
	}
	if b.pooling != nil {
		if err := b.pooling.validate(); err != nil {
			return errors.WithMessagef(err, "block %q", b.name)
		}
	}
	if b.leakyAlpha < 0 {
		return errors.Errorf("block %q: leaky-relu negative slope must be >= 0, got %g", b.name, b.leakyAlpha)
	}
	return nil
}

// broadcastInt returns values[ii] if there is one value per convolution, or
// the single shared value. Arity was already reconciled by validate.
func broadcastInt(values []int, ii int) int {
	if len(values) == 1 {
		return values[0]
	}
	return values[ii]
}

// Apply builds the block's computation on x, creating its variables under
// ctx. x must be rank-4, shaped [batchSize, height, width, channels]. It
// panics on invalid configurations -- configuration errors are programming
// errors, caught at graph building time.
func (b *Block) Apply(ctx *context.Context, x *Node) *Node {
	if err := b.validate(); err != nil {
		exceptions.Panicf("vae.Block.Apply: %v", err)
	}
	x.AssertRank(4)
	useNorm := b.normMomentum >= 0

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		scopedCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return scopedCtx
	}

	for ii, numFilters := range b.filters {
		conv := layers.Convolution(nextCtx("conv"), x).
			Filters(numFilters).
			KernelSize(broadcastInt(b.kernels, ii)).
			Strides(broadcastInt(b.strides, ii))
		if b.samePadding {
			conv = conv.PadSame()
		} else {
			conv = conv.NoPadding()
		}
		x = conv.Done()
		// The last convolution keeps its activation only when no
		// normalization follows.
		if ii < len(b.filters)-1 || !useNorm {
			x = activations.LeakyReluWith(x, b.leakyAlpha)
		}
	}
	if b.pooling != nil {
		x = b.pooling.apply(x)
	}
	if useNorm {
		x = batchnorm.New(nextCtx("norm"), x, -1).Momentum(b.normMomentum).Done()
		x = activations.LeakyReluWith(x, b.leakyAlpha)
	}
	return x
}

// Summary builds a throwaway graph for an input with the given spatial
// dimensions (without the batch axis) and reports the block's input/output
// shapes and parameter count. It is meant for architecture debugging: the
// scratch graph and context are discarded, so no live model state is touched
// and there are no training side effects.
func (b *Block) Summary(backend backends.Backend, dtype dtypes.DType, inputDims ...int) string {
	if err := b.validate(); err != nil {
		exceptions.Panicf("vae.Block.Summary: %v", err)
	}
	g := NewGraph(backend, fmt.Sprintf("summary_%s", b.name))
	defer g.Finalize()

	dims := append([]int{1}, inputDims...)
	input := Parameter(g, "input", shapes.Make(dtype, dims...))
	scratchCtx := context.New()
	output := b.Apply(scratchCtx, input)

	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Block %q: %d convolution(s), filters=%v\n", b.name, len(b.filters), b.filters)
	_, _ = fmt.Fprintf(&sb, "\tinput:      %s\n", input.Shape())
	_, _ = fmt.Fprintf(&sb, "\toutput:     %s\n", output.Shape())
	_, _ = fmt.Fprintf(&sb, "\tparameters: %d\n", scratchCtx.NumParameters())
	return sb.String()
}
