// Package model is the boundary to the video diffusion network. The
// transformer, VAE and encoders live behind these interfaces; the sampling
// loop only ever sees tensors going in and predictions coming out.
package model

import (
	"context"
	"errors"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/tensor"
)

// Resource errors surfaced from the numeric backend. They are fatal for
// the run; the caller may reconfigure (fewer steps, smaller windows, a
// different offload policy) and resubmit.
var (
	ErrOutOfMemory        = errors.New("backend out of memory")
	ErrBackendUnavailable = errors.New("numeric backend unavailable")
	ErrShapeMismatch      = errors.New("conditioning shape does not match model")
)

// Variant distinguishes model families with different required inputs.
type Variant int

const (
	TextToVideo Variant = iota
	ImageToVideo
)

func (v Variant) String() string {
	if v == ImageToVideo {
		return "i2v"
	}
	return "t2v"
}

// EnhanceOptions threads the attention-enhancement configuration through a
// single call. The zero value disables it. Scoped per call, never global.
type EnhanceOptions struct {
	Weight       float64
	StartPercent float64
	EndPercent   float64
}

// Active reports whether enhancement applies at the given step.
func (e EnhanceOptions) Active(step, total int) bool {
	if e.Weight == 0 {
		return false
	}
	p := condition.StepPercent(step, total)
	return e.StartPercent <= p && p <= e.EndPercent
}

// PredictInput is one network evaluation request. Latent is read-only to
// the network; the prediction comes back as a fresh tensor of the same
// shape.
type PredictInput struct {
	Latent   *tensor.Video
	Cond     condition.Embedding
	Timestep float64

	Step       int
	TotalSteps int
	SeqLen     int

	// Optional conditioning; nil when absent.
	ImageCond   *tensor.Video
	ControlCond *tensor.Video
	ClipEmbed   []float32

	// SkipUncondBlocks lists transformer block indices that bypass this
	// evaluation; used by guidance skipping on the unconditional branch.
	SkipUncondBlocks []int

	Enhance EnhanceOptions

	// RiflexFreq is the positional-encoding frequency index override for
	// long-video extrapolation; 0 leaves the encoding untouched.
	RiflexFreq int
}

// Predictor evaluates the denoising network once: given a noisy latent and
// conditioning at a timestep, produce the predicted vector field.
type Predictor interface {
	Predict(ctx context.Context, in PredictInput) (*tensor.Video, error)
}

// PairPredictor is an optional upgrade: evaluate the conditional and
// unconditional branches in one batched call. Backends that implement it
// halve the dispatch overhead of classifier-free guidance.
type PairPredictor interface {
	Predictor
	PredictPair(ctx context.Context, cond, uncond PredictInput) (*tensor.Video, *tensor.Video, error)
}

// LatentCodec is the encode/decode collaborator boundary. Decode trims a
// warm-up prefix itself when the latent is tagged as a seamless loop.
type LatentCodec interface {
	Encode(ctx context.Context, video *tensor.Video) (*tensor.Video, error)
	Decode(ctx context.Context, latent *tensor.Video) (*tensor.Video, error)
}

// Handle wraps a loaded network plus the metadata the sampler needs from
// the loading collaborator.
type Handle struct {
	Net  Predictor
	Meta Meta
}

// Meta is the loader-provided metadata map, reduced to the fields the
// sampling loop consults.
type Meta struct {
	Variant   Variant
	DType     string
	Quantized bool
	Blocks    int // transformer block count, for offload planning
}
