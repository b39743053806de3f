// Package sampler drives the denoising loop: noise setup, timestep
// resolution, guided prediction (direct or windowed), integration, and the
// orthogonal modifiers (masked re-noising, latent-shift looping,
// flow-edit).
package sampler

import (
	"errors"
	"fmt"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/guidance"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/offload"
	"github.com/samcharles93/weft/internal/sched"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/window"
)

var (
	ErrScaleCount        = errors.New("guidance scale list length does not match step count")
	ErrMissingImageCond  = errors.New("image conditioning required for image-to-video model")
	ErrMissingInitLatent = errors.New("initial latent required")
	ErrMaskShape         = errors.New("mask shape does not match the latent")
	ErrNilNetwork        = errors.New("model handle has no network")
)

// ContextOptions enables context windowing. Validated once at run start.
type ContextOptions struct {
	Kind    window.Kind
	Size    int
	Stride  int
	Overlap int

	// FreeNoise permutes the initial noise across window-sized chunks so
	// out-of-window frames repeat in-window noise.
	FreeNoise bool

	// Experimental: from ImageCondStartStep onward, each window after the
	// first re-encodes the previous window's denoised estimate as its
	// image conditioning. Requires a LatentCodec; count bounds how many
	// windows per step participate. Numeric intent upstream is partly
	// unresolved; only the literal latent replacement is done here.
	ImageCondStartStep   int
	ImageCondWindowCount int
}

// FlowEditOptions enables dual-trajectory editing: the target latent is
// advanced by the difference between its own guided field and the source
// trajectory's, preserving structure while following a new prompt.
type FlowEditOptions struct {
	Source      condition.Bundle // prompts describing the existing video
	SkipSteps   int
	DriftSteps  int
	DriftShift  float64
	SourceScale float64
	DriftScale  float64
}

// LoopOptions enables latent-shift looping: inside the activation range
// the frame axis rotates by an advancing offset around each evaluation, so
// every frame spends steps at the temporal boundary and the seam blends
// away.
type LoopOptions struct {
	ShiftSkip    int
	StartPercent float64
	EndPercent   float64
}

// Progress is the per-step observer. Returning false stops the run after
// the current step; the loop hands back the latest completed latent.
type Progress func(step, total int, preview *tensor.Video) bool

// Config is one sampling run, validated up front by Run.
type Config struct {
	Steps     int
	Shift     float64
	Denoise   float64
	Scheduler sched.Kind
	Seed      int64

	// Scale is the constant guidance scale; Scales, when non-nil,
	// overrides it per step and must have Steps entries.
	Scale  float64
	Scales []float64

	Bundle   condition.Bundle
	Image    *condition.Image
	Control  *condition.Control
	Geometry condition.Geometry

	// InitLatent seeds video-to-video runs (Denoise < 1) and is the
	// reference for masked re-noising and flow-edit.
	InitLatent *tensor.Video
	// Mask enables diff-diff masked re-noising: where the mask exceeds
	// the per-step threshold the latent is reset to a re-noised copy of
	// InitLatent.
	Mask *tensor.Video

	Context  *ContextOptions
	Cache    *stepcache.Options
	Skip     guidance.SkipOptions
	FlowEdit *FlowEditOptions
	Loop     *LoopOptions

	Enhance    model.EnhanceOptions
	RiflexFreq int

	BlockSwap   *offload.BlockSwapOptions
	AutoOffload *offload.AutoOptions
	Swapper     offload.Swapper
	BlockBytes  int64

	Progress Progress
}

// Result is the finished (or cooperatively stopped) run output. Looped
// latents carry a warm-up prefix the decode collaborator must trim.
type Result struct {
	Latent *tensor.Video
	Looped bool
}

// validate applies the fail-fast checks that must run before any network
// evaluation.
func (c *Config) validate(variant model.Variant) error {
	if err := c.Bundle.Validate(); err != nil {
		return err
	}
	if c.Scales != nil && len(c.Scales) != c.Steps {
		return ErrScaleCount
	}
	if variant == model.ImageToVideo && c.Image == nil {
		return ErrMissingImageCond
	}
	if c.Denoise > 0 && c.Denoise < 1 && c.InitLatent == nil {
		return ErrMissingInitLatent
	}
	if c.InitLatent != nil {
		g := c.Geometry
		if want := [4]int{g.Channels, g.Frames, g.Height, g.Width}; c.InitLatent.Shape() != want {
			return fmt.Errorf("%w: init latent %v vs geometry %v",
				model.ErrShapeMismatch, c.InitLatent.Shape(), want)
		}
	}
	if c.Mask != nil {
		if c.InitLatent == nil {
			return ErrMissingInitLatent
		}
		if !c.Mask.SameShape(c.InitLatent) {
			return ErrMaskShape
		}
	}
	if c.FlowEdit != nil {
		if c.InitLatent == nil {
			return ErrMissingInitLatent
		}
		if err := c.FlowEdit.Source.Validate(); err != nil {
			return err
		}
	}
	if c.Context != nil {
		p := c.windowParams()
		if _, err := window.Windows(c.Context.Kind, 0, c.Steps, p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) windowParams() window.Params {
	return window.Params{
		Frames:  c.Geometry.Frames,
		Size:    c.Context.Size,
		Stride:  c.Context.Stride,
		Overlap: c.Context.Overlap,
	}
}

// scaleAt resolves the guidance scale for a step.
func (c *Config) scaleAt(step int) float64 {
	if c.Scales != nil {
		return c.Scales[step]
	}
	return c.Scale
}

// looped reports whether the output wraps temporally.
func (c *Config) looped() bool {
	if c.Loop != nil {
		return true
	}
	return c.Context != nil && c.Context.Kind == window.UniformLooped
}

// cache builds the run's step cache, or nil when caching is off.
func (c *Config) cache(totalSteps int) *stepcache.Cache {
	if c.Cache == nil {
		return nil
	}
	return stepcache.New(*c.Cache, totalSteps)
}
