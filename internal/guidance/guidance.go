// Package guidance combines conditional and unconditional network
// predictions into a single guided vector field (classifier-free
// guidance), with optional block-level guidance skipping and step-cache
// integration.
package guidance

import (
	"context"
	"math"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
)

// SkipOptions configures guidance skipping: the listed transformer blocks
// bypass the unconditional evaluation while the step lies inside the
// fractional activation range.
type SkipOptions struct {
	Blocks       []int
	StartPercent float64
	EndPercent   float64
}

// ActiveBlocks returns the blocks to skip at this step, or nil when the
// policy is inactive.
func (s SkipOptions) ActiveBlocks(step, total int) []int {
	if len(s.Blocks) == 0 {
		return nil
	}
	p := condition.StepPercent(step, total)
	if p < s.StartPercent || p > s.EndPercent {
		return nil
	}
	return s.Blocks
}

// Request is one guided prediction: everything a single step (or a single
// context window within a step) needs from the network.
type Request struct {
	Latent *tensor.Video
	Cond   condition.Embedding
	Uncond condition.Embedding

	Timestep   float64
	Step       int
	TotalSteps int
	SeqLen     int
	Scale      float64

	Skip    SkipOptions
	Enhance model.EnhanceOptions

	ImageCond   *tensor.Video
	ControlCond *tensor.Video
	ClipEmbed   []float32
	RiflexFreq  int

	// Cache, when set, arbitrates skip/reuse per branch. Window keys the
	// cache lanes under context windowing; stepcache.NoWindow otherwise.
	Cache  *stepcache.Cache
	Window int

	// Branch overrides the cache lane prefix, for callers running more
	// than one trajectory. Empty means the default lanes.
	Branch string
}

// Composer produces guided predictions against one network handle. When
// the network implements model.PairPredictor both branches go out in one
// batched call.
type Composer struct {
	net model.Predictor
}

func New(net model.Predictor) *Composer {
	return &Composer{net: net}
}

// scaleIsUnit is the fast-path test: guidance at scale 1 degenerates to
// the conditional prediction, so the unconditional branch is never run.
func scaleIsUnit(scale float64) bool {
	return math.Abs(scale-1) < 1e-8
}

// Predict returns the guided vector field for the request.
func (c *Composer) Predict(ctx context.Context, req Request) (*tensor.Video, error) {
	condIn := c.input(req, req.Cond, nil)
	condKey := stepcache.Key{Branch: req.Branch + "cond", Window: req.Window}

	if scaleIsUnit(req.Scale) {
		return c.branch(ctx, req, condKey, condIn)
	}

	uncondIn := c.input(req, req.Uncond, req.Skip.ActiveBlocks(req.Step, req.TotalSteps))
	uncondKey := stepcache.Key{Branch: req.Branch + "uncond", Window: req.Window}

	var condOut, uncondOut *tensor.Video
	var err error
	if pair, ok := c.net.(model.PairPredictor); ok {
		condOut, uncondOut, err = c.pair(ctx, req, pair, condKey, uncondKey, condIn, uncondIn)
	} else {
		condOut, err = c.branch(ctx, req, condKey, condIn)
		if err == nil {
			uncondOut, err = c.branch(ctx, req, uncondKey, uncondIn)
		}
	}
	if err != nil {
		return nil, err
	}

	// uncond + scale * (cond - uncond)
	out := uncondOut.Clone()
	diff := tensor.Sub(condOut, uncondOut)
	tensor.AddScaled(out, diff, float32(req.Scale))
	return out, nil
}

func (c *Composer) input(req Request, emb condition.Embedding, skipBlocks []int) model.PredictInput {
	return model.PredictInput{
		Latent:           req.Latent,
		Cond:             emb,
		Timestep:         req.Timestep,
		Step:             req.Step,
		TotalSteps:       req.TotalSteps,
		SeqLen:           req.SeqLen,
		ImageCond:        req.ImageCond,
		ControlCond:      req.ControlCond,
		ClipEmbed:        req.ClipEmbed,
		SkipUncondBlocks: skipBlocks,
		Enhance:          req.Enhance,
		RiflexFreq:       req.RiflexFreq,
	}
}

// branch runs one network evaluation through the step cache.
func (c *Composer) branch(ctx context.Context, req Request, key stepcache.Key, in model.PredictInput) (*tensor.Video, error) {
	if req.Cache != nil && req.Cache.ShouldSkip(key, req.Step, req.Timestep) {
		if out, err := req.Cache.Reuse(key, in.Latent); err == nil {
			return out, nil
		}
		// No residual yet on this lane; fall through to a real call.
	}
	out, err := c.net.Predict(ctx, in)
	if err != nil {
		return nil, err
	}
	if req.Cache != nil {
		req.Cache.Store(key, in.Latent, out)
	}
	return out, nil
}

// pair evaluates both branches in one batched call. The skip decision is
// taken per lane but applied jointly: the pair is only skipped when both
// lanes agree, otherwise both are recomputed and restored.
func (c *Composer) pair(ctx context.Context, req Request, net model.PairPredictor, condKey, uncondKey stepcache.Key, condIn, uncondIn model.PredictInput) (*tensor.Video, *tensor.Video, error) {
	if req.Cache != nil {
		skipCond := req.Cache.ShouldSkip(condKey, req.Step, req.Timestep)
		skipUncond := req.Cache.ShouldSkip(uncondKey, req.Step, req.Timestep)
		if skipCond && skipUncond {
			condOut, errC := req.Cache.Reuse(condKey, condIn.Latent)
			uncondOut, errU := req.Cache.Reuse(uncondKey, uncondIn.Latent)
			if errC == nil && errU == nil {
				return condOut, uncondOut, nil
			}
		}
	}
	condOut, uncondOut, err := net.PredictPair(ctx, condIn, uncondIn)
	if err != nil {
		return nil, nil, err
	}
	if req.Cache != nil {
		req.Cache.Store(condKey, condIn.Latent, condOut)
		req.Cache.Store(uncondKey, uncondIn.Latent, uncondOut)
	}
	return condOut, uncondOut, nil
}
