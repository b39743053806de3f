package sampler

import (
	"context"
	"math/rand"

	"github.com/samcharles93/weft/internal/condition"
	"github.com/samcharles93/weft/internal/guidance"
	"github.com/samcharles93/weft/internal/logger"
	"github.com/samcharles93/weft/internal/model"
	"github.com/samcharles93/weft/internal/offload"
	"github.com/samcharles93/weft/internal/sched"
	"github.com/samcharles93/weft/internal/stepcache"
	"github.com/samcharles93/weft/internal/tensor"
	"github.com/samcharles93/weft/internal/window"
)

// Sampler runs denoising loops against one model handle. Safe to reuse
// across runs; each Run builds fresh per-run state.
type Sampler struct {
	handle model.Handle
	codec  model.LatentCodec
	comp   *guidance.Composer
	log    logger.Logger
}

// New builds a sampler. codec may be nil; it is only consulted by the
// experimental windowed image-conditioning feedback path.
func New(h model.Handle, codec model.LatentCodec, log logger.Logger) (*Sampler, error) {
	if h.Net == nil {
		return nil, ErrNilNetwork
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sampler{handle: h, codec: codec, comp: guidance.New(h.Net), log: log}, nil
}

// runState is the per-run mutable state shared by the step helpers.
type runState struct {
	cfg     *Config
	cache   *stepcache.Cache
	tracker *window.Tracker
	total   int
	noise   *tensor.Video
}

// Run executes one sampling run to completion, early stop, or error. On
// cooperative stop (progress returns false) the latest completed latent is
// returned with a nil error; on context cancellation it is returned with
// the context's error.
func (s *Sampler) Run(ctx context.Context, cfg Config) (Result, error) {
	if err := cfg.validate(s.handle.Meta.Variant); err != nil {
		return Result{}, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	in, err := sched.New(cfg.Scheduler, sched.Options{
		Steps:   cfg.Steps,
		Shift:   cfg.Shift,
		Denoise: cfg.Denoise,
		RNG:     rng,
	})
	if err != nil {
		return Result{}, err
	}
	sigmas, timesteps := in.Sigmas(), in.Timesteps()
	total := len(timesteps)

	mgr, err := offload.NewManager(cfg.BlockSwap, cfg.AutoOffload, s.handle.Meta.Blocks, s.log)
	if err != nil {
		return Result{}, err
	}
	if err := mgr.Prepare(ctx, cfg.Swapper, cfg.BlockBytes); err != nil {
		return Result{}, err
	}

	g := cfg.Geometry
	noise := tensor.Randn(g.Channels, g.Frames, g.Height, g.Width, rng)
	if cfg.Context != nil && cfg.Context.FreeNoise {
		window.ShuffleNoise(noise, cfg.Context.Size, cfg.Context.Overlap, rng)
	}

	var latent *tensor.Video
	if cfg.Denoise > 0 && cfg.Denoise < 1 {
		// Continue from the partially noised input at the truncated
		// schedule's first level.
		latent = tensor.Lerp(cfg.InitLatent, noise, float32(sigmas[0]))
	} else {
		latent = noise.Clone()
	}

	st := &runState{
		cfg:     &cfg,
		cache:   cfg.cache(total),
		tracker: window.NewTracker(),
		total:   total,
		noise:   noise,
	}

	if cfg.FlowEdit != nil {
		return s.runFlowEdit(ctx, st, mgr, rng, sigmas)
	}

	s.log.Info("sampling",
		"scheduler", cfg.Scheduler.String(),
		"steps", total,
		"frames", g.Frames,
		"windowed", cfg.Context != nil,
		"offload", mgr.Policy())

	shiftIdx := 0
	for step := 0; step < total; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Latent: latent, Looped: cfg.looped()}, err
		}

		// Masked re-noising (diff-diff): outside the preserved region the
		// latent is reset to a freshly noised copy of the reference, on a
		// threshold that tightens as steps progress.
		if cfg.Mask != nil && step < total-1 {
			renoised := tensor.Lerp(cfg.InitLatent, noise, float32(sigmas[step+1]))
			latent = tensor.BlendWhere(renoised, latent, cfg.Mask, float32(step)/float32(total))
		}

		shifted := false
		if cfg.Loop != nil && cfg.Loop.activeAt(step, total) && shiftIdx%g.Frames != 0 {
			latent = tensor.RotateFrames(latent, shiftIdx)
			shifted = true
		}

		if err := mgr.BeginStep(ctx, cfg.Swapper, step); err != nil {
			return Result{}, err
		}
		pred, err := s.predict(ctx, st, latent, step, timesteps[step], cfg.scaleAt(step), cfg.Bundle, "")
		if err != nil {
			return Result{}, err
		}
		if err := mgr.EndStep(ctx, cfg.Swapper, step); err != nil {
			return Result{}, err
		}

		if shifted {
			pred = tensor.RotateFrames(pred, -shiftIdx)
			latent = tensor.RotateFrames(latent, -shiftIdx)
		}
		if cfg.Loop != nil && cfg.Loop.activeAt(step, total) {
			shiftIdx = (shiftIdx + cfg.Loop.ShiftSkip) % g.Frames
		}

		latent, err = in.Step(pred, step, latent)
		if err != nil {
			return Result{}, err
		}

		if cfg.Progress != nil && !cfg.Progress(step+1, total, latent) {
			s.log.Info("sampling stopped by observer", "step", step+1, "of", total)
			return Result{Latent: latent, Looped: cfg.looped()}, nil
		}
	}

	s.logDiagnostics(st)
	return Result{Latent: latent, Looped: cfg.looped()}, nil
}

func (s *Sampler) logDiagnostics(st *runState) {
	if st.cache != nil {
		s.log.Info("step cache", "skipped_evaluations", st.cache.TotalSkips())
	}
	if st.cfg.Context != nil {
		s.log.Debug("window identities", "count", st.tracker.Count())
	}
}

// predict produces one guided vector field for the full latent, fanning
// out over context windows when configured.
func (s *Sampler) predict(ctx context.Context, st *runState, latent *tensor.Video, step int, timestep, scale float64, bundle condition.Bundle, branch string) (*tensor.Video, error) {
	cfg := st.cfg
	if cfg.Context == nil {
		req := s.request(st, latent, step, timestep, scale, bundle, 0, branch, stepcache.NoWindow)
		req.SeqLen = cfg.Geometry.SeqLen()
		return s.comp.Predict(ctx, req)
	}
	return s.predictWindowed(ctx, st, latent, step, timestep, scale, bundle, branch)
}

func (s *Sampler) predictWindowed(ctx context.Context, st *runState, latent *tensor.Video, step int, timestep, scale float64, bundle condition.Bundle, branch string) (*tensor.Video, error) {
	cfg := st.cfg
	p := cfg.windowParams()
	wins, err := window.Windows(cfg.Context.Kind, step, st.total, p)
	if err != nil {
		return nil, err
	}
	looped := cfg.Context.Kind == window.UniformLooped

	acc := window.NewAccumulator(latent.C, latent.T, latent.H, latent.W)
	var prevX0 *tensor.Video
	for wi, win := range wins {
		slice := tensor.GatherFrames(latent, win)

		req := s.request(st, slice, step, timestep, scale, bundle, window.PromptIndex(win, p.Frames, len(bundle.Positive)), branch, st.tracker.ID(win))
		req.SeqLen = cfg.Geometry.WindowSeqLen(len(win))
		if req.ImageCond != nil {
			// The reference frame travels with every window: after slicing,
			// the window's first frame is overwritten with the global one.
			full := req.ImageCond
			req.ImageCond = tensor.GatherFrames(full, win)
			tensor.SetFrame(req.ImageCond, 0, full, 0)
		}
		if req.ControlCond != nil {
			req.ControlCond = tensor.GatherFrames(req.ControlCond, win)
		}
		if img := s.feedbackImageCond(ctx, cfg, step, wi, prevX0); img != nil {
			req.ImageCond = img
		}

		pred, err := s.comp.Predict(ctx, req)
		if err != nil {
			return nil, err
		}
		acc.Add(win, pred, window.Weights(win, p.Overlap, p.Frames, looped))

		x0 := slice
		if sigma := timestep / 1000; sigma > 0 {
			x0 = slice.Clone()
			tensor.AddScaled(x0, pred, float32(-sigma))
		}
		prevX0 = x0
	}
	return acc.Resolve()
}

// feedbackImageCond is the experimental windowed image-conditioning
// feedback: the previous window's denoised estimate round-trips through
// the codec and becomes this window's image conditioning. The upstream
// mask-channel semantics are unresolved; only the latent replacement is
// implemented.
func (s *Sampler) feedbackImageCond(ctx context.Context, cfg *Config, step, wi int, prevX0 *tensor.Video) *tensor.Video {
	c := cfg.Context
	if s.codec == nil || c.ImageCondStartStep <= 0 || step < c.ImageCondStartStep {
		return nil
	}
	if wi == 0 || (c.ImageCondWindowCount > 0 && wi > c.ImageCondWindowCount) || prevX0 == nil {
		return nil
	}
	decoded, err := s.codec.Decode(ctx, prevX0)
	if err != nil {
		s.log.Warn("image-cond feedback decode failed", "error", err)
		return nil
	}
	encoded, err := s.codec.Encode(ctx, decoded)
	if err != nil {
		s.log.Warn("image-cond feedback encode failed", "error", err)
		return nil
	}
	return encoded
}

// request assembles the common guidance request fields.
func (s *Sampler) request(st *runState, latent *tensor.Video, step int, timestep, scale float64, bundle condition.Bundle, promptIdx int, branch string, winID int) guidance.Request {
	cfg := st.cfg
	req := guidance.Request{
		Latent:     latent,
		Cond:       bundle.Positive[promptIdx],
		Uncond:     bundle.Negative,
		Timestep:   timestep,
		Step:       step,
		TotalSteps: st.total,
		Scale:      scale,
		Skip:       cfg.Skip,
		Enhance:    cfg.Enhance,
		RiflexFreq: cfg.RiflexFreq,
		Cache:      st.cache,
		Window:     winID,
		Branch:     branch,
	}
	if cfg.Image.ActiveAt(step, st.total) {
		req.ImageCond = cfg.Image.Latent
		req.ClipEmbed = cfg.Image.Clip
	}
	if cfg.Control.ActiveAt(step, st.total) {
		req.ControlCond = cfg.Control.Latent
	}
	return req
}

// activeAt reports whether the latent-shift loop applies at this step.
func (l *LoopOptions) activeAt(step, total int) bool {
	p := condition.StepPercent(step, total)
	return l.StartPercent <= p && p <= l.EndPercent
}
