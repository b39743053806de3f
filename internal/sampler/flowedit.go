package sampler

import (
	"context"
	"math/rand"

	"github.com/samcharles93/weft/internal/offload"
	"github.com/samcharles93/weft/internal/sched"
	"github.com/samcharles93/weft/internal/tensor"
)

// runFlowEdit is the dual-trajectory mode: a source trajectory
// interpolates between the reference latent and fresh noise, and the
// target advances by the difference between the two guided fields, so the
// edit keeps the reference's structure while following the new prompt.
// The trailing drift phase drops the source and lets the target evolve
// alone on a re-shifted schedule tail. sigmas is the run's resolved
// (possibly denoise-truncated) schedule.
func (s *Sampler) runFlowEdit(ctx context.Context, st *runState, mgr *offload.Manager, rng *rand.Rand, sigmas []float64) (Result, error) {
	cfg := st.cfg
	fe := cfg.FlowEdit
	xInit := cfg.InitLatent

	sigmas = append([]float64(nil), sigmas...)
	total := len(sigmas) - 1
	st.total = total
	driftSteps := fe.DriftSteps
	if driftSteps > total {
		driftSteps = total
	}
	if driftSteps > 0 && fe.DriftShift > 0 {
		drift := sched.SamplingSigmas(cfg.Steps, fe.DriftShift)
		copy(sigmas[len(sigmas)-driftSteps:], drift[len(drift)-driftSteps:])
	}

	s.log.Info("flow-edit sampling",
		"steps", total,
		"skip_steps", fe.SkipSteps,
		"drift_steps", driftSteps,
		"windowed", cfg.Context != nil)

	xTgt := xInit.Clone()
	driftStart := total - driftSteps
	driftEntered := false

	for step := fe.SkipSteps; step < total; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Latent: xTgt, Looped: cfg.looped()}, err
		}
		sigma, next := sigmas[step], sigmas[step+1]
		timestep := sigma * 1000

		if err := mgr.BeginStep(ctx, cfg.Swapper, step); err != nil {
			return Result{}, err
		}

		// The source trajectory is re-derived each step from the
		// reference and a fresh seeded noise draw, never integrated.
		noise := tensor.RandnLike(xInit, rng)
		ztSrc := tensor.Lerp(xInit, noise, float32(sigma))

		if step < driftStart {
			ztTgt := tensor.Add(xTgt, tensor.Sub(ztSrc, xInit))

			vtSrc, err := s.predict(ctx, st, ztSrc, step, timestep, fe.SourceScale, fe.Source, "src/")
			if err != nil {
				return Result{}, err
			}
			vtTgt, err := s.predict(ctx, st, ztTgt, step, timestep, cfg.scaleAt(step), cfg.Bundle, "tgt/")
			if err != nil {
				return Result{}, err
			}

			delta := tensor.Sub(vtTgt, vtSrc)
			tensor.AddScaled(xTgt, delta, float32(next-sigma))
		} else {
			if !driftEntered {
				// Hand over the noisy target state; from here the edit
				// evolves independently.
				xTgt = tensor.Add(xTgt, tensor.Sub(ztSrc, xInit))
				driftEntered = true
			}
			vtTgt, err := s.predict(ctx, st, xTgt, step, timestep, fe.DriftScale, cfg.Bundle, "tgt/")
			if err != nil {
				return Result{}, err
			}
			tensor.AddScaled(xTgt, vtTgt, float32(next-sigma))
		}

		if err := mgr.EndStep(ctx, cfg.Swapper, step); err != nil {
			return Result{}, err
		}

		if cfg.Progress != nil && !cfg.Progress(step+1, total, xTgt) {
			s.log.Info("flow-edit stopped by observer", "step", step+1, "of", total)
			return Result{Latent: xTgt, Looped: cfg.looped()}, nil
		}
	}

	s.logDiagnostics(st)
	return Result{Latent: xTgt, Looped: cfg.looped()}, nil
}
