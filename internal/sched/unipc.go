package sched

import (
	"math"

	"github.com/samcharles93/weft/internal/tensor"
)

// unipc is a second-order unified predictor-corrector in the flow-matching
// parameterisation (B(h) = expm1(h) variant). Each call first applies the
// corrector to the incoming sample using the fresh prediction, then runs
// the predictor toward the next noise level. The corrector reuses the
// prediction already in hand, so the solver costs one network evaluation
// per step like the multistep DPM solvers.
type unipc struct {
	schedule

	lastX    *tensor.Video // sample at the previous level, post-correction
	prevM0   *tensor.Video // denoised estimate at the previous level
	prev2M0  *tensor.Video
	prevSig  float64
	prev2Sig float64
}

func (u *unipc) Step(pred *tensor.Video, step int, x *tensor.Video) (*tensor.Video, error) {
	sigma := u.sigmas[step]
	next := u.sigmas[step+1]

	m0 := dataPrediction(x, pred, sigma)
	if u.lastX != nil {
		x = u.correct(m0, sigma)
		// The denoised estimate tracks the pre-correction sample; the
		// corrected one feeds the predictor only.
	}

	var out *tensor.Video
	if next <= 0 {
		out = m0
	} else {
		out = u.predict(m0, x, sigma, next)
	}

	u.lastX = x
	u.prev2M0, u.prevM0 = u.prevM0, m0
	u.prev2Sig, u.prevSig = u.prevSig, sigma
	return out, nil
}

// predict advances x from sigma s0 to t using the current denoised
// estimate m0 and, when history exists, a first difference toward the
// previous estimate. The fixed weight 1/2 on the difference term is the
// closed form of the order-2 system.
func (u *unipc) predict(m0, x *tensor.Video, s0, t float64) *tensor.Video {
	h := lambda(t) - lambda(s0)
	hh := -h
	hPhi1 := math.Expm1(hh)
	bH := hPhi1
	alphaT := 1 - t

	out := x.Clone()
	tensor.Scale(out, float32(t/s0))
	tensor.AddScaled(out, m0, float32(-alphaT*hPhi1))

	if u.prevM0 != nil {
		r0 := (lambda(u.prevSig) - lambda(s0)) / h
		// r0 is -Inf on the step after sigma=1; the difference term then
		// vanishes and the update degrades to first order.
		d1 := tensor.Sub(u.prevM0, m0)
		tensor.Scale(d1, float32(1/r0))
		tensor.AddScaled(out, d1, float32(-alphaT*bH*0.5))
	}
	return out
}

// correct refines the incoming sample at level t using the prediction made
// there. mt is the denoised estimate at t; the previous sample and
// estimates supply the multistep system.
func (u *unipc) correct(mt *tensor.Video, t float64) *tensor.Video {
	s0 := u.prevSig
	m0 := u.prevM0

	h := lambda(t) - lambda(s0)
	hh := -h
	hPhi1 := math.Expm1(hh)
	bH := hPhi1
	hPhi2 := hPhi1/hh - 1
	alphaT := 1 - t

	out := u.lastX.Clone()
	tensor.Scale(out, float32(t/s0))
	tensor.AddScaled(out, m0, float32(-alphaT*hPhi1))

	d1t := tensor.Sub(mt, m0)
	if u.prev2M0 == nil {
		tensor.AddScaled(out, d1t, float32(-alphaT*bH*0.5))
		return out
	}

	// Order-2 system: weights a1 (history difference) and a2 (current
	// difference) solve the 2x2 Vandermonde system in closed form.
	hPhi3 := hPhi2/hh - 0.5
	b0 := hPhi2 / bH
	b1 := hPhi3 * 2 / bH
	r0 := (lambda(u.prev2Sig) - lambda(s0)) / h
	a1 := (b0 - b1) / (1 - r0)
	a2 := b0 - a1

	d10 := tensor.Sub(u.prev2M0, m0)
	tensor.Scale(d10, float32(1/r0))
	tensor.AddScaled(out, d10, float32(-alphaT*bH*a1))
	tensor.AddScaled(out, d1t, float32(-alphaT*bH*a2))
	return out
}
