package sched

import (
	"math"
	"math/rand"

	"github.com/samcharles93/weft/internal/tensor"
)

// dpmpp implements DPM-Solver++(2M) in the flow-matching parameterisation,
// optionally with the SDE (ancestral noise injection) variant. The solver
// works in half-log-SNR space,
//
//	lambda(sigma) = log((1-sigma)/sigma),  alpha(sigma) = 1 - sigma,
//
// and combines the current and previous denoised estimates into a
// second-order update once one step of history exists.
type dpmpp struct {
	schedule
	sde bool
	rng *rand.Rand

	prevX0 *tensor.Video
	prevH  float64
}

func lambda(sigma float64) float64 {
	return math.Log((1 - sigma) / sigma)
}

func (d *dpmpp) Step(pred *tensor.Video, step int, x *tensor.Video) (*tensor.Video, error) {
	sigma := d.sigmas[step]
	next := d.sigmas[step+1]

	x0 := dataPrediction(x, pred, sigma)
	if next <= 0 {
		// lambda(0) is +Inf; the exponential update collapses to the
		// denoised estimate, so return it directly.
		d.prevX0, d.prevH = nil, 0
		return x0, nil
	}

	h := lambda(next) - lambda(sigma)
	alphaNext := 1 - next

	// Second-order correction using the previous denoised estimate.
	den := x0
	if d.prevX0 != nil && d.prevH != 0 && !math.IsInf(d.prevH, 0) && !math.IsInf(h, 0) {
		r := d.prevH / h
		den = x0.Clone()
		tensor.Scale(den, float32(1+1/(2*r)))
		tensor.AddScaled(den, d.prevX0, float32(-1/(2*r)))
	}

	var out *tensor.Video
	if d.sde {
		// x_next = (sigma_next/sigma) e^{-h} x
		//        + alpha_next (1 - e^{-2h}) den
		//        + sigma_next sqrt(1 - e^{-2h}) eps
		out = x.Clone()
		tensor.Scale(out, float32(next/sigma*math.Exp(-h)))
		tensor.AddScaled(out, den, float32(alphaNext*-math.Expm1(-2*h)))
		noise := tensor.RandnLike(x, d.rng)
		tensor.AddScaled(out, noise, float32(next*math.Sqrt(-math.Expm1(-2*h))))
	} else {
		// x_next = (sigma_next/sigma) x - alpha_next expm1(-h) den
		out = x.Clone()
		tensor.Scale(out, float32(next/sigma))
		tensor.AddScaled(out, den, float32(-alphaNext*math.Expm1(-h)))
	}

	d.prevX0 = x0
	d.prevH = h
	return out, nil
}
