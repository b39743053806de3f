package sched

import "github.com/samcharles93/weft/internal/tensor"

// euler is the first-order rule: the velocity prediction is the exact
// derivative of the flow trajectory, so one step is
//
//	x_next = x + (sigma_next - sigma) * v
type euler struct {
	schedule
}

func (e *euler) Step(pred *tensor.Video, step int, x *tensor.Video) (*tensor.Video, error) {
	sigma := e.sigmas[step]
	next := e.sigmas[step+1]
	out := x.Clone()
	tensor.AddScaled(out, pred, float32(next-sigma))
	return out, nil
}
