package window

import (
	"errors"

	"github.com/samcharles93/weft/internal/tensor"
)

// ErrZeroBlendWeight reports a frame that no window contributed to.
var ErrZeroBlendWeight = errors.New("frame received zero blend weight")

// Weights returns the per-frame blend mask for a window: 1 in the interior
// with linear ramps across the overlap regions at either end. The ramps of
// adjacent windows are complementary (up[i] + down[i] = 1) so overlapping
// frames keep unit total weight, and every ramp value is strictly positive
// so a covered frame can never blend to nothing. Boundary windows skip the
// ramp on the side that touches the start or end of the video, unless the
// schedule is looped and the window wraps there.
func Weights(win []int, overlap, frames int, looped bool) []float32 {
	w := make([]float32, len(win))
	for i := range w {
		w[i] = 1
	}
	if overlap <= 0 || len(win) < 2*overlap {
		return w
	}

	lo, hi := win[0], win[0]
	for _, f := range win {
		if f < lo {
			lo = f
		}
		if f > hi {
			hi = f
		}
	}

	if lo > 0 || (looped && hi == frames-1) {
		for i := 0; i < overlap; i++ {
			w[i] = float32(i+1) / float32(overlap+1)
		}
	}
	if hi < frames-1 || (looped && lo == 0) {
		for i := 0; i < overlap; i++ {
			w[len(w)-overlap+i] = float32(overlap-i) / float32(overlap+1)
		}
	}
	return w
}

// Accumulator blends per-window results back into a full-length latent as
// a weighted running sum.
type Accumulator struct {
	sum    *tensor.Video
	weight []float32
}

// NewAccumulator prepares a zeroed accumulator for the given latent shape.
func NewAccumulator(c, t, h, w int) *Accumulator {
	return &Accumulator{
		sum:    tensor.NewVideo(c, t, h, w),
		weight: make([]float32, t),
	}
}

// Add accumulates a window result. frames maps window positions to video
// frames and weights holds the blend mask from Weights; all three must
// have the window's length.
func (a *Accumulator) Add(frames []int, win *tensor.Video, weights []float32) {
	tensor.ScatterAddFrames(a.sum, frames, win, weights)
	for i, f := range frames {
		a.weight[f] += weights[i]
	}
}

// Resolve normalises the accumulated sum by each frame's total weight and
// returns the blended latent. It fails if any frame was never covered.
func (a *Accumulator) Resolve() (*tensor.Video, error) {
	out := a.sum.Clone()
	for f, w := range a.weight {
		if w == 0 {
			return nil, ErrZeroBlendWeight
		}
		if w == 1 {
			continue
		}
		inv := 1 / w
		for c := 0; c < out.C; c++ {
			p := out.Plane(c, f)
			for i := range p {
				p[i] *= inv
			}
		}
	}
	return out, nil
}
