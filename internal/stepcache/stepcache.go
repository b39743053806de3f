// Package stepcache skips redundant network evaluations during sampling.
//
// The change in a transformer's output between adjacent steps correlates
// with the change in the (embedded) timestep. The cache accumulates a
// relative timestep distance per branch and, while the accumulator stays
// under a threshold, replays the residual recorded by the last full
// evaluation instead of running the network.
package stepcache

import (
	"errors"
	"math"

	"github.com/samcharles93/weft/internal/tensor"
)

// NoWindow keys cache state that is not tied to a context window.
const NoWindow = -1

var ErrNoResidual = errors.New("no cached residual for key")

// Key identifies one independent cache lane. Branch separates conditional,
// unconditional and secondary trajectories; Window separates context
// windows so each window accumulates drift against its own history.
type Key struct {
	Branch string
	Window int
}

// Options configures the skip policy.
type Options struct {
	// Threshold is the accumulated relative distance above which the
	// network is evaluated again. Higher values skip more steps.
	Threshold float64
	// StartStep and EndStep bound the active range [StartStep, EndStep).
	// EndStep -1 means the last step of the run.
	StartStep int
	EndStep   int
	// Coefficients, when non-empty, rescale the raw distance through a
	// polynomial fitted offline for the model in use. Highest order first.
	Coefficients []float64
}

type lane struct {
	prevT    float64
	accum    float64
	primed   bool
	residual *tensor.Video
	skips    int
}

// Cache tracks skip state for every branch/window lane of one sampling run.
type Cache struct {
	opts  Options
	end   int
	lanes map[Key]*lane
}

// New builds a cache for a run of totalSteps steps.
func New(opts Options, totalSteps int) *Cache {
	end := opts.EndStep
	if end < 0 || end > totalSteps {
		end = totalSteps
	}
	return &Cache{opts: opts, end: end, lanes: make(map[Key]*lane)}
}

func (c *Cache) lane(k Key) *lane {
	l, ok := c.lanes[k]
	if !ok {
		l = &lane{}
		c.lanes[k] = l
	}
	return l
}

// ShouldSkip reports whether the evaluation for key at the given step and
// timestep can reuse the cached residual. A skip decision also advances the
// lane's accumulator; a compute decision resets it. The first sight of a
// lane always computes.
func (c *Cache) ShouldSkip(k Key, step int, timestep float64) bool {
	if step < c.opts.StartStep || step >= c.end {
		return false
	}
	l := c.lane(k)
	if !l.primed {
		l.primed = true
		l.prevT = timestep
		l.accum = 0
		return false
	}

	d := relDistance(l.prevT, timestep)
	if len(c.opts.Coefficients) > 0 {
		d = math.Abs(polyval(c.opts.Coefficients, d))
	}
	l.accum += d
	l.prevT = timestep

	if l.accum < c.opts.Threshold {
		l.skips++
		return true
	}
	l.accum = 0
	return false
}

// Store records the residual of a full evaluation: out - in. The tensors
// are not retained; the residual is copied out of them.
func (c *Cache) Store(k Key, in, out *tensor.Video) {
	c.lane(k).residual = tensor.Sub(out, in)
}

// Reuse applies the cached residual to in, reproducing the approximate
// output of a skipped evaluation.
func (c *Cache) Reuse(k Key, in *tensor.Video) (*tensor.Video, error) {
	l, ok := c.lanes[k]
	if !ok || l.residual == nil {
		return nil, ErrNoResidual
	}
	return tensor.Add(in, l.residual), nil
}

// Skips returns the number of evaluations skipped on the key's lane.
func (c *Cache) Skips(k Key) int {
	if l, ok := c.lanes[k]; ok {
		return l.skips
	}
	return 0
}

// TotalSkips sums skips over all lanes.
func (c *Cache) TotalSkips() int {
	var n int
	for _, l := range c.lanes {
		n += l.skips
	}
	return n
}

// Reset drops all lane state, for reusing the cache across runs.
func (c *Cache) Reset() {
	c.lanes = make(map[Key]*lane)
}

// relDistance is the relative L1 distance between consecutive timesteps.
func relDistance(prev, cur float64) float64 {
	den := math.Abs(prev)
	if den < 1e-8 {
		den = 1e-8
	}
	return math.Abs(cur-prev) / den
}

// polyval evaluates the polynomial with the given coefficients (highest
// order first) at x, by Horner's rule.
func polyval(coeffs []float64, x float64) float64 {
	var y float64
	for _, c := range coeffs {
		y = y*x + c
	}
	return y
}
