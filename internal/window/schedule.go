// Package window splits long videos into overlapping temporal windows so a
// network trained on short clips can denoise arbitrarily many frames, and
// blends the per-window results back into one latent.
package window

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
)

// Kind selects the window scheduling strategy.
type Kind int

const (
	// UniformStandard staggers window starts per step and dilates strides,
	// but keeps every window a contiguous frame range.
	UniformStandard Kind = iota
	// UniformLooped is the same schedule with windows allowed to wrap
	// around the end of the video, for seamless loops.
	UniformLooped
	// StaticStandard tiles the same contiguous windows every step.
	StaticStandard
)

var (
	ErrUnknownKind   = errors.New("unknown window schedule kind")
	ErrInvalidParams = errors.New("invalid window parameters")
)

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "uniform_standard":
		return UniformStandard, nil
	case "uniform_looped":
		return UniformLooped, nil
	case "static_standard":
		return StaticStandard, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k Kind) String() string {
	switch k {
	case UniformStandard:
		return "uniform_standard"
	case UniformLooped:
		return "uniform_looped"
	case StaticStandard:
		return "static_standard"
	default:
		return "unknown"
	}
}

// Params sizes the window schedule. All counts are latent frames.
type Params struct {
	Frames  int // total frames in the video
	Size    int // frames per window
	Stride  int // maximum dilation exponent for the uniform schedules
	Overlap int // frames shared between adjacent windows
}

func (p Params) validate() error {
	switch {
	case p.Frames <= 0:
		return fmt.Errorf("%w: frames must be positive", ErrInvalidParams)
	case p.Size <= 0:
		return fmt.Errorf("%w: window size must be positive", ErrInvalidParams)
	case p.Overlap < 0 || p.Overlap >= p.Size:
		return fmt.Errorf("%w: overlap must be in [0, size)", ErrInvalidParams)
	case p.Stride < 1:
		return fmt.Errorf("%w: stride must be at least 1", ErrInvalidParams)
	}
	return nil
}

// Windows returns the frame-index lists to denoise at the given step.
// Every frame of the video appears in at least one window, and every
// returned window has exactly p.Size entries when p.Frames >= p.Size.
func Windows(kind Kind, step, totalSteps int, p Params) ([][]int, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if p.Frames <= p.Size {
		return [][]int{seq(0, p.Frames)}, nil
	}

	var wins [][]int
	switch kind {
	case UniformStandard:
		wins = uniform(step, p, false)
		wins = repairCoverage(wins, p)
	case UniformLooped:
		wins = uniform(step, p, true)
	case StaticStandard:
		wins = static(p)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	return wins, nil
}

// orderedHalving maps a step index to a low-discrepancy offset in [0, 1)
// by mirroring its bits around the binary point. Consecutive steps land on
// maximally spread offsets, so window seams move every step.
func orderedHalving(step int) float64 {
	return float64(bits.Reverse64(uint64(step))) / (1 << 64)
}

// uniform is the staggered schedule: for each dilation level the window
// starts shift by a per-step offset, and window members advance by the
// dilation stride. In looped mode members wrap around the video; otherwise
// wrapped windows are replaced with the contiguous tail window.
func uniform(step int, p Params, looped bool) [][]int {
	maxStride := int(math.Ceil(math.Log2(float64(p.Frames)/float64(p.Size)))) + 1
	strides := p.Stride
	if strides > maxStride {
		strides = maxStride
	}

	var wins [][]int
	for level := 0; level < strides; level++ {
		dilation := 1 << level
		pad := int(math.Round(float64(p.Frames) * orderedHalving(step)))
		first := int(orderedHalving(step)*float64(dilation)) + pad
		span := p.Size*dilation - p.Overlap
		for j := first; j < p.Frames+pad; j += span {
			win := make([]int, 0, p.Size)
			wrapped := false
			for e := j; e < j+p.Size*dilation; e += dilation {
				f := e % p.Frames
				if len(win) > 0 && f < win[len(win)-1] {
					wrapped = true
				}
				win = append(win, f)
			}
			if wrapped && !looped {
				win = seq(p.Frames-p.Size, p.Frames)
			}
			wins = append(wins, win)
		}
	}
	return wins
}

// static tiles contiguous windows size-overlap apart, clamping the final
// window to end at the last frame.
func static(p Params) [][]int {
	delta := p.Size - p.Overlap
	var wins [][]int
	for start := 0; start < p.Frames; start += delta {
		if start+p.Size >= p.Frames {
			wins = append(wins, seq(p.Frames-p.Size, p.Frames))
			break
		}
		wins = append(wins, seq(start, start+p.Size))
	}
	return wins
}

// repairCoverage appends contiguous windows over any frames the staggered
// schedule left uncovered, so the full-coverage guarantee holds for every
// step and parameter combination.
func repairCoverage(wins [][]int, p Params) [][]int {
	covered := make([]bool, p.Frames)
	for _, w := range wins {
		for _, f := range w {
			covered[f] = true
		}
	}
	var missing []int
	for f, ok := range covered {
		if !ok {
			missing = append(missing, f)
		}
	}
	for len(missing) > 0 {
		start := missing[0] - p.Overlap/2
		if start > p.Frames-p.Size {
			start = p.Frames - p.Size
		}
		if start < 0 {
			start = 0
		}
		wins = append(wins, seq(start, start+p.Size))
		end := start + p.Size
		rest := missing[:0]
		for _, f := range missing {
			if f < start || f >= end {
				rest = append(rest, f)
			}
		}
		missing = rest
	}
	return wins
}

func seq(lo, hi int) []int {
	out := make([]int, hi-lo)
	for i := range out {
		out[i] = lo + i
	}
	return out
}

// sortedUnique returns the distinct frames of a window in ascending order.
func sortedUnique(win []int) []int {
	out := append([]int(nil), win...)
	sort.Ints(out)
	n := 0
	for i, f := range out {
		if i == 0 || f != out[n-1] {
			out[n] = f
			n++
		}
	}
	return out[:n]
}
