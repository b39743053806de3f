// Package sched resolves flow-matching timestep schedules and advances a
// latent along the sampling trajectory with one of several step rules.
package sched

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/samcharles93/weft/internal/tensor"
)

// Kind selects the integration rule.
type Kind int

const (
	Euler Kind = iota
	DPMPP
	DPMPPSDE
	UniPC
)

var (
	ErrUnknownKind     = errors.New("unknown scheduler kind")
	ErrInvalidSteps    = errors.New("step count must be positive")
	ErrInvalidDenoise  = errors.New("denoise strength must be in (0, 1]")
	ErrDegenerateSteps = errors.New("denoise strength leaves no steps")
)

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "euler":
		return Euler, nil
	case "dpm++":
		return DPMPP, nil
	case "dpm++_sde":
		return DPMPPSDE, nil
	case "unipc":
		return UniPC, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k Kind) String() string {
	switch k {
	case Euler:
		return "euler"
	case DPMPP:
		return "dpm++"
	case DPMPPSDE:
		return "dpm++_sde"
	case UniPC:
		return "unipc"
	default:
		return "unknown"
	}
}

// Integrator advances a latent along the resolved schedule. Step i moves
// the state from noise level Sigmas()[i] to Sigmas()[i+1] given the
// network's predicted vector field at level i.
type Integrator interface {
	// Timesteps returns the per-step noise levels scaled to [0, 1000),
	// one entry per integration step.
	Timesteps() []float64
	// Sigmas returns the noise levels in [0, 1], one more entry than
	// Timesteps; the final entry is the terminal level (0 for a full
	// denoise).
	Sigmas() []float64
	// Step consumes the current latent and produces the next one.
	Step(pred *tensor.Video, step int, x *tensor.Video) (*tensor.Video, error)
}

// Options configures schedule resolution.
type Options struct {
	Steps   int
	Shift   float64
	Denoise float64    // 0 or 1 means a full run from pure noise
	RNG     *rand.Rand // required by DPMPPSDE only
}

// New resolves the schedule once and returns a fresh integrator. The
// integrator carries multistep history and must not be reused across runs.
func New(kind Kind, opts Options) (Integrator, error) {
	sc, err := resolve(opts)
	if err != nil {
		return nil, err
	}
	switch kind {
	case Euler:
		return &euler{schedule: sc}, nil
	case DPMPP:
		return &dpmpp{schedule: sc}, nil
	case DPMPPSDE:
		if opts.RNG == nil {
			return nil, errors.New("dpm++_sde requires a seeded rng")
		}
		return &dpmpp{schedule: sc, sde: true, rng: opts.RNG}, nil
	case UniPC:
		return &unipc{schedule: sc}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// schedule is the shared resolved state embedded by every integrator.
type schedule struct {
	sigmas    []float64
	timesteps []float64
}

func (s *schedule) Timesteps() []float64 { return s.timesteps }
func (s *schedule) Sigmas() []float64    { return s.sigmas }

func resolve(opts Options) (schedule, error) {
	if opts.Steps <= 0 {
		return schedule{}, ErrInvalidSteps
	}
	denoise := opts.Denoise
	if denoise == 0 {
		denoise = 1
	}
	if denoise < 0 || denoise > 1 {
		return schedule{}, ErrInvalidDenoise
	}

	sigmas := SamplingSigmas(opts.Steps, opts.Shift)
	if denoise < 1 {
		eff := int(float64(opts.Steps) * denoise)
		if eff < 1 {
			return schedule{}, ErrDegenerateSteps
		}
		// Continue from a partially noised latent: keep the low-noise
		// tail of the full schedule.
		sigmas = sigmas[len(sigmas)-(eff+1):]
	}

	ts := make([]float64, len(sigmas)-1)
	for i := range ts {
		ts[i] = sigmas[i] * 1000
	}
	return schedule{sigmas: sigmas, timesteps: ts}, nil
}

// dataPrediction converts a velocity prediction into a denoised sample
// estimate: with x = (1-sigma)*x0 + sigma*noise and v = noise - x0,
// x0 = x - sigma*v.
func dataPrediction(x, pred *tensor.Video, sigma float64) *tensor.Video {
	x0 := x.Clone()
	tensor.AddScaled(x0, pred, float32(-sigma))
	return x0
}
