package sched

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/weft/internal/tensor"
)

func TestSamplingSigmas(t *testing.T) {
	sigmas := SamplingSigmas(10, 1)
	if len(sigmas) != 11 {
		t.Fatalf("expected 11 levels, got %d", len(sigmas))
	}
	if sigmas[0] != 1 || sigmas[10] != 0 {
		t.Fatalf("endpoints not pinned: %v .. %v", sigmas[0], sigmas[10])
	}
	// shift=1 is plain linear spacing.
	for i, s := range sigmas {
		want := 1 - float64(i)/10
		if math.Abs(s-want) > 1e-12 {
			t.Fatalf("shift=1 level %d: got %v want %v", i, s, want)
		}
	}

	shifted := SamplingSigmas(10, 5)
	for i := 1; i < 10; i++ {
		if shifted[i] <= sigmas[i] {
			t.Fatalf("shift=5 should raise interior level %d: %v vs %v", i, shifted[i], sigmas[i])
		}
		if shifted[i] >= shifted[i-1] {
			t.Fatalf("levels not strictly decreasing at %d", i)
		}
	}
	if shifted[0] != 1 || shifted[10] != 0 {
		t.Fatal("shift moved the endpoints")
	}
}

func TestDenoiseTruncation(t *testing.T) {
	full, err := New(Euler, Options{Steps: 30, Shift: 5})
	if err != nil {
		t.Fatal(err)
	}
	part, err := New(Euler, Options{Steps: 30, Shift: 5, Denoise: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(part.Timesteps()); got != 15 {
		t.Fatalf("denoise 0.5 of 30 steps: got %d timesteps, want 15", got)
	}
	// The truncated schedule is the low-noise tail of the full one.
	fs, ps := full.Sigmas(), part.Sigmas()
	for i, s := range ps {
		if s != fs[len(fs)-len(ps)+i] {
			t.Fatalf("truncated level %d does not match full schedule tail", i)
		}
	}

	if _, err := New(Euler, Options{Steps: 4, Denoise: 0.1}); !errors.Is(err, ErrDegenerateSteps) {
		t.Fatalf("expected ErrDegenerateSteps, got %v", err)
	}
	if _, err := New(Euler, Options{Steps: 0}); !errors.Is(err, ErrInvalidSteps) {
		t.Fatalf("expected ErrInvalidSteps, got %v", err)
	}
	if _, err := New(Euler, Options{Steps: 4, Denoise: 1.5}); !errors.Is(err, ErrInvalidDenoise) {
		t.Fatalf("expected ErrInvalidDenoise, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"euler", "dpm++", "dpm++_sde", "unipc"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
		if k.String() != name {
			t.Fatalf("round trip %q -> %q", name, k.String())
		}
	}
	if _, err := ParseKind("ddim"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

// A zero vector field means the denoised estimate equals the current sample
// at every level, so every deterministic rule must carry the initial state
// through unchanged (up to float accumulation).
func TestZeroVelocityIdentity(t *testing.T) {
	for _, kind := range []Kind{Euler, DPMPP, UniPC} {
		in, err := New(kind, Options{Steps: 12, Shift: 5})
		if err != nil {
			t.Fatalf("%v: %v", kind, err)
		}
		x := tensor.Randn(2, 3, 4, 4, rand.New(rand.NewSource(7)))
		orig := x.Clone()
		zero := tensor.NewVideo(2, 3, 4, 4)
		for step := range in.Timesteps() {
			x, err = in.Step(zero, step, x)
			if err != nil {
				t.Fatalf("%v step %d: %v", kind, step, err)
			}
		}
		if d := tensor.MaxAbsDiff(orig, x); d > 1e-4 {
			t.Fatalf("%v drifted by %v under zero velocity", kind, d)
		}
	}
}

// Euler telescopes exactly: x_final = x + (sigma_final - sigma_0) * v for a
// constant prediction, independent of the step count and shift.
func TestEulerConstantVelocity(t *testing.T) {
	in, err := New(Euler, Options{Steps: 8, Shift: 3})
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(3))
	x := tensor.Randn(1, 2, 3, 3, rng)
	v := tensor.Randn(1, 2, 3, 3, rng)

	want := x.Clone()
	tensor.AddScaled(want, v, -1) // sigma runs 1 -> 0

	for step := range in.Timesteps() {
		x, err = in.Step(v, step, x)
		if err != nil {
			t.Fatal(err)
		}
	}
	if d := tensor.MaxAbsDiff(want, x); d > 1e-5 {
		t.Fatalf("telescoped Euler off by %v", d)
	}
}

func TestFinalStepReturnsDenoised(t *testing.T) {
	for _, kind := range []Kind{DPMPP, UniPC} {
		in, err := New(kind, Options{Steps: 1})
		if err != nil {
			t.Fatal(err)
		}
		x := tensor.NewVideo(1, 1, 1, 2)
		v := tensor.NewVideo(1, 1, 1, 2)
		copy(x.Data, []float32{3, -3})
		copy(v.Data, []float32{1, 1})
		out, err := in.Step(v, 0, x)
		if err != nil {
			t.Fatal(err)
		}
		// sigma=1 here, so the denoised estimate is x - v.
		want := []float32{2, -4}
		for i := range want {
			if out.Data[i] != want[i] {
				t.Fatalf("%v: got %v want %v", kind, out.Data, want)
			}
		}
		if math.IsNaN(float64(out.Data[0])) || math.IsInf(float64(out.Data[0]), 0) {
			t.Fatalf("%v produced a non-finite sample", kind)
		}
	}
}

func TestSDEDeterminism(t *testing.T) {
	run := func(seed int64) *tensor.Video {
		in, err := New(DPMPPSDE, Options{Steps: 6, Shift: 5, RNG: rand.New(rand.NewSource(seed))})
		if err != nil {
			t.Fatal(err)
		}
		x := tensor.Randn(2, 2, 3, 3, rand.New(rand.NewSource(99)))
		v := tensor.Randn(2, 2, 3, 3, rand.New(rand.NewSource(100)))
		for step := range in.Timesteps() {
			x, err = in.Step(v, step, x)
			if err != nil {
				t.Fatal(err)
			}
		}
		return x
	}
	a, b := run(1), run(1)
	if tensor.MaxAbsDiff(a, b) != 0 {
		t.Fatal("same seed produced different trajectories")
	}
	if tensor.MaxAbsDiff(a, run(2)) == 0 {
		t.Fatal("different seeds produced identical trajectories")
	}
	for _, f := range a.Data {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			t.Fatal("sde trajectory is not finite")
		}
	}

	if _, err := New(DPMPPSDE, Options{Steps: 4}); err == nil {
		t.Fatal("expected an error without an rng")
	}
}

func TestTimestepsScale(t *testing.T) {
	in, err := New(Euler, Options{Steps: 4, Shift: 1})
	if err != nil {
		t.Fatal(err)
	}
	ts := in.Timesteps()
	want := []float64{1000, 750, 500, 250}
	for i := range want {
		if math.Abs(ts[i]-want[i]) > 1e-9 {
			t.Fatalf("timestep %d: got %v want %v", i, ts[i], want[i])
		}
	}
}
