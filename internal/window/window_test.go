package window

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/weft/internal/tensor"
)

func TestParseKindRoundTrip(t *testing.T) {
	for _, name := range []string{"uniform_standard", "uniform_looped", "static_standard"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
		if k.String() != name {
			t.Fatalf("round trip %q -> %q", name, k)
		}
	}
	if _, err := ParseKind("batched"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestShortVideoSingleWindow(t *testing.T) {
	wins, err := Windows(UniformStandard, 0, 10, Params{Frames: 5, Size: 16, Stride: 1, Overlap: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(wins) != 1 || len(wins[0]) != 5 {
		t.Fatalf("short video: got %v", wins)
	}
	for i, f := range wins[0] {
		if f != i {
			t.Fatalf("short video window not identity: %v", wins[0])
		}
	}
}

func TestStaticTiling(t *testing.T) {
	wins, err := Windows(StaticStandard, 3, 10, Params{Frames: 20, Size: 8, Stride: 1, Overlap: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]int{{0, 8}, {6, 14}, {12, 20}}
	if len(wins) != len(want) {
		t.Fatalf("got %d windows, want %d", len(wins), len(want))
	}
	for i, w := range wins {
		if w[0] != want[i][0] || w[len(w)-1] != want[i][1]-1 || len(w) != 8 {
			t.Fatalf("window %d: %v", i, w)
		}
	}

	// The static schedule ignores the step index entirely.
	other, _ := Windows(StaticStandard, 7, 10, Params{Frames: 20, Size: 8, Stride: 1, Overlap: 2})
	for i := range wins {
		for j := range wins[i] {
			if wins[i][j] != other[i][j] {
				t.Fatal("static schedule changed across steps")
			}
		}
	}
}

func TestCoverageAndWindowSize(t *testing.T) {
	p := Params{Frames: 33, Size: 12, Stride: 2, Overlap: 4}
	for _, kind := range []Kind{UniformStandard, UniformLooped, StaticStandard} {
		for step := 0; step < 20; step++ {
			wins, err := Windows(kind, step, 20, p)
			if err != nil {
				t.Fatalf("%v step %d: %v", kind, step, err)
			}
			covered := make([]bool, p.Frames)
			for _, w := range wins {
				if len(w) != p.Size {
					t.Fatalf("%v step %d: window length %d, want %d", kind, step, len(w), p.Size)
				}
				for _, f := range w {
					if f < 0 || f >= p.Frames {
						t.Fatalf("%v step %d: frame %d out of range", kind, step, f)
					}
					covered[f] = true
				}
			}
			for f, ok := range covered {
				if !ok {
					t.Fatalf("%v step %d: frame %d uncovered", kind, step, f)
				}
			}
		}
	}
}

func TestStandardWindowsNeverWrap(t *testing.T) {
	p := Params{Frames: 33, Size: 12, Stride: 2, Overlap: 4}
	for step := 0; step < 20; step++ {
		wins, err := Windows(UniformStandard, step, 20, p)
		if err != nil {
			t.Fatal(err)
		}
		for _, w := range wins {
			for i := 1; i < len(w); i++ {
				if w[i] <= w[i-1] {
					t.Fatalf("step %d: window %v wraps", step, w)
				}
			}
		}
	}
}

func TestLoopedWindowsWrap(t *testing.T) {
	p := Params{Frames: 33, Size: 12, Stride: 1, Overlap: 4}
	var wrapped bool
	for step := 0; step < 20 && !wrapped; step++ {
		wins, err := Windows(UniformLooped, step, 20, p)
		if err != nil {
			t.Fatal(err)
		}
		for _, w := range wins {
			for i := 1; i < len(w); i++ {
				if w[i] < w[i-1] {
					wrapped = true
				}
			}
		}
	}
	if !wrapped {
		t.Fatal("looped schedule never produced a wrapping window")
	}
}

func TestWeights(t *testing.T) {
	const frames, overlap = 40, 4

	// Interior window ramps on both sides, strictly increasing up and
	// strictly decreasing down, never hitting 0 or 1.
	mid := Weights(seq(10, 22), overlap, frames, false)
	for i := 0; i < overlap; i++ {
		up, down := mid[i], mid[len(mid)-overlap+i]
		if up <= 0 || up >= 1 || down <= 0 || down >= 1 {
			t.Fatalf("ramp value outside (0,1): up=%v down=%v", up, down)
		}
		if i > 0 && (up <= mid[i-1] || down >= mid[len(mid)-overlap+i-1]) {
			t.Fatalf("ramps not monotone: %v", mid)
		}
	}
	for _, w := range mid[overlap : len(mid)-overlap] {
		if w != 1 {
			t.Fatalf("interior weight not 1: %v", mid)
		}
	}

	// Complementary ramps of adjacent windows sum to one.
	next := Weights(seq(18, 30), overlap, frames, false)
	for i := 0; i < overlap; i++ {
		sum := mid[len(mid)-overlap+i] + next[i]
		if math.Abs(float64(sum)-1) > 1e-6 {
			t.Fatalf("ramp pair sums to %v at %d", sum, i)
		}
	}

	// Boundary windows keep full weight on the boundary side.
	head := Weights(seq(0, 12), overlap, frames, false)
	if head[0] != 1 {
		t.Fatalf("head window ramped at frame 0: %v", head[:overlap])
	}
	tail := Weights(seq(frames-12, frames), overlap, frames, false)
	if tail[len(tail)-1] != 1 {
		t.Fatalf("tail window ramped at the last frame: %v", tail[len(tail)-overlap:])
	}

	// In looped mode the boundary windows ramp too, because frame 0 and
	// the last frame are adjacent.
	if lh := Weights(seq(0, 12), overlap, frames, true); lh[len(lh)-1] >= 1 {
		t.Fatalf("looped head window missing down ramp: %v", lh)
	}
}

func TestAccumulatorBlend(t *testing.T) {
	acc := NewAccumulator(1, 6, 1, 1)

	a := tensor.NewVideo(1, 4, 1, 1)
	b := tensor.NewVideo(1, 4, 1, 1)
	for i := range a.Data {
		a.Data[i] = 2
		b.Data[i] = 4
	}
	// Windows [0..4) and [2..6) overlap on frames 2 and 3.
	acc.Add([]int{0, 1, 2, 3}, a, []float32{1, 1, 1, 0.25})
	acc.Add([]int{2, 3, 4, 5}, b, []float32{1, 0.75, 1, 1})

	out, err := acc.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{2, 2, 3, 3.5, 4, 4}
	for i := range want {
		if math.Abs(float64(out.Data[i]-want[i])) > 1e-6 {
			t.Fatalf("blend got %v want %v", out.Data, want)
		}
	}
}

func TestAccumulatorZeroWeight(t *testing.T) {
	acc := NewAccumulator(1, 4, 1, 1)
	acc.Add([]int{0, 1}, tensor.NewVideo(1, 2, 1, 1), []float32{1, 1})
	if _, err := acc.Resolve(); !errors.Is(err, ErrZeroBlendWeight) {
		t.Fatalf("expected ErrZeroBlendWeight, got %v", err)
	}
}

func TestTrackerIdentity(t *testing.T) {
	tr := NewTracker()
	a := tr.ID([]int{4, 5, 6, 7})
	if a != 0 {
		t.Fatalf("first ID = %d, want 0", a)
	}
	// Order does not matter: a wrapped window covering the same frames
	// is the same window.
	if got := tr.ID([]int{6, 7, 4, 5}); got != a {
		t.Fatalf("reordered frames got ID %d, want %d", got, a)
	}
	b := tr.ID([]int{8, 9, 10, 11})
	if b != 1 {
		t.Fatalf("second distinct window got ID %d, want 1", b)
	}
	if tr.ID([]int{4, 5, 6, 7}) != a || tr.Count() != 2 {
		t.Fatal("tracker forgot a window")
	}
	// Non-contiguous sets do not collide with contiguous ones sharing
	// the same endpoints.
	c := tr.ID([]int{4, 6, 7})
	if c == a || tr.ID([]int{4, 5, 6, 7}) != a {
		t.Fatal("sparse window collided with contiguous window")
	}
}

func TestPromptIndex(t *testing.T) {
	cases := []struct {
		win  []int
		want int
	}{
		{seq(0, 8), 0},     // max 7, section 10
		{seq(8, 16), 1},    // max 15 straddles into section 1
		{seq(20, 28), 2},   // max 27
		{seq(32, 40), 3},   // max 39 clamps to last prompt
		{[]int{38, 39}, 3}, // clamp
	}
	for _, tc := range cases {
		if got := PromptIndex(tc.win, 40, 4); got != tc.want {
			t.Fatalf("PromptIndex(%v) = %d, want %d", tc.win, got, tc.want)
		}
	}
	if PromptIndex(seq(30, 40), 40, 1) != 0 {
		t.Fatal("single prompt must always index 0")
	}
}

func TestShuffleNoise(t *testing.T) {
	base := tensor.Randn(2, 24, 2, 2, rand.New(rand.NewSource(5)))

	a := base.Clone()
	ShuffleNoise(a, 8, 2, rand.New(rand.NewSource(1)))
	b := base.Clone()
	ShuffleNoise(b, 8, 2, rand.New(rand.NewSource(1)))
	if tensor.MaxAbsDiff(a, b) != 0 {
		t.Fatal("same seed produced different shuffles")
	}

	// The first window's noise is untouched.
	for tt := 0; tt < 8; tt++ {
		for c := 0; c < 2; c++ {
			ap, bp := a.Plane(c, tt), base.Plane(c, tt)
			for i := range ap {
				if ap[i] != bp[i] {
					t.Fatalf("shuffle modified frame %d inside the first window", tt)
				}
			}
		}
	}

	// Every later frame is a copy of some earlier frame.
	frameOf := func(v *tensor.Video, t0 int) []float32 { return v.Plane(0, t0) }
	for tt := 8; tt < 24; tt++ {
		found := false
		for src := 0; src < tt && !found; src++ {
			same := true
			fp, sp := frameOf(a, tt), frameOf(a, src)
			for i := range fp {
				if fp[i] != sp[i] {
					same = false
					break
				}
			}
			found = same
		}
		if !found {
			t.Fatalf("frame %d is not a repetition of earlier noise", tt)
		}
	}
}
