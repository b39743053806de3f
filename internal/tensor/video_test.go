package tensor

import (
	"math/rand"
	"testing"
)

func TestPlaneLayout(t *testing.T) {
	v := NewVideo(2, 3, 2, 2)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	// Plane (c=1, t=2) starts at ((1*3)+2)*4 = 20.
	p := v.Plane(1, 2)
	if p[0] != 20 || p[3] != 23 {
		t.Fatalf("plane view wrong: got %v", p)
	}
	p[0] = -1
	if v.Data[20] != -1 {
		t.Fatal("plane is not a view into the tensor")
	}
}

func TestCloneIndependence(t *testing.T) {
	v := NewVideo(1, 2, 2, 2)
	v.Data[0] = 5
	c := v.Clone()
	c.Data[0] = 7
	if v.Data[0] != 5 {
		t.Fatal("clone shares storage with original")
	}
}

func TestGatherScatterRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	v := Randn(4, 8, 3, 3, rng)

	frames := []int{2, 3, 4}
	win := GatherFrames(v, frames)
	if win.T != 3 || win.C != 4 {
		t.Fatalf("gathered shape [%d %d %d %d]", win.C, win.T, win.H, win.W)
	}

	dst := NewVideo(4, 8, 3, 3)
	w := []float32{1, 1, 1}
	ScatterAddFrames(dst, frames, win, w)
	for c := 0; c < 4; c++ {
		for i, f := range frames {
			got := dst.Plane(c, i+2)
			want := v.Plane(c, f)
			for j := range got {
				if got[j] != want[j] {
					t.Fatalf("frame %d channel %d differs at %d", f, c, j)
				}
			}
		}
	}
	// Untouched frames stay zero.
	for _, x := range dst.Plane(0, 0) {
		if x != 0 {
			t.Fatal("scatter touched an unrelated frame")
		}
	}
}

func TestRotateFrames(t *testing.T) {
	v := NewVideo(1, 4, 1, 1)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	r := RotateFrames(v, 1)
	want := []float32{1, 2, 3, 0}
	for i, x := range want {
		if r.Data[i] != x {
			t.Fatalf("rotate by 1: got %v want %v", r.Data, want)
		}
	}
	// Rotating by shift then by T-shift restores the original.
	back := RotateFrames(r, 3)
	if MaxAbsDiff(v, back) != 0 {
		t.Fatal("rotation round trip is not identity")
	}
	// Negative and out-of-range shifts wrap.
	if MaxAbsDiff(RotateFrames(v, -3), r) != 0 {
		t.Fatal("negative shift does not wrap")
	}
	if MaxAbsDiff(RotateFrames(v, 5), r) != 0 {
		t.Fatal("shift beyond T does not wrap")
	}
}

func TestRandnDeterminism(t *testing.T) {
	a := Randn(2, 3, 4, 4, rand.New(rand.NewSource(42)))
	b := Randn(2, 3, 4, 4, rand.New(rand.NewSource(42)))
	if MaxAbsDiff(a, b) != 0 {
		t.Fatal("same seed produced different noise")
	}
	c := Randn(2, 3, 4, 4, rand.New(rand.NewSource(43)))
	if MaxAbsDiff(a, c) == 0 {
		t.Fatal("different seeds produced identical noise")
	}
}

func TestBlendWhere(t *testing.T) {
	a := NewVideo(1, 1, 1, 3)
	b := NewVideo(1, 1, 1, 3)
	m := NewVideo(1, 1, 1, 3)
	copy(a.Data, []float32{1, 1, 1})
	copy(b.Data, []float32{2, 2, 2})
	copy(m.Data, []float32{0, 0.4, 1})

	out := BlendWhere(a, b, m, 0.5)
	want := []float32{2, 2, 1}
	for i := range want {
		if out.Data[i] != want[i] {
			t.Fatalf("got %v want %v", out.Data, want)
		}
	}
}
