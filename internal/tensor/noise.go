package tensor

import "math/rand"

// Randn fills a new tensor of the given shape with standard normal samples
// drawn from rng. The draw order is fixed (flat index order) so a seeded
// rng reproduces the same tensor bit for bit.
func Randn(c, t, h, w int, rng *rand.Rand) *Video {
	out := NewVideo(c, t, h, w)
	for i := range out.Data {
		out.Data[i] = float32(rng.NormFloat64())
	}
	return out
}

// RandnLike returns a fresh normal tensor with the shape of v.
func RandnLike(v *Video, rng *rand.Rand) *Video {
	return Randn(v.C, v.T, v.H, v.W, rng)
}
