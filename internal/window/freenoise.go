package window

import (
	"math/rand"

	"github.com/samcharles93/weft/internal/tensor"
)

// ShuffleNoise rewrites the noise beyond each window so that new frames
// reuse a random permutation of the previous window's noise. Repeating
// noise across windows keeps long-range appearance coherent while the
// permutation avoids literal repetition.
func ShuffleNoise(noise *tensor.Video, size, overlap int, rng *rand.Rand) {
	delta := size - overlap
	if delta <= 0 || noise.T <= size {
		return
	}
	for start := 0; start+size < noise.T; start += delta {
		place := start + size
		perm := rng.Perm(size)
		for i := 0; i < delta && place+i < noise.T; i++ {
			tensor.SetFrame(noise, place+i, noise, start+perm[i])
		}
	}
}
