package condition

import "fmt"

// Latent-space constants of the video autoencoder and the transformer's
// patch embedding. The VAE compresses 4x temporally and 8x spatially; the
// network patches each latent frame into 2x2 spatial tokens.
const (
	LatentChannels = 16

	vaeStrideT = 4
	vaeStrideH = 8
	vaeStrideW = 8

	patchT = 1
	patchH = 2
	patchW = 2
)

// Geometry is the latent-grid shape for a requested pixel video.
type Geometry struct {
	Channels int
	Frames   int
	Height   int
	Width    int
}

// GeometryFor maps pixel dimensions to the latent grid. Pixel frame counts
// follow the 4n+1 convention (the first frame encodes alone); width and
// height must be multiples of the spatial stride times the patch size.
func GeometryFor(pixelW, pixelH, pixelFrames int) (Geometry, error) {
	if pixelFrames <= 0 || (pixelFrames-1)%vaeStrideT != 0 {
		return Geometry{}, fmt.Errorf("%w: frame count %d is not 4n+1", ErrBadGeometry, pixelFrames)
	}
	if pixelW <= 0 || pixelW%(vaeStrideW*patchW) != 0 {
		return Geometry{}, fmt.Errorf("%w: width %d is not a multiple of %d", ErrBadGeometry, pixelW, vaeStrideW*patchW)
	}
	if pixelH <= 0 || pixelH%(vaeStrideH*patchH) != 0 {
		return Geometry{}, fmt.Errorf("%w: height %d is not a multiple of %d", ErrBadGeometry, pixelH, vaeStrideH*patchH)
	}
	return Geometry{
		Channels: LatentChannels,
		Frames:   (pixelFrames-1)/vaeStrideT + 1,
		Height:   pixelH / vaeStrideH,
		Width:    pixelW / vaeStrideW,
	}, nil
}

// SeqLen returns the transformer token count for the latent grid.
func (g Geometry) SeqLen() int {
	return (g.Frames / patchT) * (g.Height / patchH) * (g.Width / patchW)
}

// WindowSeqLen returns the token count when only frames latent frames are
// in flight, as under context windowing.
func (g Geometry) WindowSeqLen(frames int) int {
	return (frames / patchT) * (g.Height / patchH) * (g.Width / patchW)
}
