package tensor

// Video is a dense latent tensor laid out [C, T, H, W] in row-major order.
//
// C is the number of latent channels, T the number of latent frames, H and W
// the spatial latent dimensions. Data holds the flattened values, channel
// major, so the plane for (c, t) starts at ((c*T)+t)*H*W.
//
// Video does not perform any memory safety beyond the checks performed by
// Go's slice types; out-of-range indices panic.
type Video struct {
	C, T, H, W int
	Data       []float32
}

// NewVideo allocates a zero-initialised video tensor with the given shape.
func NewVideo(c, t, h, w int) *Video {
	if c < 0 || t < 0 || h < 0 || w < 0 {
		panic("negative dimension for video tensor")
	}
	return &Video{
		C: c, T: t, H: h, W: w,
		Data: make([]float32, c*t*h*w),
	}
}

// NewVideoFromData creates a video tensor backed by existing data.
// It checks that the data length matches c*t*h*w.
func NewVideoFromData(c, t, h, w int, data []float32) *Video {
	if c*t*h*w != len(data) {
		panic("data length mismatch")
	}
	return &Video{C: c, T: t, H: h, W: w, Data: data}
}

// Len returns the total element count.
func (v *Video) Len() int { return v.C * v.T * v.H * v.W }

// FrameSize returns the element count of one spatial plane (H*W).
func (v *Video) FrameSize() int { return v.H * v.W }

// Clone returns a deep copy of v.
func (v *Video) Clone() *Video {
	out := &Video{C: v.C, T: v.T, H: v.H, W: v.W, Data: make([]float32, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Plane returns a view of the spatial plane for channel c at frame t.
// Modifications to the returned slice update the underlying tensor.
func (v *Video) Plane(c, t int) []float32 {
	if c < 0 || c >= v.C || t < 0 || t >= v.T {
		panic("plane index out of range")
	}
	start := (c*v.T + t) * v.H * v.W
	return v.Data[start : start+v.H*v.W]
}

// SameShape reports whether v and o have identical dimensions.
func (v *Video) SameShape(o *Video) bool {
	return v.C == o.C && v.T == o.T && v.H == o.H && v.W == o.W
}

// Shape returns the dimensions as [C, T, H, W].
func (v *Video) Shape() [4]int { return [4]int{v.C, v.T, v.H, v.W} }
