package tensor

import "math"

// AddScaled computes dst += s*src element-wise. Shapes must match.
func AddScaled(dst, src *Video, s float32) {
	if !dst.SameShape(src) {
		panic("shape mismatch in AddScaled")
	}
	for i, x := range src.Data {
		dst.Data[i] += s * x
	}
}

// Scale multiplies every element of v by s in place.
func Scale(v *Video, s float32) {
	for i := range v.Data {
		v.Data[i] *= s
	}
}

// Sub returns a - b as a new tensor.
func Sub(a, b *Video) *Video {
	if !a.SameShape(b) {
		panic("shape mismatch in Sub")
	}
	out := a.Clone()
	for i, x := range b.Data {
		out.Data[i] -= x
	}
	return out
}

// Add returns a + b as a new tensor.
func Add(a, b *Video) *Video {
	if !a.SameShape(b) {
		panic("shape mismatch in Add")
	}
	out := a.Clone()
	for i, x := range b.Data {
		out.Data[i] += x
	}
	return out
}

// Lerp returns (1-t)*a + t*b as a new tensor.
func Lerp(a, b *Video, t float32) *Video {
	if !a.SameShape(b) {
		panic("shape mismatch in Lerp")
	}
	out := NewVideo(a.C, a.T, a.H, a.W)
	for i := range out.Data {
		out.Data[i] = (1-t)*a.Data[i] + t*b.Data[i]
	}
	return out
}

// BlendWhere returns a tensor that takes a where mask > threshold and b
// elsewhere. All tensors must share a shape.
func BlendWhere(a, b, mask *Video, threshold float32) *Video {
	if !a.SameShape(b) || !a.SameShape(mask) {
		panic("shape mismatch in BlendWhere")
	}
	out := NewVideo(a.C, a.T, a.H, a.W)
	for i := range out.Data {
		if mask.Data[i] > threshold {
			out.Data[i] = a.Data[i]
		} else {
			out.Data[i] = b.Data[i]
		}
	}
	return out
}

// GatherFrames copies the given frame indices (in order) into a new tensor
// of shape [C, len(frames), H, W]. Indices may repeat or wrap.
func GatherFrames(v *Video, frames []int) *Video {
	out := NewVideo(v.C, len(frames), v.H, v.W)
	for c := 0; c < v.C; c++ {
		for i, f := range frames {
			copy(out.Plane(c, i), v.Plane(c, f))
		}
	}
	return out
}

// ScatterAddFrames accumulates src frame i, scaled by w[i], into dst frame
// frames[i]. len(frames) must equal src.T and len(w).
func ScatterAddFrames(dst *Video, frames []int, src *Video, w []float32) {
	if len(frames) != src.T || len(frames) != len(w) {
		panic("frame index and weight length mismatch in ScatterAddFrames")
	}
	for c := 0; c < dst.C; c++ {
		for i, f := range frames {
			dp := dst.Plane(c, f)
			sp := src.Plane(c, i)
			wi := w[i]
			for j, x := range sp {
				dp[j] += wi * x
			}
		}
	}
}

// RotateFrames returns v with the frame axis rotated left by shift
// positions, so frame shift becomes frame 0. shift is taken modulo T.
func RotateFrames(v *Video, shift int) *Video {
	if v.T == 0 {
		return v.Clone()
	}
	shift = ((shift % v.T) + v.T) % v.T
	if shift == 0 {
		return v.Clone()
	}
	out := NewVideo(v.C, v.T, v.H, v.W)
	for c := 0; c < v.C; c++ {
		for t := 0; t < v.T; t++ {
			copy(out.Plane(c, t), v.Plane(c, (t+shift)%v.T))
		}
	}
	return out
}

// SetFrame copies frame srcT of src into frame t of dst.
func SetFrame(dst *Video, t int, src *Video, srcT int) {
	if dst.C != src.C || dst.H != src.H || dst.W != src.W {
		panic("shape mismatch in SetFrame")
	}
	for c := 0; c < dst.C; c++ {
		copy(dst.Plane(c, t), src.Plane(c, srcT))
	}
}

// MeanAbs returns the mean absolute value of v, or 0 for an empty tensor.
func MeanAbs(v *Video) float64 {
	if len(v.Data) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v.Data {
		sum += math.Abs(float64(x))
	}
	return sum / float64(len(v.Data))
}

// MaxAbsDiff returns the largest element-wise absolute difference between
// a and b.
func MaxAbsDiff(a, b *Video) float64 {
	if !a.SameShape(b) {
		panic("shape mismatch in MaxAbsDiff")
	}
	var maxAbs float64
	for i := range a.Data {
		d := math.Abs(float64(a.Data[i] - b.Data[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}
