package condition

import (
	"fmt"

	"github.com/samcharles93/weft/internal/tensor"
)

// Image is optional image conditioning for image-to-video models: a latent
// encoding of the start (and optionally end) frame plus a visual feature
// embedding, active over a fractional slice of the schedule.
type Image struct {
	Latent *tensor.Video
	Clip   []float32

	StartPercent float64
	EndPercent   float64
}

// Control is optional structural control conditioning (pose, depth, edges)
// as a latent tensor with its own activation range.
type Control struct {
	Latent *tensor.Video

	StartPercent float64
	EndPercent   float64
}

// NewImage validates the conditioning latent against the run geometry.
func NewImage(latent *tensor.Video, clip []float32, start, end float64) (*Image, error) {
	if latent == nil {
		return nil, fmt.Errorf("%w: image conditioning needs a latent", ErrBadGeometry)
	}
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return &Image{Latent: latent, Clip: clip, StartPercent: start, EndPercent: end}, nil
}

// NewControl validates a control latent and its activation range.
func NewControl(latent *tensor.Video, start, end float64) (*Control, error) {
	if latent == nil {
		return nil, fmt.Errorf("%w: control conditioning needs a latent", ErrBadGeometry)
	}
	if err := checkRange(start, end); err != nil {
		return nil, err
	}
	return &Control{Latent: latent, StartPercent: start, EndPercent: end}, nil
}

func checkRange(start, end float64) error {
	if start < 0 || end > 1 || start > end {
		return fmt.Errorf("%w: activation range [%v, %v]", ErrBadGeometry, start, end)
	}
	return nil
}

// ActiveAt reports whether the conditioning applies at the given step.
func (i *Image) ActiveAt(step, total int) bool {
	return i != nil && activeAt(i.StartPercent, i.EndPercent, step, total)
}

// ActiveAt reports whether the control latent applies at the given step.
func (c *Control) ActiveAt(step, total int) bool {
	return c != nil && activeAt(c.StartPercent, c.EndPercent, step, total)
}

func activeAt(start, end float64, step, total int) bool {
	p := StepPercent(step, total)
	return start <= p && p <= end
}

// StepPercent is the fractional progress of a step through the schedule.
func StepPercent(step, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(step) / float64(total)
}
