package sched

// SamplingSigmas returns the full flow-matching noise schedule: steps+1
// levels spaced linearly from 1 down to 0, each compressed toward high
// noise by the shift factor:
//
//	sigma' = shift*sigma / (1 + (shift-1)*sigma)
//
// shift = 1 leaves the linear spacing untouched. The endpoints map to
// themselves for any shift.
func SamplingSigmas(steps int, shift float64) []float64 {
	if shift <= 0 {
		shift = 1
	}
	sigmas := make([]float64, steps+1)
	for i := range sigmas {
		s := 1 - float64(i)/float64(steps)
		sigmas[i] = shift * s / (1 + (shift-1)*s)
	}
	// Pin the endpoints so float error cannot leave a residual level.
	sigmas[0] = 1
	sigmas[steps] = 0
	return sigmas
}
