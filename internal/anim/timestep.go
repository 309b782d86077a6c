package anim

import "github.com/chewxy/math32"

// Step locates a time within a keyframe track.
type Step struct {
	// Wrapped is the query time folded into the track's range.
	Wrapped  float32
	Frame0   int
	Frame1   int
	Fraction float32
}

// Timestep finds the keyframes bracketing t in times, which must be
// ascending.
//
// Times past the last keyframe are folded by modulo and blend from the
// last keyframe back to the first. Negative times are folded the same way
// and blend from the other side. Other times at or before the first
// keyframe clamp to frame 0.
func Timestep(times []float32, t float32) Step {
	n := len(times)
	if n == 0 {
		return Step{}
	}
	if n == 1 {
		return Step{Wrapped: t}
	}

	lo, hi := times[0], times[n-1]
	span := hi - lo
	w := t
	if hi > 0 && (t > hi || t < 0) {
		w = math32.Mod(t, hi)
	}
	s := Step{Wrapped: w}

	switch {
	case w < 0:
		s.Frame0, s.Frame1 = n-1, 0
		if span > 0 {
			s.Fraction = clamp01(1 + w/span)
		}
	case t <= lo:
		// frame 0, no blend
	case t > hi:
		s.Frame0, s.Frame1 = n-1, 0
		if span > 0 {
			s.Fraction = clamp01((w - lo) / span)
		}
	default:
		for i := 1; i < n; i++ {
			if t > times[i] {
				continue
			}
			s.Frame0, s.Frame1 = i-1, i
			if d := times[i] - times[i-1]; d > 0 {
				s.Fraction = (t - times[i-1]) / d
			}
			break
		}
	}
	return s
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
