// internal/humanoid/trajectory.go
package humanoid

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// computeEaseInOutCubic provides a smooth acceleration and deceleration profile for movement.
func computeEaseInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}

// calculateFittsLaw determines the movement duration for distance with a
// +/-15% spread.
func (h *Humanoid) calculateFittsLaw(distance float64) time.Duration {
	const W = 30.0 // Assumed target width in pixels.

	// Index of difficulty in bits.
	id := math.Log2(1.0 + distance/W)
	mt := h.cfg.FittsA + h.cfg.FittsB*id

	// rng is not safe for concurrent use.
	h.mu.Lock()
	mt += mt * (h.rng.Float64()*0.3 - 0.15)
	h.mu.Unlock()

	if mt < 0 {
		mt = 0
	}
	return time.Duration(mt * float64(time.Millisecond))
}

// generateIdealPath samples a cubic Bezier from start to end whose control
// points bow to one side of the straight line.
func (h *Humanoid) generateIdealPath(start, end Vector2D, numSteps int) []Vector2D {
	mainVec := end.Sub(start)
	dist := mainVec.Mag()
	if dist < 1.0 || numSteps <= 1 {
		return []Vector2D{end}
	}

	// Control points sit at thirds along the line, pushed out along the normal.
	dir := mainVec.Normalize()
	normal := Vector2D{X: -dir.Y, Y: dir.X}

	h.mu.Lock()
	bow1 := (h.rng.Float64()*2 - 1) * h.cfg.CurveBow * dist
	bow2 := (h.rng.Float64()*2 - 1) * h.cfg.CurveBow * dist
	h.mu.Unlock()

	p0, p3 := start, end
	p1 := start.Add(dir.Mul(dist / 3.0)).Add(normal.Mul(bow1))
	p2 := start.Add(dir.Mul(dist * 2.0 / 3.0)).Add(normal.Mul(bow2))

	path := make([]Vector2D, numSteps)
	for i := 0; i < numSteps; i++ {
		// Bernstein form of the cubic.
		t := float64(i) / float64(numSteps-1)
		omt := 1.0 - t
		omt2 := omt * omt
		t2 := t * t
		path[i] = p0.Mul(omt2 * omt).Add(p1.Mul(3 * omt2 * t)).Add(p2.Mul(3 * omt * t2)).Add(p3.Mul(t2 * t))
	}
	return path
}

// applyNoise adds a slow sinusoidal drift plus gaussian jitter. Both fade to
// zero at the end of the path so the pointer lands on target.
func (h *Humanoid) applyNoise(p Vector2D, t float64, phase float64) Vector2D {
	fade := math.Sin(math.Pi * t)
	drift := Vector2D{
		X: math.Sin(2*math.Pi*t+phase) * h.cfg.DriftAmplitude,
		Y: math.Cos(2*math.Pi*t+phase) * h.cfg.DriftAmplitude,
	}
	h.mu.Lock()
	jitter := Vector2D{X: h.rng.NormFloat64() * h.cfg.GaussianStrength, Y: h.rng.NormFloat64() * h.cfg.GaussianStrength}
	h.mu.Unlock()
	return p.Add(drift.Add(jitter).Mul(fade))
}

// simulateTrajectory moves the pointer along a generated path, dispatching
// events via exec and pacing them to the Fitts's law duration.
func (h *Humanoid) simulateTrajectory(ctx context.Context, exec Executor, start, end Vector2D) error {
	duration := h.calculateFittsLaw(start.Dist(end))
	// About one event per 10ms, the rate a real mouse reports at.
	numSteps := int(duration.Seconds() * 100)
	if numSteps < 2 {
		numSteps = 2
	}
	path := h.generateIdealPath(start, end, numSteps)

	h.mu.Lock()
	phase := h.rng.Float64() * 2 * math.Pi
	h.mu.Unlock()

	var elapsed time.Duration
	for i := range path {
		if err := ctx.Err(); err != nil {
			return err
		}

		t := 1.0
		if len(path) > 1 {
			t = float64(i) / float64(len(path)-1)
		}
		// Easing picks the path index, so points bunch up at both ends.
		eased := computeEaseInOutCubic(t)
		idx := int(eased * float64(len(path)-1))
		point := path[idx]
		// The final point lands exactly on target.
		if i < len(path)-1 {
			point = h.applyNoise(point, t, phase)
		}

		// Pace against the eased clock rather than sleeping a fixed step.
		target := time.Duration(eased * float64(duration))
		if wait := target - elapsed; wait > 0 {
			if err := exec.Sleep(ctx, wait); err != nil {
				return err
			}
			elapsed = target
		}

		if err := exec.DispatchMouseEvent(ctx, MouseEventData{Type: MouseMove, X: point.X, Y: point.Y, Button: ButtonNone}); err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("Humanoid: Failed to dispatch mouse move event", zap.Error(err))
			}
			return err
		}

		h.mu.Lock()
		h.currentPos = point
		h.mu.Unlock()
	}
	return nil
}
