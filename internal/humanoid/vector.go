// internal/humanoid/vector.go
package humanoid

import "math"

// Vector2D represents a point or vector in 2D space.
type Vector2D struct {
	X, Y float64
}

func (v Vector2D) Add(other Vector2D) Vector2D { return Vector2D{X: v.X + other.X, Y: v.Y + other.Y} }
func (v Vector2D) Sub(other Vector2D) Vector2D { return Vector2D{X: v.X - other.X, Y: v.Y - other.Y} }
func (v Vector2D) Mul(scalar float64) Vector2D { return Vector2D{X: v.X * scalar, Y: v.Y * scalar} }

// Mag calculates the magnitude (length) of the vector.
func (v Vector2D) Mag() float64 { return math.Hypot(v.X, v.Y) }

// Normalize returns a unit vector in the same direction as v, or zero.
func (v Vector2D) Normalize() Vector2D {
	mag := v.Mag()
	if mag < 1e-9 {
		return Vector2D{}
	}
	return v.Mul(1.0 / mag)
}

// Dist calculates the Euclidean distance between v and other (treated as points).
func (v Vector2D) Dist(other Vector2D) float64 {
	return math.Hypot(v.X-other.X, v.Y-other.Y)
}

// QuadCenter returns the centroid of a CDP quad [x0,y0,x1,y1,x2,y2,x3,y3].
func QuadCenter(quad []float64) (Vector2D, bool) {
	if len(quad) < 8 {
		return Vector2D{}, false
	}
	return Vector2D{
		X: (quad[0] + quad[2] + quad[4] + quad[6]) / 4,
		Y: (quad[1] + quad[3] + quad[5] + quad[7]) / 4,
	}, true
}
