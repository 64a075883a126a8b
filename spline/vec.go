package spline

import "math"

// Vec3 is a world-space vector. The track plane is X/Z with Y up.
type Vec3 struct {
	X, Y, Z float32
}

func (a Vec3) Add(b Vec3) Vec3 { return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }

func (a Vec3) Sub(b Vec3) Vec3 { return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }

func (a Vec3) Scale(s float32) Vec3 { return Vec3{a.X * s, a.Y * s, a.Z * s} }

func (a Vec3) Dot(b Vec3) float32 { return a.X*b.X + a.Y*b.Y + a.Z*b.Z }

func (a Vec3) LengthSquared() float32 { return a.Dot(a) }

func (a Vec3) Length() float32 { return float32(math.Sqrt(float64(a.LengthSquared()))) }

func (a Vec3) DistanceSquared(b Vec3) float32 { return a.Sub(b).LengthSquared() }

// Normalize returns the unit vector of a, or the zero vector.
func (a Vec3) Normalize() Vec3 {
	l := a.Length()
	if l == 0 {
		return Vec3{}
	}
	return a.Scale(1 / l)
}

// Lerp interpolates between a and b.
func (a Vec3) Lerp(b Vec3, t float32) Vec3 {
	return a.Add(b.Sub(a).Scale(t))
}

// Right returns the horizontal right-hand normal of a forward vector:
// heading +Z, right is +X.
func (a Vec3) Right() Vec3 {
	return Vec3{X: a.Z, Z: -a.X}.Normalize()
}

func (a Vec3) axis(i int) float32 {
	switch i {
	case 0:
		return a.X
	case 1:
		return a.Y
	default:
		return a.Z
	}
}
