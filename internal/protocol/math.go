package protocol

import "github.com/chewxy/math32"

type Vec2 struct{ X, Y float32 }

type Vec3 struct{ X, Y, Z float32 }

type Vec4 struct{ X, Y, Z, W float32 }

// Quat is a rotation quaternion in x, y, z, w order.
type Quat struct{ X, Y, Z, W float32 }

// Pose is an orientation plus position in server space.
type Pose struct {
	Orientation Quat
	Position    Vec3
}

var IdentityQuat = Quat{W: 1}

func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

func (v Vec3) Scale(s float32) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

func (v Vec3) Length() float32 {
	return math32.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Distance is the euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float32 { return v.Sub(o).Length() }

// Normalized returns q scaled to unit length, or identity for a zero quaternion.
func (q Quat) Normalized() Quat {
	n := math32.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 || math32.IsNaN(n) {
		return IdentityQuat
	}
	return Quat{q.X / n, q.Y / n, q.Z / n, q.W / n}
}

// AxisAngle builds a rotation of angle radians about axis.
func AxisAngle(axis Vec3, angle float32) Quat {
	l := axis.Length()
	if l == 0 {
		return IdentityQuat
	}
	s := math32.Sin(angle/2) / l
	return Quat{axis.X * s, axis.Y * s, axis.Z * s, math32.Cos(angle / 2)}
}

// Mul composes q then o.
func (q Quat) Mul(o Quat) Quat {
	return Quat{
		X: q.W*o.X + q.X*o.W + q.Y*o.Z - q.Z*o.Y,
		Y: q.W*o.Y - q.X*o.Z + q.Y*o.W + q.Z*o.X,
		Z: q.W*o.Z + q.X*o.Y - q.Y*o.X + q.Z*o.W,
		W: q.W*o.W - q.X*o.X - q.Y*o.Y - q.Z*o.Z,
	}
}
