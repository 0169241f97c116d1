// Package spatialmath defines the rigid-body math used to place sensor
// observations in the world frame.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform from a sensor frame to the world frame, stored
// as a unit rotation quaternion plus a translation.
type Pose struct {
	rotation    quat.Number
	translation r3.Vector
}

// NewPose returns a pose with the given rotation and translation. The
// rotation is normalized to a unit quaternion.
func NewPose(rotation quat.Number, translation r3.Vector) Pose {
	return Pose{rotation: normalize(rotation), translation: translation}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() Pose {
	return Pose{rotation: quat.Number{Real: 1}}
}

// NewPoseFromPoint returns a pose that translates by the given point and
// does not rotate.
func NewPoseFromPoint(p r3.Vector) Pose {
	return Pose{rotation: quat.Number{Real: 1}, translation: p}
}

// NewPoseFromAffine builds a pose from a 4x4 affine transform given as 16
// row-major values. The upper-left 3x3 submatrix must be a rotation.
func NewPoseFromAffine(m []float64) (Pose, error) {
	if len(m) != 16 {
		return Pose{}, errors.Errorf("affine transform needs 16 values, got %d", len(m))
	}
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Pose{}, errors.New("affine transform has non-finite values")
		}
	}
	return Pose{
		rotation:    quatFromRotationMatrix(m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]),
		translation: r3.Vector{X: m[3], Y: m[7], Z: m[11]},
	}, nil
}

// Point returns the translation component of the pose.
func (p Pose) Point() r3.Vector {
	return p.translation
}

// Rotation returns the rotation component of the pose.
func (p Pose) Rotation() quat.Number {
	return p.rotation
}

// TransformPoint rotates and translates pt by the pose.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	rotated := quat.Mul(quat.Mul(p.rotation, quat.Number{Imag: pt.X, Jmag: pt.Y, Kmag: pt.Z}), quat.Conj(p.rotation))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}.Add(p.translation)
}

// IsFinite reports whether every component of the pose is a finite number.
func (p Pose) IsFinite() bool {
	for _, v := range []float64{
		p.rotation.Real, p.rotation.Imag, p.rotation.Jmag, p.rotation.Kmag,
		p.translation.X, p.translation.Y, p.translation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func normalize(q quat.Number) quat.Number {
	length := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if length == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/length, q)
}

// quatFromRotationMatrix converts a row-major 3x3 rotation matrix to a unit
// quaternion using Shepperd's method, branching on the largest diagonal
// term for numerical stability.
func quatFromRotationMatrix(r00, r01, r02, r10, r11, r12, r20, r21, r22 float64) quat.Number {
	var q quat.Number
	tr := r00 + r11 + r22
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (r21 - r12) / s,
			Jmag: (r02 - r20) / s,
			Kmag: (r10 - r01) / s,
		}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = quat.Number{
			Real: (r21 - r12) / s,
			Imag: s / 4,
			Jmag: (r01 + r10) / s,
			Kmag: (r02 + r20) / s,
		}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = quat.Number{
			Real: (r02 - r20) / s,
			Imag: (r01 + r10) / s,
			Jmag: s / 4,
			Kmag: (r12 + r21) / s,
		}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = quat.Number{
			Real: (r10 - r01) / s,
			Imag: (r02 + r20) / s,
			Jmag: (r12 + r21) / s,
			Kmag: s / 4,
		}
	}
	return normalize(q)
}
