package tsdf

import (
	"math"

	"github.com/golang/geo/r3"
)

// distanceEpsilon absorbs floating error when deciding whether a sample
// still lies within the traversal extent.
const distanceEpsilon = 1e-6

// RayCaster enumerates the ordered sequence of voxels a line of sight
// passes through, from a sensor origin out to one truncation band past the
// observed point, so voxels just behind the surface also receive negative
// distance updates. Samples step one voxel size along the ray and
// consecutive samples landing in the same voxel are collapsed, so oblique
// rays do not produce redundant updates.
//
// The sequence is finite and restartable via Reset.
type RayCaster struct {
	origin    r3.Vector
	direction r3.Vector
	// surfaceDistance is the length of the ray from origin to the observed
	// point; samples in front of it have positive signed distance.
	surfaceDistance float64
	traversalExtent float64
	step            float64
	voxelSizeInv    float64

	// stepCount rather than an accumulated length: samples are computed as
	// count*step so repeated addition cannot drift off the voxel grid.
	stepCount int
	started   bool
	prev      GlobalVoxelIndex
}

// NewRayCaster prepares a cast from origin to point. The traversal runs to
// min(|point-origin|, maxRayLength) + truncation.
func NewRayCaster(origin, point r3.Vector, truncation, maxRayLength, voxelSize float64) *RayCaster {
	delta := point.Sub(origin)
	dist := delta.Norm()
	direction := r3.Vector{}
	if dist > 0 {
		direction = delta.Mul(1 / dist)
	}
	surface := dist
	if maxRayLength > 0 && surface > maxRayLength {
		surface = maxRayLength
	}
	return &RayCaster{
		origin:          origin,
		direction:       direction,
		surfaceDistance: dist,
		traversalExtent: surface + truncation,
		step:            voxelSize,
		voxelSizeInv:    1 / voxelSize,
	}
}

// SurfaceDistance returns the distance from the origin to the observed
// point.
func (rc *RayCaster) SurfaceDistance() float64 { return rc.surfaceDistance }

// Next yields the next distinct voxel along the ray and the traveled arc
// length of the sample that landed in it. It returns false once the
// traversal extent is exhausted.
func (rc *RayCaster) Next() (GlobalVoxelIndex, float64, bool) {
	for {
		t := float64(rc.stepCount) * rc.step
		if t > rc.traversalExtent+distanceEpsilon {
			break
		}
		sample := rc.origin.Add(rc.direction.Mul(t))
		rc.stepCount++
		idx := worldToGlobalVoxelIndex(sample, rc.voxelSizeInv)
		if rc.started && idx == rc.prev {
			continue
		}
		rc.started = true
		rc.prev = idx
		return idx, t, true
	}
	return GlobalVoxelIndex{}, 0, false
}

// Reset restarts the traversal from the origin.
func (rc *RayCaster) Reset() {
	rc.stepCount = 0
	rc.started = false
	rc.prev = GlobalVoxelIndex{}
}

// clampDistance truncates a signed distance to the ±truncation band.
func clampDistance(d, truncation float64) float64 {
	return math.Max(-truncation, math.Min(truncation, d))
}
