package tsdf

import (
	"encoding/binary"
	"image/color"
	"math"
)

// VoxelType tags the serialized form of a voxel variant. The tag is stored
// in the persisted header and checked before blocks from two sources are
// allowed to mix.
type VoxelType uint32

const (
	// VoxelTypeTsdf is a truncated signed distance voxel.
	VoxelTypeTsdf VoxelType = iota + 1
	// VoxelTypeEsdf is a Euclidean signed distance voxel.
	VoxelTypeEsdf
	// VoxelTypeOccupancy is a log-odds occupancy voxel.
	VoxelTypeOccupancy
)

func (t VoxelType) String() string {
	switch t {
	case VoxelTypeTsdf:
		return "tsdf"
	case VoxelTypeEsdf:
		return "esdf"
	case VoxelTypeOccupancy:
		return "occupancy"
	default:
		return "unknown"
	}
}

// Voxel is the capability a variant must provide to live in a Layer: a
// serialization tag, a weighted merge, and a fixed-size binary record.
// The constraint is self-referential so a merge never crosses variants, and
// part of the method set is unexported to keep the variant set closed to
// {TsdfVoxel, EsdfVoxel, OccupancyVoxel}.
type Voxel[V any] interface {
	// Type returns the variant's serialization tag.
	Type() VoxelType
	// Merge combines the voxel with another observation of the same voxel
	// by weight-proportional averaging. Weight sums exactly; merge order
	// does not change the steady-state value beyond floating rounding.
	Merge(other V) V

	weight() float32
	recordSize() int
	appendBinary(buf []byte) []byte
	decodeBinary(buf []byte) V
}

// TsdfVoxel holds a truncated signed distance estimate to the nearest
// observed surface, the accumulated observation weight, and a
// weight-blended color. A voxel with zero weight has never been observed.
type TsdfVoxel struct {
	Distance float32
	Weight   float32
	Color    color.NRGBA
}

const tsdfVoxelRecordSize = 12

// Type implements Voxel.
func (v TsdfVoxel) Type() VoxelType { return VoxelTypeTsdf }

// Observed reports whether the voxel has absorbed at least one observation.
func (v TsdfVoxel) Observed() bool { return v.Weight > 0 }

// Merge implements Voxel. Distances already clamped to a truncation band
// stay inside it, so no re-clamp is needed here.
func (v TsdfVoxel) Merge(other TsdfVoxel) TsdfVoxel {
	totalWeight := v.Weight + other.Weight
	if totalWeight <= 0 {
		return v
	}
	return TsdfVoxel{
		Distance: (v.Distance*v.Weight + other.Distance*other.Weight) / totalWeight,
		Weight:   totalWeight,
		Color:    blendColors(v.Color, float64(v.Weight), other.Color, float64(other.Weight)),
	}
}

func (v TsdfVoxel) weight() float32 { return v.Weight }

func (v TsdfVoxel) recordSize() int { return tsdfVoxelRecordSize }

func (v TsdfVoxel) appendBinary(buf []byte) []byte {
	buf = appendFloat32(buf, v.Distance)
	buf = appendFloat32(buf, v.Weight)
	return append(buf, v.Color.R, v.Color.G, v.Color.B, v.Color.A)
}

func (v TsdfVoxel) decodeBinary(buf []byte) TsdfVoxel {
	return TsdfVoxel{
		Distance: float32FromBytes(buf),
		Weight:   float32FromBytes(buf[4:]),
		Color:    color.NRGBA{R: buf[8], G: buf[9], B: buf[10], A: buf[11]},
	}
}

// EsdfVoxel holds a Euclidean signed distance estimate. Fixed voxels sit
// inside the truncation band of the underlying TSDF and their distance is
// not revised by propagation.
type EsdfVoxel struct {
	Distance float32
	Weight   float32
	Observed bool
	Fixed    bool
}

const esdfVoxelRecordSize = 12

const (
	esdfFlagObserved = 1 << iota
	esdfFlagFixed
)

// Type implements Voxel.
func (v EsdfVoxel) Type() VoxelType { return VoxelTypeEsdf }

// Merge implements Voxel.
func (v EsdfVoxel) Merge(other EsdfVoxel) EsdfVoxel {
	totalWeight := v.Weight + other.Weight
	if totalWeight <= 0 {
		return v
	}
	return EsdfVoxel{
		Distance: (v.Distance*v.Weight + other.Distance*other.Weight) / totalWeight,
		Weight:   totalWeight,
		Observed: v.Observed || other.Observed,
		Fixed:    v.Fixed || other.Fixed,
	}
}

func (v EsdfVoxel) weight() float32 { return v.Weight }

func (v EsdfVoxel) recordSize() int { return esdfVoxelRecordSize }

func (v EsdfVoxel) appendBinary(buf []byte) []byte {
	buf = appendFloat32(buf, v.Distance)
	buf = appendFloat32(buf, v.Weight)
	var flags byte
	if v.Observed {
		flags |= esdfFlagObserved
	}
	if v.Fixed {
		flags |= esdfFlagFixed
	}
	return append(buf, flags, 0, 0, 0)
}

func (v EsdfVoxel) decodeBinary(buf []byte) EsdfVoxel {
	return EsdfVoxel{
		Distance: float32FromBytes(buf),
		Weight:   float32FromBytes(buf[4:]),
		Observed: buf[8]&esdfFlagObserved != 0,
		Fixed:    buf[8]&esdfFlagFixed != 0,
	}
}

// OccupancyVoxel holds a log-odds occupancy estimate.
type OccupancyVoxel struct {
	LogOdds float32
	Weight  float32
}

const occupancyVoxelRecordSize = 8

// Type implements Voxel.
func (v OccupancyVoxel) Type() VoxelType { return VoxelTypeOccupancy }

// Merge implements Voxel.
func (v OccupancyVoxel) Merge(other OccupancyVoxel) OccupancyVoxel {
	totalWeight := v.Weight + other.Weight
	if totalWeight <= 0 {
		return v
	}
	return OccupancyVoxel{
		LogOdds: (v.LogOdds*v.Weight + other.LogOdds*other.Weight) / totalWeight,
		Weight:  totalWeight,
	}
}

func (v OccupancyVoxel) weight() float32 { return v.Weight }

func (v OccupancyVoxel) recordSize() int { return occupancyVoxelRecordSize }

func (v OccupancyVoxel) appendBinary(buf []byte) []byte {
	buf = appendFloat32(buf, v.LogOdds)
	return appendFloat32(buf, v.Weight)
}

func (v OccupancyVoxel) decodeBinary(buf []byte) OccupancyVoxel {
	return OccupancyVoxel{
		LogOdds: float32FromBytes(buf),
		Weight:  float32FromBytes(buf[4:]),
	}
}

// blendColors averages two colors proportionally to their weights,
// saturating each channel to the valid range.
func blendColors(c1 color.NRGBA, w1 float64, c2 color.NRGBA, w2 float64) color.NRGBA {
	total := w1 + w2
	if total <= 0 {
		return c1
	}
	blend := func(a, b uint8) uint8 {
		v := math.Round((float64(a)*w1 + float64(b)*w2) / total)
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return uint8(v)
	}
	return color.NRGBA{
		R: blend(c1.R, c2.R),
		G: blend(c1.G, c2.G),
		B: blend(c1.B, c2.B),
		A: blend(c1.A, c2.A),
	}
}

func appendFloat32(buf []byte, f float32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
	return append(buf, b[:]...)
}

func float32FromBytes(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
