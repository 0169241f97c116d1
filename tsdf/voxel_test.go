package tsdf

import (
	"image/color"
	"testing"

	"go.viam.com/test"
)

func TestTsdfVoxelMergeCommutative(t *testing.T) {
	a := TsdfVoxel{Distance: 0.1, Weight: 1, Color: color.NRGBA{R: 200, A: 255}}
	b := TsdfVoxel{Distance: -0.1, Weight: 3, Color: color.NRGBA{B: 100, A: 255}}

	ab := a.Merge(b)
	ba := b.Merge(a)

	test.That(t, ab.Weight, test.ShouldEqual, float32(4))
	test.That(t, ba.Weight, test.ShouldEqual, float32(4))
	test.That(t, ab.Distance, test.ShouldAlmostEqual, ba.Distance, 1e-6)
	test.That(t, float64(ab.Distance), test.ShouldAlmostEqual, (0.1*1-0.1*3)/4, 1e-6)
	test.That(t, ab.Color, test.ShouldResemble, ba.Color)
}

func TestTsdfVoxelMergeMonotonicWeight(t *testing.T) {
	v := TsdfVoxel{}
	weights := []float32{1, 0.5, 2, 7, 0.25}
	var sum float32
	for _, w := range weights {
		v = v.Merge(TsdfVoxel{Distance: -0.05, Weight: w})
		sum += w
		test.That(t, v.Weight, test.ShouldBeGreaterThanOrEqualTo, w)
	}
	test.That(t, v.Weight, test.ShouldEqual, sum)
	test.That(t, v.Observed(), test.ShouldBeTrue)

	// Merging an unobserved voxel changes nothing.
	before := v
	v = v.Merge(TsdfVoxel{})
	test.That(t, v, test.ShouldResemble, before)
}

func TestBlendColorsSaturates(t *testing.T) {
	c := blendColors(
		color.NRGBA{R: 255, G: 0, B: 128, A: 255}, 3,
		color.NRGBA{R: 255, G: 255, B: 128, A: 255}, 1,
	)
	test.That(t, c.R, test.ShouldEqual, uint8(255))
	test.That(t, c.G, test.ShouldEqual, uint8(64))
	test.That(t, c.B, test.ShouldEqual, uint8(128))
	test.That(t, c.A, test.ShouldEqual, uint8(255))

	// Zero total weight keeps the existing color.
	c = blendColors(color.NRGBA{R: 9}, 0, color.NRGBA{R: 200}, 0)
	test.That(t, c.R, test.ShouldEqual, uint8(9))
}

func TestVoxelRecords(t *testing.T) {
	tsdf := TsdfVoxel{Distance: -0.125, Weight: 42, Color: color.NRGBA{R: 1, G: 2, B: 3, A: 4}}
	buf := tsdf.appendBinary(nil)
	test.That(t, buf, test.ShouldHaveLength, tsdf.recordSize())
	test.That(t, TsdfVoxel{}.decodeBinary(buf), test.ShouldResemble, tsdf)

	esdf := EsdfVoxel{Distance: 1.5, Weight: 2, Observed: true, Fixed: true}
	buf = esdf.appendBinary(nil)
	test.That(t, buf, test.ShouldHaveLength, esdf.recordSize())
	test.That(t, EsdfVoxel{}.decodeBinary(buf), test.ShouldResemble, esdf)

	occ := OccupancyVoxel{LogOdds: -3.5, Weight: 6}
	buf = occ.appendBinary(nil)
	test.That(t, buf, test.ShouldHaveLength, occ.recordSize())
	test.That(t, OccupancyVoxel{}.decodeBinary(buf), test.ShouldResemble, occ)
}

func TestVoxelTypeTags(t *testing.T) {
	test.That(t, TsdfVoxel{}.Type(), test.ShouldEqual, VoxelTypeTsdf)
	test.That(t, EsdfVoxel{}.Type(), test.ShouldEqual, VoxelTypeEsdf)
	test.That(t, OccupancyVoxel{}.Type(), test.ShouldEqual, VoxelTypeOccupancy)
	test.That(t, VoxelTypeTsdf.String(), test.ShouldEqual, "tsdf")
	test.That(t, VoxelType(99).String(), test.ShouldEqual, "unknown")
}
