package tsdf

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestWorldToBlockIndexFloors(t *testing.T) {
	// block size 1.6 = 0.1 * 16
	inv := 1.0 / 1.6
	for _, tc := range []struct {
		p    r3.Vector
		want BlockIndex
	}{
		{r3.Vector{}, BlockIndex{0, 0, 0}},
		{r3.Vector{X: 0.1, Y: 0.1, Z: 0.1}, BlockIndex{0, 0, 0}},
		{r3.Vector{X: -0.1, Y: -0.1, Z: -0.1}, BlockIndex{-1, -1, -1}},
		{r3.Vector{X: 1.6, Y: 0, Z: 0}, BlockIndex{1, 0, 0}},
		{r3.Vector{X: -1.6, Y: -1.7, Z: 3.21}, BlockIndex{-1, -2, 2}},
	} {
		test.That(t, worldToBlockIndex(tc.p, inv), test.ShouldResemble, tc.want)
		// The index must be the exact component-wise floor.
		test.That(t, tc.want.X, test.ShouldEqual, int32(math.Floor(tc.p.X*inv)))
		test.That(t, tc.want.Y, test.ShouldEqual, int32(math.Floor(tc.p.Y*inv)))
		test.That(t, tc.want.Z, test.ShouldEqual, int32(math.Floor(tc.p.Z*inv)))
	}
}

func TestGlobalVoxelIndex(t *testing.T) {
	g := worldToGlobalVoxelIndex(r3.Vector{X: 1.0, Y: -0.05, Z: 0}, 10)
	test.That(t, g, test.ShouldResemble, GlobalVoxelIndex{X: 10, Y: -1, Z: 0})

	test.That(t, g.BlockIndex(16), test.ShouldResemble, BlockIndex{X: 0, Y: -1, Z: 0})
	test.That(t, g.VoxelIndex(16), test.ShouldResemble, VoxelIndex{X: 10, Y: 15, Z: 0})

	center := g.Center(0.1)
	test.That(t, center.X, test.ShouldAlmostEqual, 1.05)
	test.That(t, center.Y, test.ShouldAlmostEqual, -0.05)
	test.That(t, center.Z, test.ShouldAlmostEqual, 0.05)
}

func TestVoxelIndexLinearization(t *testing.T) {
	// Row-major, X fastest.
	test.That(t, VoxelIndex{0, 0, 0}.linear(16), test.ShouldEqual, 0)
	test.That(t, VoxelIndex{1, 0, 0}.linear(16), test.ShouldEqual, 1)
	test.That(t, VoxelIndex{0, 1, 0}.linear(16), test.ShouldEqual, 16)
	test.That(t, VoxelIndex{0, 0, 1}.linear(16), test.ShouldEqual, 256)
	test.That(t, VoxelIndex{15, 15, 15}.linear(16), test.ShouldEqual, 16*16*16-1)
}

func TestBlockAndVoxelIndexRoundTrip(t *testing.T) {
	const voxelsPerSide = 8
	for _, g := range []GlobalVoxelIndex{
		{0, 0, 0}, {7, 7, 7}, {8, 0, -1}, {-1, -8, -9}, {1000, -1000, 31},
	} {
		block := g.BlockIndex(voxelsPerSide)
		local := g.VoxelIndex(voxelsPerSide)
		test.That(t, local.X, test.ShouldBeGreaterThanOrEqualTo, 0)
		test.That(t, local.X, test.ShouldBeLessThan, voxelsPerSide)
		reassembled := GlobalVoxelIndex{
			X: int64(block.X)*voxelsPerSide + int64(local.X),
			Y: int64(block.Y)*voxelsPerSide + int64(local.Y),
			Z: int64(block.Z)*voxelsPerSide + int64(local.Z),
		}
		test.That(t, reassembled, test.ShouldResemble, g)
	}
}
