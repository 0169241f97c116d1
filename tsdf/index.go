package tsdf

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// BlockIndex addresses one block in a layer's sparse grid. Each block covers
// a cube of world space with side length voxelSize*voxelsPerSide, and the
// index of a world point is the component-wise floor of point/blockSize, so
// negative coordinates map consistently (floor(-0.1) is -1, never 0).
type BlockIndex struct {
	X, Y, Z int32
}

func (i BlockIndex) String() string {
	return fmt.Sprintf("(%d, %d, %d)", i.X, i.Y, i.Z)
}

// VoxelIndex addresses one voxel within a block's local grid. All components
// lie in [0, voxelsPerSide).
type VoxelIndex struct {
	X, Y, Z int32
}

func (i VoxelIndex) String() string {
	return fmt.Sprintf("(%d, %d, %d)", i.X, i.Y, i.Z)
}

// linear maps a local voxel index to its position in a block's contiguous
// voxel array, row-major with X fastest.
func (i VoxelIndex) linear(voxelsPerSide int32) int {
	n := int(voxelsPerSide)
	return int(i.X) + int(i.Y)*n + int(i.Z)*n*n
}

// GlobalVoxelIndex addresses a voxel in the unbounded world grid, independent
// of which block it falls in.
type GlobalVoxelIndex struct {
	X, Y, Z int64
}

// BlockIndex returns the index of the block containing the voxel.
func (g GlobalVoxelIndex) BlockIndex(voxelsPerSide int32) BlockIndex {
	n := int64(voxelsPerSide)
	return BlockIndex{
		X: int32(floorDiv(g.X, n)),
		Y: int32(floorDiv(g.Y, n)),
		Z: int32(floorDiv(g.Z, n)),
	}
}

// VoxelIndex returns the voxel's local index within its block.
func (g GlobalVoxelIndex) VoxelIndex(voxelsPerSide int32) VoxelIndex {
	n := int64(voxelsPerSide)
	return VoxelIndex{
		X: int32(floorMod(g.X, n)),
		Y: int32(floorMod(g.Y, n)),
		Z: int32(floorMod(g.Z, n)),
	}
}

// Center returns the world coordinate of the voxel's center.
func (g GlobalVoxelIndex) Center(voxelSize float64) r3.Vector {
	return r3.Vector{
		X: (float64(g.X) + 0.5) * voxelSize,
		Y: (float64(g.Y) + 0.5) * voxelSize,
		Z: (float64(g.Z) + 0.5) * voxelSize,
	}
}

// worldToGlobalVoxelIndex maps a world coordinate to the voxel grid by
// component-wise floor. voxelSizeInv is the precomputed 1/voxelSize.
func worldToGlobalVoxelIndex(p r3.Vector, voxelSizeInv float64) GlobalVoxelIndex {
	return GlobalVoxelIndex{
		X: int64(math.Floor(p.X * voxelSizeInv)),
		Y: int64(math.Floor(p.Y * voxelSizeInv)),
		Z: int64(math.Floor(p.Z * voxelSizeInv)),
	}
}

// worldToBlockIndex maps a world coordinate to the block grid by
// component-wise floor. blockSizeInv is the precomputed 1/blockSize.
func worldToBlockIndex(p r3.Vector, blockSizeInv float64) BlockIndex {
	return BlockIndex{
		X: int32(math.Floor(p.X * blockSizeInv)),
		Y: int32(math.Floor(p.Y * blockSizeInv)),
		Z: int32(math.Floor(p.Z * blockSizeInv)),
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((a < 0) != (b < 0)) {
		m += b
	}
	return m
}
