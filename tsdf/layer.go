package tsdf

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Geometry identifies the fixed construction parameters of a layer. Two
// layers (or a layer and a persisted header) may exchange blocks only if
// their geometries are compatible.
type Geometry struct {
	VoxelSize     float64
	VoxelsPerSide uint32
	Type          VoxelType
}

// Compatible reports whether the two geometries match in voxel size,
// voxels per side, and voxel type.
func (g Geometry) Compatible(other Geometry) bool {
	return g.VoxelSize == other.VoxelSize &&
		g.VoxelsPerSide == other.VoxelsPerSide &&
		g.Type == other.Type
}

// Layer is the sparse spatial index of a voxel map: a hash map from block
// index to block. The layer exclusively owns every block it allocates;
// blocks handed to callers are borrows that stay valid only while the layer
// is not concurrently mutated in a conflicting way.
//
// Structural mutation of the map (allocate, remove) takes the layer's write
// lock. Lookups take the read lock, so the common parallel-phase case of
// resolving already-allocated blocks does not serialize the whole layer;
// voxel mutation inside a resolved block synchronizes on the block itself.
type Layer[V Voxel[V]] struct {
	mu     sync.RWMutex
	blocks map[BlockIndex]*Block[V]

	voxelSize     float64
	voxelSizeInv  float64
	voxelsPerSide int32
	blockSize     float64
	blockSizeInv  float64
}

// NewLayer returns an empty layer with the given fixed geometry.
func NewLayer[V Voxel[V]](voxelSize float64, voxelsPerSide int) (*Layer[V], error) {
	if voxelSize <= 0 {
		return nil, errors.Errorf("voxel size must be positive, got %v", voxelSize)
	}
	if voxelsPerSide <= 0 {
		return nil, errors.Errorf("voxels per side must be positive, got %d", voxelsPerSide)
	}
	blockSize := voxelSize * float64(voxelsPerSide)
	return &Layer[V]{
		blocks:        map[BlockIndex]*Block[V]{},
		voxelSize:     voxelSize,
		voxelSizeInv:  1.0 / voxelSize,
		voxelsPerSide: int32(voxelsPerSide),
		blockSize:     blockSize,
		blockSizeInv:  1.0 / blockSize,
	}, nil
}

// NewTsdfLayer returns an empty TSDF layer with the given fixed geometry.
func NewTsdfLayer(voxelSize float64, voxelsPerSide int) (*Layer[TsdfVoxel], error) {
	return NewLayer[TsdfVoxel](voxelSize, voxelsPerSide)
}

// VoxelSize returns the edge length of one voxel. Fixed for the layer's
// lifetime.
func (l *Layer[V]) VoxelSize() float64 { return l.voxelSize }

// VoxelsPerSide returns the number of voxels along one block edge. Fixed
// for the layer's lifetime.
func (l *Layer[V]) VoxelsPerSide() int { return int(l.voxelsPerSide) }

// BlockSize returns the edge length of one block. Fixed for the layer's
// lifetime.
func (l *Layer[V]) BlockSize() float64 { return l.blockSize }

// Type returns the serialization tag of the voxel variant the layer stores.
func (l *Layer[V]) Type() VoxelType {
	var zero V
	return zero.Type()
}

// Geometry returns the layer's fixed construction parameters.
func (l *Layer[V]) Geometry() Geometry {
	return Geometry{
		VoxelSize:     l.voxelSize,
		VoxelsPerSide: uint32(l.voxelsPerSide),
		Type:          l.Type(),
	}
}

// Compatible reports whether blocks from a source with the given geometry
// may be merged into this layer.
func (l *Layer[V]) Compatible(other Geometry) bool {
	return l.Geometry().Compatible(other)
}

// Block returns the block at the given index if it is allocated. Absence is
// ordinary on lookup paths and reported through the second return.
func (l *Layer[V]) Block(index BlockIndex) (*Block[V], bool) {
	l.mu.RLock()
	blk, ok := l.blocks[index]
	l.mu.RUnlock()
	return blk, ok
}

// MustBlock returns the block at the given index, panicking if it is not
// allocated. Use only where a prior allocation proves presence; a miss here
// means a broken invariant elsewhere and must not be worked around.
func (l *Layer[V]) MustBlock(index BlockIndex) *Block[V] {
	blk, ok := l.Block(index)
	if !ok {
		panic(errors.Errorf("accessed unallocated block at %v", index))
	}
	return blk
}

// AllocateBlock returns the block at the given index, constructing and
// inserting a new one with the layer's fixed geometry if absent. Idempotent
// with respect to the index. Safe for concurrent use.
func (l *Layer[V]) AllocateBlock(index BlockIndex) *Block[V] {
	l.mu.RLock()
	blk, ok := l.blocks[index]
	l.mu.RUnlock()
	if ok {
		return blk
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check: another goroutine may have allocated while the read lock
	// was released.
	if blk, ok := l.blocks[index]; ok {
		return blk
	}
	blk = newBlock[V](l.voxelsPerSide, l.blockOrigin(index))
	l.blocks[index] = blk
	return blk
}

// RemoveBlock destroys the block at the given index. No-op if absent.
func (l *Layer[V]) RemoveBlock(index BlockIndex) {
	l.mu.Lock()
	delete(l.blocks, index)
	l.mu.Unlock()
}

// BlockIndices returns a snapshot of all allocated block indices, in no
// particular order.
func (l *Layer[V]) BlockIndices() []BlockIndex {
	l.mu.RLock()
	defer l.mu.RUnlock()
	indices := make([]BlockIndex, 0, len(l.blocks))
	for index := range l.blocks {
		indices = append(indices, index)
	}
	return indices
}

// BlockCount returns the number of allocated blocks.
func (l *Layer[V]) BlockCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// BlockIndexFromCoordinates returns the index of the block containing the
// given world coordinate.
func (l *Layer[V]) BlockIndexFromCoordinates(p r3.Vector) BlockIndex {
	return worldToBlockIndex(p, l.blockSizeInv)
}

// VoxelAtCoordinates returns a copy of the voxel containing the given world
// coordinate, if its block is allocated.
func (l *Layer[V]) VoxelAtCoordinates(p r3.Vector) (V, bool) {
	var zero V
	global := worldToGlobalVoxelIndex(p, l.voxelSizeInv)
	blk, ok := l.Block(global.BlockIndex(l.voxelsPerSide))
	if !ok {
		return zero, false
	}
	return blk.Voxel(global.VoxelIndex(l.voxelsPerSide)), true
}

func (l *Layer[V]) blockOrigin(index BlockIndex) r3.Vector {
	return r3.Vector{
		X: float64(index.X) * l.blockSize,
		Y: float64(index.Y) * l.blockSize,
		Z: float64(index.Z) * l.blockSize,
	}
}
