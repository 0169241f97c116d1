package tsdf

import (
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Block is a fixed-size cube of voxels and the unit of sparse allocation.
// Blocks are created and destroyed only by a Layer and never outlive it.
//
// A Block has no internal locking for its voxel data; during the parallel
// phase of integration, workers serialize access through updateVoxel. The
// updated and has-data flags are atomic so downstream consumers can poll
// them without taking the voxel lock.
type Block[V Voxel[V]] struct {
	mu sync.Mutex

	voxelsPerSide int32
	origin        r3.Vector
	voxels        []V

	updated atomic.Bool
	hasData atomic.Bool
}

func newBlock[V Voxel[V]](voxelsPerSide int32, origin r3.Vector) *Block[V] {
	n := int(voxelsPerSide)
	return &Block[V]{
		voxelsPerSide: voxelsPerSide,
		origin:        origin,
		voxels:        make([]V, n*n*n),
	}
}

// Origin returns the world coordinate of the block's lower corner.
func (b *Block[V]) Origin() r3.Vector { return b.origin }

// NumVoxels returns the length of the block's voxel array.
func (b *Block[V]) NumVoxels() int { return len(b.voxels) }

// Voxel returns a copy of the voxel at the given local index. An
// out-of-range index is a programming error and panics: local indices are
// always derived from validated coordinate math upstream.
func (b *Block[V]) Voxel(idx VoxelIndex) V {
	return b.voxels[b.checkedLinear(idx)]
}

// SetVoxel overwrites the voxel at the given local index and marks the
// block updated. Same bounds semantics as Voxel.
func (b *Block[V]) SetVoxel(idx VoxelIndex, v V) {
	b.voxels[b.checkedLinear(idx)] = v
	b.markMutated()
}

// updateVoxel applies fn to the voxel at the given local index while
// holding the block's lock. This is the only mutation path used by
// concurrently-running integrator workers.
func (b *Block[V]) updateVoxel(idx VoxelIndex, fn func(v V) V) {
	i := b.checkedLinear(idx)
	b.mu.Lock()
	b.voxels[i] = fn(b.voxels[i])
	b.mu.Unlock()
	b.markMutated()
}

// Updated reports whether any voxel changed since the flag was last
// cleared.
func (b *Block[V]) Updated() bool { return b.updated.Load() }

// MarkUpdated sets the updated flag.
func (b *Block[V]) MarkUpdated() { b.updated.Store(true) }

// ClearUpdated clears the updated flag. Downstream consumers such as mesh
// extraction call this after they have re-read the block.
func (b *Block[V]) ClearUpdated() { b.updated.Store(false) }

// HasData reports whether any voxel was ever written.
func (b *Block[V]) HasData() bool { return b.hasData.Load() }

func (b *Block[V]) markMutated() {
	b.updated.Store(true)
	b.hasData.Store(true)
}

func (b *Block[V]) checkedLinear(idx VoxelIndex) int {
	if idx.X < 0 || idx.Y < 0 || idx.Z < 0 ||
		idx.X >= b.voxelsPerSide || idx.Y >= b.voxelsPerSide || idx.Z >= b.voxelsPerSide {
		panic(errors.Errorf("voxel index %v out of bounds for block with %d voxels per side", idx, b.voxelsPerSide))
	}
	return idx.linear(b.voxelsPerSide)
}

// replaceVoxels swaps in a full voxel array of the same length. Used by the
// serialization layer when applying a Replace load.
func (b *Block[V]) replaceVoxels(voxels []V) {
	if len(voxels) != len(b.voxels) {
		panic(errors.Errorf("voxel array length %d does not match block size %d", len(voxels), len(b.voxels)))
	}
	b.voxels = voxels
	b.markMutated()
}

// mergeVoxels merges a full voxel array into the block voxel-by-voxel.
func (b *Block[V]) mergeVoxels(voxels []V) {
	if len(voxels) != len(b.voxels) {
		panic(errors.Errorf("voxel array length %d does not match block size %d", len(voxels), len(b.voxels)))
	}
	for i := range b.voxels {
		b.voxels[i] = b.voxels[i].Merge(voxels[i])
	}
	b.markMutated()
}

// appendVoxelRecords appends every voxel's fixed-size binary record in
// linear index order.
func (b *Block[V]) appendVoxelRecords(buf []byte) []byte {
	for i := range b.voxels {
		buf = b.voxels[i].appendBinary(buf)
	}
	return buf
}
