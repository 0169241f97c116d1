package tsdf

import (
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestNewLayerValidation(t *testing.T) {
	_, err := NewTsdfLayer(0, 16)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewTsdfLayer(0.1, 0)
	test.That(t, err, test.ShouldNotBeNil)

	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, layer.VoxelSize(), test.ShouldEqual, 0.1)
	test.That(t, layer.VoxelsPerSide(), test.ShouldEqual, 16)
	test.That(t, layer.BlockSize(), test.ShouldAlmostEqual, 1.6)
	test.That(t, layer.Type(), test.ShouldEqual, VoxelTypeTsdf)
}

func TestLayerAllocationIdempotent(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, layer.BlockCount(), test.ShouldEqual, 0)

	index := BlockIndex{X: 2, Y: -1, Z: 0}
	blk := layer.AllocateBlock(index)
	test.That(t, blk, test.ShouldNotBeNil)
	test.That(t, layer.BlockCount(), test.ShouldEqual, 1)

	again := layer.AllocateBlock(index)
	test.That(t, again == blk, test.ShouldBeTrue)
	test.That(t, layer.BlockCount(), test.ShouldEqual, 1)

	// Origin is precomputed from the index at creation.
	test.That(t, blk.Origin().X, test.ShouldAlmostEqual, 3.2)
	test.That(t, blk.Origin().Y, test.ShouldAlmostEqual, -1.6)
	test.That(t, blk.Origin().Z, test.ShouldAlmostEqual, 0)
}

func TestLayerLookupAndRemove(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)

	index := BlockIndex{X: 1, Y: 1, Z: 1}
	_, ok := layer.Block(index)
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, func() { layer.MustBlock(index) }, test.ShouldPanic)

	layer.AllocateBlock(index)
	blk, ok := layer.Block(index)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, layer.MustBlock(index) == blk, test.ShouldBeTrue)

	layer.RemoveBlock(index)
	_, ok = layer.Block(index)
	test.That(t, ok, test.ShouldBeFalse)
	// Removing an absent block is a no-op.
	layer.RemoveBlock(index)
	test.That(t, layer.BlockCount(), test.ShouldEqual, 0)
}

func TestLayerBlockIndices(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)

	want := map[BlockIndex]bool{
		{0, 0, 0}: true, {1, 0, 0}: true, {-3, 2, 9}: true,
	}
	for index := range want {
		layer.AllocateBlock(index)
	}
	indices := layer.BlockIndices()
	test.That(t, indices, test.ShouldHaveLength, len(want))
	for _, index := range indices {
		test.That(t, want[index], test.ShouldBeTrue)
	}
}

func TestLayerConcurrentAllocation(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)

	index := BlockIndex{X: 5, Y: 5, Z: 5}
	blocks := make([]*Block[TsdfVoxel], 16)
	var wg sync.WaitGroup
	for i := range blocks {
		wg.Add(1)
		iCopy := i
		go func() {
			defer wg.Done()
			blocks[iCopy] = layer.AllocateBlock(index)
		}()
	}
	wg.Wait()
	test.That(t, layer.BlockCount(), test.ShouldEqual, 1)
	for _, blk := range blocks {
		test.That(t, blk == blocks[0], test.ShouldBeTrue)
	}
}

func TestLayerCompatibility(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, layer.Compatible(layer.Geometry()), test.ShouldBeTrue)
	test.That(t, layer.Compatible(Geometry{VoxelSize: 0.2, VoxelsPerSide: 16, Type: VoxelTypeTsdf}), test.ShouldBeFalse)
	test.That(t, layer.Compatible(Geometry{VoxelSize: 0.1, VoxelsPerSide: 8, Type: VoxelTypeTsdf}), test.ShouldBeFalse)
	test.That(t, layer.Compatible(Geometry{VoxelSize: 0.1, VoxelsPerSide: 16, Type: VoxelTypeEsdf}), test.ShouldBeFalse)

	esdfLayer, err := NewLayer[EsdfVoxel](0.1, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, esdfLayer.Type(), test.ShouldEqual, VoxelTypeEsdf)
	test.That(t, esdfLayer.Compatible(layer.Geometry()), test.ShouldBeFalse)
}

func TestLayerVoxelAtCoordinates(t *testing.T) {
	layer, err := NewTsdfLayer(0.1, 16)
	test.That(t, err, test.ShouldBeNil)

	p := r3.Vector{X: -0.05, Y: 0.31, Z: 1.72}
	_, ok := layer.VoxelAtCoordinates(p)
	test.That(t, ok, test.ShouldBeFalse)

	blk := layer.AllocateBlock(layer.BlockIndexFromCoordinates(p))
	blk.SetVoxel(VoxelIndex{X: 15, Y: 3, Z: 1}, TsdfVoxel{Distance: 0.25, Weight: 2})

	v, ok := layer.VoxelAtCoordinates(p)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v.Distance, test.ShouldEqual, float32(0.25))
}
