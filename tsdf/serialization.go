package tsdf

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// BlockMergeStrategy decides what happens when a decoded block lands on an
// index the target layer already has.
type BlockMergeStrategy int

const (
	// MergeStrategyProhibit aborts the whole load on any index collision,
	// leaving the target layer unchanged.
	MergeStrategyProhibit BlockMergeStrategy = iota
	// MergeStrategyReplace overwrites the existing block with the incoming
	// one.
	MergeStrategyReplace
	// MergeStrategyDiscard keeps the existing block and ignores the
	// incoming one.
	MergeStrategyDiscard
	// MergeStrategyMerge combines the two blocks voxel-by-voxel with the
	// weighted-merge rule.
	MergeStrategyMerge
)

func (s BlockMergeStrategy) String() string {
	switch s {
	case MergeStrategyProhibit:
		return "prohibit"
	case MergeStrategyReplace:
		return "replace"
	case MergeStrategyDiscard:
		return "discard"
	case MergeStrategyMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// The persisted layout is a fixed little-endian header
//
//	voxel_size      float64
//	voxels_per_side uint32
//	voxel_type_tag  uint32
//	block_count     uint32
//
// followed by block_count records of
//
//	block_index  int32 x 3
//	payload      voxels_per_side^3 voxel records, linear index order.
const layerHeaderSize = 8 + 4 + 4 + 4

// maxVoxelsPerSide bounds the header field so a corrupt encoding cannot
// drive the payload size computation past integer range.
const maxVoxelsPerSide = 256

// blockPreallocLimit caps the block slice capacity taken from the header's
// untrusted block count; past it the slice grows as records actually decode.
const blockPreallocLimit = 1024

// ErrIncompatibleGeometry is returned when persisted data does not match
// the geometry of the layer it is being loaded into.
var ErrIncompatibleGeometry = errors.New("persisted geometry is incompatible with the layer")

// ErrBlockCollision is returned by a Prohibit-strategy load that found an
// incoming block index already allocated in the target layer.
var ErrBlockCollision = errors.New("block index collision during prohibit-strategy load")

// Encode writes the blocks at the given indices, or all allocated blocks if
// indices is nil, preceded by the layer's geometry header. Requesting an
// unallocated index fails before anything is written.
func (l *Layer[V]) Encode(w io.Writer, indices []BlockIndex) error {
	if indices == nil {
		indices = l.BlockIndices()
	}
	blocks := make([]*Block[V], len(indices))
	for i, index := range indices {
		blk, ok := l.Block(index)
		if !ok {
			return errors.Errorf("cannot encode unallocated block at %v", index)
		}
		blocks[i] = blk
	}

	bw := bufio.NewWriter(w)
	header := make([]byte, 0, layerHeaderSize)
	header = binary.LittleEndian.AppendUint64(header, math.Float64bits(l.voxelSize))
	header = binary.LittleEndian.AppendUint32(header, uint32(l.voxelsPerSide))
	header = binary.LittleEndian.AppendUint32(header, uint32(l.Type()))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(blocks)))
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "writing layer header")
	}

	var record []byte
	for i, blk := range blocks {
		record = record[:0]
		record = binary.LittleEndian.AppendUint32(record, uint32(indices[i].X))
		record = binary.LittleEndian.AppendUint32(record, uint32(indices[i].Y))
		record = binary.LittleEndian.AppendUint32(record, uint32(indices[i].Z))
		blk.mu.Lock()
		record = blk.appendVoxelRecords(record)
		blk.mu.Unlock()
		if _, err := bw.Write(record); err != nil {
			return errors.Wrapf(err, "writing block record %v", indices[i])
		}
	}
	return errors.Wrap(bw.Flush(), "flushing layer encoding")
}

// decodedBlock is one block record held in memory between decode and
// apply, so a failed read never partially mutates the target layer.
type decodedBlock[V Voxel[V]] struct {
	index  BlockIndex
	voxels []V
}

// readGeometry decodes and validates the layer header.
func readGeometry(r io.Reader) (Geometry, uint32, error) {
	header := make([]byte, layerHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Geometry{}, 0, errors.Wrap(err, "reading layer header")
	}
	geom := Geometry{
		VoxelSize:     math.Float64frombits(binary.LittleEndian.Uint64(header)),
		VoxelsPerSide: binary.LittleEndian.Uint32(header[8:]),
		Type:          VoxelType(binary.LittleEndian.Uint32(header[12:])),
	}
	count := binary.LittleEndian.Uint32(header[16:])
	if geom.VoxelSize <= 0 || math.IsNaN(geom.VoxelSize) || math.IsInf(geom.VoxelSize, 0) {
		return Geometry{}, 0, errors.Errorf("corrupt header: voxel size %v", geom.VoxelSize)
	}
	if geom.VoxelsPerSide == 0 || geom.VoxelsPerSide > maxVoxelsPerSide {
		return Geometry{}, 0, errors.Errorf("corrupt header: voxels per side %d not in [1, %d]",
			geom.VoxelsPerSide, maxVoxelsPerSide)
	}
	return geom, count, nil
}

func readBlocks[V Voxel[V]](r io.Reader, geom Geometry, count uint32) ([]decodedBlock[V], error) {
	var zero V
	n := int(geom.VoxelsPerSide)
	numVoxels := n * n * n
	payloadSize := numVoxels * zero.recordSize()
	record := make([]byte, 12+payloadSize)

	blocks := make([]decodedBlock[V], 0, min(count, blockPreallocLimit))
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, record); err != nil {
			return nil, errors.Wrapf(err, "reading block record %d of %d", i+1, count)
		}
		dec := decodedBlock[V]{
			index: BlockIndex{
				X: int32(binary.LittleEndian.Uint32(record)),
				Y: int32(binary.LittleEndian.Uint32(record[4:])),
				Z: int32(binary.LittleEndian.Uint32(record[8:])),
			},
			voxels: make([]V, numVoxels),
		}
		payload := record[12:]
		for j := 0; j < numVoxels; j++ {
			dec.voxels[j] = zero.decodeBinary(payload[j*zero.recordSize():])
		}
		blocks = append(blocks, dec)
	}
	return blocks, nil
}

// LoadBlocks decodes a layer encoding and folds its blocks into the layer
// under the given merge strategy. The encoding's geometry must be
// compatible with the layer's or the load is refused. Every failure mode
// leaves the layer unchanged: records are fully decoded before any of them
// is applied, and a Prohibit collision aborts before the first apply.
func (l *Layer[V]) LoadBlocks(r io.Reader, strategy BlockMergeStrategy) error {
	switch strategy {
	case MergeStrategyProhibit, MergeStrategyReplace, MergeStrategyDiscard, MergeStrategyMerge:
	default:
		return errors.Errorf("unknown merge strategy %d", strategy)
	}
	geom, count, err := readGeometry(r)
	if err != nil {
		return err
	}
	if !l.Compatible(geom) {
		return errors.Wrapf(ErrIncompatibleGeometry,
			"layer has %+v, encoding has %+v", l.Geometry(), geom)
	}
	blocks, err := readBlocks[V](r, geom, count)
	if err != nil {
		return err
	}

	if strategy == MergeStrategyProhibit {
		for _, dec := range blocks {
			if _, ok := l.Block(dec.index); ok {
				return errors.Wrapf(ErrBlockCollision, "at %v", dec.index)
			}
		}
	}

	for _, dec := range blocks {
		existing, ok := l.Block(dec.index)
		if !ok {
			l.AllocateBlock(dec.index).replaceVoxels(dec.voxels)
			continue
		}
		switch strategy {
		case MergeStrategyProhibit:
			// Unreachable: collisions were rejected above, and calls must
			// not race with other mutations of the same layer.
			panic(errors.Errorf("block at %v allocated during prohibit-strategy load", dec.index))
		case MergeStrategyReplace:
			existing.replaceVoxels(dec.voxels)
		case MergeStrategyDiscard:
		case MergeStrategyMerge:
			existing.mergeVoxels(dec.voxels)
		}
	}
	return nil
}

// DecodeLayer reads a layer encoding into a fresh layer with the geometry
// the header declares. The voxel type tag must match the requested variant.
func DecodeLayer[V Voxel[V]](r io.Reader) (*Layer[V], error) {
	geom, count, err := readGeometry(r)
	if err != nil {
		return nil, err
	}
	var zero V
	if geom.Type != zero.Type() {
		return nil, errors.Wrapf(ErrIncompatibleGeometry,
			"encoding holds %v voxels, want %v", geom.Type, zero.Type())
	}
	layer, err := NewLayer[V](geom.VoxelSize, int(geom.VoxelsPerSide))
	if err != nil {
		return nil, err
	}
	blocks, err := readBlocks[V](r, geom, count)
	if err != nil {
		return nil, err
	}
	for _, dec := range blocks {
		layer.AllocateBlock(dec.index).replaceVoxels(dec.voxels)
	}
	return layer, nil
}

// SaveToFile writes all allocated blocks to the given path.
func (l *Layer[V]) SaveToFile(path string) error {
	return l.SaveSubsetToFile(path, nil)
}

// SaveSubsetToFile writes the blocks at the given indices, or all allocated
// blocks if indices is nil, to the given path.
func (l *Layer[V]) SaveSubsetToFile(path string, indices []BlockIndex) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating layer file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return l.Encode(f, indices)
}

// LoadBlocksFromFile folds the blocks persisted at the given path into the
// layer under the given merge strategy.
func (l *Layer[V]) LoadBlocksFromFile(path string, strategy BlockMergeStrategy) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening layer file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return l.LoadBlocks(bufio.NewReader(f), strategy)
}

// ReadLayerFromFile reads the layer persisted at the given path into a
// fresh layer.
func ReadLayerFromFile[V Voxel[V]](path string) (*Layer[V], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening layer file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return DecodeLayer[V](bufio.NewReader(f))
}
