package tsdf

import (
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/oleg-alexandrov/voxblox/spatialmath"
)

// TsdfIntegratorConfig holds the tunables of the merged integration
// strategy.
type TsdfIntegratorConfig struct {
	// TruncationDistance is the band around a surface, in meters, within
	// which signed distances are tracked. Zero means 2x the voxel size.
	TruncationDistance float64 `json:"truncation_distance"`
	// MaxRayLength is the longest ray that will be integrated, in meters.
	MaxRayLength float64 `json:"max_ray_length_m"`
	// IntegratorThreads is the number of workers used for the ray-cast and
	// update phase. Zero means GOMAXPROCS.
	IntegratorThreads int `json:"integrator_threads"`
}

// DefaultTsdfIntegratorConfig returns the configuration the batch driver
// uses: truncation at twice the voxel size and a 100m ray cap.
func DefaultTsdfIntegratorConfig(voxelSize float64) TsdfIntegratorConfig {
	return TsdfIntegratorConfig{
		TruncationDistance: 2 * voxelSize,
		MaxRayLength:       100,
		IntegratorThreads:  runtime.GOMAXPROCS(0),
	}
}

// TsdfIntegrator ray-casts batches of observed points into a TSDF layer.
// Calls are internally parallel but must not be issued concurrently against
// the same layer.
type TsdfIntegrator struct {
	cfg    TsdfIntegratorConfig
	layer  *Layer[TsdfVoxel]
	logger golog.Logger
}

// NewTsdfIntegrator returns an integrator writing into the given layer.
func NewTsdfIntegrator(cfg TsdfIntegratorConfig, layer *Layer[TsdfVoxel], logger golog.Logger) (*TsdfIntegrator, error) {
	if layer == nil {
		return nil, errors.New("integrator needs a layer")
	}
	if cfg.TruncationDistance == 0 {
		cfg.TruncationDistance = 2 * layer.VoxelSize()
	}
	if cfg.TruncationDistance < 0 {
		return nil, errors.Errorf("truncation distance must be positive, got %v", cfg.TruncationDistance)
	}
	if cfg.MaxRayLength <= 0 {
		return nil, errors.Errorf("max ray length must be positive, got %v", cfg.MaxRayLength)
	}
	if cfg.IntegratorThreads <= 0 {
		cfg.IntegratorThreads = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = golog.Global()
	}
	return &TsdfIntegrator{cfg: cfg, layer: layer, logger: logger}, nil
}

// Config returns the integrator's effective configuration.
func (ti *TsdfIntegrator) Config() TsdfIntegratorConfig { return ti.cfg }

// voxelObservations accumulates all points of one batch that terminate in
// the same voxel, so the batch costs exactly one ray cast per distinct
// terminal voxel.
type voxelObservations struct {
	positionSum r3.Vector
	colorSum    [4]float64
	count       int
}

func (obs *voxelObservations) add(p r3.Vector, c color.NRGBA) {
	obs.positionSum = obs.positionSum.Add(p)
	obs.colorSum[0] += float64(c.R)
	obs.colorSum[1] += float64(c.G)
	obs.colorSum[2] += float64(c.B)
	obs.colorSum[3] += float64(c.A)
	obs.count++
}

func (obs *voxelObservations) representative() (r3.Vector, color.NRGBA, float32) {
	n := float64(obs.count)
	clampChannel := func(v float64) uint8 {
		r := math.Round(v / n)
		if r < 0 {
			return 0
		}
		if r > 255 {
			return 255
		}
		return uint8(r)
	}
	point := obs.positionSum.Mul(1 / n)
	c := color.NRGBA{
		R: clampChannel(obs.colorSum[0]),
		G: clampChannel(obs.colorSum[1]),
		B: clampChannel(obs.colorSum[2]),
		A: clampChannel(obs.colorSum[3]),
	}
	return point, c, float32(obs.count)
}

// IntegratePointCloud transforms the sensor-frame points into the world
// frame with the given pose, groups them by the voxel each terminates in,
// and ray-casts one merged observation per distinct terminal voxel,
// applying the weighted-merge update rule to every voxel along each ray.
//
// colors must either match points 1:1 or be nil for an uncolored cloud;
// a length mismatch rejects the whole call before any mutation. Individual
// out-of-range or non-finite points are skipped, never fatal.
func (ti *TsdfIntegrator) IntegratePointCloud(pose spatialmath.Pose, points []r3.Vector, colors []color.NRGBA) error {
	if colors != nil && len(colors) != len(points) {
		return errors.Errorf("point and color counts differ: %d vs %d", len(points), len(colors))
	}
	if !pose.IsFinite() {
		return errors.New("pose has non-finite values")
	}

	origin := pose.Point()
	groups := ti.mergePhase(pose, points, colors)
	if len(groups) == 0 {
		return nil
	}
	ti.integrateGroups(origin, groups)
	return nil
}

// mergePhase transforms and filters the batch, then collapses it to one
// observation group per distinct terminal voxel. Runs single-threaded
// relative to the caller.
func (ti *TsdfIntegrator) mergePhase(pose spatialmath.Pose, points []r3.Vector, colors []color.NRGBA) []*voxelObservations {
	origin := pose.Point()
	byVoxel := make(map[GlobalVoxelIndex]*voxelObservations)
	var skipped int
	for i, p := range points {
		world := pose.TransformPoint(p)
		if !isFiniteVector(world) {
			skipped++
			continue
		}
		if world.Sub(origin).Norm() > ti.cfg.MaxRayLength {
			skipped++
			continue
		}
		c := color.NRGBA{}
		if colors != nil {
			c = colors[i]
		}
		idx := worldToGlobalVoxelIndex(world, ti.layer.voxelSizeInv)
		obs, ok := byVoxel[idx]
		if !ok {
			obs = &voxelObservations{}
			byVoxel[idx] = obs
		}
		obs.add(world, c)
	}
	if skipped > 0 {
		ti.logger.Debugw("skipped points during integration", "skipped", skipped, "total", len(points))
	}
	groups := make([]*voxelObservations, 0, len(byVoxel))
	for _, obs := range byVoxel {
		groups = append(groups, obs)
	}
	return groups
}

// integrateGroups distributes the observation groups over the worker pool,
// splitting the group list into contiguous ranges.
func (ti *TsdfIntegrator) integrateGroups(origin r3.Vector, groups []*voxelObservations) {
	workers := ti.cfg.IntegratorThreads
	if workers > len(groups) {
		workers = len(groups)
	}
	groupSize := len(groups) / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for workerNum := 0; workerNum < workers; workerNum++ {
		from := groupSize * workerNum
		to := from + groupSize
		if workerNum == workers-1 {
			to = len(groups)
		}
		fromCopy, toCopy := from, to
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			ti.integrateRange(origin, groups[fromCopy:toCopy])
		})
	}
	wg.Wait()
}

// integrateRange casts one ray per observation group and applies the
// weighted-merge update to every voxel along it. Blocks resolved through
// the layer are cached locally so repeated samples in the same block skip
// the layer's map entirely.
func (ti *TsdfIntegrator) integrateRange(origin r3.Vector, groups []*voxelObservations) {
	voxelsPerSide := int32(ti.layer.VoxelsPerSide())
	blockCache := make(map[BlockIndex]*Block[TsdfVoxel])

	for _, obs := range groups {
		point, blended, weight := obs.representative()
		caster := NewRayCaster(origin, point, ti.cfg.TruncationDistance, ti.cfg.MaxRayLength, ti.layer.VoxelSize())
		surface := caster.SurfaceDistance()
		for {
			idx, traveled, ok := caster.Next()
			if !ok {
				break
			}
			blockIndex := idx.BlockIndex(voxelsPerSide)
			blk, ok := blockCache[blockIndex]
			if !ok {
				blk = ti.layer.AllocateBlock(blockIndex)
				blockCache[blockIndex] = blk
			}
			distance := float32(clampDistance(surface-traveled, ti.cfg.TruncationDistance))
			ti.updateVoxel(blk, idx.VoxelIndex(voxelsPerSide), distance, weight, blended)
		}
	}
}

// updateVoxel applies the weighted-merge rule to a single voxel: the new
// weight is the sum, the new distance is the weight-proportional average
// clamped to the truncation band, and color blends by the same average.
func (ti *TsdfIntegrator) updateVoxel(blk *Block[TsdfVoxel], idx VoxelIndex, distance, weight float32, c color.NRGBA) {
	truncation := ti.cfg.TruncationDistance
	blk.updateVoxel(idx, func(v TsdfVoxel) TsdfVoxel {
		totalWeight := v.Weight + weight
		if totalWeight <= 0 {
			return v
		}
		merged := float64(v.Distance*v.Weight+distance*weight) / float64(totalWeight)
		return TsdfVoxel{
			Distance: float32(clampDistance(merged, truncation)),
			Weight:   totalWeight,
			Color:    blendColors(v.Color, float64(v.Weight), c, float64(weight)),
		}
	})
}

func isFiniteVector(v r3.Vector) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
