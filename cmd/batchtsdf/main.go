// Command batchtsdf replays a recorded sequence of posed point clouds into
// a TSDF layer and saves the result. Its input is an index file with one
// "pose_file cloud_file" pair per line, where the pose file holds a 4x4
// row-major affine transform from the sensor frame to the world frame.
package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/oleg-alexandrov/voxblox/pcd"
	"github.com/oleg-alexandrov/voxblox/spatialmath"
	"github.com/oleg-alexandrov/voxblox/tsdf"
)

func main() {
	app := &cli.App{
		Name:            "batchtsdf",
		Usage:           "integrate a batch of posed point clouds into a TSDF layer",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "index",
				Usage:    "index `FILE` listing pose and cloud file pairs",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "out",
				Usage:    "output layer `FILE`",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  "voxel-size",
				Usage: "voxel edge length in meters",
				Value: 0.1,
			},
			&cli.UintFlag{
				Name:  "voxels-per-side",
				Usage: "voxels along one block edge",
				Value: 16,
			},
			&cli.Float64Flag{
				Name:  "max-ray-length",
				Usage: "longest integrated ray in meters",
				Value: 100,
			},
			&cli.Float64Flag{
				Name:  "truncation",
				Usage: "truncation distance in meters, 0 for 2x voxel size",
			},
			&cli.IntFlag{
				Name:  "threads",
				Usage: "integrator worker count, 0 for all cores",
			},
			&cli.IntFlag{
				Name:  "begin",
				Usage: "first frame to integrate",
			},
			&cli.IntFlag{
				Name:  "end",
				Usage: "frame to stop before, -1 for all",
				Value: -1,
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: runBatch,
	}
	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}

// frame is one posed cloud ready for integration.
type frame struct {
	num   int
	pose  spatialmath.Pose
	cloud *pcd.Cloud
}

func runBatch(c *cli.Context) error {
	logger := golog.NewDevelopmentLogger("batchtsdf")
	if !c.Bool("debug") {
		logger = golog.NewLogger("batchtsdf")
	}

	pairs, err := readIndexFile(c.String("index"))
	if err != nil {
		return err
	}
	begin, end := c.Int("begin"), c.Int("end")
	if end < 0 || end > len(pairs) {
		end = len(pairs)
	}
	if begin < 0 {
		begin = 0
	}
	if begin >= end {
		return errors.Errorf("frame range [%d, %d) selects nothing from %d frames", begin, end, len(pairs))
	}

	layer, err := tsdf.NewTsdfLayer(c.Float64("voxel-size"), int(c.Uint("voxels-per-side")))
	if err != nil {
		return err
	}
	integrator, err := tsdf.NewTsdfIntegrator(tsdf.TsdfIntegratorConfig{
		TruncationDistance: c.Float64("truncation"),
		MaxRayLength:       c.Float64("max-ray-length"),
		IntegratorThreads:  c.Int("threads"),
	}, layer, logger)
	if err != nil {
		return err
	}
	cfg := integrator.Config()
	logger.Infow("integrating",
		"frames", end-begin,
		"voxel_size", layer.VoxelSize(),
		"voxels_per_side", layer.VoxelsPerSide(),
		"block_size", layer.BlockSize(),
		"truncation_distance", cfg.TruncationDistance,
		"max_ray_length_m", cfg.MaxRayLength,
		"threads", cfg.IntegratorThreads,
	)

	// Load the next frame from disk while the current one integrates.
	frames := make(chan frame)
	group, ctx := errgroup.WithContext(context.Background())
	group.Go(func() error {
		defer close(frames)
		for i := begin; i < end; i++ {
			pose, err := readPoseFile(pairs[i][0])
			if err != nil {
				return errors.Wrapf(err, "frame %d", i)
			}
			cloud, err := pcd.ReadFile(pairs[i][1], logger)
			if err != nil {
				return errors.Wrapf(err, "frame %d", i)
			}
			select {
			case frames <- frame{num: i, pose: pose, cloud: cloud}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	group.Go(func() error {
		for f := range frames {
			logger.Debugw("integrating frame", "frame", f.num, "points", len(f.cloud.Points))
			if err := integrator.IntegratePointCloud(f.pose, f.cloud.Points, f.cloud.Colors); err != nil {
				return errors.Wrapf(err, "frame %d", f.num)
			}
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	out := c.String("out")
	logger.Infow("saving layer", "path", out, "blocks", layer.BlockCount())
	return layer.SaveToFile(out)
}

// readIndexFile parses lines of "pose_file cloud_file"; blank lines and
// #-comments are skipped.
func readIndexFile(path string) ([][2]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading index file")
	}
	var pairs [][2]string
	for n, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 2 {
			return nil, errors.Errorf("index line %d needs \"pose_file cloud_file\", got %q", n+1, line)
		}
		pairs = append(pairs, [2]string{fields[0], fields[1]})
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("index file %q lists no frames", path)
	}
	return pairs, nil
}

// readPoseFile reads 16 whitespace-separated values forming a row-major
// 4x4 affine transform.
func readPoseFile(path string) (spatialmath.Pose, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return spatialmath.Pose{}, errors.Wrap(err, "reading pose file")
	}
	fields := strings.Fields(string(data))
	if len(fields) != 16 {
		return spatialmath.Pose{}, errors.Errorf("pose file %q has %d values, want 16", path, len(fields))
	}
	values := make([]float64, 16)
	for i, f := range fields {
		if values[i], err = strconv.ParseFloat(f, 64); err != nil {
			return spatialmath.Pose{}, errors.Wrapf(err, "parsing pose file %q", path)
		}
	}
	return spatialmath.NewPoseFromAffine(values)
}
