// Package tsdf implements a sparse, block-hashed truncated signed distance
// field. A Layer maps integer block indices to fixed-size cubes of voxels,
// and the merged integrator ray-casts batches of observed points into it,
// combining observations with a weighted running average. Layers can be
// saved to and loaded from a compact binary block format with explicit
// conflict-resolution strategies.
package tsdf
