package pcd

import (
	"image/color"
	"math"
)

// GrayscaleColorMap maps a scalar intensity onto a gray color, saturating
// at MaxValue. Lidar returns intensity rather than color, so this is how
// intensity-only clouds get color for the voxel map.
type GrayscaleColorMap struct {
	MaxValue float64
}

// defaultGrayscaleMap matches the batch pipeline's intensity ceiling.
var defaultGrayscaleMap = GrayscaleColorMap{MaxValue: 256}

// Color returns the gray corresponding to the given intensity.
func (m GrayscaleColorMap) Color(intensity float64) color.NRGBA {
	maxValue := m.MaxValue
	if maxValue <= 0 {
		maxValue = defaultGrayscaleMap.MaxValue
	}
	v := math.Round(intensity / maxValue * 255)
	if v < 0 || math.IsNaN(v) {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	gray := uint8(v)
	return color.NRGBA{R: gray, G: gray, B: gray, A: 255}
}
