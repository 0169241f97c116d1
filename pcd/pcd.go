// Package pcd reads the subset of the PCD point cloud format the TSDF
// pipeline ingests: x/y/z positions with an optional intensity or packed
// rgb field, in ascii, binary, or binary_compressed encoding.
package pcd

import (
	"bufio"
	"encoding/binary"
	"image/color"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/zhuyie/golzf"
	"go.viam.com/utils"
)

// Format is the encoding of a PCD file's data section.
type Format int

const (
	// FormatAscii is one whitespace-separated point per line.
	FormatAscii Format = iota
	// FormatBinary is packed per-point little-endian records.
	FormatBinary
	// FormatBinaryCompressed is LZF-compressed field-major data.
	FormatBinaryCompressed
)

// Cloud holds a decoded point cloud as the parallel arrays the integrator
// ingests. Colors is nil when the file carries no intensity or rgb field.
type Cloud struct {
	Points []r3.Vector
	Colors []color.NRGBA
}

type header struct {
	fields []string
	sizes  []int
	types  []string
	counts []int
	points int
	format Format
}

func (h *header) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

func (h *header) stride() int {
	var s int
	for i := range h.fields {
		s += h.sizes[i] * h.counts[i]
	}
	return s
}

// ReadFile reads a PCD file from disk.
func ReadFile(path string, logger golog.Logger) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening pcd file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	cloud, err := Read(f, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return cloud, nil
}

// Read decodes a PCD stream.
func Read(r io.Reader, logger golog.Logger) (*Cloud, error) {
	if logger == nil {
		logger = golog.Global()
	}
	rb := bufio.NewReader(r)
	h, err := parseHeader(rb)
	if err != nil {
		return nil, err
	}

	for _, name := range []string{"x", "y", "z"} {
		i := h.fieldIndex(name)
		if i < 0 {
			return nil, errors.Errorf("pcd is missing field %q", name)
		}
		if h.sizes[i] != 4 || h.types[i] != "F" || h.counts[i] != 1 {
			return nil, errors.Errorf("field %q must be a single float32", name)
		}
	}
	for _, name := range []string{"rgb", "intensity"} {
		if i := h.fieldIndex(name); i >= 0 && (h.sizes[i] != 4 || h.counts[i] != 1) {
			logger.Debugw("ignoring color field with unsupported layout",
				"field", name, "size", h.sizes[i], "count", h.counts[i])
			h.fields[i] = "_" + name
		}
	}
	if h.fieldIndex("rgb") < 0 && h.fieldIndex("intensity") < 0 {
		logger.Debugw("pcd has no color or intensity field, producing an uncolored cloud")
	}

	switch h.format {
	case FormatAscii:
		return readAscii(rb, h)
	case FormatBinary:
		data := make([]byte, h.points*h.stride())
		if _, err := io.ReadFull(rb, data); err != nil {
			return nil, errors.Wrap(err, "reading binary pcd data")
		}
		return pointsFromRowMajor(data, h)
	case FormatBinaryCompressed:
		data, err := decompressData(rb, h)
		if err != nil {
			return nil, err
		}
		return pointsFromColumnMajor(data, h)
	default:
		return nil, errors.Errorf("unknown pcd format %d", h.format)
	}
}

func parseHeader(rb *bufio.Reader) (*header, error) {
	h := &header{points: -1}
	for {
		line, err := rb.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "reading pcd header")
		}
		args := strings.Fields(line)
		if len(args) == 0 || strings.HasPrefix(args[0], "#") {
			continue
		}
		if len(args) < 2 {
			return nil, errors.Errorf("pcd header field %q has no value", args[0])
		}
		switch args[0] {
		case "FIELDS":
			h.fields = args[1:]
		case "SIZE":
			h.sizes, err = parseInts(args[1:])
		case "TYPE":
			h.types = args[1:]
		case "COUNT":
			h.counts, err = parseInts(args[1:])
		case "POINTS":
			h.points, err = strconv.Atoi(args[1])
		case "DATA":
			switch args[1] {
			case "ascii":
				h.format = FormatAscii
			case "binary":
				h.format = FormatBinary
			case "binary_compressed":
				h.format = FormatBinaryCompressed
			default:
				return nil, errors.Errorf("unknown pcd data format %q", args[1])
			}
			return h, validateHeader(h)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "parsing pcd header field %q", args[0])
		}
	}
}

func validateHeader(h *header) error {
	if len(h.fields) == 0 {
		return errors.New("pcd header declares no fields")
	}
	if len(h.sizes) != len(h.fields) || len(h.types) != len(h.fields) {
		return errors.New("pcd header SIZE/TYPE do not match FIELDS")
	}
	if h.counts == nil {
		h.counts = make([]int, len(h.fields))
		for i := range h.counts {
			h.counts[i] = 1
		}
	}
	if len(h.counts) != len(h.fields) {
		return errors.New("pcd header COUNT does not match FIELDS")
	}
	if h.points < 0 {
		return errors.New("pcd header is missing POINTS")
	}
	return nil
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readAscii(rb *bufio.Reader, h *header) (*Cloud, error) {
	cloud := newCloud(h)
	xi, yi, zi := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	for n := 0; n < h.points; n++ {
		line, err := rb.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading ascii point %d of %d", n+1, h.points)
		}
		cols := strings.Fields(line)
		if len(cols) != len(h.fields) {
			return nil, errors.Errorf("ascii point %d has %d columns, want %d", n+1, len(cols), len(h.fields))
		}
		vals := make([]float64, len(cols))
		for i, c := range cols {
			if vals[i], err = strconv.ParseFloat(c, 64); err != nil {
				return nil, errors.Wrapf(err, "parsing ascii point %d", n+1)
			}
		}
		cloud.Points = append(cloud.Points, r3.Vector{X: vals[xi], Y: vals[yi], Z: vals[zi]})
		if cloud.Colors != nil {
			if i := h.fieldIndex("rgb"); i >= 0 {
				// PCL packs rgb into the bit pattern of a float32, so an
				// ascii F-typed rgb column prints that float's value.
				bits := uint32(vals[i])
				if h.types[i] == "F" {
					bits = math.Float32bits(float32(vals[i]))
				}
				cloud.Colors = append(cloud.Colors, unpackRGB(bits))
			} else {
				cloud.Colors = append(cloud.Colors, defaultGrayscaleMap.Color(vals[h.fieldIndex("intensity")]))
			}
		}
	}
	return cloud, nil
}

func decompressData(rb *bufio.Reader, h *header) ([]byte, error) {
	var nCompressed, nUncompressed int32
	if err := binary.Read(rb, binary.LittleEndian, &nCompressed); err != nil {
		return nil, errors.Wrap(err, "reading compressed size")
	}
	if err := binary.Read(rb, binary.LittleEndian, &nUncompressed); err != nil {
		return nil, errors.Wrap(err, "reading uncompressed size")
	}
	if nCompressed < 0 || nUncompressed < 0 {
		return nil, errors.New("pcd compressed sizes are negative")
	}
	compressed := make([]byte, nCompressed)
	if _, err := io.ReadFull(rb, compressed); err != nil {
		return nil, errors.Wrap(err, "reading compressed pcd data")
	}
	data := make([]byte, nUncompressed)
	n, err := lzf.Decompress(compressed, data)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing pcd data")
	}
	if n != int(nUncompressed) {
		return nil, errors.Errorf("decompressed %d bytes, header declares %d", n, nUncompressed)
	}
	return data, nil
}

// pointsFromRowMajor decodes DATA binary layout: one packed record per
// point.
func pointsFromRowMajor(data []byte, h *header) (*Cloud, error) {
	offsets := make([]int, len(h.fields))
	var off int
	for i := range h.fields {
		offsets[i] = off
		off += h.sizes[i] * h.counts[i]
	}
	stride := h.stride()
	return decodePoints(h, func(point, field int) []byte {
		return data[point*stride+offsets[field]:]
	})
}

// pointsFromColumnMajor decodes the binary_compressed layout, where each
// field's values for all points are stored contiguously.
func pointsFromColumnMajor(data []byte, h *header) (*Cloud, error) {
	heads := make([]int, len(h.fields))
	var pos int
	for i := range h.fields {
		heads[i] = pos
		pos += h.sizes[i] * h.counts[i] * h.points
	}
	if pos > len(data) {
		return nil, errors.Errorf("pcd data is %d bytes, layout needs %d", len(data), pos)
	}
	return decodePoints(h, func(point, field int) []byte {
		return data[heads[field]+point*h.sizes[field]:]
	})
}

func decodePoints(h *header, fieldBytes func(point, field int) []byte) (*Cloud, error) {
	cloud := newCloud(h)
	xi, yi, zi := h.fieldIndex("x"), h.fieldIndex("y"), h.fieldIndex("z")
	rgbi, inti := h.fieldIndex("rgb"), h.fieldIndex("intensity")
	f32 := func(b []byte) float64 {
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	for n := 0; n < h.points; n++ {
		cloud.Points = append(cloud.Points, r3.Vector{
			X: f32(fieldBytes(n, xi)),
			Y: f32(fieldBytes(n, yi)),
			Z: f32(fieldBytes(n, zi)),
		})
		if cloud.Colors == nil {
			continue
		}
		if rgbi >= 0 {
			cloud.Colors = append(cloud.Colors, unpackRGB(binary.LittleEndian.Uint32(fieldBytes(n, rgbi))))
		} else {
			var intensity float64
			if h.types[inti] == "F" {
				intensity = f32(fieldBytes(n, inti))
			} else {
				intensity = float64(binary.LittleEndian.Uint32(fieldBytes(n, inti)))
			}
			cloud.Colors = append(cloud.Colors, defaultGrayscaleMap.Color(intensity))
		}
	}
	return cloud, nil
}

func newCloud(h *header) *Cloud {
	cloud := &Cloud{Points: make([]r3.Vector, 0, h.points)}
	if h.fieldIndex("rgb") >= 0 || h.fieldIndex("intensity") >= 0 {
		cloud.Colors = make([]color.NRGBA, 0, h.points)
	}
	return cloud
}

// unpackRGB splits the PCL packed color representation, 0x00RRGGBB in the
// low bits of the field.
func unpackRGB(bits uint32) color.NRGBA {
	return color.NRGBA{
		R: uint8(bits >> 16),
		G: uint8(bits >> 8),
		B: uint8(bits),
		A: 255,
	}
}
