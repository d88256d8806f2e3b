// Package imageio reads and writes volumes in the MetaImage format, either as
// a text header with a separate raw file (.mhd + .raw) or as a single file
// with the data appended to the header (.mha). Voxel data may be zlib
// compressed. Stacks of 2D images can be imported as a volume.
package imageio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"labelstation/internal/models"
	"labelstation/pkg/volume"
)

// Element type names used in MetaImage headers.
const (
	metShort  = "MET_SHORT"
	metUShort = "MET_USHORT"
	metFloat  = "MET_FLOAT"
	metUChar  = "MET_UCHAR"
)

// Header is a parsed MetaImage header.
type Header struct {
	NDims           int
	DimSize         []int
	ElementSpacing  []float64
	Offset          []float64
	// TransformMatrix lists the world direction of each image axis in turn
	TransformMatrix []float64
	ElementType     string
	ElementDataFile string
	ByteOrderMSB    bool
	Compressed      bool
	CompressedSize  int64
}

// WriteOptions controls how volumes are written.
type WriteOptions struct {
	Compress bool
}

func elementType(s volume.ScalarType) (string, error) {
	switch s {
	case volume.Int16:
		return metShort, nil
	case volume.UInt16:
		return metUShort, nil
	case volume.Float32:
		return metFloat, nil
	case volume.UInt8:
		return metUChar, nil
	}
	return "", fmt.Errorf("%w: %v", models.ErrUnsupportedScalars, s)
}

func scalarType(et string) (volume.ScalarType, error) {
	switch et {
	case metShort:
		return volume.Int16, nil
	case metUShort:
		return volume.UInt16, nil
	case metFloat:
		return volume.Float32, nil
	case metUChar:
		return volume.UInt8, nil
	}
	return 0, fmt.Errorf("%w: %s", models.ErrUnsupportedScalars, et)
}

// ReadHeader parses header lines up to and including ElementDataFile.
func ReadHeader(r *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := r.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return h, fmt.Errorf("reading MetaImage header: %w", err)
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			if strings.TrimSpace(line) == "" && err == nil {
				continue
			}
			return h, fmt.Errorf("malformed MetaImage header line %q", strings.TrimSpace(line))
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var perr error
		switch key {
		case "NDims":
			h.NDims, perr = strconv.Atoi(value)
		case "DimSize":
			h.DimSize, perr = parseInts(value)
		case "ElementSpacing":
			h.ElementSpacing, perr = parseFloats(value)
		case "Offset", "Position", "Origin":
			h.Offset, perr = parseFloats(value)
		case "TransformMatrix", "Rotation", "Orientation":
			h.TransformMatrix, perr = parseFloats(value)
		case "ElementType":
			h.ElementType = value
		case "BinaryDataByteOrderMSB", "ElementByteOrderMSB":
			h.ByteOrderMSB = strings.EqualFold(value, "true")
		case "CompressedData":
			h.Compressed = strings.EqualFold(value, "true")
		case "CompressedDataSize":
			h.CompressedSize, perr = strconv.ParseInt(value, 10, 64)
		case "ElementDataFile":
			h.ElementDataFile = value
			return h, h.validate()
		}
		if perr != nil {
			return h, fmt.Errorf("parsing MetaImage %s: %w", key, perr)
		}
		if err == io.EOF {
			return h, fmt.Errorf("MetaImage header has no ElementDataFile")
		}
	}
}

func (h Header) validate() error {
	if h.NDims != 2 && h.NDims != 3 {
		return fmt.Errorf("%w: MetaImage NDims %d", models.ErrDimensionMismatch, h.NDims)
	}
	if len(h.DimSize) != h.NDims {
		return fmt.Errorf("%w: DimSize has %d values for NDims %d", models.ErrDimensionMismatch, len(h.DimSize), h.NDims)
	}
	if h.ElementSpacing != nil && len(h.ElementSpacing) != h.NDims {
		return fmt.Errorf("%w: ElementSpacing has %d values for NDims %d", models.ErrDimensionMismatch, len(h.ElementSpacing), h.NDims)
	}
	if h.Offset != nil && len(h.Offset) != h.NDims {
		return fmt.Errorf("%w: Offset has %d values for NDims %d", models.ErrDimensionMismatch, len(h.Offset), h.NDims)
	}
	if h.TransformMatrix != nil && len(h.TransformMatrix) != h.NDims*h.NDims {
		return fmt.Errorf("%w: TransformMatrix has %d values for NDims %d", models.ErrDimensionMismatch, len(h.TransformMatrix), h.NDims)
	}
	return nil
}

// Geometry converts the header to a 3D geometry; 2D images get one slice of
// unit spacing.
func (h Header) Geometry() volume.Geometry {
	g := volume.Geometry{
		Dims:      [3]int{1, 1, 1},
		Spacing:   models.Vec3{1, 1, 1},
		Direction: volume.IdentityDirection(),
	}
	n := h.NDims
	for a := 0; a < n; a++ {
		g.Dims[a] = h.DimSize[a]
		if h.ElementSpacing != nil {
			g.Spacing[a] = h.ElementSpacing[a]
		}
		if h.Offset != nil {
			g.Origin[a] = h.Offset[a]
		}
	}
	if h.TransformMatrix != nil {
		for axis := 0; axis < n; axis++ {
			for r := 0; r < n; r++ {
				g.Direction[3*r+axis] = h.TransformMatrix[axis*n+r]
			}
		}
	}
	return g
}

// planar reports whether a single-slice geometry is fully described by its
// first two axes: the slice sits at z = 0 with unit spacing and the direction
// does not mix the third axis with the others.
func planar(g volume.Geometry) bool {
	d := g.Direction
	return g.Dims[2] == 1 && g.Origin[2] == 0 && g.Spacing[2] == 1 &&
		d[2] == 0 && d[5] == 0 && d[6] == 0 && d[7] == 0 && d[8] == 1
}

func headerFor(g volume.Geometry, et string, dataFile string) Header {
	n := 3
	if planar(g) {
		n = 2
	}
	h := Header{NDims: n, ElementType: et, ElementDataFile: dataFile}
	for a := 0; a < n; a++ {
		h.DimSize = append(h.DimSize, g.Dims[a])
		h.ElementSpacing = append(h.ElementSpacing, g.Spacing[a])
		h.Offset = append(h.Offset, g.Origin[a])
	}
	for axis := 0; axis < n; axis++ {
		for r := 0; r < n; r++ {
			h.TransformMatrix = append(h.TransformMatrix, g.Direction[3*r+axis])
		}
	}
	return h
}

// WriteTo writes the header text.
func (h Header) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ObjectType = Image\n")
	fmt.Fprintf(&b, "NDims = %d\n", h.NDims)
	fmt.Fprintf(&b, "BinaryData = True\n")
	fmt.Fprintf(&b, "BinaryDataByteOrderMSB = %s\n", boolText(h.ByteOrderMSB))
	fmt.Fprintf(&b, "CompressedData = %s\n", boolText(h.Compressed))
	if h.Compressed {
		fmt.Fprintf(&b, "CompressedDataSize = %d\n", h.CompressedSize)
	}
	fmt.Fprintf(&b, "TransformMatrix = %s\n", joinFloats(h.TransformMatrix))
	fmt.Fprintf(&b, "Offset = %s\n", joinFloats(h.Offset))
	fmt.Fprintf(&b, "ElementSpacing = %s\n", joinFloats(h.ElementSpacing))
	fmt.Fprintf(&b, "DimSize = %s\n", joinInts(h.DimSize))
	fmt.Fprintf(&b, "ElementType = %s\n", h.ElementType)
	fmt.Fprintf(&b, "ElementDataFile = %s\n", h.ElementDataFile)
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Read loads a volume from a .mhd or .mha file.
func Read(path string) (*volume.Volume, error) {
	h, raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	st, err := scalarType(h.ElementType)
	if err != nil {
		return nil, err
	}
	g := h.Geometry()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	data, err := decode(raw, st, g.NumVoxels(), h.ByteOrderMSB)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return volume.New(g, st, data)
}

// ReadMask loads a mask; every non-zero voxel becomes 1.
func ReadMask(path string) (*volume.Mask, error) {
	v, err := Read(path)
	if err != nil {
		return nil, err
	}
	src := v.Data()
	data := make([]uint8, len(src))
	for i, x := range src {
		if x != 0 {
			data[i] = 1
		}
	}
	return volume.MaskFromData(v.Geometry(), data)
}

func readFile(path string) (Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	h, err := ReadHeader(r)
	if err != nil {
		return h, nil, fmt.Errorf("%s: %w", path, err)
	}

	var body io.Reader = r
	if !strings.EqualFold(h.ElementDataFile, "LOCAL") {
		df, err := os.Open(filepath.Join(filepath.Dir(path), h.ElementDataFile))
		if err != nil {
			return h, nil, fmt.Errorf("opening data file of %s: %w", path, err)
		}
		defer df.Close()
		body = bufio.NewReader(df)
	}
	if h.Compressed {
		zr, err := zlib.NewReader(body)
		if err != nil {
			return h, nil, fmt.Errorf("%s: %w", path, err)
		}
		defer zr.Close()
		body = zr
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return h, nil, fmt.Errorf("reading voxel data of %s: %w", path, err)
	}
	return h, raw, nil
}

func decode(raw []byte, st volume.ScalarType, n int, msb bool) ([]float32, error) {
	size := st.Size()
	if len(raw) < n*size {
		return nil, fmt.Errorf("%w: expected %d bytes of voxel data, got %d", models.ErrDimensionMismatch, n*size, len(raw))
	}
	var order binary.ByteOrder = binary.LittleEndian
	if msb {
		order = binary.BigEndian
	}
	out := make([]float32, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch st {
		case volume.Int16:
			out[i] = float32(int16(order.Uint16(b)))
		case volume.UInt16:
			out[i] = float32(order.Uint16(b))
		case volume.Float32:
			out[i] = math.Float32frombits(order.Uint32(b))
		case volume.UInt8:
			out[i] = float32(b[0])
		}
	}
	return out, nil
}

func encode(data []float32, st volume.ScalarType) []byte {
	size := st.Size()
	out := make([]byte, len(data)*size)
	for i, x := range data {
		b := out[i*size : (i+1)*size]
		switch st {
		case volume.Int16:
			binary.LittleEndian.PutUint16(b, uint16(int16(x)))
		case volume.UInt16:
			binary.LittleEndian.PutUint16(b, uint16(x))
		case volume.Float32:
			binary.LittleEndian.PutUint32(b, math.Float32bits(x))
		case volume.UInt8:
			b[0] = uint8(x)
		}
	}
	return out
}

// Write saves v to path. A .mha path produces a single file; any other
// extension writes a header plus a .raw (or .zraw when compressed) file next
// to it. A single slice at z = 0 with unit spacing and an in-plane direction
// is written with NDims = 2; any other volume keeps all three axes.
// Existing files are only replaced once the new content is complete.
func Write(path string, v *volume.Volume, opts WriteOptions) error {
	return write(path, v.Geometry(), v.ScalarType(), encode(v.Data(), v.ScalarType()), opts)
}

// WriteMask saves a mask as an 8-bit image.
func WriteMask(path string, m *volume.Mask, opts WriteOptions) error {
	raw := make([]byte, len(m.Data()))
	copy(raw, m.Data())
	return write(path, m.Geometry(), volume.UInt8, raw, opts)
}

func write(path string, g volume.Geometry, st volume.ScalarType, raw []byte, opts WriteOptions) error {
	et, err := elementType(st)
	if err != nil {
		return err
	}
	if opts.Compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.DefaultCompression)
		if err != nil {
			return err
		}
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		raw = buf.Bytes()
	}

	local := strings.EqualFold(filepath.Ext(path), ".mha")
	dataFile := "LOCAL"
	if !local {
		ext := ".raw"
		if opts.Compress {
			ext = ".zraw"
		}
		dataFile = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ext
	}

	h := headerFor(g, et, dataFile)
	h.Compressed = opts.Compress
	h.CompressedSize = int64(len(raw))

	// voxel data first, so a failed write never leaves a header pointing at
	// missing or partial data
	if !local {
		err := writeAtomic(filepath.Join(filepath.Dir(path), dataFile), func(w io.Writer) error {
			_, err := w.Write(raw)
			return err
		})
		if err != nil {
			return fmt.Errorf("writing voxel data of %s: %w", path, err)
		}
	}
	return writeAtomic(path, func(w io.Writer) error {
		if _, err := h.WriteTo(w); err != nil {
			return err
		}
		if local {
			_, err := w.Write(raw)
			return err
		}
		return nil
	})
}

// writeAtomic replaces path with the output of fill through a temporary file
// in the same directory.
func writeAtomic(path string, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func boolText(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, " ")
}
