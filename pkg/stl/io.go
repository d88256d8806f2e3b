package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

const (
	headerSize   = 80
	facetSize    = 50
	headerPrefix = "labelstation binary STL"
)

// SaveToSTL writes triangles to path as a binary STL file.
func SaveToSTL(path string, triangles []Triangle) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create STL file: %w", err)
	}
	if err := WriteSTL(f, triangles); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteSTL encodes triangles in binary STL: an 80 byte header, a uint32
// facet count and 50 bytes per facet, all little endian.
func WriteSTL(w io.Writer, triangles []Triangle) error {
	bw := bufio.NewWriter(w)

	var header [headerSize]byte
	copy(header[:], headerPrefix)
	if _, err := bw.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write STL header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("failed to write triangle count: %w", err)
	}

	var buf [facetSize]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count
		buf[48], buf[49] = 0, 0
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("failed to write triangle: %w", err)
		}
	}
	return bw.Flush()
}

// LoadSTL reads a binary STL file.
func LoadSTL(path string) ([]Triangle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open STL file: %w", err)
	}
	defer f.Close()
	return ReadSTL(f)
}

// ReadSTL decodes a binary STL stream.
func ReadSTL(r io.Reader) ([]Triangle, error) {
	br := bufio.NewReader(r)

	var header [headerSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read STL header: %w", err)
	}
	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("failed to read triangle count: %w", err)
	}

	triangles := make([]Triangle, 0, count)
	var buf [facetSize]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read triangle %d of %d: %w", i, count, err)
		}
		var vs [4][3]float32
		off := 0
		for v := range vs {
			for c := 0; c < 3; c++ {
				vs[v][c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
				off += 4
			}
		}
		triangles = append(triangles, Triangle{Normal: vs[0], Vertex1: vs[1], Vertex2: vs[2], Vertex3: vs[3]})
	}
	return triangles, nil
}

// Bounds returns the axis-aligned bounding box of the mesh. Both corners are
// zero for an empty mesh.
func Bounds(triangles []Triangle) (min, max [3]float32) {
	if len(triangles) == 0 {
		return
	}
	min = triangles[0].Vertex1
	max = min
	for _, t := range triangles {
		for _, v := range [3][3]float32{t.Vertex1, t.Vertex2, t.Vertex3} {
			for a := 0; a < 3; a++ {
				if v[a] < min[a] {
					min[a] = v[a]
				}
				if v[a] > max[a] {
					max[a] = v[a]
				}
			}
		}
	}
	return min, max
}

// SignedVolume returns the volume enclosed by a closed mesh. It is positive
// when the facets face outward.
func SignedVolume(triangles []Triangle) float64 {
	var sum float64
	for _, t := range triangles {
		a, b, c := t.Vertex1, t.Vertex2, t.Vertex3
		// a · (b x c) / 6
		cx := float64(b[1])*float64(c[2]) - float64(b[2])*float64(c[1])
		cy := float64(b[2])*float64(c[0]) - float64(b[0])*float64(c[2])
		cz := float64(b[0])*float64(c[1]) - float64(b[1])*float64(c[0])
		sum += float64(a[0])*cx + float64(a[1])*cy + float64(a[2])*cz
	}
	return sum / 6
}
