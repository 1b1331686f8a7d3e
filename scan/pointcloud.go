package scan

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r3"
)

// CloudPoint is one reconstructed sample, keyed by its source camera
// pixel. Reliable is false when only one of two coded axes survived
// decoding and the consistency check was skipped.
type CloudPoint struct {
	U, V     int
	P        r3.Vector
	B, G, R  uint8
	Reliable bool
}

// PointCloud is the sparse, ordered scan output; gaps are pixels that
// were invalid or filtered.
type PointCloud struct {
	W, H   int
	Points []CloudPoint
}

func NewPointCloud(w, h int) *PointCloud {
	return &PointCloud{W: w, H: h}
}

func (pc *PointCloud) Size() int { return len(pc.Points) }

// WritePLY emits the cloud as ASCII PLY with per-vertex color.
func (pc *PointCloud) WritePLY(w io.Writer) error {
	out := bufio.NewWriter(w)
	fmt.Fprintf(out, "ply\n")
	fmt.Fprintf(out, "format ascii 1.0\n")
	fmt.Fprintf(out, "element vertex %d\n", len(pc.Points))
	fmt.Fprintf(out, "property float x\n")
	fmt.Fprintf(out, "property float y\n")
	fmt.Fprintf(out, "property float z\n")
	fmt.Fprintf(out, "property uchar red\n")
	fmt.Fprintf(out, "property uchar green\n")
	fmt.Fprintf(out, "property uchar blue\n")
	fmt.Fprintf(out, "end_header\n")
	for _, pt := range pc.Points {
		fmt.Fprintf(out, "%f %f %f %d %d %d\n", pt.P.X, pt.P.Y, pt.P.Z, pt.R, pt.G, pt.B)
	}
	return out.Flush()
}

// SavePLY writes the cloud to disk, creating the file.
func (pc *PointCloud) SavePLY(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	defer f.Close()
	if err := pc.WritePLY(f); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
