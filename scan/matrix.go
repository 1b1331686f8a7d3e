package scan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
)

func doubleSliceToMat64F(data []float64, rows, cols int) (gocv.Mat, error) {
	buf := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:i*8+8], math.Float64bits(v))
	}
	return gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV64F, buf)
}

func matFrom3x3(k [3][3]float64) (gocv.Mat, error) {
	flat := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		flat = append(flat, k[r][:]...)
	}
	return doubleSliceToMat64F(flat, 3, 3)
}

func matFromDist(d [5]float64) (gocv.Mat, error) {
	return doubleSliceToMat64F(d[:], 5, 1)
}

// Converters between gocv solver output and the plain value types the rest
// of the pipeline works with. Solver mats are CV64F.

func matTo3x3(m gocv.Mat) ([3][3]float64, error) {
	var out [3][3]float64
	if m.Rows() != 3 || m.Cols() != 3 {
		return out, fmt.Errorf("expected 3x3 matrix, got %dx%d", m.Rows(), m.Cols())
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r][c] = m.GetDoubleAt(r, c)
		}
	}
	return out, nil
}

// matToDist reads a distortion vector of up to 5 coefficients; OpenCV
// returns it as 1xN or Nx1 depending on the call.
func matToDist(m gocv.Mat) ([5]float64, error) {
	var out [5]float64
	n := m.Rows() * m.Cols()
	if m.Rows() != 1 && m.Cols() != 1 {
		return out, fmt.Errorf("expected a distortion vector, got %dx%d", m.Rows(), m.Cols())
	}
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		if m.Rows() == 1 {
			out[i] = m.GetDoubleAt(0, i)
		} else {
			out[i] = m.GetDoubleAt(i, 0)
		}
	}
	return out, nil
}

// vecRowAt reads row i of an Nx3 rvec/tvec stack from CalibrateCamera.
func vecRowAt(m gocv.Mat, i int) r3.Vector {
	return r3.Vector{
		X: m.GetDoubleAt(i, 0),
		Y: m.GetDoubleAt(i, 1),
		Z: m.GetDoubleAt(i, 2),
	}
}

// vecFromMat reads a 3x1 (or 1x3) rvec/tvec from SolvePnP.
func vecFromMat(m gocv.Mat) r3.Vector {
	if m.Rows() == 1 {
		return r3.Vector{X: m.GetDoubleAt(0, 0), Y: m.GetDoubleAt(0, 1), Z: m.GetDoubleAt(0, 2)}
	}
	return r3.Vector{X: m.GetDoubleAt(0, 0), Y: m.GetDoubleAt(1, 0), Z: m.GetDoubleAt(2, 0)}
}
