package scan

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// FundamentalMatrix relates camera-image and projector-image homogeneous
// pixel coordinates so that xp^T F xc = 0 for true correspondences.
type FundamentalMatrix struct {
	M     [3][3]float64
	Valid bool
}

// Dense returns the matrix as a gonum Dense.
func (f FundamentalMatrix) Dense() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		f.M[0][0], f.M[0][1], f.M[0][2],
		f.M[1][0], f.M[1][1], f.M[1][2],
		f.M[2][0], f.M[2][1], f.M[2][2],
	})
}

// normalizePoints shifts points to their centroid and scales mean distance
// to sqrt(2), per Hartley; returns the transformed points and transform.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	n := float64(len(pts))
	mu := r2.Point{}
	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1 / n)
	d := 0.0
	for _, pt := range pts {
		dx, dy := pt.X-mu.X, pt.Y-mu.Y
		d += math.Sqrt(dx*dx+dy*dy) / n
	}
	scale := math.Sqrt2 / d
	T := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		out[i] = r2.Point{X: scale * (pt.X - mu.X), Y: scale * (pt.Y - mu.Y)}
	}
	return out, T
}

func svdDense(m *mat.Dense) (u, s, vt *mat.Dense, err error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, nil, nil, fmt.Errorf("%w: SVD factorization failed", ErrSolverNonConvergent)
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	vals := svd.Values(nil)
	S := mat.NewDense(len(vals), len(vals), nil)
	for i, v := range vals {
		S.Set(i, i, v)
	}
	var VT mat.Dense
	VT.CloneFrom(V.T())
	return &U, S, &VT, nil
}

// ComputeFundamental fits F with the normalized eight-point method and
// enforces rank 2. cam and proj are matched pixel coordinates in the
// camera and projector images.
func ComputeFundamental(cam, proj []r2.Point) (FundamentalMatrix, error) {
	var fm FundamentalMatrix
	if len(cam) != len(proj) {
		return fm, fmt.Errorf("point sets differ in size: %d vs %d", len(cam), len(proj))
	}
	if len(cam) < 8 {
		return fm, fmt.Errorf("%w: %d correspondences, need at least 8", ErrCornerDetection, len(cam))
	}

	nc, T1 := normalizePoints(cam)
	np, T2 := normalizePoints(proj)

	A := mat.NewDense(len(nc), 9, nil)
	for i := range nc {
		c, p := nc[i], np[i]
		A.SetRow(i, []float64{
			p.X * c.X, p.X * c.Y, p.X,
			p.Y * c.X, p.Y * c.Y, p.Y,
			c.X, c.Y, 1,
		})
	}

	_, _, vt, err := svdDense(A)
	if err != nil {
		return fm, err
	}
	rows, _ := vt.Dims()
	F := mat.NewDense(3, 3, vt.RawRowView(rows-1))

	// enforce rank 2
	u2, s2, vt2, err := svdDense(F)
	if err != nil {
		return fm, err
	}
	s2.Set(2, 2, 0)
	F.Mul(u2, s2)
	F.Mul(F, vt2)

	// denormalize: T2^T F T1
	var T2T mat.Dense
	T2T.CloneFrom(T2.T())
	F.Mul(&T2T, F)
	F.Mul(F, T1)
	if f22 := F.At(2, 2); f22 != 0 {
		F.Scale(1/f22, F)
	}

	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			fm.M[r][c] = F.At(r, c)
		}
	}
	fm.Valid = true
	return fm, nil
}

// Sampson is the first-order geometric error of the epipolar constraint
// for a (camera, projector) pixel pair.
func (f FundamentalMatrix) Sampson(cam, proj r2.Point) float64 {
	m := f.M
	// l = F * xc, lp = F^T * xp
	l0 := m[0][0]*cam.X + m[0][1]*cam.Y + m[0][2]
	l1 := m[1][0]*cam.X + m[1][1]*cam.Y + m[1][2]
	l2 := m[2][0]*cam.X + m[2][1]*cam.Y + m[2][2]
	lp0 := m[0][0]*proj.X + m[1][0]*proj.Y + m[2][0]
	lp1 := m[0][1]*proj.X + m[1][1]*proj.Y + m[2][1]
	e := proj.X*l0 + proj.Y*l1 + l2
	denom := l0*l0 + l1*l1 + lp0*lp0 + lp1*lp1
	if denom == 0 {
		return 0
	}
	return e * e / denom
}

// SamplePairs extracts matched (camera, projector) pixel pairs from a
// correspondence map, striding to bound the sample size. Only pixels that
// decoded on both axes carry a full projector pixel.
func SamplePairs(corr *Correspondence, stride int) (cam, proj []r2.Point) {
	if stride < 1 {
		stride = 1
	}
	for v := 0; v < corr.H; v += stride {
		for u := 0; u < corr.W; u += stride {
			i := v*corr.W + u
			if !corr.HasCol || !corr.HasRow || !corr.ColValid[i] || !corr.RowValid[i] {
				continue
			}
			cam = append(cam, r2.Point{X: float64(u), Y: float64(v)})
			proj = append(proj, r2.Point{X: float64(corr.Col[i]), Y: float64(corr.Row[i])})
		}
	}
	return cam, proj
}

// EpipolarFilter invalidates pixels whose decoded correspondence violates
// the epipolar constraint by more than the threshold. Returns the number
// of pixels dropped.
func EpipolarFilter(corr *Correspondence, f FundamentalMatrix, threshold float64) int {
	if !f.Valid || threshold <= 0 || !corr.HasCol || !corr.HasRow {
		return 0
	}
	dropped := 0
	for v := 0; v < corr.H; v++ {
		for u := 0; u < corr.W; u++ {
			i := v*corr.W + u
			if !corr.ColValid[i] || !corr.RowValid[i] {
				continue
			}
			c := r2.Point{X: float64(u), Y: float64(v)}
			p := r2.Point{X: float64(corr.Col[i]), Y: float64(corr.Row[i])}
			if f.Sampson(c, p) > threshold {
				corr.ColValid[i] = false
				corr.RowValid[i] = false
				dropped++
			}
		}
	}
	return dropped
}
