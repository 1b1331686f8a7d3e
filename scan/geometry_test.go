package scan

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertVecInDelta(t *testing.T, want, got r3.Vector, delta float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta)
	assert.InDelta(t, want.Y, got.Y, delta)
	assert.InDelta(t, want.Z, got.Z, delta)
}

func assertMatInDelta(t *testing.T, want, got [3][3]float64, delta float64) {
	t.Helper()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, want[r][c], got[r][c], delta, "element (%d,%d)", r, c)
		}
	}
}

func TestRodriguesIdentity(t *testing.T) {
	r := rodrigues(r3.Vector{})
	assertMatInDelta(t, [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, r, 1e-12)
	assertVecInDelta(t, r3.Vector{}, rodriguesInv(r), 1e-12)
}

func TestRodriguesRoundtrip(t *testing.T) {
	vecs := []r3.Vector{
		{X: 0.1},
		{Y: -0.5},
		{Z: 1.2},
		{X: 0.3, Y: -0.7, Z: 0.2},
		{X: -1.1, Y: 0.4, Z: -0.9},
		{X: 1e-7, Y: 2e-7},
	}
	for _, v := range vecs {
		got := rodriguesInv(rodrigues(v))
		assertVecInDelta(t, v, got, 1e-9)
	}
}

func TestRodriguesNearPi(t *testing.T) {
	// near theta = pi the axis sign is ambiguous, so compare matrices
	v := r3.Vector{X: 1, Y: 0.5, Z: -0.25}.Normalize().Mul(math.Pi - 1e-9)
	r := rodrigues(v)
	assertMatInDelta(t, r, rodrigues(rodriguesInv(r)), 1e-6)
}

func TestRodriguesRotationProperties(t *testing.T) {
	r := rodrigues(r3.Vector{X: 0.3, Y: -0.7, Z: 0.2})
	p := Pose{R: r}
	assert.InDelta(t, 1.0, p.det(), 1e-12)
	// R^T R = I through rotate/rotateT
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	assertVecInDelta(t, v, p.rotateT(p.rotate(v)), 1e-12)
}

func TestComposeProCamIdentityCamera(t *testing.T) {
	proj := Pose{
		R: rodrigues(r3.Vector{Y: 0.2}),
		T: r3.Vector{X: -120, Z: 30},
	}
	cam := Pose{R: rodrigues(r3.Vector{})}
	got := composeProCam(cam, proj)
	assertMatInDelta(t, proj.R, got.R, 1e-12)
	assertVecInDelta(t, proj.T, got.T, 1e-12)
}

func TestComposeProCamMapsCameraToProjector(t *testing.T) {
	cam := Pose{R: rodrigues(r3.Vector{X: 0.1, Z: -0.3}), T: r3.Vector{X: 10, Y: -5, Z: 400}}
	proj := Pose{R: rodrigues(r3.Vector{Y: 0.25}), T: r3.Vector{X: -150, Y: 2, Z: 420}}
	procam := composeProCam(cam, proj)

	for _, board := range []r3.Vector{{}, {X: 30}, {X: 60, Y: 90}, {X: 210, Y: 150}} {
		inCam := cam.apply(board)
		inProj := proj.apply(board)
		assertVecInDelta(t, inProj, procam.apply(inCam), 1e-9)
	}
}

func TestUndistortDistortInverse(t *testing.T) {
	in := Intrinsics{
		K:    [3][3]float64{{600, 0, 320}, {0, 600, 240}, {0, 0, 1}},
		Dist: [5]float64{-0.2, 0.05, 0.001, -0.002, 0.01},
	}
	pixels := [][2]float64{{320, 240}, {100, 80}, {500, 400}, {10, 470}}
	for _, px := range pixels {
		x, y := undistortPixel(px[0], px[1], in)
		u, v := distortPixel(x, y, in)
		assert.InDelta(t, px[0], u, 1e-6)
		assert.InDelta(t, px[1], v, 1e-6)
	}
}

func TestUndistortNoDistortion(t *testing.T) {
	in := Intrinsics{K: [3][3]float64{{500, 0, 320}, {0, 500, 240}, {0, 0, 1}}}
	x, y := undistortPixel(420, 340, in)
	assert.InDelta(t, 0.2, x, 1e-12)
	assert.InDelta(t, 0.2, y, 1e-12)
}

func TestPlaneIntersectRay(t *testing.T) {
	pl := Plane{N: r3.Vector{Z: 1}, D: -500}

	pt, ok := pl.intersectRay(r3.Vector{Z: 1})
	require.True(t, ok)
	assertVecInDelta(t, r3.Vector{Z: 500}, pt, 1e-12)

	oblique := r3.Vector{X: 0.5, Z: 1}.Normalize()
	pt, ok = pl.intersectRay(oblique)
	require.True(t, ok)
	assert.InDelta(t, 500.0, pt.Z, 1e-9)
	assert.InDelta(t, 250.0, pt.X, 1e-9)

	// plane behind the camera
	_, ok = pl.intersectRay(r3.Vector{Z: -1})
	assert.False(t, ok)

	// parallel ray
	_, ok = pl.intersectRay(r3.Vector{X: 1})
	assert.False(t, ok)
}

func TestPlaneFromPoints(t *testing.T) {
	pl := planeFromPoints(r3.Vector{Z: 500}, r3.Vector{X: 1, Z: 500}, r3.Vector{Y: 1, Z: 500})
	assert.InDelta(t, 0.0, pl.N.X, 1e-12)
	assert.InDelta(t, 0.0, pl.N.Y, 1e-12)
	assert.InDelta(t, 1.0, math.Abs(pl.N.Z), 1e-12)
	// any of the three points satisfies n.p + d = 0
	assert.InDelta(t, 0.0, pl.N.Dot(r3.Vector{X: 1, Z: 500})+pl.D, 1e-9)
}

func testGeometryParams() Params {
	p := DefaultParams()
	p.CamWidth = 16
	p.CamHeight = 12
	p.ProjWidth = 16
	p.ProjHeight = 12
	return p
}

func testProCamSetup() (Params, Intrinsics, Intrinsics, Pose) {
	p := testGeometryParams()
	cam := Intrinsics{K: [3][3]float64{{20, 0, 8}, {0, 20, 6}, {0, 0, 1}}}
	proj := Intrinsics{K: [3][3]float64{{24, 0, 8}, {0, 24, 6}, {0, 0, 1}}}
	procam := Pose{R: rodrigues(r3.Vector{Y: 0.1}), T: r3.Vector{X: -100, Z: 20}}
	return p, cam, proj, procam
}

func TestEvaluateProCamGeometry(t *testing.T) {
	p, cam, proj, procam := testProCamSetup()
	g, err := EvaluateProCamGeometry(p, cam, proj, procam)
	require.NoError(t, err)

	assert.Len(t, g.CamRays, p.CamWidth*p.CamHeight)
	assert.Len(t, g.ColPlanes, p.ProjWidth)
	assert.Len(t, g.RowPlanes, p.ProjHeight)
	for _, ray := range g.CamRays {
		assert.InDelta(t, 1.0, ray.Norm(), 1e-12)
	}
	for _, pl := range g.ColPlanes {
		assert.InDelta(t, 1.0, pl.N.Norm(), 1e-12)
		// the projector center lies on every projector plane
		assert.InDelta(t, 0.0, pl.N.Dot(g.ProjCenter)+pl.D, 1e-9)
	}

	// Cp = -R^T t
	assertVecInDelta(t, procam.rotateT(procam.T).Mul(-1), g.ProjCenter, 1e-12)
}

func TestEvaluateProCamGeometryIdempotent(t *testing.T) {
	p, cam, proj, procam := testProCamSetup()
	g1, err := EvaluateProCamGeometry(p, cam, proj, procam)
	require.NoError(t, err)
	g2, err := EvaluateProCamGeometry(p, cam, proj, procam)
	require.NoError(t, err)
	assert.Equal(t, g1, g2)
}

func TestEvaluateProCamGeometryRejectsBadRotation(t *testing.T) {
	p, cam, proj, procam := testProCamSetup()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			procam.R[r][c] *= 1.1
		}
	}
	_, err := EvaluateProCamGeometry(p, cam, proj, procam)
	assert.ErrorIs(t, err, ErrSolverNonConvergent)
}

func TestEvaluateProCamGeometrySingleAxis(t *testing.T) {
	p, cam, proj, procam := testProCamSetup()
	p.Axes = AxesColumns
	g, err := EvaluateProCamGeometry(p, cam, proj, procam)
	require.NoError(t, err)
	assert.Len(t, g.ColPlanes, p.ProjWidth)
	assert.Empty(t, g.RowPlanes)
}
