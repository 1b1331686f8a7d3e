package scan

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestBoardWorldLayout(t *testing.T) {
	p := DefaultParams() // 8x6 board, 30mm squares
	pts := boardWorld(p)
	require.Len(t, pts, 48)

	assert.Equal(t, r3.Vector{}, pts[0])
	assert.Equal(t, r3.Vector{X: 30}, pts[1])
	// row major: index 8 starts the second row
	assert.Equal(t, r3.Vector{Y: 30}, pts[8])
	assert.Equal(t, r3.Vector{X: 210, Y: 150}, pts[47])
	for _, pt := range pts {
		assert.Zero(t, pt.Z)
	}
}

func TestReprojErrorPerfectProjection(t *testing.T) {
	p := DefaultParams()
	in := Intrinsics{
		K:    [3][3]float64{{600, 0, 320}, {0, 600, 240}, {0, 0, 1}},
		Dist: [5]float64{-0.1, 0.02, 0.001, -0.001, 0.005},
	}
	pose := Pose{R: rodrigues(r3.Vector{X: 0.1, Y: -0.2}), T: r3.Vector{X: -100, Y: -80, Z: 600}}

	world := boardWorld(p)
	observed := make([]gocv.Point2f, len(world))
	for i, pt := range world {
		u, v := projectPoint(pt, in, pose)
		observed[i] = gocv.Point2f{X: float32(u), Y: float32(v)}
	}
	// float32 storage bounds the error well under a hundredth of a pixel
	assert.Less(t, reprojError(world, observed, in, pose), 0.01)

	// a shifted pose shows up as pixels of error
	shifted := pose
	shifted.T.X += 5
	assert.Greater(t, reprojError(world, observed, in, shifted), 1.0)
}

func TestSolvePoseRecoversKnownPose(t *testing.T) {
	p := DefaultParams()
	in := Intrinsics{K: [3][3]float64{{600, 0, 320}, {0, 600, 240}, {0, 0, 1}}}
	pose := Pose{
		R: rodrigues(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}),
		T: r3.Vector{X: -100, Y: -80, Z: 600},
	}
	world := boardWorld(p)
	corners := make([]gocv.Point2f, len(world))
	for i, pt := range world {
		u, v := projectPoint(pt, in, pose)
		corners[i] = gocv.Point2f{X: float32(u), Y: float32(v)}
	}

	got, err := solvePose(corners, in, p)
	require.NoError(t, err)
	assertMatInDelta(t, pose.R, got.R, 1e-3)
	assertVecInDelta(t, pose.T, got.T, 0.1)
	assert.Less(t, reprojError(world, corners, in, got), 0.1)
}

func projectorCornerFixture(w, h int) *Correspondence {
	corr := fullCorrespondence(w, h)
	for i := range corr.Col {
		corr.Col[i] *= 10
		corr.Row[i] *= 10
	}
	return corr
}

func TestProjectorCornerBilinear(t *testing.T) {
	corr := projectorCornerFixture(8, 8)

	pc, ok := ProjectorCorner(corr, 3.0, 4.0)
	require.True(t, ok)
	assert.InDelta(t, 30.0, float64(pc.X), 1e-5)
	assert.InDelta(t, 40.0, float64(pc.Y), 1e-5)

	pc, ok = ProjectorCorner(corr, 3.5, 4.25)
	require.True(t, ok)
	assert.InDelta(t, 35.0, float64(pc.X), 1e-5)
	assert.InDelta(t, 42.5, float64(pc.Y), 1e-5)
}

func TestProjectorCornerRejectsBorder(t *testing.T) {
	corr := projectorCornerFixture(8, 8)
	_, ok := ProjectorCorner(corr, 0.5, 4.0)
	assert.False(t, ok)
	_, ok = ProjectorCorner(corr, 3.0, 6.5)
	assert.False(t, ok)
}

func TestProjectorCornerRejectsUndecodedNeighbourhood(t *testing.T) {
	corr := projectorCornerFixture(8, 8)
	// one bad pixel in the 3x3 neighbourhood poisons the corner
	corr.RowValid[3*8+2] = false

	_, ok := ProjectorCorner(corr, 3.0, 4.0)
	assert.False(t, ok)
	_, ok = ProjectorCorner(corr, 5.5, 4.0)
	assert.True(t, ok)
}

func TestProjectorCornersForView(t *testing.T) {
	corr := projectorCornerFixture(8, 8)
	camCorners := []gocv.Point2f{{X: 3, Y: 3}, {X: 4.5, Y: 4.5}}
	pc, err := projectorCornersForView(camCorners, corr)
	require.NoError(t, err)
	require.Len(t, pc, 2)
	assert.InDelta(t, 45.0, float64(pc[1].X), 1e-5)

	camCorners = append(camCorners, gocv.Point2f{X: 0.2, Y: 0.2})
	_, err = projectorCornersForView(camCorners, corr)
	assert.ErrorIs(t, err, ErrCornerDetection)
}

func TestCalibrateExtrinsicRequiresIntrinsics(t *testing.T) {
	c := &Calibration{}
	err := c.CalibrateExtrinsic(nil, nil, DefaultParams())
	assert.ErrorIs(t, err, ErrCalibrationPrereq)
	assert.False(t, c.ExtValid)

	c.CamValid = true
	err = c.CalibrateExtrinsic(nil, nil, DefaultParams())
	assert.ErrorIs(t, err, ErrCalibrationPrereq)
}

func TestEvaluateGeometryRequiresExtrinsics(t *testing.T) {
	c := &Calibration{}
	assert.ErrorIs(t, c.EvaluateGeometry(DefaultParams()), ErrCalibrationPrereq)
}

func TestInvalidateDerived(t *testing.T) {
	c, _ := testCalibration(t)
	require.True(t, c.ExtValid)
	require.True(t, c.Fund.Valid)
	require.NotNil(t, c.Geom)

	c.invalidateDerived()
	assert.False(t, c.ExtValid)
	assert.Nil(t, c.Geom)
	assert.False(t, c.Fund.Valid, "stale epipolar geometry must not filter new scans")
	assert.True(t, c.CamValid, "intrinsics themselves stay valid")
	assert.True(t, c.ProjValid)
}
