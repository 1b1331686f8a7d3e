package scan

import (
	"fmt"
	"image"
	"log"
	"math"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
)

// Calibration owns every estimated quantity of the procam pair. Validity
// flags flip only after all related matrices are populated, so a failed
// sub-calibration never leaves the state half-updated.
type Calibration struct {
	Cam       Intrinsics
	CamValid  bool
	Proj      Intrinsics
	ProjValid bool

	// Board poses from the single-pose extrinsic calibration, per device.
	CamPose  Pose
	ProjPose Pose
	// ProCam maps camera frame coordinates into the projector frame.
	ProCam   Pose
	ExtValid bool

	Fund FundamentalMatrix

	// Derived ray/plane tables, rebuilt whenever calibration changes.
	Geom *ProCamGeometry
}

// boardWorld lists the inner corner positions on the planar target, row
// major, z=0, in world units.
func boardWorld(p Params) []r3.Vector {
	pts := make([]r3.Vector, 0, p.BoardCols*p.BoardRows)
	for i := 0; i < p.BoardRows; i++ {
		for j := 0; j < p.BoardCols; j++ {
			pts = append(pts, r3.Vector{
				X: float64(j) * p.SquareSize,
				Y: float64(i) * p.SquareSize,
			})
		}
	}
	return pts
}

func boardPoint3fVector(p Params) gocv.Point3fVector {
	vec := gocv.NewPoint3fVector()
	for _, pt := range boardWorld(p) {
		vec.Append(gocv.NewPoint3f(float32(pt.X), float32(pt.Y), float32(pt.Z)))
	}
	return vec
}

// DetectBoardCorners finds the checkerboard inner corners in a frame to
// sub-pixel accuracy, in row-major board order.
func DetectBoardCorners(img *ColorImage, p Params) ([]gocv.Point2f, error) {
	m, err := img.mat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCornerDetection, err)
	}
	defer m.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)

	corners := gocv.NewMat()
	defer corners.Close()
	size := image.Pt(p.BoardCols, p.BoardRows)
	found := gocv.FindChessboardCorners(gray, size, &corners, gocv.CalibCBAdaptiveThresh+gocv.CalibCBFastCheck)
	if !found {
		return nil, fmt.Errorf("%w: checkerboard not found", ErrCornerDetection)
	}
	term := gocv.NewTermCriteria(gocv.MaxIter+gocv.EPS, 30, 0.001)
	gocv.CornerSubPix(gray, &corners, image.Pt(11, 11), image.Pt(-1, -1), term)

	vec := gocv.NewPoint2fVectorFromMat(corners)
	defer vec.Close()
	pts := vec.ToPoints()
	if len(pts) != p.BoardCols*p.BoardRows {
		return nil, fmt.Errorf("%w: found %d corners, want %d", ErrCornerDetection, len(pts), p.BoardCols*p.BoardRows)
	}
	return pts, nil
}

// projectPoint runs a world point through pose, pinhole and distortion.
func projectPoint(pt r3.Vector, in Intrinsics, pose Pose) (float64, float64) {
	pc := pose.apply(pt)
	return distortPixel(pc.X/pc.Z, pc.Y/pc.Z, in)
}

// reprojError is the mean pixel distance between observed corners and the
// board reprojected under the given calibration.
func reprojError(world []r3.Vector, observed []gocv.Point2f, in Intrinsics, pose Pose) float64 {
	sum := 0.0
	for i, pt := range world {
		u, v := projectPoint(pt, in, pose)
		du := u - float64(observed[i].X)
		dv := v - float64(observed[i].Y)
		sum += math.Sqrt(du*du + dv*dv)
	}
	return sum / float64(len(world))
}

// solveIntrinsics runs the Zhang solver over corner views of the board.
// Returns the intrinsics, the per-view board poses and the RMS
// reprojection error reported by the solver.
func solveIntrinsics(views [][]gocv.Point2f, w, h int, p Params) (Intrinsics, []Pose, float64, error) {
	var in Intrinsics
	if len(views) < 2 {
		return in, nil, 0, fmt.Errorf("%w: %d board views, need at least 2", ErrCornerDetection, len(views))
	}

	objPoints := gocv.NewPoints3fVector()
	defer objPoints.Close()
	imgPoints := gocv.NewPoints2fVector()
	defer imgPoints.Close()
	for _, view := range views {
		board := boardPoint3fVector(p)
		defer board.Close()
		objPoints.Append(board)
		vec := gocv.NewPoint2fVectorFromPoints(view)
		defer vec.Close()
		imgPoints.Append(vec)
	}

	mtx := gocv.NewMat()
	defer mtx.Close()
	dist := gocv.NewMat()
	defer dist.Close()
	rvecs := gocv.NewMat()
	defer rvecs.Close()
	tvecs := gocv.NewMat()
	defer tvecs.Close()

	rms := gocv.CalibrateCamera(objPoints, imgPoints, image.Pt(w, h), &mtx, &dist, &rvecs, &tvecs, gocv.CalibFlag(0))

	k, err := matTo3x3(mtx)
	if err != nil {
		return in, nil, 0, fmt.Errorf("%w: %v", ErrSolverNonConvergent, err)
	}
	d, err := matToDist(dist)
	if err != nil {
		return in, nil, 0, fmt.Errorf("%w: %v", ErrSolverNonConvergent, err)
	}
	in = Intrinsics{K: k, Dist: d}
	if !(in.fx() > 0 && in.fy() > 0) || math.IsNaN(rms) {
		return in, nil, 0, fmt.Errorf("%w: degenerate intrinsics (fx=%f fy=%f)", ErrSolverNonConvergent, in.fx(), in.fy())
	}

	poses := make([]Pose, len(views))
	for i := range poses {
		poses[i] = Pose{R: rodrigues(vecRowAt(rvecs, i)), T: vecRowAt(tvecs, i)}
	}
	return in, poses, rms, nil
}

// solvePose estimates the board pose for one device from detected (or
// derived) corner locations.
func solvePose(corners []gocv.Point2f, in Intrinsics, p Params) (Pose, error) {
	board := boardPoint3fVector(p)
	defer board.Close()
	imgPts := gocv.NewPoint2fVectorFromPoints(corners)
	defer imgPts.Close()

	mtx, err := matFrom3x3(in.K)
	if err != nil {
		return Pose{}, fmt.Errorf("%w: %v", ErrSolverNonConvergent, err)
	}
	defer mtx.Close()
	dist, err := matFromDist(in.Dist)
	if err != nil {
		return Pose{}, fmt.Errorf("%w: %v", ErrSolverNonConvergent, err)
	}
	defer dist.Close()

	rvec := gocv.NewMat()
	defer rvec.Close()
	tvec := gocv.NewMat()
	defer tvec.Close()
	if ok := gocv.SolvePnP(board, imgPts, mtx, dist, &rvec, &tvec, false, 0); !ok {
		return Pose{}, fmt.Errorf("%w: PnP solver failed", ErrSolverNonConvergent)
	}
	if rvec.Empty() || tvec.Empty() {
		return Pose{}, fmt.Errorf("%w: PnP produced no pose", ErrSolverNonConvergent)
	}
	return Pose{R: rodrigues(vecFromMat(rvec)), T: vecFromMat(tvec)}, nil
}

// ProjectorCorner maps a camera-image corner into the projector image by
// bilinear interpolation of the decoded column/row fields. The corner is
// rejected when any pixel of its 3x3 neighbourhood failed to decode on
// either axis, per the conservative mask policy.
func ProjectorCorner(corr *Correspondence, x, y float64) (gocv.Point2f, bool) {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	if x0 < 1 || y0 < 1 || x0+1 >= corr.W-1 || y0+1 >= corr.H-1 {
		return gocv.Point2f{}, false
	}
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			i := (y0+dy)*corr.W + (x0 + dx)
			if !corr.ColValid[i] || !corr.RowValid[i] {
				return gocv.Point2f{}, false
			}
		}
	}
	fx, fy := x-float64(x0), y-float64(y0)
	bilerp := func(field []int32) float64 {
		i := y0*corr.W + x0
		v00 := float64(field[i])
		v10 := float64(field[i+1])
		v01 := float64(field[i+corr.W])
		v11 := float64(field[i+corr.W+1])
		return v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
	}
	return gocv.Point2f{X: float32(bilerp(corr.Col)), Y: float32(bilerp(corr.Row))}, true
}

// projectorCornersForView derives projector-image corner locations for all
// detected camera corners of one board pose.
func projectorCornersForView(camCorners []gocv.Point2f, corr *Correspondence) ([]gocv.Point2f, error) {
	out := make([]gocv.Point2f, 0, len(camCorners))
	for _, c := range camCorners {
		pc, ok := ProjectorCorner(corr, float64(c.X), float64(c.Y))
		if !ok {
			return nil, fmt.Errorf("%w: corner (%0.1f, %0.1f) has undecoded neighbourhood", ErrCornerDetection, c.X, c.Y)
		}
		out = append(out, pc)
	}
	return out, nil
}

// CalibrateCameraViews estimates camera intrinsics from board corner
// detections over multiple poses.
func (c *Calibration) CalibrateCameraViews(views [][]gocv.Point2f, p Params) error {
	in, poses, rms, err := solveIntrinsics(views, p.CamWidth, p.CamHeight, p)
	if err != nil {
		return err
	}
	world := boardWorld(p)
	log.Printf("camera calibration: mean reprojection error %.4f px over %d views", rms, len(views))
	for i, pose := range poses {
		log.Printf("  view %2d: %.4f px", i, reprojError(world, views[i], in, pose))
	}
	c.Cam = in
	c.CamValid = true
	c.invalidateDerived()
	return nil
}

// ProjectorView is one board pose observed under the full Gray code
// sequence: the decoded correspondence plus the camera corner detections
// from the all-white frame.
type ProjectorView struct {
	CamCorners []gocv.Point2f
	Corr       *Correspondence
}

// CalibrateProjectorViews estimates projector intrinsics by treating the
// projector as an inverse camera: board corners are carried into the
// projector image through the decoded correspondence of each pose. With
// simultaneous set, camera intrinsics are re-estimated from the same pose
// set first.
func (c *Calibration) CalibrateProjectorViews(views []ProjectorView, p Params, simultaneous bool) error {
	if simultaneous {
		camViews := make([][]gocv.Point2f, len(views))
		for i, v := range views {
			camViews[i] = v.CamCorners
		}
		if err := c.CalibrateCameraViews(camViews, p); err != nil {
			return err
		}
	}

	projViews := make([][]gocv.Point2f, 0, len(views))
	for i, v := range views {
		pc, err := projectorCornersForView(v.CamCorners, v.Corr)
		if err != nil {
			log.Printf("projector calibration: dropping view %d: %v", i, err)
			continue
		}
		projViews = append(projViews, pc)
	}
	if len(projViews) < 2 {
		return fmt.Errorf("%w: only %d usable projector views", ErrCornerDetection, len(projViews))
	}

	in, poses, rms, err := solveIntrinsics(projViews, p.ProjWidth, p.ProjHeight, p)
	if err != nil {
		return err
	}
	world := boardWorld(p)
	log.Printf("projector calibration: mean reprojection error %.4f px over %d views", rms, len(projViews))
	for i, pose := range poses {
		log.Printf("  view %2d: %.4f px", i, reprojError(world, projViews[i], in, pose))
	}
	c.Proj = in
	c.ProjValid = true
	c.invalidateDerived()
	return nil
}

// CalibrateExtrinsic recovers the projector pose in the camera frame from
// a single known-pose board. Both intrinsic calibrations are prerequisites.
// The result is rejected, leaving extrinsic validity untouched, when the
// mean reprojection error on either device exceeds the configured bound.
func (c *Calibration) CalibrateExtrinsic(camCorners []gocv.Point2f, corr *Correspondence, p Params) error {
	if !c.CamValid || !c.ProjValid {
		return fmt.Errorf("%w: both intrinsic calibrations required before extrinsics", ErrCalibrationPrereq)
	}
	projCorners, err := projectorCornersForView(camCorners, corr)
	if err != nil {
		return err
	}
	camPose, err := solvePose(camCorners, c.Cam, p)
	if err != nil {
		return err
	}
	projPose, err := solvePose(projCorners, c.Proj, p)
	if err != nil {
		return err
	}

	world := boardWorld(p)
	camErr := reprojError(world, camCorners, c.Cam, camPose)
	projErr := reprojError(world, projCorners, c.Proj, projPose)
	log.Printf("extrinsic calibration: reprojection error cam %.4f px, proj %.4f px", camErr, projErr)
	if camErr > p.MaxReprojError || projErr > p.MaxReprojError {
		return fmt.Errorf("%w: reprojection error above %.2f px bound", ErrSolverNonConvergent, p.MaxReprojError)
	}

	procam := composeProCam(camPose, projPose)
	geom, err := EvaluateProCamGeometry(p, c.Cam, c.Proj, procam)
	if err != nil {
		return err
	}
	c.CamPose = camPose
	c.ProjPose = projPose
	c.ProCam = procam
	c.Geom = geom
	c.ExtValid = true
	return nil
}

// EvaluateGeometry rebuilds the derived ray and plane tables. Idempotent:
// unchanged calibration yields identical tables.
func (c *Calibration) EvaluateGeometry(p Params) error {
	if !c.ExtValid {
		return fmt.Errorf("%w: extrinsic calibration required", ErrCalibrationPrereq)
	}
	geom, err := EvaluateProCamGeometry(p, c.Cam, c.Proj, c.ProCam)
	if err != nil {
		return err
	}
	c.Geom = geom
	return nil
}

// invalidateDerived drops everything downstream of an intrinsics change.
// The fundamental matrix goes too: it was fitted under the old intrinsics
// and would silently filter scans against stale epipolar geometry.
func (c *Calibration) invalidateDerived() {
	c.ExtValid = false
	c.Geom = nil
	c.Fund = FundamentalMatrix{}
}
