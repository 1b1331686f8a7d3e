package scan

import "errors"

// Fatal at startup; the session cannot be created without them.
var (
	ErrConfigMissing = errors.New("configuration file missing")
	ErrCameraInit    = errors.New("camera initialization failed")
)

// Recoverable: the operation aborts, calibration validity is unchanged
// and control returns to the command loop.
var (
	ErrFrameUnavailable    = errors.New("no frame available")
	ErrCornerDetection     = errors.New("insufficient corner detections")
	ErrSolverNonConvergent = errors.New("solver did not converge")
	ErrCalibrationPrereq   = errors.New("calibration prerequisite missing")
	ErrDecodeAllInvalid    = errors.New("gray code decoding produced no valid pixels")
	ErrPersistence         = errors.New("persistence failed")
)
