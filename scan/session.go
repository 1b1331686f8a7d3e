package scan

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
)

// Session wires the camera, the projector window and the calibration state
// into the interactive scanning loop. One session owns the devices for its
// whole lifetime; commands run strictly sequentially.
type Session struct {
	params     Params
	configPath string
	camera     Camera
	calib      *Calibration
	background *Background
	patterns   *PatternSet
	window     *gocv.Window
	scanIndex  int
}

// NewSession loads the configuration, opens the camera and the projector
// window, and restores any previously saved calibration. Every failure here
// is fatal: without config and a working camera there is nothing to run.
func NewSession(configPath string) (*Session, error) {
	p, err := LoadParams(configPath)
	if err != nil {
		return nil, err
	}
	camera, err := NewCamera(p)
	if err != nil {
		return nil, err
	}
	if err := camera.Init(p); err != nil {
		return nil, err
	}
	if err := camera.StartCapture(); err != nil {
		return nil, err
	}
	if _, err := camera.QueryFrame(); err != nil {
		camera.EndCapture()
		return nil, fmt.Errorf("%w: no frames from camera", ErrCameraInit)
	}

	s := &Session{
		params:     p,
		configPath: configPath,
		camera:     camera,
		patterns:   NewPatternSet(p),
		background: NewBackground(p.CamWidth, p.CamHeight),
		scanIndex:  1,
	}
	s.window = gocv.NewWindow("projector")
	s.window.ResizeWindow(p.ProjWidth, p.ProjHeight)
	s.window.SetWindowProperty(gocv.WindowPropertyFullscreen, gocv.WindowFullscreen)
	// blue splash confirms the window landed on the projector output
	if err := s.showSolid(255, 0, 0); err != nil {
		s.Close()
		return nil, err
	}
	gocv.WaitKey(500)

	s.calib = LoadCalibration(p.OutDir, p)
	return s, nil
}

// Close releases the camera and the projector window.
func (s *Session) Close() {
	if s.camera != nil {
		if err := s.camera.EndCapture(); err != nil {
			log.Printf("closing camera: %v", err)
		}
	}
	if s.window != nil {
		s.window.Close()
	}
}

// Run is the key-driven command loop. The projector shows a white frame
// while idle so the scene stays lit between commands. ESC saves the
// configuration back and exits; command failures are logged and the loop
// continues.
func (s *Session) Run() error {
	log.Println("commands: s=scan b=background r=reset background")
	log.Println("          c=camera calib p=projector calib a=both calibs e=extrinsic calib")
	log.Println("          ESC=save config and quit")
	for {
		if err := s.showSolid(255, 255, 255); err != nil {
			return err
		}
		key := gocv.WaitKey(50)
		var err error
		switch key {
		case -1:
			continue
		case 's':
			err = s.runScan()
		case 'b':
			err = s.runBackgroundCapture()
		case 'r':
			s.background.Reset()
			log.Println("background model reset")
		case 'c':
			err = s.runCameraCalibration()
		case 'p':
			err = s.runProjectorCalibration(false)
		case 'a':
			err = s.runProjectorCalibration(true)
		case 'e':
			err = s.runExtrinsicCalibration()
		case 27:
			return s.params.Save(s.configPath)
		}
		if err != nil {
			if errors.Is(err, ErrCameraInit) {
				return err
			}
			log.Printf("command failed: %v", err)
		}
	}
}

// showSolid fills the projector with one BGR color.
func (s *Session) showSolid(b, g, r uint8) error {
	img := NewColorImage(s.params.ProjWidth, s.params.ProjHeight)
	for i := 0; i < len(img.Pix); i += 3 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2] = b, g, r
	}
	m, err := img.mat()
	if err != nil {
		return err
	}
	defer m.Close()
	s.window.IMShow(m)
	return nil
}

// queryFrame retries transient camera failures before giving up.
func (s *Session) queryFrame() (*ColorImage, error) {
	var lastErr error
	for attempt := 0; attempt <= s.params.FrameRetries; attempt++ {
		frame, err := s.camera.QueryFrame()
		if err == nil {
			return frame, nil
		}
		lastErr = err
		gocv.WaitKey(s.params.FrameDelayMS)
	}
	return nil, lastErr
}

// captureSequence projects the full Gray code sequence and captures one
// frame per pattern, in projection order. The all-white capture doubles as
// the texture frame. With saveDir set, raw captures are written out for
// later replay.
func (s *Session) captureSequence(saveDir string) (frames []*GrayImage, light *ColorImage, err error) {
	if err := s.camera.StartCapture(); err != nil {
		return nil, nil, err
	}
	n := s.patterns.Count()
	frames = make([]*GrayImage, n)
	for i := 0; i < n; i++ {
		m, err := s.patterns.PatternMat(i)
		if err != nil {
			return nil, nil, err
		}
		s.window.IMShow(m)
		gocv.WaitKey(s.params.FrameDelayMS)
		m.Close()

		frame, err := s.queryFrame()
		if err != nil {
			return nil, nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		if i == 0 {
			light = frame
		}
		frames[i] = frame.Gray()

		if saveDir != "" {
			fm, err := frame.mat()
			if err != nil {
				return nil, nil, err
			}
			gocv.IMWrite(filepath.Join(saveDir, fmt.Sprintf("frame_%02d.png", i)), fm)
			fm.Close()
		}
	}
	return frames, light, nil
}

// capture runs one full projection/capture/decode cycle.
func (s *Session) capture(saveDir string) (*Correspondence, *ColorImage, error) {
	frames, light, err := s.captureSequence(saveDir)
	if err != nil {
		return nil, nil, err
	}
	corr, err := DecodeGrayCode(frames, s.patterns, s.params)
	if err != nil {
		return nil, nil, err
	}
	return corr, light, nil
}

// runScan captures, decodes and triangulates one scan of the object and
// writes it out as <outdir>/<object>/v<N>/cloud.ply.
func (s *Session) runScan() error {
	if !s.calib.ExtValid {
		return fmt.Errorf("%w: scan requires extrinsic calibration", ErrCalibrationPrereq)
	}
	dir := ScanDir(s.params.OutDir, s.params.Object, s.scanIndex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	saveDir := ""
	if s.params.SaveFrames {
		saveDir = dir
	}
	corr, light, err := s.capture(saveDir)
	if err != nil {
		return err
	}
	if s.calib.Fund.Valid && s.params.SampsonThreshold > 0 {
		dropped := EpipolarFilter(corr, s.calib.Fund, s.params.SampsonThreshold)
		log.Printf("epipolar filter dropped %d pixels", dropped)
	}
	cloud, err := Triangulate(corr, s.calib.Geom, light, s.background, s.params)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "cloud.ply")
	if err := cloud.SavePLY(path); err != nil {
		return err
	}
	log.Printf("scan %d: %d points written to %s", s.scanIndex, cloud.Size(), path)
	s.scanIndex++
	return nil
}

// runBackgroundCapture scans the empty scene and installs it as the
// background model. Background subtraction is off during this capture so
// the previous model cannot eat its replacement.
func (s *Session) runBackgroundCapture() error {
	if !s.calib.ExtValid {
		return fmt.Errorf("%w: background capture requires extrinsic calibration", ErrCalibrationPrereq)
	}
	corr, light, err := s.capture("")
	if err != nil {
		return err
	}
	cloud, err := Triangulate(corr, s.calib.Geom, light, nil, s.params)
	if err != nil {
		return err
	}
	s.background.Reset()
	s.background.SetFromCloud(cloud, light)
	log.Printf("background model captured from %d points", cloud.Size())
	return nil
}

// waitForKey blocks until a key press; ESC aborts with ok=false.
func (s *Session) waitForKey() (key int, ok bool) {
	for {
		if k := gocv.WaitKey(50); k >= 0 {
			return k, k != 27
		}
	}
}

// collectBoardViews gathers board corner detections over n poses. The user
// repositions the board and confirms each pose with a key press; failed
// detections do not consume a pose.
func (s *Session) collectBoardViews(n int) ([][]gocv.Point2f, error) {
	views := make([][]gocv.Point2f, 0, n)
	for len(views) < n {
		if err := s.showSolid(255, 255, 255); err != nil {
			return nil, err
		}
		log.Printf("present board pose %d/%d and press any key (ESC aborts)", len(views)+1, n)
		if _, ok := s.waitForKey(); !ok {
			return nil, fmt.Errorf("%w: aborted", ErrCornerDetection)
		}
		frame, err := s.queryFrame()
		if err != nil {
			return nil, err
		}
		corners, err := DetectBoardCorners(frame, s.params)
		if err != nil {
			log.Printf("pose rejected: %v", err)
			continue
		}
		views = append(views, corners)
	}
	return views, nil
}

// runCameraCalibration estimates camera intrinsics from board poses under
// plain white illumination.
func (s *Session) runCameraCalibration() error {
	views, err := s.collectBoardViews(s.params.CalibPoses)
	if err != nil {
		return err
	}
	if err := s.calib.CalibrateCameraViews(views, s.params); err != nil {
		return err
	}
	return SaveCalibration(s.calib, s.params.OutDir)
}

// collectProjectorViews gathers board poses each observed under the full
// Gray code sequence. Corner detection runs on the all-white capture.
func (s *Session) collectProjectorViews(n int) ([]ProjectorView, error) {
	views := make([]ProjectorView, 0, n)
	for len(views) < n {
		if err := s.showSolid(255, 255, 255); err != nil {
			return nil, err
		}
		log.Printf("present board pose %d/%d and press any key (ESC aborts)", len(views)+1, n)
		if _, ok := s.waitForKey(); !ok {
			return nil, fmt.Errorf("%w: aborted", ErrCornerDetection)
		}
		corr, light, err := s.capture("")
		if err != nil {
			log.Printf("pose rejected: %v", err)
			continue
		}
		corners, err := DetectBoardCorners(light, s.params)
		if err != nil {
			log.Printf("pose rejected: %v", err)
			continue
		}
		views = append(views, ProjectorView{CamCorners: corners, Corr: corr})
	}
	return views, nil
}

// runProjectorCalibration estimates projector intrinsics; with simultaneous
// set, camera intrinsics are re-estimated from the same poses first.
func (s *Session) runProjectorCalibration(simultaneous bool) error {
	views, err := s.collectProjectorViews(s.params.CalibPoses)
	if err != nil {
		return err
	}
	if err := s.calib.CalibrateProjectorViews(views, s.params, simultaneous); err != nil {
		return err
	}
	return SaveCalibration(s.calib, s.params.OutDir)
}

// runExtrinsicCalibration recovers the projector-camera transform from a
// single board pose and fits the fundamental matrix from the same decoded
// correspondence.
func (s *Session) runExtrinsicCalibration() error {
	if !s.calib.CamValid || !s.calib.ProjValid {
		return fmt.Errorf("%w: both intrinsic calibrations required before extrinsics", ErrCalibrationPrereq)
	}
	if err := s.showSolid(255, 255, 255); err != nil {
		return err
	}
	log.Println("place the board for the extrinsic pose and press any key (ESC aborts)")
	if _, ok := s.waitForKey(); !ok {
		return fmt.Errorf("%w: aborted", ErrCornerDetection)
	}
	corr, light, err := s.capture("")
	if err != nil {
		return err
	}
	corners, err := DetectBoardCorners(light, s.params)
	if err != nil {
		return err
	}
	if err := s.calib.CalibrateExtrinsic(corners, corr, s.params); err != nil {
		return err
	}

	cam, proj := SamplePairs(corr, 4)
	fm, err := ComputeFundamental(cam, proj)
	if err != nil {
		log.Printf("fundamental matrix not fitted: %v", err)
	} else {
		s.calib.Fund = fm
		log.Printf("fundamental matrix fitted from %d pairs", len(cam))
	}
	return SaveCalibration(s.calib, s.params.OutDir)
}
