package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gocv.io/x/gocv"
)

// Camera is the four-operation acquisition adapter contract. Frames come
// back as BGR at the configured resolution; the same geometric model is
// assumed across frames of one capture.
type Camera interface {
	Init(p Params) error
	StartCapture() error
	QueryFrame() (*ColorImage, error)
	EndCapture() error
}

// NewCamera selects the back-end by configuration, not compile-time choice.
func NewCamera(p Params) (Camera, error) {
	switch p.CameraBackend {
	case BackendOpenCV:
		return &OpenCVCamera{}, nil
	case BackendReplay:
		return &ReplayCamera{}, nil
	case BackendKinect:
		return &KinectCamera{}, nil
	case BackendCanon, BackendPointGrey:
		// built conditionally against vendor SDKs in the original tool
		return nil, fmt.Errorf("%w: %s back-end not available in this build", ErrCameraInit, p.CameraBackend)
	default:
		return nil, fmt.Errorf("%w: unknown camera back-end %q", ErrCameraInit, p.CameraBackend)
	}
}

// OpenCVCamera grabs frames from a V4L/DirectShow device through gocv.
type OpenCVCamera struct {
	device       *gocv.VideoCapture
	frame        gocv.Mat
	lockExposure bool
	locked       bool
}

func (c *OpenCVCamera) Init(p Params) error {
	device, err := gocv.VideoCaptureDevice(p.CameraID)
	if err != nil {
		return fmt.Errorf("%w: device %d: %v", ErrCameraInit, p.CameraID, err)
	}
	device.Set(gocv.VideoCaptureFrameWidth, float64(p.CamWidth))
	device.Set(gocv.VideoCaptureFrameHeight, float64(p.CamHeight))
	c.device = device
	c.frame = gocv.NewMat()
	c.lockExposure = p.LockExposure
	return nil
}

func (c *OpenCVCamera) StartCapture() error {
	if c.device == nil {
		return fmt.Errorf("%w: not initialized", ErrCameraInit)
	}
	if c.lockExposure && !c.locked {
		// fixed exposure keeps pattern intensities comparable across frames
		exposure, wb, err := webcamSettings()
		if err == nil {
			err = lockWebcam(exposure, wb)
		}
		if err != nil {
			return fmt.Errorf("%w: locking exposure: %v", ErrCameraInit, err)
		}
		c.locked = true
	}
	return nil
}

func (c *OpenCVCamera) QueryFrame() (*ColorImage, error) {
	if ok := c.device.Read(&c.frame); !ok || c.frame.Empty() {
		return nil, ErrFrameUnavailable
	}
	return colorImageFromMat(c.frame)
}

func (c *OpenCVCamera) EndCapture() error {
	if c.locked {
		if err := unlockWebcam(); err != nil {
			return err
		}
		c.locked = false
	}
	if c.device != nil {
		c.frame.Close()
		return c.device.Close()
	}
	return nil
}

// ReplayCamera feeds previously saved frames from a directory in filename
// order. Used to re-run scans offline and as the test double.
type ReplayCamera struct {
	files []string
	next  int
}

func (c *ReplayCamera) Init(p Params) error {
	entries, err := os.ReadDir(p.ReplayDir)
	if err != nil {
		return fmt.Errorf("%w: replay dir: %v", ErrCameraInit, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".png", ".jpg", ".bmp":
			c.files = append(c.files, filepath.Join(p.ReplayDir, e.Name()))
		}
	}
	if len(c.files) == 0 {
		return fmt.Errorf("%w: no frames in %s", ErrCameraInit, p.ReplayDir)
	}
	sort.Strings(c.files)
	return nil
}

// StartCapture rewinds so every capture replays the sequence from its
// first frame.
func (c *ReplayCamera) StartCapture() error {
	c.next = 0
	return nil
}

func (c *ReplayCamera) QueryFrame() (*ColorImage, error) {
	if c.next >= len(c.files) {
		return nil, ErrFrameUnavailable
	}
	m := gocv.IMRead(c.files[c.next], gocv.IMReadColor)
	defer m.Close()
	if m.Empty() {
		return nil, fmt.Errorf("%w: could not read %s", ErrFrameUnavailable, c.files[c.next])
	}
	c.next++
	return colorImageFromMat(m)
}

func (c *ReplayCamera) EndCapture() error { return nil }
