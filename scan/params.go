package scan

import (
	"encoding/xml"
	"fmt"
	"os"
)

// Gray code axis selection.
const (
	AxesColumns = "columns"
	AxesRows    = "rows"
	AxesBoth    = "both"
)

// Camera back-end selection.
const (
	BackendOpenCV    = "opencv"
	BackendReplay    = "replay"
	BackendKinect    = "kinect"
	BackendCanon     = "canon"
	BackendPointGrey = "pointgrey"
)

// Params is the flat per-run configuration record, read from and written
// back to config.xml. Distances are in the board's world units (mm by
// convention), thresholds on 8-bit intensity values.
type Params struct {
	XMLName xml.Name `xml:"config"`

	OutDir string `xml:"outdir"`
	Object string `xml:"object"`

	CameraBackend string `xml:"camera_backend"`
	CameraID      int    `xml:"camera_id"`
	ReplayDir     string `xml:"replay_dir,omitempty"`
	LockExposure  bool   `xml:"lock_exposure"`
	FrameRetries  int    `xml:"frame_retries"`
	FrameDelayMS  int    `xml:"frame_delay_ms"`

	CamWidth   int `xml:"cam_width"`
	CamHeight  int `xml:"cam_height"`
	ProjWidth  int `xml:"proj_width"`
	ProjHeight int `xml:"proj_height"`

	BoardCols  int     `xml:"board_cols"` // inner corners along x
	BoardRows  int     `xml:"board_rows"` // inner corners along y
	SquareSize float64 `xml:"square_size"`
	CalibPoses int     `xml:"calib_poses"`

	Axes                string  `xml:"axes"`
	ContrastThreshold   float64 `xml:"contrast_threshold"`   // direct vs inverse delta
	BrightnessThreshold float64 `xml:"brightness_threshold"` // minimum absolute brightness

	BackgroundThreshold float64 `xml:"background_threshold"`
	MinDepth            float64 `xml:"min_depth"`
	MaxDepth            float64 `xml:"max_depth"`
	MaxPlaneResidual    float64 `xml:"max_plane_residual"`
	MaxReprojError      float64 `xml:"max_reproj_error"`
	SampsonThreshold    float64 `xml:"sampson_threshold"` // 0 disables the epipolar filter

	SaveFrames bool `xml:"save_frames"`
}

// DefaultParams mirrors the defaults of the original console tool:
// VGA webcam, XGA projector, 8x6 board with 30mm squares.
func DefaultParams() Params {
	return Params{
		OutDir:              "./output",
		Object:              "object",
		CameraBackend:       BackendOpenCV,
		CameraID:            0,
		FrameRetries:        3,
		FrameDelayMS:        200,
		CamWidth:            640,
		CamHeight:           480,
		ProjWidth:           1024,
		ProjHeight:          768,
		BoardCols:           8,
		BoardRows:           6,
		SquareSize:          30.0,
		CalibPoses:          15,
		Axes:                AxesBoth,
		ContrastThreshold:   20,
		BrightnessThreshold: 40,
		BackgroundThreshold: 5,
		MinDepth:            100,
		MaxDepth:            2000,
		MaxPlaneResidual:    5,
		MaxReprojError:      2,
		SampsonThreshold:    0,
	}
}

func (p Params) CodeColumns() bool { return p.Axes == AxesColumns || p.Axes == AxesBoth }
func (p Params) CodeRows() bool    { return p.Axes == AxesRows || p.Axes == AxesBoth }

func (p Params) Validate() error {
	if p.CamWidth <= 0 || p.CamHeight <= 0 {
		return fmt.Errorf("invalid camera resolution %dx%d", p.CamWidth, p.CamHeight)
	}
	if p.ProjWidth <= 0 || p.ProjHeight <= 0 {
		return fmt.Errorf("invalid projector resolution %dx%d", p.ProjWidth, p.ProjHeight)
	}
	if p.BoardCols < 2 || p.BoardRows < 2 {
		return fmt.Errorf("board must have at least 2x2 inner corners, got %dx%d", p.BoardCols, p.BoardRows)
	}
	if p.SquareSize <= 0 {
		return fmt.Errorf("square size must be positive, got %f", p.SquareSize)
	}
	switch p.Axes {
	case AxesColumns, AxesRows, AxesBoth:
	default:
		return fmt.Errorf("unknown axis selection %q", p.Axes)
	}
	if p.MinDepth >= p.MaxDepth {
		return fmt.Errorf("empty depth range [%f, %f]", p.MinDepth, p.MaxDepth)
	}
	return nil
}

// LoadParams reads config.xml. A missing file is fatal at startup;
// fields absent from the file keep their defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return p, fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	if err := xml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: parsing %s: %v", ErrConfigMissing, path, err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("%w: %v", ErrConfigMissing, err)
	}
	return p, nil
}

// Save writes the configuration back, as happens on clean exit.
func (p Params) Save(path string) error {
	data, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}
