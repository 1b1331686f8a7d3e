package scan

import (
	"encoding/xml"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Calibration file layout, matching the fixed directory scheme:
// <outdir>/calib/cam/{cam_intrinsic,cam_distortion}.xml
// <outdir>/calib/proj/{proj_intrinsic,proj_distortion,cam_extrinsic,proj_extrinsic,fundamental_matrix}.xml

func camCalibDir(outdir string) string  { return filepath.Join(outdir, "calib", "cam") }
func projCalibDir(outdir string) string { return filepath.Join(outdir, "calib", "proj") }

// ScanDir is the per-scan output directory <outdir>/<object>/v<N>/.
func ScanDir(outdir, object string, index int) string {
	return filepath.Join(outdir, object, fmt.Sprintf("v%d", index))
}

type matrixXML struct {
	XMLName xml.Name `xml:"matrix"`
	Rows    int      `xml:"rows"`
	Cols    int      `xml:"cols"`
	Data    string   `xml:"data"`
}

func saveMatrix(path string, rows, cols int, data []float64) error {
	if len(data) != rows*cols {
		return fmt.Errorf("%w: %d values for %dx%d matrix", ErrPersistence, len(data), rows, cols)
	}
	fields := make([]string, len(data))
	for i, v := range data {
		fields[i] = strconv.FormatFloat(v, 'g', 17, 64)
	}
	m := matrixXML{Rows: rows, Cols: cols, Data: strings.Join(fields, " ")}
	buf, err := xml.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	buf = append([]byte(xml.Header), buf...)
	buf = append(buf, '\n')
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func loadMatrix(path string, rows, cols int) ([]float64, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m matrixXML
	if err := xml.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPersistence, path, err)
	}
	if m.Rows != rows || m.Cols != cols {
		return nil, fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrPersistence, path, m.Rows, m.Cols, rows, cols)
	}
	fields := strings.Fields(m.Data)
	if len(fields) != rows*cols {
		return nil, fmt.Errorf("%w: %s holds %d values, want %d", ErrPersistence, path, len(fields), rows*cols)
	}
	data := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPersistence, path, err)
		}
		data[i] = v
	}
	return data, nil
}

func flat3x3(k [3][3]float64) []float64 {
	out := make([]float64, 0, 9)
	for r := 0; r < 3; r++ {
		out = append(out, k[r][:]...)
	}
	return out
}

func to3x3(data []float64) [3][3]float64 {
	var out [3][3]float64
	for r := 0; r < 3; r++ {
		copy(out[r][:], data[r*3:r*3+3])
	}
	return out
}

// poseData flattens a board pose into the 2x3 rvec/tvec layout the
// original tool used for its extrinsic files.
func poseData(p Pose) []float64 {
	rv := rodriguesInv(p.R)
	return []float64{rv.X, rv.Y, rv.Z, p.T.X, p.T.Y, p.T.Z}
}

func poseFromData(d []float64) Pose {
	return Pose{
		R: rodrigues(r3.Vector{X: d[0], Y: d[1], Z: d[2]}),
		T: r3.Vector{X: d[3], Y: d[4], Z: d[5]},
	}
}

// SaveCalibration writes every valid calibration piece to its own file.
func SaveCalibration(c *Calibration, outdir string) error {
	camDir, projDir := camCalibDir(outdir), projCalibDir(outdir)
	for _, dir := range []string{camDir, projDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	if c.CamValid {
		if err := saveMatrix(filepath.Join(camDir, "cam_intrinsic.xml"), 3, 3, flat3x3(c.Cam.K)); err != nil {
			return err
		}
		if err := saveMatrix(filepath.Join(camDir, "cam_distortion.xml"), 5, 1, c.Cam.Dist[:]); err != nil {
			return err
		}
	}
	if c.ProjValid {
		if err := saveMatrix(filepath.Join(projDir, "proj_intrinsic.xml"), 3, 3, flat3x3(c.Proj.K)); err != nil {
			return err
		}
		if err := saveMatrix(filepath.Join(projDir, "proj_distortion.xml"), 5, 1, c.Proj.Dist[:]); err != nil {
			return err
		}
	}
	if c.ExtValid {
		if err := saveMatrix(filepath.Join(projDir, "cam_extrinsic.xml"), 2, 3, poseData(c.CamPose)); err != nil {
			return err
		}
		if err := saveMatrix(filepath.Join(projDir, "proj_extrinsic.xml"), 2, 3, poseData(c.ProjPose)); err != nil {
			return err
		}
	}
	if c.Fund.Valid {
		if err := saveMatrix(filepath.Join(projDir, "fundamental_matrix.xml"), 3, 3, flat3x3(c.Fund.M)); err != nil {
			return err
		}
	}
	return nil
}

// LoadCalibration probes the expected files and flips validity flags for
// whatever loads. Extrinsics are only accepted on top of both intrinsic
// calibrations; a complete load rebuilds the ray and plane tables so the
// session can scan immediately.
func LoadCalibration(outdir string, p Params) *Calibration {
	c := &Calibration{}
	camDir, projDir := camCalibDir(outdir), projCalibDir(outdir)

	ki, err1 := loadMatrix(filepath.Join(camDir, "cam_intrinsic.xml"), 3, 3)
	kd, err2 := loadMatrix(filepath.Join(camDir, "cam_distortion.xml"), 5, 1)
	if err1 == nil && err2 == nil {
		c.Cam = Intrinsics{K: to3x3(ki)}
		copy(c.Cam.Dist[:], kd)
		c.CamValid = true
		log.Println("loaded previous intrinsic camera calibration")
	} else {
		log.Println("camera has not been intrinsically calibrated")
	}

	pi, err1 := loadMatrix(filepath.Join(projDir, "proj_intrinsic.xml"), 3, 3)
	pd, err2 := loadMatrix(filepath.Join(projDir, "proj_distortion.xml"), 5, 1)
	if err1 == nil && err2 == nil {
		c.Proj = Intrinsics{K: to3x3(pi)}
		copy(c.Proj.Dist[:], pd)
		c.ProjValid = true
		log.Println("loaded previous intrinsic projector calibration")
	} else {
		log.Println("projector has not been intrinsically calibrated")
	}

	ce, err1 := loadMatrix(filepath.Join(projDir, "cam_extrinsic.xml"), 2, 3)
	pe, err2 := loadMatrix(filepath.Join(projDir, "proj_extrinsic.xml"), 2, 3)
	if c.CamValid && c.ProjValid && err1 == nil && err2 == nil {
		c.CamPose = poseFromData(ce)
		c.ProjPose = poseFromData(pe)
		c.ProCam = composeProCam(c.CamPose, c.ProjPose)
		geom, err := EvaluateProCamGeometry(p, c.Cam, c.Proj, c.ProCam)
		if err != nil {
			log.Printf("stored extrinsic calibration rejected: %v", err)
		} else {
			c.Geom = geom
			c.ExtValid = true
			log.Println("loaded previous extrinsic projector-camera calibration")
		}
	} else {
		log.Println("projector-camera system has not been extrinsically calibrated")
	}

	fd, err := loadMatrix(filepath.Join(projDir, "fundamental_matrix.xml"), 3, 3)
	if err == nil {
		c.Fund = FundamentalMatrix{M: to3x3(fd), Valid: true}
		log.Println("loaded previous fundamental matrix")
	}
	return c
}
