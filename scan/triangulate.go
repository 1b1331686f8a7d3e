package scan

import (
	"fmt"
	"math"
)

// Background is the per-camera-pixel empty-scene model: depth defaults to
// +Inf so an unset background never swallows foreground points.
type Background struct {
	W, H  int
	Depth []float64
	Image *ColorImage
}

func NewBackground(w, h int) *Background {
	b := &Background{
		W: w, H: h,
		Depth: make([]float64, w*h),
		Image: NewColorImage(w, h),
	}
	b.Reset()
	return b
}

// Reset restores the defaults, as the 'R' command does.
func (b *Background) Reset() {
	for i := range b.Depth {
		b.Depth[i] = math.Inf(1)
	}
	for i := range b.Image.Pix {
		b.Image.Pix[i] = 0
	}
}

// Populated reports whether a background scan has been captured since the
// last reset.
func (b *Background) Populated() bool {
	for _, d := range b.Depth {
		if !math.IsInf(d, 1) {
			return true
		}
	}
	return false
}

// SetFromCloud replaces the depth map with the z of every triangulated
// pixel and stores the lit frame as the reference image.
func (b *Background) SetFromCloud(cloud *PointCloud, light *ColorImage) {
	for i := range b.Depth {
		b.Depth[i] = math.Inf(1)
	}
	for _, pt := range cloud.Points {
		b.Depth[pt.V*b.W+pt.U] = pt.P.Z
	}
	copy(b.Image.Pix, light.Pix)
}

// Triangulate intersects each valid camera pixel's viewing ray with the
// decoded projector column and row planes and assembles the point cloud.
// light textures the points; bg, when populated, subtracts the empty scene.
func Triangulate(corr *Correspondence, geom *ProCamGeometry, light *ColorImage, bg *Background, p Params) (*PointCloud, error) {
	if corr.W != geom.W || corr.H != geom.H {
		return nil, fmt.Errorf("correspondence %dx%d does not match geometry %dx%d", corr.W, corr.H, geom.W, geom.H)
	}
	cloud := NewPointCloud(corr.W, corr.H)
	useBg := bg != nil && bg.Populated()

	for v := 0; v < corr.H; v++ {
		for u := 0; u < corr.W; u++ {
			i := v*corr.W + u
			if !corr.Valid(i) {
				continue
			}
			ray := geom.CamRays[i]

			colOK := corr.HasCol && corr.ColValid[i]
			rowOK := corr.HasRow && corr.RowValid[i]

			var pt CloudPoint
			pt.U, pt.V = u, v
			pt.Reliable = true
			switch {
			case colOK && rowOK:
				pc, ok1 := geom.ColPlanes[corr.Col[i]].intersectRay(ray)
				pr, ok2 := geom.RowPlanes[corr.Row[i]].intersectRay(ray)
				if !ok1 || !ok2 {
					continue
				}
				if pc.Sub(pr).Norm() > p.MaxPlaneResidual {
					// decoding error or grazing geometry
					continue
				}
				pt.P = pc.Add(pr).Mul(0.5)
			case colOK:
				pc, ok := geom.ColPlanes[corr.Col[i]].intersectRay(ray)
				if !ok {
					continue
				}
				pt.P = pc
				pt.Reliable = !corr.HasRow
			case rowOK:
				pr, ok := geom.RowPlanes[corr.Row[i]].intersectRay(ray)
				if !ok {
					continue
				}
				pt.P = pr
				pt.Reliable = !corr.HasCol
			default:
				continue
			}

			if pt.P.Z < p.MinDepth || pt.P.Z > p.MaxDepth {
				continue
			}
			if useBg && math.Abs(pt.P.Z-bg.Depth[i]) <= p.BackgroundThreshold {
				continue
			}
			if light != nil {
				b, g, r := light.At(u, v)
				pt.B, pt.G, pt.R = b, g, r
			}
			cloud.Points = append(cloud.Points, pt)
		}
	}
	return cloud, nil
}
