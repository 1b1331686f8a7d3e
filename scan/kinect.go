package scan

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// DepthMapper is the fixed depth<->world<->color mapping helper that ships
// with the Kinect: its calibration is independent of the projector-camera
// calibration, so a depth frame can be lifted to metric points directly.
type DepthMapper interface {
	DepthToWorld(x, y int, depth float64) r3.Vector
	WorldToColor(p r3.Vector) (x, y float64)
}

// Factory-calibration constants for the original Kinect depth sensor.
const (
	kinectMinDistance  = -10.0
	kinectDepthScale   = 0.0021
	kinectColorScale   = 0.0021
	kinectDepthCenterX = 320.0
	kinectDepthCenterY = 240.0
)

// StockKinectMapper implements DepthMapper with the stock constants.
type StockKinectMapper struct{}

func (StockKinectMapper) DepthToWorld(x, y int, depth float64) r3.Vector {
	wx := (float64(x) - kinectDepthCenterX) * (depth + kinectMinDistance) * kinectDepthScale
	wy := (float64(y) - kinectDepthCenterY) * (depth + kinectMinDistance) * kinectDepthScale
	return r3.Vector{X: wx, Y: wy, Z: -(depth - 200)}
}

func (StockKinectMapper) WorldToColor(p r3.Vector) (float64, float64) {
	z := -p.Z + 200
	if z == 0 {
		return kinectDepthCenterX, kinectDepthCenterY
	}
	x := p.X/((z+kinectMinDistance)*kinectColorScale) + kinectDepthCenterX
	y := p.Y/((z+kinectMinDistance)*kinectColorScale) + kinectDepthCenterY
	return x, y
}

// DepthSource yields paired depth and color frames from a Kinect device.
type DepthSource interface {
	NextFrame() (*DepthImage, *ColorImage, error)
}

// KinectCamera adapts a Kinect to the Camera contract. Without an attached
// device source it refuses to initialize, like the vendor back-ends.
type KinectCamera struct {
	Source DepthSource
	Mapper DepthMapper

	lastDepth *DepthImage
}

func (c *KinectCamera) Init(p Params) error {
	if c.Source == nil {
		return fmt.Errorf("%w: no kinect device attached", ErrCameraInit)
	}
	if c.Mapper == nil {
		c.Mapper = StockKinectMapper{}
	}
	return nil
}

func (c *KinectCamera) StartCapture() error { return nil }

func (c *KinectCamera) QueryFrame() (*ColorImage, error) {
	depth, color, err := c.Source.NextFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameUnavailable, err)
	}
	c.lastDepth = depth
	return color, nil
}

func (c *KinectCamera) EndCapture() error { return nil }

// LastDepth returns the depth frame paired with the most recent color
// frame, if any.
func (c *KinectCamera) LastDepth() *DepthImage { return c.lastDepth }

// CloudFromDepth is the pre-supplied alternative triangulator: it lifts a
// depth frame to a colored point cloud through the mapper, bypassing
// ray-plane triangulation entirely. Zero depth readings are sensor
// dropouts and produce no points.
func CloudFromDepth(depth *DepthImage, color *ColorImage, m DepthMapper, p Params) *PointCloud {
	cloud := NewPointCloud(depth.W, depth.H)
	for y := 0; y < depth.H; y++ {
		for x := 0; x < depth.W; x++ {
			d := depth.At(x, y)
			if d == 0 {
				continue
			}
			pt := CloudPoint{U: x, V: y, Reliable: true}
			pt.P = m.DepthToWorld(x, y, float64(d))
			if color != nil {
				cx, cy := m.WorldToColor(pt.P)
				ix, iy := int(cx), int(cy)
				if ix >= 0 && ix < color.W && iy >= 0 && iy < color.H {
					pt.B, pt.G, pt.R = color.At(ix, iy)
				}
			}
			cloud.Points = append(cloud.Points, pt)
		}
	}
	return cloud
}
