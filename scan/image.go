package scan

import (
	"fmt"

	"gocv.io/x/gocv"
)

// GrayImage is an 8-bit single channel image, row-major.
type GrayImage struct {
	W, H int
	Pix  []uint8
}

func NewGrayImage(w, h int) *GrayImage {
	return &GrayImage{W: w, H: h, Pix: make([]uint8, w*h)}
}

func (g *GrayImage) At(x, y int) uint8     { return g.Pix[y*g.W+x] }
func (g *GrayImage) Set(x, y int, v uint8) { g.Pix[y*g.W+x] = v }

// ColorImage is an 8-bit BGR image, matching OpenCV channel order.
type ColorImage struct {
	W, H int
	Pix  []uint8 // 3 bytes per pixel
}

func NewColorImage(w, h int) *ColorImage {
	return &ColorImage{W: w, H: h, Pix: make([]uint8, w*h*3)}
}

func (c *ColorImage) At(x, y int) (b, g, r uint8) {
	i := (y*c.W + x) * 3
	return c.Pix[i], c.Pix[i+1], c.Pix[i+2]
}

func (c *ColorImage) Set(x, y int, b, g, r uint8) {
	i := (y*c.W + x) * 3
	c.Pix[i], c.Pix[i+1], c.Pix[i+2] = b, g, r
}

// Gray converts to luminance with the usual BT.601 weights.
func (c *ColorImage) Gray() *GrayImage {
	out := NewGrayImage(c.W, c.H)
	for i := 0; i < c.W*c.H; i++ {
		b := float64(c.Pix[3*i])
		g := float64(c.Pix[3*i+1])
		r := float64(c.Pix[3*i+2])
		out.Pix[i] = uint8(0.114*b + 0.587*g + 0.299*r)
	}
	return out
}

// DepthImage is a 16-bit depth frame as delivered by the Kinect back-end.
type DepthImage struct {
	W, H int
	Pix  []uint16
}

func NewDepthImage(w, h int) *DepthImage {
	return &DepthImage{W: w, H: h, Pix: make([]uint16, w*h)}
}

func (d *DepthImage) At(x, y int) uint16 { return d.Pix[y*d.W+x] }

// colorImageFromMat snapshots an 8UC3 Mat into a ColorImage.
func colorImageFromMat(m gocv.Mat) (*ColorImage, error) {
	if m.Type() != gocv.MatTypeCV8UC3 {
		return nil, fmt.Errorf("expected 8UC3 frame, got type %d", m.Type())
	}
	img := &ColorImage{W: m.Cols(), H: m.Rows(), Pix: m.ToBytes()}
	if len(img.Pix) != img.W*img.H*3 {
		return nil, fmt.Errorf("frame buffer size %d does not match %dx%d", len(img.Pix), img.W, img.H)
	}
	return img, nil
}

// mat returns a Mat view suitable for gocv calls; caller closes it.
func (c *ColorImage) mat() (gocv.Mat, error) {
	return gocv.NewMatFromBytes(c.H, c.W, gocv.MatTypeCV8UC3, c.Pix)
}

func (g *GrayImage) mat() (gocv.Mat, error) {
	return gocv.NewMatFromBytes(g.H, g.W, gocv.MatTypeCV8U, g.Pix)
}
