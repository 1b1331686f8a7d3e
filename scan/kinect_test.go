package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinectDepthToWorld(t *testing.T) {
	m := StockKinectMapper{}

	// the optical axis maps to x = y = 0
	p := m.DepthToWorld(320, 240, 800)
	assert.Zero(t, p.X)
	assert.Zero(t, p.Y)
	assert.Equal(t, -600.0, p.Z)

	// the reference distance maps to z = 0
	assert.Zero(t, m.DepthToWorld(100, 100, 200).Z)
}

func TestKinectWorldColorRoundtrip(t *testing.T) {
	m := StockKinectMapper{}
	cases := [][3]float64{
		{100, 150, 700},
		{0, 0, 500},
		{639, 479, 1200},
		{320, 240, 300},
	}
	for _, c := range cases {
		p := m.DepthToWorld(int(c[0]), int(c[1]), c[2])
		x, y := m.WorldToColor(p)
		assert.InDelta(t, c[0], x, 1e-9)
		assert.InDelta(t, c[1], y, 1e-9)
	}
}

func TestKinectCameraRequiresSource(t *testing.T) {
	c := &KinectCamera{}
	assert.ErrorIs(t, c.Init(DefaultParams()), ErrCameraInit)
}

type fakeDepthSource struct {
	depth *DepthImage
	color *ColorImage
}

func (s *fakeDepthSource) NextFrame() (*DepthImage, *ColorImage, error) {
	return s.depth, s.color, nil
}

func TestKinectCameraFrames(t *testing.T) {
	depth := NewDepthImage(4, 4)
	color := NewColorImage(4, 4)
	c := &KinectCamera{Source: &fakeDepthSource{depth: depth, color: color}}
	require.NoError(t, c.Init(DefaultParams()))
	require.NoError(t, c.StartCapture())

	frame, err := c.QueryFrame()
	require.NoError(t, err)
	assert.Equal(t, color, frame)
	assert.Equal(t, depth, c.LastDepth())
	assert.NoError(t, c.EndCapture())
}

func TestCloudFromDepth(t *testing.T) {
	depth := NewDepthImage(3, 2)
	for i := range depth.Pix {
		depth.Pix[i] = 500
	}
	depth.Pix[4] = 0 // dropout

	color := NewColorImage(640, 480)
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			color.Set(x, y, 1, 2, 3)
		}
	}

	cloud := CloudFromDepth(depth, color, StockKinectMapper{}, DefaultParams())
	require.Equal(t, 5, cloud.Size())
	for _, pt := range cloud.Points {
		assert.Equal(t, -300.0, pt.P.Z)
		assert.True(t, pt.Reliable)
		assert.Equal(t, uint8(1), pt.B)
		assert.Equal(t, uint8(3), pt.R)
	}
}

func TestCloudFromDepthWithoutColor(t *testing.T) {
	depth := NewDepthImage(2, 2)
	depth.Pix[0] = 700
	cloud := CloudFromDepth(depth, nil, StockKinectMapper{}, DefaultParams())
	require.Equal(t, 1, cloud.Size())
	assert.Zero(t, cloud.Points[0].R)
}
