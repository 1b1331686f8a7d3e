package scan

import (
	"fmt"

	"gocv.io/x/gocv"
)

// grayEncode maps n to its reflected binary Gray code.
func grayEncode(n uint32) uint32 { return n ^ (n >> 1) }

// grayDecode inverts grayEncode.
func grayDecode(g uint32) uint32 {
	b := g
	for shift := uint(1); shift < 32; shift <<= 1 {
		b ^= b >> shift
	}
	return b
}

// bitsFor returns the number of bits needed to count up to n-1.
func bitsFor(n int) int {
	bits := 0
	for (1 << bits) < n {
		bits++
	}
	return bits
}

// PatternSet is the Gray code projection sequence for one projector
// resolution: an all-white/all-black reference pair, then for each coded
// axis one direct/inverse pair per bit, columns before rows, MSB first.
type PatternSet struct {
	ProjW, ProjH     int
	ColBits, RowBits int
}

func NewPatternSet(p Params) *PatternSet {
	ps := &PatternSet{ProjW: p.ProjWidth, ProjH: p.ProjHeight}
	if p.CodeColumns() {
		ps.ColBits = bitsFor(p.ProjWidth)
	}
	if p.CodeRows() {
		ps.RowBits = bitsFor(p.ProjHeight)
	}
	return ps
}

// Count is the total number of frames in projection order.
func (ps *PatternSet) Count() int { return 2 + 2*ps.ColBits + 2*ps.RowBits }

// Pattern renders frame i of the sequence as a projector-sized gray image.
func (ps *PatternSet) Pattern(i int) *GrayImage {
	img := NewGrayImage(ps.ProjW, ps.ProjH)
	switch {
	case i == 0:
		for j := range img.Pix {
			img.Pix[j] = 255
		}
	case i == 1:
		// all black, zero value already
	case i < 2+2*ps.ColBits:
		k := (i - 2) / 2
		inverse := (i-2)%2 == 1
		for x := 0; x < ps.ProjW; x++ {
			on := (grayEncode(uint32(x))>>(ps.ColBits-1-k))&1 == 1
			if inverse {
				on = !on
			}
			if !on {
				continue
			}
			for y := 0; y < ps.ProjH; y++ {
				img.Pix[y*ps.ProjW+x] = 255
			}
		}
	default:
		j := i - 2 - 2*ps.ColBits
		k := j / 2
		inverse := j%2 == 1
		for y := 0; y < ps.ProjH; y++ {
			on := (grayEncode(uint32(y))>>(ps.RowBits-1-k))&1 == 1
			if inverse {
				on = !on
			}
			if !on {
				continue
			}
			for x := 0; x < ps.ProjW; x++ {
				img.Pix[y*ps.ProjW+x] = 255
			}
		}
	}
	return img
}

// PatternMat renders frame i as an 8UC3 Mat for the projector window.
func (ps *PatternSet) PatternMat(i int) (gocv.Mat, error) {
	img := ps.Pattern(i)
	buf := make([]uint8, len(img.Pix)*3)
	for j, v := range img.Pix {
		buf[3*j], buf[3*j+1], buf[3*j+2] = v, v, v
	}
	return gocv.NewMatFromBytes(ps.ProjH, ps.ProjW, gocv.MatTypeCV8UC3, buf)
}

// Correspondence maps each camera pixel to a projector column and row.
// Validity is tracked per axis: a pixel with only one decodable axis can
// still be triangulated against a single plane, at reduced reliability.
type Correspondence struct {
	W, H           int
	Col, Row       []int32
	ColValid       []bool
	RowValid       []bool
	HasCol, HasRow bool
	ProjW, ProjH   int
}

func newCorrespondence(w, h int, ps *PatternSet) *Correspondence {
	return &Correspondence{
		W: w, H: h,
		Col:      make([]int32, w*h),
		Row:      make([]int32, w*h),
		ColValid: make([]bool, w*h),
		RowValid: make([]bool, w*h),
		HasCol:   ps.ColBits > 0,
		HasRow:   ps.RowBits > 0,
		ProjW:    ps.ProjW,
		ProjH:    ps.ProjH,
	}
}

// Valid reports whether pixel index i decoded on at least one coded axis.
func (c *Correspondence) Valid(i int) bool {
	return (c.HasCol && c.ColValid[i]) || (c.HasRow && c.RowValid[i])
}

// Full reports whether pixel index i decoded on every coded axis.
func (c *Correspondence) Full(i int) bool {
	if c.HasCol && !c.ColValid[i] {
		return false
	}
	if c.HasRow && !c.RowValid[i] {
		return false
	}
	return c.HasCol || c.HasRow
}

// ValidCount returns the number of pixels with at least one decoded axis.
func (c *Correspondence) ValidCount() int {
	n := 0
	for i := range c.ColValid {
		if c.Valid(i) {
			n++
		}
	}
	return n
}

// decodeAxis accumulates one axis worth of direct/inverse pairs into
// per-pixel codes. frames holds the full capture sequence; off indexes the
// first direct frame of this axis.
func decodeAxis(frames []*GrayImage, off, bits, limit int, contrast, brightness float64,
	code []int32, valid []bool) {

	n := len(valid)
	acc := make([]uint32, n)
	for i := range valid {
		valid[i] = true
	}
	for k := 0; k < bits; k++ {
		direct := frames[off+2*k]
		inverse := frames[off+2*k+1]
		for i := 0; i < n; i++ {
			if !valid[i] {
				continue
			}
			d := float64(direct.Pix[i])
			v := float64(inverse.Pix[i])
			if d <= brightness && v <= brightness {
				valid[i] = false
				continue
			}
			diff := d - v
			if diff < 0 {
				diff = -diff
			}
			if diff <= contrast {
				// ambiguous bit, the pixel stands or falls on its own
				valid[i] = false
				continue
			}
			acc[i] <<= 1
			if d > v {
				acc[i] |= 1
			}
		}
	}
	for i := 0; i < n; i++ {
		if !valid[i] {
			continue
		}
		decoded := grayDecode(acc[i])
		if decoded >= uint32(limit) {
			valid[i] = false
			continue
		}
		code[i] = int32(decoded)
	}
}

// DecodeGrayCode decodes a captured frame sequence, in projection order,
// into a projector correspondence map. Shadowed, specular and occluded
// pixels end up invalid and produce no points downstream.
func DecodeGrayCode(frames []*GrayImage, ps *PatternSet, p Params) (*Correspondence, error) {
	if len(frames) != ps.Count() {
		return nil, fmt.Errorf("expected %d frames, got %d", ps.Count(), len(frames))
	}
	w, h := frames[0].W, frames[0].H
	for i, f := range frames {
		if f.W != w || f.H != h {
			return nil, fmt.Errorf("frame %d is %dx%d, want %dx%d", i, f.W, f.H, w, h)
		}
	}
	corr := newCorrespondence(w, h, ps)

	// The reference pair gives a shadow mask: anything the projector
	// cannot reach is darker lit than unlit.
	shadow := make([]bool, w*h)
	white, black := frames[0], frames[1]
	for i := range shadow {
		d := float64(white.Pix[i])
		v := float64(black.Pix[i])
		shadow[i] = d-v <= p.ContrastThreshold
	}

	if ps.ColBits > 0 {
		decodeAxis(frames, 2, ps.ColBits, ps.ProjW,
			p.ContrastThreshold, p.BrightnessThreshold, corr.Col, corr.ColValid)
	}
	if ps.RowBits > 0 {
		decodeAxis(frames, 2+2*ps.ColBits, ps.RowBits, ps.ProjH,
			p.ContrastThreshold, p.BrightnessThreshold, corr.Row, corr.RowValid)
	}
	for i, s := range shadow {
		if s {
			corr.ColValid[i] = false
			corr.RowValid[i] = false
		}
	}

	if corr.ValidCount() == 0 {
		return nil, ErrDecodeAllInvalid
	}
	return corr, nil
}
