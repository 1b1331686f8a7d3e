package scan

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Intrinsics is a 3x3 pinhole matrix with the OpenCV 5-coefficient
// radial+tangential distortion vector (k1, k2, p1, p2, k3).
type Intrinsics struct {
	K    [3][3]float64
	Dist [5]float64
}

func (in Intrinsics) fx() float64 { return in.K[0][0] }
func (in Intrinsics) fy() float64 { return in.K[1][1] }
func (in Intrinsics) cx() float64 { return in.K[0][2] }
func (in Intrinsics) cy() float64 { return in.K[1][2] }

// Pose is a rigid transform: X' = R*X + T.
type Pose struct {
	R [3][3]float64
	T r3.Vector
}

func (p Pose) apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.R[0][0]*v.X + p.R[0][1]*v.Y + p.R[0][2]*v.Z + p.T.X,
		Y: p.R[1][0]*v.X + p.R[1][1]*v.Y + p.R[1][2]*v.Z + p.T.Y,
		Z: p.R[2][0]*v.X + p.R[2][1]*v.Y + p.R[2][2]*v.Z + p.T.Z,
	}
}

func (p Pose) rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.R[0][0]*v.X + p.R[0][1]*v.Y + p.R[0][2]*v.Z,
		Y: p.R[1][0]*v.X + p.R[1][1]*v.Y + p.R[1][2]*v.Z,
		Z: p.R[2][0]*v.X + p.R[2][1]*v.Y + p.R[2][2]*v.Z,
	}
}

// rotateT applies the transposed (inverse) rotation.
func (p Pose) rotateT(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: p.R[0][0]*v.X + p.R[1][0]*v.Y + p.R[2][0]*v.Z,
		Y: p.R[0][1]*v.X + p.R[1][1]*v.Y + p.R[2][1]*v.Z,
		Z: p.R[0][2]*v.X + p.R[1][2]*v.Y + p.R[2][2]*v.Z,
	}
}

func (p Pose) det() float64 {
	r := p.R
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// composeProCam combines two board poses into the projector-in-camera transform:
// with X_c = Rc*X_b + tc and X_p = Rp*X_b + tp, the result maps camera
// frame coordinates into the projector frame.
func composeProCam(cam, proj Pose) Pose {
	var out Pose
	// R = Rp * Rc^T
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for k := 0; k < 3; k++ {
				s += proj.R[i][k] * cam.R[j][k]
			}
			out.R[i][j] = s
		}
	}
	// t = tp - R * tc
	out.T = proj.T.Sub(out.rotate(cam.T))
	return out
}

// rodrigues converts an axis-angle rotation vector to a rotation matrix.
func rodrigues(rvec r3.Vector) [3][3]float64 {
	theta := rvec.Norm()
	if theta < 1e-12 {
		return [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	one := 1 - c
	return [3][3]float64{
		{c + k.X*k.X*one, k.X*k.Y*one - k.Z*s, k.X*k.Z*one + k.Y*s},
		{k.Y*k.X*one + k.Z*s, c + k.Y*k.Y*one, k.Y*k.Z*one - k.X*s},
		{k.Z*k.X*one - k.Y*s, k.Z*k.Y*one + k.X*s, c + k.Z*k.Z*one},
	}
}

// rodriguesInv converts a rotation matrix back to an axis-angle vector.
func rodriguesInv(r [3][3]float64) r3.Vector {
	tr := r[0][0] + r[1][1] + r[2][2]
	cos := (tr - 1) / 2
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	theta := math.Acos(cos)
	if theta < 1e-12 {
		return r3.Vector{}
	}
	axis := r3.Vector{
		X: r[2][1] - r[1][2],
		Y: r[0][2] - r[2][0],
		Z: r[1][0] - r[0][1],
	}
	s := 2 * math.Sin(theta)
	if math.Abs(s) < 1e-12 {
		// theta near pi, pull the axis off the diagonal
		axis = r3.Vector{
			X: math.Sqrt(math.Max(0, (r[0][0]+1)/2)),
			Y: math.Sqrt(math.Max(0, (r[1][1]+1)/2)),
			Z: math.Sqrt(math.Max(0, (r[2][2]+1)/2)),
		}.Normalize()
		return axis.Mul(theta)
	}
	return axis.Mul(theta / s)
}

// normalizePixel maps a pixel to normalized image coordinates through K.
func normalizePixel(u, v float64, in Intrinsics) (float64, float64) {
	return (u - in.cx()) / in.fx(), (v - in.cy()) / in.fy()
}

const undistortIters = 20

// undistortPixel removes lens distortion iteratively, returning normalized
// coordinates. Same fixed-point scheme OpenCV uses internally.
func undistortPixel(u, v float64, in Intrinsics) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Dist[0], in.Dist[1], in.Dist[2], in.Dist[3], in.Dist[4]
	x0, y0 := normalizePixel(u, v, in)
	x, y := x0, y0
	for i := 0; i < undistortIters; i++ {
		r2 := x*x + y*y
		radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		xn := (x0 - dx) / radial
		yn := (y0 - dy) / radial
		if (xn-x)*(xn-x)+(yn-y)*(yn-y) == 0 {
			x, y = xn, yn
			break
		}
		x, y = xn, yn
	}
	return x, y
}

// distortPixel applies the distortion model to normalized coordinates and
// returns pixel coordinates. Inverse of undistortPixel up to convergence.
func distortPixel(x, y float64, in Intrinsics) (float64, float64) {
	k1, k2, p1, p2, k3 := in.Dist[0], in.Dist[1], in.Dist[2], in.Dist[3], in.Dist[4]
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd*in.fx() + in.cx(), yd*in.fy() + in.cy()
}

// Plane is n.x + d = 0 with unit normal, in the camera frame.
type Plane struct {
	N r3.Vector
	D float64
}

func planeFromPoints(p0, p1, p2 r3.Vector) Plane {
	n := p1.Sub(p0).Cross(p2.Sub(p0)).Normalize()
	return Plane{N: n, D: -n.Dot(p0)}
}

// intersectRay solves for t in n.(t*dir) + d = 0; rays start at the camera
// center, which is the origin of the camera frame.
func (pl Plane) intersectRay(dir r3.Vector) (r3.Vector, bool) {
	denom := pl.N.Dot(dir)
	if math.Abs(denom) < 1e-12 {
		return r3.Vector{}, false
	}
	t := -pl.D / denom
	if t <= 0 {
		return r3.Vector{}, false
	}
	return dir.Mul(t), true
}

// ProCamGeometry holds the per-camera-pixel viewing rays and the
// per-projector-column/row planes, all in the camera frame.
type ProCamGeometry struct {
	W, H       int
	CamRays    []r3.Vector // unit, indexed by camera pixel
	ColPlanes  []Plane     // indexed by projector column
	RowPlanes  []Plane     // indexed by projector row
	ProjCenter r3.Vector
}

// EvaluateProCamGeometry precomputes rays and planes from a complete
// calibration. It is a pure function of its inputs: calling it twice with
// unchanged inputs yields identical tables.
func EvaluateProCamGeometry(p Params, cam, proj Intrinsics, procam Pose) (*ProCamGeometry, error) {
	if d := procam.det(); math.Abs(d-1) > 1e-6 {
		return nil, fmt.Errorf("%w: extrinsic rotation determinant %f", ErrSolverNonConvergent, d)
	}
	g := &ProCamGeometry{
		W:       p.CamWidth,
		H:       p.CamHeight,
		CamRays: make([]r3.Vector, p.CamWidth*p.CamHeight),
	}
	for v := 0; v < p.CamHeight; v++ {
		for u := 0; u < p.CamWidth; u++ {
			x, y := undistortPixel(float64(u), float64(v), cam)
			g.CamRays[v*p.CamWidth+u] = r3.Vector{X: x, Y: y, Z: 1}.Normalize()
		}
	}

	// Projector center in the camera frame: Cp = -R^T * t.
	g.ProjCenter = procam.rotateT(procam.T).Mul(-1)

	// A projector ray through pixel (x, y) expressed in the camera frame.
	projRay := func(x, y float64) r3.Vector {
		nx, ny := undistortPixel(x, y, proj)
		return procam.rotateT(r3.Vector{X: nx, Y: ny, Z: 1})
	}

	if p.CodeColumns() {
		g.ColPlanes = make([]Plane, p.ProjWidth)
		for x := 0; x < p.ProjWidth; x++ {
			p1 := g.ProjCenter.Add(projRay(float64(x), 0))
			p2 := g.ProjCenter.Add(projRay(float64(x), float64(p.ProjHeight-1)))
			g.ColPlanes[x] = planeFromPoints(g.ProjCenter, p1, p2)
		}
	}
	if p.CodeRows() {
		g.RowPlanes = make([]Plane, p.ProjHeight)
		for y := 0; y < p.ProjHeight; y++ {
			p1 := g.ProjCenter.Add(projRay(0, float64(y)))
			p2 := g.ProjCenter.Add(projRay(float64(p.ProjWidth-1), float64(y)))
			g.RowPlanes[y] = planeFromPoints(g.ProjCenter, p1, p2)
		}
	}
	return g, nil
}
