// Package kalman implements the two-state filter that fuses accelerometer
// angle reconstructions and gyroscope rates into a crank angle and angular
// velocity estimate. The update step is modified for continuous rotation:
// the angle component lives in (-pi, pi] and innovations take the shortest
// arc around the circle.
package kalman

import (
	"math"
	"sync"

	"github.com/relabs-tech/crank_power_meter/internal/clock"
)

// Mat2 is a 2x2 matrix in row-major order. Only 2x2 shapes appear in the
// filter, so the arithmetic is open-coded rather than pulled from a matrix
// library.
type Mat2 [2][2]float64

// State is a (angle, angular velocity) pair.
type State struct {
	Angle    float64 // rad, in (-pi, pi]
	Velocity float64 // rad/s
}

// NormalizeAngle maps an angle into (-pi, pi] by repeatedly adding or
// subtracting a full turn.
func NormalizeAngle(a float64) float64 {
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}

// ShortestArc returns a-b for two angles, choosing the arc with |d| <= pi.
func ShortestArc(a, b float64) float64 {
	d := math.Mod(a-b+2*math.Pi, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	}
	return d
}

// Filter holds the shared (state, covariance, last-timestamp) triple. One
// task calls Update; any number of tasks may call Predict concurrently. A
// single mutex guards every access to the triple, mirroring the critical
// section the sample tasks rely on.
type Filter struct {
	mu sync.Mutex

	q Mat2 // environment covariance
	r Mat2 // measurement covariance

	x        State
	p        Mat2
	lastTime uint32
	primed   bool // lastTime holds a real capture timestamp
}

// New constructs a filter. p0 should be large so that wildly inaccurate
// initial guesses are quickly forgotten.
func New(q, r Mat2, x0 State, p0 Mat2) *Filter {
	return &Filter{q: q, r: r, x: x0, p: p0}
}

// SetCovariances swaps in new covariance constants, taking effect on the
// next Update or Predict.
func (f *Filter) SetCovariances(q, r Mat2) {
	f.mu.Lock()
	f.q = q
	f.r = r
	f.mu.Unlock()
}

// Reset replaces the state estimate and covariance and forgets the last
// capture timestamp.
func (f *Filter) Reset(x0 State, p0 Mat2) {
	f.mu.Lock()
	f.x = x0
	f.p = p0
	f.primed = false
	f.mu.Unlock()
}

// Update folds a new measurement captured at the given timestamp into the
// estimate. A measurement containing NaN is rejected outright: the stored
// state, covariance and timestamp are left untouched, so the next valid
// sample's timestep covers the gap.
func (f *Filter) Update(z State, now uint32) {
	if math.IsNaN(z.Angle) || math.IsNaN(z.Velocity) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var dt float64
	if f.primed {
		dt = clock.Seconds(clock.Delta(now, f.lastTime))
	}

	// Prediction step: x <- F x, P <- F P F' + Q with F = [[1, dt], [0, 1]].
	x := State{
		Angle:    NormalizeAngle(f.x.Angle + dt*f.x.Velocity),
		Velocity: f.x.Velocity,
	}
	p := predictCovariance(f.p, f.q, dt)

	// Refinement step with H = I: K = P (P + R)^-1.
	k := mul(p, inverse(add(p, f.r)))

	d := State{
		Angle:    ShortestArc(z.Angle, x.Angle),
		Velocity: z.Velocity - x.Velocity,
	}
	x.Angle = NormalizeAngle(x.Angle + k[0][0]*d.Angle + k[0][1]*d.Velocity)
	x.Velocity += k[1][0]*d.Angle + k[1][1]*d.Velocity

	// P <- P - K P.
	p = sub(p, mul(k, p))

	f.x = x
	f.p = p
	f.lastTime = now
	f.primed = true
}

// Predict advances the stored estimate to the given timestamp without
// mutating it. Two calls with the same timestamp and no intervening Update
// return identical results.
func (f *Filter) Predict(now uint32) (State, Mat2) {
	f.mu.Lock()
	x, p, lastTime, primed := f.x, f.p, f.lastTime, f.primed
	q := f.q
	f.mu.Unlock()

	var dt float64
	if primed {
		dt = clock.Seconds(clock.Delta(now, lastTime))
	}
	return State{
		Angle:    NormalizeAngle(x.Angle + dt*x.Velocity),
		Velocity: x.Velocity,
	}, predictCovariance(p, q, dt)
}

// predictCovariance computes F P F' + Q for F = [[1, dt], [0, 1]].
func predictCovariance(p, q Mat2, dt float64) Mat2 {
	fp := Mat2{
		{p[0][0] + dt*p[1][0], p[0][1] + dt*p[1][1]},
		{p[1][0], p[1][1]},
	}
	return Mat2{
		{fp[0][0] + dt*fp[0][1] + q[0][0], fp[0][1] + q[0][1]},
		{fp[1][0] + dt*fp[1][1] + q[1][0], fp[1][1] + q[1][1]},
	}
}

func add(a, b Mat2) Mat2 {
	return Mat2{
		{a[0][0] + b[0][0], a[0][1] + b[0][1]},
		{a[1][0] + b[1][0], a[1][1] + b[1][1]},
	}
}

func sub(a, b Mat2) Mat2 {
	return Mat2{
		{a[0][0] - b[0][0], a[0][1] - b[0][1]},
		{a[1][0] - b[1][0], a[1][1] - b[1][1]},
	}
}

func mul(a, b Mat2) Mat2 {
	return Mat2{
		{a[0][0]*b[0][0] + a[0][1]*b[1][0], a[0][0]*b[0][1] + a[0][1]*b[1][1]},
		{a[1][0]*b[0][0] + a[1][1]*b[1][0], a[1][0]*b[0][1] + a[1][1]*b[1][1]},
	}
}

// inverse inverts a 2x2 matrix. The filter only inverts P + R, whose
// determinant is strictly positive for positive-definite Q and R.
func inverse(m Mat2) Mat2 {
	det := m[0][0]*m[1][1] - m[0][1]*m[1][0]
	return Mat2{
		{m[1][1] / det, -m[0][1] / det},
		{-m[1][0] / det, m[0][0] / det},
	}
}
