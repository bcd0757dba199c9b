package scan

import (
	"math"
	"sync"

	"examguard/internal/session"
)

// Default coverage targets.
const (
	DefaultTargetSweep    = 180.0
	DefaultPitchThreshold = 20.0
)

// Quaternion is one rotation-vector sample.
type Quaternion struct {
	X, Y, Z, W float64
}

// Euler returns yaw and pitch in degrees.
func (q Quaternion) Euler() (yaw, pitch float64) {
	n := math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
	if n == 0 {
		return 0, 0
	}
	x, y, z, w := q.X/n, q.Y/n, q.Z/n, q.W/n

	yaw = math.Atan2(2*(w*z+x*y), 1-2*(y*y+z*z))
	s := 2 * (w*y - z*x)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	pitch = math.Asin(s)
	return yaw * 180 / math.Pi, pitch * 180 / math.Pi
}

// FromEuler builds a quaternion from yaw and pitch in degrees, roll zero.
func FromEuler(yaw, pitch float64) Quaternion {
	hy := yaw * math.Pi / 360
	hp := pitch * math.Pi / 360
	cy, sy := math.Cos(hy), math.Sin(hy)
	cp, sp := math.Cos(hp), math.Sin(hp)
	return Quaternion{
		X: -sy * sp,
		Y: cy * sp,
		Z: sy * cp,
		W: cy * cp,
	}
}

// CoverageTracker estimates the sweep achieved during a room scan.
// Angles are relative to the first sample; yaw is unwrapped so that a
// full turn counts as 360 degrees.
type CoverageTracker struct {
	targetSweep    float64
	pitchThreshold float64

	mu        sync.Mutex
	started   bool
	baseYaw   float64
	basePitch float64
	lastYaw   float64
	yaw       float64
	minYaw    float64
	maxYaw    float64
	up        bool
	down      bool
	samples   int
}

// NewCoverageTracker returns a tracker. Non-positive arguments select the defaults.
func NewCoverageTracker(targetSweep, pitchThreshold float64) *CoverageTracker {
	if targetSweep <= 0 {
		targetSweep = DefaultTargetSweep
	}
	if pitchThreshold <= 0 {
		pitchThreshold = DefaultPitchThreshold
	}
	return &CoverageTracker{targetSweep: targetSweep, pitchThreshold: pitchThreshold}
}

// Add consumes one sample.
func (c *CoverageTracker) Add(q Quaternion) {
	yaw, pitch := q.Euler()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples++
	if !c.started {
		c.started = true
		c.baseYaw, c.basePitch, c.lastYaw = yaw, pitch, yaw
		return
	}

	d := yaw - c.lastYaw
	for d > 180 {
		d -= 360
	}
	for d <= -180 {
		d += 360
	}
	c.lastYaw = yaw
	c.yaw += d
	c.minYaw = math.Min(c.minYaw, c.yaw)
	c.maxYaw = math.Max(c.maxYaw, c.yaw)

	rel := pitch - c.basePitch
	if rel >= c.pitchThreshold {
		c.up = true
	}
	if rel <= -c.pitchThreshold {
		c.down = true
	}
}

// Progress is the yaw span over the target sweep, capped at 1.
func (c *CoverageTracker) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

func (c *CoverageTracker) progressLocked() float64 {
	return math.Min(1, (c.maxYaw-c.minYaw)/c.targetSweep)
}

// PitchComplete reports whether both the up and down thresholds were crossed.
func (c *CoverageTracker) PitchComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up && c.down
}

// Complete reports full yaw progress and pitch completion.
func (c *CoverageTracker) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked() >= 1 && c.up && c.down
}

// Samples returns the number of samples consumed.
func (c *CoverageTracker) Samples() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.samples
}

// Coverage returns the ledger representation of the current sweep.
func (c *CoverageTracker) Coverage() session.Coverage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.Coverage{YawProgress: c.progressLocked(), PitchComplete: c.up && c.down}
}
