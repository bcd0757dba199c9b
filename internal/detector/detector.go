// Package detector classifies camera frames into presence results.
//
// The detector is stateless: it wraps a face-finding primitive and maps
// its output onto a closed set of results. Temporal reasoning belongs to
// the monitor package.
package detector

import (
	"context"
	"fmt"
	"math"
	"time"
)

// DefaultLookAwayDegrees is the yaw above which a face is looking away.
const DefaultLookAwayDegrees = 30.0

// Frame is one camera frame. Data may alias a reused camera buffer.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Rotation  int
	Timestamp time.Time
}

// Clone returns a frame with its own copy of Data.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// Box is a face bounding box in frame pixels.
type Box struct {
	Left, Top, Width, Height int
}

// Face is one face found by the primitive.
type Face struct {
	Box Box
	// Yaw is the horizontal head angle in degrees, 0 facing the camera.
	Yaw float64
	// Roll is the in-plane head tilt in degrees.
	Roll float64
}

// FaceFinder is the face-detection primitive supplied by the host.
type FaceFinder interface {
	FindFaces(ctx context.Context, frame Frame) ([]Face, error)
}

// Result is the sealed classification of one frame: ValidFace, NoFace,
// MultipleFaces, LookingAway or Error.
type Result interface {
	isResult()
	String() string
}

// ValidFace is a single face looking at the screen.
type ValidFace struct {
	Box  Box
	Yaw  float64
	Roll float64
}

// NoFace means no face was found.
type NoFace struct{}

// MultipleFaces means more than one face was found.
type MultipleFaces struct {
	Count int
}

// LookingAway is a single face turned beyond the threshold.
type LookingAway struct {
	Angle float64
}

// Error is a primitive failure absorbed into a result.
type Error struct {
	Msg string
}

func (ValidFace) isResult()     {}
func (NoFace) isResult()        {}
func (MultipleFaces) isResult() {}
func (LookingAway) isResult()   {}
func (Error) isResult()         {}

func (r ValidFace) String() string     { return fmt.Sprintf("ValidFace(yaw=%.1f)", r.Yaw) }
func (NoFace) String() string          { return "NoFace" }
func (r MultipleFaces) String() string { return fmt.Sprintf("MultipleFaces(%d)", r.Count) }
func (r LookingAway) String() string   { return fmt.Sprintf("LookingAway(%.1f)", r.Angle) }
func (r Error) String() string         { return "Error(" + r.Msg + ")" }

// Classify maps the faces found in a frame to a Result.
func Classify(faces []Face, lookAwayDegrees float64) Result {
	switch n := len(faces); {
	case n == 0:
		return NoFace{}
	case n > 1:
		return MultipleFaces{Count: n}
	}
	f := faces[0]
	if math.Abs(f.Yaw) > lookAwayDegrees {
		return LookingAway{Angle: f.Yaw}
	}
	return ValidFace{Box: f.Box, Yaw: f.Yaw, Roll: f.Roll}
}

// Detector classifies frames with a FaceFinder.
type Detector struct {
	finder          FaceFinder
	lookAwayDegrees float64
}

// New returns a Detector. A non-positive threshold selects the default.
func New(finder FaceFinder, lookAwayDegrees float64) (*Detector, error) {
	if finder == nil {
		return nil, fmt.Errorf("detector: face finder is required")
	}
	if lookAwayDegrees <= 0 {
		lookAwayDegrees = DefaultLookAwayDegrees
	}
	return &Detector{finder: finder, lookAwayDegrees: lookAwayDegrees}, nil
}

// Detect classifies frame. Primitive errors and panics become Error.
func (d *Detector) Detect(ctx context.Context, frame Frame) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Error{Msg: fmt.Sprintf("face finder panic: %v", r)}
		}
	}()
	faces, err := d.finder.FindFaces(ctx, frame)
	if err != nil {
		return Error{Msg: err.Error()}
	}
	return Classify(faces, d.lookAwayDegrees)
}
