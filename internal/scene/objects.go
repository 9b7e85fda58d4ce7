// Package scene holds the scene object graph: scenes of sound sources,
// receivers and diffuse sound fields, plus inter-module connections and
// named time ranges. The graph is pure data with validation invariants;
// concurrency discipline lives in the session runtime that owns it.
package scene

import (
	"math"
	"strconv"

	"github.com/soundstagelab/soundstage/internal/spk"
)

// Vec3 is a cartesian position or direction.
type Vec3 struct {
	X, Y, Z float64
}

// Vec3From converts a unit-vector triple into a Vec3.
func Vec3From(v [3]float64) Vec3 { return Vec3{v[0], v[1], v[2]} }

// Norm returns the euclidean length of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Object is the shared state of every scene object. Mutation after the
// session has started must happen under the session variable lock.
type Object struct {
	Name     string
	Muted    bool
	Location Vec3
}

// SetMute mutes or unmutes the object.
func (o *Object) SetMute(b bool) { o.Muted = b }

// IsMuted reports the mute state.
func (o *Object) IsMuted() bool { return o.Muted }

// Generator produces the stimulus signal of a source or diffuse field,
// one buffer per audio cycle.
type Generator interface {
	Fill(dst []float32, frame uint64)
}

// SourceObject is a point sound source.
type SourceObject struct {
	Object
	Gen Generator
}

// DiffuseFieldObject is a spatially distributed sound source.
type DiffuseFieldObject struct {
	Object
	Gen Generator
}

// ReceiverImpl is the rendering-side implementation behind a receiver
// object. Implementations that are backed by a loudspeaker array answer
// the capability query with their array.
type ReceiverImpl interface {
	// Channels returns the number of output channels the receiver renders.
	Channels() int
	// AsSpeakerArray returns the backing speaker array, if any.
	AsSpeakerArray() (*spk.Array, bool)
}

// ReceiverObject is a listening point that maps scene geometry to output
// channels.
type ReceiverObject struct {
	Object
	Type string
	Impl ReceiverImpl

	// CalibLevelPa is the calibration reference level in pascals.
	CalibLevelPa float64
	// DiffuseGain is the linear diffuse-field rendering gain.
	DiffuseGain float64
}

// Ports returns the output port names of the receiver, in the form
// "render.<scene>:<receiver>.<channel>".
func (r *ReceiverObject) Ports(sceneName string) []string {
	n := 1
	if r.Impl != nil {
		n = r.Impl.Channels()
	}
	ports := make([]string, n)
	for i := range ports {
		ports[i] = "render." + sceneName + ":" + r.Name + "." + strconv.Itoa(i)
	}
	return ports
}

// Connection routes one audio port to another; endpoints are validated
// against live port names at session start.
type Connection struct {
	Src  string
	Dest string
}

// Range is a named interval over the global transport clock. Overlap is
// not constrained here; consumers interpret ranges.
type Range struct {
	Name  string
	Start float64
	End   float64
}

// NamedObject is a non-owning reference to a scene object produced by
// pattern lookup. It must not outlive the referenced object.
type NamedObject struct {
	Obj  *Object
	Name string
}
