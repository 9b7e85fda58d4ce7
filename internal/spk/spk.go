// Package spk models loudspeaker arrays: per-speaker direction, gain and
// equalizer state for a broadband array plus an optional nested subwoofer
// array, loaded from a layout document.
package spk

import (
	"math"

	"github.com/soundstagelab/soundstage/internal/dsp"
)

// Speaker is one loudspeaker position inside an array.
type Speaker struct {
	Label  string
	Az     float64 // azimuth, degrees
	El     float64 // elevation, degrees
	Radius float64 // distance from the origin, m
	Gain   float64 // linear playback gain, >= 0

	// Calibration equalizer state.
	EQ       dsp.MultibandPareq
	EqFreq   []float32
	EqGain   []float32
	EqStages int

	Connect string // output port this speaker is wired to
}

// UnitVector returns the cartesian unit direction of the speaker.
func (s *Speaker) UnitVector() [3]float64 {
	az := s.Az * math.Pi / 180
	el := s.El * math.Pi / 180
	return [3]float64{
		math.Cos(az) * math.Cos(el),
		math.Sin(az) * math.Cos(el),
		math.Sin(el),
	}
}

// ClearEQ resets the calibration equalizer of the speaker.
func (s *Speaker) ClearEQ() {
	s.EQ.Clear()
	s.EqFreq = nil
	s.EqGain = nil
	s.EqStages = 0
}

// Array is a loudspeaker layout: broadband speakers plus an optional
// subwoofer array, and the layout-global calibration values.
type Array struct {
	Name     string
	Speakers []Speaker
	Subs     []Speaker

	// CalibLevelPa is the calibration reference level in pascals.
	CalibLevelPa float64
	// DiffuseGain is the linear diffuse-field rendering gain.
	DiffuseGain float64
	// CalibFor records which receiver configuration the stored
	// calibration was measured for.
	CalibFor string
}

// SameShape reports whether b has the same broadband and subwoofer
// speaker counts as a. Calibration applies identical gain math to two
// arrays and requires them to stay in lock-step.
func (a *Array) SameShape(b *Array) bool {
	return len(a.Speakers) == len(b.Speakers) && len(a.Subs) == len(b.Subs)
}

// DBToLin converts a level in dB to a linear factor.
func DBToLin(db float64) float64 { return math.Pow(10, db/20) }

// LinToDB converts a linear factor to dB.
func LinToDB(lin float64) float64 { return 20 * math.Log10(lin) }

// PaFromDB converts a calibration level in dB SPL to pascals.
func PaFromDB(db float64) float64 { return 2e-5 * math.Pow(10, db/20) }

// DBFromPa converts a calibration level in pascals to dB SPL.
func DBFromPa(pa float64) float64 { return 20 * math.Log10(pa*5e4) }
