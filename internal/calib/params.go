// Package calib implements the speaker-array calibration engine: it
// builds a dedicated session runtime wired for measurement, sequences
// the mute-state protocol, drives blocking captures, performs band-level
// analysis and gain/EQ optimization, and persists the results into the
// speaker layout document.
package calib

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Params holds the calibration parameters of one measurement band
// (broadband or subwoofer). Two independently defaulted instances exist
// per calibration session.
type Params struct {
	FMin           float32 // lower frequency limit, Hz
	FMax           float32 // upper frequency limit, Hz
	Duration       float32 // stimulus duration, s
	Prewait        float32 // settling time between stimulus onset and capture, s
	RefLevel       float32 // reference stimulus level, dB
	BandsPerOctave float32 // filterbank resolution
	BandOverlap    float32 // filterbank band overlap, bands
	MaxEqStages    int     // upper bound on fitted equalizer stages
	Sub            bool    // subwoofer band
}

// NewParams returns factory defaults for the given band.
func NewParams(sub bool) Params {
	p := Params{Sub: sub}
	p.FactoryReset()
	return p
}

// FactoryReset restores the factory defaults.
func (p *Params) FactoryReset() {
	if p.Sub {
		p.FMin = 31.25
		p.FMax = 62.5
		p.Duration = 4
	} else {
		p.FMin = 62.5
		p.FMax = 4000
		p.Duration = 1
	}
	p.Prewait = 0.125
	p.RefLevel = 70
	p.BandsPerOctave = 3
	p.BandOverlap = 2
	p.MaxEqStages = 0
}

// Defaults provides configured calibration defaults. It replaces any
// global configuration lookup; callers source it once at startup.
type Defaults interface {
	// Float returns the configured value for key, or def when unset.
	Float(key string, def float64) float64
}

// ReadDefaults resets to factory values, then overrides from the
// provider (keys "spkcalib.fmin" etc., "spkcalib.sub.*" for the
// subwoofer band). A nil provider leaves factory defaults.
func (p *Params) ReadDefaults(d Defaults) {
	p.FactoryReset()
	if d == nil {
		return
	}
	prefix := "spkcalib."
	if p.Sub {
		prefix = "spkcalib.sub."
	}
	get := func(key string, dst *float32) {
		*dst = float32(d.Float(prefix+key, float64(*dst)))
	}
	get("fmin", &p.FMin)
	get("fmax", &p.FMax)
	get("duration", &p.Duration)
	get("prewait", &p.Prewait)
	get("reflevel", &p.RefLevel)
	get("bandsperoctave", &p.BandsPerOctave)
	get("bandoverlap", &p.BandOverlap)
	p.MaxEqStages = int(d.Float(prefix+"max_eqstages", float64(p.MaxEqStages)))
}

// configElement returns the parameter block name inside the layout
// document.
func (p *Params) configElement() string {
	if p.Sub {
		return "subcalibconfig"
	}
	return "speakercalibconfig"
}

// ReadLayout loads the parameter block from a layout root element,
// keeping current values for absent attributes.
func (p *Params) ReadLayout(root *etree.Element) error {
	el := root.SelectElement(p.configElement())
	if el == nil {
		return nil
	}
	var err error
	get := func(name string, dst *float32) {
		if err != nil {
			return
		}
		v := el.SelectAttrValue(name, "")
		if v == "" {
			return
		}
		var f float64
		if f, err = strconv.ParseFloat(v, 32); err != nil {
			err = fmt.Errorf("%s: invalid attribute %s=%q: %w", p.configElement(), name, v, err)
			return
		}
		*dst = float32(f)
	}
	get("fmin", &p.FMin)
	get("fmax", &p.FMax)
	get("duration", &p.Duration)
	get("prewait", &p.Prewait)
	get("reflevel", &p.RefLevel)
	get("bandsperoctave", &p.BandsPerOctave)
	get("bandoverlap", &p.BandOverlap)
	return err
}

// SaveLayout writes the parameter block onto a layout root element,
// creating it when absent.
func (p *Params) SaveLayout(root *etree.Element) {
	el := root.SelectElement(p.configElement())
	if el == nil {
		el = root.CreateElement(p.configElement())
	}
	set := func(name string, v float32) {
		el.CreateAttr(name, strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	set("fmin", p.FMin)
	set("fmax", p.FMax)
	set("duration", p.Duration)
	set("prewait", p.Prewait)
	set("reflevel", p.RefLevel)
	set("bandsperoctave", p.BandsPerOctave)
	set("bandoverlap", p.BandOverlap)
}

// ParseCalibFor parses the calibfor provenance grammar: a comma
// separated list of key:value pairs, e.g. "type:nsp,order:3". A
// malformed entry is a fatal configuration error. The empty string
// defaults to "type:nsp".
func ParseCalibFor(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]string{"type": "nsp"}, nil
	}
	out := make(map[string]string)
	for _, token := range strings.Split(s, ",") {
		pair := strings.Split(token, ":")
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			return nil, fmt.Errorf("invalid format of 'calibfor' attribute %q: expected comma separated list of name:value pairs", s)
		}
		out[strings.TrimSpace(pair[0])] = strings.TrimSpace(pair[1])
	}
	return out, nil
}
