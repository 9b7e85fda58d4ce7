package dsp

import (
	"fmt"
	"math"
	"strings"
)

// Weight selects the spectral weighting applied before level integration.
type Weight int

const (
	// WeightZ is flat (no weighting).
	WeightZ Weight = iota
	// WeightC is IEC 61672 C-weighting.
	WeightC
	// WeightA is IEC 61672 A-weighting.
	WeightA
)

// ParseWeight parses a weighting name ("Z", "C", "A", case-insensitive).
func ParseWeight(s string) (Weight, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "Z":
		return WeightZ, nil
	case "C":
		return WeightC, nil
	case "A":
		return WeightA, nil
	}
	return WeightZ, fmt.Errorf("unknown level meter weighting %q", s)
}

// String returns the canonical weighting name.
func (w Weight) String() string {
	switch w {
	case WeightC:
		return "C"
	case WeightA:
		return "A"
	}
	return "Z"
}

// onePole is a first-order section used to build the weighting cascades.
type onePole struct {
	highpass bool
	a        float64 // smoothing coefficient
	yPrev    float64
	xPrev    float64
}

func (p *onePole) process(x float64) float64 {
	if p.highpass {
		y := p.a * (p.yPrev + x - p.xPrev)
		p.xPrev = x
		p.yPrev = y
		return y
	}
	y := p.yPrev + p.a*(x-p.yPrev)
	p.yPrev = y
	return y
}

// analog pole frequencies of the IEC weighting curves, Hz
const (
	wPole1 = 20.598997
	wPole2 = 107.65265
	wPole3 = 737.86223
	wPole4 = 12194.217
)

func weightingCascade(w Weight, fs float64) []*onePole {
	hp := func(f float64) *onePole {
		rc := 1 / (2 * math.Pi * f)
		dt := 1 / fs
		return &onePole{highpass: true, a: rc / (rc + dt)}
	}
	lp := func(f float64) *onePole {
		rc := 1 / (2 * math.Pi * f)
		dt := 1 / fs
		return &onePole{a: dt / (rc + dt)}
	}
	switch w {
	case WeightC:
		return []*onePole{hp(wPole1), hp(wPole1), lp(wPole4), lp(wPole4)}
	case WeightA:
		return []*onePole{hp(wPole1), hp(wPole1), hp(wPole2), hp(wPole3), lp(wPole4), lp(wPole4)}
	}
	return nil
}

// weightingNorm returns the analog magnitude of the cascade at 1 kHz so
// the meter reads 0 dB relative at the reference frequency.
func weightingNorm(w Weight) float64 {
	f := 1000.0
	mag := 1.0
	hpMag := func(fp float64) float64 { return f / math.Hypot(f, fp) }
	lpMag := func(fp float64) float64 { return fp / math.Hypot(f, fp) }
	switch w {
	case WeightC:
		mag = hpMag(wPole1) * hpMag(wPole1) * lpMag(wPole4) * lpMag(wPole4)
	case WeightA:
		mag = hpMag(wPole1) * hpMag(wPole1) * hpMag(wPole2) * hpMag(wPole3) *
			lpMag(wPole4) * lpMag(wPole4)
	}
	return mag
}

// LevelMeter integrates the weighted mean-square level of one capture
// window at a time. Update replaces the previous window.
type LevelMeter struct {
	fs     float64
	weight Weight
	ms     float64
}

// NewLevelMeter creates a meter for the given sample rate and weighting.
func NewLevelMeter(fs float64, weight Weight) *LevelMeter {
	return &LevelMeter{fs: fs, weight: weight}
}

// Update computes the weighted mean square of w, replacing any previous
// window.
func (m *LevelMeter) Update(w []float32) {
	if len(w) == 0 {
		m.ms = 0
		return
	}
	cascade := weightingCascade(m.weight, m.fs)
	norm := weightingNorm(m.weight)
	var sum float64
	for _, s := range w {
		x := float64(s)
		for _, p := range cascade {
			x = p.process(x)
		}
		sum += x * x
	}
	m.ms = sum / (float64(len(w)) * norm * norm)
}

// Ms returns the mean-square level of the last window.
func (m *LevelMeter) Ms() float64 { return m.ms }

// DB returns the mean-square level of the last window in dB.
func (m *LevelMeter) DB() float64 { return 10 * math.Log10(m.ms+1e-30) }
