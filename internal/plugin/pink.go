package plugin

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// PinkNoise is the band-limited pink-noise stimulus generator used for
// calibration measurements. It implements both the module capability set
// and the scene signal-generator contract.
type PinkNoise struct {
	Level  float64 // stimulus level, dB SPL
	Period float64 // stimulus period, s
	FMin   float64 // lower band edge, Hz
	FMax   float64 // upper band edge, Hz

	fs  float64
	rng *rand.Rand

	// Kellet pink filter state plus band-limit one-poles
	b0, b1, b2 float64
	hpY, hpX   float64
	lpY        float64
}

// NewPinkNoise constructs the generator from description attributes.
func NewPinkNoise(cfg Config) (*PinkNoise, error) {
	p := &PinkNoise{
		Level:  70,
		Period: 1,
		FMin:   62.5,
		FMax:   4000,
		rng:    rand.New(rand.NewSource(0x70696e6b)),
	}
	var err error
	attr := func(name string, dst *float64) {
		if err != nil {
			return
		}
		v, ok := cfg.Attrs[name]
		if !ok {
			return
		}
		var f float64
		if f, err = strconv.ParseFloat(v, 64); err != nil {
			err = fmt.Errorf("invalid attribute %s=%q: %w", name, v, err)
			return
		}
		*dst = f
	}
	attr("level", &p.Level)
	attr("period", &p.Period)
	attr("fmin", &p.FMin)
	attr("fmax", &p.FMax)
	if err != nil {
		return nil, err
	}
	if p.FMin <= 0 || p.FMax <= p.FMin {
		return nil, fmt.Errorf("invalid stimulus band [%g %g] Hz", p.FMin, p.FMax)
	}
	if p.Period <= 0 {
		return nil, fmt.Errorf("invalid stimulus period %g s", p.Period)
	}
	return p, nil
}

// Prepare stores the processing chunk configuration.
func (p *PinkNoise) Prepare(cfg ChunkConfig) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("pink stimulus needs a positive sample rate, got %g", cfg.SampleRate)
	}
	p.fs = cfg.SampleRate
	return nil
}

// Update is called once per audio cycle; the generator has no geometry.
func (p *PinkNoise) Update(uint64, bool) {}

// Release resets the filter state.
func (p *PinkNoise) Release() {
	p.b0, p.b1, p.b2 = 0, 0, 0
	p.hpY, p.hpX, p.lpY = 0, 0, 0
}

// ValidateAttributes warns about stimulus settings that commonly indicate
// a misconfigured measurement.
func (p *PinkNoise) ValidateAttributes(warnings *strings.Builder) {
	if p.Level > 90 {
		fmt.Fprintf(warnings, "pink stimulus level %.1f dB is unusually high\n", p.Level)
	}
}

// Fill writes one buffer of band-limited pink noise scaled to the
// configured level.
func (p *PinkNoise) Fill(dst []float32, _ uint64) {
	fs := p.fs
	if fs <= 0 {
		fs = 44100
	}
	hpA := 1 / (1 + 2*math.Pi*p.FMin/fs)
	lpA := 1 / (1 + fs/(2*math.Pi*p.FMax))
	// Kellet's economy pink filter has roughly 0.18 RMS for unit white
	// noise; scale so the stimulus RMS matches the level in pascals.
	amp := 2e-5 * math.Pow(10, p.Level/20) / 0.18
	for i := range dst {
		w := p.rng.Float64()*2 - 1
		p.b0 = 0.99765*p.b0 + w*0.0990460
		p.b1 = 0.96300*p.b1 + w*0.2965164
		p.b2 = 0.57000*p.b2 + w*1.0526913
		pink := p.b0 + p.b1 + p.b2 + w*0.1848
		hp := hpA * (p.hpY + pink - p.hpX)
		p.hpX = pink
		p.hpY = hp
		p.lpY += lpA * (hp - p.lpY)
		dst[i] = float32(amp * p.lpY)
	}
}

func init() {
	Register("pink", func(cfg Config) (Plugin, error) { return NewPinkNoise(cfg) })
}
