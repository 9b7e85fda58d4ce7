package dsp

import (
	"fmt"
	"math"
	"strings"
)

// PeakStage is one parametric peaking section of a multiband equalizer.
type PeakStage struct {
	Freq   float64 // center frequency, Hz
	GainDB float64 // peak gain, dB
	Q      float64 // quality factor
}

// responseDB evaluates the magnitude response of the stage in dB at
// frequency f for sample rate fs, using the RBJ peaking prototype.
func (st PeakStage) responseDB(f, fs float64) float64 {
	a := math.Pow(10, st.GainDB/40)
	w0 := 2 * math.Pi * st.Freq / fs
	alpha := math.Sin(w0) / (2 * st.Q)
	b0 := 1 + alpha*a
	b1 := -2 * math.Cos(w0)
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := b1
	a2 := 1 - alpha/a
	w := 2 * math.Pi * f / fs
	cw, sw := math.Cos(w), math.Sin(w)
	c2w, s2w := math.Cos(2*w), math.Sin(2*w)
	nr := b0 + b1*cw + b2*c2w
	ni := -b1*sw - b2*s2w
	dr := a0 + a1*cw + a2*c2w
	di := -a1*sw - a2*s2w
	num := nr*nr + ni*ni
	den := dr*dr + di*di
	return 10 * math.Log10(num/den+1e-30)
}

// MultibandPareq is a cascade of parametric peaking stages fitted against
// a target band-gain curve.
type MultibandPareq struct {
	Stages []PeakStage
}

// NumStages returns the number of fitted stages.
func (eq *MultibandPareq) NumStages() int { return len(eq.Stages) }

// Clear removes all stages.
func (eq *MultibandPareq) Clear() { eq.Stages = nil }

// ResponseDB evaluates the cascade magnitude response in dB at f.
func (eq *MultibandPareq) ResponseDB(f, fs float64) float64 {
	var g float64
	for _, st := range eq.Stages {
		g += st.responseDB(f, fs)
	}
	return g
}

// OptimResponse fits numStages peaking stages so the cascade response
// approximates the target curve targetDB sampled at freqs. Stage centers
// are log-spaced across the frequency range; stage gains are refined by
// coordinate descent on the dB error at each center.
func (eq *MultibandPareq) OptimResponse(numStages int, freqs []float32, targetDB []float32, fs float64) error {
	if numStages <= 0 {
		eq.Clear()
		return nil
	}
	if len(freqs) < 2 || len(freqs) != len(targetDB) {
		return fmt.Errorf("eq fit needs matching frequency and gain vectors, got %d and %d", len(freqs), len(targetDB))
	}
	f0 := float64(freqs[0])
	f1 := float64(freqs[len(freqs)-1])
	if f0 <= 0 || f1 <= f0 {
		return fmt.Errorf("eq fit needs an increasing positive frequency range, got [%g %g]", f0, f1)
	}
	bwOct := math.Log2(f1/f0) / float64(numStages)
	// Q from bandwidth in octaves (RBJ cookbook)
	q := math.Sqrt(math.Pow(2, bwOct)) / (math.Pow(2, bwOct) - 1)
	eq.Stages = make([]PeakStage, numStages)
	for i := range eq.Stages {
		fc := f0 * math.Pow(f1/f0, (float64(i)+0.5)/float64(numStages))
		eq.Stages[i] = PeakStage{Freq: fc, GainDB: interpDB(freqs, targetDB, fc), Q: q}
	}
	// coordinate descent on stage gains
	for iter := 0; iter < 100; iter++ {
		var maxStep float64
		for i := range eq.Stages {
			fc := eq.Stages[i].Freq
			err := interpDB(freqs, targetDB, fc) - eq.ResponseDB(fc, fs)
			step := 0.5 * err
			eq.Stages[i].GainDB += step
			if a := math.Abs(step); a > maxStep {
				maxStep = a
			}
		}
		if maxStep < 0.01 {
			break
		}
	}
	return nil
}

// interpDB linearly interpolates the target curve at f over log frequency.
func interpDB(freqs []float32, gains []float32, f float64) float64 {
	if f <= float64(freqs[0]) {
		return float64(gains[0])
	}
	last := len(freqs) - 1
	if f >= float64(freqs[last]) {
		return float64(gains[last])
	}
	for i := 0; i < last; i++ {
		lo, hi := float64(freqs[i]), float64(freqs[i+1])
		if f >= lo && f <= hi {
			t := math.Log(f/lo) / math.Log(hi/lo)
			return float64(gains[i]) + t*(float64(gains[i+1])-float64(gains[i]))
		}
	}
	return float64(gains[last])
}

// String renders the stages for diagnostics.
func (eq *MultibandPareq) String() string {
	var b strings.Builder
	for i, st := range eq.Stages {
		fmt.Fprintf(&b, "stage %d: f=%.1f Hz gain=%.2f dB q=%.2f\n", i, st.Freq, st.GainDB, st.Q)
	}
	return b.String()
}
