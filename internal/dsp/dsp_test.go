package dsp

import (
	"math"
	"testing"
)

func sine(freq, fs float64, n int, amp float64) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/fs))
	}
	return w
}

func TestBandFreqs(t *testing.T) {
	tests := []struct {
		name       string
		fmin, fmax float32
		bpo        float32
		want       int
	}{
		{"broadband thirds", 62.5, 4000, 3, 19},
		{"sub thirds", 31.25, 62.5, 3, 4},
		{"single octave", 100, 200, 1, 2},
		{"invalid range", 200, 100, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			freqs := BandFreqs(tt.fmin, tt.fmax, tt.bpo)
			if len(freqs) != tt.want {
				t.Fatalf("got %d bands, want %d (%v)", len(freqs), tt.want, freqs)
			}
			if tt.want > 0 && math.Abs(float64(freqs[0]-tt.fmin)) > 1e-4 {
				t.Errorf("first band %v, want %v", freqs[0], tt.fmin)
			}
		})
	}
}

func TestBandLevelsPeakBand(t *testing.T) {
	fs := 44100.0
	w := sine(1000, fs, 44100, 0.5)
	freqs, levels := BandLevels(w, 62.5, 4000, float32(fs), 3, 2)
	if len(freqs) != len(levels) {
		t.Fatalf("mismatched outputs: %d freqs, %d levels", len(freqs), len(levels))
	}
	best := 0
	for i := range levels {
		if levels[i] > levels[best] {
			best = i
		}
	}
	fc := float64(freqs[best])
	if fc < 700 || fc > 1400 {
		t.Errorf("peak band at %.1f Hz, want near 1 kHz", fc)
	}
}

func TestParseWeight(t *testing.T) {
	tests := []struct {
		in      string
		want    Weight
		wantErr bool
	}{
		{"Z", WeightZ, false},
		{"c", WeightC, false},
		{"A", WeightA, false},
		{"", WeightZ, false},
		{"X", WeightZ, true},
	}
	for _, tt := range tests {
		got, err := ParseWeight(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseWeight(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseWeight(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelMeterUnweightedSine(t *testing.T) {
	fs := 48000.0
	amp := 0.25
	m := NewLevelMeter(fs, WeightZ)
	m.Update(sine(1000, fs, 48000, amp))
	wantMs := amp * amp / 2
	if math.Abs(m.Ms()-wantMs) > 0.01*wantMs {
		t.Errorf("ms = %g, want %g", m.Ms(), wantMs)
	}
}

func TestLevelMeterCWeightingReference(t *testing.T) {
	// C-weighting is normalized at 1 kHz, so a 1 kHz tone reads within a
	// fraction of a dB of its unweighted level.
	fs := 48000.0
	z := NewLevelMeter(fs, WeightZ)
	c := NewLevelMeter(fs, WeightC)
	w := sine(1000, fs, 48000, 0.5)
	z.Update(w)
	c.Update(w)
	if d := math.Abs(z.DB() - c.DB()); d > 0.5 {
		t.Errorf("C-weighted 1 kHz level off by %.2f dB from unweighted", d)
	}
	// ...and strongly attenuates deep bass.
	z.Update(sine(10, fs, 48000, 0.5))
	c.Update(sine(10, fs, 48000, 0.5))
	if d := z.DB() - c.DB(); d < 6 {
		t.Errorf("C-weighting attenuated 10 Hz by only %.2f dB", d)
	}
}

func TestOptimResponseStageCountAndFit(t *testing.T) {
	fs := 44100.0
	freqs := BandFreqs(62.5, 4000, 3)
	target := make([]float32, len(freqs))
	for i := range target {
		// gentle tilt, -6 dB across the range
		target[i] = -6 * float32(i) / float32(len(target)-1)
	}
	var eq MultibandPareq
	if err := eq.OptimResponse(4, freqs, target, fs); err != nil {
		t.Fatal(err)
	}
	if eq.NumStages() != 4 {
		t.Fatalf("got %d stages, want 4", eq.NumStages())
	}
	// fitted response must track the target within a few dB
	var worst float64
	for i, f := range freqs {
		d := math.Abs(eq.ResponseDB(float64(f), fs) - float64(target[i]))
		if d > worst {
			worst = d
		}
	}
	if worst > 3 {
		t.Errorf("worst fit error %.2f dB, want <= 3 dB", worst)
	}
}

func TestOptimResponseZeroStages(t *testing.T) {
	var eq MultibandPareq
	eq.Stages = []PeakStage{{Freq: 100, GainDB: 3, Q: 1}}
	if err := eq.OptimResponse(0, nil, nil, 44100); err != nil {
		t.Fatal(err)
	}
	if eq.NumStages() != 0 {
		t.Errorf("expected cleared stages, got %d", eq.NumStages())
	}
}
