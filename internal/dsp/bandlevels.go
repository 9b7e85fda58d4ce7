package dsp

import "math"

// BandFreqs returns the log-spaced band center frequencies between fmin
// and fmax with the given number of bands per octave. fmin is always
// included; centers above fmax (with a small rounding allowance) are not.
func BandFreqs(fmin, fmax float32, bandsPerOctave float32) []float32 {
	if fmin <= 0 || fmax < fmin || bandsPerOctave <= 0 {
		return nil
	}
	var freqs []float32
	for k := 0; ; k++ {
		f := fmin * float32(math.Pow(2, float64(k)/float64(bandsPerOctave)))
		if f > fmax*1.0001 {
			break
		}
		freqs = append(freqs, f)
	}
	return freqs
}

// BandLevels computes per-band energy of w in the power domain and
// returns it in dB alongside the band center frequencies. Band edges
// extend (1+bandOverlap)/2 band widths to either side of the center, so
// neighbouring bands overlap by bandOverlap bands.
func BandLevels(w []float32, fmin, fmax, fs, bandsPerOctave, bandOverlap float32) (freqs, levels []float32) {
	freqs = BandFreqs(fmin, fmax, bandsPerOctave)
	if len(freqs) == 0 || len(w) == 0 {
		return freqs, nil
	}
	binFreqs, power := PowerSpectrum(w, float64(fs))
	halfWidthOct := float64(1+bandOverlap) / (2 * float64(bandsPerOctave))
	levels = make([]float32, len(freqs))
	for i, fc := range freqs {
		flo := float64(fc) * math.Pow(2, -halfWidthOct)
		fhi := float64(fc) * math.Pow(2, halfWidthOct)
		var p float64
		for k, f := range binFreqs {
			if f >= flo && f < fhi {
				p += power[k]
			}
		}
		levels[i] = float32(10 * math.Log10(p+1e-30))
	}
	return freqs, levels
}
