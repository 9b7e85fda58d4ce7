// Package dsp provides the signal analysis used by speaker calibration:
// a band-level filterbank, weighted level metering and a multiband
// parametric equalizer with a response optimizer.
package dsp

import "math"

// nextPow2 returns the smallest power of two >= n (minimum 2).
func nextPow2(n int) int {
	p := 2
	for p < n {
		p <<= 1
	}
	return p
}

// fft computes an in-place radix-2 decimation-in-time FFT.
// len(re) == len(im) must be a power of two.
func fft(re, im []float64) {
	n := len(re)
	// bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}
	for length := 2; length <= n; length <<= 1 {
		ang := -2 * math.Pi / float64(length)
		wr, wi := math.Cos(ang), math.Sin(ang)
		for start := 0; start < n; start += length {
			cr, ci := 1.0, 0.0
			half := length / 2
			for k := 0; k < half; k++ {
				i := start + k
				j := i + half
				tr := re[j]*cr - im[j]*ci
				ti := re[j]*ci + im[j]*cr
				re[j] = re[i] - tr
				im[j] = im[i] - ti
				re[i] += tr
				im[i] += ti
				cr, ci = cr*wr-ci*wi, cr*wi+ci*wr
			}
		}
	}
}

// PowerSpectrum returns the one-sided Hann-windowed power spectrum of w
// together with the bin center frequencies. The input is zero-padded to
// the next power of two.
func PowerSpectrum(w []float32, fs float64) (freqs, power []float64) {
	if len(w) == 0 {
		return nil, nil
	}
	n := nextPow2(len(w))
	re := make([]float64, n)
	im := make([]float64, n)
	for i, s := range w {
		// Hann window over the original signal length
		win := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(len(w)))
		re[i] = float64(s) * win
	}
	fft(re, im)
	bins := n/2 + 1
	freqs = make([]float64, bins)
	power = make([]float64, bins)
	scale := 1.0 / float64(len(w))
	for k := 0; k < bins; k++ {
		freqs[k] = float64(k) * fs / float64(n)
		power[k] = (re[k]*re[k] + im[k]*im[k]) * scale * scale
		if k > 0 && k < n/2 {
			power[k] *= 2 // fold negative frequencies
		}
	}
	return freqs, power
}
