package calib

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/dsp"
	"github.com/soundstagelab/soundstage/internal/scene"
	"github.com/soundstagelab/soundstage/internal/spk"
)

// allPorts returns the capture port list: every measurement microphone
// followed by the reference receiver output.
func (s *Session) allPorts() []string {
	ports := append([]string(nil), s.refPorts...)
	return append(ports, s.recRef.Ports("calib")[0])
}

// capture runs one blocking measurement: wait for the stimulus to
// settle, then record one stimulus period on all capture ports.
func (s *Session) capture(par Params) ([][]float32, error) {
	n := int(float64(par.Duration) * s.rec.SampleRate())
	if n <= 0 {
		return nil, fmt.Errorf("measurement duration %g s yields no samples", par.Duration)
	}
	ports := s.allPorts()
	bufs := make([][]float32, len(ports))
	for i := range bufs {
		bufs[i] = make([]float32, n)
	}
	time.Sleep(time.Duration(float64(par.Prewait) * float64(time.Second)))
	if err := s.rec.Record(bufs, ports); err != nil {
		return nil, fmt.Errorf("measurement capture failed: %w", err)
	}
	return bufs, nil
}

// avgBandLevels computes band levels of each measurement channel and
// averages them in the power domain.
func avgBandLevels(bufs [][]float32, par Params, fs float64) (freqs, levels []float32) {
	acc := make([]float64, 0)
	for _, buf := range bufs {
		var lev []float32
		freqs, lev = dsp.BandLevels(buf, par.FMin, par.FMax, float32(fs), par.BandsPerOctave, par.BandOverlap)
		if len(acc) == 0 {
			acc = make([]float64, len(lev))
		}
		for i, l := range lev {
			acc[i] += math.Pow(10, float64(l)/10)
		}
	}
	levels = make([]float32, len(acc))
	for i, p := range acc {
		levels[i] = float32(10 * math.Log10(p/float64(len(bufs))+1e-30))
	}
	return freqs, levels
}

// bandState selects the calibration band: parameters, stimulus source
// and the speaker sub-arrays measured in lock-step.
func (s *Session) bandState(sub bool) (par Params, src *scene.SourceObject, nsp, spec []spk.Speaker) {
	if sub {
		return s.parSub, s.srcSub, s.spkNsp.Subs, s.spkSpec.Subs
	}
	return s.parSpeaker, s.srcBB, s.spkNsp.Speakers, s.spkSpec.Speakers
}

// measureFresp measures the magnitude response of every speaker of the
// band relative to the reference signal and fits the correction
// equalizer on both arrays. Returns the fitted stage count, zero when
// equalization is disabled or the band resolution cannot support a fit.
func (s *Session) measureFresp(sub bool) (int, error) {
	par, src, nsp, spec := s.bandState(sub)
	freqs := dsp.BandFreqs(par.FMin, par.FMax, par.BandsPerOctave)
	numflt := (len(freqs) - 1) / 3
	if numflt > par.MaxEqStages {
		numflt = par.MaxEqStages
	}
	gains := make([][]float32, len(nsp))
	if numflt <= 0 || len(nsp) == 0 {
		s.storeFresp(sub, freqs, gains, 0)
		return 0, nil
	}
	fs := s.rec.SampleRate()
	for k := range nsp {
		s.withLock(func() {
			// measure the raw response, not the previous correction
			nsp[k].ClearEQ()
			spec[k].ClearEQ()
			src.Location = scene.Vec3From(nsp[k].UnitVector())
		})
		bufs, err := s.capture(par)
		if err != nil {
			return 0, err
		}
		_, meas := avgBandLevels(bufs[:len(bufs)-1], par, fs)
		_, ref := dsp.BandLevels(bufs[len(bufs)-1], par.FMin, par.FMax, float32(fs), par.BandsPerOctave, par.BandOverlap)
		if len(meas) != len(freqs) || len(ref) != len(freqs) {
			return 0, fmt.Errorf("band analysis returned %d/%d bands, expected %d", len(meas), len(ref), len(freqs))
		}
		target := make([]float32, len(freqs))
		max := float32(math.Inf(-1))
		for i := range target {
			target[i] = ref[i] - meas[i]
			if target[i] > max {
				max = target[i]
			}
		}
		for i := range target {
			target[i] -= max
		}
		gains[k] = target
		var eq dsp.MultibandPareq
		if err := eq.OptimResponse(numflt, freqs, target, fs); err != nil {
			return 0, fmt.Errorf("equalizer fit for speaker %d failed: %w", k, err)
		}
		s.withLock(func() {
			for _, spkr := range []*spk.Speaker{&nsp[k], &spec[k]} {
				spkr.EQ.Stages = append([]dsp.PeakStage(nil), eq.Stages...)
				spkr.EqFreq = append([]float32(nil), freqs...)
				spkr.EqGain = append([]float32(nil), target...)
				spkr.EqStages = numflt
			}
		})
	}
	s.storeFresp(sub, freqs, gains, numflt)
	return numflt, nil
}

func (s *Session) storeFresp(sub bool, freqs []float32, gains [][]float32, numflt int) {
	if sub {
		s.vFsub, s.vGainsSub, s.fcompSub = freqs, gains, numflt
		return
	}
	s.vF, s.vGains, s.fcompBB = freqs, gains, numflt
}

// measureLevels measures the weighted broadband level of every speaker
// of the band, plus the in-band level spread relative to the reference
// signal as a placement diagnostic.
func (s *Session) measureLevels(sub bool, weight dsp.Weight) error {
	par, src, nsp, _ := s.bandState(sub)
	levels, spread := s.levels, s.levelsFrg
	if sub {
		levels, spread = s.subLevels, s.subLevelsFrg
	}
	fs := s.rec.SampleRate()
	meter := dsp.NewLevelMeter(fs, weight)
	for k := range nsp {
		s.withLock(func() {
			src.Location = scene.Vec3From(nsp[k].UnitVector())
		})
		bufs, err := s.capture(par)
		if err != nil {
			return err
		}
		var ms float64
		for _, buf := range bufs[:len(bufs)-1] {
			meter.Update(buf)
			ms += meter.Ms()
		}
		levels[k] = float32(10 * math.Log10(ms/float64(len(bufs)-1)+1e-30))
		_, meas := avgBandLevels(bufs[:len(bufs)-1], par, fs)
		_, ref := dsp.BandLevels(bufs[len(bufs)-1], par.FMin, par.FMax, float32(fs), par.BandsPerOctave, par.BandOverlap)
		lo, hi := math.Inf(1), math.Inf(-1)
		for i := range meas {
			d := float64(ref[i] - meas[i])
			lo = math.Min(lo, d)
			hi = math.Max(hi, d)
		}
		spread[k] = float32(hi - lo)
		log.Debug().
			Bool("sub", sub).
			Int("speaker", k).
			Float32("level", levels[k]).
			Float32("spread", spread[k]).
			Msg("Speaker level measured")
	}
	return nil
}

// GetLevels runs the full measurement protocol: frequency responses and
// levels of the broadband array with C-weighting, then of the subwoofer
// array unweighted, followed by gain normalization of both arrays.
func (s *Session) GetLevels() error {
	// measurement phase: broadband stimulus through the probe receiver
	s.withLock(func() {
		s.diffuse.SetMute(true)
		s.srcSub.SetMute(true)
		s.recSpec.SetMute(true)
		s.recNsp.SetMute(false)
		s.srcBB.SetMute(false)
	})
	if _, err := s.measureFresp(false); err != nil {
		return err
	}
	if err := s.measureLevels(false, dsp.WeightC); err != nil {
		return err
	}
	if len(s.spkNsp.Subs) > 0 {
		s.withLock(func() {
			s.srcBB.SetMute(true)
			s.srcSub.SetMute(false)
		})
		if _, err := s.measureFresp(true); err != nil {
			return err
		}
		if err := s.measureLevels(true, dsp.WeightZ); err != nil {
			return err
		}
	}
	s.withLock(func() {
		s.srcBB.SetMute(true)
		s.srcSub.SetMute(true)
		s.srcBB.Location = scene.Vec3{X: 1}
	})

	s.lmin, s.lmax, s.lmean = levelStats(s.levels)
	s.withLock(func() { s.normalizeGains() })
	if err := s.refitEq(); err != nil {
		return err
	}
	s.levelsRecorded = true
	log.Info().
		Float64("lmin", s.lmin).
		Float64("lmax", s.lmax).
		Float64("lmean", s.lmean).
		Msg("Speaker levels recorded")
	return nil
}

// refitEq refreshes the correction equalizers from the response curves
// stored during the measurement phase. Speakers without a fitted curve
// are cleared so no stale correction survives a remeasurement.
func (s *Session) refitEq() error {
	fs := s.rec.SampleRate()
	for _, sub := range []bool{false, true} {
		_, _, nsp, spec := s.bandState(sub)
		freqs, gains, numflt := s.vF, s.vGains, s.fcompBB
		if sub {
			freqs, gains, numflt = s.vFsub, s.vGainsSub, s.fcompSub
		}
		for k := range nsp {
			if numflt <= 0 || k >= len(gains) || gains[k] == nil {
				s.withLock(func() {
					nsp[k].ClearEQ()
					spec[k].ClearEQ()
				})
				continue
			}
			var eq dsp.MultibandPareq
			if err := eq.OptimResponse(numflt, freqs, gains[k], fs); err != nil {
				return fmt.Errorf("equalizer refit for speaker %d failed: %w", k, err)
			}
			s.withLock(func() {
				for _, spkr := range []*spk.Speaker{&nsp[k], &spec[k]} {
					spkr.EQ.Stages = append([]dsp.PeakStage(nil), eq.Stages...)
					spkr.EqFreq = append([]float32(nil), freqs...)
					spkr.EqGain = append([]float32(nil), gains[k]...)
					spkr.EqStages = numflt
				}
			})
		}
	}
	return nil
}

func levelStats(levels []float32) (lmin, lmax, lmean float64) {
	lmin, lmax = math.Inf(1), math.Inf(-1)
	for _, l := range levels {
		f := float64(l)
		lmin = math.Min(lmin, f)
		lmax = math.Max(lmax, f)
		lmean += f
	}
	if len(levels) > 0 {
		lmean /= float64(len(levels))
	}
	return lmin, lmax, lmean
}

// normalizeGains attenuates every speaker to the softest broadband
// level, then rescales all gains so the largest broadband gain is one.
// Both arrays receive identical gains. Caller holds the variable lock.
func (s *Session) normalizeGains() {
	for _, arr := range []*spk.Array{s.spkNsp, s.spkSpec} {
		for k := range arr.Speakers {
			arr.Speakers[k].Gain *= math.Pow(10, 0.05*(s.lmin-float64(s.levels[k])))
		}
		for k := range arr.Subs {
			arr.Subs[k].Gain *= math.Pow(10, 0.05*(s.lmin-float64(s.subLevels[k])))
		}
	}
	gmax := 0.0
	for k := range s.spkSpec.Speakers {
		gmax = math.Max(gmax, s.spkSpec.Speakers[k].Gain)
	}
	if gmax <= 0 {
		return
	}
	for _, arr := range []*spk.Array{s.spkNsp, s.spkSpec} {
		for k := range arr.Speakers {
			arr.Speakers[k].Gain /= gmax
		}
		for k := range arr.Subs {
			arr.Subs[k].Gain /= gmax
		}
	}
}
