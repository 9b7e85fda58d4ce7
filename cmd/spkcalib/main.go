// Package main is the speaker-array calibration tool: it measures
// per-speaker levels and frequency responses, normalizes the gains,
// fits correction equalizers and writes the results back into the
// layout file.
package main

import (
	"flag"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/calib"
	"github.com/soundstagelab/soundstage/internal/infra/history"
	"github.com/soundstagelab/soundstage/internal/spk"
	"github.com/soundstagelab/soundstage/internal/transport"
	"github.com/soundstagelab/soundstage/internal/version"
)

// simCapture is the capture backend used when no sound card is wired
// up: it synthesizes a stimulus response per capture so the whole
// calibration pipeline can be exercised end to end.
func simCapture(srate float64) *transport.FuncRecorder {
	rng := uint64(0x6b696c6f)
	return &transport.FuncRecorder{
		Srate: srate,
		Fill: func(bufs [][]float32, ports []string) error {
			for _, buf := range bufs {
				for i := range buf {
					rng = rng*6364136223846793005 + 1442695040888963407
					w := float64(int64(rng>>11))/(1<<52) - 1
					buf[i] = float32(0.05 * w)
				}
			}
			return nil
		},
	}
}

func main() {
	// Command line flags
	layoutPath := flag.String("layout", "", "Speaker layout file to calibrate")
	refPortsFlag := flag.String("ref-ports", "system:capture_1", "Comma separated measurement microphone ports")
	stages := flag.Int("stages", 0, "Maximum broadband equalizer stages (0 disables equalization)")
	subStages := flag.Int("sub-stages", 0, "Maximum subwoofer equalizer stages")
	duration := flag.Float64("duration", 0, "Override stimulus duration in seconds")
	output := flag.String("output", "", "Write the calibrated layout here instead of in place")
	historyPath := flag.String("history", history.DefaultDBPath, "Calibration history database (empty disables)")
	srate := flag.Float64("srate", 44100, "Transport sample rate in Hz")
	frag := flag.Int("frag", 1024, "Transport fragment size in frames")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	versionInfo := version.GetInfo()
	log.Info().Msgf("%s - speaker array calibration", versionInfo.String())

	if *layoutPath == "" {
		log.Fatal().Msg("A speaker layout is required (-layout)")
	}
	var refPorts []string
	for _, p := range strings.Split(*refPortsFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			refPorts = append(refPorts, p)
		}
	}
	if len(refPorts) == 0 {
		log.Fatal().Msg("At least one measurement port is required (-ref-ports)")
	}

	parSpeaker := calib.NewParams(false)
	parSub := calib.NewParams(true)
	parSpeaker.MaxEqStages = *stages
	parSub.MaxEqStages = *subStages
	if *duration > 0 {
		parSpeaker.Duration = float32(*duration)
		parSub.Duration = float32(*duration)
	}

	tp := transport.NewLoopback(*srate, *frag, len(refPorts), 2)
	tp.Realtime = true
	rec := simCapture(*srate)

	cs, err := calib.New(*layoutPath, refPorts, parSpeaker, parSub, tp, rec)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create calibration session")
	}
	defer cs.Close()

	if err := cs.GetLevels(); err != nil {
		log.Fatal().Err(err).Msg("Level measurement failed")
	}
	lmin, lmax, lmean := cs.LevelStats()
	log.Info().
		Float64("lmin", lmin).
		Float64("lmax", lmax).
		Float64("lmean", lmean).
		Msg("Measurement complete")
	for k, frg := range cs.LevelRange() {
		if frg > 10 {
			log.Warn().
				Int("speaker", k).
				Float32("spread", frg).
				Msg("Large in-band level spread, check speaker placement")
		}
	}

	// confirm the calibrated playback path once
	cs.SetActive(true)
	cs.SetActive(false)
	cs.SetActiveDiff(true)
	cs.SetActiveDiff(false)

	dest := *output
	if dest == "" {
		dest = *layoutPath
	}
	if err := cs.SaveAs(dest); err != nil {
		log.Fatal().Err(err).Msg("Failed to save calibrated layout")
	}
	log.Info().Str("path", dest).Msg("Calibration saved")

	if *historyPath != "" {
		recordHistory(*historyPath, dest, cs)
	}
}

// recordHistory appends the finished calibration to the history
// database. History failures are logged, not fatal: the layout file is
// already saved.
func recordHistory(dbPath, layoutPath string, cs *calib.Session) {
	db := history.NewDB(dbPath)
	if err := db.Open(); err != nil {
		log.Warn().Err(err).Msg("Calibration history unavailable")
		return
	}
	defer db.Close()

	arr, err := spk.LoadLayout(layoutPath)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload calibrated layout for history")
		return
	}
	checksum := ""
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(layoutPath); err == nil && doc.Root() != nil {
		checksum = strconv.FormatUint(spk.LayoutChecksum(doc.Root()), 10)
	}
	lmin, lmax, _ := cs.LevelStats()
	if math.IsInf(lmin, 0) {
		lmin, lmax = 0, 0
	}
	entry := &history.Entry{
		LayoutPath:  layoutPath,
		LayoutName:  arr.Name,
		CalibFor:    cs.CalibFor(),
		Checksum:    checksum,
		CalibLevel:  spk.DBFromPa(arr.CalibLevelPa),
		DiffuseGain: spk.LinToDB(arr.DiffuseGain),
		Speakers:    len(arr.Speakers),
		Subs:        len(arr.Subs),
		LevelMin:    lmin,
		LevelMax:    lmax,
	}
	if err := history.NewStore(db).Record(entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record calibration history")
		return
	}
	log.Info().Str("id", entry.ID).Msg("Calibration recorded in history")
}
