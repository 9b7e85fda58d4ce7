// Package main is the entry point for the SoundStage session runtime.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/plugin"
	"github.com/soundstagelab/soundstage/internal/scene"
	"github.com/soundstagelab/soundstage/internal/session"
	"github.com/soundstagelab/soundstage/internal/transport"
	"github.com/soundstagelab/soundstage/internal/version"
)

func main() {
	// Command line flags
	layout := flag.String("layout", "", "Speaker layout file for the rendering receiver")
	srate := flag.Float64("srate", 44100, "Transport sample rate in Hz")
	frag := flag.Int("frag", 1024, "Transport fragment size in frames")
	duration := flag.Float64("duration", 60, "Session duration in seconds (0 = unbounded)")
	loop := flag.Bool("loop", false, "Keep the session running past the configured duration")
	level := flag.Float64("level", 70, "Stimulus level in dB")
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

	// Print startup banner
	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  Spatial Audio Session Runtime")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Float64("srate", *srate).
		Int("frag", *frag).
		Float64("duration", *duration).
		Bool("loop", *loop).
		Str("layout", *layout).
		Msg("Configuration")

	if *layout == "" {
		log.Fatal().Msg("A speaker layout is required (-layout)")
	}

	cfg := session.DefaultConfig()
	cfg.Duration = *duration
	cfg.Loop = *loop

	recv, err := scene.NewReceiver("out", "nsp", map[string]string{"layout": *layout})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build rendering receiver")
	}
	channels := recv.Impl.Channels()

	tp := transport.NewLoopback(*srate, *frag, 1, channels)
	s, err := session.New(cfg, tp)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create session")
	}

	sc := scene.NewScene("main")
	src := &scene.SourceObject{Object: scene.Object{Name: "src", Location: scene.Vec3{X: 1}}}
	gen, err := plugin.NewPinkNoise(plugin.Config{Name: "pink", Attrs: map[string]string{
		"level": strconv.FormatFloat(*level, 'g', -1, 64),
	}})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build stimulus")
	}
	src.Gen = gen
	if err := sc.AddSource(src); err != nil {
		log.Fatal().Err(err).Msg("Failed to build scene")
	}
	if err := sc.AddReceiver(recv); err != nil {
		log.Fatal().Err(err).Msg("Failed to build scene")
	}
	if err := s.AddScene(sc); err != nil {
		log.Fatal().Err(err).Msg("Failed to add scene")
	}
	if err := s.AddModule(plugin.Config{Name: "route", Attrs: map[string]string{
		"name": "stimulus", "channels": "1",
	}}); err != nil {
		log.Fatal().Err(err).Msg("Failed to load module")
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("Shutting down...")
		cancel()
	}()

	if err := s.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Session failed")
	}

	log.Info().Msg("Session finished")
}
