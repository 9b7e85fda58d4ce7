// Package session implements the spatial-audio session runtime: it owns
// the scene object graph and the module host, exposes the real-time
// audio callback on a transport, and enforces the mutual-exclusion
// discipline between the audio path and the control path.
package session

import (
	"fmt"

	"github.com/soundstagelab/soundstage/internal/dsp"
)

// Config holds the scalar session parameters. It is validated at load
// and immutable after Start.
type Config struct {
	// Duration is the scheduled session duration in seconds; Run stops
	// after it has elapsed unless Loop is set. Zero means unbounded.
	Duration float64
	// Loop keeps the session running past Duration.
	Loop bool

	// Level meter configuration.
	LevelMeterTc     float64 // integration time constant, s
	LevelMeterWeight string  // "Z", "C" or "A"
	LevelMeterMode   string  // "rms" is the only implemented detector

	// Sample-rate constraints: a "require" violation is fatal at start,
	// a "warn" violation is only logged. Zero disables the check.
	RequireSrate float64
	WarnSrate    float64

	// Fragment-size constraints, same semantics.
	RequireFragSize int
	WarnFragSize    int
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		Duration:         60,
		LevelMeterTc:     2,
		LevelMeterWeight: "Z",
		LevelMeterMode:   "rms",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Duration < 0 {
		return fmt.Errorf("invalid session duration %g s", c.Duration)
	}
	if c.LevelMeterTc <= 0 {
		return fmt.Errorf("invalid level meter time constant %g s", c.LevelMeterTc)
	}
	if _, err := dsp.ParseWeight(c.LevelMeterWeight); err != nil {
		return err
	}
	switch c.LevelMeterMode {
	case "", "rms":
	default:
		return fmt.Errorf("unsupported level meter mode %q", c.LevelMeterMode)
	}
	if c.RequireSrate < 0 || c.WarnSrate < 0 {
		return fmt.Errorf("negative sample rate constraint")
	}
	if c.RequireFragSize < 0 || c.WarnFragSize < 0 {
		return fmt.Errorf("negative fragment size constraint")
	}
	return nil
}
