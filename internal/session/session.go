package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soundstagelab/soundstage/internal/plugin"
	"github.com/soundstagelab/soundstage/internal/scene"
	"github.com/soundstagelab/soundstage/internal/transport"
)

// State is the session lifecycle state.
type State int

const (
	// Unconfigured: modules unloaded, graph may be rebuilt.
	Unconfigured State = iota
	// Configured: graph and modules in place, transport inactive.
	Configured
	// Running: transport active, audio callback live.
	Running
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Running:
		return "running"
	}
	return "unconfigured"
}

// Renderer is the acoustic rendering collaborator: it fills the output
// buffers from the input buffers using current scene state. The actual
// spatial-rendering algorithms live behind this interface.
type Renderer interface {
	Render(g *scene.Graph, in, out [][]float32, frame uint64, rolling bool)
}

// Session owns a scene object graph, an ordered module list, connections
// and ranges, and a transport binding. One mutual-exclusion lock guards
// all shared state once Start has been called: the control path uses the
// blocking LockVars, the real-time path only ever TryLockVars.
type Session struct {
	Graph       scene.Graph
	Modules     []*plugin.Module
	Connections []scene.Connection
	Ranges      []scene.Range

	cfg      Config
	tp       transport.Transport
	renderer Renderer

	// lastOut holds the previously rendered cycle; it is replayed on
	// cycles that cannot take the variable lock. Only the audio
	// callback touches it, one cycle at a time.
	lastOut [][]float32

	mu    sync.Mutex
	state State
}

// New creates a session over the given transport. The configuration is
// validated here and immutable afterwards.
func New(cfg Config, tp transport.Transport) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session configuration: %w", err)
	}
	if tp == nil {
		return nil, fmt.Errorf("session needs a transport")
	}
	return &Session{cfg: cfg, tp: tp, state: Configured}, nil
}

// Config returns the immutable session configuration.
func (s *Session) Config() Config { return s.cfg }

// Transport returns the transport binding.
func (s *Session) Transport() transport.Transport { return s.tp }

// SetRenderer installs the acoustic rendering collaborator. Only legal
// while not running.
func (s *Session) SetRenderer(r Renderer) error {
	if s.state == Running {
		return fmt.Errorf("cannot replace renderer while running")
	}
	s.renderer = r
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// IsRunning reports whether the transport is active.
func (s *Session) IsRunning() bool { return s.state == Running }

// AddScene adds a scene to the graph. Graph construction is
// single-threaded and only legal while not running.
func (s *Session) AddScene(sc *scene.Scene) error {
	if s.state == Running {
		return fmt.Errorf("cannot add scene %q while running", sc.Name)
	}
	if err := s.Graph.AddScene(sc); err != nil {
		return err
	}
	s.state = Configured
	return nil
}

// AddModule loads a processing module from its description and appends
// it to the module list.
func (s *Session) AddModule(cfg plugin.Config) error {
	if s.state == Running {
		return fmt.Errorf("cannot add module %q while running", cfg.Name)
	}
	m, err := plugin.Load(cfg)
	if err != nil {
		return err
	}
	s.Modules = append(s.Modules, m)
	s.state = Configured
	return nil
}

// AddConnection appends a port connection; endpoints are validated at
// start time against live port names.
func (s *Session) AddConnection(c scene.Connection) error {
	if s.state == Running {
		return fmt.Errorf("cannot add connection while running")
	}
	if c.Src == "" || c.Dest == "" {
		return fmt.Errorf("connection needs both source and destination ports, got %q -> %q", c.Src, c.Dest)
	}
	s.Connections = append(s.Connections, c)
	return nil
}

// AddRange appends a named time range.
func (s *Session) AddRange(r scene.Range) error {
	if s.state == Running {
		return fmt.Errorf("cannot add range %q while running", r.Name)
	}
	if r.Name == "" {
		return fmt.Errorf("range needs a name")
	}
	s.Ranges = append(s.Ranges, r)
	return nil
}

// FindObjects matches a glob pattern over all scene objects across all
// scenes; an empty result is not an error.
func (s *Session) FindObjects(pattern string) []scene.NamedObject {
	return s.Graph.FindObjects(pattern)
}

// LockVars acquires the session variable lock. Control-path only; hold
// it for the shortest span needed.
func (s *Session) LockVars() { s.mu.Lock() }

// UnlockVars releases the session variable lock.
func (s *Session) UnlockVars() { s.mu.Unlock() }

// TryLockVars attempts the lock without blocking. The real-time path is
// the only caller; on failure the cycle proceeds with the previous
// cycle's values.
func (s *Session) TryLockVars() bool { return s.mu.TryLock() }

// Start validates connections and transport constraints, prepares every
// module, then activates the transport and the audio callback.
func (s *Session) Start() error {
	if s.state == Running {
		log.Warn().Msg("Session start requested while already running")
		return nil
	}
	if err := s.checkConnections(); err != nil {
		return err
	}
	if err := s.checkTransportConstraints(); err != nil {
		return err
	}
	var warnings strings.Builder
	for _, m := range s.Modules {
		m.ValidateAttributes(&warnings)
	}
	if warnings.Len() > 0 {
		log.Warn().Str("warnings", strings.TrimSpace(warnings.String())).Msg("Module attribute warnings")
	}
	chunk := plugin.ChunkConfig{
		SampleRate: s.tp.SampleRate(),
		FragSize:   s.tp.FragSize(),
		Channels:   len(s.tp.OutputPorts()),
	}
	for i, m := range s.Modules {
		if err := m.Prepare(chunk); err != nil {
			// roll back: no partial session is left prepared
			for _, prev := range s.Modules[:i] {
				prev.Release()
			}
			return err
		}
	}
	s.lastOut = make([][]float32, len(s.tp.OutputPorts()))
	for i := range s.lastOut {
		s.lastOut[i] = make([]float32, s.tp.FragSize())
	}
	if err := s.tp.Start(s.process); err != nil {
		for _, m := range s.Modules {
			m.Release()
		}
		return fmt.Errorf("failed to start transport: %w", err)
	}
	s.state = Running
	log.Info().
		Float64("srate", s.tp.SampleRate()).
		Int("fragsize", s.tp.FragSize()).
		Int("modules", len(s.Modules)).
		Msg("Session started")
	return nil
}

// Stop deactivates the transport, blocking until any in-flight callback
// has completed, then releases the modules. Stopping a non-running
// session is a no-op.
func (s *Session) Stop() {
	if s.state != Running {
		return
	}
	if err := s.tp.Stop(); err != nil {
		log.Error().Err(err).Msg("Transport stop failed")
	}
	for _, m := range s.Modules {
		m.Release()
	}
	s.state = Configured
	log.Info().Msg("Session stopped")
}

// Run starts the session and blocks until ctx is cancelled or, when not
// looping, the configured duration has elapsed; then it stops.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()
	if !s.cfg.Loop && s.cfg.Duration > 0 {
		t := time.NewTimer(time.Duration(s.cfg.Duration * float64(time.Second)))
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		return nil
	}
	<-ctx.Done()
	return nil
}

// UnloadModules releases and unloads every module; only legal while not
// running.
func (s *Session) UnloadModules() error {
	if s.state == Running {
		return fmt.Errorf("cannot unload modules while running")
	}
	for _, m := range s.Modules {
		m.Unload()
	}
	s.Modules = nil
	s.state = Unconfigured
	return nil
}

func (s *Session) checkConnections() error {
	ports := s.Graph.Ports()
	for _, p := range s.tp.OutputPorts() {
		ports[p] = struct{}{}
	}
	for _, c := range s.Connections {
		if _, ok := ports[c.Src]; !ok {
			return fmt.Errorf("connection source port %q does not exist", c.Src)
		}
		if _, ok := ports[c.Dest]; !ok {
			return fmt.Errorf("connection destination port %q does not exist", c.Dest)
		}
	}
	return nil
}

func (s *Session) checkTransportConstraints() error {
	srate := s.tp.SampleRate()
	frag := s.tp.FragSize()
	if s.cfg.RequireSrate > 0 && srate != s.cfg.RequireSrate {
		return fmt.Errorf("session requires sample rate %g Hz, transport runs at %g Hz", s.cfg.RequireSrate, srate)
	}
	if s.cfg.WarnSrate > 0 && srate != s.cfg.WarnSrate {
		log.Warn().
			Float64("expected", s.cfg.WarnSrate).
			Float64("actual", srate).
			Msg("Transport sample rate differs from expected")
	}
	if s.cfg.RequireFragSize > 0 && frag != s.cfg.RequireFragSize {
		return fmt.Errorf("session requires fragment size %d, transport runs at %d", s.cfg.RequireFragSize, frag)
	}
	if s.cfg.WarnFragSize > 0 && frag != s.cfg.WarnFragSize {
		log.Warn().
			Int("expected", s.cfg.WarnFragSize).
			Int("actual", frag).
			Msg("Transport fragment size differs from expected")
	}
	return nil
}

// process is the real-time audio callback. It never blocks on the
// variable lock: when the control path holds it, the cycle neither
// updates modules nor reads the scene graph, it replays the previous
// cycle's output values.
func (s *Session) process(nframes int, in, out [][]float32, frame uint64, rolling bool) error {
	if !s.TryLockVars() {
		s.replayLastOut(out)
		return nil
	}
	for _, m := range s.Modules {
		s.updateModule(m, frame, rolling)
	}
	if s.renderer != nil {
		s.renderer.Render(&s.Graph, in, out, frame, rolling)
	} else {
		for _, ch := range out {
			for i := range ch {
				ch[i] = 0
			}
		}
	}
	s.storeLastOut(out)
	s.UnlockVars()
	return nil
}

// storeLastOut keeps a copy of the rendered cycle for replay. Caller
// holds the variable lock.
func (s *Session) storeLastOut(out [][]float32) {
	for i, ch := range out {
		if i >= len(s.lastOut) {
			return
		}
		copy(s.lastOut[i], ch)
	}
}

// replayLastOut fills the outputs with the previous cycle's values,
// zero-filling channels the cached cycle does not cover.
func (s *Session) replayLastOut(out [][]float32) {
	for i, ch := range out {
		n := 0
		if i < len(s.lastOut) {
			n = copy(ch, s.lastOut[i])
		}
		for j := n; j < len(ch); j++ {
			ch[j] = 0
		}
	}
}

// updateModule runs one module update with panic isolation: a failing
// module is marked and skipped on subsequent cycles instead of killing
// the audio callback.
func (s *Session) updateModule(m *plugin.Module, frame uint64, rolling bool) {
	defer func() {
		if r := recover(); r != nil {
			m.MarkFailed()
			log.Error().
				Str("module", m.Name).
				Interface("panic", r).
				Msg("Module update failed, module disabled")
		}
	}()
	m.Update(frame, rolling)
}
