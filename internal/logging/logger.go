// Package logging configures the zerolog logger shared by every mdreg package
// and provides the status reporter used while a run is in progress.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables that override the configured profile
const (
	EnvLevel   = "MDREG_LOG_LEVEL"
	EnvNoColor = "MDREG_LOG_NOCOLOR"
)

// Profile describes how log output is formatted
type Profile struct {
	Level   zerolog.Level
	NoColor bool

	// JSON disables the console writer
	JSON bool

	Out io.Writer
}

// RuntimeProfile is the console profile of the command line tool
func RuntimeProfile(verbose bool) Profile {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return Profile{Level: level, Out: os.Stderr}
}

// TestProfile keeps test output to warnings and errors
func TestProfile() Profile {
	return Profile{Level: zerolog.WarnLevel, NoColor: true, Out: os.Stderr}
}

// Configure installs a global logger built from p, after applying the
// environment overrides, and returns it.
func Configure(p Profile) zerolog.Logger {
	p = applyEnv(p)
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	if !p.JSON {
		out = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    p.NoColor,
			TimeFormat: time.RFC3339,
		}
	}
	logger := zerolog.New(out).Level(p.Level).With().Timestamp().Str("app", "mdreg").Logger()
	log.Logger = logger
	return logger
}

func applyEnv(p Profile) Profile {
	if v := os.Getenv(EnvLevel); v != "" {
		if level, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			p.Level = level
		}
	}
	if v := os.Getenv(EnvNoColor); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.NoColor = b
		}
	}
	return p
}

// Logger returns a child of the global logger tagged with a component name
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Status reports run progress through a logger. Messages are logged at info
// level; progress is logged at debug level, and at info level when a batch
// completes.
type Status struct {
	mu     sync.Mutex
	log    zerolog.Logger
	pinned string
}

// NewStatus returns a status reporter writing to logger
func NewStatus(logger zerolog.Logger) *Status {
	return &Status{log: logger}
}

// Message logs text and keeps it as context for progress lines
func (s *Status) Message(text string) {
	s.mu.Lock()
	s.pinned = text
	s.mu.Unlock()
	s.log.Info().Msg(text)
}

// Progress logs that current of total steps are done
func (s *Status) Progress(current, total int) {
	s.mu.Lock()
	pinned := s.pinned
	s.mu.Unlock()

	ev := s.log.Debug()
	if current >= total {
		ev = s.log.Info()
	}
	ev.Int("current", current).Int("total", total).Str("stage", pinned).Msg("progress")
}
