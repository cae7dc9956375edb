// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pintel

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every subsystem constructor accepts a Logger. All logging should take place
// through the provided logger.
type Logger interface {
	slog.Logger
	// SubLogger creates a logger for a subsystem of this logger's subsystem.
	SubLogger(name string) Logger
}

// logger wraps a slog.Logger with the backend and level bookkeeping needed to
// spawn subloggers.
type logger struct {
	slog.Logger
	name    string
	levels  map[string]slog.Level
	backend *slog.Backend
}

// SubLogger creates a Logger with a subsystem name "parent[name]", at the
// parent's level unless an explicit level is known for the combined name.
func (lgr *logger) SubLogger(name string) Logger {
	combined := fmt.Sprintf("%s[%s]", lgr.name, name)
	level, ok := lgr.levels[combined]
	if !ok {
		level = lgr.Level()
	}
	sub := lgr.backend.Logger(combined)
	sub.SetLevel(level)
	return &logger{
		Logger:  sub,
		name:    combined,
		levels:  lgr.levels,
		backend: lgr.backend,
	}
}

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker creates a new LoggerMaker writing to the provided io.Writer.
// The debugLevel string can be a single level applied to all subsystems, or a
// comma-separated list of subsystem=level pairs. Timestamps are in UTC unless
// utc is supplied and false.
func NewLoggerMaker(writer io.Writer, debugLevel string, utc ...bool) (*LoggerMaker, error) {
	useUTC := true
	if len(utc) > 0 {
		useUTC = utc[0]
	}
	var opts []slog.BackendOption
	if useUTC {
		opts = append(opts, slog.WithFlags(slog.LUTC))
	}
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer, opts...),
		DefaultLevel: slog.LevelDebug,
		Levels:       make(map[string]slog.Level),
	}
	if debugLevel == "" {
		return lm, nil
	}

	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		lvl, ok := slog.LevelFromString(debugLevel)
		if !ok {
			return nil, fmt.Errorf("unknown log level: %q", debugLevel)
		}
		lm.DefaultLevel = lvl
		return lm, nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return nil, fmt.Errorf("malformed log level pair %q", pair)
		}
		lvl, ok := slog.LevelFromString(fields[1])
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %q", fields[1], fields[0])
		}
		lm.Levels[fields[0]] = lvl
	}
	return lm, nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	return lm.newLogger(fmt.Sprintf("%s[%s]", parent, name), level)
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the DefaultLevel
// is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl := lm.DefaultLevel
	if len(level) > 0 {
		lvl = level[0]
	}
	return lm.newLogger(name, lvl)
}

func (lm *LoggerMaker) newLogger(name string, lvl slog.Level) Logger {
	l := lm.Backend.Logger(name)
	l.SetLevel(lvl)
	return &logger{
		Logger:  l,
		name:    name,
		levels:  lm.Levels,
		backend: lm.Backend,
	}
}

// StdOutLogger creates a Logger with the provided name and level that prints
// to standard out. Useful for tests and tools.
func StdOutLogger(name string, lvl slog.Level) Logger {
	backend := slog.NewBackend(os.Stdout)
	l := backend.Logger(name)
	l.SetLevel(lvl)
	return &logger{
		Logger:  l,
		name:    name,
		levels:  make(map[string]slog.Level),
		backend: backend,
	}
}
