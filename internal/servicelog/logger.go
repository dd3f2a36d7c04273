// Package servicelog provides the structured logger shared by every
// component in this module: a thin, named wrapper around zap with a
// rotating file sink, so that when a log file is configured a checkpoint
// violation or an emergency stop lands a readable line on disk as well
// as on the console.
package servicelog

import (
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Attrib is a structured logging field. The constructors below mirror
// zap's own field constructors by name so call sites read the same
// regardless of which logging library eventually backs them.
type Attrib = zap.Field

func String(name, value string) Attrib           { return zap.String(name, value) }
func Error(err error) Attrib                      { return zap.Error(err) }
func Bool(name string, value bool) Attrib         { return zap.Bool(name, value) }
func Any(name string, value interface{}) Attrib   { return zap.Any(name, value) }
func Int(name string, value int) Attrib           { return zap.Int(name, value) }
func Uint64(name string, value uint64) Attrib     { return zap.Uint64(name, value) }
func Time(name string, value time.Time) Attrib    { return zap.Time(name, value) }
func Duration(name string, value time.Duration) Attrib {
	return zap.Duration(name, value)
}

// Logger is the logging surface every component depends on. Fatal
// programming errors are logged at Emerg or Crit before the caller
// converts them into a panic / emergency stop; Error and Warn cover
// transient and recoverable conditions.
type Logger interface {
	Named(name string) Logger
	With(attrs ...Attrib) Logger
	Debug(msg string, attrs ...Attrib)
	Info(msg string, attrs ...Attrib)
	Warn(msg string, attrs ...Attrib)
	Error(msg string, attrs ...Attrib)
	Crit(msg string, attrs ...Attrib)
	Emerg(msg string, attrs ...Attrib)
	Sync() error
}

type logger struct {
	zap *zap.Logger
}

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

var registerSinkOnce sync.Once
var registerSinkErr error

// New builds the root Logger. logFile is the rotation target consumed
// through the registered "lumberjack" zap sink; an empty logFile keeps
// zap's default stderr output, which is convenient in tests.
func New(debug bool, logFile string) (Logger, error) {
	registerSinkOnce.Do(func() {
		registerSinkErr = zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
			return lumberjackSink{
				Logger: &lumberjack.Logger{
					Filename:   u.Path,
					MaxSize:    100,
					MaxBackups: 5,
					MaxAge:     28,
				},
			}, nil
		})
	})
	if registerSinkErr != nil {
		return nil, registerSinkErr
	}

	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	if logFile != "" {
		config.OutputPaths = append(config.OutputPaths, "lumberjack://"+logFile)
	}
	z, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &logger{zap: z}, nil
}

func (l *logger) Named(name string) Logger {
	return &logger{zap: l.zap.Named(name)}
}

func (l *logger) With(attrs ...Attrib) Logger {
	return &logger{zap: l.zap.With(attrs...)}
}

func (l *logger) Debug(msg string, attrs ...Attrib) { l.zap.Debug(msg, attrs...) }
func (l *logger) Info(msg string, attrs ...Attrib)  { l.zap.Info(msg, attrs...) }
func (l *logger) Warn(msg string, attrs ...Attrib)  { l.zap.Warn(msg, attrs...) }
func (l *logger) Error(msg string, attrs ...Attrib) { l.zap.Error(msg, attrs...) }

// Crit logs a critical condition the caller intends to recover from
// (e.g. a WorkerPool destructed before the frame server drained).
func (l *logger) Crit(msg string, attrs ...Attrib) {
	l.zap.Error(msg, append(attrs, zap.String("severity", "critical"))...)
}

// Emerg logs the onset of an emergency stop. It is sticky at the
// Status level, not here; this only records the event.
func (l *logger) Emerg(msg string, attrs ...Attrib) {
	l.zap.Error(msg, append(attrs, zap.String("severity", "emergency"))...)
}

func (l *logger) Sync() error { return l.zap.Sync() }
