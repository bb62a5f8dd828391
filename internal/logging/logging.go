// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging provides component-prefixed, file-and-stderr loggers for
// the migration pipeline, in the same shape the reference teacher package
// used for its five components, generalized to this pipeline's component
// set.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Component names used to key the per-component loggers.
const (
	Driver    = "DR"
	State     = "ST"
	Source    = "SC"
	Target    = "TC"
	Scheduler = "SH"
	Pipeline  = "PL"
	Config    = "CF"
)

var (
	mu      sync.Mutex
	loggers map[string]*logrus.Logger
)

func init() {
	loggers = make(map[string]*logrus.Logger)
}

// PrefixFormatter prepends a short component tag to every formatted entry,
// mirroring the teacher's PrefixLogger.
type PrefixFormatter struct {
	inner  logrus.Formatter
	prefix []byte
}

func NewPrefixFormatter(prefix string) *PrefixFormatter {
	f := &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		DisableColors:   strings.Contains(runtime.GOOS, "windows"),
	}
	return &PrefixFormatter{
		inner:  f,
		prefix: []byte(fmt.Sprintf("%s: ", prefix)),
	}
}

func (f *PrefixFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	text, err := f.inner.Format(entry)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(f.prefix)+len(text))
	out = append(out, f.prefix...)
	out = append(out, text...)
	return out, nil
}

func levelFromString(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init creates the per-component loggers at the given level, each writing
// to stderr. Call AddFileOutput afterwards to additionally fan out to a file.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	loggers = make(map[string]*logrus.Logger)
	for _, component := range []string{Driver, State, Source, Target, Scheduler, Pipeline, Config} {
		l := logrus.New()
		l.Out = os.Stderr
		l.Level = levelFromString(level)
		l.Formatter = NewPrefixFormatter(component)
		loggers[component] = l
	}
}

// SetLevel updates the level of every initialized logger.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()

	lvl := levelFromString(level)
	for _, l := range loggers {
		l.Level = lvl
	}
}

// AddFileOutput fans every component logger out to migration.log inside
// logDir in addition to its existing output, creating logDir as needed.
func AddFileOutput(logDir string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("could not create log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(logDir, "migration.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("could not open migration log: %w", err)
	}

	for _, l := range loggers {
		l.Out = io.MultiWriter(l.Out, f)
	}
	return nil
}

// StageLogger opens (or creates) a dedicated per-account, per-stage log
// file (e.g. logs/download/<account>.log) and returns a logger that writes
// to both that file and stderr.
func StageLogger(logDir, stage, account string) (*logrus.Logger, error) {
	dir := filepath.Join(logDir, stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create stage log dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, account+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open stage log: %w", err)
	}

	l := logrus.New()
	l.Out = io.MultiWriter(os.Stderr, f)
	l.Formatter = NewPrefixFormatter(strings.ToUpper(stage[:2]))
	return l, nil
}

// Logger returns the logger for the named component, panicking if Init was
// never called — a programmer error, not a runtime condition.
func Logger(component string) *logrus.Logger {
	mu.Lock()
	defer mu.Unlock()

	l, ok := loggers[component]
	if !ok {
		panic("logging: component " + component + " not initialized")
	}
	return l
}
