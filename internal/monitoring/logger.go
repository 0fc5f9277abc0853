// Package monitoring configures process-wide logging.
//
// Packages that only need printf-style diagnostics call Logf. The server
// binary replaces it with a logrus logger built by NewLogger, which writes
// to stderr through the nested formatter and, optionally, to a rotating
// file.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"runtime"
	"strings"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Fields is an alias so callers need not import logrus directly.
type Fields = logrus.Fields

// Options controls NewLogger.
type Options struct {
	Level    string    // panic, fatal, error, warn, info, debug, trace
	File     string    // rotating log file; empty disables file output
	NoColors bool      // disable ANSI colours on the console writer
	Console  io.Writer // defaults to os.Stderr
}

// NewLogger builds a logrus logger from opts.
func NewLogger(opts Options) (*logrus.Logger, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "2006-01-02 15:04:05.000",
		HideKeys:        false,
		CallerFirst:     true,
		FieldsOrder:     []string{"component", "run_id", "frame_id", "request_id"},
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, s[len(s)-1])
		},
	})

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{console}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))
	logger.SetReportCaller(level >= logrus.DebugLevel)
	return logger, nil
}

// StreamWriters maps the ops/diag/trace log streams onto logger levels:
// ops is warn, diag is info and trace is debug.
func StreamWriters(logger *logrus.Logger) (ops, diag, trace io.Writer) {
	return logger.WriterLevel(logrus.WarnLevel),
		logger.WriterLevel(logrus.InfoLevel),
		logger.WriterLevel(logrus.DebugLevel)
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
