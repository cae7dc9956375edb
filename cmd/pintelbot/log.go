// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/jrick/logrotate/rotator"
)

const maxLogRolls = 8

// logWriter implements an io.Writer that outputs to a rotating log file and
// optionally mirrors to stdout.
type logWriter struct {
	*rotator.Rotator
	stdout bool
}

// Write writes the data in p to the log file.
func (w *logWriter) Write(p []byte) (n int, err error) {
	if w.stdout {
		os.Stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// initLogging initializes the logging rotator to write logs to logFilename
// and creates roll files in the same directory. Timestamps are UTC unless utc
// is false. The returned close function must be called on shutdown.
func initLogging(logFilename, lvl string, stdout, utc bool) (*pintel.LoggerMaker, func(), error) {
	err := os.MkdirAll(filepath.Dir(logFilename), 0700)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, 32*1024, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	lm, err := pintel.NewLoggerMaker(&logWriter{logRotator, stdout}, lvl, utc)
	if err != nil {
		logRotator.Close()
		return nil, nil, err
	}
	return lm, func() { logRotator.Close() }, nil
}
