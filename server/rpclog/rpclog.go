// Package rpclog bridges the retrying HTTP client used by rpcclient into
// zerolog.
package rpclog

import (
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

type Logger struct{ *zerolog.Logger }

// To make the log lines appear as the correct retryablehttp lines
const skipFrames = 1

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.Logger.Error().CallerSkipFrame(skipFrames).Fields(keysAndValues).Msg(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.Logger.Warn().CallerSkipFrame(skipFrames).Fields(keysAndValues).Msg(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info().CallerSkipFrame(skipFrames).Fields(keysAndValues).Msg(msg)
}

// Debug is emitted for every single request, which is a lot. Push it
// down to trace.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.Trace().CallerSkipFrame(skipFrames).Fields(keysAndValues).Msg(msg)
}

var _ retryablehttp.LeveledLogger = new(Logger)
