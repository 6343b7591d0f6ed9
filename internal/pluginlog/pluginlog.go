// Package pluginlog implements acctcore.Logger over zerolog:
// zero-allocation key/value event building and an optional sampler for
// noisy levels, tagged with the plugin's writer name/pid so every line
// can be traced back to one acctexport instance in a multi-plugin
// deployment.
package pluginlog

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger implements acctcore.Logger.
type Logger struct {
	logger  zerolog.Logger
	sampler zerolog.Sampler
	sampled zerolog.Logger
}

// New builds a Logger writing to stderr with timestamps, tagged with
// the given writer name and pid, the same identity carried in every
// start/end marker. Set ACCTEXPORT_LOG_SAMPLE_N to rate-limit
// Warn/Error.
func New(writerName string, writerPID int) *Logger {
	l := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("writer_name", writerName).
		Int("writer_pid", writerPID).
		Logger()

	var samp zerolog.Sampler
	if v := os.Getenv("ACCTEXPORT_LOG_SAMPLE_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 1 {
			samp = zerolog.RandomSampler(n)
		}
	}
	var sampled zerolog.Logger
	if samp != nil {
		sampled = l.Sample(samp)
	}
	return &Logger{logger: l, sampler: samp, sampled: sampled}
}

func (l *Logger) log(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		if i+1 < len(keysAndValues) {
			event.Interface(key, keysAndValues[i+1])
		} else {
			event.Interface(key, nil)
		}
	}
	event.Msg(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Debug(), msg, keysAndValues...)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(l.logger.Info(), msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Warn(), msg, keysAndValues...)
		return
	}
	l.log(l.logger.Warn(), msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	if l.sampler != nil {
		l.log(l.sampled.Error(), msg, keysAndValues...)
		return
	}
	l.log(l.logger.Error(), msg, keysAndValues...)
}
