package logger

import (
	"io"
	"log/syslog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

var once sync.Once
var zLogger zerolog.Logger
var DebugMode bool

type LevelWriter zerolog.LevelWriter

type LevelWriterAdapter struct {
	zerolog.LevelWriterAdapter
	Level zerolog.Level
}

// zerolog allows for logging at the following levels (from highest to lowest):
// panic (zerolog.PanicLevel, 5)
// fatal (zerolog.FatalLevel, 4)
// error (zerolog.ErrorLevel, 3)
// warn (zerolog.WarnLevel, 2)
// info (zerolog.InfoLevel, 1)
// debug (zerolog.DebugLevel, 0)
// trace (zerolog.TraceLevel, -1)

// GetLogger returns a logger instance, initializing it if necessary
func GetLogger() zerolog.Logger {
	// ensure that the logger is only created once
	once.Do(func() {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		// create console writer
		// the dashboard owns stdout, so all logging goes to stderr
		var output io.Writer = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}

		// get the log level from the environment, defaulting to info
		logLevel := zerolog.InfoLevel
		if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
			if level, err := strconv.Atoi(levelStr); err == nil {
				logLevel = zerolog.Level(int8(level))
			}
		}

		if DebugMode {
			logLevel = zerolog.DebugLevel
		}

		var writers []io.Writer

		// fan out to syslog when an address is provided
		if syslogAddress := os.Getenv("SYSLOG_ADDRESS"); syslogAddress != "" {
			zsyslog, err := syslog.Dial("udp", syslogAddress, syslog.LOG_DAEMON|syslog.LOG_INFO, "cobaltgraph")
			if err != nil {
				panic(err)
			}

			var syslogWriter LevelWriter = LevelWriterAdapter{Level: logLevel, LevelWriterAdapter: zerolog.LevelWriterAdapter{Writer: zsyslog}}
			syslogLogger := &zerolog.FilteredLevelWriter{
				Writer: syslogWriter,
				Level:  logLevel,
			}
			writers = append(writers, syslogLogger)
		}

		// create leveled writer to the console
		var stdWriter LevelWriter = LevelWriterAdapter{Level: logLevel, LevelWriterAdapter: zerolog.LevelWriterAdapter{Writer: output}}
		stdLogger := &zerolog.FilteredLevelWriter{
			Writer: stdWriter,
			Level:  logLevel,
		}
		writers = append(writers, stdLogger)

		output = zerolog.MultiLevelWriter(writers...)
		zLogger = zerolog.New(output).With().Timestamp().Logger()
	})
	return zLogger
}

func (lw LevelWriterAdapter) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= lw.Level {
		return lw.Write(p)
	}
	return 0, nil
}
