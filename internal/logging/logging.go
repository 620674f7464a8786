package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Init sends logs to the rotating run log and to the console.
func Init(level zerolog.Level, file string) {
	runLog := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		MaxAge:     90, // days
		Compress:   true,
	}

	log.Logger = New(level, runLog, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
}

// New builds a timestamped logger writing to every writer.
func New(level zerolog.Level, writers ...io.Writer) zerolog.Logger {
	multi := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(multi).Level(level).With().Timestamp().Logger()
}
