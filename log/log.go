package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jkaberg/releasedl/config"
)

const FileName = "releasedl.log"

// Load configures the global zerolog logger: console output on stderr plus
// a rotated log file when a path is configured.
func Load(cfg *config.Log) {
	var writers []io.Writer
	writers = append(writers, zerolog.ConsoleWriter{Out: colorable.NewColorableStderr(), TimeFormat: time.RFC3339})

	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0744); err != nil {
			log.Error().Err(err).Str("path", cfg.Path).Msg("error creating log folder, logging to console only")
		} else {
			writers = append(writers, &lumberjack.Logger{
				Filename:   filepath.Join(cfg.Path, FileName),
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
			})
		}
	}

	l := zerolog.InfoLevel
	if cfg.Debug {
		l = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(l)

	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()
}
