package log

import (
	"strings"

	"github.com/anacrolix/log"
	"github.com/rs/zerolog"
)

var _ log.Handler = &Torrent{}

// Torrent forwards the engine's own log records into zerolog.
type Torrent struct {
	L zerolog.Logger
}

func (l *Torrent) Handle(r log.Record) {
	// Peer churn and announce chatter is normal operation.
	if strings.Contains(r.Text(), "webrtc PeerConnection state changed") ||
		strings.Contains(r.Text(), "unhandled announce response") ||
		strings.Contains(r.Text(), "error announcing") {
		l.L.Debug().Msg(r.Text())
		return
	}

	e := l.L.Info()
	switch r.Level {
	case log.Debug:
		e = l.L.Debug()
	case log.Info:
		e = l.L.Debug().Str("error-type", "info")
	case log.Warning:
		e = l.L.Warn()
	case log.Error:
		e = l.L.Warn().Str("error-type", "error")
	case log.Critical:
		e = l.L.Error().Str("error-type", "critical")
	}

	e.Msg(r.Text())
}
