package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/releasedl/config"
)

const (
	magnetExt = ".magnet"
	addedExt  = ".added"
	failedExt = ".failed"
)

// Adder is the part of the orchestrator the watcher feeds.
type Adder interface {
	AddTransfer(releaseID, locator, destination, displayName string) error
}

// Watcher turns *.magnet files dropped into a folder into transfers. The
// file base name becomes the release id; processed files are renamed with
// an .added or .failed suffix.
type Watcher struct {
	folder   string
	dest     string
	interval time.Duration
	a        Adder
	w        *fsnotify.Watcher
	log      zerolog.Logger

	eventsCount uint64
}

func New(a Adder, cfg *config.Watch) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Watcher{
		folder:   cfg.Folder,
		dest:     cfg.Destination,
		interval: interval,
		a:        a,
		w:        w,
		log:      log.Logger.With().Str("component", "watcher").Str("folder", cfg.Folder).Logger(),
	}, nil
}

// Run scans once, then rescans whenever the folder changed during the last
// interval. It returns when ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.w.Close()

	if err := os.MkdirAll(w.folder, 0744); err != nil {
		return err
	}
	if err := w.w.Add(w.folder); err != nil {
		return err
	}

	w.Sync()
	w.log.Info().Msg("drop folder watcher started")

	tick := time.NewTicker(w.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				atomic.AddUint64(&w.eventsCount, 1)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("watcher error")
		case <-tick.C:
			if atomic.SwapUint64(&w.eventsCount, 0) == 0 {
				continue
			}
			w.Sync()
		}
	}
}

// Sync submits every pending magnet file in the folder.
func (w *Watcher) Sync() {
	entries, err := os.ReadDir(w.folder)
	if err != nil {
		w.log.Error().Err(err).Msg("error reading drop folder")
		return
	}

	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), magnetExt) {
			continue
		}
		w.submit(filepath.Join(w.folder, e.Name()))
	}
}

func (w *Watcher) submit(path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("error reading magnet file")
		return
	}

	base := filepath.Base(path)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	locator := strings.TrimSpace(string(b))

	if err := w.a.AddTransfer(id, locator, w.dest, displayName(locator, id)); err != nil {
		w.log.Error().Err(err).Str("release_id", id).Msg("error adding transfer from drop folder")
		w.mark(path, failedExt)
		return
	}

	w.log.Info().Str("release_id", id).Msg("transfer added from drop folder")
	w.mark(path, addedExt)
}

func (w *Watcher) mark(path, ext string) {
	if err := os.Rename(path, path+ext); err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("error renaming processed magnet file")
	}
}

func displayName(locator, fallback string) string {
	m, err := metainfo.ParseMagnetUri(locator)
	if err != nil || m.DisplayName == "" {
		return fallback
	}
	return m.DisplayName
}
