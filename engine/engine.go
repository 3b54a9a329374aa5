package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jkaberg/releasedl/config"
	"github.com/jkaberg/releasedl/transfer"
)

var _ transfer.Engine = &Engine{}

type tracked struct {
	t       *torrent.Torrent
	st      storage.ClientImplCloser
	locator string
	paused  bool

	sampled   bool
	lastBytes int64
	lastAt    time.Time

	snapshotAt    time.Time
	snapshotBytes int64

	completed bool
	removed   bool
}

// Engine drives an anacrolix torrent client and turns its state into the
// alert stream consumed by the reconciler. Progress, completion and
// closure are sampled on a fixed interval.
type Engine struct {
	cfg *config.TorrentGlobal
	log zerolog.Logger

	mu      sync.Mutex
	c       *torrent.Client
	peerID  [20]byte
	tracked map[metainfo.Hash]*tracked

	alerts *alertQueue
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

func New(cfg *config.TorrentGlobal) *Engine {
	return &Engine{
		cfg:     cfg,
		log:     log.Logger.With().Str("component", "engine").Logger(),
		tracked: make(map[metainfo.Hash]*tracked),
		alerts:  newAlertQueue(),
		stop:    make(chan struct{}),
	}
}

func (e *Engine) StartSession(savedState []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c != nil {
		return transfer.ErrSessionStarted
	}
	if e.closed {
		return transfer.ErrEngineUnavailable
	}

	st, id, err := decodeState(savedState)
	if err != nil {
		e.log.Warn().Err(err).Msg("ignoring saved session state")
		st = sessionState{}
	}
	if st.PeerID == "" || err != nil {
		if id, err = newPeerID(); err != nil {
			return fmt.Errorf("%w: generating peer id: %w", transfer.ErrEngineUnavailable, err)
		}
	}

	c, err := newClient(e.cfg, id, st.DHTNodes)
	if err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrEngineUnavailable, err)
	}

	e.c = c
	e.peerID = id

	e.wg.Add(1)
	go e.sample()

	e.log.Info().Int("dht-nodes", len(st.DHTNodes)).Msg("torrent session started")
	return nil
}

func (e *Engine) SubmitTransfer(locator, destination string, flags transfer.SubmitFlags) error {
	spec, err := specFromLocator(locator)
	if err != nil {
		return err
	}

	return e.add(spec, destination, locator, flags.Paused)
}

func (e *Engine) RestoreTransfer(resumeData []byte, destination string) error {
	mi, err := metainfo.Load(bytes.NewReader(resumeData))
	if err != nil {
		return fmt.Errorf("%w: decoding resume data: %w", transfer.ErrInvalidArgument, err)
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return fmt.Errorf("%w: %w", transfer.ErrInvalidArgument, err)
	}

	return e.add(spec, destination, "", false)
}

func (e *Engine) add(spec *torrent.TorrentSpec, destination, locator string, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.c == nil {
		return transfer.ErrEngineUnavailable
	}

	st := storage.NewFile(destination)
	spec.Storage = st

	t, isNew, err := e.c.AddTorrentSpec(spec)
	if err != nil {
		st.Close()
		return fmt.Errorf("adding torrent: %w", err)
	}

	if !isNew {
		st.Close()
	}

	if paused {
		t.DisallowDataDownload()
	} else {
		t.AllowDataDownload()
	}

	tr, ok := e.tracked[t.InfoHash()]
	if !ok || isNew {
		tr = &tracked{t: t, st: st, locator: locator, lastAt: time.Now()}
		e.tracked[t.InfoHash()] = tr
	}
	tr.paused = paused

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		case <-e.stop:
		}
	}()

	e.alerts.push(transfer.Alert{
		Type:        transfer.AlertAdded,
		ContentHash: t.InfoHash().HexString(),
		Name:        t.Name(),
		Locator:     locator,
	})

	return nil
}

func (e *Engine) Pause(contentHash string) error {
	t, err := e.torrent(contentHash)
	if err != nil || t == nil {
		return err
	}
	t.DisallowDataDownload()
	e.setPaused(t, true)
	return nil
}

func (e *Engine) Resume(contentHash string) error {
	t, err := e.torrent(contentHash)
	if err != nil || t == nil {
		return err
	}
	t.AllowDataDownload()
	e.setPaused(t, false)
	return nil
}

func (e *Engine) setPaused(t *torrent.Torrent, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tr, ok := e.tracked[t.InfoHash()]; ok {
		tr.paused = paused
		tr.lastAt = time.Now()
	}
}

// RequestResumeDataSnapshot encodes the torrent metainfo and queues it as a
// resume data alert. Piece completion lives with the file storage in the
// destination, so the metainfo is all a restore needs.
func (e *Engine) RequestResumeDataSnapshot(contentHash string) error {
	t, err := e.torrent(contentHash)
	if err != nil || t == nil {
		return err
	}
	if t.Info() == nil {
		return nil
	}

	b, err := bencode.Marshal(t.Metainfo())
	if err != nil {
		return fmt.Errorf("encoding resume data: %w", err)
	}

	e.mu.Lock()
	if tr, ok := e.tracked[t.InfoHash()]; ok {
		tr.snapshotAt = time.Now()
		tr.snapshotBytes = t.BytesCompleted()
	}
	e.mu.Unlock()

	e.alerts.push(transfer.Alert{
		Type:        transfer.AlertResumeData,
		ContentHash: t.InfoHash().HexString(),
		Name:        t.Name(),
		ResumeData:  b,
	})
	return nil
}

func (e *Engine) RemoveTransfer(contentHash string) error {
	t, err := e.torrent(contentHash)
	if err != nil || t == nil {
		return err
	}

	e.mu.Lock()
	tr, ok := e.tracked[t.InfoHash()]
	if ok {
		tr.removed = true
		delete(e.tracked, t.InfoHash())
	}
	e.mu.Unlock()

	t.Drop()
	if ok && tr.st != nil {
		if err := tr.st.Close(); err != nil {
			e.log.Warn().Err(err).Str("hash", contentHash).Msg("error closing transfer storage")
		}
	}
	return nil
}

func (e *Engine) SaveGlobalState() ([]byte, error) {
	e.mu.Lock()
	c, id := e.c, e.peerID
	e.mu.Unlock()

	if c == nil {
		return nil, transfer.ErrEngineUnavailable
	}

	return encodeState(id, dhtNodes(c))
}

func (e *Engine) Alerts() <-chan transfer.Alert {
	return e.alerts.out
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	c := e.c
	trs := make([]*tracked, 0, len(e.tracked))
	for _, tr := range e.tracked {
		trs = append(trs, tr)
	}
	e.tracked = make(map[metainfo.Hash]*tracked)
	e.mu.Unlock()

	close(e.stop)
	e.wg.Wait()

	if c != nil {
		c.Close()
	}

	var errs []error
	for _, tr := range trs {
		if tr.st != nil {
			errs = append(errs, tr.st.Close())
		}
	}

	e.alerts.close()
	e.log.Info().Msg("torrent session closed")
	return errors.Join(errs...)
}

// torrent returns nil without error for hashes the client does not know.
func (e *Engine) torrent(contentHash string) (*torrent.Torrent, error) {
	var ih metainfo.Hash
	if err := ih.FromHexString(contentHash); err != nil {
		return nil, fmt.Errorf("%w: content hash %q: %w", transfer.ErrInvalidArgument, contentHash, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.c == nil {
		return nil, transfer.ErrEngineUnavailable
	}

	t, ok := e.c.Torrent(ih)
	if !ok {
		e.log.Debug().Str("hash", contentHash).Msg("unknown transfer")
		return nil, nil
	}
	return t, nil
}

func (e *Engine) sample() {
	defer e.wg.Done()

	interval := e.cfg.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-tick.C:
			e.sampleOnce(time.Now())
		}
	}
}

func (e *Engine) sampleOnce(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resumeEvery := time.Duration(e.cfg.ResumeDataInterval) * time.Second

	for ih, tr := range e.tracked {
		select {
		case <-tr.t.Closed():
			if !tr.removed {
				delete(e.tracked, ih)
				e.alerts.push(transfer.Alert{
					Type:        transfer.AlertError,
					ContentHash: ih.HexString(),
					Name:        tr.t.Name(),
					Message:     "transfer closed by engine",
				})
			}
			continue
		default:
		}

		if tr.t.Info() == nil {
			continue
		}

		total := tr.t.Length()
		done := tr.t.BytesCompleted()

		// paused transfers stay quiet so they are not reported as downloading
		if !tr.paused && (!tr.sampled || done != tr.lastBytes) {
			var speed int64
			if secs := now.Sub(tr.lastAt).Seconds(); tr.sampled && secs > 0 && done > tr.lastBytes {
				speed = int64(float64(done-tr.lastBytes) / secs)
			}

			needs := tr.snapshotAt.IsZero() ||
				(now.Sub(tr.snapshotAt) >= resumeEvery && done != tr.snapshotBytes)
			if needs {
				// claimed here so the next tick does not ask again before
				// the reconciler gets round to the snapshot
				tr.snapshotAt = now
			}

			var fraction float64
			if total > 0 {
				fraction = float64(done) / float64(total)
			}

			e.alerts.push(transfer.Alert{
				Type:            transfer.AlertProgress,
				ContentHash:     ih.HexString(),
				Name:            tr.t.Name(),
				FractionDone:    fraction,
				DownloadRate:    speed,
				NeedsResumeData: needs,
			})

			tr.sampled = true
			tr.lastBytes = done
			tr.lastAt = now
		}

		if !tr.completed && total > 0 && done >= total {
			tr.completed = true
			e.alerts.push(transfer.Alert{
				Type:        transfer.AlertCompleted,
				ContentHash: ih.HexString(),
				Name:        tr.t.Name(),
			})
		}
	}
}

// specFromLocator accepts magnet URIs and paths to .torrent files.
func specFromLocator(locator string) (*torrent.TorrentSpec, error) {
	if strings.HasPrefix(locator, "magnet:") {
		spec, err := torrent.TorrentSpecFromMagnetUri(locator)
		if err != nil {
			return nil, fmt.Errorf("%w: magnet %q: %w", transfer.ErrInvalidArgument, locator, err)
		}
		return spec, nil
	}

	mi, err := metainfo.LoadFromFile(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: loading torrent file %q: %w", transfer.ErrInvalidArgument, locator, err)
	}
	spec, err := torrent.TorrentSpecFromMetaInfoErr(mi)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transfer.ErrInvalidArgument, err)
	}
	return spec, nil
}
