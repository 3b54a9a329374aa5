package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// FlushInterval is how often session state and the index are persisted
	// while the session runs. Zero disables periodic flushing.
	FlushInterval time.Duration
	// QueueSize bounds the background persistence queue.
	QueueSize int
	// DrainTimeout is how long Shutdown keeps consuming engine alerts after
	// the last one arrived. Defaults to 250ms.
	DrainTimeout time.Duration
}

// Orchestrator is the command surface over the managed transfers.
type Orchestrator struct {
	reg    *Registry
	engine Engine
	store  Store
	p      *persister
	events *dispatcher
	rc     *Reconciler
	log    zerolog.Logger
	opts   Options

	mu          sync.Mutex
	started     bool
	unavailable bool
	shut        bool
	stop        context.CancelFunc
	wg          sync.WaitGroup
}

// New loads the managed-transfer index and prepares the orchestrator. The
// engine is not touched until StartSession.
func New(engine Engine, st Store, sink EventSink, opts Options) (*Orchestrator, error) {
	l := log.Logger.With().Str("component", "transfer-orchestrator").Logger()

	index, err := st.LoadIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: managed transfer index: %w", ErrLoadFailed, err)
	}

	reg := NewRegistry()
	for _, mt := range index {
		if mt.ReleaseID == "" || mt.Status.Terminal() {
			continue
		}
		reg.Insert(mt)
	}
	l.Info().Int("transfers", reg.Len()).Msg("loaded managed transfers")

	p := newPersister(st, opts.QueueSize, l)
	d := newDispatcher(sink)
	o := &Orchestrator{
		reg:    reg,
		engine: engine,
		store:  st,
		p:      p,
		events: d,
		log:    l,
		opts:   opts,
	}
	o.rc = &Reconciler{
		reg:    reg,
		engine: engine,
		store:  st,
		p:      p,
		events: d,
		log:    log.Logger.With().Str("component", "transfer-reconciler").Logger(),
	}
	return o, nil
}

// StartSession starts the engine and re-attaches every managed transfer.
// A second call is rejected with ErrSessionStarted. An engine that fails to
// start is logged and leaves the orchestrator in no-op mode.
func (o *Orchestrator) StartSession() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrSessionStarted
	}
	o.started = true

	state, err := o.store.LoadSessionState()
	if err != nil {
		o.log.Warn().Err(err).Msg("error loading session state, cold starting")
		state = nil
	}

	if err := o.engine.StartSession(state); err != nil {
		o.unavailable = true
		o.log.Error().Err(err).Msg("transfer engine failed to start, commands will be no-ops")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.stop = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.rc.Run(ctx, o.engine.Alerts())
	}()

	if o.opts.FlushInterval > 0 {
		o.wg.Add(1)
		go o.flushLoop(ctx, o.opts.FlushInterval)
	}

	o.restore()
	o.log.Info().Bool("warm", state != nil).Msg("session started")
	return nil
}

func (o *Orchestrator) restore() {
	for _, mt := range o.reg.List() {
		if mt.Status == StatusErrored {
			continue
		}

		if mt.ContentHash != "" {
			data, err := o.store.LoadResumeData(mt.ReleaseID)
			if err != nil {
				o.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error loading resume data")
			}
			if len(data) > 0 {
				o.reg.Await(mt.ReleaseID)
				if err := o.engine.RestoreTransfer(data, mt.Destination); err != nil {
					o.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error restoring transfer")
				} else {
					continue
				}
			}
		}

		if mt.Locator == "" {
			o.log.Warn().Str("release_id", mt.ReleaseID).Msg("transfer has neither resume data nor locator, cannot restore")
			continue
		}
		// only never-confirmed transfers wait for the Added alert to resume
		flags := SubmitFlags{Paused: mt.Status == StatusPending || mt.Status == StatusPaused}
		if mt.Status == StatusPending {
			o.reg.MarkFresh(mt.ReleaseID)
		}
		_ = o.submit(mt, flags)
	}
}

func (o *Orchestrator) submit(mt ManagedTransfer, flags SubmitFlags) error {
	o.reg.Correlate(mt.Locator, mt.ReleaseID)
	err := o.engine.SubmitTransfer(mt.Locator, mt.Destination, flags)
	if err == nil {
		return nil
	}

	o.reg.Fail(mt.ReleaseID, err.Error())
	o.log.Error().Err(err).Str("release_id", mt.ReleaseID).Msg("error submitting transfer")
	o.p.SaveIndex(o.reg.Snapshot())
	return fmt.Errorf("submit %s: %w", mt.ReleaseID, err)
}

func (o *Orchestrator) flushLoop(ctx context.Context, every time.Duration) {
	defer o.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			o.persistSession()
			o.p.SaveIndex(o.reg.Snapshot())
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) persistSession() {
	state, err := o.engine.SaveGlobalState()
	if err != nil {
		o.log.Warn().Err(err).Msg("error saving session state")
		return
	}
	o.p.SaveSession(state)
}

// engineReady reports whether engine calls should be issued right now.
func (o *Orchestrator) engineReady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.unavailable
}

// AddTransfer starts managing releaseID. Before StartSession the transfer
// is only recorded and gets submitted when the session starts.
func (o *Orchestrator) AddTransfer(releaseID, locator, destination, displayName string) error {
	switch {
	case releaseID == "", locator == "", destination == "", displayName == "":
		return invalid("releaseId, locator, destination and displayName are required")
	case strings.ContainsAny(releaseID, `/\`) || releaseID == "." || releaseID == "..":
		return invalid("release id %q is not a valid name", releaseID)
	}

	mt := ManagedTransfer{
		ReleaseID:   releaseID,
		DisplayName: displayName,
		Status:      StatusPending,
		Locator:     locator,
		Destination: destination,
	}
	if err := o.reg.Add(mt); err != nil {
		return err
	}
	o.log.Info().Str("release_id", releaseID).Str("name", displayName).Msg("transfer requested")

	if o.engineReady() {
		if err := o.submit(mt, SubmitFlags{Paused: true}); err != nil {
			return err
		}
	}
	o.p.SaveIndex(o.reg.Snapshot())
	return nil
}

// PauseTransfer pauses a transfer. One that the engine has not confirmed yet
// stays paused when its Added alert arrives.
func (o *Orchestrator) PauseTransfer(releaseID string) error {
	hash, applied, found := o.reg.Pause(releaseID)
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, releaseID)
	}
	if !applied {
		return nil
	}

	if hash != "" && o.engineReady() {
		if err := o.engine.Pause(hash); err != nil {
			o.log.Warn().Err(err).Str("release_id", releaseID).Msg("error pausing transfer")
		}
	}
	o.p.SaveIndex(o.reg.Snapshot())
	return nil
}

func (o *Orchestrator) ResumeTransfer(releaseID string) error {
	hash, applied, found := o.reg.Resume(releaseID)
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, releaseID)
	}
	if !applied {
		return nil
	}

	if hash != "" && o.engineReady() {
		if err := o.engine.Resume(hash); err != nil {
			o.log.Warn().Err(err).Str("release_id", releaseID).Msg("error resuming transfer")
		}
	}
	o.p.SaveIndex(o.reg.Snapshot())
	return nil
}

// PauseAll pauses every transfer not already paused.
func (o *Orchestrator) PauseAll() {
	for _, mt := range o.reg.List() {
		if mt.Status == StatusPaused || mt.Status == StatusErrored {
			continue
		}
		if err := o.PauseTransfer(mt.ReleaseID); err != nil && !errors.Is(err, ErrNotFound) {
			o.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error pausing transfer")
		}
	}
}

// ResumeAll resumes every paused transfer.
func (o *Orchestrator) ResumeAll() {
	for _, mt := range o.reg.List() {
		if mt.Status != StatusPaused {
			continue
		}
		if err := o.ResumeTransfer(mt.ReleaseID); err != nil && !errors.Is(err, ErrNotFound) {
			o.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error resuming transfer")
		}
	}
}

// GetProgress returns the last known percentage, 0 for unknown releases.
func (o *Orchestrator) GetProgress(releaseID string) float64 {
	mt, ok := o.reg.Get(releaseID)
	if !ok {
		return 0
	}
	return mt.Progress
}

func (o *Orchestrator) Get(releaseID string) (ManagedTransfer, bool) {
	return o.reg.Get(releaseID)
}

func (o *Orchestrator) ListManaged() []ManagedTransfer {
	return o.reg.List()
}

func (o *Orchestrator) ListCompleted() ([]CompletedTransferRecord, error) {
	recs, err := o.store.LoadCompleted()
	if err != nil {
		return nil, fmt.Errorf("%w: completed transfers: %w", ErrLoadFailed, err)
	}
	return recs, nil
}

// SaveAllResumeData asks the engine for a resume-data snapshot of every
// confirmed transfer. The snapshots arrive as alerts.
func (o *Orchestrator) SaveAllResumeData() {
	if !o.engineReady() {
		return
	}
	for _, mt := range o.reg.List() {
		if mt.ContentHash == "" {
			continue
		}
		if err := o.engine.RequestResumeDataSnapshot(mt.ContentHash); err != nil {
			o.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error requesting resume data")
		}
	}
}

// Shutdown snapshots resume data, persists session state and the index,
// drains background writes and stops the engine.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if o.shut {
		o.mu.Unlock()
		return nil
	}
	o.shut = true
	running := o.started && !o.unavailable
	stop := o.stop
	o.stop = nil
	o.mu.Unlock()

	var errs []error
	if running {
		o.SaveAllResumeData()

		state, err := o.engine.SaveGlobalState()
		if err != nil {
			errs = append(errs, fmt.Errorf("save session state: %w", err))
		} else if err := o.store.SaveSessionState(state); err != nil {
			errs = append(errs, fmt.Errorf("%w: session state: %w", ErrPersistence, err))
		}
	}

	if stop != nil {
		stop()
	}
	o.wg.Wait()

	if running {
		o.drainAlerts()
	}

	o.p.Close()
	if err := o.store.SaveIndex(o.reg.List()); err != nil {
		errs = append(errs, fmt.Errorf("%w: managed transfer index: %w", ErrPersistence, err))
	}
	o.events.Close()

	if running {
		if err := o.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	o.log.Info().Msg("session stopped")
	return errors.Join(errs...)
}

// drainAlerts handles alerts the engine queued before the reconciler
// stopped, resume data requested by Shutdown in particular.
func (o *Orchestrator) drainAlerts() {
	idle := o.opts.DrainTimeout
	if idle <= 0 {
		idle = 250 * time.Millisecond
	}
	t := time.NewTimer(idle)
	defer t.Stop()

	alerts := o.engine.Alerts()
	for {
		select {
		case a, ok := <-alerts:
			if !ok {
				return
			}
			o.rc.Handle(a)
			if !t.Stop() {
				<-t.C
			}
			t.Reset(idle)
		case <-t.C:
			return
		}
	}
}

// Flush waits for queued background writes. Mostly useful in tests and
// before reading the store directly.
func (o *Orchestrator) Flush() {
	o.p.Flush()
}
