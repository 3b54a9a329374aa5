package transfer

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Reconciler applies engine alerts to the registry one at a time.
type Reconciler struct {
	reg    *Registry
	engine Engine
	store  Store
	p      *persister
	events EventSink
	log    zerolog.Logger
}

// Run consumes alerts until ctx is done or the channel closes.
func (rc *Reconciler) Run(ctx context.Context, alerts <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			rc.Handle(a)
		}
	}
}

func (rc *Reconciler) Handle(a Alert) {
	switch a.Type {
	case AlertAdded:
		rc.added(a)
	case AlertProgress:
		rc.progress(a)
	case AlertResumeData:
		rc.resumeData(a)
	case AlertCompleted:
		rc.completed(a)
	case AlertError:
		rc.failed(a)
	default:
		// not ours
	}
}

func (rc *Reconciler) added(a Alert) {
	id, ok := rc.reg.ResolveLocator(a.Locator)
	if !ok {
		mt, found := rc.resolve(a, func(mt ManagedTransfer) bool {
			return mt.ContentHash == "" && !mt.Status.Terminal() && mt.Status != StatusErrored
		})
		if !found {
			return
		}
		id = mt.ReleaseID
	}

	// two locators naming the same content end up as one engine transfer
	if owner, ok := rc.reg.FindByHash(a.ContentHash); ok && owner.ReleaseID != id {
		msg := "content is already managed by release " + owner.ReleaseID
		if _, ok := rc.reg.Fail(id, msg); ok {
			rc.log.Error().Err(&TransferError{ReleaseID: id, Message: msg}).Str("release_id", id).Msg("duplicate transfer")
			rc.p.SaveIndex(rc.reg.Snapshot())
		}
		return
	}

	c, ok := rc.reg.Confirm(id, a.ContentHash)
	if !ok {
		rc.log.Debug().Str("release_id", id).Str("hash", a.ContentHash).Msg("repeated added alert ignored")
		return
	}

	switch {
	case c.Fresh:
		if err := rc.engine.Resume(a.ContentHash); err != nil {
			rc.log.Warn().Err(err).Str("release_id", id).Msg("error resuming new transfer")
		}
		// a pause that raced the confirmation wins
		if cur, ok := rc.reg.Get(id); ok && cur.Status == StatusPaused {
			_ = rc.engine.Pause(a.ContentHash)
		}
	case c.Transfer.Status == StatusPaused:
		if err := rc.engine.Pause(a.ContentHash); err != nil {
			rc.log.Warn().Err(err).Str("release_id", id).Msg("error keeping restored transfer paused")
		}
		if cur, ok := rc.reg.Get(id); ok && cur.Status != StatusPaused {
			_ = rc.engine.Resume(a.ContentHash)
		}
	}

	rc.log.Info().Str("release_id", id).Str("hash", c.Transfer.ContentHash).Str("name", a.Name).Msg("transfer added")
	rc.p.SaveIndex(c.Snapshot)
}

func (rc *Reconciler) progress(a Alert) {
	mt, ok := rc.resolve(a, func(mt ManagedTransfer) bool {
		switch mt.Status {
		case StatusAdded, StatusDownloading, StatusPaused:
			return true
		}
		return false
	})
	if !ok {
		return
	}

	pct := clampPercent(a.FractionDone * 100)
	mt, ok = rc.reg.Update(mt.ReleaseID, func(mt *ManagedTransfer) {
		// progress never moves backwards for a live transfer
		if pct > mt.Progress {
			mt.Progress = pct
		}
		mt.Status = StatusDownloading
	})
	if !ok {
		return
	}

	speed := a.DownloadRate
	rc.events.Emit(Event{
		ReleaseID: mt.ReleaseID,
		Progress:  mt.Progress,
		Status:    EventDownloading,
		Speed:     &speed,
	})
	rc.log.Debug().Str("release_id", mt.ReleaseID).Float64("progress", mt.Progress).
		Str("rate", humanize.Bytes(uint64(max(speed, 0)))+"/s").Msg("transfer progress")

	if !a.NeedsResumeData {
		return
	}
	if err := rc.engine.RequestResumeDataSnapshot(mt.ContentHash); err != nil {
		rc.log.Warn().Err(err).Str("release_id", mt.ReleaseID).Msg("error requesting resume data")
	}
	if state, err := rc.engine.SaveGlobalState(); err != nil {
		rc.log.Warn().Err(err).Msg("error saving session state")
	} else {
		rc.p.SaveSession(state)
	}
	rc.p.SaveIndex(rc.reg.Snapshot())
}

func (rc *Reconciler) resumeData(a Alert) {
	mt, ok := rc.resolve(a, nil)
	if !ok {
		return
	}
	if len(a.ResumeData) == 0 {
		rc.log.Debug().Str("release_id", mt.ReleaseID).Msg("empty resume data ignored")
		return
	}
	rc.p.SaveResumeData(mt.ReleaseID, a.ResumeData)
}

func (rc *Reconciler) completed(a Alert) {
	mt, ok := rc.resolve(a, nil)
	if !ok {
		return
	}

	// The registry update and the snapshot happen here, before any write.
	done, rest, ok := rc.reg.Remove(mt.ReleaseID)
	if !ok {
		return
	}
	done.Status = StatusCompleted
	done.Progress = 100

	hash := done.ContentHash
	if hash == "" {
		hash = a.ContentHash
	}
	if err := rc.engine.RemoveTransfer(hash); err != nil {
		rc.log.Warn().Err(err).Str("release_id", done.ReleaseID).Msg("error removing completed transfer from engine")
	}

	rc.events.Emit(Event{
		ReleaseID: done.ReleaseID,
		Progress:  100,
		Status:    EventCompleted,
	})
	rc.p.SaveIndex(rest)
	rc.p.Flush()

	rec := CompletedTransferRecord{ReleaseID: done.ReleaseID, DisplayName: done.DisplayName}
	if err := rc.store.AppendCompleted(rec); err != nil {
		// the release stays in exactly one store
		kept := done
		kept.Status = StatusErrored
		kept.Error = "recording completion failed: " + err.Error()
		rc.reg.Insert(kept)
		rc.p.SaveIndex(rc.reg.Snapshot())
		rc.log.Error().Err(err).Str("release_id", done.ReleaseID).Msg("error appending to completed log")
		return
	}
	if err := rc.store.DeleteResumeData(done.ReleaseID); err != nil {
		rc.log.Warn().Err(err).Str("release_id", done.ReleaseID).Msg("error deleting resume data")
	}
	rc.log.Info().Str("release_id", done.ReleaseID).Str("name", done.DisplayName).Msg("transfer completed")
}

func (rc *Reconciler) failed(a Alert) {
	mt, ok := rc.resolve(a, func(mt ManagedTransfer) bool { return !mt.Status.Terminal() })
	if !ok {
		rc.log.Error().Str("hash", a.ContentHash).Str("name", a.Name).Str("error", a.Message).Msg("orphaned transfer error")
		return
	}

	mt, ok = rc.reg.Fail(mt.ReleaseID, a.Message)
	if !ok {
		return
	}
	rc.log.Error().Err(&TransferError{ReleaseID: mt.ReleaseID, Message: a.Message}).Str("release_id", mt.ReleaseID).Msg("transfer failed")
	rc.p.SaveIndex(rc.reg.Snapshot())
}

// resolve maps an alert back to a managed transfer. A confirmed content hash
// wins; otherwise the display name must match exactly one candidate.
// Anything else is dropped, never guessed.
func (rc *Reconciler) resolve(a Alert, accept func(ManagedTransfer) bool) (ManagedTransfer, bool) {
	if mt, ok := rc.reg.FindByHash(a.ContentHash); ok {
		if accept == nil || accept(mt) || a.Type == AlertAdded {
			// Added on a confirmed transfer is filtered by Registry.Confirm
			return mt, true
		}
		rc.log.Debug().Stringer("alert", a.Type).Str("release_id", mt.ReleaseID).Str("status", string(mt.Status)).Msg("alert does not apply in current state")
		return ManagedTransfer{}, false
	}

	matches := rc.reg.FindByName(a.Name, accept)
	switch len(matches) {
	case 1:
		return matches[0], true
	case 0:
		rc.log.Warn().Stringer("alert", a.Type).Str("hash", a.ContentHash).Str("name", a.Name).Msg("alert matches no managed transfer")
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ReleaseID)
		}
		rc.log.Warn().Stringer("alert", a.Type).Str("hash", a.ContentHash).Str("name", a.Name).Strs("candidates", ids).Msg("ambiguous alert dropped")
	}
	return ManagedTransfer{}, false
}

func clampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
