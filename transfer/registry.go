package transfer

import (
	"sort"
	"sync"
)

// Registry is the single owner of the managed transfers. Callers only ever
// see copies; the map itself never leaves the lock.
type Registry struct {
	mut       sync.Mutex
	transfers map[string]*ManagedTransfer

	// pending correlates a submission locator with the release that
	// submitted it until the engine confirms the transfer.
	pending map[string]string

	// fresh holds releases requested during this process lifetime that have
	// not been confirmed yet.
	fresh map[string]struct{}

	// unconfirmed holds releases handed to the engine in this session whose
	// Added alert has not arrived. Added applies only to these.
	unconfirmed map[string]struct{}

	// version counts mutations of persisted fields; snapshots carry it so
	// an older snapshot never overwrites a newer one.
	version uint64
}

// IndexSnapshot is the persisted view of the registry at one version.
type IndexSnapshot struct {
	Version   uint64
	Transfers []ManagedTransfer
}

// Confirmation is the outcome of applying an Added alert.
type Confirmation struct {
	Transfer ManagedTransfer
	Previous Status
	Fresh    bool
	Snapshot IndexSnapshot
}

func NewRegistry() *Registry {
	return &Registry{
		transfers:   make(map[string]*ManagedTransfer),
		pending:     make(map[string]string),
		fresh:       make(map[string]struct{}),
		unconfirmed: make(map[string]struct{}),
	}
}

// Add inserts a newly requested transfer and marks it fresh. Release ids
// and locators are unique among managed transfers.
func (r *Registry) Add(mt ManagedTransfer) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.transfers[mt.ReleaseID]; ok {
		return invalid("release %q is already managed", mt.ReleaseID)
	}
	for _, other := range r.transfers {
		if mt.Locator != "" && other.Locator == mt.Locator {
			return invalid("locator is already managed by release %q", other.ReleaseID)
		}
	}
	r.transfers[mt.ReleaseID] = &mt
	r.fresh[mt.ReleaseID] = struct{}{}
	r.version++
	return nil
}

// Insert adds mt unless its release id is already managed.
func (r *Registry) Insert(mt ManagedTransfer) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	if _, ok := r.transfers[mt.ReleaseID]; ok {
		return false
	}
	r.transfers[mt.ReleaseID] = &mt
	r.version++
	return true
}

func (r *Registry) Get(releaseID string) (ManagedTransfer, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return ManagedTransfer{}, false
	}
	return *mt, true
}

// Update applies fn to the entry under the lock and returns the result.
// Release ids are immutable; fn must not change it.
func (r *Registry) Update(releaseID string, fn func(mt *ManagedTransfer)) (ManagedTransfer, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return ManagedTransfer{}, false
	}
	fn(mt)
	mt.ReleaseID = releaseID
	r.version++
	return *mt, true
}

// Remove deletes the entry and returns what it held, together with a
// snapshot of what is left.
func (r *Registry) Remove(releaseID string) (ManagedTransfer, IndexSnapshot, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return ManagedTransfer{}, IndexSnapshot{}, false
	}
	delete(r.transfers, releaseID)
	r.forget(releaseID)
	r.version++
	return *mt, r.indexSnapshot(), true
}

// forget drops every correlation held for releaseID.
func (r *Registry) forget(releaseID string) {
	delete(r.fresh, releaseID)
	delete(r.unconfirmed, releaseID)
	for l, id := range r.pending {
		if id == releaseID {
			delete(r.pending, l)
		}
	}
}

// Confirm applies an Added alert for releaseID. It only succeeds for a
// transfer handed to the engine in this session and not yet confirmed, so a
// repeated Added is a no-op. A restored transfer that was paused stays
// paused; everything else becomes Added.
func (r *Registry) Confirm(releaseID, hash string) (Confirmation, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return Confirmation{}, false
	}
	if _, ok := r.unconfirmed[releaseID]; !ok {
		return Confirmation{}, false
	}
	delete(r.unconfirmed, releaseID)

	c := Confirmation{Previous: mt.Status}
	_, c.Fresh = r.fresh[releaseID]
	delete(r.fresh, releaseID)

	mt.ContentHash = hash
	mt.Error = ""
	if !c.Fresh && c.Previous == StatusPaused {
		mt.Status = StatusPaused
	} else {
		mt.Status = StatusAdded
	}
	r.version++

	c.Transfer = *mt
	c.Snapshot = r.indexSnapshot()
	return c, true
}

// Pause marks the entry paused and returns the content hash seen under the
// same lock. Errored entries are left alone (applied is false).
func (r *Registry) Pause(releaseID string) (hash string, applied, found bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return "", false, false
	}
	if mt.Status == StatusErrored {
		return "", false, true
	}
	// an unconfirmed transfer stays paused when its Added arrives
	delete(r.fresh, releaseID)
	mt.Status = StatusPaused
	r.version++
	return mt.ContentHash, true, true
}

// Resume is the counterpart of Pause. A transfer without a content hash goes
// back to Pending and is resumed once the engine confirms it.
func (r *Registry) Resume(releaseID string) (hash string, applied, found bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return "", false, false
	}
	if mt.Status == StatusErrored {
		return "", false, true
	}
	if mt.ContentHash == "" {
		r.fresh[releaseID] = struct{}{}
		mt.Status = StatusPending
	} else {
		mt.Status = StatusDownloading
	}
	r.version++
	return mt.ContentHash, true, true
}

// Fail marks the entry Errored and drops its correlations.
func (r *Registry) Fail(releaseID, message string) (ManagedTransfer, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()

	mt, ok := r.transfers[releaseID]
	if !ok {
		return ManagedTransfer{}, false
	}
	r.forget(releaseID)
	mt.Status = StatusErrored
	mt.Error = message
	r.version++
	return *mt, true
}

// FindByName returns every entry whose display name equals name and that
// passes accept (nil accepts all).
func (r *Registry) FindByName(name string, accept func(ManagedTransfer) bool) []ManagedTransfer {
	r.mut.Lock()
	defer r.mut.Unlock()

	var out []ManagedTransfer
	for _, mt := range r.transfers {
		if mt.DisplayName != name {
			continue
		}
		if accept != nil && !accept(*mt) {
			continue
		}
		out = append(out, *mt)
	}
	return out
}

func (r *Registry) FindByHash(hash string) (ManagedTransfer, bool) {
	if hash == "" {
		return ManagedTransfer{}, false
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	for _, mt := range r.transfers {
		if mt.ContentHash == hash {
			return *mt, true
		}
	}
	return ManagedTransfer{}, false
}

// List returns every entry ordered by release id.
func (r *Registry) List() []ManagedTransfer {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.snapshot()
}

func (r *Registry) Len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.transfers)
}

// Snapshot returns the persisted view together with its version.
func (r *Registry) Snapshot() IndexSnapshot {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.indexSnapshot()
}

func (r *Registry) indexSnapshot() IndexSnapshot {
	return IndexSnapshot{Version: r.version, Transfers: r.snapshot()}
}

func (r *Registry) snapshot() []ManagedTransfer {
	out := make([]ManagedTransfer, 0, len(r.transfers))
	for _, mt := range r.transfers {
		if mt.Status.Terminal() {
			continue
		}
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleaseID < out[j].ReleaseID })
	return out
}

// Correlate remembers that locator was submitted on behalf of releaseID.
func (r *Registry) Correlate(locator, releaseID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.pending[locator] = releaseID
	r.unconfirmed[releaseID] = struct{}{}
}

// Await marks releaseID as handed to the engine without a locator, as a
// restore from resume data does.
func (r *Registry) Await(releaseID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.unconfirmed[releaseID] = struct{}{}
}

// ResolveLocator returns the release submitted with locator and forgets the
// correlation, so it resolves at most once.
func (r *Registry) ResolveLocator(locator string) (string, bool) {
	if locator == "" {
		return "", false
	}

	r.mut.Lock()
	defer r.mut.Unlock()

	id, ok := r.pending[locator]
	if ok {
		delete(r.pending, locator)
	}
	return id, ok
}

func (r *Registry) MarkFresh(releaseID string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.fresh[releaseID] = struct{}{}
}

// TakeFresh reports whether releaseID was newly requested and clears the mark.
func (r *Registry) TakeFresh(releaseID string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()

	_, ok := r.fresh[releaseID]
	delete(r.fresh, releaseID)
	return ok
}
