package transfer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.o.StartSession())
	return h
}

func TestAddedProgressCompletedScenario(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	mt, ok := h.o.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "abcd", mt.ContentHash)
	assert.Equal(t, StatusAdded, mt.Status)
	assert.Equal(t, []string{"abcd"}, h.engine.ops("resume"), "newly requested transfers are resumed")

	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: 0.5, DownloadRate: 1000})

	assert.Equal(t, 50.0, h.o.GetProgress("r1"))
	mt, _ = h.o.Get("r1")
	assert.Equal(t, StatusDownloading, mt.Status)

	evs := h.waitEvents(t, 1)
	require.NotNil(t, evs[0].Speed)
	assert.Equal(t, "r1", evs[0].ReleaseID)
	assert.Equal(t, 50.0, evs[0].Progress)
	assert.Equal(t, EventDownloading, evs[0].Status)
	assert.Equal(t, int64(1000), *evs[0].Speed)

	h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: "abcd", Name: "movie.mkv"})

	_, ok = h.o.Get("r1")
	assert.False(t, ok)
	completed, err := h.o.ListCompleted()
	require.NoError(t, err)
	assert.Equal(t, []CompletedTransferRecord{{ReleaseID: "r1", DisplayName: "movie.mkv"}}, completed)
	assert.Equal(t, []string{"abcd"}, h.engine.ops("remove"))

	evs = h.waitEvents(t, 2)
	assert.Equal(t, Event{ReleaseID: "r1", Progress: 100, Status: EventCompleted}, evs[1])

	h.o.Flush()
	assert.Empty(t, h.store.savedIndex())
}

func TestAddedWithSharedDisplayNameIsDropped(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:aaaa", "/tmp", "movie.mkv"))
	require.NoError(t, h.o.AddTransfer("r2", "magnet:?xt=urn:btih:bbbb", "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "aaaa", Name: "movie.mkv"})

	for _, id := range []string{"r1", "r2"} {
		mt, ok := h.o.Get(id)
		require.True(t, ok)
		assert.Empty(t, mt.ContentHash, id)
		assert.Equal(t, StatusPending, mt.Status, id)
	}
	assert.Empty(t, h.engine.ops("resume"))
}

func TestAddedResolvesThroughSubmittedLocator(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:aaaa", "/tmp", "movie.mkv"))
	require.NoError(t, h.o.AddTransfer("r2", "magnet:?xt=urn:btih:bbbb", "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "bbbb", Name: "movie.mkv", Locator: "magnet:?xt=urn:btih:bbbb"})
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "aaaa", Name: "movie.mkv", Locator: "magnet:?xt=urn:btih:aaaa"})

	r1, _ := h.o.Get("r1")
	r2, _ := h.o.Get("r2")
	assert.Equal(t, "aaaa", r1.ContentHash)
	assert.Equal(t, "bbbb", r2.ContentHash)

	// once confirmed, the hash disambiguates everything that follows
	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "bbbb", Name: "movie.mkv", FractionDone: 0.25})
	assert.Equal(t, 0.0, h.o.GetProgress("r1"))
	assert.Equal(t, 25.0, h.o.GetProgress("r2"))
}

func TestProgressNeverDecreases(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	last := 0.0
	for _, f := range []float64{0.1, 0.3, 0.2, 0.3, 0.9, 0.5, 1.4} {
		h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: f})
		p := h.o.GetProgress("r1")
		assert.GreaterOrEqual(t, p, last)
		assert.LessOrEqual(t, p, 100.0)
		last = p
	}
	assert.Equal(t, 100.0, last)
}

func TestProgressRequestsResumeDataWhenNeeded(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: 0.1})
	assert.Empty(t, h.engine.ops("snapshot"))

	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: 0.2, NeedsResumeData: true})
	assert.Equal(t, []string{"abcd"}, h.engine.ops("snapshot"))

	h.o.Flush()
	st, err := h.store.LoadSessionState()
	require.NoError(t, err)
	assert.Equal(t, []byte("dht-state"), st)

	idx := h.store.savedIndex()
	require.Len(t, idx, 1)
	assert.Equal(t, 20.0, idx[0].Progress)
}

func TestProgressForPendingTransferIsDropped(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: 0.5})

	assert.Equal(t, 0.0, h.o.GetProgress("r1"))
	assert.Empty(t, h.events.all())
}

func TestResumeDataIsPersistedByRelease(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	h.o.rc.Handle(Alert{Type: AlertResumeData, ContentHash: "abcd", Name: "movie.mkv", ResumeData: []byte("d8:info...e")})
	h.o.Flush()

	data, err := h.store.LoadResumeData("r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("d8:info...e"), data)
}

func TestCompletedDropsResumeData(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})
	h.o.rc.Handle(Alert{Type: AlertResumeData, ContentHash: "abcd", ResumeData: []byte("blob")})
	h.o.Flush()

	h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: "abcd", Name: "movie.mkv"})

	data, err := h.store.LoadResumeData("r1")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestTransferErrorMarksErrored(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	h.o.rc.Handle(Alert{Type: AlertError, ContentHash: "abcd", Name: "movie.mkv", Message: "disk full"})

	mt, ok := h.o.Get("r1")
	require.True(t, ok, "errored transfers stay managed")
	assert.Equal(t, StatusErrored, mt.Status)
	assert.Equal(t, "disk full", mt.Error)

	// no retry and no further progress
	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "abcd", Name: "movie.mkv", FractionDone: 0.7})
	assert.Equal(t, 0.0, h.o.GetProgress("r1"))
	assert.Len(t, h.engine.ops("resume"), 1)
}

func TestOrphanedAndUnknownAlertsChangeNothing(t *testing.T) {
	h := startedHarness(t)
	require.NoError(t, h.o.AddTransfer("r1", "magnet:?xt=urn:btih:abcd", "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertError, ContentHash: "ffff", Name: "other.mkv", Message: "boom"})
	h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: "ffff", Name: "other.mkv"})
	h.o.rc.Handle(Alert{Type: AlertOther, ContentHash: "abcd", Name: "movie.mkv"})

	mt, ok := h.o.Get("r1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, mt.Status)
	completed, err := h.o.ListCompleted()
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestCompletedReleaseLivesInExactlyOnePlace(t *testing.T) {
	h := startedHarness(t)

	const n = 12
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%02d", i)
		name := fmt.Sprintf("file-%02d.mkv", i)
		hash := fmt.Sprintf("%040x", i+1)
		loc := "magnet:?xt=urn:btih:" + hash
		require.NoError(t, h.o.AddTransfer(id, loc, "/tmp", name))
		h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: hash, Name: name, Locator: loc})
		for step := 1; step <= i%4; step++ {
			h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: hash, Name: name, FractionDone: float64(step) / 4})
		}
		if i%3 != 0 {
			h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: hash, Name: name})
		}
	}

	completed, err := h.o.ListCompleted()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("r%02d", i)
		count := 0
		if _, ok := h.o.Get(id); ok {
			count++
		}
		for _, rec := range completed {
			if rec.ReleaseID == id {
				count++
			}
		}
		assert.Equal(t, 1, count, id)
	}
	for _, mt := range h.o.ListManaged() {
		assert.NotEqual(t, StatusCompleted, mt.Status)
	}
}

func TestRestoredPausedTransferStaysPaused(t *testing.T) {
	st := newMemStore()
	st.index = []ManagedTransfer{
		{ReleaseID: "r1", DisplayName: "movie.mkv", ContentHash: "abcd", Progress: 40, Status: StatusPaused, Destination: "/tmp"},
	}
	st.resume["r1"] = []byte("resume-r1")
	h := newHarnessWith(t, newFakeEngine(), st)
	require.NoError(t, h.o.StartSession())
	assert.Equal(t, []string{"resume-r1"}, h.engine.ops("restore"))

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv"})

	mt, _ := h.o.Get("r1")
	assert.Equal(t, StatusPaused, mt.Status)
	assert.Equal(t, 40.0, mt.Progress)
	assert.Equal(t, []string{"abcd"}, h.engine.ops("pause"))
	assert.Empty(t, h.engine.ops("resume"), "restored transfers are resumed by the engine")
}

func TestAddedForContentOfAnotherReleaseFails(t *testing.T) {
	h := startedHarness(t)
	loc1 := "magnet:?xt=urn:btih:abcd"
	loc2 := "magnet:?xt=urn:btih:abcd&dn=movie.mkv"
	require.NoError(t, h.o.AddTransfer("r1", loc1, "/tmp", "movie.mkv"))
	require.NoError(t, h.o.AddTransfer("r2", loc2, "/tmp", "movie.mkv"))

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv", Locator: loc1})
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "abcd", Name: "movie.mkv", Locator: loc2})

	r1, _ := h.o.Get("r1")
	assert.Equal(t, StatusAdded, r1.Status)
	r2, _ := h.o.Get("r2")
	assert.Equal(t, StatusErrored, r2.Status)
	assert.Contains(t, r2.Error, "r1")
	assert.Empty(t, r2.ContentHash)
	assert.Equal(t, []string{"abcd"}, h.engine.ops("resume"))
}

func TestRepeatedAddedKeepsState(t *testing.T) {
	h := startedHarness(t)
	confirmed(t, h, "r1", "aaaa", "a.mkv")
	confirmed(t, h, "r2", "bbbb", "b.mkv")
	h.o.rc.Handle(Alert{Type: AlertProgress, ContentHash: "aaaa", Name: "a.mkv", FractionDone: 0.3})
	h.o.rc.Handle(Alert{Type: AlertError, ContentHash: "bbbb", Name: "b.mkv", Message: "disk full"})

	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "aaaa", Name: "a.mkv"})
	h.o.rc.Handle(Alert{Type: AlertAdded, ContentHash: "bbbb", Name: "b.mkv", Locator: "magnet:?xt=urn:btih:bbbb"})

	r1, _ := h.o.Get("r1")
	assert.Equal(t, StatusDownloading, r1.Status)
	assert.Equal(t, 30.0, r1.Progress)
	r2, _ := h.o.Get("r2")
	assert.Equal(t, StatusErrored, r2.Status)
	assert.Equal(t, "disk full", r2.Error)
	assert.Equal(t, []string{"aaaa", "bbbb"}, h.engine.ops("resume"))
}

func TestStaleIndexSnapshotDoesNotResurrectCompleted(t *testing.T) {
	h := startedHarness(t)
	confirmed(t, h, "r1", "aaaa", "a.mkv")
	confirmed(t, h, "r2", "bbbb", "b.mkv")

	// a snapshot taken before the completion is queued after it
	h.o.reg.Update("r2", func(mt *ManagedTransfer) { mt.Progress = 10 })
	stale := h.o.reg.Snapshot()
	h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: "aaaa", Name: "a.mkv"})
	h.o.p.SaveIndex(stale)
	h.o.Flush()

	saved := h.store.savedIndex()
	require.Len(t, saved, 1)
	assert.Equal(t, "r2", saved[0].ReleaseID)

	o, err := New(newFakeEngine(), h.store, &eventRecorder{}, Options{DrainTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown() })
	_, ok := o.Get("r1")
	assert.False(t, ok)
	completed, err := o.ListCompleted()
	require.NoError(t, err)
	assert.Equal(t, []CompletedTransferRecord{{ReleaseID: "r1", DisplayName: "a.mkv"}}, completed)
}

func TestFailedCompletionRecordKeepsRelease(t *testing.T) {
	st := newMemStore()
	st.appendErr = errors.New("read-only file system")
	h := newHarnessWith(t, newFakeEngine(), st)
	require.NoError(t, h.o.StartSession())
	confirmed(t, h, "r1", "abcd", "movie.mkv")
	require.NoError(t, st.SaveResumeData("r1", []byte("resume-r1")))

	h.o.rc.Handle(Alert{Type: AlertCompleted, ContentHash: "abcd", Name: "movie.mkv"})
	h.o.Flush()

	mt, ok := h.o.Get("r1")
	require.True(t, ok)
	assert.Equal(t, StatusErrored, mt.Status)
	assert.Contains(t, mt.Error, "read-only file system")

	saved := st.savedIndex()
	require.Len(t, saved, 1)
	assert.Equal(t, "r1", saved[0].ReleaseID)
	assert.Equal(t, StatusErrored, saved[0].Status)

	completed, err := h.o.ListCompleted()
	require.NoError(t, err)
	assert.Empty(t, completed)
	data, err := st.LoadResumeData("r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("resume-r1"), data)
}
