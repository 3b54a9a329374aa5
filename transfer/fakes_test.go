package transfer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type call struct {
	op   string
	arg  string
	dest string
}

type fakeEngine struct {
	mu       sync.Mutex
	calls    []call
	startErr error
	subErr   error
	started  int
	state    []byte
	alerts   chan Alert
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{alerts: make(chan Alert, 16), state: []byte("dht-state")}
}

func (f *fakeEngine) record(op, arg, dest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, arg: arg, dest: dest})
}

func (f *fakeEngine) StartSession(saved []byte) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	f.record("start", string(saved), "")
	return f.startErr
}

func (f *fakeEngine) SubmitTransfer(locator, destination string, flags SubmitFlags) error {
	op := "submit"
	if flags.Paused {
		op = "submit-paused"
	}
	f.record(op, locator, destination)
	return f.subErr
}

func (f *fakeEngine) RestoreTransfer(resumeData []byte, destination string) error {
	f.record("restore", string(resumeData), destination)
	return nil
}

func (f *fakeEngine) Pause(h string) error  { f.record("pause", h, ""); return nil }
func (f *fakeEngine) Resume(h string) error { f.record("resume", h, ""); return nil }
func (f *fakeEngine) RequestResumeDataSnapshot(h string) error {
	f.record("snapshot", h, "")
	return nil
}
func (f *fakeEngine) RemoveTransfer(h string) error { f.record("remove", h, ""); return nil }
func (f *fakeEngine) SaveGlobalState() ([]byte, error) {
	f.record("save-state", "", "")
	return f.state, nil
}
func (f *fakeEngine) Alerts() <-chan Alert { return f.alerts }
func (f *fakeEngine) Close() error         { f.record("close", "", ""); return nil }

func (f *fakeEngine) ops(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c.arg)
		}
	}
	return out
}

type memStore struct {
	mu          sync.Mutex
	session     []byte
	resume      map[string][]byte
	index       []ManagedTransfer
	indexSaves  int
	completed   []CompletedTransferRecord
	completeErr error
	appendErr   error
}

func newMemStore() *memStore {
	return &memStore{resume: make(map[string][]byte)}
}

func (m *memStore) LoadSessionState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *memStore) SaveSessionState(state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = state
	return nil
}

func (m *memStore) LoadResumeData(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resume[id], nil
}

func (m *memStore) SaveResumeData(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resume[id] = data
	return nil
}

func (m *memStore) DeleteResumeData(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resume, id)
	return nil
}

func (m *memStore) LoadIndex() ([]ManagedTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ManagedTransfer(nil), m.index...), nil
}

func (m *memStore) SaveIndex(ts []ManagedTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = append([]ManagedTransfer(nil), ts...)
	m.indexSaves++
	return nil
}

func (m *memStore) LoadCompleted() ([]CompletedTransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	return append([]CompletedTransferRecord(nil), m.completed...), nil
}

func (m *memStore) AppendCompleted(rec CompletedTransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.completed = append(m.completed, rec)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) savedIndex() []ManagedTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ManagedTransfer(nil), m.index...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

var errCorrupt = errors.New("unexpected end of JSON input")

type harness struct {
	o      *Orchestrator
	engine *fakeEngine
	store  *memStore
	events *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, newFakeEngine(), newMemStore())
}

func newHarnessWith(t *testing.T, e *fakeEngine, st *memStore) *harness {
	t.Helper()
	rec := &eventRecorder{}
	o, err := New(e, st, rec, Options{DrainTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown() })
	return &harness{o: o, engine: e, store: st, events: rec}
}

// waitEvents blocks until at least n events were delivered.
func (h *harness) waitEvents(t *testing.T, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.events.all()) >= n }, time.Second, 5*time.Millisecond)
	return h.events.all()
}
