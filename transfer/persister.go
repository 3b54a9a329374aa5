package transfer

import (
	"sync"

	"github.com/rs/zerolog"
)

type jobKind int

const (
	jobIndex jobKind = iota
	jobSession
	jobResumeData
	jobBarrier
)

type job struct {
	kind      jobKind
	releaseID string
	data      []byte
	index     IndexSnapshot
	done      chan struct{}
}

// persister serializes background writes through a bounded queue. Enqueue
// blocks when the queue is full; Close drains what is already queued.
type persister struct {
	st  Store
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
	jobs   chan job
	wg     sync.WaitGroup

	// written is the version of the last index snapshot saved; only the
	// worker touches it.
	written uint64
}

func newPersister(st Store, size int, log zerolog.Logger) *persister {
	if size <= 0 {
		size = 64
	}
	p := &persister{
		st:   st,
		log:  log,
		jobs: make(chan job, size),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *persister) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.do(j)
	}
}

func (p *persister) do(j job) {
	var err error
	switch j.kind {
	case jobIndex:
		if p.written > 0 && j.index.Version <= p.written {
			p.log.Debug().Uint64("version", j.index.Version).Uint64("written", p.written).Msg("stale index snapshot skipped")
			return
		}
		err = p.st.SaveIndex(j.index.Transfers)
		if err == nil {
			p.written = j.index.Version
		}
	case jobSession:
		err = p.st.SaveSessionState(j.data)
	case jobResumeData:
		err = p.st.SaveResumeData(j.releaseID, j.data)
	case jobBarrier:
		close(j.done)
		return
	}
	if err != nil {
		// background saves are best effort
		p.log.Warn().Err(err).Str("release_id", j.releaseID).Int("job", int(j.kind)).Msg("background save failed")
	}
}

func (p *persister) enqueue(j job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Debug().Int("job", int(j.kind)).Msg("persister closed, dropping save")
		return false
	}
	p.jobs <- j
	return true
}

// SaveIndex queues a snapshot taken by the caller at mutation time.
// Snapshots older than one already written are skipped.
func (p *persister) SaveIndex(snapshot IndexSnapshot) {
	p.enqueue(job{kind: jobIndex, index: snapshot})
}

func (p *persister) SaveSession(state []byte) {
	p.enqueue(job{kind: jobSession, data: state})
}

func (p *persister) SaveResumeData(releaseID string, data []byte) {
	p.enqueue(job{kind: jobResumeData, releaseID: releaseID, data: data})
}

// Flush waits until everything queued before the call has been written.
func (p *persister) Flush() {
	done := make(chan struct{})
	if !p.enqueue(job{kind: jobBarrier, done: done}) {
		return
	}
	<-done
}

func (p *persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
