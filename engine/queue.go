package engine

import (
	"sync"

	"github.com/jkaberg/releasedl/transfer"
)

// alertQueue is an unbounded FIFO in front of the alert channel so the
// sampler never blocks on a slow consumer.
type alertQueue struct {
	mu     sync.Mutex
	items  []transfer.Alert
	notify chan struct{}
	out    chan transfer.Alert
	done   chan struct{}
	once   sync.Once
}

func newAlertQueue() *alertQueue {
	q := &alertQueue{
		notify: make(chan struct{}, 1),
		out:    make(chan transfer.Alert),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *alertQueue) push(a transfer.Alert) {
	select {
	case <-q.done:
		return
	default:
	}

	q.mu.Lock()
	q.items = append(q.items, a)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *alertQueue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.notify:
				continue
			case <-q.done:
				return
			}
		}
		a := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- a:
		case <-q.done:
			return
		}
	}
}

func (q *alertQueue) close() {
	q.once.Do(func() { close(q.done) })
}
