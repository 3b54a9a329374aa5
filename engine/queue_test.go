package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jkaberg/releasedl/transfer"
)

func TestAlertQueueKeepsOrderWithoutConsumer(t *testing.T) {
	require := require.New(t)

	q := newAlertQueue()
	defer q.close()

	// far more than any channel buffer; push must never block
	for i := 0; i < 1000; i++ {
		q.push(transfer.Alert{Type: transfer.AlertProgress, DownloadRate: int64(i)})
	}

	for i := 0; i < 1000; i++ {
		select {
		case a := <-q.out:
			require.Equal(int64(i), a.DownloadRate)
		case <-time.After(time.Second):
			require.FailNow("queue stalled")
		}
	}
}

func TestAlertQueueClose(t *testing.T) {
	q := newAlertQueue()
	q.push(transfer.Alert{})
	q.close()
	q.close()
	q.push(transfer.Alert{})

	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-q.out:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}
