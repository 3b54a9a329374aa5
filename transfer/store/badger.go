package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"

	dlog "github.com/jkaberg/releasedl/log"
	"github.com/jkaberg/releasedl/transfer"
)

var _ transfer.Store = &Badger{}

const (
	sessionKey       = "/session"
	resumeRootKey    = "/resume/"
	managedRootKey   = "/managed/"
	completedRootKey = "/completed/"
	completedSeqKey  = "/seq/completed"
)

// Badger keeps the same four artifacts in a badger database, one key per
// resource or entry.
type Badger struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadger(dir string) (*Badger, error) {
	l := log.Logger.With().Str("component", "transfer-store").Logger()

	opts := badger.DefaultOptions(dir).
		WithLogger(&dlog.Badger{L: l}).
		WithValueLogFileSize(1<<26 - 1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	err = db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence([]byte(completedSeqKey), 16)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Badger{db: db, seq: seq}, nil
}

func (b *Badger) LoadSessionState() ([]byte, error) {
	return b.get(sessionKey)
}

func (b *Badger) SaveSessionState(state []byte) error {
	return b.set(sessionKey, state)
}

func (b *Badger) LoadResumeData(releaseID string) ([]byte, error) {
	return b.get(path.Join(resumeRootKey, releaseID))
}

func (b *Badger) SaveResumeData(releaseID string, data []byte) error {
	return b.set(path.Join(resumeRootKey, releaseID), data)
}

func (b *Badger) DeleteResumeData(releaseID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path.Join(resumeRootKey, releaseID)))
	})
}

func (b *Badger) LoadIndex() ([]transfer.ManagedTransfer, error) {
	var out []transfer.ManagedTransfer
	err := b.iterate(managedRootKey, func(_ string, v []byte) error {
		var mt transfer.ManagedTransfer
		if err := json.Unmarshal(v, &mt); err != nil {
			return err
		}
		out = append(out, mt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveIndex replaces every managed entry in a single transaction.
func (b *Badger) SaveIndex(ts []transfer.ManagedTransfer) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		prefix := []byte(managedRootKey)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, mt := range ts {
			v, err := json.Marshal(mt)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(path.Join(managedRootKey, mt.ReleaseID)), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.db.Sync()
}

func (b *Badger) LoadCompleted() ([]transfer.CompletedTransferRecord, error) {
	var out []transfer.CompletedTransferRecord
	err := b.iterate(completedRootKey, func(_ string, v []byte) error {
		var rec transfer.CompletedTransferRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendCompleted stores rec under the next sequence number so iteration
// returns records in append order.
func (b *Badger) AppendCompleted(rec transfer.CompletedTransferRecord) error {
	n, err := b.seq.Next()
	if err != nil {
		return err
	}
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.set(fmt.Sprintf("%s%020d", completedRootKey, n), v)
}

func (b *Badger) Close() error {
	return errors.Join(b.seq.Release(), b.db.Close())
}

func (b *Badger) get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = it.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) set(key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return err
	}
	return b.db.Sync()
}

func (b *Badger) iterate(prefix string, fn func(key string, value []byte) error) error {
	tx := b.db.NewTransaction(false)
	defer tx.Discard()

	it := tx.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		i := it.Item()
		k := string(i.Key())
		if err := i.Value(func(v []byte) error {
			return fn(k, v)
		}); err != nil {
			return err
		}
	}
	return nil
}
