package store

import (
	"fmt"

	"github.com/jkaberg/releasedl/transfer"
)

const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir string) (transfer.Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFile(dir)
	case BackendBadger:
		return NewBadger(dir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
