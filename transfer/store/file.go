package store

import (
	"encoding/json"
	"errors"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/jkaberg/releasedl/transfer"
)

var _ transfer.Store = &File{}

const (
	SessionStateFile     = "session.state"
	ManagedTransfersFile = "managedTransfers.json"
	CompletedFile        = "completedTransfers.json"
	resumeDataExt        = ".resumedata"
)

// File keeps every artifact as its own file under one directory. Each write
// replaces the whole file.
type File struct {
	dir string

	// completedMu guards the read-modify-write of the completed log.
	completedMu sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0744); err != nil {
		return nil, err
	}
	return &File{dir: dir}, nil
}

func (f *File) LoadSessionState() ([]byte, error) {
	return f.read(SessionStateFile)
}

func (f *File) SaveSessionState(state []byte) error {
	return f.write(SessionStateFile, state)
}

func (f *File) LoadResumeData(releaseID string) ([]byte, error) {
	return f.read(resumeDataName(releaseID))
}

func (f *File) SaveResumeData(releaseID string, data []byte) error {
	return f.write(resumeDataName(releaseID), data)
}

func (f *File) DeleteResumeData(releaseID string) error {
	err := os.Remove(filepath.Join(f.dir, resumeDataName(releaseID)))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *File) LoadIndex() ([]transfer.ManagedTransfer, error) {
	var out []transfer.ManagedTransfer
	if err := f.readJSON(ManagedTransfersFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) SaveIndex(ts []transfer.ManagedTransfer) error {
	if ts == nil {
		ts = []transfer.ManagedTransfer{}
	}
	b, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return f.write(ManagedTransfersFile, b)
}

func (f *File) LoadCompleted() ([]transfer.CompletedTransferRecord, error) {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()
	return f.loadCompleted()
}

func (f *File) loadCompleted() ([]transfer.CompletedTransferRecord, error) {
	var out []transfer.CompletedTransferRecord
	if err := f.readJSON(CompletedFile, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendCompleted reads the whole log, appends rec and writes it back.
func (f *File) AppendCompleted(rec transfer.CompletedTransferRecord) error {
	f.completedMu.Lock()
	defer f.completedMu.Unlock()

	recs, err := f.loadCompleted()
	if err != nil {
		return err
	}
	recs = append(recs, rec)
	b, err := json.Marshal(recs)
	if err != nil {
		return err
	}
	return f.write(CompletedFile, b)
}

func (f *File) Close() error { return nil }

func (f *File) read(name string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

func (f *File) readJSON(name string, v any) error {
	b, err := f.read(name)
	if err != nil || len(b) == 0 {
		return err
	}
	return json.Unmarshal(b, v)
}

// write goes through a temp file so a crash never leaves half a file behind.
func (f *File) write(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.dir, name))
}

func resumeDataName(releaseID string) string {
	return url.PathEscape(releaseID) + resumeDataExt
}
