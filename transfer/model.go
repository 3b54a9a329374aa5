package transfer

type Status string

const (
	StatusPending     Status = "pending"
	StatusAdded       Status = "added"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
)

// Terminal reports whether a transfer in this status has left the engine's
// control. Errored is sticky but not terminal: the entry stays managed.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// ManagedTransfer is one tracked download, keyed by the caller's release id.
type ManagedTransfer struct {
	ReleaseID   string  `json:"releaseId"`
	DisplayName string  `json:"displayName"`
	ContentHash string  `json:"contentHash"`
	Progress    float64 `json:"progress"`
	Status      Status  `json:"status"`

	// Locator and Destination are kept so a transfer that never got
	// confirmed by the engine can be submitted again after a restart.
	Locator     string `json:"locator,omitempty"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
}

type CompletedTransferRecord struct {
	ReleaseID   string `json:"releaseId"`
	DisplayName string `json:"displayName"`
}

const (
	EventDownloading = "downloading"
	EventCompleted   = "completed"
)

// Event is what the UI receives for every reconciler driven transition.
type Event struct {
	ReleaseID string  `json:"releaseId"`
	Progress  float64 `json:"progress"`
	Status    string  `json:"status"`
	Speed     *int64  `json:"speed,omitempty"`
}
