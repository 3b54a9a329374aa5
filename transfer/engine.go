package transfer

// SubmitFlags tune how a new transfer is handed to the engine.
type SubmitFlags struct {
	// Paused keeps the transfer from fetching data until Resume is called.
	Paused bool
}

// Engine is the boundary to the peer-to-peer transfer engine. Every call may
// fail with ErrEngineUnavailable when the engine never initialized.
type Engine interface {
	// StartSession starts the engine, resuming from savedState when present.
	StartSession(savedState []byte) error
	// SubmitTransfer begins fetching locator into destination. The engine
	// confirms asynchronously with an AlertAdded.
	SubmitTransfer(locator, destination string, flags SubmitFlags) error
	// RestoreTransfer re-attaches a transfer from its persisted resume data.
	RestoreTransfer(resumeData []byte, destination string) error
	Pause(contentHash string) error
	Resume(contentHash string) error
	// RequestResumeDataSnapshot triggers an AlertResumeData for contentHash.
	RequestResumeDataSnapshot(contentHash string) error
	RemoveTransfer(contentHash string) error
	SaveGlobalState() ([]byte, error)
	// Alerts is ordered per transfer and never drops events.
	Alerts() <-chan Alert
	Close() error
}

// Store holds the four durable artifacts. Loading an absent resource is not
// an error and yields an empty result.
type Store interface {
	LoadSessionState() ([]byte, error)
	SaveSessionState(state []byte) error

	LoadResumeData(releaseID string) ([]byte, error)
	SaveResumeData(releaseID string, data []byte) error
	DeleteResumeData(releaseID string) error

	LoadIndex() ([]ManagedTransfer, error)
	SaveIndex(transfers []ManagedTransfer) error

	LoadCompleted() ([]CompletedTransferRecord, error)
	AppendCompleted(rec CompletedTransferRecord) error

	Close() error
}

// EventSink receives UI events on the dispatcher goroutine.
type EventSink interface {
	Emit(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }
