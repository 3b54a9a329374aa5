package transfer

import "fmt"

type AlertType int

const (
	AlertAdded AlertType = iota + 1
	AlertProgress
	AlertResumeData
	AlertCompleted
	AlertError
	// AlertOther covers engine notifications the reconciler does not act on.
	AlertOther
)

func (t AlertType) String() string {
	switch t {
	case AlertAdded:
		return "added"
	case AlertProgress:
		return "progress"
	case AlertResumeData:
		return "resume_data"
	case AlertCompleted:
		return "completed"
	case AlertError:
		return "error"
	case AlertOther:
		return "other"
	}
	return fmt.Sprintf("alert(%d)", int(t))
}

// Alert is an engine originated notification. Only the fields relevant to
// Type are set.
type Alert struct {
	Type        AlertType
	ContentHash string
	Name        string

	// Locator is set on AlertAdded when the engine knows which submission
	// produced the transfer. Restored transfers carry none.
	Locator string

	FractionDone    float64
	DownloadRate    int64
	NeedsResumeData bool

	ResumeData []byte
	Message    string
}
