package contracts

// Status enumerates the lifecycle states shared by runs, lines and nodes.
type Status string

const (
	StatusNotStarted      Status = "NotStarted"
	StatusPreparing       Status = "Preparing"
	StatusRunning         Status = "Running"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusBypassed        Status = "Bypassed"
	StatusCanceled        Status = "Canceled"
	StatusCancelRequested Status = "CancelRequested"
)

// IsTerminated reports whether the status is terminal. A terminated run
// never transitions again; archive/restore toggles a separate flag.
func (s Status) IsTerminated() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBypassed, StatusCanceled:
		return true
	default:
		return false
	}
}
