package bridge

import (
	"errors"
	"fmt"
)

// BusyError reports that a thread already has a turn in flight. Callers
// map it to a conflict response carrying the thread id.
type BusyError struct {
	ThreadID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("thread %s already has a turn in progress", e.ThreadID)
}

// IsBusy reports whether err is (or wraps) a BusyError.
func IsBusy(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

// ErrTurnTimeout marks a turn that produced no terminal status within the
// orchestrator's wait window.
var ErrTurnTimeout = errors.New("turn wait timed out")
