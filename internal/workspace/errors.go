package workspace

import "fmt"

// Error wraps a failed workspace operation with enough context to tell
// which repo and git operation went wrong. Callers discriminate with
// errors.As; the wrapped error is available via Unwrap.
type Error struct {
	Op     string
	RepoID string
	Output string
	Err    error
}

func (e *Error) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("workspace %s (repo %s): %s: %v", e.Op, e.RepoID, e.Output, e.Err)
	}
	return fmt.Sprintf("workspace %s (repo %s): %v", e.Op, e.RepoID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
