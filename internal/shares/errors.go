package shares

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput indicates a user-correctable problem with a create request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited indicates the device has used its create quota for the window.
	ErrRateLimited = errors.New("create quota exceeded")
	// ErrStorageUnavailable indicates the object store could not be reached.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrShareActive indicates a destroy was requested for a share that is still servable.
	ErrShareActive = errors.New("share is still active")
)

// TransformFailedError reports that voice conversion rejected or failed the upload.
type TransformFailedError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *TransformFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transform failed: %s: %v", e.Reason, e.Err)
	}
	return "transform failed: " + e.Reason
}

func (e *TransformFailedError) Unwrap() error {
	return e.Err
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
