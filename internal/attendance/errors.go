package attendance

import "errors"

// Write-path and scan-path errors surfaced to callers. ErrDuplicateRecord is
// the one exception: the engine recovers from it internally and callers
// should never see it.
var (
	ErrUnknownClass    = errors.New("unknown class")
	ErrUnknownStudent  = errors.New("unknown student")
	ErrNotEnrolled     = errors.New("student not enrolled in class")
	ErrInvalidStatus   = errors.New("invalid attendance status")
	ErrDuplicateRecord = errors.New("attendance record already exists for class and day")
)
