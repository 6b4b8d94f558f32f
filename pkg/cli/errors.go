package cli

import "errors"

// Common CLI errors
var (
	ErrNoPattern    = errors.New("at least one file or glob pattern is required")
	ErrWaitTimedOut = errors.New("timed out waiting for the ready marker")
)
