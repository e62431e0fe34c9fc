package process

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

// SpawnError is returned when a child could not be started.
type SpawnError struct {
	Name string
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// NotFound reports whether the executable did not exist.
func (e *SpawnError) NotFound() bool {
	return errors.Is(e.Err, exec.ErrNotFound) || errors.Is(e.Err, fs.ErrNotExist)
}

// PermissionDenied reports whether the executable could not be run.
func (e *SpawnError) PermissionDenied() bool {
	return errors.Is(e.Err, fs.ErrPermission)
}

// IsNotFound reports whether err is a SpawnError for a missing executable.
func IsNotFound(err error) bool {
	var se *SpawnError
	return errors.As(err, &se) && se.NotFound()
}
