package schema

import (
	"errors"
	"fmt"
)

// Errors returned by mirror operations.
//
// These can be checked with errors.Is:
//
//	if errors.Is(err, schema.ErrRootUnavailable) {
//	    // the project root is missing or unreadable; the mirror was not touched
//	}
var (
	// ErrRootUnavailable is returned when a project's root directory cannot
	// be reached at all. The sync run fails without touching the mirror.
	ErrRootUnavailable = errors.New("project root unavailable")

	// ErrConsistency signals that storage disagrees with what an operation
	// expected, such as a node vanishing during delete or a claimed entry
	// that no longer exists. It points at a storage race or a bug.
	ErrConsistency = errors.New("mirror consistency violation")

	// ErrNotFound is returned when a node or queue entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a queue entry is asked to move
	// to a state that its current state does not allow.
	ErrInvalidTransition = errors.New("invalid queue transition")

	// ErrProjectNotFound is returned when a project lookup fails.
	ErrProjectNotFound = errors.New("project not found")

	// ErrProjectExists is returned when registering a duplicate project name.
	ErrProjectExists = errors.New("project already exists")
)

// FilesystemError describes a filesystem entry that could not be read.
type FilesystemError struct {
	Path string // relative during a sync ("" for the project root), absolute in the worker
	Op   string // stat, readdir, ...
	Err  error
}

func (e *FilesystemError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s project root: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}
