package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized indicates the engine was used before its highest price was set.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrInvalidPrice indicates a non-positive price observation.
	ErrInvalidPrice = errors.New("invalid price")
	// ErrCloseAnchor indicates an attempt to close the protected anchor position.
	ErrCloseAnchor = errors.New("anchor position cannot be closed")
	// ErrPositionNotActive indicates an attempt to close a position that is not active.
	ErrPositionNotActive = errors.New("position not active")
	// ErrPositionNotFound indicates a position id unknown to the ledger or store.
	ErrPositionNotFound = errors.New("position not found")
)

// ProgrammerError marks a caller defect. It is raised with panic and unwraps to the
// sentinel describing the defect.
type ProgrammerError struct {
	Op  string
	Err error
}

func (e *ProgrammerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProgrammerError) Unwrap() error {
	return e.Err
}

func Defect(op string, err error) *ProgrammerError {
	return &ProgrammerError{Op: op, Err: err}
}
