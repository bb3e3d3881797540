package core

import (
	"errors"
	"fmt"
)

var (
	ErrNoReaders         = errors.New("no PC/SC readers found")
	ErrConnectionTimeout = errors.New("timed out waiting for tag")
	ErrAuthFailure       = errors.New("authentication failed")
	ErrPartialWrite      = errors.New("partial write")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrSessionClosed     = errors.New("session closed")
)

// AuthError reports a block no key candidate could authenticate, or a key
// slot the reader refused to load (Block is -1 in that case).
type AuthError struct {
	Block int
	Slot  int
	Err   error
}

func (e *AuthError) Error() string {
	if e.Block < 0 {
		if e.Err != nil {
			return fmt.Sprintf("load key into slot %d failed: %v", e.Slot, e.Err)
		}
		return fmt.Sprintf("load key into slot %d failed", e.Slot)
	}
	return fmt.Sprintf("authentication failed at block %d - no key candidate accepted", e.Block)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }

func (e *AuthError) Unwrap() error { return e.Err }

// PartialWriteError means earlier blocks were written before Block failed.
// The tag now holds a mix of old and new data.
type PartialWriteError struct {
	Block   int
	Written int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("write failed at block %d after %d blocks were written (tag holds mixed data)", e.Block, e.Written)
}

func (e *PartialWriteError) Is(target error) bool { return target == ErrPartialWrite }

// CapacityError is returned before any block is touched.
type CapacityError struct {
	Needed    int
	Available int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("NDEF too large (%d > %d bytes)", e.Needed, e.Available)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }
