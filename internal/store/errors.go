// Package store holds types shared by the persistent stores.
package store

import "fmt"

// StorageError marks an I/O failure inside a store. Fatal for the
// current operation; supervisors decide whether to retry. Duplicate
// input never produces a StorageError, duplicates are merged.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Wrap returns err as a StorageError, or nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
