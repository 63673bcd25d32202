package eventstore

import "fmt"

// PersistError wraps a journal or projection I/O failure from Append (§4.1).
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string { return fmt.Sprintf("eventstore: %s: %v", e.Op, e.Err) }

func (e *PersistError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistError{Op: op, Err: err}
}
