package engine

import "fmt"

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is a state-machine violation: leaving a final
// state or moving to a state the policy rejects.
type InvalidTransitionError struct {
	FromStateID string
	ToStateID   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s not allowed", e.FromStateID, e.ToStateID)
}

// ConflictError rejects a mutation that would break an invariant, such as
// removing the last owner of an entity.
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// PersistenceError wraps a storage or commit fault. The atomic unit it
// belongs to has been rolled back; callers must not retry blindly.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return PersistenceError{Op: op, Err: err}
}
