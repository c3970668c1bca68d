package fsm

import "fmt"

// FatalProgramError marks a programmer-bug-class violation: an illegal
// hook verdict or a broken invariant. The reference implementation
// aborts the process on these; CNT_Request instead returns this wrapped
// in an error, so the worker pool can log it and fail the one request
// with a 500 rather than take the whole server down.
type FatalProgramError struct {
	State  State
	Detail string
}

func (e *FatalProgramError) Error() string {
	return fmt.Sprintf("fsm: programmer error in state %s: %s", e.State, e.Detail)
}

func fatalf(state State, format string, args ...any) *FatalProgramError {
	return &FatalProgramError{State: state, Detail: fmt.Sprintf(format, args...)}
}
