package lang

import "errors"

// ErrArgument matches every construction-time argument error.
var ErrArgument = errors.New("lock argument error")

// ArgumentError reports a missing or invalid constructor argument. Member
// qualifies the offending field, e.g. "SetVarOp.table".
type ArgumentError struct {
	Member string
	Reason string
}

func (e *ArgumentError) Error() string {
	msg := ErrArgument.Error() + ": " + e.Member
	if e.Reason != "" {
		msg += " " + e.Reason
	}
	return msg
}

// Is lets errors.Is(err, ErrArgument) match any ArgumentError.
func (e *ArgumentError) Is(target error) bool {
	return target == ErrArgument
}

func argError(member, reason string) error {
	return &ArgumentError{Member: member, Reason: reason}
}

func required(member string) error {
	return argError(member, "is required")
}

// PrepareError reports a node that could not be prepared. Path is the
// node's computed path, e.g. "Root/BlockOp/SetVarOp/".
type PrepareError struct {
	Path string
	Err  error
}

func (e *PrepareError) Error() string { return e.Path + ": " + e.Err.Error() }
func (e *PrepareError) Unwrap() error { return e.Err }
