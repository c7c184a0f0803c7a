package cluster

import (
	"errors"
	"fmt"
)

// IncompatibleClusterStateError signals that a diff cannot be applied against
// the receiver's current base state. It is the expected, recoverable failure
// that triggers the sender's fallback to a full-state publish.
type IncompatibleClusterStateError struct {
	Reason string
}

func (e *IncompatibleClusterStateError) Error() string {
	return fmt.Sprintf("incompatible cluster state: %s", e.Reason)
}

// NewIncompatibleClusterStateError builds the error with a formatted reason.
func NewIncompatibleClusterStateError(format string, args ...interface{}) error {
	return &IncompatibleClusterStateError{Reason: fmt.Sprintf(format, args...)}
}

// IsIncompatibleClusterState reports whether err, at any depth of wrapping,
// is an IncompatibleClusterStateError. Transport layers wrap remote failures,
// so the check must unwrap the whole cause chain.
func IsIncompatibleClusterState(err error) bool {
	var target *IncompatibleClusterStateError
	return errors.As(err, &target)
}
