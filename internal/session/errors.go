package session

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionResolution is matched by every failure to resolve a host to a session
	ErrConnectionResolution = errors.New("connection resolution failed")

	// ErrConfigMissing is returned when the SSH client configuration file does not exist
	ErrConfigMissing = errors.New("ssh config not found")

	// ErrHostNotConfigured is returned when no configuration entry exists for a host
	ErrHostNotConfigured = errors.New("no configuration found for host")

	// ErrSessionClosed is returned when a closed session is used
	ErrSessionClosed = errors.New("session closed")
)

// ResolutionError reports which host (or jump host) could not be resolved
type ResolutionError struct {
	Host string
	Jump bool
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Jump {
		return fmt.Sprintf("resolve proxy jump host %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("resolve host %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Is makes every ResolutionError match ErrConnectionResolution
func (e *ResolutionError) Is(target error) bool {
	return target == ErrConnectionResolution
}
