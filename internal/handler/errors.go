package handler

import "errors"

var (
	// ErrServiceUnavailable is returned when a service is inactive and could not be started
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrConntrackFlush is returned when the conntrack table could not be flushed
	ErrConntrackFlush = errors.New("conntrack flush failed")

	// ErrScriptStart is returned when a logging script could not be started
	ErrScriptStart = errors.New("script start failed")

	// ErrScriptLingering is returned when a script survives every cleanup signal
	ErrScriptLingering = errors.New("script still running after cleanup")
)
