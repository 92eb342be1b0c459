package main

import "errors"

// Sentinel errors classify a command failure into one of §6's exit codes.
// Any error not wrapping one of these is treated as a runtime failure.
var (
	errConfigInvalid    = errors.New("sttd: configuration error")
	errInitializeFailed = errors.New("sttd: initialization failed")
	errRuntimeFailed     = errors.New("sttd: runtime failure")
)

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errConfigInvalid):
		return 3
	case errors.Is(err, errInitializeFailed):
		return 1
	case errors.Is(err, errRuntimeFailed):
		return 2
	default:
		return 2
	}
}
