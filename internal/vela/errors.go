// SPDX-License-Identifier: MIT

// Package vela holds sentinel errors shared across the daemon's packages,
// so callers at any boundary can classify a failure with errors.Is/errors.As
// instead of matching on error strings.
package vela

import "errors"

// Package-level error definitions for daemon-wide failure classification.
var (
	// ErrConfigInvalid marks a configuration document that failed validation
	// or could not be parsed.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrChildSpawnFailed marks a failure to start an external process
	// (dbus-daemon, the video player binary).
	ErrChildSpawnFailed = errors.New("child process spawn failed")

	// ErrBusUnreachable marks a failure to connect to the session bus.
	ErrBusUnreachable = errors.New("bus unreachable")

	// ErrBusDisconnected marks an established bus connection that has been
	// lost.
	ErrBusDisconnected = errors.New("bus disconnected")

	// ErrRemoteCallFailed marks a D-Bus method call that returned an error
	// reply.
	ErrRemoteCallFailed = errors.New("remote call failed")

	// ErrRemoteCallTimeout marks a D-Bus method call that did not complete
	// within its deadline.
	ErrRemoteCallTimeout = errors.New("remote call timed out")

	// ErrHandlerException marks a panic recovered from an event bus
	// subscriber.
	ErrHandlerException = errors.New("event handler exception")

	// ErrDeviceOpenFailed marks a failure to open or exclusively grab an
	// input device file.
	ErrDeviceOpenFailed = errors.New("device open failed")
)
