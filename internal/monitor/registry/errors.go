package registry

import "errors"

var (
	// ErrDisconnected: the session is gone or its connection broke. Per-session,
	// never a broadcast-wide failure.
	ErrDisconnected = errors.New("session disconnected")
	// ErrTimeout: a send did not complete within the per-send timeout.
	ErrTimeout = errors.New("send timed out")

	ErrDuplicateSession = errors.New("session id already registered")
	ErrNotFound         = errors.New("session not found")
)
