// Package ingest feeds job and system events into the engine from NATS
// subjects and from an HTTP endpoint.
package ingest

import (
	"errors"
	"net/http"

	"batchmon/internal/monitor/snapshot"
)

// Sink receives encoded payloads; *monitor.Engine implements it.
type Sink interface {
	IngestJSON(topic, entityID string, raw []byte) (uint64, error)
}

// Result is the reply to a request-style ingest.
type Result struct {
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// status maps an ingest error to an HTTP status.
func status(err error) int {
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, snapshot.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, snapshot.ErrUnknownTopic):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}
