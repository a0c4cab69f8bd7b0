package registry

import (
	"context"
	"sync/atomic"
	"time"

	"batchmon/internal/monitor/acl"
	"batchmon/internal/protocol"
)

// Sender is the transport side of a session.
type Sender interface {
	// WriteFrame writes one encoded message and must honor ctx's deadline.
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Session is one live client connection with its verified identity.
type Session struct {
	ID          string
	UserID      string
	Roles       acl.Roles
	ConnectedAt time.Time
	Codec       protocol.Codec

	sender        Sender
	lastHeartbeat atomic.Int64 // unix nanos
	closed        atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch(at time.Time) { s.lastHeartbeat.Store(at.UnixNano()) }

// Closed reports whether the session has been unregistered.
func (s *Session) Closed() bool { return s.closed.Load() }

// Done is closed once the session is unregistered.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Encode renders v with the session's negotiated codec.
func (s *Session) Encode(v any) ([]byte, error) {
	c := s.Codec
	if c == nil {
		c = protocol.JSON
	}
	return c.Encode(v)
}

// Info is a diagnostics view.
type Info struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Roles         []string  `json:"roles"`
	Codec         string    `json:"codec"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (s *Session) Info() Info {
	codec := protocol.SubprotocolJSON
	if s.Codec != nil {
		codec = s.Codec.Name()
	}
	return Info{
		ID:            s.ID,
		UserID:        s.UserID,
		Roles:         s.Roles.Strings(),
		Codec:         codec,
		ConnectedAt:   s.ConnectedAt,
		LastHeartbeat: s.LastHeartbeat(),
	}
}
