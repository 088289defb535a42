package core

import (
	"errors"

	"github.com/dkeye/Beam/internal/domain"
)

// Frame is a raw payload read from or written to a connection.
type Frame []byte

var (
	// ErrBackpressure reports that a recipient's send queue is full.
	ErrBackpressure = errors.New("send queue full")
	// ErrConnClosed reports a send on an already closed connection.
	ErrConnClosed = errors.New("connection closed")
)

// WebSocket close codes (RFC 6455) passed through SignalConnection.Close.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
)

// SignalConnection abstracts one client link.
// Owned by the adapter; the adapter must Close() it.
// TrySend/TrySendBinary never block: they enqueue into a per-connection
// serialized send queue so deliveries from other sessions' goroutines
// cannot interleave partial writes.
type SignalConnection interface {
	TrySend(Frame) error
	TrySendBinary(Frame) error
	Close(code int, reason string)
}

// MemberSession binds peer meta and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Peer
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

// RoomInfo is a read-only view for the REST API.
type RoomInfo struct {
	ID          domain.RoomID `json:"room_id"`
	MemberCount int           `json:"member_count"`
}
