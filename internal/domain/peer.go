// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxPeerIDLen = 64

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
)

// PeerID identifies one participant. It is supplied by the client or
// generated by the server when the client does not supply one.
type PeerID string

// TargetAll addresses every member of a room except the sender.
const TargetAll PeerID = "all"

type Peer struct {
	ID PeerID `json:"id"`
}

// NewPeer avoids raw literals in adapters and keeps construction obvious.
func NewPeer(id PeerID) *Peer {
	return &Peer{ID: id}
}

// NewPeerID returns a fresh server-generated participant identity.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// ValidatePeerID rejects identifiers the registry would not accept.
func ValidatePeerID(id PeerID) error {
	if len(id) == 0 {
		return ErrPeerIDEmpty
	}
	if len(id) > MaxPeerIDLen {
		return ErrPeerIDTooLong
	}
	return nil
}
