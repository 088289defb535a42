package domain

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// RoomID is an opaque identifier, unique within one registry lifetime.
type RoomID string

type Room struct {
	ID        RoomID
	CreatedAt time.Time
}

// NewRoomID generates an unpredictable short room identifier,
// e.g. "A1B2C3".
func NewRoomID() RoomID {
	var buf [3]byte
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(buf[:])
	return RoomID(strings.ToUpper(hex.EncodeToString(buf[:])))
}
