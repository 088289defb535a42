package app

import (
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member whose send queue rejected a
// delivery.
type Policy interface {
	OnBackpressure(room domain.RoomID, member core.MemberSession) BackpressureAction
}

// KickSlowPolicy disconnects a member that cannot keep up; its cleanup
// then runs through the normal session-loop path.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(domain.RoomID, core.MemberSession) BackpressureAction {
	return KickMember
}

// DropFramePolicy tolerates slow consumers and only sheds the frame.
type DropFramePolicy struct{}

func (DropFramePolicy) OnBackpressure(domain.RoomID, core.MemberSession) BackpressureAction {
	return DropFrame
}
