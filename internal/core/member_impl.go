package core

import "github.com/dkeye/Beam/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta *domain.Peer
	conn SignalConnection
}

func NewMemberSession(meta *domain.Peer, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Peer       { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }
