package app

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomExists     = errors.New("room already exists")
	ErrRoomFull       = errors.New("room full")
	ErrPeerExists     = errors.New("peer id already in room")
	ErrTargetNotFound = errors.New("target not found")
)

// member is one connection's membership record within a room.
// A member stays pending between the peer_joined fan-out to existing
// members and its activation; pending members count toward capacity but
// never appear in recipient sets.
type member struct {
	sess    core.MemberSession
	pending bool
}

type roomState struct {
	room    *domain.Room
	members map[domain.PeerID]*member
	order   []domain.PeerID // join order, for snapshots
}

// activeSessions returns the deliverable set, excluding `skip`.
// Callers must hold the registry mutex.
func (rs *roomState) activeSessions(skip domain.PeerID) []core.MemberSession {
	out := make([]core.MemberSession, 0, len(rs.members))
	for _, id := range rs.order {
		if id == skip {
			continue
		}
		if m := rs.members[id]; m != nil && !m.pending {
			out = append(out, m.sess)
		}
	}
	return out
}

// Registry owns the process-wide room map. All mutations happen under a
// single mutex; no network I/O ever runs while it is held. Callers get
// back locally captured session snapshots and deliver after the lock is
// released.
type Registry struct {
	mu         sync.Mutex
	rooms      map[domain.RoomID]*roomState
	maxMembers int
}

func NewRegistry(maxMembers int) *Registry {
	return &Registry{
		rooms:      make(map[domain.RoomID]*roomState),
		maxMembers: maxMembers,
	}
}

// CreateRoom allocates a room. An empty id asks the registry to generate
// an unpredictable one; a supplied id that is already taken fails with
// ErrRoomExists. The room starts empty and is collected the first time
// it becomes empty after members joined.
func (r *Registry) CreateRoom(id domain.RoomID) (domain.RoomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		for {
			id = domain.NewRoomID()
			if _, taken := r.rooms[id]; !taken {
				break
			}
		}
	} else if _, taken := r.rooms[id]; taken {
		return "", ErrRoomExists
	}

	r.rooms[id] = &roomState{
		room:    &domain.Room{ID: id, CreatedAt: time.Now()},
		members: make(map[domain.PeerID]*member),
	}
	log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	return id, nil
}

// AddMember registers sess in the room as a pending member and returns
// the deliverable set as it was before the join, so the caller can fan
// out peer_joined without the joiner seeing its own notification.
// With implicit=true an unknown room is created transparently.
func (r *Registry) AddMember(
	roomID domain.RoomID,
	peerID domain.PeerID,
	sess core.MemberSession,
	implicit bool,
) ([]core.MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		if !implicit {
			return nil, ErrRoomNotFound
		}
		rs = &roomState{
			room:    &domain.Room{ID: roomID, CreatedAt: time.Now()},
			members: make(map[domain.PeerID]*member),
		}
		r.rooms[roomID] = rs
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room created implicitly")
	}
	if len(rs.members) >= r.maxMembers {
		return nil, ErrRoomFull
	}
	if _, taken := rs.members[peerID]; taken {
		return nil, ErrPeerExists
	}

	existing := rs.activeSessions(peerID)
	rs.members[peerID] = &member{sess: sess, pending: true}
	rs.order = append(rs.order, peerID)
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("peer", string(peerID)).
		Int("members", len(rs.members)).Msg("member added")
	return existing, nil
}

// Activate makes a pending member deliverable. No-op when the member
// disappeared in between.
func (r *Registry) Activate(roomID domain.RoomID, peerID domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.rooms[roomID]; ok {
		if m, ok := rs.members[peerID]; ok {
			m.pending = false
		}
	}
}

// RemoveMember drops a membership record, silently when it is absent.
// The room is deleted the moment it holds zero members. It returns the
// remaining deliverable set so the caller can broadcast peer_left.
func (r *Registry) RemoveMember(roomID domain.RoomID, peerID domain.PeerID) ([]core.MemberSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	if _, ok := rs.members[peerID]; !ok {
		return nil, false
	}
	delete(rs.members, peerID)
	for i, id := range rs.order {
		if id == peerID {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("peer", string(peerID)).Msg("member removed")

	if len(rs.members) == 0 {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("empty room deleted")
		return nil, true
	}
	return rs.activeSessions(peerID), true
}

// Recipients resolves the deliverable set for one frame: everyone but
// the sender for TargetAll, or the single addressed member.
func (r *Registry) Recipients(
	roomID domain.RoomID,
	from domain.PeerID,
	to domain.PeerID,
) ([]core.MemberSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	if to == domain.TargetAll {
		return rs.activeSessions(from), nil
	}
	m, ok := rs.members[to]
	if !ok || m.pending {
		return nil, ErrTargetNotFound
	}
	return []core.MemberSession{m.sess}, nil
}

// Snapshot returns the ordered participant list for diagnostics.
func (r *Registry) Snapshot(roomID domain.RoomID) ([]domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	out := make([]domain.PeerID, len(rs.order))
	copy(out, rs.order)
	return out, true
}

func (r *Registry) MemberCount(roomID domain.RoomID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok := r.rooms[roomID]; ok {
		return len(rs.members)
	}
	return 0
}

func (r *Registry) Has(roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}

func (r *Registry) List() []core.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RoomInfo, 0, len(r.rooms))
	for id, rs := range r.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: len(rs.members)})
	}
	return out
}
