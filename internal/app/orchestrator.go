package app

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

// Orchestrator implements the message-routing protocol on top of the
// registry: it classifies inbound frames, resolves recipients under the
// registry lock and delivers outside it. One orchestrator is shared by
// every connection session.
type Orchestrator struct {
	Registry *Registry
	Policy   Policy
	Limiter  *AttemptLimiter

	// MaxBinaryBytes caps a single relayed binary frame.
	MaxBinaryBytes int64
	// ImplicitRooms makes join create unknown rooms transparently.
	// When false, joining an unknown room answers an error envelope.
	ImplicitRooms bool
}

// HandleEnvelope processes one inbound text frame from peer, currently a
// member of room `current` (empty when not joined). It returns the
// possibly updated room the session belongs to afterwards.
func (o *Orchestrator) HandleEnvelope(
	peer domain.PeerID,
	sess core.MemberSession,
	current domain.RoomID,
	data []byte,
) domain.RoomID {
	env, err := core.ParseEnvelope(data)
	if err != nil {
		// Malformed JSON never crosses to peers and never kills the session.
		log.Warn().Err(err).Str("module", "app.orch").Str("peer", string(peer)).Msg("dropped malformed envelope")
		return current
	}

	switch {
	case env.Type == core.TypeCreate:
		return o.handleCreate(peer, sess, current, env.Room)
	case env.Type == core.TypeJoin:
		return o.handleJoin(peer, sess, current, env.Room)
	case env.Relayable():
		o.relay(peer, sess, current, env)
		return current
	default:
		log.Warn().Str("module", "app.orch").Str("type", string(env.Type)).Msg("unknown envelope type")
		return current
	}
}

func (o *Orchestrator) handleCreate(
	peer domain.PeerID,
	sess core.MemberSession,
	current domain.RoomID,
	requested domain.RoomID,
) domain.RoomID {
	if current != "" {
		o.sendError(sess, current, "already in a room")
		return current
	}
	if o.Limiter != nil && !o.Limiter.Allow(peer) {
		o.sendError(sess, "", "too many room attempts")
		return current
	}

	roomID, err := o.Registry.CreateRoom(requested)
	if err != nil {
		o.sendError(sess, requested, err.Error())
		return current
	}
	// The creator is the first member; there is nobody to notify yet.
	if _, err := o.Registry.AddMember(roomID, peer, sess, true); err != nil {
		o.sendError(sess, roomID, err.Error())
		return current
	}
	o.Registry.Activate(roomID, peer)

	o.send(sess, &core.Envelope{Type: core.TypeRoomCreated, Room: roomID})
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peer)).Msg("room created by peer")
	return roomID
}

func (o *Orchestrator) handleJoin(
	peer domain.PeerID,
	sess core.MemberSession,
	current domain.RoomID,
	roomID domain.RoomID,
) domain.RoomID {
	if current != "" {
		o.sendError(sess, current, "already in a room")
		return current
	}
	if roomID == "" {
		o.sendError(sess, "", "missing room")
		return current
	}
	if o.Limiter != nil && !o.Limiter.Allow(peer) {
		o.sendError(sess, roomID, "too many room attempts")
		return current
	}

	if err := o.Join(peer, sess, roomID); err != nil {
		if errors.Is(err, ErrRoomFull) {
			// Never an in-band envelope: the connection was not registered.
			sess.Signal().Close(core.ClosePolicyViolation, "room full")
			return current
		}
		o.sendError(sess, roomID, err.Error())
		return current
	}
	return roomID
}

// Join registers the session in a room and performs the notification
// sequence: existing members learn about the joiner while it is still
// pending (so the joiner is never in the recipient set of its own join
// notification), then the joiner is activated and acknowledged. The
// acknowledgment never depends on the peers' delivery outcomes.
func (o *Orchestrator) Join(peer domain.PeerID, sess core.MemberSession, roomID domain.RoomID) error {
	existing, err := o.Registry.AddMember(roomID, peer, sess, o.ImplicitRooms)
	if err != nil {
		return err
	}

	joined := &core.Envelope{Type: core.TypePeerJoined, Room: roomID, From: peer}
	if frame, err := joined.Encode(); err == nil {
		o.deliver(roomID, existing, frame, false)
	}

	o.Registry.Activate(roomID, peer)
	o.send(sess, &core.Envelope{Type: core.TypeRoomJoined, Room: roomID})
	log.Info().Str("module", "app.orch").Str("room", string(roomID)).Str("peer", string(peer)).Msg("peer joined")
	return nil
}

// relay forwards one control envelope. From and Room are stamped by the
// server; the payload is passed through untouched.
func (o *Orchestrator) relay(
	peer domain.PeerID,
	sess core.MemberSession,
	current domain.RoomID,
	env *core.Envelope,
) {
	if current == "" {
		o.sendError(sess, "", "join a room first")
		return
	}

	env.Room = current
	env.From = peer
	recipients, err := o.Registry.Recipients(current, peer, env.Target())
	switch {
	case errors.Is(err, ErrRoomNotFound):
		// The sender raced with its own cleanup; nothing to tell it.
		log.Debug().Str("module", "app.orch").Str("room", string(current)).Msg("relay into deleted room")
		return
	case errors.Is(err, ErrTargetNotFound):
		o.sendError(sess, current, fmt.Sprintf("target %s not found", env.To))
		return
	case err != nil:
		log.Error().Err(err).Str("module", "app.orch").Msg("recipient resolution")
		return
	}

	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("envelope encode")
		return
	}
	o.deliver(current, recipients, frame, false)
}

// HandleBinary relays one opaque binary frame to everyone else in the
// room. There is no targeted binary delivery.
func (o *Orchestrator) HandleBinary(
	peer domain.PeerID,
	sess core.MemberSession,
	current domain.RoomID,
	data []byte,
) {
	if int64(len(data)) > o.MaxBinaryBytes {
		log.Warn().Str("module", "app.orch").Str("peer", string(peer)).
			Int("size", len(data)).Msg("binary frame too large")
		o.sendError(sess, current, "binary frame too large")
		return
	}
	if current == "" {
		o.sendError(sess, "", "join a room first")
		return
	}

	recipients, err := o.Registry.Recipients(current, peer, domain.TargetAll)
	if err != nil {
		log.Debug().Err(err).Str("module", "app.orch").Str("room", string(current)).Msg("binary relay skipped")
		return
	}
	o.deliver(current, recipients, data, true)
}

// Disconnect runs the cleanup path: membership removal plus peer_left
// fan-out. Safe for sessions that never joined (a no-op then); the
// adapter guards it against double invocation.
func (o *Orchestrator) Disconnect(peer domain.PeerID, current domain.RoomID) {
	if current == "" {
		return
	}
	remaining, removed := o.Registry.RemoveMember(current, peer)
	if !removed || len(remaining) == 0 {
		return
	}
	left := &core.Envelope{Type: core.TypePeerLeft, Room: current, From: peer}
	if frame, err := left.Encode(); err == nil {
		o.deliver(current, remaining, frame, false)
	}
	log.Info().Str("module", "app.orch").Str("room", string(current)).Str("peer", string(peer)).Msg("peer left")
}

// deliver performs best-effort fan-out outside the registry lock. A
// failure for one recipient is logged, reported to the policy and never
// aborts the rest of the batch.
func (o *Orchestrator) deliver(
	roomID domain.RoomID,
	recipients []core.MemberSession,
	frame core.Frame,
	binary bool,
) core.PublishResult {
	res := core.PublishResult{}
	for _, ms := range recipients {
		var err error
		if binary {
			err = ms.Signal().TrySendBinary(frame)
		} else {
			err = ms.Signal().TrySend(frame)
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "app.orch").Str("room", string(roomID)).
				Str("peer", string(ms.Meta().ID)).Msg("delivery failed")
			res.Dropped = append(res.Dropped, ms)
			continue
		}
		res.SentTo++
	}

	if o.Policy != nil {
		for _, slow := range res.Dropped {
			if o.Policy.OnBackpressure(roomID, slow) == KickMember {
				// Closing the transport routes the member through its own
				// session-loop cleanup exactly once.
				slow.Signal().Close(core.ClosePolicyViolation, "slow consumer")
			}
		}
	}
	return res
}

// send pushes a server-originated envelope to one session, best effort.
func (o *Orchestrator) send(sess core.MemberSession, env *core.Envelope) {
	frame, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("envelope encode")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("peer", string(sess.Meta().ID)).Msg("send failed")
	}
}

func (o *Orchestrator) sendError(sess core.MemberSession, room domain.RoomID, message string) {
	o.send(sess, core.ErrorEnvelope(room, message))
}
