package app

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

func newTestOrchestrator(maxMembers int, implicit bool) *Orchestrator {
	return &Orchestrator{
		Registry:       NewRegistry(maxMembers),
		Policy:         KickSlowPolicy{},
		MaxBinaryBytes: 1 << 20,
		ImplicitRooms:  implicit,
	}
}

func decodeFrames(t *testing.T, conn *fakeConn) []core.Envelope {
	t.Helper()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	out := make([]core.Envelope, 0, len(conn.texts))
	for _, f := range conn.texts {
		var env core.Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func errorMessage(t *testing.T, env core.Envelope) string {
	t.Helper()
	require.Equal(t, core.TypeError, env.Type)
	var p struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Message
}

func envelopeBytes(t *testing.T, env core.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

func joinViaEnvelope(t *testing.T, o *Orchestrator, room domain.RoomID, id domain.PeerID) (core.MemberSession, *fakeConn, domain.RoomID) {
	t.Helper()
	sess, conn := newFakeMember(id)
	got := o.HandleEnvelope(id, sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: room}))
	require.Equal(t, room, got)
	return sess, conn, got
}

func TestBroadcastDelivery(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, aliceRoom := joinViaEnvelope(t, o, "ABC123", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "ABC123", "bob")

	aliceBefore := alice.textCount()
	bobBefore := bob.textCount()

	frame := []byte(`{"type":"message","to":"all","payload":{"text":"hi"}}`)
	o.HandleEnvelope("alice", aliceSess, aliceRoom, frame)

	require.Equal(t, aliceBefore, alice.textCount(), "sender must not receive its own broadcast")

	got := decodeFrames(t, bob)[bobBefore:]
	require.Len(t, got, 1)
	require.Equal(t, core.TypeMessage, got[0].Type)
	require.Equal(t, domain.PeerID("alice"), got[0].From, "from is stamped by the server")
	require.Equal(t, domain.RoomID("ABC123"), got[0].Room)
	require.JSONEq(t, `{"text":"hi"}`, string(got[0].Payload), "payload must be relayed untouched")
}

func TestBroadcastSkipsSenderWithThreeMembers(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")
	_, carol, _ := joinViaEnvelope(t, o, "R", "carol")

	a, b, c := alice.textCount(), bob.textCount(), carol.textCount()
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"message","payload":{}}`))

	require.Equal(t, a, alice.textCount())
	require.Equal(t, b+1, bob.textCount())
	require.Equal(t, c+1, carol.textCount())
}

func TestTargetedDelivery(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")
	_, carol, _ := joinViaEnvelope(t, o, "R", "carol")

	a, b, c := alice.textCount(), bob.textCount(), carol.textCount()
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"control","to":"bob","payload":{"sdp":"x"}}`))

	require.Equal(t, a, alice.textCount(), "never echoed back to the sender")
	require.Equal(t, c, carol.textCount(), "targeted delivery must not reach third parties")

	got := decodeFrames(t, bob)[b:]
	require.Len(t, got, 1)
	require.Equal(t, core.TypeControl, got[0].Type)
	require.Equal(t, domain.PeerID("bob"), got[0].To)
	require.Equal(t, domain.PeerID("alice"), got[0].From)
}

func TestTargetNotFound(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, room := joinViaEnvelope(t, o, "ABC123", "alice")

	before := alice.textCount()
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"message","to":"bob","payload":{}}`))

	got := decodeFrames(t, alice)[before:]
	require.Len(t, got, 1)
	require.Equal(t, "target bob not found", errorMessage(t, got[0]))
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	a, b := alice.textCount(), bob.textCount()
	got := o.HandleEnvelope("alice", aliceSess, room, []byte(`{not json`))
	require.Equal(t, room, got, "session continues after malformed input")
	got = o.HandleEnvelope("alice", aliceSess, room, []byte(`{"room":"R"}`))
	require.Equal(t, room, got)

	require.Equal(t, a, alice.textCount(), "malformed input is never surfaced to the sender")
	require.Equal(t, b, bob.textCount(), "malformed input never propagates to peers")
}

func TestJoinNotificationOrdering(t *testing.T) {
	o := newTestOrchestrator(10, true)
	_, alice, _ := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	a, b := alice.textCount(), bob.textCount()
	dave, daveConn, _ := joinViaEnvelope(t, o, "R", "dave")
	_ = dave

	for _, existing := range []*fakeConn{alice, bob} {
		got := decodeFrames(t, existing)
		last := got[len(got)-1]
		require.Equal(t, core.TypePeerJoined, last.Type)
		require.Equal(t, domain.PeerID("dave"), last.From)
	}
	require.Equal(t, a+1, alice.textCount())
	require.Equal(t, b+1, bob.textCount())

	daveFrames := decodeFrames(t, daveConn)
	require.Len(t, daveFrames, 1, "the joiner only sees its own acknowledgment")
	require.Equal(t, core.TypeRoomJoined, daveFrames[0].Type)
	require.Equal(t, domain.RoomID("R"), daveFrames[0].Room)
}

func TestJoinAckIndependentOfPeerDelivery(t *testing.T) {
	o := newTestOrchestrator(10, true)
	o.Policy = DropFramePolicy{}
	_, alice, _ := joinViaEnvelope(t, o, "R", "alice")
	alice.failSends = true

	_, bobConn, _ := joinViaEnvelope(t, o, "R", "bob")
	frames := decodeFrames(t, bobConn)
	require.Len(t, frames, 1)
	require.Equal(t, core.TypeRoomJoined, frames[0].Type)
}

func TestRoomFullClosesConnection(t *testing.T) {
	o := newTestOrchestrator(2, true)
	joinViaEnvelope(t, o, "R", "alice")
	joinViaEnvelope(t, o, "R", "bob")

	sess, conn := newFakeMember("carol")
	got := o.HandleEnvelope("carol", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "R"}))
	require.Equal(t, domain.RoomID(""), got)

	closed, code, reason := conn.isClosed()
	require.True(t, closed)
	require.Equal(t, core.ClosePolicyViolation, code)
	require.Equal(t, "room full", reason)
	require.Zero(t, conn.textCount(), "room-full is never an in-band envelope")
	require.Equal(t, 2, o.Registry.MemberCount("R"))

	// Cleanup for a never-registered connection is a no-op.
	o.Disconnect("carol", "")
	require.Equal(t, 2, o.Registry.MemberCount("R"))
}

func TestExplicitModeUnknownRoom(t *testing.T) {
	o := newTestOrchestrator(10, false)
	sess, conn := newFakeMember("alice")

	got := o.HandleEnvelope("alice", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "NOROOM"}))
	require.Equal(t, domain.RoomID(""), got)

	frames := decodeFrames(t, conn)
	require.Len(t, frames, 1)
	require.Equal(t, "room not found", errorMessage(t, frames[0]))
}

func TestCreateRegistersCreator(t *testing.T) {
	o := newTestOrchestrator(10, false)
	sess, conn := newFakeMember("alice")

	room := o.HandleEnvelope("alice", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeCreate}))
	require.NotEmpty(t, room)
	require.Equal(t, 1, o.Registry.MemberCount(room))

	frames := decodeFrames(t, conn)
	require.Len(t, frames, 1)
	require.Equal(t, core.TypeRoomCreated, frames[0].Type)
	require.Equal(t, room, frames[0].Room)
}

func TestJoinWhileAlreadyInRoom(t *testing.T) {
	o := newTestOrchestrator(10, true)
	sess, conn, room := joinViaEnvelope(t, o, "R", "alice")

	before := conn.textCount()
	got := o.HandleEnvelope("alice", sess, room, envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "OTHER"}))
	require.Equal(t, room, got, "membership must be unchanged")
	require.False(t, o.Registry.Has("OTHER"))

	frames := decodeFrames(t, conn)[before:]
	require.Len(t, frames, 1)
	require.Equal(t, "already in a room", errorMessage(t, frames[0]))
}

func TestRelayBeforeJoin(t *testing.T) {
	o := newTestOrchestrator(10, true)
	sess, conn := newFakeMember("alice")

	got := o.HandleEnvelope("alice", sess, "", []byte(`{"type":"message","payload":{}}`))
	require.Equal(t, domain.RoomID(""), got)

	frames := decodeFrames(t, conn)
	require.Len(t, frames, 1)
	require.Equal(t, "join a room first", errorMessage(t, frames[0]))
}

func TestRelayIntoDeletedRoomSilentlyDropped(t *testing.T) {
	o := newTestOrchestrator(10, true)
	sess, conn, room := joinViaEnvelope(t, o, "R", "alice")
	o.Registry.RemoveMember("R", "alice")

	before := conn.textCount()
	o.HandleEnvelope("alice", sess, room, []byte(`{"type":"message","payload":{}}`))
	require.Equal(t, before, conn.textCount())
}

func TestBinaryBroadcast(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, alice, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")
	_, carol, _ := joinViaEnvelope(t, o, "R", "carol")

	chunk := []byte{0xde, 0xad, 0xbe, 0xef}
	o.HandleBinary("alice", aliceSess, room, chunk)

	require.Empty(t, alice.binaries)
	require.Equal(t, []core.Frame{chunk}, bob.binaries)
	require.Equal(t, []core.Frame{chunk}, carol.binaries)
}

func TestOversizedBinaryRejected(t *testing.T) {
	o := newTestOrchestrator(10, true)
	o.MaxBinaryBytes = 16
	aliceSess, alice, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	before := alice.textCount()
	o.HandleBinary("alice", aliceSess, room, make([]byte, 17))

	require.Empty(t, bob.binaries, "oversized frames are never forwarded")
	frames := decodeFrames(t, alice)[before:]
	require.Len(t, frames, 1)
	require.Equal(t, "binary frame too large", errorMessage(t, frames[0]))
}

func TestDisconnectBroadcastsPeerLeft(t *testing.T) {
	o := newTestOrchestrator(10, true)
	joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	before := bob.textCount()
	o.Disconnect("alice", "R")

	frames := decodeFrames(t, bob)[before:]
	require.Len(t, frames, 1)
	require.Equal(t, core.TypePeerLeft, frames[0].Type)
	require.Equal(t, domain.PeerID("alice"), frames[0].From)
	require.Equal(t, 1, o.Registry.MemberCount("R"))

	// Double invocation stays a no-op.
	o.Disconnect("alice", "R")
	require.Equal(t, before+1, bob.textCount())
}

func TestDeliveryFailureDoesNotAbortBatch(t *testing.T) {
	o := newTestOrchestrator(10, true)
	o.Policy = DropFramePolicy{}
	aliceSess, _, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")
	_, carol, _ := joinViaEnvelope(t, o, "R", "carol")

	bob.failSends = true
	b, c := bob.textCount(), carol.textCount()
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"message","payload":{}}`))

	require.Equal(t, b, bob.textCount())
	require.Equal(t, c+1, carol.textCount(), "one failed recipient must not abort the rest")

	closed, _, _ := bob.isClosed()
	require.False(t, closed, "DropFramePolicy only sheds the frame")
}

func TestSlowConsumerKicked(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, _, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	bob.failSends = true
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"message","payload":{}}`))

	closed, code, reason := bob.isClosed()
	require.True(t, closed)
	require.Equal(t, core.ClosePolicyViolation, code)
	require.Equal(t, "slow consumer", reason)
}

func TestJoinRateLimited(t *testing.T) {
	o := newTestOrchestrator(10, true)
	o.Limiter = NewAttemptLimiter(2, time.Minute)
	sess, conn := newFakeMember("alice")

	got := o.HandleEnvelope("alice", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "R1"}))
	require.Equal(t, domain.RoomID("R1"), got)
	o.Disconnect("alice", got)

	got = o.HandleEnvelope("alice", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "R2"}))
	require.Equal(t, domain.RoomID("R2"), got)
	o.Disconnect("alice", got)

	before := conn.textCount()
	got = o.HandleEnvelope("alice", sess, "", envelopeBytes(t, core.Envelope{Type: core.TypeJoin, Room: "R3"}))
	require.Equal(t, domain.RoomID(""), got)
	frames := decodeFrames(t, conn)[before:]
	require.Len(t, frames, 1)
	require.Equal(t, "too many room attempts", errorMessage(t, frames[0]))
}

func TestFileTransferMarkersRelayed(t *testing.T) {
	o := newTestOrchestrator(10, true)
	aliceSess, _, room := joinViaEnvelope(t, o, "R", "alice")
	_, bob, _ := joinViaEnvelope(t, o, "R", "bob")

	before := bob.textCount()
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"file_init","to":"bob","payload":{"name":"a.bin","size":4}}`))
	o.HandleBinary("alice", aliceSess, room, []byte{1, 2, 3, 4})
	o.HandleEnvelope("alice", aliceSess, room, []byte(`{"type":"file_done","to":"bob","payload":{}}`))

	frames := decodeFrames(t, bob)[before:]
	require.Len(t, frames, 2)
	require.Equal(t, core.TypeFileInit, frames[0].Type)
	require.Equal(t, core.TypeFileDone, frames[1].Type)
	require.Len(t, bob.binaries, 1)
}
