package adapters

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// readLimitHeadroom lets an oversized binary frame be read and rejected
// in-band instead of tearing the connection down.
const readLimitHeadroom = 64 << 10

type outFrame struct {
	binary bool
	data   core.Frame
}

// wsSignalConn owns the write side of one websocket. All writes go
// through the buffered send queue and a single write pump, so
// deliveries arriving from other sessions' goroutines never interleave.
type wsSignalConn struct {
	conn *websocket.Conn
	send chan outFrame
	done chan struct{}
	once sync.Once

	writeTimeout time.Duration
}

func newWSSignalConn(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsSignalConn {
	return &wsSignalConn{
		conn:         conn,
		send:         make(chan outFrame, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *wsSignalConn) TrySend(f core.Frame) error       { return c.enqueue(outFrame{data: f}) }
func (c *wsSignalConn) TrySendBinary(f core.Frame) error { return c.enqueue(outFrame{binary: true, data: f}) }

func (c *wsSignalConn) enqueue(f outFrame) error {
	select {
	case <-c.done:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return core.ErrConnClosed
	default:
		return core.ErrBackpressure
	}
}

// Close sends a close frame with the given code and reason, then tears
// the connection down. Safe to call from any goroutine, any number of
// times.
func (c *wsSignalConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// SignalWSController runs one session loop per accepted connection.
type SignalWSController struct {
	Orch *app.Orchestrator

	PingPeriod   time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

// signalSession is the per-connection driver. The room field is only
// touched from the read loop and its deferred cleanup.
type signalSession struct {
	ctl  *SignalWSController
	peer domain.PeerID
	sess core.MemberSession
	conn *wsSignalConn
	room domain.RoomID

	cleanup sync.Once
}

// HandleSignal upgrades the request and starts the session pumps.
//
// Peer identity comes from the `id` query parameter, falling back to the
// client-token cookie and finally to a fresh server-generated id. When a
// `room` query parameter is present the session joins at accept time;
// a capacity rejection then closes the connection before it ever
// becomes deliverable.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	peer := domain.PeerID(c.Query("id"))
	if peer == "" {
		peer = domain.PeerID(c.GetString("client_token"))
	}
	if peer == "" {
		peer = domain.NewPeerID()
	}
	if err := domain.ValidatePeerID(peer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.ws").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "adapters.ws").Str("peer", string(peer)).Msg("new WS connection")

	conn := newWSSignalConn(ws, ctl.SendBuffer, ctl.WriteTimeout)
	sess := core.NewMemberSession(domain.NewPeer(peer), conn)
	s := &signalSession{ctl: ctl, peer: peer, sess: sess, conn: conn}

	if roomID := domain.RoomID(c.Query("room")); roomID != "" {
		if err := ctl.Orch.Join(peer, sess, roomID); err != nil {
			if errors.Is(err, app.ErrRoomFull) {
				conn.Close(core.ClosePolicyViolation, "room full")
				return
			}
			// The session stays open; the client may retry in-band.
			frame, _ := core.ErrorEnvelope(roomID, err.Error()).Encode()
			_ = conn.TrySend(frame)
		} else {
			s.room = roomID
		}
	}

	go s.writePump(ctx)
	go s.readPump(ctx)
}

func (s *signalSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		// Unblocks the read loop, which owns cleanup.
		s.conn.Close(core.CloseNormal, "")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.done:
			return
		case f := <-s.conn.send:
			if err := s.conn.conn.SetWriteDeadline(time.Now().Add(s.ctl.WriteTimeout)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
				return
			}
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			if err := s.conn.conn.WriteMessage(mt, f.data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = s.conn.conn.SetWriteDeadline(time.Now().Add(s.ctl.WriteTimeout))
			if err := s.conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *signalSession) readPump(ctx context.Context) {
	defer s.close()

	readWait := s.ctl.PingPeriod * 10 / 9
	ws := s.conn.conn
	ws.SetReadLimit(s.ctl.Orch.MaxBinaryBytes + readLimitHeadroom)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.ws").Str("peer", string(s.peer)).Msg("readPump read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		switch mt {
		case websocket.TextMessage:
			s.room = s.ctl.Orch.HandleEnvelope(s.peer, s.sess, s.room, data)
		case websocket.BinaryMessage:
			s.ctl.Orch.HandleBinary(s.peer, s.sess, s.room, data)
		}
	}
}

// close funnels every termination path through lifecycle cleanup
// exactly once.
func (s *signalSession) close() {
	s.cleanup.Do(func() {
		log.Info().Str("module", "adapters.ws").Str("peer", string(s.peer)).Msg("session closed")
		s.ctl.Orch.Disconnect(s.peer, s.room)
		if s.ctl.Orch.Limiter != nil {
			s.ctl.Orch.Limiter.Forget(s.peer)
		}
		s.conn.Close(core.CloseNormal, "")
	})
}
