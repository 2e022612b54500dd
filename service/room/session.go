package room

import (
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/slichti/studio-chat/logger"
	"github.com/slichti/studio-chat/service/auth"
	"github.com/slichti/studio-chat/tools/ids"
)

const writeDeadline = 5 * time.Second

// Keepalive: the writer pings on pingPeriod, the peer must answer (or
// send anything) within pongWait or the read side times out and the
// session leaves its room. Vars so tests can shorten the cycle.
var (
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Session is one live socket bound to one identity. The identity is fixed
// at construction and never changes. Outbound frames go through a bounded
// queue consumed by a single writer goroutine; enqueue never blocks, so a
// slow reader can never stall its room's coordinator.
type Session struct {
	ConnID   string
	Identity auth.Identity
	JoinedAt time.Time

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(conn *websocket.Conn, identity auth.Identity, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		ConnID:   ids.GenerateString(),
		Identity: identity,
		JoinedAt: time.Now(),
		conn:     conn,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
	}
}

// enqueue hands a frame to the writer. Returns false when the queue is
// full or the session is closed; the coordinator treats that as a
// disconnect.
func (s *Session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close is idempotent and safe from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// WritePump drains the send queue onto the socket and pings on a ticker.
// Exactly one per session; transport errors close the session, the read
// loop notices and leaves the room.
func (s *Session) WritePump() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("[session] write failed conn=%s: %v", s.ConnID, err)
				s.Close()
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debugf("[session] ping failed conn=%s: %v", s.ConnID, err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// ReadLoop decodes inbound frames and forwards them to the coordinator
// until the transport fails. Malformed frames get a local error ack and
// the connection stays up; only transport failure ends the session.
func (s *Session) ReadLoop(co *Coordinator) {
	defer co.Leave(s)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Debugf("[session] peer closed conn=%s", s.ConnID)
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Debugf("[session] read timeout conn=%s: %v", s.ConnID, err)
			} else {
				logger.Debugf("[session] read error conn=%s: %v", s.ConnID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		frame, err := ParseClientFrame(data)
		if err != nil {
			logger.Debugf("[session] malformed frame conn=%s: %v", s.ConnID, err)
			s.enqueue(BuildErrorAck(errsOf(err)))
			continue
		}
		co.Send(s, frame.Content)
	}
}
