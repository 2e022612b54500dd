package room

import (
	"context"
	"time"

	"github.com/slichti/studio-chat/logger"
	"github.com/slichti/studio-chat/service/events"
	"github.com/slichti/studio-chat/service/store"
	"github.com/slichti/studio-chat/tools/errs"
	"github.com/slichti/studio-chat/tools/safe"
)

// Presence mirrors room occupancy into an external store (Redis).
// Strictly best-effort: the coordinator's session set stays authoritative.
type Presence interface {
	Joined(ctx context.Context, tenantID, roomID, userID string)
	Left(ctx context.Context, tenantID, roomID, userID string)
}

// EventSink receives room lifecycle and message events for the rest of
// the product. Implementations must not block.
type EventSink interface {
	Publish(subject string, v any)
}

// Config tunes room behavior. Zero values fall back to defaults.
type Config struct {
	HistoryLimit  int
	SendQueueSize int
	IdleGrace     time.Duration
	StoreTimeout  time.Duration
	Clock         func() time.Time // injectable for tests; nil => time.Now
}

func (c *Config) norm() {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = 60 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type opKind int

const (
	opJoin opKind = iota
	opSend
	opLeave
	opShutdown
)

type roomOp struct {
	kind    opKind
	sess    *Session
	content string
	reply   chan error
}

// Coordinator is the single writer for one room: every join, send and
// leave for the room flows through its op channel and is handled one at a
// time, which is what makes history replay atomic with subscription and
// gives every session the same broadcast order. Rooms never share a
// coordinator, so one room's store latency cannot slow another.
type Coordinator struct {
	tenantID string
	roomID   string

	store    store.Store
	cfg      Config
	presence Presence  // may be nil
	events   EventSink // may be nil
	onRetire func(*Coordinator)

	ops      chan roomOp
	closed   chan struct{} // closed exactly once when the loop exits
	sessions map[string]*Session
}

func newCoordinator(tenantID, roomID string, st store.Store, cfg Config,
	presence Presence, sink EventSink, onRetire func(*Coordinator)) *Coordinator {

	c := &Coordinator{
		tenantID: tenantID,
		roomID:   roomID,
		store:    st,
		cfg:      cfg,
		presence: presence,
		events:   sink,
		onRetire: onRetire,
		ops:      make(chan roomOp, 128),
		closed:   make(chan struct{}),
		sessions: make(map[string]*Session),
	}
	safe.Go(c.run)
	return c
}

func (c *Coordinator) TenantID() string { return c.tenantID }
func (c *Coordinator) RoomID() string   { return c.roomID }

// ---- public ops (any goroutine) ----

// Join registers the session, replays history to it and announces the
// join to the whole room. Synchronous: when it returns nil the session is
// in the set and its history frame is queued ahead of any later
// broadcast. ErrRoomClosed means the caller raced a retiring room and
// should retry through the registry.
func (c *Coordinator) Join(sess *Session) error {
	reply := make(chan error, 1)
	select {
	case c.ops <- roomOp{kind: opJoin, sess: sess, reply: reply}:
	case <-c.closed:
		return errs.ErrRoomClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.closed:
		// the drain may have answered just before the close
		select {
		case err := <-reply:
			return err
		default:
			return errs.ErrRoomClosed
		}
	}
}

// Send persists then broadcasts. Fire-and-forget from the caller's side:
// the outcome reaches the sender as either the echoed broadcast or an
// error ack on its own socket.
func (c *Coordinator) Send(sess *Session, content string) {
	select {
	case c.ops <- roomOp{kind: opSend, sess: sess, content: content}:
	case <-c.closed:
		sess.enqueue(BuildErrorAck(errs.ErrRoomClosed))
	}
}

// Leave removes the session; the last one out arms the idle grace timer.
func (c *Coordinator) Leave(sess *Session) {
	select {
	case c.ops <- roomOp{kind: opLeave, sess: sess}:
	case <-c.closed:
		sess.Close()
	}
}

// Shutdown force-evicts every session and retires the coordinator.
// Used on process stop; idle rooms retire themselves.
func (c *Coordinator) Shutdown() {
	reply := make(chan error, 1)
	select {
	case c.ops <- roomOp{kind: opShutdown, reply: reply}:
	case <-c.closed:
		return
	}
	select {
	case <-reply:
	case <-c.closed:
	}
}

func (c *Coordinator) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ---- actor loop ----

func (c *Coordinator) run() {
	// armed at birth: a coordinator whose first join never lands must
	// not leak
	idle := time.NewTimer(c.cfg.IdleGrace)
	armed := true

	if c.events != nil {
		c.events.Publish(events.SubjectRoomOpened, c.eventPayload(""))
	}

	for {
		select {
		case op := <-c.ops:
			switch op.kind {
			case opJoin:
				op.reply <- c.handleJoin(op.sess)
			case opSend:
				c.handleSend(op.sess, op.content)
			case opLeave:
				c.handleLeave(op.sess)
			case opShutdown:
				c.teardown()
				op.reply <- nil
				c.retire(idle, armed)
				return
			}
			armed = c.adjustIdle(idle, armed)

		case <-idle.C:
			armed = false
			if len(c.sessions) == 0 {
				c.retire(idle, armed)
				return
			}
		}
	}
}

// adjustIdle keeps the grace timer armed exactly while the room is empty.
// Only the loop goroutine touches the timer, so Stop+drain is race-free.
func (c *Coordinator) adjustIdle(idle *time.Timer, armed bool) bool {
	if len(c.sessions) == 0 {
		if !armed {
			idle.Reset(c.cfg.IdleGrace)
		}
		return true
	}
	if armed {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
	}
	return false
}

// retire closes the coordinator, unlinks it from the registry and answers
// any op that slipped into the queue with ErrRoomClosed so no caller ever
// waits on a dead room.
func (c *Coordinator) retire(idle *time.Timer, armed bool) {
	if armed {
		idle.Stop()
	}
	close(c.closed)
	if c.onRetire != nil {
		c.onRetire(c)
	}
	for {
		select {
		case op := <-c.ops:
			if op.reply != nil {
				op.reply <- errs.ErrRoomClosed
			}
		default:
			if c.events != nil {
				c.events.Publish(events.SubjectRoomClosed, c.eventPayload(""))
			}
			logger.Infof("[room] retired tenant=%s room=%s", c.tenantID, c.roomID)
			return
		}
	}
}

// ---- op handlers (loop goroutine only) ----

// handleJoin registers first, then reads the tail. No broadcast can
// interleave (the loop is busy here), so the tail is exactly the persisted
// prefix at the join instant and the history frame is queued on the
// session before any later broadcast: no gap, no duplicate.
func (c *Coordinator) handleJoin(sess *Session) error {
	c.sessions[sess.ConnID] = sess

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	msgs, err := c.store.Tail(ctx, c.roomID, c.cfg.HistoryLimit)
	cancel()
	if err != nil {
		// joining with silently truncated history would break the
		// prefix guarantee; fail the join instead
		delete(c.sessions, sess.ConnID)
		logger.Errorf("[room] tail failed tenant=%s room=%s: %v", c.tenantID, c.roomID, err)
		return errs.ErrPersistence.WithDetail("history unavailable")
	}

	if !sess.enqueue(BuildHistory(msgs)) {
		delete(c.sessions, sess.ConnID)
		return errs.ErrRoomClosed.WithDetail("session dead on arrival")
	}

	c.broadcast(BuildUserJoined(sess.Identity.DisplayName, c.cfg.Clock().UnixMilli()))

	if c.presence != nil {
		p, tenant, room, user := c.presence, c.tenantID, c.roomID, sess.Identity.UserID
		safe.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			p.Joined(ctx, tenant, room, user)
		})
	}
	if c.events != nil {
		c.events.Publish(events.SubjectPresenceJoined, c.eventPayload(sess.Identity.UserID))
	}

	logger.Infof("[room] join tenant=%s room=%s user=%s conn=%s sessions=%d",
		c.tenantID, c.roomID, sess.Identity.UserID, sess.ConnID, len(c.sessions))
	return nil
}

// handleSend is the persist-then-broadcast step. The sender's identity
// comes from its session; the client payload contributed content only.
func (c *Coordinator) handleSend(sess *Session, content string) {
	if _, ok := c.sessions[sess.ConnID]; !ok {
		// legitimate race: the session was evicted as a slow consumer
		// while this op sat in the queue
		logger.Debugf("[room] send from departed session conn=%s", sess.ConnID)
		return
	}

	draft := &store.Message{
		TenantID:   c.tenantID,
		RoomID:     c.roomID,
		SenderID:   sess.Identity.UserID,
		SenderName: sess.Identity.DisplayName,
		Content:    content,
		Kind:       store.KindMessage,
		CreatedAt:  c.cfg.Clock().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
	persisted, err := c.store.Append(ctx, draft)
	cancel()
	if err != nil {
		// no id assigned, nothing broadcast; only the sender hears
		// about it
		logger.Errorf("[room] append failed tenant=%s room=%s user=%s: %v",
			c.tenantID, c.roomID, sess.Identity.UserID, err)
		sess.enqueue(BuildErrorAck(errs.ErrPersistence))
		return
	}

	c.broadcast(BuildMessage(persisted))

	if c.events != nil {
		c.events.Publish(events.SubjectMessageStored, persisted)
	}
}

func (c *Coordinator) handleLeave(sess *Session) {
	if _, ok := c.sessions[sess.ConnID]; !ok {
		return // already evicted
	}
	c.dropSession(sess, "leave")
}

// broadcast enqueues onto every session. A full queue means the consumer
// cannot keep up with the room; it is dropped rather than allowed to
// stall everyone else.
func (c *Coordinator) broadcast(payload []byte) {
	var slow []*Session
	for _, s := range c.sessions {
		if !s.enqueue(payload) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		logger.Warnf("[room] dropping slow consumer tenant=%s room=%s conn=%s",
			c.tenantID, c.roomID, s.ConnID)
		c.dropSession(s, "slow consumer")
	}
}

func (c *Coordinator) dropSession(sess *Session, reason string) {
	delete(c.sessions, sess.ConnID)
	sess.Close()

	if c.presence != nil {
		p, tenant, room, user := c.presence, c.tenantID, c.roomID, sess.Identity.UserID
		safe.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			p.Left(ctx, tenant, room, user)
		})
	}
	if c.events != nil {
		c.events.Publish(events.SubjectPresenceLeft, c.eventPayload(sess.Identity.UserID))
	}

	logger.Infof("[room] %s tenant=%s room=%s user=%s conn=%s sessions=%d",
		reason, c.tenantID, c.roomID, sess.Identity.UserID, sess.ConnID, len(c.sessions))
}

func (c *Coordinator) teardown() {
	for _, s := range c.sessions {
		s.Close()
	}
	c.sessions = make(map[string]*Session)
}

type roomEvent struct {
	TenantID string `json:"tenantId"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId,omitempty"`
	At       int64  `json:"at"`
}

func (c *Coordinator) eventPayload(userID string) roomEvent {
	return roomEvent{
		TenantID: c.tenantID,
		RoomID:   c.roomID,
		UserID:   userID,
		At:       c.cfg.Clock().UnixMilli(),
	}
}
