package room

import (
	"errors"
	"sync"

	"github.com/slichti/studio-chat/logger"
	"github.com/slichti/studio-chat/service/store"
	errs "github.com/slichti/studio-chat/tools/errs"
)

// joinRetry bounds the retry loop against rooms caught mid-retirement.
const joinRetry = 4

// Registry owns the process-wide room map: coordinators are created
// lazily on first join and unlink themselves after the idle grace. Keys
// are tenant-scoped, so a room id from one tenant can never reach another
// tenant's coordinator even if the ids collide.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Coordinator

	store    store.Store
	cfg      Config
	presence Presence
	events   EventSink
}

func NewRegistry(st store.Store, cfg Config, presence Presence, sink EventSink) *Registry {
	cfg.norm()
	return &Registry{
		rooms:    make(map[string]*Coordinator),
		store:    st,
		cfg:      cfg,
		presence: presence,
		events:   sink,
	}
}

func roomKey(tenantID, roomID string) string {
	return tenantID + "/" + roomID
}

// Join attaches the session to the room's coordinator, creating it if
// the room is currently empty. A join can race a coordinator that is
// retiring off its idle timer; in that case it retries against the fresh
// instance the next lookup creates.
func (r *Registry) Join(tenantID, roomID string, sess *Session) (*Coordinator, error) {
	for i := 0; i < joinRetry; i++ {
		co := r.getOrCreate(tenantID, roomID)
		err := co.Join(sess)
		if err == nil {
			return co, nil
		}
		if !errors.Is(err, errs.ErrRoomClosed) {
			return nil, err
		}
	}
	return nil, errs.ErrRoomClosed.WithDetail("join retries exhausted")
}

func (r *Registry) getOrCreate(tenantID, roomID string) *Coordinator {
	key := roomKey(tenantID, roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if co, ok := r.rooms[key]; ok && !co.isClosed() {
		return co
	}
	co := newCoordinator(tenantID, roomID, r.store, r.cfg, r.presence, r.events, r.unlink)
	r.rooms[key] = co
	logger.Infof("[registry] room created tenant=%s room=%s", tenantID, roomID)
	return co
}

// unlink is called by a coordinator as it retires (after it marked
// itself closed, before it drains stragglers).
func (r *Registry) unlink(co *Coordinator) {
	key := roomKey(co.tenantID, co.roomID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[key] == co {
		delete(r.rooms, key)
	}
}

// ActiveRooms reports how many coordinators are live right now.
func (r *Registry) ActiveRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Shutdown force-retires every room, evicting their sessions. Blocks
// until all coordinator loops exited.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	coords := make([]*Coordinator, 0, len(r.rooms))
	for _, co := range r.rooms {
		coords = append(coords, co)
	}
	r.mu.Unlock()

	for _, co := range coords {
		co.Shutdown()
	}
}
