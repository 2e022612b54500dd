package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slichti/studio-chat/service/events"
	"github.com/slichti/studio-chat/service/store"
)

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingSink) Publish(subject string, _ any) {
	r.mu.Lock()
	r.subjects = append(r.subjects, subject)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.subjects))
	copy(out, r.subjects)
	return out
}

type recordingPresence struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (p *recordingPresence) Joined(context.Context, string, string, string) {
	p.mu.Lock()
	p.joins++
	p.mu.Unlock()
}

func (p *recordingPresence) Left(context.Context, string, string, string) {
	p.mu.Lock()
	p.leaves++
	p.mu.Unlock()
}

func (p *recordingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins, p.leaves
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestRoomLifecycleReachesSinkAndPresence(t *testing.T) {
	sink := &recordingSink{}
	pres := &recordingPresence{}
	reg := NewRegistry(store.NewMemoryStore(), testConfig(), pres, sink)

	a := testSession("ua", "Alice")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	co.Send(a, "hello")
	recvFrame(t, a) // history
	recvFrame(t, a) // joined
	recvFrame(t, a) // message echo
	co.Leave(a)

	require.Eventually(t, func() bool {
		return reg.ActiveRooms() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// the closed event lands after the registry unlink
	require.Eventually(t, func() bool {
		subjects := sink.snapshot()
		return contains(subjects, events.SubjectRoomClosed)
	}, 2*time.Second, 5*time.Millisecond)

	subjects := sink.snapshot()
	for _, want := range []string{
		events.SubjectRoomOpened,
		events.SubjectPresenceJoined,
		events.SubjectMessageStored,
		events.SubjectPresenceLeft,
		events.SubjectRoomClosed,
	} {
		assert.Contains(t, subjects, want)
	}

	require.Eventually(t, func() bool {
		joins, leaves := pres.counts()
		return joins == 1 && leaves == 1
	}, 2*time.Second, 5*time.Millisecond, "presence mirror saw the join and the leave")
}
