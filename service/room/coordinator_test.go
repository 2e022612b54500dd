package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slichti/studio-chat/service/auth"
	"github.com/slichti/studio-chat/service/store"
)

const (
	testTenant = "acme"
	testRoom   = "r1"
)

func testConfig() Config {
	return Config{
		HistoryLimit:  50,
		SendQueueSize: 256,
		IdleGrace:     40 * time.Millisecond,
		StoreTimeout:  time.Second,
	}
}

func testSession(userID, name string) *Session {
	return NewSession(nil, auth.Identity{UserID: userID, DisplayName: name, Role: auth.RoleStaff}, 256)
}

func smallSession(userID string, queue int) *Session {
	return NewSession(nil, auth.Identity{UserID: userID, DisplayName: userID, Role: auth.RoleGuest}, queue)
}

// recvFrame pops the next outbound frame of a session without running a
// writer goroutine.
func recvFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data := <-s.send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame within deadline for conn %s", s.ConnID)
		return nil
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data := <-s.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

// flakyStore injects append/tail failures around a real MemoryStore.
type flakyStore struct {
	*store.MemoryStore
	failAppend atomic.Bool
	failTail   atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func (s *flakyStore) Append(ctx context.Context, draft *store.Message) (*store.Message, error) {
	if s.failAppend.Load() {
		return nil, fmt.Errorf("store unreachable")
	}
	return s.MemoryStore.Append(ctx, draft)
}

func (s *flakyStore) Tail(ctx context.Context, roomID string, limit int) ([]*store.Message, error) {
	if s.failTail.Load() {
		return nil, fmt.Errorf("store unreachable")
	}
	return s.MemoryStore.Tail(ctx, roomID, limit)
}

func seedMessages(t *testing.T, st store.Store, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		_, err := st.Append(context.Background(), &store.Message{
			TenantID:   testTenant,
			RoomID:     testRoom,
			SenderID:   "seed",
			SenderName: "Seed",
			Content:    fmt.Sprintf("m%d", i),
			Kind:       store.KindMessage,
			CreatedAt:  time.Now().UnixMilli(),
		})
		require.NoError(t, err)
	}
}

func TestJoinReplaysHistoryThenAnnounces(t *testing.T) {
	st := store.NewMemoryStore()
	seedMessages(t, st, 2)
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	coA, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)

	hist := recvFrame(t, a)
	require.Equal(t, FrameHistory, hist["type"])
	msgs := hist["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, float64(1), msgs[0].(map[string]any)["id"])
	assert.Equal(t, float64(2), msgs[1].(map[string]any)["id"])

	joinedA := recvFrame(t, a)
	require.Equal(t, FrameUserJoined, joinedA["type"])
	assert.Equal(t, "Alice", joinedA["displayName"])

	b := testSession("ub", "Bob")
	_, err = reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)

	histB := recvFrame(t, b)
	require.Equal(t, FrameHistory, histB["type"])
	require.Len(t, histB["messages"].([]any), 2)

	// both sides see Bob's presence event, Bob included
	joinedB := recvFrame(t, b)
	assert.Equal(t, FrameUserJoined, joinedB["type"])
	assert.Equal(t, "Bob", joinedB["displayName"])
	joinedBatA := recvFrame(t, a)
	assert.Equal(t, FrameUserJoined, joinedBatA["type"])
	assert.Equal(t, "Bob", joinedBatA["displayName"])

	// Alice sends; the broadcast echo is her delivery confirmation and
	// lands after the presence event on every session
	coA.Send(a, "hi")
	for _, s := range []*Session{a, b} {
		frame := recvFrame(t, s)
		require.Equal(t, FrameMessage, frame["type"])
		assert.Equal(t, float64(3), frame["id"])
		assert.Equal(t, "ua", frame["senderId"])
		assert.Equal(t, "hi", frame["content"])
	}
}

func TestBroadcastOrderIdenticalAcrossSessions(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	b := testSession("ub", "Bob")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	_, err = reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)

	const perSender = 20
	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				co.Send(s, fmt.Sprintf("%s-%d", s.Identity.UserID, i))
			}
		}(s)
	}
	wg.Wait()

	seqOf := func(s *Session) []int64 {
		var ids []int64
		for len(ids) < 2*perSender {
			frame := recvFrame(t, s)
			if frame["type"] != FrameMessage {
				continue
			}
			ids = append(ids, int64(frame["id"].(float64)))
		}
		return ids
	}
	idsA := seqOf(a)
	idsB := seqOf(b)

	assert.Equal(t, idsA, idsB, "all sessions observe the same total order")
	for i := 1; i < len(idsA); i++ {
		assert.Greater(t, idsA[i], idsA[i-1], "ids strictly increase")
	}
}

func TestSingleSenderOrderPreserved(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	b := testSession("ub", "Bob")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	_, err = reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)
	recvFrame(t, b) // history
	recvFrame(t, b) // own join

	const n = 10
	for i := 0; i < n; i++ {
		co.Send(a, fmt.Sprintf("msg-%d", i))
	}

	got := 0
	for got < n {
		frame := recvFrame(t, b)
		if frame["type"] != FrameMessage {
			continue
		}
		assert.Equal(t, fmt.Sprintf("msg-%d", got), frame["content"])
		got++
	}
}

// A session joining mid-stream must see history + live frames forming the
// exact persisted order: no gap between the snapshot and the stream, no
// duplicate.
func TestHistorySnapshotHasNoGapAndNoDuplicate(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)

	const total = 60
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			co.Send(a, fmt.Sprintf("m%d", i))
		}
	}()

	time.Sleep(5 * time.Millisecond) // land mid-stream
	b := testSession("ub", "Bob")
	_, err = reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)
	<-done

	var ids []int64
	hist := recvFrame(t, b)
	require.Equal(t, FrameHistory, hist["type"])
	for _, m := range hist["messages"].([]any) {
		ids = append(ids, int64(m.(map[string]any)["id"].(float64)))
	}
	for len(ids) < total {
		frame := recvFrame(t, b)
		if frame["type"] != FrameMessage {
			continue
		}
		ids = append(ids, int64(frame["id"].(float64)))
	}

	require.Len(t, ids, total)
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id, "contiguous ascending ids across snapshot+stream")
	}
}

func TestFailedSendReachesOnlySender(t *testing.T) {
	st := newFlakyStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	b := testSession("ub", "Bob")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	_, err = reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)

	// drain join traffic
	recvFrame(t, a) // history
	recvFrame(t, a) // joined A
	recvFrame(t, a) // joined B
	recvFrame(t, b) // history
	recvFrame(t, b) // joined B

	st.failAppend.Store(true)
	co.Send(a, "lost")

	ack := recvFrame(t, a)
	require.Equal(t, FrameError, ack["type"])
	assert.Equal(t, float64(1501), ack["code"])

	// recovery: the next send gets the id the failed one never consumed,
	// and it is the very next thing Bob sees
	st.failAppend.Store(false)
	co.Send(a, "delivered")

	next := recvFrame(t, b)
	require.Equal(t, FrameMessage, next["type"])
	assert.Equal(t, float64(1), next["id"], "failed send advanced no sequence")
	assert.Equal(t, "delivered", next["content"])
	assertNoFrame(t, b)
}

func TestTailFailureFailsJoinCleanly(t *testing.T) {
	st := newFlakyStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	_, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	recvFrame(t, a) // history
	recvFrame(t, a) // joined A

	st.failTail.Store(true)
	b := testSession("ub", "Bob")
	_, err = reg.Join(testTenant, testRoom, b)
	require.Error(t, err)

	// the failed join left no trace visible to Alice
	assertNoFrame(t, a)
}

func TestSlowConsumerIsDroppedNotStalled(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)

	slow := smallSession("uslow", 2)
	_, err = reg.Join(testTenant, testRoom, slow)
	require.NoError(t, err)
	recvFrame(t, slow) // history
	recvFrame(t, slow) // own join
	recvFrame(t, a)    // history
	recvFrame(t, a)    // joined A
	recvFrame(t, a)    // joined slow

	// fill the slow queue (2) and overflow on the third broadcast
	co.Send(a, "m1")
	co.Send(a, "m2")
	co.Send(a, "m3")

	require.Eventually(t, func() bool {
		select {
		case <-slow.done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond, "overflowing session gets closed")

	// the room kept going for everyone else
	for i := 1; i <= 3; i++ {
		frame := recvFrame(t, a)
		require.Equal(t, FrameMessage, frame["type"])
		assert.Equal(t, fmt.Sprintf("m%d", i), frame["content"])
	}
}

func TestIdleRoomRetiresAfterGrace(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)

	a := testSession("ua", "Alice")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	require.Equal(t, 1, reg.ActiveRooms())

	co.Leave(a)
	require.Eventually(t, func() bool {
		return reg.ActiveRooms() == 0
	}, 2*time.Second, 5*time.Millisecond, "empty room retires after the grace window")

	// a late join lands on a fresh coordinator
	b := testSession("ub", "Bob")
	co2, err := reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)
	assert.NotSame(t, co, co2)
	reg.Shutdown()
}

func TestRejoinWithinGraceKeepsCoordinator(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	cfg.IdleGrace = 300 * time.Millisecond
	reg := NewRegistry(st, cfg, nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	co, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)
	co.Leave(a)

	time.Sleep(50 * time.Millisecond)
	b := testSession("ub", "Bob")
	co2, err := reg.Join(testTenant, testRoom, b)
	require.NoError(t, err)
	assert.Same(t, co, co2, "rejoin within grace cancels eviction")

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, reg.ActiveRooms(), "occupied room survives past the grace window")
}

func TestConcurrentFirstJoinsShareOneCoordinator(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	const n = 16
	coords := make([]*Coordinator, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := testSession(fmt.Sprintf("u%d", i), fmt.Sprintf("User%d", i))
			co, err := reg.Join(testTenant, testRoom, s)
			assert.NoError(t, err)
			coords[i] = co
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, reg.ActiveRooms())
	for i := 1; i < n; i++ {
		assert.Same(t, coords[0], coords[i])
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)
	defer reg.Shutdown()

	a := testSession("ua", "Alice")
	coA, err := reg.Join(testTenant, "room-a", a)
	require.NoError(t, err)
	b := testSession("ub", "Bob")
	coB, err := reg.Join(testTenant, "room-b", b)
	require.NoError(t, err)
	recvFrame(t, a)
	recvFrame(t, a)
	recvFrame(t, b)
	recvFrame(t, b)

	coA.Send(a, "for room a")
	coB.Send(b, "for room b")

	frameA := recvFrame(t, a)
	assert.Equal(t, "for room a", frameA["content"])
	frameB := recvFrame(t, b)
	assert.Equal(t, "for room b", frameB["content"])
	assertNoFrame(t, a)
	assertNoFrame(t, b)
}

func TestShutdownEvictsEverything(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewRegistry(st, testConfig(), nil, nil)

	a := testSession("ua", "Alice")
	_, err := reg.Join(testTenant, testRoom, a)
	require.NoError(t, err)

	reg.Shutdown()
	assert.Equal(t, 0, reg.ActiveRooms())
	select {
	case <-a.done:
	default:
		t.Fatal("session not closed by shutdown")
	}
}
