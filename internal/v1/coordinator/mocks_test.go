package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/metronome"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/sessions"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// fakeConn is a test transport connection recording every delivered frame.
type fakeConn struct {
	mu     sync.Mutex
	id     types.ConnIdType
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: types.ConnIdType(id)}
}

func (f *fakeConn) ConnID() types.ConnIdType { return f.id }

func (f *fakeConn) Enqueue(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events returns the delivered event names in order.
func (f *fakeConn) events(t *testing.T) []types.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Event
	for _, raw := range f.frames {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env.Event)
	}
	return out
}

// lastPayload decodes the most recent frame carrying the named event into dst
// and reports whether one was found.
func (f *fakeConn) lastPayload(t *testing.T, event types.Event, dst any) bool {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.frames) - 1; i >= 0; i-- {
		var env types.Envelope
		require.NoError(t, json.Unmarshal(f.frames[i], &env))
		if env.Event == event {
			require.NoError(t, json.Unmarshal(env.Payload, dst))
			return true
		}
	}
	return false
}

func (f *fakeConn) countEvent(t *testing.T, event types.Event) int {
	t.Helper()
	n := 0
	for _, e := range f.events(t) {
		if e == event {
			n++
		}
	}
	return n
}

// fakeEngine records metronome engine calls.
type fakeEngine struct {
	mu          sync.Mutex
	initialized []types.RoomIdType
	tempos      map[types.RoomIdType][]int
	cleaned     []types.RoomIdType
	shutdown    bool
	tempoErr    error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{tempos: make(map[types.RoomIdType][]int)}
}

func (e *fakeEngine) Initialize(roomId types.RoomIdType, ch metronome.Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = append(e.initialized, roomId)
}

func (e *fakeEngine) UpdateTempo(roomId types.RoomIdType, bpm int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tempoErr != nil {
		return e.tempoErr
	}
	e.tempos[roomId] = append(e.tempos[roomId], bpm)
	return nil
}

func (e *fakeEngine) Cleanup(roomId types.RoomIdType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = append(e.cleaned, roomId)
}

func (e *fakeEngine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

func (e *fakeEngine) temposFor(roomId types.RoomIdType) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.tempos[roomId]...)
}

func (e *fakeEngine) cleanedRooms() []types.RoomIdType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.RoomIdType(nil), e.cleaned...)
}

// brokenChannels wraps a real registry but fails room-channel creation, for
// exercising the membership-before-broadcast contract.
type brokenChannels struct {
	*channels.Registry
}

var errChannelUnavailable = errors.New("channel fabric unavailable")

func (b brokenChannels) GetOrCreateRoomChannel(types.RoomIdType) (*channels.Channel, error) {
	return nil, errChannelUnavailable
}

type testEnv struct {
	coord    *Coordinator
	store    *rooms.Store
	sessions *sessions.Registry
	channels *channels.Registry
	engine   *fakeEngine
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store := rooms.NewStore(rooms.Limits{}, nil)
	reg := sessions.NewRegistry(10 * time.Millisecond)
	chreg := channels.NewRegistry()
	engine := newFakeEngine()
	coord := New(store, reg, chreg, engine, nil, cfg)
	return &testEnv{coord: coord, store: store, sessions: reg, channels: chreg, engine: engine}
}

// createRoom drives the create operation for conn and returns the room id.
func (env *testEnv) createRoom(t *testing.T, conn *fakeConn, userId, name string, private bool) types.RoomIdType {
	t.Helper()
	state, _, err := env.coord.CreateRoom(conn, types.CreateRoomPayload{
		Name:      "jam",
		Username:  name,
		UserId:    types.UserIdType(userId),
		IsPrivate: private,
	})
	require.NoError(t, err)
	require.NotEmpty(t, state.Id)
	return state.Id
}

// join drives a join for conn with the given role.
func (env *testEnv) join(t *testing.T, conn *fakeConn, roomId types.RoomIdType, userId, name string, role types.RoleType) {
	t.Helper()
	env.coord.JoinRoom(conn, types.JoinRoomPayload{
		RoomId:   roomId,
		Username: name,
		UserId:   types.UserIdType(userId),
		Role:     role,
	})
}

func bpmPtr(v float64) *float64 { return &v }
