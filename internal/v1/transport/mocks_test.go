package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/openjam/bandroom/backend/go/internal/v1/auth"
	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/coordinator"
	"github.com/openjam/bandroom/backend/go/internal/v1/metronome"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/sessions"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

var errConnClosed = errors.New("connection closed")

// scriptedConn feeds readPump a fixed sequence of frames and records
// everything written. After the script runs out, reads block until Close.
type scriptedConn struct {
	mu      sync.Mutex
	reads   [][]byte
	readTyp int
	writes  [][]byte
	closed  chan struct{}
	once    sync.Once
}

func newScriptedConn(frames ...[]byte) *scriptedConn {
	return &scriptedConn{
		reads:   frames,
		readTyp: websocket.TextMessage,
		closed:  make(chan struct{}),
	}
}

func (s *scriptedConn) ReadMessage() (int, []byte, error) {
	s.mu.Lock()
	if len(s.reads) > 0 {
		frame := s.reads[0]
		s.reads = s.reads[1:]
		typ := s.readTyp
		s.mu.Unlock()
		return typ, frame, nil
	}
	s.mu.Unlock()
	<-s.closed
	return 0, nil, errConnClosed
}

func (s *scriptedConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-s.closed:
		return errConnClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *scriptedConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedConn) SetWriteDeadline(time.Time) error { return nil }

func (s *scriptedConn) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// writtenEvents decodes the recorded frames into event names.
func (s *scriptedConn) writtenEvents(t *testing.T) []types.Event {
	t.Helper()
	var out []types.Event
	for _, raw := range s.written() {
		if len(raw) == 0 {
			continue // close frame
		}
		var env types.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		out = append(out, env.Event)
	}
	return out
}

// mockValidator accepts one fixed token.
type mockValidator struct {
	token  string
	claims *auth.CustomClaims
}

func (m *mockValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if tokenString == m.token {
		return m.claims, nil
	}
	return nil, errors.New("invalid token")
}

// stubEngine satisfies coordinator.TempoEngine without running schedulers.
type stubEngine struct{}

func (stubEngine) Initialize(types.RoomIdType, metronome.Broadcaster) {}
func (stubEngine) UpdateTempo(types.RoomIdType, int) error            { return nil }
func (stubEngine) Cleanup(types.RoomIdType)                           {}
func (stubEngine) Shutdown()                                          {}

type hubEnv struct {
	hub      *Hub
	coord    *coordinator.Coordinator
	store    *rooms.Store
	sessions *sessions.Registry
	channels *channels.Registry
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	store := rooms.NewStore(rooms.Limits{}, nil)
	reg := sessions.NewRegistry(10 * time.Millisecond)
	chreg := channels.NewRegistry()
	coord := coordinator.New(store, reg, chreg, stubEngine{}, nil, coordinator.Config{})
	validator := &mockValidator{token: "good-token", claims: &auth.CustomClaims{}}
	hub := NewHub(coord, chreg, validator, nil, false)
	return &hubEnv{hub: hub, coord: coord, store: store, sessions: reg, channels: chreg}
}

func envelope(t *testing.T, event types.Event, payload any) []byte {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	data, err := json.Marshal(types.Envelope{Event: event, Payload: raw})
	require.NoError(t, err)
	return data
}
