package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjam/bandroom/backend/go/internal/v1/channels"
	"github.com/openjam/bandroom/backend/go/internal/v1/coordinator"
	"github.com/openjam/bandroom/backend/go/internal/v1/metronome"
	"github.com/openjam/bandroom/backend/go/internal/v1/rooms"
	"github.com/openjam/bandroom/backend/go/internal/v1/sessions"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

type noopEngine struct{}

func (noopEngine) Initialize(types.RoomIdType, metronome.Broadcaster) {}
func (noopEngine) UpdateTempo(types.RoomIdType, int) error            { return nil }
func (noopEngine) Cleanup(types.RoomIdType)                           {}
func (noopEngine) Shutdown()                                          {}

func newTestRouter(t *testing.T) (*gin.Engine, *coordinator.Coordinator, *rooms.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := rooms.NewStore(rooms.Limits{}, nil)
	coord := coordinator.New(store, sessions.NewRegistry(10*time.Millisecond),
		channels.NewRegistry(), noopEngine{}, nil, coordinator.Config{})

	router := gin.New()
	NewHandler(coord).RegisterRoutes(router.Group("/api/v1"))
	return router, coord, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateRoom_Created(t *testing.T) {
	router, _, store := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/rooms", gin.H{
		"name": "jam", "username": "Alice", "userId": "alice", "isPrivate": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Room types.RoomState `json:"room"`
		User types.Member    `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Room.IsPrivate)
	assert.Equal(t, types.RoleTypeOwner, resp.User.Role)
	assert.Equal(t, 1, store.Len())
}

func TestCreateRoom_MissingFields(t *testing.T) {
	router, _, store := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/rooms", gin.H{"name": "jam"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, store.Len())
}

func TestListRooms_ExcludesHidden(t *testing.T) {
	router, coord, _ := newTestRouter(t)

	_, _, err := coord.CreateRoom(nil, types.CreateRoomPayload{
		Name: "visible", Username: "Alice", UserId: "alice",
	})
	require.NoError(t, err)
	_, _, err = coord.CreateRoom(nil, types.CreateRoomPayload{
		Name: "secret", Username: "Bob", UserId: "bob", IsHidden: true,
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Rooms []types.RoomSummary `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, "visible", resp.Rooms[0].Name)
}

func TestLeaveRoom_RemovesMember(t *testing.T) {
	router, coord, store := newTestRouter(t)

	state, _, err := coord.CreateRoom(nil, types.CreateRoomPayload{
		Name: "jam", Username: "Alice", UserId: "alice",
	})
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodPost, "/api/v1/rooms/"+string(state.Id)+"/leave", gin.H{"userId": "alice"})
	require.Equal(t, http.StatusOK, w.Code)

	// Sole member left intentionally: room closes.
	_, ok := store.GetRoom(state.Id)
	assert.False(t, ok)
}

func TestLeaveRoom_UnknownRoom(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/rooms/nope/leave", gin.H{"userId": "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLeaveRoom_MissingUserId(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/rooms/r1/leave", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
