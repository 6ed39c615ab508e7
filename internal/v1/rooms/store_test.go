package rooms

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// fakeClock is a scripted clock for deterministic timestamps.
type fakeClock struct {
	mu     sync.Mutex
	nanos  int64
	millis int64
}

func (c *fakeClock) NowNanos() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nanos
}

func (c *fakeClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

func (c *fakeClock) advance(nanos, millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nanos += nanos
	c.millis += millis
}

func newTestStore() (*Store, *fakeClock) {
	clk := &fakeClock{millis: 1_000_000}
	return NewStore(Limits{}, clk), clk
}

func member(id string, role types.RoleType) types.Member {
	return types.Member{
		UserId:      types.UserIdType(id),
		DisplayName: types.DisplayNameType("name-" + id),
		Role:        role,
		IsReady:     true,
	}
}

func TestCreateRoom(t *testing.T) {
	store, _ := newTestStore()

	state, owner, err := store.CreateRoom("Jam Night", "alice", "u1", false, false)
	require.NoError(t, err)

	assert.NotEmpty(t, state.Id)
	assert.Equal(t, "Jam Night", state.Name)
	assert.Equal(t, types.UserIdType("u1"), state.Owner)
	assert.Equal(t, types.RoleTypeOwner, owner.Role)
	assert.True(t, owner.IsReady)
	assert.Equal(t, 90, state.Metronome.Bpm)
	assert.Equal(t, int64(1_000_000), state.Metronome.LastTickTimestamp)
	assert.Len(t, state.Users, 1)
	assert.Empty(t, state.PendingMembers)
	assert.Equal(t, 1, store.Len())
}

func TestGetRoom_Missing(t *testing.T) {
	store, _ := newTestStore()

	_, ok := store.GetRoom("nope")
	assert.False(t, ok)
}

func TestAddMember(t *testing.T) {
	store, _ := newTestStore()
	state, _, err := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, err)

	t.Run("inserts new member", func(t *testing.T) {
		err := store.AddMember(state.Id, member("u2", types.RoleTypeBandMember))
		require.NoError(t, err)

		snap, ok := store.GetRoom(state.Id)
		require.True(t, ok)
		assert.Len(t, snap.Users, 2)
	})

	t.Run("duplicate insert is a no-op success", func(t *testing.T) {
		dup := member("u2", types.RoleTypeAudience)
		dup.DisplayName = "other-name"
		err := store.AddMember(state.Id, dup)
		require.NoError(t, err)

		got, ok := store.GetMember(state.Id, "u2")
		require.True(t, ok)
		assert.Equal(t, types.RoleTypeBandMember, got.Role, "existing value must not be overwritten")
	})

	t.Run("unknown room", func(t *testing.T) {
		err := store.AddMember("nope", member("u3", types.RoleTypeAudience))
		assert.ErrorIs(t, err, ErrRoomNotFound)
	})

	t.Run("room full", func(t *testing.T) {
		small := NewStore(Limits{MaxParticipants: 2}, nil)
		snap, _, err := small.CreateRoom("S", "alice", "u1", false, false)
		require.NoError(t, err)
		require.NoError(t, small.AddMember(snap.Id, member("u2", types.RoleTypeAudience)))

		err = small.AddMember(snap.Id, member("u3", types.RoleTypeAudience))
		assert.ErrorIs(t, err, ErrRoomFull)
	})
}

func TestRemoveMember(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, store.AddMember(state.Id, member("u2", types.RoleTypeBandMember)))

	removed, ok := store.RemoveMember(state.Id, "u2")
	require.True(t, ok)
	assert.Equal(t, types.UserIdType("u2"), removed.UserId)

	_, ok = store.RemoveMember(state.Id, "u2")
	assert.False(t, ok, "second removal finds nothing")

	_, ok = store.RemoveMember("nope", "u2")
	assert.False(t, ok)
}

func TestReplaceMember(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, store.AddMember(state.Id, member("u2", types.RoleTypeBandMember)))

	got, ok := store.GetMember(state.Id, "u2")
	require.True(t, ok)
	got.IsReady = false
	got.CurrentInstrument = "moog"
	got.CurrentCategory = "synth"

	updated, err := store.ReplaceMember(state.Id, got)
	require.NoError(t, err)
	assert.False(t, updated.IsReady)
	assert.Equal(t, "moog", updated.CurrentInstrument)

	_, err = store.ReplaceMember(state.Id, member("ghost", types.RoleTypeAudience))
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestTransferOwnership(t *testing.T) {
	store, _ := newTestStore()
	state, owner, _ := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, store.AddMember(state.Id, member("u2", types.RoleTypeBandMember)))

	t.Run("promotes target and demotes old owner snapshot", func(t *testing.T) {
		removed, ok := store.RemoveMember(state.Id, "u1")
		require.True(t, ok)

		newOwner, oldOwner, err := store.TransferOwnership(state.Id, "u2", removed)
		require.NoError(t, err)

		assert.Equal(t, types.RoleTypeOwner, newOwner.Role)
		assert.Equal(t, types.RoleTypeBandMember, oldOwner.Role)
		assert.Equal(t, types.UserIdType("u1"), oldOwner.UserId)

		snap, _ := store.GetRoom(state.Id)
		assert.Equal(t, types.UserIdType("u2"), snap.Owner)
	})

	t.Run("missing target", func(t *testing.T) {
		_, _, err := store.TransferOwnership(state.Id, "ghost", owner)
		assert.ErrorIs(t, err, ErrNotMember)
	})

	t.Run("target already owner", func(t *testing.T) {
		_, _, err := store.TransferOwnership(state.Id, "u2", owner)
		assert.ErrorIs(t, err, ErrAlreadyOwner)
	})
}

func TestShouldClose(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)

	assert.False(t, store.ShouldClose(state.Id))

	// Pending applicants do not keep the room alive.
	require.NoError(t, store.AddPending(state.Id, member("p1", types.RoleTypeBandMember)))
	store.RemoveMember(state.Id, "u1")
	assert.True(t, store.ShouldClose(state.Id))

	assert.False(t, store.ShouldClose("nope"))
}

func TestAnyMember_JoinOrder(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, store.AddMember(state.Id, member("u2", types.RoleTypeBandMember)))
	require.NoError(t, store.AddMember(state.Id, member("u3", types.RoleTypeAudience)))

	// Owner holds the lowest join order.
	got, ok := store.AnyMember(state.Id)
	require.True(t, ok)
	assert.Equal(t, types.UserIdType("u1"), got.UserId)

	// After the first two leave, u3 is the earliest remaining.
	store.RemoveMember(state.Id, "u1")
	store.RemoveMember(state.Id, "u2")
	got, ok = store.AnyMember(state.Id)
	require.True(t, ok)
	assert.Equal(t, types.UserIdType("u3"), got.UserId)

	store.RemoveMember(state.Id, "u3")
	_, ok = store.AnyMember(state.Id)
	assert.False(t, ok)
}

func TestSnapshotOrdering(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)
	require.NoError(t, store.AddMember(state.Id, member("u3", types.RoleTypeAudience)))
	require.NoError(t, store.AddMember(state.Id, member("u2", types.RoleTypeBandMember)))

	snap, ok := store.GetRoom(state.Id)
	require.True(t, ok)
	require.Len(t, snap.Users, 3)
	assert.Equal(t, types.UserIdType("u1"), snap.Users[0].UserId)
	assert.Equal(t, types.UserIdType("u3"), snap.Users[1].UserId)
	assert.Equal(t, types.UserIdType("u2"), snap.Users[2].UserId)
}

func TestListRooms(t *testing.T) {
	store, clk := newTestStore()
	first, _, _ := store.CreateRoom("Visible", "alice", "u1", false, false)
	clk.advance(0, 10)
	store.CreateRoom("Hidden", "bob", "u2", false, true)
	clk.advance(0, 10)
	second, _, _ := store.CreateRoom("Private", "carol", "u3", true, false)

	summaries := store.ListRooms()
	require.Len(t, summaries, 2, "hidden rooms are excluded")
	assert.Equal(t, first.Id, summaries[0].Id)
	assert.Equal(t, second.Id, summaries[1].Id)
	assert.True(t, summaries[1].IsPrivate)
	assert.Equal(t, 1, summaries[0].UserCount)
}

func TestDeleteRoom(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)

	assert.True(t, store.DeleteRoom(state.Id))
	assert.False(t, store.DeleteRoom(state.Id))
	_, ok := store.GetRoom(state.Id)
	assert.False(t, ok)
}

func TestConcurrentMembership(t *testing.T) {
	store, _ := newTestStore()
	state, _, _ := store.CreateRoom("R", "alice", "u1", false, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", n)
			_ = store.AddMember(state.Id, member(id, types.RoleTypeAudience))
			_, _ = store.GetRoom(state.Id)
			_, _ = store.RemoveMember(state.Id, types.UserIdType(id))
		}(i)
	}
	wg.Wait()

	snap, ok := store.GetRoom(state.Id)
	require.True(t, ok)
	assert.Len(t, snap.Users, 1, "only the owner remains")
}
