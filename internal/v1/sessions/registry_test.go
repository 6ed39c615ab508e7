package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

func testSession(connId, userId, roomId string) types.Session {
	return types.Session{
		ConnId:    types.ConnIdType(connId),
		UserId:    types.UserIdType(userId),
		RoomId:    types.RoomIdType(roomId),
		CreatedAt: time.Now().UnixMilli(),
	}
}

func testMember(userId string) types.Member {
	return types.Member{
		UserId:      types.UserIdType(userId),
		DisplayName: types.DisplayNameType("name-" + userId),
		Role:        types.RoleTypeBandMember,
		IsReady:     true,
	}
}

func TestSetSession(t *testing.T) {
	r := NewRegistry(0)

	t.Run("installs and reads back", func(t *testing.T) {
		stale, evicted := r.SetSession("c1", testSession("c1", "u1", "r1"))
		assert.False(t, evicted)
		assert.Empty(t, stale)

		sess, ok := r.GetSession("c1")
		require.True(t, ok)
		assert.Equal(t, types.UserIdType("u1"), sess.UserId)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("evicts sibling session for same user and room", func(t *testing.T) {
		stale, evicted := r.SetSession("c2", testSession("c2", "u1", "r1"))
		require.True(t, evicted)
		assert.Equal(t, types.ConnIdType("c1"), stale)

		_, ok := r.GetSession("c1")
		assert.False(t, ok, "stale session must be gone")
		_, ok = r.GetSession("c2")
		assert.True(t, ok)
	})

	t.Run("same conn re-registering is not an eviction", func(t *testing.T) {
		_, evicted := r.SetSession("c2", testSession("c2", "u1", "r1"))
		assert.False(t, evicted)
	})

	t.Run("same user in another room keeps both sessions", func(t *testing.T) {
		_, evicted := r.SetSession("c3", testSession("c3", "u1", "r2"))
		assert.False(t, evicted)
		assert.Equal(t, 2, r.Len())
	})
}

func TestRemoveSession(t *testing.T) {
	r := NewRegistry(0)
	r.SetSession("c1", testSession("c1", "u1", "r1"))

	r.RemoveSession("c1")
	_, ok := r.GetSession("c1")
	assert.False(t, ok)

	// Removing twice is harmless.
	r.RemoveSession("c1")
	assert.Equal(t, 0, r.Len())
}

func TestRemoveSession_EvictedDoesNotEraseSuccessor(t *testing.T) {
	r := NewRegistry(0)
	r.SetSession("c1", testSession("c1", "u1", "r1"))
	r.SetSession("c2", testSession("c2", "u1", "r1"))

	// c1 was evicted; its delayed cleanup must not break c2's index entry.
	r.RemoveSession("c1")

	stale, evicted := r.SetSession("c3", testSession("c3", "u1", "r1"))
	require.True(t, evicted, "c2 must still be indexed for (u1, r1)")
	assert.Equal(t, types.ConnIdType("c2"), stale)
}

func TestGraceLifecycle(t *testing.T) {
	r := NewRegistry(0)

	t.Run("put and pop", func(t *testing.T) {
		r.PutGrace("u1", "r1", testMember("u1"), time.Minute)
		assert.True(t, r.IsInGrace("u1", "r1"))

		m, ok := r.PopGrace("u1", "r1")
		require.True(t, ok)
		assert.Equal(t, types.UserIdType("u1"), m.UserId)

		assert.False(t, r.IsInGrace("u1", "r1"))
		_, ok = r.PopGrace("u1", "r1")
		assert.False(t, ok)
	})

	t.Run("expired entry is not poppable", func(t *testing.T) {
		r.PutGrace("u2", "r1", testMember("u2"), -time.Second)
		assert.False(t, r.IsInGrace("u2", "r1"))
		_, ok := r.PopGrace("u2", "r1")
		assert.False(t, ok, "expired entries are left for the sweeper")
	})
}

func TestIntentionallyLeftLifecycle(t *testing.T) {
	r := NewRegistry(0)

	r.MarkIntentionallyLeft("u1", "r1", time.Minute)
	assert.True(t, r.HasIntentionallyLeft("u1", "r1"))

	r.ClearIntentionallyLeft("u1", "r1")
	assert.False(t, r.HasIntentionallyLeft("u1", "r1"))

	r.MarkIntentionallyLeft("u2", "r1", -time.Second)
	assert.False(t, r.HasIntentionallyLeft("u2", "r1"), "expired marker does not count")
}

func TestGraceAndIntentionallyLeftAreMutuallyExclusive(t *testing.T) {
	r := NewRegistry(0)

	r.MarkIntentionallyLeft("u1", "r1", time.Minute)
	r.PutGrace("u1", "r1", testMember("u1"), time.Minute)
	assert.True(t, r.IsInGrace("u1", "r1"))
	assert.False(t, r.HasIntentionallyLeft("u1", "r1"), "grace insert clears the marker")

	r.MarkIntentionallyLeft("u1", "r1", time.Minute)
	assert.False(t, r.IsInGrace("u1", "r1"), "marker insert clears grace")
	assert.True(t, r.HasIntentionallyLeft("u1", "r1"))
}

func TestSweeper_FiresExpiredGrace(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)

	var (
		mu    sync.Mutex
		fired []types.UserIdType
	)
	r.SetGraceExpiredHandler(func(userId types.UserIdType, roomId types.RoomIdType, member types.Member) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, types.RoomIdType("r1"), roomId)
		assert.Equal(t, userId, member.UserId)
		fired = append(fired, userId)
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	r.Start(ctx, &wg)

	r.PutGrace("u1", "r1", testMember("u1"), 20*time.Millisecond)
	r.PutGrace("u2", "r1", testMember("u2"), time.Minute)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, []types.UserIdType{"u1"}, fired, "only the expired entry fires")
	mu.Unlock()
	assert.True(t, r.IsInGrace("u2", "r1"))

	cancel()
	wg.Wait()
}

func TestSweeper_PopCancelsExpiry(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)

	var fired sync.Map
	r.SetGraceExpiredHandler(func(userId types.UserIdType, roomId types.RoomIdType, member types.Member) {
		fired.Store(userId, true)
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	r.Start(ctx, &wg)

	r.PutGrace("u1", "r1", testMember("u1"), 30*time.Millisecond)
	m, ok := r.PopGrace("u1", "r1")
	require.True(t, ok)
	assert.Equal(t, types.UserIdType("u1"), m.UserId)

	time.Sleep(80 * time.Millisecond)

	_, wasFired := fired.Load(types.UserIdType("u1"))
	assert.False(t, wasFired, "popped entries never fire")

	cancel()
	wg.Wait()
}

func TestSweeper_DropsExpiredMarkers(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	r.Start(ctx, &wg)

	r.MarkIntentionallyLeft("u1", "r1", 20*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	assert.False(t, r.HasIntentionallyLeft("u1", "r1"))

	cancel()
	wg.Wait()
}
