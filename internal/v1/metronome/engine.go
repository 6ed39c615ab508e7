// Package metronome runs one drift-corrected tick scheduler per active room.
// Each scheduler advances its expected tick time by exactly one interval per
// tick regardless of wake-up jitter, so cumulative drift stays bounded by the
// worst single-tick jitter instead of growing with tick count.
package metronome

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openjam/bandroom/backend/go/internal/v1/clock"
	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

var (
	ErrNoScheduler = errors.New("no scheduler for room")
	ErrInvalidBpm  = errors.New("bpm must be positive")
)

// Broadcaster is the channel slice a scheduler pushes ticks onto. Broadcast
// failures are non-fatal; ticks are best-effort.
type Broadcaster interface {
	Broadcast(event types.Event, payload any) error
}

// TickRecorder is the room-store slice the scheduler needs: the persisted
// tempo at start and the lastTickTimestamp write-back. A false return from
// RecordTick means the room is gone and the scheduler must stop itself.
type TickRecorder interface {
	GetMetronomeState(roomId types.RoomIdType) (types.MetronomeState, bool)
	RecordTick(roomId types.RoomIdType, atMillis int64) bool
}

// DriftStats summarizes a scheduler's timing accuracy.
type DriftStats struct {
	MaxDriftMs float64 `json:"maxDriftMs"`
	AvgDriftMs float64 `json:"avgDriftMs"`
	TickCount  int64   `json:"tickCount"`
}

// Engine owns every scheduler. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	schedulers map[types.RoomIdType]*scheduler
	store      TickRecorder
	clk        clock.Clock
}

// NewEngine builds an Engine. A nil clock falls back to the system clock.
func NewEngine(store TickRecorder, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		schedulers: make(map[types.RoomIdType]*scheduler),
		store:      store,
		clk:        clk,
	}
}

// Initialize starts a scheduler for the room bound to the given channel. An
// existing scheduler for the room is stopped and waited for first, so two
// schedulers never tick the same room.
func (e *Engine) Initialize(roomId types.RoomIdType, ch Broadcaster) {
	state, ok := e.store.GetMetronomeState(roomId)
	if !ok {
		logging.Warn(context.Background(), "Not starting metronome, room state missing",
			zap.String("roomId", string(roomId)))
		return
	}

	e.mu.Lock()
	old := e.schedulers[roomId]
	e.mu.Unlock()
	if old != nil {
		old.stop()
	}

	s := newScheduler(roomId, state.Bpm, ch, e.store, e.clk)

	e.mu.Lock()
	e.schedulers[roomId] = s
	e.mu.Unlock()

	s.start()
}

// UpdateTempo stages a new tempo for the room's scheduler. The staged value
// takes effect at the next tick boundary; the in-flight interval is never
// truncated.
func (e *Engine) UpdateTempo(roomId types.RoomIdType, bpm int) error {
	if bpm <= 0 {
		return ErrInvalidBpm
	}

	e.mu.Lock()
	s, ok := e.schedulers[roomId]
	e.mu.Unlock()
	if !ok {
		return ErrNoScheduler
	}

	s.setBpm(bpm)
	return nil
}

// Cleanup stops and drops the room's scheduler.
func (e *Engine) Cleanup(roomId types.RoomIdType) {
	e.mu.Lock()
	s, ok := e.schedulers[roomId]
	if ok {
		delete(e.schedulers, roomId)
	}
	e.mu.Unlock()

	if ok {
		s.stop()
	}
}

// Shutdown stops every scheduler. Used on process shutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	all := make([]*scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		all = append(all, s)
	}
	e.schedulers = make(map[types.RoomIdType]*scheduler)
	e.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// DriftStats reports the room scheduler's drift summary.
func (e *Engine) DriftStats(roomId types.RoomIdType) (DriftStats, bool) {
	e.mu.Lock()
	s, ok := e.schedulers[roomId]
	e.mu.Unlock()
	if !ok {
		return DriftStats{}, false
	}
	return s.driftStats(), true
}

// Running reports whether a scheduler exists for the room.
func (e *Engine) Running(roomId types.RoomIdType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.schedulers[roomId]
	return ok
}

// scheduler is one room's tick loop.
type scheduler struct {
	roomId types.RoomIdType
	ch     Broadcaster
	store  TickRecorder
	clk    clock.Clock

	mu        sync.Mutex
	bpm       int
	maxDrift  float64
	sumDrift  float64
	tickCount int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

func newScheduler(roomId types.RoomIdType, bpm int, ch Broadcaster, store TickRecorder, clk clock.Clock) *scheduler {
	return &scheduler{
		roomId: roomId,
		ch:     ch,
		store:  store,
		clk:    clk,
		bpm:    bpm,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (s *scheduler) start() {
	metrics.MetronomeActiveSchedulers.Inc()
	go s.run()
}

// stop signals the loop and waits for it to exit.
func (s *scheduler) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *scheduler) setBpm(bpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpm = bpm
}

func (s *scheduler) currentBpm() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm
}

func (s *scheduler) recordDrift(driftMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if driftMs > s.maxDrift {
		s.maxDrift = driftMs
	}
	s.sumDrift += driftMs
	s.tickCount++
}

func (s *scheduler) driftStats() DriftStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := DriftStats{MaxDriftMs: s.maxDrift, TickCount: s.tickCount}
	if s.tickCount > 0 {
		stats.AvgDriftMs = s.sumDrift / float64(s.tickCount)
	}
	return stats
}

// run is the tick loop. The first iteration emits immediately; every later
// tick is scheduled from the expected time, not the actual wake-up time.
func (s *scheduler) run() {
	defer close(s.doneCh)
	defer metrics.MetronomeActiveSchedulers.Dec()

	expected := s.clk.NowNanos()

	for {
		bpm := s.currentBpm()
		intervalNs := int64(math.Round(60.0 / float64(bpm) * 1e9))

		now := s.clk.NowNanos()
		driftMs := math.Abs(float64(now-expected) / 1e6)
		s.recordDrift(driftMs)
		metrics.MetronomeTickDrift.Observe(driftMs)

		wall := s.clk.NowMillis()
		if !s.store.RecordTick(s.roomId, wall) {
			logging.Info(context.Background(), "Room gone, stopping metronome",
				zap.String("roomId", string(s.roomId)))
			return
		}

		if err := s.ch.Broadcast(types.EventMetronomeTick, types.MetronomeTickPayload{
			Timestamp: wall,
			Bpm:       bpm,
		}); err != nil {
			logging.Warn(context.Background(), "Tick broadcast failed",
				zap.String("roomId", string(s.roomId)), zap.Error(err))
		}
		metrics.MetronomeTicks.WithLabelValues(string(s.roomId)).Inc()

		expected += intervalNs
		sleepNs := expected - s.clk.NowNanos()
		if sleepNs < 0 {
			sleepNs = 0
		}

		timer := time.NewTimer(time.Duration(sleepNs))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
