package rooms

import "github.com/openjam/bandroom/backend/go/internal/v1/types"

// clampBpm coerces a requested tempo into the configured range. Out-of-range
// numeric values are clamped rather than rejected; non-numeric input never
// reaches the store.
func (s *Store) clampBpm(bpm int) int {
	if bpm < s.limits.BpmMin {
		return s.limits.BpmMin
	}
	if bpm > s.limits.BpmMax {
		return s.limits.BpmMax
	}
	return bpm
}

// UpdateMetronomeBPM sets the room tempo and stamps lastTickTimestamp with
// the current wall time. Returns the updated state.
func (s *Store) UpdateMetronomeBPM(roomId types.RoomIdType, bpm int) (types.MetronomeState, error) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.MetronomeState{}, ErrRoomNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.metronome.Bpm = s.clampBpm(bpm)
	e.metronome.LastTickTimestamp = s.clk.NowMillis()
	return e.metronome, nil
}

// GetMetronomeState returns the persisted metronome state.
func (s *Store) GetMetronomeState(roomId types.RoomIdType) (types.MetronomeState, bool) {
	e, ok := s.entry(roomId)
	if !ok {
		return types.MetronomeState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metronome, true
}

// RecordTick updates lastTickTimestamp on behalf of the scheduler. A false
// return tells the scheduler its room is gone and it must stop.
func (s *Store) RecordTick(roomId types.RoomIdType, atMillis int64) bool {
	e, ok := s.entry(roomId)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metronome.LastTickTimestamp = atMillis
	return true
}
