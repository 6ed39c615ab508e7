package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	// These are promauto-registered against the global default registry, so
	// the main goal is exercising each collector without panics.

	t.Run("Connections", func(t *testing.T) {
		IncConnection()
		IncConnection()
		DecConnection()

		val := testutil.ToFloat64(ActiveWebSocketConnections)
		if val < 1 {
			t.Errorf("Expected at least one active connection, got %v", val)
		}
	})

	t.Run("WebsocketEvents", func(t *testing.T) {
		WebsocketEvents.WithLabelValues("join_room", "success").Inc()

		val := testutil.ToFloat64(WebsocketEvents.WithLabelValues("join_room", "success"))
		if val < 1 {
			t.Errorf("Expected WebsocketEvents to be at least 1, got %v", val)
		}
	})

	t.Run("MetronomeTicks", func(t *testing.T) {
		MetronomeTicks.WithLabelValues("room-metrics-test").Inc()

		val := testutil.ToFloat64(MetronomeTicks.WithLabelValues("room-metrics-test"))
		if val < 1 {
			t.Errorf("Expected MetronomeTicks to be at least 1, got %v", val)
		}
	})

	t.Run("Histograms", func(t *testing.T) {
		MessageProcessingDuration.WithLabelValues("join_room").Observe(0.01)
		MetronomeTickDrift.Observe(1.5)
		// verifying histogram contents is complex; no-panic is the goal here
	})

	t.Run("GraceCounters", func(t *testing.T) {
		GraceRestorations.Inc()
		GraceExpirations.Inc()

		if testutil.ToFloat64(GraceRestorations) < 1 {
			t.Error("Expected GraceRestorations to be at least 1")
		}
	})

	t.Run("BroadcastDrops", func(t *testing.T) {
		BroadcastDrops.WithLabelValues("/room/r1").Inc()

		if testutil.ToFloat64(BroadcastDrops.WithLabelValues("/room/r1")) < 1 {
			t.Error("Expected BroadcastDrops to be at least 1")
		}
	})
}
