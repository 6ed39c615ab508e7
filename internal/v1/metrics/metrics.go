package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room and metronome platform.
//
// Naming convention: namespace_subsystem_name
// - namespace: bandroom (application-level grouping)
// - subsystem: websocket, room, metronome, session, channel (feature-level grouping)
// - name: specific metric (connections_active, ticks_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members)
// - Counter: Cumulative events (events processed, ticks, drops)
// - Histogram: Distributions (processing time, tick drift)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bandroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bandroom",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks the number of members in each room (GaugeVec with room_id label)
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bandroom",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of members in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bandroom",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// MetronomeTicks tracks the total metronome ticks emitted (CounterVec - cumulative)
	MetronomeTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "metronome",
		Name:      "ticks_total",
		Help:      "Total metronome ticks emitted",
	}, []string{"room_id"})

	// MetronomeActiveSchedulers tracks the number of running schedulers (Gauge - current state)
	MetronomeActiveSchedulers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "bandroom",
		Subsystem: "metronome",
		Name:      "schedulers_active",
		Help:      "Current number of running metronome schedulers",
	})

	// MetronomeTickDrift tracks per-tick drift in milliseconds (Histogram - distribution)
	MetronomeTickDrift = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bandroom",
		Subsystem: "metronome",
		Name:      "tick_drift_ms",
		Help:      "Absolute drift between expected and actual tick time in milliseconds",
		Buckets:   []float64{.1, .5, 1, 2, 5, 10, 20, 50, 100},
	})

	// BroadcastDrops counts frames dropped because a subscriber queue was full (CounterVec - cumulative)
	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "channel",
		Name:      "broadcast_drops_total",
		Help:      "Total broadcast frames dropped due to full subscriber queues",
	}, []string{"channel"})

	// GraceRestorations counts members restored from the grace table (Counter - cumulative)
	GraceRestorations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "session",
		Name:      "grace_restorations_total",
		Help:      "Total members restored from a grace entry on reconnect",
	})

	// GraceExpirations counts grace entries that expired without a rejoin (Counter - cumulative)
	GraceExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "session",
		Name:      "grace_expirations_total",
		Help:      "Total grace entries expired by the sweeper",
	})

	// RateLimitRequests tracks requests checked by rate limiting middleware (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked by rate limiting",
	}, []string{"endpoint"})

	// RateLimitExceeded tracks requests rejected by rate limiting (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by rate limiting",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState reports breaker state per dependency: 0=closed, 1=open, 2=half-open (GaugeVec)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "bandroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations dropped by an open breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bandroom",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations rejected while the circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
