// Package channels implements the broadcast fabric: one isolated channel per
// room, one approval channel per private room, and the global lobby monitor.
// Channels own subscriber sets; delivery is best-effort enqueue onto each
// subscriber's buffered send queue, FIFO per subscriber.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/openjam/bandroom/backend/go/internal/v1/logging"
	"github.com/openjam/bandroom/backend/go/internal/v1/metrics"
	"github.com/openjam/bandroom/backend/go/internal/v1/types"
)

// Subscriber is the transport-side handle a channel fans out to. Enqueue must
// never block; a false return means the frame was dropped. Close asks the
// transport to tear the connection down.
type Subscriber interface {
	ConnID() types.ConnIdType
	Enqueue(data []byte) bool
	Close()
}

type subscription struct {
	sub  Subscriber
	role types.RoleType
}

// Channel is a single broadcast path. It is safe for concurrent use.
type Channel struct {
	path string
	mu   sync.RWMutex
	subs map[types.ConnIdType]subscription
}

func newChannel(path string) *Channel {
	return &Channel{
		path: path,
		subs: make(map[types.ConnIdType]subscription),
	}
}

// Path returns the channel's identity string.
func (c *Channel) Path() string {
	return c.path
}

// Attach subscribes a connection with the role used for scoped fan-out.
// Re-attaching an existing connection updates its role.
func (c *Channel) Attach(sub Subscriber, role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.ConnID()] = subscription{sub: sub, role: role}
}

// Detach unsubscribes a connection.
func (c *Channel) Detach(connId types.ConnIdType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, connId)
}

// SetRole updates the stored role for an attached connection, e.g. after an
// ownership transfer.
func (c *Channel) SetRole(connId types.ConnIdType, role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[connId]; ok {
		s.role = role
		c.subs[connId] = s
	}
}

// Subscriber returns the attached handle for a connection.
func (c *Channel) Subscriber(connId types.ConnIdType) (Subscriber, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.subs[connId]
	if !ok {
		return nil, false
	}
	return s.sub, true
}

// Len returns the number of attached connections.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Encode marshals the wire envelope once per broadcast or direct send.
func Encode(event types.Event, payload any) ([]byte, error) {
	raw, err := json.Marshal(types.Message{Event: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return raw, nil
}

// Broadcast fans an event out to every subscriber.
func (c *Channel) Broadcast(event types.Event, payload any) error {
	return c.broadcast(event, payload, "", nil)
}

// BroadcastExcept fans out to everyone but the named connection. Used for
// "others" events where the caller already received a direct reply.
func (c *Channel) BroadcastExcept(event types.Event, payload any, except types.ConnIdType) error {
	return c.broadcast(event, payload, except, nil)
}

// BroadcastRoles fans out only to subscribers whose attached role is in the
// set, e.g. approval traffic addressed to owners.
func (c *Channel) BroadcastRoles(event types.Event, payload any, roles set.Set[types.RoleType]) error {
	return c.broadcast(event, payload, "", roles)
}

func (c *Channel) broadcast(event types.Event, payload any, except types.ConnIdType, roles set.Set[types.RoleType]) error {
	raw, err := Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	targets := make([]subscription, 0, len(c.subs))
	for id, s := range c.subs {
		if id == except {
			continue
		}
		if roles != nil && !roles.Has(s.role) {
			continue
		}
		targets = append(targets, s)
	}
	c.mu.RUnlock()

	for _, s := range targets {
		if !s.sub.Enqueue(raw) {
			metrics.BroadcastDrops.WithLabelValues(c.path).Inc()
			logging.Warn(context.Background(), "Subscriber queue full, dropping frame",
				zap.String("channel", c.path),
				zap.String("event", string(event)),
				zap.String("connId", string(s.sub.ConnID())))
		}
	}
	return nil
}

// SendTo delivers an event to a single attached connection.
func (c *Channel) SendTo(connId types.ConnIdType, event types.Event, payload any) bool {
	sub, ok := c.Subscriber(connId)
	if !ok {
		return false
	}
	raw, err := Encode(event, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode direct message",
			zap.String("channel", c.path), zap.Error(err))
		return false
	}
	if !sub.Enqueue(raw) {
		metrics.BroadcastDrops.WithLabelValues(c.path).Inc()
		return false
	}
	return true
}

// detachAll clears the subscriber set and returns the cleared handles.
func (c *Channel) detachAll() []Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]Subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s.sub)
	}
	c.subs = make(map[types.ConnIdType]subscription)
	return subs
}
