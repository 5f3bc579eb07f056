// Package dispatch fans events out to the connections matching a target.
// Delivery to each member is an independent enqueue onto that
// connection's send queue; a slow or dead member can never delay its
// siblings.
package dispatch

import (
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/events"
	"github.com/rapidaid/dispatch-gateway/internal/registry"
	"github.com/rapidaid/dispatch-gateway/pkg/metrics"
)

// Dispatcher delivers push envelopes to live connections.
type Dispatcher struct {
	reg     *registry.Registry
	rooms   *registry.Rooms
	metrics metrics.Sink
	log     *zap.Logger
}

// New creates a dispatcher over the given registry and room index.
func New(reg *registry.Registry, rooms *registry.Rooms, sink metrics.Sink, log *zap.Logger) *Dispatcher {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Dispatcher{
		reg:     reg,
		rooms:   rooms,
		metrics: sink,
		log:     log.With(zap.String("component", "dispatcher")),
	}
}

// SendToConnection attempts one delivery. A closed transport is treated
// as proof of death: the connection is unregistered. A full send queue
// drops the frame but keeps the connection.
func (d *Dispatcher) SendToConnection(connID string, push events.Push) error {
	data, err := json.Marshal(push)
	if err != nil {
		return err
	}
	return d.deliver(connID, push.Type, data)
}

// SendToRoom delivers to a snapshot of the room's current members. A
// connection joining after the snapshot is taken is not guaranteed the
// event.
func (d *Dispatcher) SendToRoom(roomKey string, push events.Push) {
	d.fanOut(d.rooms.MembersOf(roomKey), push, zap.String("room", roomKey))
}

// SendToUser delivers to every live session of the user.
func (d *Dispatcher) SendToUser(userID string, push events.Push) {
	d.fanOut(d.reg.ConnectionsForUser(userID), push, zap.String("user_id", userID))
}

// BroadcastAll delivers to every registered connection.
func (d *Dispatcher) BroadcastAll(push events.Push) {
	d.fanOut(d.reg.All(), push, zap.String("scope", "all"))
}

// DeliverRoom, DeliverUser and DeliverAll satisfy the bridge's deliverer
// contract for events arriving from the bus.
func (d *Dispatcher) DeliverRoom(roomKey string, push events.Push) { d.SendToRoom(roomKey, push) }

func (d *Dispatcher) DeliverUser(userID string, push events.Push) { d.SendToUser(userID, push) }

func (d *Dispatcher) DeliverAll(push events.Push) { d.BroadcastAll(push) }

func (d *Dispatcher) fanOut(targets []string, push events.Push, field zap.Field) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(push)
	if err != nil {
		d.log.Error("failed to marshal push envelope", zap.Error(err), zap.String("type", push.Type))
		d.metrics.ErrorOccurred("encode")
		return
	}

	sent, failed := 0, 0
	for _, connID := range targets {
		if err := d.deliver(connID, push.Type, data); err != nil {
			failed++
			continue
		}
		sent++
	}
	d.log.Debug("fan-out complete", field,
		zap.String("type", push.Type),
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)
}

func (d *Dispatcher) deliver(connID, eventType string, data []byte) error {
	conn, ok := d.reg.Get(connID)
	if !ok {
		return registry.ErrUnknownConnection
	}

	err := conn.Send(data)
	switch {
	case err == nil:
		d.metrics.EventRelayed()
		return nil
	case errors.Is(err, registry.ErrSendBufferFull):
		// Backpressure: at-most-once lets us shed the frame instead of
		// stalling the fan-out or killing the connection.
		d.metrics.EventDropped()
		d.log.Warn("send queue full, dropping frame",
			zap.String("conn_id", connID),
			zap.String("type", eventType),
		)
		return err
	default:
		d.metrics.ErrorOccurred("transport")
		d.log.Info("send failed, pruning connection",
			zap.String("conn_id", connID),
			zap.String("type", eventType),
			zap.Error(err),
		)
		d.reg.Unregister(connID)
		return err
	}
}
