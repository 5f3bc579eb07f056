// Package bridge connects the gateway to the Redis pub/sub bus. Events
// published by backend services (or by sibling gateway instances) are
// routed to the local connections that should see them, and events the
// gateway originates are published back so every instance fans them out.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/events"
	"github.com/rapidaid/dispatch-gateway/pkg/metrics"
)

// Bus channels the gateway subscribes to.
const (
	ChannelDespachos   = "despachos"   // service-wide dispatch announcements
	ChannelDispatches  = "dispatches"  // per-dispatch updates
	ChannelAmbulancias = "ambulancias" // per-ambulance updates
	ChannelUsers       = "users"       // per-user notifications
)

// Deliverer is the local fan-out the bridge hands routed events to.
type Deliverer interface {
	DeliverRoom(roomKey string, push events.Push)
	DeliverUser(userID string, push events.Push)
	DeliverAll(push events.Push)
}

// EventRecorder keeps a bounded log of published events for catch-up
// reads. Recording is best-effort; failures never block a publish.
type EventRecorder interface {
	Record(ctx context.Context, eventType string, data any) error
}

// publisher is the publish side of the Redis client, split out so tests
// can observe what goes on the bus.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// busEvent is the envelope services put on the bus. Origin carries the
// publishing gateway's instance id so an instance can recognize its own
// re-published events and not deliver them twice.
type busEvent struct {
	Type      string          `json:"type"`
	Service   string          `json:"service,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// routeKind says how a channel's events map onto local targets.
type routeKind int

const (
	routeBroadcast routeKind = iota
	routeRoom
	routeUser
)

// Rule routes one bus channel. For routeRoom the room key is
// RoomPrefix:<IDField value from the event data>; for routeUser the
// IDField names the target user.
type Rule struct {
	Kind       routeKind
	RoomPrefix string
	IDField    string
}

// DefaultRules covers the four dispatch-domain channels.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ChannelDespachos:   {Kind: routeBroadcast},
		ChannelDispatches:  {Kind: routeRoom, RoomPrefix: "dispatch", IDField: "despacho_id"},
		ChannelAmbulancias: {Kind: routeRoom, RoomPrefix: "ambulancia", IDField: "ambulancia_id"},
		ChannelUsers:       {Kind: routeUser, IDField: "user_id"},
	}
}

// Bridge subscribes to the bus and routes events to the local deliverer.
type Bridge struct {
	rdb        *goredis.Client
	pub        publisher
	deliverer  Deliverer
	rules      map[string]Rule
	instanceID string
	recorder   EventRecorder // optional
	metrics    metrics.Sink
	log        *zap.Logger
}

// New creates a bridge. instanceID must be unique per gateway process;
// recorder may be nil when event history is disabled.
func New(rdb *goredis.Client, deliverer Deliverer, rules map[string]Rule, instanceID string, recorder EventRecorder, sink metrics.Sink, log *zap.Logger) *Bridge {
	if rules == nil {
		rules = DefaultRules()
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	b := &Bridge{
		rdb:        rdb,
		deliverer:  deliverer,
		rules:      rules,
		instanceID: instanceID,
		recorder:   recorder,
		metrics:    sink,
		log:        log.With(zap.String("component", "bridge")),
	}
	if rdb != nil {
		b.pub = rdb
	}
	return b
}

// Run subscribes to every routed channel and pumps messages until the
// context is cancelled. The subscription is re-established with
// exponential backoff after any failure.
func (b *Bridge) Run(ctx context.Context) error {
	channels := make([]string, 0, len(b.rules))
	for ch := range b.rules {
		channels = append(channels, ch)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry for as long as the gateway runs

	return b.runLoop(ctx, bo, func(ctx context.Context, onReady func()) error {
		return b.pump(ctx, channels, onReady)
	})
}

// runLoop re-establishes the subscription after any failure. connect
// must call onReady once the subscription is confirmed, so a disconnect
// after a healthy run backs off from the initial interval again instead
// of whatever the previous outage had accumulated.
func (b *Bridge) runLoop(ctx context.Context, bo backoff.BackOff, connect func(context.Context, func()) error) error {
	for {
		err := connect(ctx, bo.Reset)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		b.log.Warn("bus subscription lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		b.metrics.ErrorOccurred("bus")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *Bridge) pump(ctx context.Context, channels []string, onReady func()) error {
	sub := b.rdb.Subscribe(ctx, channels...)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to bus channels: %w", err)
	}
	onReady()
	b.log.Info("subscribed to bus", zap.Strings("channels", channels))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus subscription channel closed")
			}
			b.handleMessage(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handleMessage routes one raw bus message. Malformed messages are
// logged and skipped; the pump never dies on bad input.
func (b *Bridge) handleMessage(channel string, payload []byte) {
	rule, ok := b.rules[channel]
	if !ok {
		return
	}

	var evt busEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		b.log.Warn("discarding malformed bus message",
			zap.String("channel", channel),
			zap.Error(err),
		)
		b.metrics.ErrorOccurred("bus_decode")
		return
	}
	if evt.Origin != "" && evt.Origin == b.instanceID {
		// Our own re-published event coming back around.
		return
	}

	var data any
	if len(evt.Data) > 0 {
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			b.log.Warn("discarding bus message with malformed data",
				zap.String("channel", channel),
				zap.String("type", evt.Type),
				zap.Error(err),
			)
			b.metrics.ErrorOccurred("bus_decode")
			return
		}
	}
	push := events.NewPush(evt.Type, data)

	switch rule.Kind {
	case routeBroadcast:
		b.deliverer.DeliverAll(push)
	case routeRoom:
		id, ok := extractID(evt.Data, rule.IDField)
		if !ok {
			b.log.Warn("bus message missing routing id",
				zap.String("channel", channel),
				zap.String("type", evt.Type),
				zap.String("field", rule.IDField),
			)
			return
		}
		b.deliverer.DeliverRoom(rule.RoomPrefix+":"+id, push)
	case routeUser:
		id, ok := extractID(evt.Data, rule.IDField)
		if !ok {
			b.log.Warn("bus message missing target user",
				zap.String("channel", channel),
				zap.String("type", evt.Type),
			)
			return
		}
		b.deliverer.DeliverUser(id, push)
	}
}

// Publish puts a gateway-originated event on the bus, stamped with this
// instance's id.
func (b *Bridge) Publish(ctx context.Context, channel, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding bus event data: %w", err)
	}
	evt := busEvent{
		Type:      eventType,
		Service:   "dispatch-gateway",
		Data:      raw,
		Timestamp: time.Now().UTC(),
		Origin:    b.instanceID,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding bus event: %w", err)
	}
	if err := b.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	b.record(ctx, eventType, raw)
	return nil
}

// record appends the event to its bounded history log. Best-effort: a
// history write failure never fails the publish.
func (b *Bridge) record(ctx context.Context, eventType string, data json.RawMessage) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.Record(ctx, eventType, data); err != nil {
		b.log.Warn("failed to record event history", zap.String("type", eventType), zap.Error(err))
		b.metrics.ErrorOccurred("history")
	}
}

// extractID pulls a routing id out of the event data, tolerating both
// numeric and string encodings.
func extractID(data json.RawMessage, field string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}
