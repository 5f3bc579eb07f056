package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/bridge"
	"github.com/rapidaid/dispatch-gateway/internal/events"
	"github.com/rapidaid/dispatch-gateway/internal/session"
	"github.com/rapidaid/dispatch-gateway/internal/upstream"
)

// connState is the per-connection context handlers run against: the
// identity snapshot taken at authentication time and the bearer token
// forwarded on upstream calls.
type connState struct {
	connID   string
	identity session.Identity
	token    string
}

// handlerFunc processes one inbound event and returns an ack result or a
// typed error. Exactly one of the two is non-nil.
type handlerFunc func(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error)

// handlers is the closed set of event types the gateway accepts.
func (s *Server) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping":                     s.handlePing,
		"user:status":              s.handleUserStatus,
		"dispatch:subscribe":       s.handleDispatchSubscribe,
		"dispatch:unsubscribe":     s.handleDispatchUnsubscribe,
		"dispatch:create":          s.handleDispatchCreate,
		"dispatch:status-update":   s.handleDispatchStatusUpdate,
		"dispatch:location-update": s.handleLocationUpdate,
		"ambulancia:subscribe":     s.handleAmbulanciaSubscribe,
		"ambulancia:unsubscribe":   s.handleAmbulanciaUnsubscribe,
		"dispatch:history":         s.handleDispatchHistory,
		"events:history":           s.handleEventHistory,
	}
}

// dispatchEvent routes one inbound envelope: rate limit, handler lookup,
// execution. Failures come back as typed errors for the ack path; they
// never touch any other connection.
func (s *Server) dispatchEvent(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	h, ok := s.handlerTable[in.Type]
	if !ok {
		return nil, events.NewError(events.CodeUnknownEvent, fmt.Sprintf("unknown event type %q", in.Type))
	}

	decision := s.limiter.Allow(ctx, st.identity.UserID, in.Type)
	if !decision.Allowed {
		errBody := events.NewError(events.CodeRateLimit, "rate limit exceeded for "+in.Type)
		errBody.RetryAfter = int64(decision.RetryAfter.Seconds())
		s.metrics.ErrorOccurred("rate_limit")
		return nil, errBody
	}

	return h(ctx, st, in)
}

func (s *Server) handlePing(_ context.Context, _ *connState, _ events.Inbound) (any, *events.Error) {
	return map[string]string{"status": "pong"}, nil
}

func (s *Server) handleUserStatus(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.UserStatus
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}

	data := map[string]any{
		"user_id": st.identity.UserID,
		"status":  p.Status,
	}
	s.dispatcher.BroadcastAll(events.NewPush("user:status-changed", data))
	if err := s.bridge.Publish(ctx, bridge.ChannelDespachos, "user:status-changed", data); err != nil {
		s.log.Warn("failed to publish status change", zap.Error(err))
	}
	return map[string]bool{"updated": true}, nil
}

func (s *Server) handleDispatchSubscribe(_ context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.DispatchSubscribe
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}
	room := dispatchRoom(p.DespachoID)
	s.rooms.Join(room, st.connID)
	s.log.Debug("joined room", zap.String("conn_id", st.connID), zap.String("room", room))
	return map[string]any{"subscribed": true, "room": room}, nil
}

func (s *Server) handleDispatchUnsubscribe(_ context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.DispatchSubscribe
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}
	room := dispatchRoom(p.DespachoID)
	s.rooms.Leave(room, st.connID)
	return map[string]any{"subscribed": false, "room": room}, nil
}

func (s *Server) handleDispatchCreate(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	if !st.identity.HasRole("admin", "operador") && !st.identity.HasPermission("crear_despacho") {
		return nil, events.NewError(events.CodeAuthorization, "not allowed to create dispatches")
	}

	var p events.DispatchCreate
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}

	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	despacho, err := s.upstream.CreateDespacho(ctx, st.token, upstream.CreateDespachoRequest{
		UbicacionLat:  p.OrigenLat,
		UbicacionLng:  p.OrigenLng,
		TipoIncidente: p.Incidente,
		Prioridad:     p.Prioridad,
		Descripcion:   p.Descripcion,
	})
	if err != nil {
		return nil, s.upstreamError("creating dispatch", err)
	}

	s.dispatcher.BroadcastAll(events.NewPush("despacho:nuevo", despacho))
	if err := s.bridge.Publish(ctx, bridge.ChannelDespachos, "despacho:nuevo", despacho); err != nil {
		s.log.Warn("failed to publish new dispatch", zap.Error(err))
	}
	return despacho, nil
}

func (s *Server) handleDispatchStatusUpdate(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.DispatchStatusUpdate
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}

	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	despacho, err := s.upstream.UpdateDespachoEstado(ctx, st.token, p.DespachoID, p.Estado)
	if err != nil {
		return nil, s.upstreamError("updating dispatch state", err)
	}

	data := map[string]any{
		"despacho_id": p.DespachoID,
		"estado":      p.Estado,
		"despacho":    despacho,
	}
	s.dispatcher.SendToRoom(dispatchRoom(p.DespachoID), events.NewPush("dispatch:status-changed", data))
	if err := s.bridge.Publish(ctx, bridge.ChannelDispatches, "dispatch:status-changed", data); err != nil {
		s.log.Warn("failed to publish status update", zap.Error(err))
	}
	return despacho, nil
}

func (s *Server) handleLocationUpdate(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.LocationUpdate
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}

	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	rastreo, err := s.upstream.AddRastreo(ctx, st.token, upstream.Rastreo{
		DespachoID: p.DespachoID,
		Latitud:    p.Latitud,
		Longitud:   p.Longitud,
		Velocidad:  p.Velocidad,
		Altitud:    p.Altitud,
		Precision:  p.Precision,
	})
	if err != nil {
		return nil, s.upstreamError("recording position", err)
	}

	s.dispatcher.SendToRoom(dispatchRoom(p.DespachoID), events.NewPush("dispatch:location", rastreo))
	if err := s.bridge.Publish(ctx, bridge.ChannelDispatches, "dispatch:location", rastreo); err != nil {
		s.log.Warn("failed to publish position", zap.Error(err))
	}
	return rastreo, nil
}

func (s *Server) handleAmbulanciaSubscribe(_ context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.AmbulanciaSubscribe
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}
	room := ambulanciaRoom(p.AmbulanciaID)
	s.rooms.Join(room, st.connID)
	return map[string]any{"subscribed": true, "room": room}, nil
}

func (s *Server) handleAmbulanciaUnsubscribe(_ context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.AmbulanciaSubscribe
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}
	room := ambulanciaRoom(p.AmbulanciaID)
	s.rooms.Leave(room, st.connID)
	return map[string]any{"subscribed": false, "room": room}, nil
}

// handleDispatchHistory returns the tracked path of one dispatch, for
// clients catching up after a reconnect.
func (s *Server) handleDispatchHistory(ctx context.Context, st *connState, in events.Inbound) (any, *events.Error) {
	var p events.DispatchSubscribe
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}

	ctx, cancel := context.WithTimeout(ctx, s.upstreamTimeout)
	defer cancel()
	rastreos, err := s.upstream.GetRastreoHistoria(ctx, st.token, p.DespachoID)
	if err != nil {
		return nil, s.upstreamError("fetching tracking history", err)
	}
	return map[string]any{"despachoId": p.DespachoID, "rastreos": rastreos}, nil
}

// handleEventHistory replays recently published events of one type from
// the bounded history log.
func (s *Server) handleEventHistory(ctx context.Context, _ *connState, in events.Inbound) (any, *events.Error) {
	if s.history == nil {
		return nil, events.NewError(events.CodeUpstream, "event history is disabled")
	}

	var p events.EventHistoryRequest
	if errBody := events.Parse(in.Payload, &p); errBody != nil {
		return nil, errBody
	}
	limit := p.Limit
	if limit == 0 {
		limit = 50
	}

	entries, err := s.history.Recent(ctx, p.EventType, limit)
	if err != nil {
		s.metrics.ErrorOccurred("history")
		s.log.Warn("failed to read event history", zap.String("type", p.EventType), zap.Error(err))
		return nil, events.NewError(events.CodeUpstream, "event history unavailable")
	}
	return map[string]any{"eventType": p.EventType, "events": entries}, nil
}

// upstreamError maps a dispatch service failure onto the client-facing
// taxonomy, keeping internal detail in the logs.
func (s *Server) upstreamError(op string, err error) *events.Error {
	s.metrics.ErrorOccurred("upstream")
	s.log.Warn("upstream call failed", zap.String("op", op), zap.Error(err))

	var remote *upstream.RemoteError
	if errors.As(err, &remote) {
		return events.NewError(events.CodeUpstream, remote.Message)
	}
	return events.NewError(events.CodeUpstream, "dispatch service unavailable")
}

func dispatchRoom(id int64) string   { return "dispatch:" + strconv.FormatInt(id, 10) }
func ambulanciaRoom(id int64) string { return "ambulancia:" + strconv.FormatInt(id, 10) }
