// Package server carries the gateway's websocket endpoint, the inbound
// event handlers and the operational HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rapidaid/dispatch-gateway/internal/dispatch"
	"github.com/rapidaid/dispatch-gateway/internal/events"
	"github.com/rapidaid/dispatch-gateway/internal/history"
	"github.com/rapidaid/dispatch-gateway/internal/ratelimit"
	"github.com/rapidaid/dispatch-gateway/internal/registry"
	"github.com/rapidaid/dispatch-gateway/internal/session"
	"github.com/rapidaid/dispatch-gateway/internal/upstream"
	"github.com/rapidaid/dispatch-gateway/pkg/metrics"
)

// busPublisher is the bridge's publish side, narrowed for the handlers.
type busPublisher interface {
	Publish(ctx context.Context, channel, eventType string, data any) error
}

// dispatchService is the slice of the upstream client the handlers use.
type dispatchService interface {
	CreateDespacho(ctx context.Context, token string, req upstream.CreateDespachoRequest) (*upstream.Despacho, error)
	UpdateDespachoEstado(ctx context.Context, token string, id int64, estado string) (*upstream.Despacho, error)
	AddRastreo(ctx context.Context, token string, r upstream.Rastreo) (*upstream.Rastreo, error)
	GetRastreoHistoria(ctx context.Context, token string, despachoID int64) ([]upstream.Rastreo, error)
}

// historyReader serves catch-up reads from the recorded event logs.
type historyReader interface {
	Recent(ctx context.Context, eventType string, limit int64) ([]history.Entry, error)
}

// Options wires the server's collaborators and knobs.
type Options struct {
	Addr            string
	AllowedOrigins  []string
	SendBufferSize  int
	UpstreamTimeout time.Duration

	Gate       *session.Gate
	Registry   *registry.Registry
	Rooms      *registry.Rooms
	Dispatcher *dispatch.Dispatcher
	Bridge     busPublisher
	Limiter    *ratelimit.Limiter
	Upstream   dispatchService
	History    historyReader
	Redis      *goredis.Client
	Metrics    metrics.Sink
	PromReg    *prometheus.Registry
	Log        *zap.Logger
}

// Server is the gateway's HTTP and websocket front end.
type Server struct {
	addr            string
	sendBufferSize  int
	upstreamTimeout time.Duration

	gate       *session.Gate
	reg        *registry.Registry
	rooms      *registry.Rooms
	dispatcher *dispatch.Dispatcher
	bridge     busPublisher
	limiter    *ratelimit.Limiter
	upstream   dispatchService
	history    historyReader
	rdb        *goredis.Client
	metrics    metrics.Sink
	log        *zap.Logger

	upgrader     websocket.Upgrader
	handlerTable map[string]handlerFunc
	httpSrv      *http.Server
	startedAt    time.Time
}

// New builds the server and its route table.
func New(opts Options) *Server {
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.Nop{}
	}
	s := &Server{
		addr:            opts.Addr,
		sendBufferSize:  opts.SendBufferSize,
		upstreamTimeout: opts.UpstreamTimeout,
		gate:            opts.Gate,
		reg:             opts.Registry,
		rooms:           opts.Rooms,
		dispatcher:      opts.Dispatcher,
		bridge:          opts.Bridge,
		limiter:         opts.Limiter,
		upstream:        opts.Upstream,
		history:         opts.History,
		rdb:             opts.Redis,
		metrics:         sink,
		log:             opts.Log.With(zap.String("component", "server")),
		startedAt:       time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	s.handlerTable = s.handlers()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleHealthDetailed)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats/connections", s.handleConnectionStats)
	if opts.PromReg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.PromReg, promhttp.HandlerOpts{}))
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Severing the sockets lets every pump goroutine wind down.
	for _, connID := range s.reg.All() {
		s.reg.Unregister(connID)
	}
	return nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	allowAll := false
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client
		}
		_, ok := set[origin]
		return ok
	}
}

// bearerToken pulls the credential from the query string or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// handleWS authenticates, upgrades and runs one connection for its whole
// life.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	identity, err := s.gate.Authenticate(r.Context(), token)
	if err != nil {
		s.metrics.ErrorOccurred("auth")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(uuid.NewString(), conn, s.sendBufferSize)
	if err := s.reg.Register(client, r.RemoteAddr); err != nil {
		conn.Close()
		return
	}
	if err := s.reg.Authenticate(client.id, identity); err != nil {
		s.reg.Unregister(client.id)
		return
	}
	s.log.Info("client connected",
		zap.String("conn_id", client.id),
		zap.String("user_id", identity.UserID),
		zap.String("role", identity.Role),
	)

	st := &connState{connID: client.id, identity: identity, token: token}

	go client.writePump(s.log)
	s.readPump(client, st)
}

// readPump owns the socket's read side. It returns when the peer goes
// away, taking the connection out of the registry on the way out.
func (s *Server) readPump(client *wsClient, st *connState) {
	// Cancelling here aborts any in-flight upstream call the connection
	// started.
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.reg.Unregister(client.id)
		s.log.Info("client disconnected", zap.String("conn_id", client.id), zap.String("user_id", st.identity.UserID))
	}()

	client.conn.SetReadLimit(readLimit)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	welcome, _ := json.Marshal(events.NewPush("connected", map[string]string{
		"connectionId": st.connID,
		"userId":       st.identity.UserID,
	}))
	client.Send(welcome)

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read error", zap.String("conn_id", client.id), zap.Error(err))
			}
			return
		}

		var in events.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			s.reply(client, "", nil, events.NewError(events.CodeValidation, "malformed event envelope"))
			continue
		}

		result, errBody := s.dispatchEvent(ctx, st, in)
		s.reply(client, in.AckID, result, errBody)
	}
}

// reply sends the outcome of one inbound event back to its originator.
// With an ack id the reply is an ack envelope; without one only errors
// are pushed.
func (s *Server) reply(client *wsClient, ackID string, result any, errBody *events.Error) {
	var msg any
	switch {
	case ackID != "":
		msg = events.Ack{AckID: ackID, Result: result, Error: errBody}
	case errBody != nil:
		msg = events.NewPush("error", errBody)
	default:
		return
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("failed to encode reply", zap.Error(err))
		return
	}
	if err := client.Send(raw); err != nil {
		s.log.Debug("failed to deliver reply", zap.String("conn_id", client.id), zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	redisStatus := "ok"
	status := http.StatusOK
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		redisStatus = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      statusWord(status),
		"redis":       redisStatus,
		"connections": s.reg.Count(),
		"rooms":       s.rooms.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "dispatch-gateway",
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleConnectionStats(w http.ResponseWriter, _ *http.Request) {
	recs := s.reg.Records()
	perUser := make(map[string]int, len(recs))
	for _, rec := range recs {
		if rec.UserID != "" {
			perUser[rec.UserID]++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(recs),
		"byUser":  perUser,
		"records": recs,
	})
}

func statusWord(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
