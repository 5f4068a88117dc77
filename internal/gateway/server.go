// Package gateway is the realtime push channel and HTTP API in front of
// the position registry.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/rangeguard/internal/auth"
	"github.com/rovshanmuradov/rangeguard/internal/domain"
	"github.com/rovshanmuradov/rangeguard/internal/events"
	"github.com/rovshanmuradov/rangeguard/internal/monitor"
	"github.com/rovshanmuradov/rangeguard/internal/neynar"
	"github.com/rovshanmuradov/rangeguard/internal/observability"
	"github.com/rovshanmuradov/rangeguard/internal/zapper"
)

// Registry is the part of monitor.Registry the gateway drives.
type Registry interface {
	AddPosition(position domain.Position)
	RemovePosition(positionID string)
	GetAllPositions() []domain.Position
	GetOutOfRangePositions() []domain.Position
	GetPosition(positionID string) (domain.Position, bool)
	Stats() monitor.Stats
}

// Notifier is the part of notify.Dispatcher the gateway drives.
type Notifier interface {
	HandlePositionStatusChange(change domain.PositionStatusChange, userID string, fid int64) (domain.Notification, bool)
	GetAllNotifications() []domain.Notification
	GetNotifications(status domain.NotificationStatus) []domain.Notification
}

// WalletResolver looks up a user's verified addresses.
type WalletResolver interface {
	UserWallets(ctx context.Context, fid int64) (neynar.Wallets, error)
}

// PortfolioFetcher loads liquidity positions for a set of addresses.
type PortfolioFetcher interface {
	FetchPositions(ctx context.Context, addresses []string) (zapper.Portfolio, error)
}

// EventSource is where the gateway listens for registry and delivery events.
type EventSource interface {
	Subscribe(eventType events.EventType, handler events.Handler) events.Subscription
}

type Config struct {
	AllowedOrigins      []string
	OwnerOnlyEvents     bool
	ReleaseOnDisconnect bool
	SendBuffer          int

	Wallets   WalletResolver
	Portfolio PortfolioFetcher

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type Server struct {
	registry Registry
	notifier Notifier
	verifier *auth.Verifier
	config   Config
	logger   *zap.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	router   *mux.Router

	// replaceMu serialises ownership changes together with their registry calls.
	replaceMu sync.Mutex

	mu        sync.RWMutex
	conns     map[string]*conn
	owned     map[int64]map[string]struct{} // fid -> position ids
	owners    map[string]map[int64]struct{} // position id -> fids
	usernames map[int64]string
	subs      []events.Subscription
}

func NewServer(registry Registry, notifier Notifier, verifier *auth.Verifier, source EventSource, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	s := &Server{
		registry:  registry,
		notifier:  notifier,
		verifier:  verifier,
		config:    cfg,
		logger:    cfg.Logger.Named("gateway"),
		metrics:   cfg.Metrics,
		conns:     make(map[string]*conn),
		owned:     make(map[int64]map[string]struct{}),
		owners:    make(map[string]map[int64]struct{}),
		usernames: make(map[int64]string),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	if source != nil {
		s.subs = append(s.subs,
			source.Subscribe(events.PositionStatusChanged, events.HandlerFunc(s.handleStatusChange)),
			source.Subscribe(events.NotificationSent, events.HandlerFunc(s.handleNotification)),
			source.Subscribe(events.NotificationFailed, events.HandlerFunc(s.handleNotification)),
		)
	}

	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving /ws and the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close drops every connection and detaches from the event source.
func (s *Server) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	for _, c := range conns {
		c.close()
	}
}

// ConnectionCount returns the number of live websocket clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// PositionIDs returns the ids registered by fid, sorted.
func (s *Server) PositionIDs(fid int64) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.owned[fid])
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		s.metrics.AuthFailures.Inc()
		s.logger.Info("Rejected connection", zap.String("remote", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, errors.New("authentication error"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.NewString()
	c := newConn(id, session, ws, s.config.SendBuffer,
		s.logger.With(zap.String("conn_id", id), zap.Int64("fid", session.FID)))

	s.mu.Lock()
	s.conns[c.id] = c
	s.usernames[session.FID] = session.Username
	s.mu.Unlock()
	s.metrics.ConnectedClients.Inc()
	c.logger.Info("Client connected", zap.String("username", session.Username))

	go c.writePump()
	err = c.readPump(func(data []byte) { s.handleMessage(c, data) })
	s.disconnect(c, err)
}

func (s *Server) disconnect(c *conn, reason error) {
	c.close()

	s.mu.Lock()
	delete(s.conns, c.id)
	last := true
	for _, other := range s.conns {
		if other.session.FID == c.session.FID {
			last = false
			break
		}
	}
	s.mu.Unlock()
	s.metrics.ConnectedClients.Dec()

	if websocket.IsUnexpectedCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("Client disconnected", zap.Error(reason))
	} else {
		c.logger.Info("Client disconnected")
	}

	if s.config.ReleaseOnDisconnect && last {
		released := s.replacePositions(c.session.FID, nil)
		c.logger.Info("Released positions", zap.Int("count", released))
	}
}

func (s *Server) handleMessage(c *conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(c, "malformed message")
		return
	}

	switch env.Type {
	case TypeRegisterPositions:
		var req RegisterPositionsRequest
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &req) != nil {
			s.sendError(c, "malformed registerPositions payload")
			return
		}
		for _, p := range req.Positions {
			if p.ID == "" || p.PoolAddress == "" {
				s.sendError(c, "every position needs an id and a poolAddress")
				return
			}
		}
		s.replacePositions(c.session.FID, req.Positions)
		c.logger.Info("Registered positions", zap.Int("count", len(req.Positions)))
		s.sendTo(c, TypePositionsRegistered, PositionsRegistered{Success: true, Count: len(req.Positions)})

	case TypeGetPositionUpdates:
		s.sendTo(c, TypePositionUpdatesList, PositionUpdatesList{Positions: s.positionsFor(c.session.FID)})

	default:
		s.sendError(c, "unknown message type "+strconv.Quote(env.Type))
	}
}

// replacePositions makes positions the full set owned by fid and returns
// how many ids fid held before. Registry calls happen outside s.mu: a
// registry Stop can wait on a check pass that is publishing back into us.
// They stay under replaceMu so a concurrent register cannot re-own an id
// between its orphaning and its removal.
func (s *Server) replacePositions(fid int64, positions []domain.Position) int {
	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()

	next := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		next[p.ID] = struct{}{}
	}

	s.mu.Lock()
	prev := s.owned[fid]
	var orphaned []string
	for id := range prev {
		if _, keep := next[id]; keep {
			continue
		}
		delete(s.owners[id], fid)
		if len(s.owners[id]) == 0 {
			delete(s.owners, id)
			orphaned = append(orphaned, id)
		}
	}
	for id := range next {
		if s.owners[id] == nil {
			s.owners[id] = make(map[int64]struct{})
		}
		s.owners[id][fid] = struct{}{}
	}
	if len(next) == 0 {
		delete(s.owned, fid)
	} else {
		s.owned[fid] = next
	}
	s.mu.Unlock()

	for _, p := range positions {
		s.registry.AddPosition(p)
	}
	sort.Strings(orphaned)
	for _, id := range orphaned {
		s.registry.RemovePosition(id)
	}
	return len(prev)
}

// positionsFor returns fid's positions as the registry currently sees them.
func (s *Server) positionsFor(fid int64) []domain.Position {
	ids := s.PositionIDs(fid)
	positions := make([]domain.Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.registry.GetPosition(id); ok {
			positions = append(positions, p)
		}
	}
	return positions
}

func (s *Server) handleStatusChange(_ context.Context, e events.Event) error {
	ev, ok := e.(events.StatusChangedEvent)
	if !ok {
		return nil
	}
	change := ev.Change

	s.mu.RLock()
	owners := sortedFIDs(s.owners[change.Position.ID])
	names := make(map[int64]string, len(owners))
	for _, fid := range owners {
		names[fid] = s.usernames[fid]
	}
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if s.config.OwnerOnlyEvents {
			if _, owns := s.owners[change.Position.ID][c.session.FID]; !owns {
				continue
			}
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, fid := range owners {
		userID := names[fid]
		if userID == "" {
			userID = strconv.FormatInt(fid, 10)
		}
		s.notifier.HandlePositionStatusChange(change, userID, fid)
	}

	s.broadcast(targets, TypePositionStatusChange, change)
	return nil
}

func (s *Server) handleNotification(_ context.Context, e events.Event) error {
	ev, ok := e.(events.NotificationEvent)
	if !ok {
		return nil
	}
	typ := TypeNotificationSent
	if ev.Type() == events.NotificationFailed {
		typ = TypeNotificationFailed
	}

	s.mu.RLock()
	var targets []*conn
	for _, c := range s.conns {
		if c.session.FID == ev.Notification.FID {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	s.broadcast(targets, typ, ev.Notification)
	return nil
}

func (s *Server) broadcast(targets []*conn, typ string, data interface{}) {
	if len(targets) == 0 {
		return
	}
	frame, err := encodeEnvelope(typ, data)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	for _, c := range targets {
		s.push(c, typ, frame)
	}
}

func (s *Server) sendTo(c *conn, typ string, data interface{}) {
	frame, err := encodeEnvelope(typ, data)
	if err != nil {
		s.logger.Error("Failed to encode message", zap.Error(err))
		return
	}
	s.push(c, typ, frame)
}

func (s *Server) sendError(c *conn, message string) {
	s.sendTo(c, TypeError, ErrorMessage{Message: message})
}

// push drops the connection when its queue is full.
func (s *Server) push(c *conn, typ string, frame []byte) {
	if c.enqueue(frame) {
		s.metrics.MessagesSent.WithLabelValues(typ).Inc()
		return
	}
	if c.closed() {
		return
	}
	c.logger.Warn("Send queue full, dropping client", zap.String("type", typ))
	c.close()
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedFIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for fid := range set {
		out = append(out, fid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
