// Package match implements the anonymous matchmaking engine: waiting pool,
// bidirectional match map, rate limiting and heartbeat-based eviction.
package match

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshtalk-backend/pkg/config"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// Registry is the view of the connection registry needed for pairing
type Registry interface {
	IsConnected(connID string) bool
	Disconnect(connID string)
}

// PairingRecorder persists pairing records. Calls are best-effort and never
// block the pairing hot path.
type PairingRecorder interface {
	Create(ctx context.Context, connA, connB string) error
}

// Presence mirrors connection liveness into the fast store, best-effort
type Presence interface {
	SetOnline(ctx context.Context, connID string) error
	Refresh(ctx context.Context, connID string) error
	SetOffline(ctx context.Context, connID string) error
	OnlineCount(ctx context.Context) (int64, error)
}

// Outcome classifies the result of a match request
type Outcome string

const (
	OutcomeMatched        Outcome = "matched"
	OutcomeWaiting        Outcome = "waiting"
	OutcomeRateLimited    Outcome = "rate-limited"
	OutcomeAlreadyMatched Outcome = "already-in-match"
	OutcomeAlreadyQueued  Outcome = "already-in-queue"
)

// Roles assigned on pairing. Exactly one side drives WebRTC offer creation.
const (
	RoleInitiator = "initiator"
	RoleReceiver  = "receiver"
)

// Reasons reported to the surviving partner when a match ends
const (
	ReasonPartnerLeft         = "partner_left"
	ReasonPartnerDisconnected = "partner_disconnected"
)

// Result describes the outcome of a match request
type Result struct {
	Outcome   Outcome
	PartnerID string // set when matched
	Role      string // set when matched; the popped partner gets the other role
	Position  int    // 1-based queue position when waiting
}

// Service owns the matchmaking state. All maps are mutated only under mu and
// never across a store suspension point.
type Service struct {
	mu          sync.Mutex
	pool        []string
	inPool      map[string]bool
	matches     map[string]string
	lastRequest map[string]time.Time
	conns       map[string]*ConnectionMetrics

	cooldown          time.Duration
	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	registry Registry
	recorder PairingRecorder // may be nil in limited mode
	presence Presence        // may be nil in limited mode
	rt       *metrics.Realtime
}

// NewService creates a matchmaking service. recorder, presence and rt may be
// nil; the engine then runs without durable records, presence mirroring or
// metrics.
func NewService(cfg *config.RealtimeConfig, registry Registry, recorder PairingRecorder, presence Presence, rt *metrics.Realtime) *Service {
	return &Service{
		inPool:            make(map[string]bool),
		matches:           make(map[string]string),
		lastRequest:       make(map[string]time.Time),
		conns:             make(map[string]*ConnectionMetrics),
		cooldown:          cfg.MatchCooldown,
		heartbeatInterval: cfg.HeartbeatInterval,
		staleThreshold:    cfg.StaleThreshold,
		registry:          registry,
		recorder:          recorder,
		presence:          presence,
		rt:                rt,
	}
}

// RequestMatch attempts to pair the connection with a waiting partner.
// Stale pool entries encountered on the way are discarded; the loop is
// bounded by the pool length, so a fully-stale pool terminates with the
// requester enqueued.
func (s *Service) RequestMatch(ctx context.Context, connID string) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[connID]; ok {
		s.countRejected("already_matched")
		return &Result{Outcome: OutcomeAlreadyMatched}
	}
	if s.inPool[connID] {
		s.countRejected("already_queued")
		return &Result{Outcome: OutcomeAlreadyQueued}
	}
	if last, ok := s.lastRequest[connID]; ok && time.Since(last) < s.cooldown {
		s.countRejected("rate_limited")
		return &Result{Outcome: OutcomeRateLimited}
	}
	s.lastRequest[connID] = time.Now()

	for len(s.pool) > 0 {
		partner := s.pool[0]
		s.pool = s.pool[1:]
		delete(s.inPool, partner)

		if !s.registry.IsConnected(partner) {
			if s.rt != nil {
				s.rt.StalePartners.Inc()
			}
			logger.Debug("Discarded stale waiting pool entry", zap.String("conn_id", partner))
			continue
		}

		s.matches[connID] = partner
		s.matches[partner] = connID
		s.setPoolGauge()
		if s.rt != nil {
			s.rt.MatchesTotal.Inc()
		}
		s.recordPairing(ctx, connID, partner)

		return &Result{Outcome: OutcomeMatched, PartnerID: partner, Role: RoleInitiator}
	}

	s.pool = append(s.pool, connID)
	s.inPool[connID] = true
	s.setPoolGauge()
	return &Result{Outcome: OutcomeWaiting, Position: len(s.pool)}
}

// LeavePool removes the connection from the waiting pool and, if it holds a
// match, dissolves it. Returns the abandoned partner, if any, so the caller
// can notify it. Idempotent.
func (s *Service) LeavePool(connID string) (partner string, matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeFromPoolLocked(connID)
	return s.dissolveMatchLocked(connID)
}

// HandleDisconnect clears all matchmaking state for the connection: pool
// entry, match, rate-limit stamp, metrics and presence mirror. Returns the
// abandoned partner, if any.
func (s *Service) HandleDisconnect(ctx context.Context, connID string) (partner string, matched bool) {
	s.mu.Lock()
	s.removeFromPoolLocked(connID)
	partner, matched = s.dissolveMatchLocked(connID)
	delete(s.lastRequest, connID)
	delete(s.conns, connID)
	s.mu.Unlock()

	if s.presence != nil {
		if err := s.presence.SetOffline(ctx, connID); err != nil {
			logger.Warn("Failed to clear presence mirror", zap.String("conn_id", connID), zap.Error(err))
		}
	}
	return partner, matched
}

// PartnerOf returns the current match partner for signaling relay
func (s *Service) PartnerOf(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	partner, ok := s.matches[connID]
	return partner, ok
}

// PoolSize returns the current waiting pool depth
func (s *Service) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}

func (s *Service) removeFromPoolLocked(connID string) {
	if !s.inPool[connID] {
		return
	}
	delete(s.inPool, connID)
	for i, id := range s.pool {
		if id == connID {
			s.pool = append(s.pool[:i], s.pool[i+1:]...)
			break
		}
	}
	s.setPoolGauge()
}

func (s *Service) dissolveMatchLocked(connID string) (string, bool) {
	partner, ok := s.matches[connID]
	if !ok {
		return "", false
	}
	delete(s.matches, connID)
	delete(s.matches, partner)
	return partner, true
}

// recordPairing persists the pairing record without holding up the match.
// Failures are logged and swallowed.
func (s *Service) recordPairing(ctx context.Context, connA, connB string) {
	if s.recorder == nil {
		return
	}
	go func() {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.recorder.Create(recordCtx, connA, connB); err != nil {
			logger.Warn("Best-effort pairing record failed",
				zap.String("conn_a", connA),
				zap.String("conn_b", connB),
				zap.Error(err))
		}
	}()
}

func (s *Service) setPoolGauge() {
	if s.rt != nil {
		s.rt.WaitingPoolSize.Set(float64(len(s.pool)))
	}
}

func (s *Service) countRejected(reason string) {
	if s.rt != nil {
		s.rt.MatchesRejected.WithLabelValues(reason).Inc()
	}
}
