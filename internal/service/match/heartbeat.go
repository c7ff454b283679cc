package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshtalk-backend/pkg/constants"
	"meshtalk-backend/pkg/logger"
)

// Connection quality levels derived from heartbeat recency
const (
	QualityExcellent = "excellent"
	QualityGood      = "good"
	QualityPoor      = "poor"
)

// ConnectionMetrics tracks per-connection liveness and traffic counters
type ConnectionMetrics struct {
	ConnectedAt    time.Time
	LastHeartbeat  time.Time
	MessageCount   int64
	HeartbeatCount int64
}

// Quality classifies the connection by the age of its last heartbeat
func (m *ConnectionMetrics) Quality(now time.Time) string {
	age := now.Sub(m.LastHeartbeat)
	switch {
	case age < constants.QualityGoodThreshold:
		return QualityExcellent
	case age < constants.QualityPoorThreshold:
		return QualityGood
	default:
		return QualityPoor
	}
}

// TrackConnection registers a new connection for liveness tracking and mirrors
// it into presence
func (s *Service) TrackConnection(ctx context.Context, connID string) {
	now := time.Now()
	s.mu.Lock()
	s.conns[connID] = &ConnectionMetrics{ConnectedAt: now, LastHeartbeat: now}
	s.mu.Unlock()

	if s.presence != nil {
		if err := s.presence.SetOnline(ctx, connID); err != nil {
			logger.Warn("Failed to mirror connection into presence", zap.String("conn_id", connID), zap.Error(err))
		}
	}
}

// RecordHeartbeat refreshes the connection's liveness stamp and returns a
// snapshot of its metrics for the acknowledgement. Returns nil for unknown
// connections.
func (s *Service) RecordHeartbeat(ctx context.Context, connID string) *ConnectionMetrics {
	s.mu.Lock()
	m, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	m.LastHeartbeat = time.Now()
	m.HeartbeatCount++
	snapshot := *m
	s.mu.Unlock()

	if s.presence != nil {
		if err := s.presence.Refresh(ctx, connID); err != nil {
			logger.Warn("Failed to refresh presence", zap.String("conn_id", connID), zap.Error(err))
		}
	}
	return &snapshot
}

// RecordTraffic counts an inbound message for the connection
func (s *Service) RecordTraffic(connID string) {
	s.mu.Lock()
	if m, ok := s.conns[connID]; ok {
		m.MessageCount++
	}
	s.mu.Unlock()
}

// StartSweeper runs the periodic stale-connection sweep until ctx is
// cancelled. Connections whose last heartbeat is older than the stale
// threshold are force-disconnected; the registry's disconnect path then runs
// the usual cleanup.
func (s *Service) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepStale(ctx)
			}
		}
	}()
}

func (s *Service) sweepStale(ctx context.Context) {
	now := time.Now()
	var stale []string

	s.mu.Lock()
	for connID, m := range s.conns {
		if now.Sub(m.LastHeartbeat) > s.staleThreshold {
			stale = append(stale, connID)
		}
	}
	s.mu.Unlock()

	for _, connID := range stale {
		logger.Info("Evicting stale connection",
			zap.String("conn_id", connID),
			zap.Duration("threshold", s.staleThreshold))
		if s.rt != nil {
			s.rt.StaleEvictions.Inc()
		}
		s.registry.Disconnect(connID)
	}

	if s.presence != nil {
		count, err := s.presence.OnlineCount(ctx)
		if err != nil {
			logger.Warn("Failed to read presence mirror size", zap.Error(err))
			return
		}
		if s.rt != nil {
			s.rt.PresenceOnline.Set(float64(count))
		}
	}
}
