package replication

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/solidb/pkg/events"
	"github.com/cuemby/solidb/pkg/health"
)

// healthMonitor actively probes peer replication ports, adding
// consecutive-failure hysteresis on top of the passive last-seen
// tracking: one missed ping does not demote a peer, and a flapping
// peer is surfaced as down exactly once.
type healthMonitor struct {
	mu       sync.RWMutex
	statuses map[string]*health.Status
	cfg      health.Config
}

// StartHealthMonitor begins TCP-probing every known peer on interval
// until the service stops. Transitions to unhealthy publish an
// EventNodeDown.
func (s *Service) StartHealthMonitor(interval time.Duration) {
	cfg := health.DefaultConfig()
	cfg.Interval = interval
	s.monitor = &healthMonitor{statuses: map[string]*health.Status{}, cfg: cfg}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.probePeers()
			}
		}
	}()
}

func (s *Service) probePeers() {
	for _, addr := range s.peers.Addresses() {
		s.monitor.mu.Lock()
		status, ok := s.monitor.statuses[addr]
		if !ok {
			status = health.NewStatus()
			s.monitor.statuses[addr] = status
		}
		s.monitor.mu.Unlock()

		wasHealthy := status.Healthy
		checker := health.NewTCPChecker(addr).WithTimeout(s.monitor.cfg.Timeout)
		ctx, cancel := context.WithTimeout(s.ctx, s.monitor.cfg.Timeout)
		result := checker.Check(ctx)
		cancel()
		status.Update(result, s.monitor.cfg)

		if wasHealthy && !status.Healthy {
			s.logger.Warn().Str("peer", addr).Str("reason", result.Message).Msg("peer probe unhealthy")
			s.publish(events.EventNodeDown, addr)
		}
	}
}

// probeHealthy reports the monitor's verdict for addr; true when the
// monitor is not running or has not judged the peer yet.
func (s *Service) probeHealthy(addr string) bool {
	if s.monitor == nil {
		return true
	}
	s.monitor.mu.RLock()
	defer s.monitor.mu.RUnlock()
	status, ok := s.monitor.statuses[addr]
	if !ok {
		return true
	}
	return status.Healthy && !status.InStartPeriod(s.monitor.cfg)
}
