package server

import (
	"context"
	"time"
)

// sweepLoop runs the liveness monitor: on every tick it evicts sessions
// whose heartbeat went stale. Eviction is a policy, not a correctness
// mechanism; routing always consults the registry at delivery time.
func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts every stale session and announces all departures in one
// roster broadcast, so a mass expiry does not fan out one broadcast per
// evicted user.
func (s *Server) sweep() {
	evicted := s.registry.EvictStale(s.config.PingTimeout)
	if len(evicted) == 0 {
		return
	}
	s.log.Info().Strs("users", evicted).Msg("evicted inactive sessions")
	s.broadcastRoster()
}
