package confirm

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	statex "github.com/jirayu/concierge/agent/state"
)

// Sweeper is the background loop that expires plans whose confirmation
// TTL elapsed with no response. It relies on optimistic store versions:
// a conflicting concurrent write just defers the session to the next
// pass.
type Sweeper struct {
	store       statex.Store
	coordinator *Coordinator
	interval    time.Duration
	now         func() time.Time
}

func NewSweeper(store statex.Store, coordinator *Coordinator) *Sweeper {
	return &Sweeper{
		store:       store,
		coordinator: coordinator,
		interval:    coordinator.cfg.SweepInterval,
		now:         time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping at the configured
// interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass and returns how many plans it expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ids, err := s.store.PendingSessions(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("expiry sweep could not list pending sessions")
		return 0
	}

	expired := 0
	for _, id := range ids {
		sess, err := s.store.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, statex.ErrStateNotFound) {
				log.Warn().Err(err).Str("session_id", id).Msg("expiry sweep load failed")
			}
			continue
		}
		if !s.coordinator.Expire(ctx, sess, s.now()) {
			continue
		}
		if err := s.store.Save(ctx, sess); err != nil {
			if errors.Is(err, statex.ErrVersionConflict) {
				// A live request beat us to the session; it will either
				// resolve the plan or the next pass will expire it.
				continue
			}
			log.Warn().Err(err).Str("session_id", id).Msg("expiry sweep save failed")
			continue
		}
		expired++
	}
	if expired > 0 {
		log.Info().Int("expired", expired).Msg("expiry sweep completed")
	}

	s.reapIdle()
	return expired
}

// idleReaper is implemented by stores without native key expiry; the
// Redis store relies on its per-key TTL instead.
type idleReaper interface {
	ReapIdle(now time.Time, ttl time.Duration) []string
}

func (s *Sweeper) reapIdle() {
	r, ok := s.store.(idleReaper)
	if !ok {
		return
	}
	if reaped := r.ReapIdle(s.now(), s.coordinator.cfg.IdleTTL); len(reaped) > 0 {
		log.Info().Int("reaped", len(reaped)).Msg("idle sessions reaped")
	}
}
