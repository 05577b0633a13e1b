package state

import (
	"context"
	"time"

	"github.com/go-go-golems/cardstream/pkg/metrics"
	"github.com/rs/zerolog/log"
)

func (s *Store) SetEvictionConfig(idle, interval time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.evictIdle = idle
	s.evictInterval = interval
	s.mu.Unlock()
}

// StartEvictionLoop drops card states that have not been touched for the
// configured idle duration. Snapshots are kept, so an evicted card is
// rehydrated on its next event.
func (s *Store) StartEvictionLoop(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		panic("state: StartEvictionLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.evictRunning {
		s.mu.Unlock()
		return
	}
	idle := s.evictIdle
	interval := s.evictInterval
	if idle <= 0 || interval <= 0 {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	s.mu.Unlock()

	go s.runEvictionLoop(ctx, interval)
}

func (s *Store) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.evictRunning = false
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			s.evictIdleOnce(now)
		}
	}
}

func (s *Store) evictIdleOnce(now time.Time) int {
	if s == nil {
		return 0
	}
	if now.IsZero() {
		now = s.now()
	}

	s.mu.Lock()
	idle := s.evictIdle
	if idle <= 0 {
		s.mu.Unlock()
		return 0
	}
	var evicted []string
	for id, e := range s.entries {
		// refs == 0 means nobody holds or waits for the card lock.
		if e.refs > 0 || !e.live {
			continue
		}
		if e.lastActive.IsZero() || now.Sub(e.lastActive) < idle {
			continue
		}
		delete(s.entries, id)
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	if len(evicted) == 0 {
		return 0
	}
	metrics.RecordEviction("idle", len(evicted))
	log.Debug().Str("component", "card_state").Int("evicted", len(evicted)).Msg("idle card states evicted")
	if s.snapshots != nil {
		return len(evicted)
	}
	for _, id := range evicted {
		s.notifyEvicted(id)
	}
	return len(evicted)
}
