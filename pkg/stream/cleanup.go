package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (s *Service) SetCleanupConfig(grace, interval time.Duration) {
	s.mu.Lock()
	if grace > 0 {
		s.grace = grace
	}
	if interval > 0 {
		s.interval = interval
	}
	s.mu.Unlock()
}

// StartCleanupLoop periodically drops finished streams older than the grace
// period. It returns immediately; the loop stops with ctx.
func (s *Service) StartCleanupLoop(ctx context.Context) {
	if ctx == nil {
		panic("stream: StartCleanupLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.cleaning || s.closed {
		s.mu.Unlock()
		return
	}
	interval := s.interval
	s.cleaning = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runCleanupLoop(ctx, interval)
}

func (s *Service) runCleanupLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
		case <-s.baseCtx.Done():
		case <-ticker.C:
			s.mu.Lock()
			grace := s.grace
			s.mu.Unlock()
			if n := s.cleanupOnce(s.now(), grace); n > 0 {
				log.Debug().Str("component", "stream").Int("removed", n).Msg("cleaned up finished streams")
			}
			continue
		}
		s.mu.Lock()
		s.cleaning = false
		s.mu.Unlock()
		return
	}
}

// Cleanup removes finished streams whose FinishedAt is at least maxAge in the
// past and returns how many were removed. Active streams are never removed.
func (s *Service) Cleanup(maxAge time.Duration) int {
	return s.cleanupOnce(s.now(), maxAge)
}

func (s *Service) cleanupOnce(now time.Time, maxAge time.Duration) int {
	removed := 0
	for _, r := range s.records() {
		r.mu.Lock()
		done := r.statusLocked().IsTerminal()
		finished := r.finishedAt
		convID := r.convID
		r.mu.Unlock()
		if !done || now.Sub(finished) < maxAge {
			continue
		}

		s.mu.Lock()
		current, ok := s.streams[r.id]
		if !ok || current != r {
			s.mu.Unlock()
			continue
		}
		delete(s.streams, r.id)
		if convID != "" && s.byConv[convID] == r.id {
			delete(s.byConv, convID)
		}
		s.order = removeID(s.order, r.id)
		s.mu.Unlock()
		removed++
	}
	return removed
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
