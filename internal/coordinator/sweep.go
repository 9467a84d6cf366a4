package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
)

const defaultSweepInterval = time.Second

// Sweep runs the background enforcement loop until ctx ends: expired question
// deadlines are closed and idle sessions finished. Sweeps are best-effort;
// the interval bounds worst-case lateness, and the store's compare-and-set
// makes concurrent sweeps from several processes safe.
func (s *Service) Sweep(ctx context.Context) {
	interval := s.sweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	sessions, err := s.store.Sessions(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "coordinator: sweep list sessions failed", "error", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, id := range sessions {
		ss, err := s.store.GetSession(ctx, id)
		if errors.IsCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			slog.ErrorContext(ctx, "coordinator: sweep get session failed", "session", id, "error", err)
			continue
		}

		if ss.Status == domain.StatusQuestionOpen && ss.QuestionDeadline > 0 && now >= ss.QuestionDeadline {
			if err := s.CloseQuestion(ctx, id, ""); err != nil && !errors.IsCode(err, errors.CodeFailedPrecondition) {
				slog.ErrorContext(ctx, "coordinator: sweep close question failed", "session", id, "error", err)
			}
			continue
		}

		if ss.Status != domain.StatusFinished && now-ss.LastActivity >= s.idleExpiry.Milliseconds() {
			members, err := s.store.ListMemberships(ctx, id)
			if err != nil {
				slog.ErrorContext(ctx, "coordinator: sweep list members failed", "session", id, "error", err)
				continue
			}
			if len(members) > 0 {
				continue
			}

			slog.InfoContext(ctx, "coordinator: session idle-expired", "session", id)
			if err := s.Finish(ctx, id, "", "idle-expiry"); err != nil && !errors.IsCode(err, errors.CodeFailedPrecondition) {
				slog.ErrorContext(ctx, "coordinator: sweep finish failed", "session", id, "error", err)
			}
		}
	}
}
