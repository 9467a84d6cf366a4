package leaderboard

import (
	"context"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/errors"
	"github.com/victornm/quizhub/internal/store"
)

// Scores is the persisted fallback for sessions whose live score set has
// already been dropped from the state store.
type Scores interface {
	ListScores(ctx context.Context, sessionID string) ([]domain.Score, error)
}

type Config struct {
	Store  *store.Store
	Scores Scores
}

// Service answers leaderboard queries. The live score set in the state store
// is authoritative while a session runs; once the finished session's keys
// expire, the persisted scores serve the same query.
type Service struct {
	store  *store.Store
	scores Scores
}

func NewService(c Config) *Service {
	return &Service{
		store:  c.Store,
		scores: c.Scores,
	}
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns all users of a session with their total scores, best
// first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	entries, err := s.store.TotalScores(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		entries, err = s.archived(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	return &domain.Leaderboard{
		SessionID: req.SessionID,
		Entries:   entries,
	}, nil
}

func (s *Service) archived(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	if s.scores == nil {
		return nil, nil
	}

	scores, err := s.scores.ListScores(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LeaderboardEntry, 0, len(scores))
	for _, sc := range scores {
		entries = append(entries, domain.LeaderboardEntry{
			Username: sc.Username,
			Score:    sc.Score.InexactFloat64(),
		})
	}

	return entries, nil
}
