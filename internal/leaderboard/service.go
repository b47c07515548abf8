// Package leaderboard mirrors per-session scores into redis sorted sets
// so the REST read path can rank players without touching a room's
// mailbox.
package leaderboard

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/event"
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	return s
}

type GetLeaderboardRequest struct {
	SessionID string
}

// GetLeaderboard returns the mirrored leaderboard for a session, sorted
// by score descending.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) ([]domain.LeaderboardEntry, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.leaderboardKey(req.SessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", req.SessionID))
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		id := z.Member.(string)
		name, err := s.redis.HGet(ctx, s.namesKey(req.SessionID), id).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("get player name: %w", err)
		}
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:   id,
			PlayerName: name,
			Score:      int(z.Score),
		})
	}

	return entries, nil
}

// UpdateLeaderboard overwrites every player's score for the session.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if len(e.Entries) == 0 {
		return nil
	}

	pipe := s.redis.Pipeline()
	for _, entry := range e.Entries {
		pipe.ZAdd(ctx, s.leaderboardKey(e.SessionID), redis.Z{
			Score:  float64(entry.Score),
			Member: entry.PlayerID,
		})
		pipe.HSet(ctx, s.namesKey(e.SessionID), entry.PlayerID, entry.PlayerName)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return nil
}

func (s *Service) leaderboardKey(session string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, session)
}

func (s *Service) namesKey(session string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, session)
}
