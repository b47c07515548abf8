package leaderboard_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/event"
	"github.com/studyarena/gameserver/internal/leaderboard"
)

func makeService(t *testing.T) (*leaderboard.Service, *event.Bus) {
	t.Helper()

	mr := miniredis.RunT(t)
	eb := event.NewBus()

	s := leaderboard.NewService(leaderboard.Config{
		EventBus: eb,
		Redis:    redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}}),
		Prefix:   "gameserver",
	})

	return s, eb
}

func entries() []domain.LeaderboardEntry {
	return []domain.LeaderboardEntry{
		{PlayerID: "p1", PlayerName: "Alice", Score: 1066},
		{PlayerID: "p2", PlayerName: "Bob", Score: 333},
	}
}

func TestUpdateThenGetLeaderboard(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)
	ctx := context.Background()

	err := s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{
		SessionID: "s1",
		Entries:   entries(),
	})
	require.NoError(t, err)

	got, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].PlayerID)
	assert.Equal(t, "Alice", got[0].PlayerName)
	assert.Equal(t, 1066, got[0].Score)
	assert.Equal(t, "p2", got[1].PlayerID)
}

func TestUpdateLeaderboard_OverwritesScores(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{
		SessionID: "s1",
		Entries:   entries(),
	}))

	// Bob overtakes after the next round.
	require.NoError(t, s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p1", PlayerName: "Alice", Score: 1066},
			{PlayerID: "p2", PlayerName: "Bob", Score: 2000},
		},
	}))

	got, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "p2", got[0].PlayerID)
	assert.Equal(t, 2000, got[0].Score)
}

func TestGetLeaderboard_NotFound(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{SessionID: "missing"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestScoreUpdatedEventFeedsLeaderboard(t *testing.T) {
	t.Parallel()

	s, eb := makeService(t)
	ctx := context.Background()

	eb.Publish(ctx, domain.EventScoreUpdated{
		SessionID: "s1",
		Entries:   entries(),
		At:        time.Now(),
	})
	eb.Stop() // waits for the async handler

	got, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p1", got[0].PlayerID)
}

func TestLeaderboards_IsolatedPerSession(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{
		SessionID: "s1",
		Entries:   entries(),
	}))
	require.NoError(t, s.UpdateLeaderboard(ctx, domain.EventScoreUpdated{
		SessionID: "s2",
		Entries:   []domain.LeaderboardEntry{{PlayerID: "p9", PlayerName: "Zed", Score: 1}},
	}))

	got, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p9", got[0].PlayerID)
}
