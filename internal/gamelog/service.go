// Package gamelog appends every session event (join, leave, answer,
// move, finish) to postgres. The log is insert-only and is sufficient to
// reconstruct a final leaderboard for audit; nothing reads it on the hot
// path.
package gamelog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/event"
)

type Config struct {
	EventBus *event.Bus
	// DB may be nil; the service then degrades to debug logging so the
	// engine runs without postgres in development.
	DB *pgxpool.Pool
}

type Service struct {
	eb *event.Bus
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
		db: c.DB,
	}

	s.eb.Subscribe(domain.EventNamePlayerJoined, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerJoined)
		return s.append(ctx, record{
			SessionID: ev.SessionID,
			PlayerID:  ev.PlayerID,
			Kind:      "join",
			Detail:    mustDetail(map[string]any{"name": ev.PlayerName}),
			At:        ev.At,
		})
	})

	s.eb.Subscribe(domain.EventNamePlayerLeft, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventPlayerLeft)
		return s.append(ctx, record{
			SessionID: ev.SessionID,
			PlayerID:  ev.PlayerID,
			Kind:      "leave",
			At:        ev.At,
		})
	})

	s.eb.Subscribe(domain.EventNameAnswerRecorded, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAnswerRecorded)
		kind := "answer"
		if ev.CellIndex >= 0 {
			kind = "move"
		}
		return s.append(ctx, record{
			SessionID: ev.SessionID,
			PlayerID:  ev.PlayerID,
			Kind:      kind,
			Points:    ev.Points,
			Detail: mustDetail(map[string]any{
				"round":       ev.Round,
				"questionId":  ev.QuestionID,
				"optionIndex": ev.OptionIndex,
				"cellIndex":   ev.CellIndex,
				"correct":     ev.Correct,
			}),
			At: ev.At,
		})
	})

	s.eb.Subscribe(domain.EventNameSessionFinished, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSessionFinished)
		return s.append(ctx, record{
			SessionID: ev.SessionID,
			Kind:      "finish",
			Detail: mustDetail(map[string]any{
				"reason": ev.Reason,
				"winner": ev.WinnerID,
			}),
			At: ev.At,
		})
	})

	return s
}

type record struct {
	SessionID string
	PlayerID  string
	Kind      string
	Points    int
	Detail    []byte
	At        time.Time
}

func (s *Service) append(ctx context.Context, r record) error {
	if s.db == nil {
		slog.DebugContext(ctx, "gamelog: drop (no database)",
			"session", r.SessionID, "kind", r.Kind, "player", r.PlayerID)
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}

	const stmt = `
INSERT INTO game_events (event_id, session_id, player_id, kind, points, detail, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	if _, err := s.db.Exec(ctx, stmt, id, r.SessionID, r.PlayerID, r.Kind, r.Points, r.Detail, r.At); err != nil {
		return fmt.Errorf("gamelog: append %s: %w", r.Kind, err)
	}

	return nil
}

// FinalLeaderboard rebuilds a session's leaderboard from the log alone.
func (s *Service) FinalLeaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("gamelog: no database configured")
	}

	const stmt = `
SELECT player_id, SUM(points) AS score
FROM game_events
WHERE session_id = $1 AND kind IN ('answer', 'move')
GROUP BY player_id
ORDER BY score DESC;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		var e domain.LeaderboardEntry
		if err := r.Scan(&e.PlayerID, &e.Score); err != nil {
			return domain.LeaderboardEntry{}, err
		}
		return e, nil
	})
}

func mustDetail(m map[string]any) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
