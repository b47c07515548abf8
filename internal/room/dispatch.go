package room

import (
	"context"
	"time"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/engine"
	"github.com/studyarena/gameserver/internal/event"
	"github.com/studyarena/gameserver/internal/protocol"
	"github.com/studyarena/gameserver/internal/telemetry"
)

// applyEvents turns engine events into broadcasts, unicasts, timer arms
// and bus publications, in the order the engine emitted them. Frames
// reach every socket in this order because each fan-out pushes into the
// per-connection send queues before the next frame is encoded.
func (r *Room) applyEvents(events []engine.Event, now time.Time) {
	for _, e := range events {
		switch e := e.(type) {
		case engine.TimerSet:
			r.armTimer(e.Phase, e.At)

		case engine.RoomChanged:
			r.broadcast(protocol.TypeRoomUpdate, protocol.RoomUpdatePayload{Session: r.snapshot()})

		case engine.QuestionStarted:
			r.broadcast(protocol.TypeNextQuestion, protocol.NextQuestionPayload{
				Question:       engine.SanitizeQuestion(e.Question, e.TimeLimit),
				QuestionNumber: e.Round + 1,
				TotalQuestions: len(r.state.Questions),
				TimeLimitMs:    e.TimeLimit.Milliseconds(),
			})

		case engine.AnswerResult:
			r.unicast(e.PlayerID, protocol.TypeAnswerResult, protocol.AnswerResultPayload{
				IsCorrect:   e.Correct,
				Points:      e.Points,
				Explanation: e.Explanation,
			})
			r.publish(domain.EventAnswerRecorded{
				SessionID:   r.id,
				PlayerID:    e.PlayerID,
				Round:       e.Round,
				QuestionID:  e.QuestionID,
				OptionIndex: e.OptionIndex,
				CellIndex:   e.CellIndex,
				Correct:     e.Correct,
				Points:      e.Points,
				At:          now,
			})

		case engine.ScoresChanged:
			entries := r.state.Leaderboard()
			scores := make([]protocol.ScoreEntry, 0, len(entries))
			for _, le := range entries {
				scores = append(scores, protocol.ScoreEntry{
					PlayerID:   le.PlayerID,
					PlayerName: le.PlayerName,
					Score:      le.Score,
				})
			}
			r.broadcast(protocol.TypeScoresUpdate, protocol.ScoresUpdatePayload{Leaderboard: scores})
			r.publish(domain.EventScoreUpdated{SessionID: r.id, Entries: entries, At: now})

		case engine.TurnChanged:
			r.broadcastTurn()

		case engine.PlayerEliminated:
			r.log.Info("room: player eliminated", "player", e.PlayerID)

		case engine.Finished:
			r.finishSession(e, now)
		}
	}
}

func (r *Room) broadcastTurn() {
	b := r.state.Board
	p := protocol.TurnUpdatePayload{
		CurrentTurnPlayerID: b.Turn,
		AttemptedCells:      append([]int(nil), b.Attempted...),
	}
	for i, c := range b.Cells {
		p.BoardState[i] = c.String()
	}
	r.broadcast(protocol.TypeTurnUpdate, p)
}

func (r *Room) finishSession(e engine.Finished, now time.Time) {
	// A fired phase timer arriving after this point must find itself stale.
	r.timerGen++
	r.finishedAt.Store(now.UnixNano())

	entries := r.state.Leaderboard()
	results := make([]protocol.FinalResult, 0, len(entries))
	for i, le := range entries {
		results = append(results, protocol.FinalResult{
			PlayerID:   le.PlayerID,
			PlayerName: le.PlayerName,
			Score:      le.Score,
			Rank:       i + 1,
			IsWinner:   winner(e, entries, le),
		})
	}
	r.broadcast(protocol.TypeGameFinished, protocol.GameFinishedPayload{
		Reason:       e.Reason,
		FinalResults: results,
	})

	r.publish(domain.EventSessionFinished{
		SessionID: r.id,
		Reason:    e.Reason,
		Entries:   entries,
		WinnerID:  e.WinnerID,
		At:        now,
	})

	r.log.Info("room: session finished", "reason", e.Reason, "winner", e.WinnerID)
}

// winner flags the board-game winner when the engine named one, and the
// top scorer otherwise.
func winner(e engine.Finished, entries []domain.LeaderboardEntry, le domain.LeaderboardEntry) bool {
	if e.WinnerID != "" {
		return le.PlayerID == e.WinnerID
	}
	if e.Reason == "draw" || len(entries) == 0 {
		return false
	}
	return le.PlayerID == entries[0].PlayerID && le.Score > 0
}

// broadcast fans one frame out to every attached socket, best effort. A
// connection that cannot take the frame is detached and marked
// disconnected; it never blocks delivery to the others.
func (r *Room) broadcast(typ string, payload any) {
	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		r.log.Error("room: encode broadcast failed", "type", typ, "error", err)
		return
	}

	var failed []string
	for id, c := range r.conns {
		if !c.Send(frame) {
			failed = append(failed, id)
		}
	}

	for _, id := range failed {
		// A nested fan-out from a prior disconnect resolution may have
		// dropped this socket already.
		c, ok := r.conns[id]
		if !ok {
			continue
		}
		delete(r.conns, id)
		r.attached.Add(-1)
		r.lastDetach.Store(time.Now().UnixNano())
		telemetry.AttachedSockets.Dec()
		c.Close()

		if events, err := engine.Resolve(r.state, engine.Disconnect{PlayerID: id, Now: time.Now()}); err == nil {
			r.applyEvents(events, time.Now())
		}
		r.log.Warn("room: dropped unresponsive socket", "player", id)
	}
}

func (r *Room) unicast(playerID, typ string, payload any) {
	c, ok := r.conns[playerID]
	if !ok {
		return
	}

	frame, err := protocol.Encode(typ, payload)
	if err != nil {
		r.log.Error("room: encode unicast failed", "type", typ, "error", err)
		return
	}

	c.Send(frame)
}

func (r *Room) sendError(playerID string, err error) {
	if c, ok := r.conns[playerID]; ok {
		c.Send(protocol.EncodeError(err))
	}
}

func (r *Room) publish(e event.Event) {
	if r.eb == nil {
		return
	}
	r.eb.Publish(context.Background(), e)
}
