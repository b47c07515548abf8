package room_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/engine"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/event"
	"github.com/studyarena/gameserver/internal/protocol"
	"github.com/studyarena/gameserver/internal/room"
)

// fakeConn records every frame the room pushes at it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *fakeConn) typed(typ string) []frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []frame
	for _, raw := range c.frames {
		var f frame
		if json.Unmarshal(raw, &f) == nil && f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitFrames blocks until the connection has received at least n frames
// of the given type.
func waitFrames(t *testing.T, c *fakeConn, typ string, n int) []frame {
	t.Helper()

	require.Eventuallyf(t, func() bool {
		return len(c.typed(typ)) >= n
	}, 3*time.Second, 5*time.Millisecond, "never received %d %s frame(s)", n, typ)

	return c.typed(typ)
}

func decodePayload[T any](t *testing.T, f frame) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

func send(rm *room.Room, player, typ string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	rm.Forward(player, protocol.ClientMessage{Type: typ, Payload: raw})
}

func makeQuestions(n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, domain.Question{
			QuestionID:   "q" + string(rune('1'+i)),
			Text:         "question",
			Options:      []string{"a", "b", "c", "d"},
			CorrectIndex: 1,
		})
	}
	return qs
}

// makeRoom starts an actor with deliberately short phase timers so the
// full game loop runs inside a test.
func makeRoom(t *testing.T, typ domain.GameType, questions int) *room.Room {
	t.Helper()

	st := engine.NewState(engine.Config{
		SessionID: "s1",
		GameType:  typ,
		HostID:    "host",
		Settings: domain.Settings{
			QuestionTime: time.Second,
			Countdown:    20 * time.Millisecond,
			Intermission: 20 * time.Millisecond,
			TurnTime:     time.Second,
		},
		Questions: makeQuestions(questions),
	})

	rm := room.New(room.Config{
		ID:       "s1",
		JoinCode: "QK7N2X",
		State:    st,
		Bus:      event.NewBus(),
	})
	go rm.Run()
	t.Cleanup(rm.Close)

	return rm
}

func attach(t *testing.T, rm *room.Room, player string) *fakeConn {
	t.Helper()

	c := &fakeConn{}
	require.NoError(t, rm.Attach(context.Background(), player, "name-"+player, c))
	return c
}

func TestRoom_AttachSendsSnapshot(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)

	host := attach(t, rm, "host")

	got := decodePayload[protocol.RoomUpdatePayload](t, waitFrames(t, host, protocol.TypeRoomUpdate, 1)[0])
	assert.Equal(t, "s1", got.Session.SessionID)
	assert.Equal(t, "QK7N2X", got.Session.JoinCode)
	assert.Equal(t, domain.PhaseLobby, got.Session.Phase)
	require.Len(t, got.Session.Players, 1)
	assert.True(t, got.Session.Players[0].Host)

	attach(t, rm, "guest")

	// The host sees the roster grow.
	require.Eventually(t, func() bool {
		frames := host.typed(protocol.TypeRoomUpdate)
		last := decodePayload[protocol.RoomUpdatePayload](t, frames[len(frames)-1])
		return len(last.Session.Players) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRoom_QuizFlow(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")
	guest := attach(t, rm, "guest")

	send(rm, "guest", protocol.TypeReady, protocol.ReadyPayload{IsReady: true})
	send(rm, "host", protocol.TypeStartGame, nil)

	q1 := decodePayload[protocol.NextQuestionPayload](t, waitFrames(t, guest, protocol.TypeNextQuestion, 1)[0])
	assert.Equal(t, "q1", q1.Question.QuestionID)
	assert.Equal(t, 1, q1.QuestionNumber)
	assert.Equal(t, 2, q1.TotalQuestions)
	assert.Len(t, q1.Question.Options, 4)

	send(rm, "host", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q1", AnswerIndex: 1, TimeElapsedMs: 500})
	res := decodePayload[protocol.AnswerResultPayload](t, waitFrames(t, host, protocol.TypeAnswerResult, 1)[0])
	assert.True(t, res.IsCorrect)
	assert.Greater(t, res.Points, 0)

	send(rm, "guest", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q1", AnswerIndex: 0, TimeElapsedMs: 900})
	wrong := decodePayload[protocol.AnswerResultPayload](t, waitFrames(t, guest, protocol.TypeAnswerResult, 1)[0])
	assert.False(t, wrong.IsCorrect)
	assert.Zero(t, wrong.Points)

	scores := decodePayload[protocol.ScoresUpdatePayload](t, waitFrames(t, guest, protocol.TypeScoresUpdate, 1)[0])
	require.Len(t, scores.Leaderboard, 2)
	assert.Equal(t, "host", scores.Leaderboard[0].PlayerID)

	// Intermission elapses and the second question opens.
	q2 := decodePayload[protocol.NextQuestionPayload](t, waitFrames(t, guest, protocol.TypeNextQuestion, 2)[1])
	assert.Equal(t, "q2", q2.Question.QuestionID)

	send(rm, "host", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q2", AnswerIndex: 1, TimeElapsedMs: 500})
	send(rm, "guest", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q2", AnswerIndex: 1, TimeElapsedMs: 800})

	fin := decodePayload[protocol.GameFinishedPayload](t, waitFrames(t, guest, protocol.TypeGameFinished, 1)[0])
	assert.Equal(t, "completed", fin.Reason)
	require.Len(t, fin.FinalResults, 2)
	assert.Equal(t, 1, fin.FinalResults[0].Rank)
	assert.Equal(t, "host", fin.FinalResults[0].PlayerID)
	assert.True(t, fin.FinalResults[0].IsWinner)
}

func TestRoom_QuestionTimerAdvancesRound(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")
	attach(t, rm, "guest")

	send(rm, "guest", protocol.TypeReady, protocol.ReadyPayload{IsReady: true})
	send(rm, "host", protocol.TypeStartGame, nil)

	waitFrames(t, host, protocol.TypeNextQuestion, 1)
	send(rm, "host", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q1", AnswerIndex: 1, TimeElapsedMs: 100})

	// The guest never answers; the 1s question timer must still move the
	// game forward.
	q2 := decodePayload[protocol.NextQuestionPayload](t, waitFrames(t, host, protocol.TypeNextQuestion, 2)[1])
	assert.Equal(t, "q2", q2.Question.QuestionID)
}

func TestRoom_DuplicateAnswerGetsErrorFrame(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")
	attach(t, rm, "guest")

	send(rm, "guest", protocol.TypeReady, protocol.ReadyPayload{IsReady: true})
	send(rm, "host", protocol.TypeStartGame, nil)
	waitFrames(t, host, protocol.TypeNextQuestion, 1)

	send(rm, "host", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q1", AnswerIndex: 1, TimeElapsedMs: 100})
	send(rm, "host", protocol.TypeSubmitAnswer, protocol.SubmitAnswerPayload{QuestionID: "q1", AnswerIndex: 2, TimeElapsedMs: 200})

	errFrame := decodePayload[protocol.ErrorPayload](t, waitFrames(t, host, protocol.TypeError, 1)[0])
	assert.Equal(t, string(errors.CodeAlreadyAnswered), errFrame.Code)

	// Only the first submission counted.
	results := host.typed(protocol.TypeAnswerResult)
	require.Len(t, results, 1)
}

func TestRoom_MalformedPayloadGetsErrorFrame(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")

	rm.Forward("host", protocol.ClientMessage{Type: protocol.TypeSubmitAnswer})

	errFrame := decodePayload[protocol.ErrorPayload](t, waitFrames(t, host, protocol.TypeError, 1)[0])
	assert.Equal(t, string(errors.CodeMalformedMessage), errFrame.Code)
}

func TestRoom_SecondJoinFrameRejected(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")

	send(rm, "host", protocol.TypeJoin, protocol.JoinPayload{SessionID: "s1", UserID: "host"})

	errFrame := decodePayload[protocol.ErrorPayload](t, waitFrames(t, host, protocol.TypeError, 1)[0])
	assert.Equal(t, string(errors.CodeMalformedMessage), errFrame.Code)
}

func TestRoom_ReconnectKeepsSeat(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")
	first := attach(t, rm, "guest")

	rm.Detach("guest", first)

	require.Eventually(t, func() bool {
		frames := host.typed(protocol.TypeRoomUpdate)
		if len(frames) == 0 {
			return false
		}
		last := decodePayload[protocol.RoomUpdatePayload](t, frames[len(frames)-1])
		for _, p := range last.Session.Players {
			if p.PlayerID == "guest" {
				return !p.Connected
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond, "detach must mark the seat disconnected, not remove it")

	second := attach(t, rm, "guest")

	snap := decodePayload[protocol.RoomUpdatePayload](t, waitFrames(t, second, protocol.TypeRoomUpdate, 1)[0])
	require.Len(t, snap.Session.Players, 2, "reconnection must reuse the seat")
	for _, p := range snap.Session.Players {
		if p.PlayerID == "guest" {
			assert.True(t, p.Connected)
		}
	}
}

func TestRoom_StaleDetachIgnored(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	attach(t, rm, "host")
	first := attach(t, rm, "guest")
	attach(t, rm, "guest") // replaces first

	// The old socket's detach races in after the reconnection and must
	// not knock out the fresh one.
	rm.Detach("guest", first)

	snap, err := rm.Snapshot(context.Background())
	require.NoError(t, err)
	for _, p := range snap.Players {
		if p.PlayerID == "guest" {
			assert.True(t, p.Connected)
		}
	}
}

func TestRoom_HostLeaveFinishesSession(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	attach(t, rm, "host")
	guest := attach(t, rm, "guest")

	send(rm, "host", protocol.TypeLeave, nil)

	fin := decodePayload[protocol.GameFinishedPayload](t, waitFrames(t, guest, protocol.TypeGameFinished, 1)[0])
	assert.Equal(t, "abandoned", fin.Reason)

	// A finished room takes no new sockets.
	err := rm.Attach(context.Background(), "carol", "Carol", &fakeConn{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidPhase, errors.Convert(err).Code)
}

func TestRoom_BoardFlow(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeStudyTacToe, 9)
	host := attach(t, rm, "host")
	guest := attach(t, rm, "guest")

	send(rm, "host", protocol.TypeStartGame, nil)

	turn := decodePayload[protocol.TurnUpdatePayload](t, waitFrames(t, guest, protocol.TypeTurnUpdate, 1)[0])
	assert.Equal(t, "host", turn.CurrentTurnPlayerID)

	send(rm, "host", protocol.TypeSubmitTTTMove, protocol.SubmitTTTMovePayload{CellIndex: 4, AnswerIndex: 1})

	require.Eventually(t, func() bool {
		frames := guest.typed(protocol.TypeTurnUpdate)
		if len(frames) < 2 {
			return false
		}
		last := decodePayload[protocol.TurnUpdatePayload](t, frames[len(frames)-1])
		return last.BoardState[4] == "X" && last.CurrentTurnPlayerID == "guest"
	}, 3*time.Second, 5*time.Millisecond)

	res := decodePayload[protocol.AnswerResultPayload](t, waitFrames(t, host, protocol.TypeAnswerResult, 1)[0])
	assert.True(t, res.IsCorrect)
}

func TestRoom_SnapshotQuery(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	attach(t, rm, "host")

	snap, err := rm.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", snap.SessionID)
	assert.Equal(t, "QK7N2X", snap.JoinCode)
}

func TestRoom_CloseReleasesSockets(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")

	rm.Close()

	// The actor loop releases sockets on its way out.
	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return host.closed
	}, 3*time.Second, 5*time.Millisecond)

	err := rm.Attach(context.Background(), "late", "Late", &fakeConn{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
}

func TestRoom_BroadcastSurvivesMultipleDeadSockets(t *testing.T) {
	t.Parallel()

	rm := makeRoom(t, domain.GameTypeQuizRace, 2)
	host := attach(t, rm, "host")
	g1 := attach(t, rm, "g1")
	g2 := attach(t, rm, "g2")

	// Both guest sockets die without detaching; the next fan-out finds
	// them unresponsive in the same pass.
	g1.Close()
	g2.Close()

	send(rm, "host", protocol.TypeReady, protocol.ReadyPayload{IsReady: true})

	require.Eventually(t, func() bool {
		snap, err := rm.Snapshot(context.Background())
		if err != nil {
			return false
		}
		dropped := 0
		for _, p := range snap.Players {
			if (p.PlayerID == "g1" || p.PlayerID == "g2") && !p.Connected {
				dropped++
			}
		}
		return dropped == 2
	}, 3*time.Second, 5*time.Millisecond)

	// The acknowledged action must survive the cleanup.
	snap, err := rm.Snapshot(context.Background())
	require.NoError(t, err)
	for _, p := range snap.Players {
		if p.PlayerID == "host" {
			assert.True(t, p.Ready, "accepted action rolled back by dead-socket cleanup")
			assert.True(t, p.Connected)
		}
	}

	// And the socket bookkeeping must stay balanced: the host is still
	// attached, so the room is not reapable no matter how stale.
	assert.False(t, rm.Reapable(time.Now().Add(24*time.Hour), time.Minute, time.Minute))

	waitFrames(t, host, protocol.TypeRoomUpdate, 2)
}

func TestRoom_Reapable(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("fresh room with nobody attached waits for the create timeout", func(t *testing.T) {
		t.Parallel()

		rm := makeRoom(t, domain.GameTypeQuizRace, 2)
		assert.False(t, rm.Reapable(now, time.Minute, 10*time.Minute))
		assert.True(t, rm.Reapable(now.Add(11*time.Minute), time.Minute, 10*time.Minute))
	})

	t.Run("attached room is never reapable", func(t *testing.T) {
		t.Parallel()

		rm := makeRoom(t, domain.GameTypeQuizRace, 2)
		attach(t, rm, "host")
		assert.False(t, rm.Reapable(now.Add(time.Hour), time.Minute, 10*time.Minute))
	})

	t.Run("emptied room waits for the idle grace", func(t *testing.T) {
		t.Parallel()

		rm := makeRoom(t, domain.GameTypeQuizRace, 2)
		c := attach(t, rm, "host")
		rm.Detach("host", c)

		require.Eventually(t, func() bool {
			return rm.Reapable(time.Now().Add(2*time.Minute), time.Minute, 10*time.Minute)
		}, 3*time.Second, 5*time.Millisecond)
		assert.False(t, rm.Reapable(time.Now(), time.Minute, 10*time.Minute))
	})
}
