// Package protocol defines the JSON message envelope spoken over each
// player's WebSocket, and the payload shapes on both directions.
package protocol

import (
	"encoding/json"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
)

// Client → server message types.
const (
	TypeJoin          = "JOIN"
	TypeReady         = "READY"
	TypeStartGame     = "START_GAME"
	TypeSubmitAnswer  = "SUBMIT_ANSWER"
	TypeSubmitTTTMove = "SUBMIT_TTT_MOVE"
	TypeLeave         = "LEAVE"
)

// Server → client message types.
const (
	TypeRoomUpdate   = "ROOM_UPDATE"
	TypeNextQuestion = "NEXT_QUESTION"
	TypeAnswerResult = "ANSWER_RESULT"
	TypeScoresUpdate = "SCORES_UPDATE"
	TypeTurnUpdate   = "TURN_UPDATE"
	TypeGameFinished = "GAME_FINISHED"
	TypeError        = "ERROR"
)

var clientTypes = map[string]bool{
	TypeJoin:          true,
	TypeReady:         true,
	TypeStartGame:     true,
	TypeSubmitAnswer:  true,
	TypeSubmitTTTMove: true,
	TypeLeave:         true,
}

// ClientMessage is the envelope for inbound frames.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseClient decodes and validates an inbound frame. Unknown types and
// invalid JSON map to MALFORMED_MESSAGE.
func ParseClient(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("invalid frame"), errors.WithCause(err))
	}
	if !clientTypes[m.Type] {
		return ClientMessage{}, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("unknown message type %q", m.Type))
	}
	return m, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (m ClientMessage) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return errors.New(errors.CodeMalformedMessage, errors.WithMessagef("%s: missing payload", m.Type))
	}
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("%s: invalid payload", m.Type), errors.WithCause(err))
	}
	return nil
}

type JoinPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
}

type ReadyPayload struct {
	IsReady bool `json:"isReady"`
}

type SubmitAnswerPayload struct {
	QuestionID    string `json:"questionId"`
	AnswerIndex   int    `json:"answerIndex"`
	TimeElapsedMs int64  `json:"timeElapsedMs"`
}

type SubmitTTTMovePayload struct {
	CellIndex   int `json:"cellIndex"`
	AnswerIndex int `json:"answerIndex"`
}

// ServerMessage is the envelope for outbound frames.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(typ string, payload any) ([]byte, error) {
	return json.Marshal(ServerMessage{Type: typ, Payload: payload})
}

type RoomUpdatePayload struct {
	Session domain.Snapshot `json:"session"`
}

type NextQuestionPayload struct {
	Question       domain.QuestionView `json:"question"`
	QuestionNumber int                 `json:"questionNumber"`
	TotalQuestions int                 `json:"totalQuestions"`
	TimeLimitMs    int64               `json:"timeLimit"`
}

type AnswerResultPayload struct {
	IsCorrect   bool   `json:"isCorrect"`
	Points      int    `json:"points"`
	Explanation string `json:"explanation,omitempty"`
}

type ScoreEntry struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
}

type ScoresUpdatePayload struct {
	Leaderboard []ScoreEntry `json:"leaderboard"`
}

type TurnUpdatePayload struct {
	CurrentTurnPlayerID string    `json:"currentTurnPlayerId"`
	BoardState          [9]string `json:"boardState"`
	AttemptedCells      []int     `json:"attemptedCells,omitempty"`
}

type FinalResult struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
	Rank       int    `json:"rank"`
	IsWinner   bool   `json:"isWinner"`
}

type GameFinishedPayload struct {
	Reason       string        `json:"reason"`
	FinalResults []FinalResult `json:"finalResults"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EncodeError converts any error into an ERROR frame.
func EncodeError(err error) []byte {
	e := errors.Convert(err)
	b, mErr := Encode(TypeError, ErrorPayload{Code: string(e.Code), Message: e.Message})
	if mErr != nil {
		return []byte(`{"type":"ERROR","payload":{"code":"INTERNAL","message":"internal error"}}`)
	}
	return b
}
