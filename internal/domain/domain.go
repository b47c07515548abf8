package domain

import "time"

// GameType selects the state machine variant a session runs.
type GameType string

const (
	GameTypeQuizRace    GameType = "QUIZ_RACE"
	GameTypeTeamTrivia  GameType = "TEAM_TRIVIA"
	GameTypeSurvival    GameType = "SURVIVAL_MODE"
	GameTypeSpeedQuiz   GameType = "SPEED_QUIZ"
	GameTypeStudyTacToe GameType = "STUDY_TAC_TOE"
)

func (t GameType) Valid() bool {
	switch t {
	case GameTypeQuizRace, GameTypeTeamTrivia, GameTypeSurvival, GameTypeSpeedQuiz, GameTypeStudyTacToe:
		return true
	}
	return false
}

// HasBoard reports whether the session carries a tic-tac-toe board.
func (t GameType) HasBoard() bool { return t == GameTypeStudyTacToe }

// Phase is the room state machine's current state. Exactly one phase is
// active per room at any time.
type Phase string

const (
	PhaseLobby         Phase = "LOBBY"
	PhaseCountdown     Phase = "COUNTDOWN"
	PhaseInRound       Phase = "IN_ROUND"
	PhaseBetweenRounds Phase = "BETWEEN_ROUNDS"
	PhaseFinished      Phase = "FINISHED"
)

// Question is one entry of a session's immutable ordered question list.
// The list is read-only after session creation.
type Question struct {
	QuestionID   string
	Text         string
	Options      []string
	CorrectIndex int
	Explanation  string
	TimeLimit    time.Duration
}

// Settings are the per-session knobs fixed at creation time.
type Settings struct {
	MaxPlayers        int
	BasePoints        int
	FirstCorrectBonus int
	QuestionTime      time.Duration
	Countdown         time.Duration
	Intermission      time.Duration
	TurnTime          time.Duration
}

// Answer is one accepted submission for a (player, round) pair.
// OptionIndex is -1 for a synthesized no-answer.
type Answer struct {
	QuestionID  string
	OptionIndex int
	ElapsedMs   int64
	ReceivedAt  time.Time
	Correct     bool
	Points      int
}

// Player is a seat in a session. Membership is independent of socket
// liveness: a dropped socket only clears Connected, the seat and score
// survive until an explicit leave or session end.
type Player struct {
	PlayerID   string
	Name       string
	Host       bool
	Ready      bool
	Connected  bool
	Eliminated bool
	Score      int
	Answers    map[int]Answer
}

// Cell is one square of the Study-Tac-Toe board.
type Cell int

const (
	CellEmpty Cell = iota
	CellX
	CellO
)

func (c Cell) String() string {
	switch c {
	case CellX:
		return "X"
	case CellO:
		return "O"
	}
	return ""
}

// Board is the authoritative Study-Tac-Toe state. Cells transition from
// empty to claimed only through a question-gated move; Attempted records
// failed attempts for UI annotation and carries no gameplay restriction.
type Board struct {
	Cells     [9]Cell
	Turn      string
	Moves     int
	Attempted []int
}

// Claimed counts non-empty cells.
func (b *Board) Claimed() int {
	n := 0
	for _, c := range b.Cells {
		if c != CellEmpty {
			n++
		}
	}
	return n
}

// LeaderboardEntry is one row of a session leaderboard, sorted by score
// in descending order.
type LeaderboardEntry struct {
	PlayerID   string
	PlayerName string
	Score      int
}

// PlayerView is a player's public state as exposed in snapshots.
type PlayerView struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Host       bool   `json:"isHost"`
	Ready      bool   `json:"isReady"`
	Connected  bool   `json:"isConnected"`
	Eliminated bool   `json:"isEliminated"`
	Score      int    `json:"score"`
}

// QuestionView is a question with the answer key stripped.
type QuestionView struct {
	QuestionID  string   `json:"questionId"`
	Text        string   `json:"text"`
	Options     []string `json:"options"`
	TimeLimitMs int64    `json:"timeLimitMs"`
}

// BoardView is the board as exposed in snapshots and TURN_UPDATE frames.
type BoardView struct {
	Cells     [9]string `json:"cells"`
	Turn      string    `json:"currentTurnPlayerId"`
	Attempted []int     `json:"attemptedCells,omitempty"`
}

// Snapshot is a full serialization of a room's current state, sent to a
// (re)joining socket and broadcast on roster or phase changes.
type Snapshot struct {
	SessionID     string         `json:"sessionId"`
	JoinCode      string         `json:"joinCode,omitempty"`
	GroupID       string         `json:"groupId,omitempty"`
	GameType      GameType       `json:"gameType"`
	Phase         Phase          `json:"phase"`
	HostID        string         `json:"hostId"`
	Round         int            `json:"round"`
	QuestionCount int            `json:"questionCount"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Players       []PlayerView   `json:"players"`
	Questions     []QuestionView `json:"questions,omitempty"`
	Board         *BoardView     `json:"board,omitempty"`
}
