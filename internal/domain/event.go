package domain

import "time"

const (
	EventNamePlayerJoined    = "player.joined"
	EventNamePlayerLeft      = "player.left"
	EventNameAnswerRecorded  = "answer.recorded"
	EventNameScoreUpdated    = "score.updated"
	EventNameSessionFinished = "session.finished"
)

type EventPlayerJoined struct {
	SessionID  string
	PlayerID   string
	PlayerName string
	At         time.Time
}

func (EventPlayerJoined) Name() string { return EventNamePlayerJoined }

type EventPlayerLeft struct {
	SessionID string
	PlayerID  string
	At        time.Time
}

func (EventPlayerLeft) Name() string { return EventNamePlayerLeft }

// EventAnswerRecorded covers both quiz answers and board moves. For a
// board move Round holds the move ordinal and CellIndex the target cell;
// for a quiz answer CellIndex is -1.
type EventAnswerRecorded struct {
	SessionID   string
	PlayerID    string
	Round       int
	QuestionID  string
	OptionIndex int
	CellIndex   int
	Correct     bool
	Points      int
	At          time.Time
}

func (EventAnswerRecorded) Name() string { return EventNameAnswerRecorded }

type EventScoreUpdated struct {
	SessionID string
	Entries   []LeaderboardEntry
	At        time.Time
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventSessionFinished struct {
	SessionID string
	Reason    string
	Entries   []LeaderboardEntry
	WinnerID  string
	At        time.Time
}

func (EventSessionFinished) Name() string { return EventNameSessionFinished }
