package engine

import (
	"time"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
)

// BoardQuestionCount is the number of questions a Study-Tac-Toe session
// requires: one per cell, assigned by cell index.
const BoardQuestionCount = 9

// Three rows, three columns, two diagonals.
var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// resolveMove handles a question-gated board move. A cell is claimed
// only from a correct answer; any resolved attempt, right or wrong,
// flips the turn pointer.
func resolveMove(s *State, a SubmitMove) ([]Event, error) {
	if !s.GameType.HasBoard() {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("session has no board"))
	}
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("player %s not in session", a.PlayerID))
	}
	if s.Phase != domain.PhaseInRound {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("no game in progress"))
	}
	if s.Board.Turn != a.PlayerID {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("not your turn"))
	}
	if a.CellIndex < 0 || a.CellIndex >= len(s.Board.Cells) {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("cell index %d out of range", a.CellIndex))
	}
	if s.Board.Cells[a.CellIndex] != domain.CellEmpty {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("cell %d already claimed", a.CellIndex))
	}

	q := s.Questions[a.CellIndex]
	if a.OptionIndex < 0 || a.OptionIndex >= len(q.Options) {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("answer index %d out of range", a.OptionIndex))
	}

	correct := a.OptionIndex == q.CorrectIndex
	s.Board.Moves++

	points := 0
	if correct {
		s.Board.Cells[a.CellIndex] = s.symbolFor(a.PlayerID)
		points = s.Settings.BasePoints
		p.Score += points
	} else {
		s.Board.Attempted = appendUniqueCell(s.Board.Attempted, a.CellIndex)
	}

	events := []Event{AnswerResult{
		PlayerID:    a.PlayerID,
		Round:       s.Board.Moves - 1,
		QuestionID:  q.QuestionID,
		OptionIndex: a.OptionIndex,
		CellIndex:   a.CellIndex,
		Correct:     correct,
		Points:      points,
		Explanation: q.Explanation,
	}}
	if correct {
		events = append(events, ScoresChanged{})
	}

	if win, sym := s.winningSymbol(); win {
		winner := s.playerForSymbol(sym)
		events = append(events, TurnChanged{})
		return append(events, s.finish("win", winner)...), nil
	}
	if s.Board.Claimed() == len(s.Board.Cells) {
		events = append(events, TurnChanged{})
		return append(events, s.finish("draw", "")...), nil
	}

	s.flipTurn()
	s.Deadline = a.Now.Add(s.Settings.TurnTime)

	return append(events,
		TurnChanged{},
		TimerSet{Phase: domain.PhaseInRound, At: s.Deadline},
	), nil
}

// forfeitTurn handles a turn timer expiry: the idle player loses the
// turn, the board is untouched.
func (s *State) forfeitTurn(now time.Time) []Event {
	s.flipTurn()
	s.Deadline = now.Add(s.Settings.TurnTime)

	return []Event{
		TurnChanged{},
		TimerSet{Phase: domain.PhaseInRound, At: s.Deadline},
	}
}

func (s *State) flipTurn() {
	for _, id := range s.Order {
		if id != s.Board.Turn {
			s.Board.Turn = id
			return
		}
	}
}

// symbolFor assigns X to the first seat and O to the second.
func (s *State) symbolFor(playerID string) domain.Cell {
	if len(s.Order) > 0 && s.Order[0] == playerID {
		return domain.CellX
	}
	return domain.CellO
}

func (s *State) playerForSymbol(c domain.Cell) string {
	for _, id := range s.Order {
		if s.symbolFor(id) == c {
			return id
		}
	}
	return ""
}

func (s *State) winningSymbol() (bool, domain.Cell) {
	for _, line := range winLines {
		c := s.Board.Cells[line[0]]
		if c != domain.CellEmpty && c == s.Board.Cells[line[1]] && c == s.Board.Cells[line[2]] {
			return true, c
		}
	}
	return false, domain.CellEmpty
}

func appendUniqueCell(cells []int, cell int) []int {
	for _, c := range cells {
		if c == cell {
			return cells
		}
	}
	return append(cells, cell)
}
