// Package engine holds the pure turn/scoring logic for game sessions.
// It validates player actions against the session state, computes points
// and decides phase transitions. It never performs I/O; the owning room
// applies the returned events to timers, sockets and the event bus.
package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
)

// Action is a message delivered to a room's mailbox.
type Action interface{ isAction() }

type (
	// Join admits a new player. Reconnections go through Reconnect instead.
	Join struct {
		PlayerID string
		Name     string
	}

	// Leave removes a player's seat for good.
	Leave struct {
		PlayerID string
		Now      time.Time
	}

	SetReady struct {
		PlayerID string
		Ready    bool
	}

	// StartGame is host-only and begins the countdown.
	StartGame struct {
		PlayerID string
		Now      time.Time
	}

	SubmitAnswer struct {
		PlayerID        string
		QuestionID      string
		OptionIndex     int
		ClientElapsedMs int64
		Now             time.Time
	}

	SubmitMove struct {
		PlayerID    string
		CellIndex   int
		OptionIndex int
		Now         time.Time
	}

	Disconnect struct {
		PlayerID string
		Now      time.Time
	}

	Reconnect struct {
		PlayerID string
	}

	// DeadlineExpired is a timer message posted back into the mailbox.
	// Phase names the phase the timer was armed for; a fire observed in
	// any other phase is stale and ignored.
	DeadlineExpired struct {
		Phase domain.Phase
		Now   time.Time
	}
)

func (Join) isAction()            {}
func (Leave) isAction()           {}
func (SetReady) isAction()        {}
func (StartGame) isAction()       {}
func (SubmitAnswer) isAction()    {}
func (SubmitMove) isAction()      {}
func (Disconnect) isAction()      {}
func (Reconnect) isAction()       {}
func (DeadlineExpired) isAction() {}

// Event is an effect the room must apply after a successful Resolve.
type Event interface{ isEvent() }

type (
	// RoomChanged signals a roster or phase change worth a ROOM_UPDATE
	// broadcast.
	RoomChanged struct{}

	// QuestionStarted opens a quiz round.
	QuestionStarted struct {
		Round     int
		Question  domain.Question
		TimeLimit time.Duration
		Deadline  time.Time
	}

	// AnswerResult reports one resolved submission (quiz answer or board
	// move) to its submitter, and doubles as the audit-log record.
	AnswerResult struct {
		PlayerID    string
		Round       int
		QuestionID  string
		OptionIndex int
		CellIndex   int
		Correct     bool
		Points      int
		Explanation string
	}

	ScoresChanged struct{}

	// TurnChanged signals a board/turn-pointer change worth a TURN_UPDATE
	// broadcast.
	TurnChanged struct{}

	PlayerEliminated struct {
		PlayerID string
	}

	Finished struct {
		Reason   string
		WinnerID string
	}

	// TimerSet instructs the room to (re)arm its phase timer.
	TimerSet struct {
		Phase domain.Phase
		At    time.Time
	}
)

func (RoomChanged) isEvent()      {}
func (QuestionStarted) isEvent()  {}
func (AnswerResult) isEvent()     {}
func (ScoresChanged) isEvent()    {}
func (TurnChanged) isEvent()      {}
func (PlayerEliminated) isEvent() {}
func (Finished) isEvent()         {}
func (TimerSet) isEvent()         {}

// Resolve applies a single action to the state. On error the state is
// unchanged and the error maps to an ERROR frame for the originating
// connection only.
func Resolve(s *State, a Action) ([]Event, error) {
	switch a := a.(type) {
	case Join:
		return resolveJoin(s, a)
	case Leave:
		return resolveLeave(s, a)
	case SetReady:
		return resolveSetReady(s, a)
	case StartGame:
		return resolveStartGame(s, a)
	case SubmitAnswer:
		return resolveSubmitAnswer(s, a)
	case SubmitMove:
		return resolveMove(s, a)
	case Disconnect:
		return resolveDisconnect(s, a)
	case Reconnect:
		return resolveReconnect(s, a)
	case DeadlineExpired:
		return resolveDeadline(s, a)
	}

	return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("unknown action"))
}

func resolveJoin(s *State, a Join) ([]Event, error) {
	if s.Phase == domain.PhaseFinished {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("session already finished"))
	}
	if _, ok := s.Players[a.PlayerID]; ok {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("player %s already joined", a.PlayerID))
	}
	if s.GameType.HasBoard() && s.Phase != domain.PhaseLobby {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("board game already in progress"))
	}
	if len(s.Players) >= s.Settings.MaxPlayers {
		return nil, errors.New(errors.CodeRoomFull, errors.WithMessagef("room is full (%d players)", s.Settings.MaxPlayers))
	}

	s.Players[a.PlayerID] = &domain.Player{
		PlayerID:  a.PlayerID,
		Name:      a.Name,
		Host:      a.PlayerID == s.HostID,
		Connected: true,
		Answers:   make(map[int]domain.Answer),
	}
	s.Order = append(s.Order, a.PlayerID)

	return []Event{RoomChanged{}}, nil
}

func resolveLeave(s *State, a Leave) ([]Event, error) {
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("player %s not in session", a.PlayerID))
	}

	delete(s.Players, a.PlayerID)
	for i, id := range s.Order {
		if id == a.PlayerID {
			s.Order = append(s.Order[:i], s.Order[i+1:]...)
			break
		}
	}

	events := []Event{RoomChanged{}}

	if s.Phase == domain.PhaseFinished {
		return events, nil
	}

	// Host leaving or an emptied room ends the session. A board game
	// cannot continue one-sided either.
	if p.Host || len(s.Players) == 0 {
		return append(events, s.finish("abandoned", "")...), nil
	}
	if s.GameType.HasBoard() && s.Phase != domain.PhaseLobby {
		return append(events, s.finish("opponent_left", s.Order[0])...), nil
	}

	if s.Phase == domain.PhaseInRound && s.allAnswered() {
		return append(events, s.resolveRound(a.Now)...), nil
	}

	return events, nil
}

func resolveSetReady(s *State, a SetReady) ([]Event, error) {
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("player %s not in session", a.PlayerID))
	}
	if s.Phase != domain.PhaseLobby {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("ready toggle only valid in lobby"))
	}

	p.Ready = a.Ready
	return []Event{RoomChanged{}}, nil
}

func resolveStartGame(s *State, a StartGame) ([]Event, error) {
	if s.Phase != domain.PhaseLobby {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("game already started"))
	}
	if a.PlayerID != s.HostID {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("only the host can start the game"))
	}
	if _, ok := s.Players[a.PlayerID]; !ok {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("host has not joined"))
	}

	if s.GameType.HasBoard() {
		if len(s.Players) != 2 {
			return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("board game needs exactly 2 players, have %d", len(s.Players)))
		}
	} else {
		// Host readiness is not required, one ready guest is.
		ready := 0
		for _, p := range s.Players {
			if !p.Host && p.Ready {
				ready++
			}
		}
		if ready == 0 {
			return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("need at least one ready player"))
		}
	}

	s.Phase = domain.PhaseCountdown
	s.Deadline = a.Now.Add(s.Settings.Countdown)

	return []Event{
		RoomChanged{},
		TimerSet{Phase: domain.PhaseCountdown, At: s.Deadline},
	}, nil
}

func resolveSubmitAnswer(s *State, a SubmitAnswer) ([]Event, error) {
	if s.GameType.HasBoard() {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("board sessions take moves, not answers"))
	}
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("player %s not in session", a.PlayerID))
	}
	if s.Phase != domain.PhaseInRound {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("no round in progress"))
	}
	if p.Eliminated {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("player is eliminated"))
	}

	q := s.Question()
	if a.QuestionID != q.QuestionID {
		return nil, errors.New(errors.CodeInvalidPhase, errors.WithMessagef("question %s is not the current round", a.QuestionID))
	}
	if _, dup := p.Answers[s.Round]; dup {
		return nil, errors.New(errors.CodeAlreadyAnswered, errors.WithMessagef("answer for round %d already submitted", s.Round))
	}
	if a.OptionIndex < 0 || a.OptionIndex >= len(q.Options) {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("answer index %d out of range", a.OptionIndex))
	}

	limit := s.timeLimit(q)
	elapsed := clampElapsed(a.ClientElapsedMs, limit)
	correct := a.OptionIndex == q.CorrectIndex

	points := 0
	if correct {
		points = speedPoints(s.Settings.BasePoints, elapsed, limit)
		if !s.BonusTaken {
			points += s.Settings.FirstCorrectBonus
			s.BonusTaken = true
		}
	}

	p.Answers[s.Round] = domain.Answer{
		QuestionID:  q.QuestionID,
		OptionIndex: a.OptionIndex,
		ElapsedMs:   elapsed,
		ReceivedAt:  a.Now,
		Correct:     correct,
		Points:      points,
	}
	p.Score += points

	events := []Event{AnswerResult{
		PlayerID:    a.PlayerID,
		Round:       s.Round,
		QuestionID:  q.QuestionID,
		OptionIndex: a.OptionIndex,
		CellIndex:   -1,
		Correct:     correct,
		Points:      points,
		Explanation: q.Explanation,
	}}

	if s.allAnswered() {
		events = append(events, s.resolveRound(a.Now)...)
	}

	return events, nil
}

func resolveDisconnect(s *State, a Disconnect) ([]Event, error) {
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("player %s not in session", a.PlayerID))
	}

	p.Connected = false
	events := []Event{RoomChanged{}}

	// A round blocked only on a player who just dropped resolves now.
	if !s.GameType.HasBoard() && s.Phase == domain.PhaseInRound && s.allAnswered() {
		events = append(events, s.resolveRound(a.Now)...)
	}

	return events, nil
}

func resolveReconnect(s *State, a Reconnect) ([]Event, error) {
	p, ok := s.Players[a.PlayerID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("player %s not in session", a.PlayerID))
	}

	p.Connected = true
	return []Event{RoomChanged{}}, nil
}

func resolveDeadline(s *State, a DeadlineExpired) ([]Event, error) {
	if s.Phase != a.Phase {
		return nil, nil // stale timer
	}

	switch s.Phase {
	case domain.PhaseCountdown:
		return s.beginRound(0, a.Now), nil

	case domain.PhaseInRound:
		if s.GameType.HasBoard() {
			return s.forfeitTurn(a.Now), nil
		}
		return s.resolveRound(a.Now), nil

	case domain.PhaseBetweenRounds:
		return s.beginRound(s.Round+1, a.Now), nil
	}

	return nil, nil
}

func (s *State) beginRound(round int, now time.Time) []Event {
	s.Round = round
	s.Phase = domain.PhaseInRound
	s.BonusTaken = false

	if s.GameType.HasBoard() {
		if s.Board.Turn == "" {
			s.Board.Turn = s.Order[0]
		}
		s.Deadline = now.Add(s.Settings.TurnTime)
		return []Event{
			RoomChanged{},
			TurnChanged{},
			TimerSet{Phase: domain.PhaseInRound, At: s.Deadline},
		}
	}

	q := s.Question()
	limit := s.timeLimit(q)
	s.Deadline = now.Add(limit)

	return []Event{
		RoomChanged{},
		QuestionStarted{Round: round, Question: q, TimeLimit: limit, Deadline: s.Deadline},
		TimerSet{Phase: domain.PhaseInRound, At: s.Deadline},
	}
}

// resolveRound closes the current quiz round: missing players get a
// synthesized no-answer, survival mode eliminates the wrong, and the
// session either pauses between rounds or finishes.
func (s *State) resolveRound(now time.Time) []Event {
	q := s.Question()
	for _, id := range s.Order {
		p := s.Players[id]
		if _, ok := p.Answers[s.Round]; ok || p.Eliminated {
			continue
		}
		p.Answers[s.Round] = domain.Answer{
			QuestionID:  q.QuestionID,
			OptionIndex: -1,
			ReceivedAt:  now,
		}
	}

	events := []Event{ScoresChanged{}}

	if s.GameType == domain.GameTypeSurvival {
		for _, id := range s.Order {
			p := s.Players[id]
			if p.Eliminated || p.Answers[s.Round].Correct {
				continue
			}
			p.Eliminated = true
			events = append(events, PlayerEliminated{PlayerID: id})
		}
	}

	lastRound := s.Round == len(s.Questions)-1
	if lastRound || (s.GameType == domain.GameTypeSurvival && s.alive() <= 1) {
		return append(events, s.finish("completed", "")...)
	}

	s.Phase = domain.PhaseBetweenRounds
	s.Deadline = now.Add(s.Settings.Intermission)

	return append(events,
		RoomChanged{},
		TimerSet{Phase: domain.PhaseBetweenRounds, At: s.Deadline},
	)
}

func (s *State) finish(reason, winnerID string) []Event {
	s.Phase = domain.PhaseFinished
	s.Deadline = time.Time{}

	return []Event{
		RoomChanged{},
		Finished{Reason: reason, WinnerID: winnerID},
	}
}

// allAnswered reports whether every connected, non-eliminated player has
// an accepted submission for the current round.
func (s *State) allAnswered() bool {
	any := false
	for _, p := range s.Players {
		if !p.Connected || p.Eliminated {
			continue
		}
		any = true
		if _, ok := p.Answers[s.Round]; !ok {
			return false
		}
	}
	return any
}

func (s *State) alive() int {
	n := 0
	for _, p := range s.Players {
		if !p.Eliminated {
			n++
		}
	}
	return n
}

func clampElapsed(ms int64, limit time.Duration) int64 {
	if ms < 0 {
		return 0
	}
	if max := limit.Milliseconds(); ms > max {
		return max
	}
	return ms
}

// speedPoints computes floor(base * (1 - elapsed/limit)). Exact decimal
// arithmetic keeps the floor stable for elapsed values near the limit.
func speedPoints(base int, elapsedMs int64, limit time.Duration) int {
	limitMs := limit.Milliseconds()
	if limitMs <= 0 {
		return 0
	}

	frac := decimal.NewFromInt(1).Sub(
		decimal.NewFromInt(elapsedMs).Div(decimal.NewFromInt(limitMs)))
	if frac.IsNegative() {
		return 0
	}

	return int(decimal.NewFromInt(int64(base)).Mul(frac).Floor().IntPart())
}
