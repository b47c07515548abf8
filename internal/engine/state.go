package engine

import (
	"sort"
	"time"

	"github.com/studyarena/gameserver/internal/domain"
)

const (
	defaultMaxPlayers        = 8
	defaultBasePoints        = 1000
	defaultFirstCorrectBonus = 100
	defaultQuestionTime      = 30 * time.Second
	defaultSpeedQuestionTime = 10 * time.Second
	defaultCountdown         = 3 * time.Second
	defaultIntermission      = 3 * time.Second
	defaultTurnTime          = 30 * time.Second
)

// Config fixes everything about a session that is immutable after
// creation: identity, game type, settings and the ordered question list.
type Config struct {
	SessionID string
	GroupID   string
	GameType  domain.GameType
	HostID    string
	Settings  domain.Settings
	Questions []domain.Question
}

// State is the authoritative state of one session. It is owned by a
// single room goroutine; the engine mutates it only inside Resolve and
// performs no I/O, so state transitions are sequentially consistent per
// room without locks.
type State struct {
	SessionID string
	GroupID   string
	GameType  domain.GameType
	HostID    string
	Settings  domain.Settings

	Phase    domain.Phase
	Round    int
	Deadline time.Time

	Questions []domain.Question
	Players   map[string]*domain.Player
	Order     []string
	Board     *domain.Board

	// BonusTaken marks whether the first-correct bonus was granted for
	// the current round.
	BonusTaken bool
}

func NewState(c Config) *State {
	s := &State{
		SessionID: c.SessionID,
		GroupID:   c.GroupID,
		GameType:  c.GameType,
		HostID:    c.HostID,
		Settings:  withDefaults(c.Settings, c.GameType),
		Phase:     domain.PhaseLobby,
		Questions: c.Questions,
		Players:   make(map[string]*domain.Player),
	}

	if c.GameType.HasBoard() {
		s.Board = &domain.Board{}
	}

	return s
}

func withDefaults(s domain.Settings, t domain.GameType) domain.Settings {
	if s.MaxPlayers <= 0 || s.MaxPlayers > defaultMaxPlayers {
		s.MaxPlayers = defaultMaxPlayers
	}
	if t.HasBoard() {
		s.MaxPlayers = 2
	}
	if s.BasePoints <= 0 {
		s.BasePoints = defaultBasePoints
	}
	if s.FirstCorrectBonus <= 0 {
		s.FirstCorrectBonus = defaultFirstCorrectBonus
	}
	if s.QuestionTime <= 0 {
		if t == domain.GameTypeSpeedQuiz {
			s.QuestionTime = defaultSpeedQuestionTime
		} else {
			s.QuestionTime = defaultQuestionTime
		}
	}
	if s.Countdown <= 0 {
		s.Countdown = defaultCountdown
	}
	if s.Intermission <= 0 {
		s.Intermission = defaultIntermission
	}
	if s.TurnTime <= 0 {
		s.TurnTime = defaultTurnTime
	}

	return s
}

// Clone deep-copies the state. Rooms keep a clone of the last known-good
// state so a panicking processing step can be rolled back.
func (s *State) Clone() *State {
	c := *s

	c.Players = make(map[string]*domain.Player, len(s.Players))
	for id, p := range s.Players {
		pc := *p
		pc.Answers = make(map[int]domain.Answer, len(p.Answers))
		for r, a := range p.Answers {
			pc.Answers[r] = a
		}
		c.Players[id] = &pc
	}

	c.Order = append([]string(nil), s.Order...)

	if s.Board != nil {
		bc := *s.Board
		bc.Attempted = append([]int(nil), s.Board.Attempted...)
		c.Board = &bc
	}

	return &c
}

// Question returns the current round's question.
func (s *State) Question() domain.Question {
	return s.Questions[s.Round]
}

func (s *State) timeLimit(q domain.Question) time.Duration {
	if q.TimeLimit > 0 {
		return q.TimeLimit
	}
	return s.Settings.QuestionTime
}

// Leaderboard returns all players ranked by score descending, ties
// broken by join order.
func (s *State) Leaderboard() []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(s.Order))
	for _, id := range s.Order {
		p := s.Players[id]
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID:   p.PlayerID,
			PlayerName: p.Name,
			Score:      p.Score,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Score > entries[j].Score
	})

	return entries
}

// Snapshot serializes the full room state for (re)joining sockets and
// ROOM_UPDATE broadcasts. The answer key never leaves the engine.
func (s *State) Snapshot() domain.Snapshot {
	snap := domain.Snapshot{
		SessionID:     s.SessionID,
		GroupID:       s.GroupID,
		GameType:      s.GameType,
		Phase:         s.Phase,
		HostID:        s.HostID,
		Round:         s.Round,
		QuestionCount: len(s.Questions),
		Players:       make([]domain.PlayerView, 0, len(s.Order)),
	}

	if !s.Deadline.IsZero() {
		d := s.Deadline
		snap.Deadline = &d
	}

	for _, id := range s.Order {
		p := s.Players[id]
		snap.Players = append(snap.Players, domain.PlayerView{
			PlayerID:   p.PlayerID,
			PlayerName: p.Name,
			Host:       p.Host,
			Ready:      p.Ready,
			Connected:  p.Connected,
			Eliminated: p.Eliminated,
			Score:      p.Score,
		})
	}

	if s.Board != nil {
		snap.Board = boardView(s.Board)
		// The board client answers cell-assigned questions, so the full
		// sanitized list ships with every snapshot.
		snap.Questions = make([]domain.QuestionView, 0, len(s.Questions))
		for _, q := range s.Questions {
			snap.Questions = append(snap.Questions, SanitizeQuestion(q, s.timeLimit(q)))
		}
	}

	return snap
}

// SanitizeQuestion strips the answer key from a question.
func SanitizeQuestion(q domain.Question, limit time.Duration) domain.QuestionView {
	return domain.QuestionView{
		QuestionID:  q.QuestionID,
		Text:        q.Text,
		Options:     q.Options,
		TimeLimitMs: limit.Milliseconds(),
	}
}

func boardView(b *domain.Board) *domain.BoardView {
	v := &domain.BoardView{
		Turn:      b.Turn,
		Attempted: append([]int(nil), b.Attempted...),
	}
	for i, c := range b.Cells {
		v.Cells[i] = c.String()
	}
	return v
}
