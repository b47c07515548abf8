// Package registry owns the process-wide map of live rooms. Lookups are
// sharded so room creation and routing never contend on a single lock.
package registry

import (
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/engine"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/event"
	"github.com/studyarena/gameserver/internal/room"
	"github.com/studyarena/gameserver/internal/telemetry"
)

const (
	shardCount = 16

	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6

	defaultIdleGrace     = 5 * time.Minute
	defaultCreateTimeout = 10 * time.Minute
	reapInterval         = 30 * time.Second
)

type Config struct {
	Bus    *event.Bus
	Logger *slog.Logger

	// IdleGrace is how long a finished or emptied room survives with no
	// attached sockets. CreateTimeout bounds rooms nobody ever joined.
	IdleGrace     time.Duration
	CreateTimeout time.Duration
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room
}

type Registry struct {
	c   Config
	log *slog.Logger

	shards [shardCount]*shard

	codeMu sync.RWMutex
	codes  map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

func New(c Config) *Registry {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.IdleGrace <= 0 {
		c.IdleGrace = defaultIdleGrace
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = defaultCreateTimeout
	}

	r := &Registry{
		c:     c,
		log:   c.Logger,
		codes: make(map[string]string),
		done:  make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*room.Room)}
	}

	return r
}

type CreateRoomRequest struct {
	GroupID   string
	GameType  domain.GameType
	HostID    string
	Settings  domain.Settings
	Questions []domain.Question
}

// CreateRoom builds a room around an immutable question set and starts
// its actor. The host joins later over the WebSocket path.
func (r *Registry) CreateRoom(req CreateRoomRequest) (*room.Room, error) {
	if !req.GameType.Valid() {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("unknown game type %q", req.GameType))
	}
	if req.HostID == "" {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("missing host id"))
	}
	if req.GameType.HasBoard() {
		if len(req.Questions) < engine.BoardQuestionCount {
			return nil, errors.New(errors.CodeMalformedMessage,
				errors.WithMessagef("board game needs %d questions, got %d", engine.BoardQuestionCount, len(req.Questions)))
		}
		req.Questions = req.Questions[:engine.BoardQuestionCount]
	}
	if len(req.Questions) == 0 {
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("empty question set"))
	}
	for i, q := range req.Questions {
		if len(q.Options) < 2 || q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("question %d has no valid answer key", i))
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("generate session id: %w", err))
	}

	code, err := r.claimCode(id.String())
	if err != nil {
		return nil, err
	}

	rm := room.New(room.Config{
		ID:       id.String(),
		JoinCode: code,
		State: engine.NewState(engine.Config{
			SessionID: id.String(),
			GroupID:   req.GroupID,
			GameType:  req.GameType,
			HostID:    req.HostID,
			Settings:  req.Settings,
			Questions: req.Questions,
		}),
		Bus:    r.c.Bus,
		Logger: r.log,
	})

	sh := r.shardFor(rm.ID())
	sh.mu.Lock()
	sh.rooms[rm.ID()] = rm
	sh.mu.Unlock()

	go rm.Run()
	telemetry.ActiveRooms.Inc()

	r.log.Info("registry: room created",
		"session", rm.ID(),
		"code", code,
		"game_type", string(req.GameType),
		"questions", len(req.Questions),
	)

	return rm, nil
}

// Get routes a session id to its live room.
func (r *Registry) Get(sessionID string) (*room.Room, error) {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	rm, ok := sh.rooms[sessionID]
	sh.mu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session %s not found", sessionID))
	}
	return rm, nil
}

// GetByCode resolves a join code to its room.
func (r *Registry) GetByCode(code string) (*room.Room, error) {
	r.codeMu.RLock()
	id, ok := r.codes[code]
	r.codeMu.RUnlock()

	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no session for code %s", code))
	}
	return r.Get(id)
}

// Destroy stops a room and forgets it.
func (r *Registry) Destroy(sessionID string) {
	sh := r.shardFor(sessionID)
	sh.mu.Lock()
	rm, ok := sh.rooms[sessionID]
	delete(sh.rooms, sessionID)
	sh.mu.Unlock()

	if !ok {
		return
	}

	rm.Close()
	r.releaseCode(rm.JoinCode())
	telemetry.ActiveRooms.Dec()

	r.log.Info("registry: room destroyed", "session", sessionID)
}

// Run drives the reaper until Close. Destroying a room cancels its
// pending phase timers via the room's own shutdown.
func (r *Registry) Run() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.reap(now)
		}
	}
}

// Close stops the reaper and every live room.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		for _, sh := range r.shards {
			sh.mu.Lock()
			for id, rm := range sh.rooms {
				rm.Close()
				delete(sh.rooms, id)
				telemetry.ActiveRooms.Dec()
			}
			sh.mu.Unlock()
		}
	})
}

func (r *Registry) reap(now time.Time) {
	var doomed []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, rm := range sh.rooms {
			if rm.Reapable(now, r.c.IdleGrace, r.c.CreateTimeout) {
				doomed = append(doomed, id)
			}
		}
		sh.mu.RUnlock()
	}

	for _, id := range doomed {
		r.Destroy(id)
	}
}

func (r *Registry) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) claimCode(sessionID string) (string, error) {
	r.codeMu.Lock()
	defer r.codeMu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", errors.Internal(err)
		}
		if _, taken := r.codes[code]; taken {
			continue
		}
		r.codes[code] = sessionID
		return code, nil
	}

	return "", errors.Internal(fmt.Errorf("join code space exhausted"))
}

func (r *Registry) releaseCode(code string) {
	r.codeMu.Lock()
	delete(r.codes, code)
	r.codeMu.Unlock()
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
