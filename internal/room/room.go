// Package room runs one goroutine-per-session actor that owns the
// authoritative game state. All mutations flow through a single mailbox;
// the actor processes one message to completion before the next, so the
// state machine is sequentially consistent without locks.
package room

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/engine"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/event"
	"github.com/studyarena/gameserver/internal/protocol"
	"github.com/studyarena/gameserver/internal/telemetry"
)

const inboxSize = 256

// Sender is the room's view of an attached socket. Send must not block;
// it reports false when the connection can no longer accept frames.
type Sender interface {
	Send(frame []byte) bool
	Close()
}

type Config struct {
	ID       string
	JoinCode string
	State    *engine.State
	Bus      *event.Bus
	Logger   *slog.Logger
}

type Room struct {
	id   string
	code string
	log  *slog.Logger
	eb   *event.Bus

	state    *engine.State
	lastGood *engine.State
	conns    map[string]Sender

	inbox     chan command
	done      chan struct{}
	closeOnce sync.Once
	timerGen  int

	createdAt    time.Time
	everAttached atomic.Bool
	attached     atomic.Int32
	finishedAt   atomic.Int64
	lastDetach   atomic.Int64
}

type command interface{}

type attachCmd struct {
	playerID string
	name     string
	sender   Sender
	reply    chan error
}

type detachCmd struct {
	playerID string
	sender   Sender
}

type frameCmd struct {
	playerID string
	msg      protocol.ClientMessage
	now      time.Time
}

type timerCmd struct {
	gen   int
	phase domain.Phase
	now   time.Time
}

type snapshotCmd struct {
	reply chan domain.Snapshot
}

func New(c Config) *Room {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return &Room{
		id:        c.ID,
		code:      c.JoinCode,
		log:       c.Logger.With("session", c.ID),
		eb:        c.Bus,
		state:     c.State,
		lastGood:  c.State.Clone(),
		conns:     make(map[string]Sender),
		inbox:     make(chan command, inboxSize),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

func (r *Room) ID() string       { return r.id }
func (r *Room) JoinCode() string { return r.code }

// Run is the actor loop. It exits when Close is called, releasing every
// attached socket on the way out; conns is only ever touched from this
// goroutine.
func (r *Room) Run() {
	defer r.release()

	for {
		select {
		case <-r.done:
			return
		case cmd := <-r.inbox:
			r.step(cmd)
		}
	}
}

func (r *Room) release() {
	for id, c := range r.conns {
		delete(r.conns, id)
		r.attached.Add(-1)
		telemetry.AttachedSockets.Dec()
		c.Close()
	}
}

// step processes one mailbox message. A panic is isolated to this room:
// the state rolls back to the last known-good clone and the loop keeps
// serving.
func (r *Room) step(cmd command) {
	defer func() {
		if p := recover(); p != nil {
			telemetry.RoomPanics.Inc()
			r.log.Error("room: processing step panic, restoring last known-good state",
				"error", fmt.Errorf("%v, stack: %s", p, debug.Stack()),
			)
			r.state = r.lastGood.Clone()
			return
		}
		r.lastGood = r.state.Clone()
	}()

	switch cmd := cmd.(type) {
	case attachCmd:
		cmd.reply <- r.handleAttach(cmd)
	case detachCmd:
		r.handleDetach(cmd)
	case frameCmd:
		r.handleFrame(cmd)
	case timerCmd:
		r.handleTimer(cmd)
	case snapshotCmd:
		cmd.reply <- r.snapshot()
	}
}

// Close stops the actor. The actor loop releases the attached sockets
// before exiting.
func (r *Room) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// Attach connects a socket to a player seat. A known player id is a
// reconnection: the seat keeps its score and the socket gets a fresh
// snapshot. An unknown id joins as a new player, subject to capacity.
func (r *Room) Attach(ctx context.Context, playerID, name string, s Sender) error {
	cmd := attachCmd{playerID: playerID, name: name, sender: s, reply: make(chan error, 1)}

	select {
	case r.inbox <- cmd:
	case <-r.done:
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session %s is gone", r.id))
	case <-ctx.Done():
		return errors.Internal(ctx.Err())
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return errors.Internal(ctx.Err())
	}
}

// Detach marks the player disconnected. The seat survives until an
// explicit leave or session end.
func (r *Room) Detach(playerID string, s Sender) {
	select {
	case r.inbox <- detachCmd{playerID: playerID, sender: s}:
	case <-r.done:
	}
}

// Forward delivers a decoded client frame to the mailbox.
func (r *Room) Forward(playerID string, m protocol.ClientMessage) {
	select {
	case r.inbox <- frameCmd{playerID: playerID, msg: m, now: time.Now()}:
	case <-r.done:
	}
}

// Snapshot returns the room's current full state.
func (r *Room) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	cmd := snapshotCmd{reply: make(chan domain.Snapshot, 1)}

	select {
	case r.inbox <- cmd:
	case <-r.done:
		return domain.Snapshot{}, errors.New(errors.CodeNotFound, errors.WithMessagef("session %s is gone", r.id))
	case <-ctx.Done():
		return domain.Snapshot{}, errors.Internal(ctx.Err())
	}

	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-ctx.Done():
		return domain.Snapshot{}, errors.Internal(ctx.Err())
	}
}

// Reapable reports whether the registry may destroy this room: finished
// or emptied past the idle grace, or never attached past the creation
// timeout.
func (r *Room) Reapable(now time.Time, idleGrace, createTimeout time.Duration) bool {
	if r.attached.Load() > 0 {
		return false
	}
	if f := r.finishedAt.Load(); f > 0 {
		return now.Sub(time.Unix(0, f)) >= idleGrace
	}
	if !r.everAttached.Load() {
		return now.Sub(r.createdAt) >= createTimeout
	}
	if ld := r.lastDetach.Load(); ld > 0 {
		return now.Sub(time.Unix(0, ld)) >= idleGrace
	}
	return false
}

func (r *Room) handleAttach(cmd attachCmd) error {
	if r.state.Phase == domain.PhaseFinished {
		return errors.New(errors.CodeInvalidPhase, errors.WithMessagef("session %s already finished", r.id))
	}

	_, known := r.state.Players[cmd.playerID]

	var (
		events []engine.Event
		err    error
	)
	if known {
		events, err = engine.Resolve(r.state, engine.Reconnect{PlayerID: cmd.playerID})
	} else {
		events, err = engine.Resolve(r.state, engine.Join{PlayerID: cmd.playerID, Name: cmd.name})
	}
	if err != nil {
		return err
	}

	if old, ok := r.conns[cmd.playerID]; ok && old != cmd.sender {
		old.Close()
		r.attached.Add(-1)
	}
	r.conns[cmd.playerID] = cmd.sender
	r.attached.Add(1)
	r.everAttached.Store(true)
	telemetry.AttachedSockets.Inc()

	// Resync goes to the (re)attaching socket only; everyone else just
	// sees the roster change.
	r.unicast(cmd.playerID, protocol.TypeRoomUpdate, protocol.RoomUpdatePayload{Session: r.snapshot()})
	r.applyEvents(events, time.Now())

	if !known {
		r.publish(domain.EventPlayerJoined{
			SessionID:  r.id,
			PlayerID:   cmd.playerID,
			PlayerName: cmd.name,
			At:         time.Now(),
		})
	}

	r.log.Info("room: socket attached", "player", cmd.playerID, "reconnect", known)
	return nil
}

func (r *Room) handleDetach(cmd detachCmd) {
	cur, ok := r.conns[cmd.playerID]
	if !ok || cur != cmd.sender {
		return // stale detach racing a reconnection
	}

	delete(r.conns, cmd.playerID)
	r.attached.Add(-1)
	r.lastDetach.Store(time.Now().UnixNano())
	telemetry.AttachedSockets.Dec()

	events, err := engine.Resolve(r.state, engine.Disconnect{PlayerID: cmd.playerID, Now: time.Now()})
	if err != nil {
		return // player already left
	}
	r.applyEvents(events, time.Now())

	r.log.Info("room: socket detached", "player", cmd.playerID)
}

func (r *Room) handleFrame(cmd frameCmd) {
	telemetry.ActionsTotal.WithLabelValues(cmd.msg.Type).Inc()

	action, err := r.decodeAction(cmd)
	if err != nil {
		r.sendError(cmd.playerID, err)
		return
	}
	if action == nil {
		return
	}

	events, err := engine.Resolve(r.state, action)
	if err != nil {
		r.sendError(cmd.playerID, err)
		return
	}

	r.applyEvents(events, cmd.now)

	if _, left := action.(engine.Leave); left {
		if c, ok := r.conns[cmd.playerID]; ok {
			delete(r.conns, cmd.playerID)
			r.attached.Add(-1)
			r.lastDetach.Store(time.Now().UnixNano())
			telemetry.AttachedSockets.Dec()
			c.Close()
		}
		r.publish(domain.EventPlayerLeft{SessionID: r.id, PlayerID: cmd.playerID, At: cmd.now})
	}
}

func (r *Room) decodeAction(cmd frameCmd) (engine.Action, error) {
	switch cmd.msg.Type {
	case protocol.TypeReady:
		var p protocol.ReadyPayload
		if err := cmd.msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		return engine.SetReady{PlayerID: cmd.playerID, Ready: p.IsReady}, nil

	case protocol.TypeStartGame:
		return engine.StartGame{PlayerID: cmd.playerID, Now: cmd.now}, nil

	case protocol.TypeSubmitAnswer:
		var p protocol.SubmitAnswerPayload
		if err := cmd.msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		return engine.SubmitAnswer{
			PlayerID:        cmd.playerID,
			QuestionID:      p.QuestionID,
			OptionIndex:     p.AnswerIndex,
			ClientElapsedMs: p.TimeElapsedMs,
			Now:             cmd.now,
		}, nil

	case protocol.TypeSubmitTTTMove:
		var p protocol.SubmitTTTMovePayload
		if err := cmd.msg.DecodePayload(&p); err != nil {
			return nil, err
		}
		return engine.SubmitMove{
			PlayerID:    cmd.playerID,
			CellIndex:   p.CellIndex,
			OptionIndex: p.AnswerIndex,
			Now:         cmd.now,
		}, nil

	case protocol.TypeLeave:
		return engine.Leave{PlayerID: cmd.playerID, Now: cmd.now}, nil

	case protocol.TypeJoin:
		// Attach already joined this player; a second JOIN is a protocol
		// violation, not a reprocessable action.
		return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("already joined"))
	}

	return nil, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("unknown message type %q", cmd.msg.Type))
}

func (r *Room) handleTimer(cmd timerCmd) {
	if cmd.gen != r.timerGen {
		return // superseded by a newer phase deadline
	}

	events, err := engine.Resolve(r.state, engine.DeadlineExpired{Phase: cmd.phase, Now: cmd.now})
	if err != nil {
		r.log.Error("room: timer resolve failed", "error", err)
		return
	}

	r.applyEvents(events, cmd.now)
}

func (r *Room) armTimer(phase domain.Phase, at time.Time) {
	r.timerGen++
	gen := r.timerGen

	d := time.Until(at)
	if d < 0 {
		d = 0
	}

	time.AfterFunc(d, func() {
		select {
		case r.inbox <- timerCmd{gen: gen, phase: phase, now: time.Now()}:
		case <-r.done:
		}
	})
}

func (r *Room) snapshot() domain.Snapshot {
	snap := r.state.Snapshot()
	snap.JoinCode = r.code
	return snap
}
