// Package gateway accepts the REST and WebSocket surfaces: session
// creation and join-by-code over HTTP, then one socket per player
// attached to its room.
package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/studyarena/gameserver/internal/domain"
	"github.com/studyarena/gameserver/internal/errors"
	"github.com/studyarena/gameserver/internal/leaderboard"
	"github.com/studyarena/gameserver/internal/protocol"
	"github.com/studyarena/gameserver/internal/registry"
	"github.com/studyarena/gameserver/internal/room"
)

// Inbound frames per connection: sustained rate and burst.
const (
	inboundRate  = rate.Limit(10)
	inboundBurst = 20
)

type Config struct {
	Router      *gin.Engine
	Registry    *registry.Registry
	Leaderboard *leaderboard.Service
	Logger      *slog.Logger
}

type Gateway struct {
	reg      *registry.Registry
	lb       *leaderboard.Service
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(c Config) *Gateway {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	g := &Gateway{
		reg: c.Registry,
		lb:  c.Leaderboard,
		log: c.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", g.createSession)
	v1.POST("/sessions/join", g.joinSession)
	v1.GET("/sessions/:id/leaderboard", g.getLeaderboard)
	v1.GET("/sessions/:id/ws", g.serveWS)

	return g
}

type questionPayload struct {
	QuestionID  string   `json:"questionId"`
	Text        string   `json:"text" binding:"required"`
	Options     []string `json:"options" binding:"required"`
	CorrectIdx  int      `json:"correctAnswerIndex"`
	Explanation string   `json:"explanation"`
	TimeLimitMs int64    `json:"timeLimitMs"`
}

type settingsPayload struct {
	MaxPlayers        int   `json:"maxPlayers"`
	BasePoints        int   `json:"basePoints"`
	FirstCorrectBonus int   `json:"firstCorrectBonus"`
	QuestionTimeMs    int64 `json:"questionTimeMs"`
	CountdownMs       int64 `json:"countdownMs"`
	IntermissionMs    int64 `json:"intermissionMs"`
	TurnTimeMs        int64 `json:"turnTimeMs"`
}

type createSessionRequest struct {
	GroupID   string            `json:"groupId"`
	GameType  string            `json:"gameType" binding:"required"`
	HostID    string            `json:"hostId" binding:"required"`
	Settings  settingsPayload   `json:"settings"`
	Questions []questionPayload `json:"questions" binding:"required"`
}

type createSessionResponse struct {
	GameSessionID string `json:"gameSessionId"`
	JoinCode      string `json:"joinCode"`
}

// createSession is the host path. The question set arrives pre-built and
// ordered from the question source; the engine never fetches questions
// mid-session.
func (g *Gateway) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.abort(c, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("invalid session request"), errors.WithCause(err)))
		return
	}

	questions := make([]domain.Question, 0, len(req.Questions))
	for i, q := range req.Questions {
		id := q.QuestionID
		if id == "" {
			id = generatedQuestionID(i)
		}
		questions = append(questions, domain.Question{
			QuestionID:   id,
			Text:         q.Text,
			Options:      q.Options,
			CorrectIndex: q.CorrectIdx,
			Explanation:  q.Explanation,
			TimeLimit:    time.Duration(q.TimeLimitMs) * time.Millisecond,
		})
	}

	rm, err := g.reg.CreateRoom(registry.CreateRoomRequest{
		GroupID:  req.GroupID,
		GameType: domain.GameType(req.GameType),
		HostID:   req.HostID,
		Settings: domain.Settings{
			MaxPlayers:        req.Settings.MaxPlayers,
			BasePoints:        req.Settings.BasePoints,
			FirstCorrectBonus: req.Settings.FirstCorrectBonus,
			QuestionTime:      time.Duration(req.Settings.QuestionTimeMs) * time.Millisecond,
			Countdown:         time.Duration(req.Settings.CountdownMs) * time.Millisecond,
			Intermission:      time.Duration(req.Settings.IntermissionMs) * time.Millisecond,
			TurnTime:          time.Duration(req.Settings.TurnTimeMs) * time.Millisecond,
		},
		Questions: questions,
	})
	if err != nil {
		g.abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, createSessionResponse{
		GameSessionID: rm.ID(),
		JoinCode:      rm.JoinCode(),
	})
}

type joinSessionRequest struct {
	Code     string `json:"code" binding:"required"`
	UserID   string `json:"userId" binding:"required"`
	UserName string `json:"userName"`
}

// joinSession resolves a join code to a session snapshot. The caller
// then attaches over the WebSocket path to take a seat.
func (g *Gateway) joinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.abort(c, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("invalid join request"), errors.WithCause(err)))
		return
	}

	rm, err := g.reg.GetByCode(req.Code)
	if err != nil {
		g.abort(c, err)
		return
	}

	snap, err := rm.Snapshot(c.Request.Context())
	if err != nil {
		g.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": snap})
}

func (g *Gateway) getLeaderboard(c *gin.Context) {
	entries, err := g.lb.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		SessionID: c.Param("id"),
	})
	if err != nil {
		g.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// serveWS upgrades the connection, waits for the JOIN handshake, and
// attaches the socket to its room.
func (g *Gateway) serveWS(c *gin.Context) {
	sessionID := c.Param("id")

	rm, err := g.reg.Get(sessionID)
	if err != nil {
		g.abort(c, err)
		return
	}

	socket, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("gateway: websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	ws := newWSConn(socket)
	go ws.writePump()

	join, err := readJoin(socket, sessionID)
	if err != nil {
		ws.Send(protocol.EncodeError(err))
		ws.Close()
		return
	}

	name := join.UserName
	if name == "" {
		name = join.UserID
	}

	if err := rm.Attach(c.Request.Context(), join.UserID, name, ws); err != nil {
		ws.Send(protocol.EncodeError(err))
		ws.Close()
		return
	}

	g.readPump(rm, join.UserID, ws)
}

// readJoin enforces the handshake: the first frame must be a JOIN for
// this session, within the handshake window.
func readJoin(socket *websocket.Conn, sessionID string) (protocol.JoinPayload, error) {
	socket.SetReadDeadline(time.Now().Add(joinWait))

	_, data, err := socket.ReadMessage()
	if err != nil {
		return protocol.JoinPayload{}, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("no join handshake"), errors.WithCause(err))
	}

	msg, err := protocol.ParseClient(data)
	if err != nil {
		return protocol.JoinPayload{}, err
	}
	if msg.Type != protocol.TypeJoin {
		return protocol.JoinPayload{}, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("expected JOIN, got %s", msg.Type))
	}

	var join protocol.JoinPayload
	if err := msg.DecodePayload(&join); err != nil {
		return protocol.JoinPayload{}, err
	}
	if join.UserID == "" {
		return protocol.JoinPayload{}, errors.New(errors.CodeMalformedMessage, errors.WithMessagef("missing user id"))
	}
	if join.SessionID != "" && join.SessionID != sessionID {
		return protocol.JoinPayload{}, errors.New(errors.CodeMalformedMessage,
			errors.WithMessagef("join for session %s on socket for %s", join.SessionID, sessionID))
	}

	return join, nil
}

// readPump forwards decoded frames into the room mailbox until the
// socket dies, then detaches the player (disconnected, seat kept).
func (g *Gateway) readPump(rm *room.Room, playerID string, ws *wsConn) {
	defer func() {
		rm.Detach(playerID, ws)
		ws.Close()
	}()

	limiter := rate.NewLimiter(inboundRate, inboundBurst)

	ws.socket.SetReadDeadline(time.Now().Add(pongWait))
	ws.socket.SetPongHandler(func(string) error {
		ws.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.socket.ReadMessage()
		if err != nil {
			return
		}

		if !limiter.Allow() {
			continue // shed floods silently, the seat stays
		}

		msg, err := protocol.ParseClient(data)
		if err != nil {
			ws.Send(protocol.EncodeError(err))
			continue
		}

		rm.Forward(playerID, msg)
	}
}

func (g *Gateway) abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		g.log.Error("gateway: request failed", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"code": e.Code, "message": e.Message})
}

func generatedQuestionID(i int) string {
	return "q" + strconv.Itoa(i+1)
}
