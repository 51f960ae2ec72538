package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	socketio "github.com/googollee/go-socket.io"
	"github.com/jav/lucho-party-game/internal/game"
	"github.com/rs/zerolog/log"
)

const commandTimeout = 10 * time.Second

type ConnCtx struct {
	Code     string
	PlayerID string
}

type Server struct {
	RM *game.RoomManager

	mu      sync.Mutex
	members map[string]*room // sessionCode -> local connections
}

// room is the set of local connections bound to one session. Each room
// registers its own hub listener, so a late Off from a room that has
// already emptied cannot remove the listener of its successor.
type room struct {
	listener string
	conns    map[string]socketio.Conn // socketID -> Conn
}

func New(rm *game.RoomManager) *Server {
	return &Server{RM: rm, members: make(map[string]*room)}
}

type lobbyPayload struct {
	SessionCode string `json:"sessionCode"`
	PlayerID    string `json:"playerId"`
	Name        string `json:"name"`
}

// Mount attaches the Socket.IO server with its handlers to the given Gin engine.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("module", "ws").Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	io.OnEvent("/", "lobby:create", func(s socketio.Conn, payload lobbyPayload) map[string]any {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		playerID := payload.PlayerID
		if playerID == "" {
			playerID = uuid.NewString()
		}
		st, err := srv.RM.CreateLobby(ctx, playerID, payload.Name)
		if err != nil {
			return srv.err(s, err)
		}
		srv.bind(ctx, s, st.SessionID, playerID)
		log.Info().Str("module", "ws").Str("sid", s.ID()).Str("code", st.SessionID).Msg("lobby:create")
		srv.emitTo(s, st)
		return map[string]any{"ok": true, "sessionCode": st.SessionID, "playerId": playerID}
	})

	io.OnEvent("/", "lobby:join", func(s socketio.Conn, payload lobbyPayload) map[string]any {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		playerID := payload.PlayerID
		if playerID == "" {
			playerID = uuid.NewString()
		}
		st, err := srv.RM.JoinLobby(ctx, payload.SessionCode, playerID, payload.Name)
		if err != nil {
			return srv.err(s, err)
		}
		srv.bind(ctx, s, st.SessionID, playerID)
		log.Info().Str("module", "ws").Str("sid", s.ID()).Str("code", st.SessionID).Str("playerId", playerID).Msg("lobby:join")
		srv.emitTo(s, st)
		return map[string]any{"ok": true, "sessionCode": st.SessionID, "playerId": playerID}
	})

	io.OnEvent("/", "player:rename", func(s socketio.Conn, payload struct {
		Name string `json:"name"`
	}) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.ChangeName(ctx, c.Code, c.PlayerID, payload.Name)
		})
	})

	io.OnEvent("/", "session:leave", func(s socketio.Conn) map[string]any {
		c := connCtx(s)
		if c.Code == "" {
			return map[string]any{"ok": true}
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := srv.RM.LeaveSession(ctx, c.Code, c.PlayerID); err != nil {
			return srv.err(s, err)
		}
		srv.unbind(s, c.Code)
		s.SetContext(&ConnCtx{})
		return map[string]any{"ok": true}
	})

	io.OnEvent("/", "game:start", func(s socketio.Conn) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.StartGame(ctx, c.Code, c.PlayerID)
		})
	})

	io.OnEvent("/", "round:selectScene", func(s socketio.Conn, payload struct {
		SceneID string `json:"sceneId"`
	}) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.SelectScene(ctx, c.Code, c.PlayerID, payload.SceneID)
		})
	})

	io.OnEvent("/", "round:selectStyle", func(s socketio.Conn, payload struct {
		StyleID string `json:"styleId"`
	}) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.SelectDirectorStyle(ctx, c.Code, c.PlayerID, payload.StyleID)
		})
	})

	io.OnEvent("/", "round:ready", func(s socketio.Conn) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.MarkReady(ctx, c.Code, c.PlayerID)
		})
	})

	io.OnEvent("/", "round:rate", func(s socketio.Conn, payload struct {
		Stars int      `json:"stars"`
		Tags  []string `json:"tags"`
	}) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.SubmitRating(ctx, c.Code, c.PlayerID, payload.Stars, payload.Tags)
		})
	})

	io.OnEvent("/", "game:continue", func(s socketio.Conn, payload struct {
		Vote bool `json:"vote"`
	}) map[string]any {
		return srv.command(s, func(ctx context.Context, c *ConnCtx) (*game.State, error) {
			return srv.RM.VoteToContinue(ctx, c.Code, c.PlayerID, payload.Vote)
		})
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		sid := ""
		if s != nil {
			sid = s.ID()
		}
		log.Error().Str("module", "ws").Str("sid", sid).Err(e).Msg("socket error")
	})

	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		c := connCtx(s)
		if c.Code != "" {
			if last := srv.unbind(s, c.Code); last[c.PlayerID] {
				ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
				if err := srv.RM.LeaveSession(ctx, c.Code, c.PlayerID); err != nil {
					log.Error().Err(err).Str("module", "ws").Str("code", c.Code).Msg("mark player disconnected")
				}
				cancel()
			}
		}
		log.Info().Str("module", "ws").Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Str("module", "ws").Msg("socket.io serve")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Basic CORS preflight for Socket.IO POST
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func connCtx(s socketio.Conn) *ConnCtx {
	if c, ok := s.Context().(*ConnCtx); ok && c != nil {
		return c
	}
	return &ConnCtx{}
}

// command runs fn for a connection that has joined a session.
func (srv *Server) command(s socketio.Conn, fn func(ctx context.Context, c *ConnCtx) (*game.State, error)) map[string]any {
	c := connCtx(s)
	if c.Code == "" {
		return srv.err(s, game.ErrNotFound)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	st, err := fn(ctx, c)
	if err != nil {
		return srv.err(s, err)
	}
	return map[string]any{"ok": true, "phase": st.Phase}
}

// bind attaches s to a session, subscribing this server to the session's
// state changes with its first local connection.
func (srv *Server) bind(ctx context.Context, s socketio.Conn, code, playerID string) {
	if prev := connCtx(s); prev.Code != "" && prev.Code != code {
		srv.unbind(s, prev.Code)
	}
	s.SetContext(&ConnCtx{Code: code, PlayerID: playerID})
	s.Join(code)

	srv.mu.Lock()
	m := srv.members[code]
	first := m == nil
	if first {
		m = &room{listener: "socketio-" + uuid.NewString(), conns: make(map[string]socketio.Conn)}
		srv.members[code] = m
	}
	m.conns[s.ID()] = s
	listener := m.listener
	srv.mu.Unlock()

	if first {
		err := srv.RM.OnStateChange(ctx, code, listener, func(_ game.Event, st *game.State) {
			srv.emitState(code, listener, st)
		})
		if err != nil {
			log.Error().Err(err).Str("module", "ws").Str("code", code).Msg("subscribe to session")
		}
	}
}

// unbind removes s from a session and reports which players no longer have
// any local connection to it.
func (srv *Server) unbind(s socketio.Conn, code string) map[string]bool {
	gone, stale := srv.detach(s, code)
	if stale != "" {
		srv.RM.OffStateChange(code, stale)
	}
	return gone
}

// detach drops s from the room and returns the room's listener id when s
// was its last connection.
func (srv *Server) detach(s socketio.Conn, code string) (map[string]bool, string) {
	s.Leave(code)
	gone := map[string]bool{}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	m := srv.members[code]
	if m == nil {
		return gone, ""
	}
	if c, ok := m.conns[s.ID()]; ok {
		gone[connCtx(c).PlayerID] = true
		delete(m.conns, s.ID())
	}
	for _, c := range m.conns {
		delete(gone, connCtx(c).PlayerID)
	}
	if len(m.conns) > 0 {
		return gone, ""
	}
	delete(srv.members, code)
	return gone, m.listener
}

// emitState fans st out to the room registered under listener. Callbacks
// of a room that has since been replaced are ignored.
func (srv *Server) emitState(code, listener string, st *game.State) {
	srv.mu.Lock()
	m := srv.members[code]
	if m == nil || m.listener != listener {
		srv.mu.Unlock()
		return
	}
	conns := make([]socketio.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	srv.mu.Unlock()
	for _, c := range conns {
		srv.emitTo(c, st)
	}
}

func (srv *Server) emitTo(c socketio.Conn, st *game.State) {
	c.Emit("game:state", map[string]any{
		"state": st,
		"you":   map[string]any{"playerId": connCtx(c).PlayerID},
	})
}

func (srv *Server) err(s socketio.Conn, err error) map[string]any {
	code := game.Code(err)
	if code == "internal" {
		log.Error().Err(err).Str("module", "ws").Str("sid", s.ID()).Msg("command failed")
	}
	s.Emit("error", map[string]any{"code": code, "message": err.Error()})
	return map[string]any{"error": err.Error(), "code": code}
}
