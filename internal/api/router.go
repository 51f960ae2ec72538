// Package api exposes the session commands over HTTP. Players are
// identified by a per-device id kept in a signed session cookie.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jav/lucho-party-game/internal/game"
	"github.com/jav/lucho-party-game/internal/ws"
	"github.com/rs/zerolog/log"
)

const (
	cookieName     = "lucho"
	playerKey      = "player_id"
	ctxPlayerID    = "player_id"
	cookieLifetime = 7 * 24 * time.Hour
)

type Options struct {
	Mode          string
	SessionSecret string
	// Ping reports store health for /health; nil means always healthy.
	Ping func(ctx context.Context) error
}

type handlers struct {
	rm *game.RoomManager
}

func NewRouter(opts Options, rm *game.RoomManager) *gin.Engine {
	if opts.Mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	store := cookie.NewStore([]byte(opts.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cookieLifetime.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(cookieName, store))
	r.Use(playerIdentity())

	r.GET("/health", func(c *gin.Context) {
		if opts.Ping != nil {
			if err := opts.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	h := &handlers{rm: rm}
	api := r.Group("/api")
	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"playerId": c.GetString(ctxPlayerID)})
	})
	api.GET("/catalog", func(c *gin.Context) {
		c.JSON(http.StatusOK, rm.Catalog())
	})
	api.POST("/sessions", h.create)

	s := api.Group("/sessions/:code")
	s.GET("", h.state)
	s.GET("/selection", h.selection)
	s.GET("/stream", ws.NewStream(rm).Handle)
	s.POST("/join", h.join)
	s.POST("/rename", h.rename)
	s.POST("/leave", h.leave)
	s.POST("/start", h.start)
	s.POST("/scene", h.scene)
	s.POST("/style", h.style)
	s.POST("/ready", h.ready)
	s.POST("/rating", h.rating)
	s.POST("/vote", h.vote)

	return r
}

// requestLogger logs every request except the Socket.IO polling noise.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		log.Info().Str("module", "api").Str("method", c.Request.Method).Str("path", path).
			Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	}
}

// playerIdentity assigns each device a stable player id on first contact.
func playerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		id, _ := sess.Get(playerKey).(string)
		if id == "" {
			id = uuid.NewString()
			sess.Set(playerKey, id)
			if err := sess.Save(); err != nil {
				log.Error().Err(err).Str("module", "api").Msg("save player cookie")
			}
		}
		c.Set(ctxPlayerID, id)
		c.Next()
	}
}

func fail(c *gin.Context, err error) {
	code := game.Code(err)
	if code == "internal" {
		log.Error().Err(err).Str("module", "api").Str("path", c.Request.URL.Path).Msg("command failed")
	}
	c.JSON(game.HTTPStatus(err), gin.H{"error": err.Error(), "code": code})
}

func respond(c *gin.Context, st *game.State, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st, "playerId": c.GetString(ctxPlayerID)})
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": game.Code(game.ErrInvalidInput)})
		return false
	}
	return true
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *handlers) create(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.CreateLobby(c.Request.Context(), c.GetString(ctxPlayerID), req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"state": st, "playerId": c.GetString(ctxPlayerID)})
}

func (h *handlers) state(c *gin.Context) {
	st, err := h.rm.State(c.Request.Context(), c.Param("code"))
	respond(c, st, err)
}

func (h *handlers) selection(c *gin.Context) {
	sel, err := h.rm.Selection(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

func (h *handlers) join(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.JoinLobby(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), req.Name)
	respond(c, st, err)
}

func (h *handlers) rename(c *gin.Context) {
	var req nameRequest
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.ChangeName(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), req.Name)
	respond(c, st, err)
}

func (h *handlers) leave(c *gin.Context) {
	if err := h.rm.LeaveSession(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *handlers) start(c *gin.Context) {
	st, err := h.rm.StartGame(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID))
	respond(c, st, err)
}

func (h *handlers) scene(c *gin.Context) {
	var req struct {
		SceneID string `json:"sceneId"`
	}
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.SelectScene(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), req.SceneID)
	respond(c, st, err)
}

func (h *handlers) style(c *gin.Context) {
	var req struct {
		StyleID string `json:"styleId"`
	}
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.SelectDirectorStyle(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), req.StyleID)
	respond(c, st, err)
}

func (h *handlers) ready(c *gin.Context) {
	st, err := h.rm.MarkReady(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID))
	respond(c, st, err)
}

func (h *handlers) rating(c *gin.Context) {
	var req struct {
		Stars int      `json:"stars"`
		Tags  []string `json:"tags"`
	}
	if !bind(c, &req) {
		return
	}
	st, err := h.rm.SubmitRating(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), req.Stars, req.Tags)
	respond(c, st, err)
}

func (h *handlers) vote(c *gin.Context) {
	var req struct {
		Vote *bool `json:"vote"`
	}
	if !bind(c, &req) {
		return
	}
	if req.Vote == nil {
		fail(c, game.ErrInvalidInput)
		return
	}
	st, err := h.rm.VoteToContinue(c.Request.Context(), c.Param("code"), c.GetString(ctxPlayerID), *req.Vote)
	respond(c, st, err)
}
