package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jav/lucho-party-game/internal/game"
	"github.com/rs/zerolog/log"
)

const (
	streamSendBuffer = 16
	streamWriteWait  = 5 * time.Second
	streamReadLimit  = 4096
)

type streamMessage struct {
	Event string      `json:"event"`
	State *game.State `json:"state"`
}

// Stream pushes the full session state over a plain WebSocket, for screens
// that only watch the game.
type Stream struct {
	RM         *game.RoomManager
	PingPeriod time.Duration
	upgrader   websocket.Upgrader
}

func NewStream(rm *game.RoomManager) *Stream {
	return &Stream{
		RM:         rm,
		PingPeriod: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type streamConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// TrySend queues data without blocking; a full buffer drops the message.
func (c *streamConn) TrySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *streamConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// statePusher encodes states for one client and never lets an older state
// follow a newer one.
type statePusher struct {
	mu   sync.Mutex
	last time.Time
	send func(data []byte) bool
}

// push reports whether st was queued.
func (p *statePusher) push(event string, st *game.State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.LastActivity.Before(p.last) {
		return false
	}
	data, err := json.Marshal(streamMessage{Event: event, State: st})
	if err != nil {
		log.Error().Err(err).Str("module", "ws.stream").Msg("encode state")
		return false
	}
	if !p.send(data) {
		log.Warn().Str("module", "ws.stream").Str("code", st.SessionID).Msg("stream lagging, state dropped")
		return false
	}
	p.last = st.LastActivity
	return true
}

// Handle serves GET /api/sessions/:code/stream.
func (s *Stream) Handle(c *gin.Context) {
	code := c.Param("code")
	if _, err := s.RM.State(c.Request.Context(), code); err != nil {
		c.JSON(game.HTTPStatus(err), gin.H{"error": err.Error(), "code": game.Code(err)})
		return
	}

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.stream").Str("code", code).Msg("upgrade")
		return
	}
	sc := &streamConn{conn: wsConn, send: make(chan []byte, streamSendBuffer), done: make(chan struct{})}
	pusher := &statePusher{send: sc.TrySend}
	listener := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.RM.OnStateChange(ctx, code, listener, func(ev game.Event, st *game.State) {
		pusher.push(ev.Name, st)
	}); err != nil {
		log.Error().Err(err).Str("module", "ws.stream").Str("code", code).Msg("subscribe")
		sc.Close()
		return
	}
	defer s.RM.OffStateChange(code, listener)

	// the snapshot is read after subscribing so no change can fall between
	st, err := s.RM.State(ctx, code)
	if err != nil {
		log.Error().Err(err).Str("module", "ws.stream").Str("code", code).Msg("snapshot")
		sc.Close()
		return
	}
	pusher.push("snapshot", st)
	log.Info().Str("module", "ws.stream").Str("code", code).Msg("stream opened")

	go s.writePump(ctx, sc)
	s.readPump(sc)
	sc.Close()
	log.Info().Str("module", "ws.stream").Str("code", code).Msg("stream closed")
}

func (s *Stream) writePump(ctx context.Context, c *streamConn) {
	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "ws.stream").Msg("write")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames and notices the client leaving.
func (s *Stream) readPump(c *streamConn) {
	c.conn.SetReadLimit(streamReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.PingPeriod))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.PingPeriod))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
