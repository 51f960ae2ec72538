package ws

import (
	"context"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/jav/lucho-party-game/internal/game"
)

// fakeConn stands in for a Socket.IO connection; only the methods the
// server calls are implemented.
type fakeConn struct {
	socketio.Conn
	id     string
	ctx    interface{}
	states chan *game.State
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, states: make(chan *game.State, 16)}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Context() interface{} { return c.ctx }
func (c *fakeConn) SetContext(ctx interface{}) { c.ctx = ctx }
func (c *fakeConn) Join(string) {}
func (c *fakeConn) Leave(string) {}

func (c *fakeConn) Emit(event string, v ...interface{}) {
	if event != "game:state" || len(v) == 0 {
		return
	}
	payload, _ := v[0].(map[string]any)
	if st, ok := payload["state"].(*game.State); ok {
		select {
		case c.states <- st:
		default:
		}
	}
}

func newSocketServer(t *testing.T) (*game.RoomManager, *Server, string) {
	t.Helper()
	rm := game.NewRoomManager(game.Options{})
	t.Cleanup(rm.Close)
	st, err := rm.CreateLobby(context.Background(), "host", "Ana")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return rm, New(rm), st.SessionID
}

func TestLateOffKeepsNewerBinding(t *testing.T) {
	ctx := context.Background()
	rm, srv, code := newSocketServer(t)

	a := newFakeConn("a")
	srv.bind(ctx, a, code, "host")
	_, stale := srv.detach(a, code)
	if stale == "" {
		t.Fatal("expected the last connection to hand back its listener")
	}

	// b binds before a's Off has gone through
	b := newFakeConn("b")
	srv.bind(ctx, b, code, "host")
	rm.OffStateChange(code, stale)

	if _, err := rm.JoinLobby(ctx, code, "guest", "Bo"); err != nil {
		t.Fatalf("join: %v", err)
	}
	select {
	case st := <-b.states:
		if len(st.Players) != 2 {
			t.Fatalf("expected 2 players, got %d", len(st.Players))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rebound connection stopped receiving state")
	}
	select {
	case <-a.states:
		t.Fatal("detached connection still received state")
	default:
	}
}

func TestUnbindReportsPlayersWithoutConnections(t *testing.T) {
	ctx := context.Background()
	_, srv, code := newSocketServer(t)

	phone, laptop := newFakeConn("phone"), newFakeConn("laptop")
	srv.bind(ctx, phone, code, "host")
	srv.bind(ctx, laptop, code, "host")

	if gone := srv.unbind(phone, code); gone["host"] {
		t.Fatal("host still has a connection, should not be reported gone")
	}
	if gone := srv.unbind(laptop, code); !gone["host"] {
		t.Fatal("expected host to be reported gone after the last connection")
	}
	if n := len(srv.members); n != 0 {
		t.Fatalf("expected no rooms left, got %d", n)
	}
}
