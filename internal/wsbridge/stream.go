package wsbridge

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sockbridge/internal/events"
)

// Command ops.
const (
	OpConnect = "connect"
	OpCancel  = "cancel"
	OpClose   = "close"
	OpReset   = "reset"
	OpWrite   = "write"
	OpStatus  = "status"
)

// Command is an inbound client request.  Data is base64 in JSON.
type Command struct {
	ID   string `json:"id,omitempty"`
	Op   string `json:"op"`
	Data []byte `json:"data,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	Type   string       `json:"type"` // "ack" or "nack"
	ID     string       `json:"id,omitempty"`
	Op     string       `json:"op"`
	Error  string       `json:"error,omitempty"`
	Status *StatusReply `json:"status,omitempty"`
}

// hello is the first frame a client receives.
type hello struct {
	Type   string      `json:"type"`
	Status StatusReply `json:"status"`
}

func (b *Bridge) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.zl.Warn("ws upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxCommand)

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
	}()

	evs, unsub := b.bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	replies := make(chan interface{}, 16)
	replies <- hello{Type: "hello", Status: b.statusReply()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.writeLoop(ctx, conn, evs, replies)
		cancel()
		conn.Close()
	}()

	b.readLoop(ctx, conn, replies)
	cancel()
	<-done
	b.zl.Debug("ws client gone", zap.String("remote", r.RemoteAddr))
}

// writeLoop is the only writer on conn.
func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn, evs <-chan events.Event, replies <-chan interface{}) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var msg interface{}
		select {
		case e, ok := <-evs:
			if !ok {
				return
			}
			msg = eventFrame(e)
		case rep := <-replies:
			msg = rep
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case <-ctx.Done():
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
		if err := conn.WriteJSON(msg); err != nil {
			b.zl.Debug("ws write", zap.Error(err))
			return
		}
	}
}

// eventFrame carries the event's payload keys next to its type and time.
func eventFrame(e events.Event) map[string]interface{} {
	fr := e.Payload()
	fr["type"] = e.Name
	fr["time"] = e.Time
	return fr
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- interface{}) {
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.zl.Debug("ws read", zap.Error(err))
			}
			return
		}
		rep := b.execute(cmd)
		select {
		case replies <- rep:
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one command against the session.
func (b *Bridge) execute(cmd Command) Reply {
	rep := Reply{Type: "ack", ID: cmd.ID, Op: cmd.Op}
	fail := func(msg string) Reply {
		rep.Type = "nack"
		rep.Error = msg
		return rep
	}

	switch cmd.Op {
	case OpConnect:
		b.sess.Connect()
	case OpCancel:
		b.sess.CancelConnect()
	case OpClose:
		b.sess.Close()
	case OpReset:
		b.sess.Reset()
	case OpWrite:
		if len(cmd.Data) == 0 {
			return fail("write needs data")
		}
		if err := b.sess.Write(cmd.Data); err != nil {
			return fail(err.Error())
		}
	case OpStatus:
		st := b.statusReply()
		rep.Status = &st
	default:
		return fail("unknown op " + strconv.Quote(cmd.Op))
	}
	b.zl.Debug("command", zap.String("op", cmd.Op), zap.String("id", cmd.ID))
	return rep
}
