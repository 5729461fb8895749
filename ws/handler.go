package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/IR1DO/scm-app-server/wire"
)

type SessionError int

const (
	ReadError    SessionError = 1
	WriteError   SessionError = 2
	PingError    SessionError = 3
	BadRequest   SessionError = 4
	ServerStop   SessionError = 5
	PeerClosed   SessionError = 6
	SlowConsumer SessionError = 7
)

func (e SessionError) String() string {
	switch e {
	case ReadError:
		return "read_error"
	case WriteError:
		return "write_error"
	case PingError:
		return "ping_error"
	case BadRequest:
		return "bad_request"
	case ServerStop:
		return "server_stop"
	case PeerClosed:
		return "peer_closed"
	case SlowConsumer:
		return "slow_consumer"
	}
	return fmt.Sprintf("session_error(%d)", int(e))
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Time allowed to serve one client request.
	requestTimeout = 10 * time.Second
)

// Handler manages an active connection to end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *wire.Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
// Error > 0 asks sendLoop to close the session after earlier frames are written.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func newHandler(hub *Hub, sess *wire.Session, conn *websocket.Conn) *Handler {
	return &Handler{
		hub:      hub,
		session:  sess,
		conn:     conn,
		dataChan: make(chan *SessionData, hub.conf.SendBuffer),
	}
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) Sid() string { return h.session.Sid }

func (h *Handler) Uid() string { return h.session.Uid }

// Deliver implements `Conn`. A full send buffer evicts the connection
// instead of blocking the caller.
func (h *Handler) Deliver(msg *wire.ServerMsg) bool {
	if h.enqueue(&SessionData{ServerMsg: msg}) {
		return true
	}

	h.Lock()
	closing := h.closing
	h.Unlock()
	if !closing {
		glog.Errorf("send buffer full, evict session: %s", h)
		go h.close(SlowConsumer)
	}
	return false
}

func (h *Handler) Close(cause SessionError) {
	h.close(cause)
}

func (h *Handler) enqueue(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- v:
		return true
	default:
		return false
	}
}

// close is idempotent. Every cause except ServerStop removes the handler
// from the registry, ServerStop callers have already cleared it.
func (h *Handler) close(cause SessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true
	close(h.dataChan)
	h.Unlock()

	code := websocket.CloseNormalClosure
	switch cause {
	case BadRequest:
		code = websocket.CloseUnsupportedData
	case ServerStop:
		code = websocket.CloseGoingAway
	case SlowConsumer:
		code = websocket.ClosePolicyViolation
	}
	// WriteControl is safe to call concurrently with sendLoop writes.
	_ = h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, cause.String()),
		time.Now().Add(writeWait))
	h.conn.Close()

	glog.V(5).Infof("session closed, cause: %s, %s", cause, h)
	if cause != ServerStop {
		h.hub.registry.Leave(h)
	}
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

// reject sends err then closes the session once it is written.
func (h *Handler) reject(err *wire.Error) bool {
	return h.enqueue(&SessionData{ServerMsg: &wire.ServerMsg{Error: err}}) &&
		h.enqueue(&SessionData{Error: BadRequest})
}

func (h *Handler) recvLoop() {
	cause := ReadError
	defer func() {
		glog.V(5).Infof("recvLoop(): exited, session: %s", h)
		if cause > 0 {
			h.close(cause)
		}
	}()

	h.conn.SetReadLimit(h.hub.conf.MaxMsgSize)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				glog.V(5).Infof("recvLoop(): closed by peer, code: %d, session: %s", closeErr.Code, h)
				cause = PeerClosed
			} else {
				glog.Errorf("recvLoop(): read error: %v, session: %s", err, h)
			}
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			cause = BadRequest
			if h.reject(newInvalidArgumentError(nil, "websocket only supports TextMessage")) {
				cause = 0
			}
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", msg, err)
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				// well-formed json, the client may retry with a fixed request.
				if !h.Deliver(&wire.ServerMsg{Error: newInvalidArgumentError(nil, typeErrorMessage(typeErr))}) {
					cause = SlowConsumer
					return
				}
				continue
			}
			cause = BadRequest
			if h.reject(newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err))) {
				cause = 0
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		resp := h.serve(ctx, &req)
		cancel()

		if resp.Error != nil {
			glog.Errorf("recvLoop(): request error: %+v, session: %s", *resp.Error, h)
			interceptError(resp.Error)
		}
		if !h.Deliver(resp) {
			cause = SlowConsumer
			return
		}
	}
}

func typeErrorMessage(err *json.UnmarshalTypeError) string {
	if err.Field == "" {
		return fmt.Sprintf("unexpected %s", err.Value)
	}
	return fmt.Sprintf("%s: expect %s, got %s", err.Field, err.Type, err.Value)
}

// serve runs one client request and returns its response or error frame.
func (h *Handler) serve(ctx context.Context, req *wire.ClientMsg) *wire.ServerMsg {
	uid := h.session.Uid
	api := h.hub.api

	var resp wire.ServerMsg
	var err *wire.Error

	if v := req.NewChat; v != nil {
		resp.ChatSent, err = h.hub.relay.Relay(ctx, h.session, v)
	} else if v := req.GetOrCreate; v != nil {
		resp.GetOrCreate, err = api.GetOrCreate(ctx, uid, v)
	} else if v := req.GetConversation; v != nil {
		resp.GetConversation, err = api.GetConversation(ctx, uid, v)
	} else if v := req.LastChats; v != nil {
		resp.LastChats, err = api.LastChats(ctx, uid, v)
	} else if v := req.SetRead; v != nil {
		resp.SetRead, err = api.SetRead(ctx, uid, v)
	} else {
		err = newInvalidArgumentError(req, "unsupported request")
	}

	if err != nil {
		return &wire.ServerMsg{Error: err}
	}
	return &resp
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			}

			if glog.V(5) {
				out, _ := json.Marshal(v.ServerMsg)
				logValue := string(out)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(): get from data chan, value: %s, session: %s", logValue, h)
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, err: %v", h, err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message, session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
