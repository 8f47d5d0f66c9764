package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server exposes a Backend over HTTP: a token endpoint at /chat-token and a
// websocket endpoint at /chat speaking the transport frame protocol.
type Server struct {
	*httptest.Server
	Backend *Backend
}

// NewServer starts a server for b and closes it when the test ends.
func NewServer(t testing.TB, b *Backend) *Server {
	t.Helper()
	s := &Server{Backend: b}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat-token", s.handleToken)
	mux.HandleFunc("/chat", s.handleChat)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(s.Close)
	return s
}

// TokenURL returns the token URL template for this server.
func (s *Server) TokenURL() string {
	return s.URL + "/chat-token?identity=" + transport.IdentityPlaceholder
}

// WebSocketURL returns the websocket endpoint of this server.
func (s *Server) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/chat"
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		http.Error(w, "identity is required", http.StatusBadRequest)
		return
	}

	token, err := s.Backend.FetchToken(r.Context(), identity)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transport.ErrUnauthorized) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"identity": identity,
		"token":    token,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	sess, err := s.Backend.Open(token)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, transport.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sess.Close()
		return
	}

	c := &serverConn{conn: conn, sess: sess}
	if err := c.write(transport.Frame{Type: transport.FrameSession, Identity: sess.Identity()}); err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return
	}

	go c.eventPump()
	c.readLoop()
}

type serverConn struct {
	conn    *websocket.Conn
	sess    *Session
	writeMu sync.Mutex
}

func (c *serverConn) write(f transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

// eventPump forwards backend events to the client until the session ends.
func (c *serverConn) eventPump() {
	defer c.conn.Close()

	for ev := range c.sess.Events() {
		var f transport.Frame
		switch ev.Kind {
		case transport.EventMessageAdded:
			msg := ev.Message
			f = transport.Frame{Type: transport.FrameMessageAdded, Message: &msg}
		case transport.EventTokenExpiring:
			f = transport.Frame{Type: transport.FrameTokenExpiring}
		case transport.EventDisconnected:
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "disconnected"),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			return
		default:
			continue
		}
		if err := c.write(f); err != nil {
			return
		}
	}
}

func (c *serverConn) readLoop() {
	defer func() {
		_ = c.sess.Close()
		_ = c.conn.Close()
	}()

	for {
		var req transport.Frame
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		if err := c.write(c.dispatch(req)); err != nil {
			return
		}
	}
}

func (c *serverConn) dispatch(req transport.Frame) transport.Frame {
	ctx := context.Background()
	reply := transport.Frame{Type: transport.FrameReply, RequestID: req.RequestID}

	switch req.Type {
	case transport.FrameLookupChannel:
		info, err := c.sess.LookupChannel(ctx, req.UniqueName)
		if err != nil {
			return transport.ReplyError(req.RequestID, err)
		}
		reply.Channel = &info
	case transport.FrameCreateChannel:
		info, err := c.sess.CreateChannel(ctx, req.UniqueName, req.FriendlyName)
		if err != nil {
			return transport.ReplyError(req.RequestID, err)
		}
		reply.Channel = &info
	case transport.FrameJoinChannel:
		info, err := c.sess.JoinChannel(ctx, req.ChannelSID)
		if err != nil {
			return transport.ReplyError(req.RequestID, err)
		}
		reply.Channel = &info
	case transport.FrameSendMessage:
		msg, err := c.sess.Send(ctx, req.ChannelSID, req.Body)
		if err != nil {
			return transport.ReplyError(req.RequestID, err)
		}
		reply.Message = &msg
	case transport.FrameUpdateToken:
		if err := c.sess.UpdateToken(ctx, req.Token); err != nil {
			return transport.ReplyError(req.RequestID, err)
		}
	default:
		return transport.Frame{
			Type:      transport.FrameReply,
			RequestID: req.RequestID,
			Error:     &transport.RemoteError{Code: transport.CodeBadRequest, Message: "unknown frame type " + req.Type},
		}
	}
	return reply
}
