package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Pings are sent with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from the peer.
	maxMessageSize = 64 << 10
)

// WebSocketOption configures a WebSocket transport.
type WebSocketOption func(*WebSocket)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(w *WebSocket) {
		w.dialer = d
	}
}

// WithLogger sets the logger used by the transport and its sessions.
func WithLogger(l *slog.Logger) WebSocketOption {
	return func(w *WebSocket) {
		w.logger = l
	}
}

// WebSocket is a Transport speaking the JSON frame protocol over a
// websocket connection.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocket creates a transport dialing url.
func NewWebSocket(url string, opts ...WebSocketOption) *WebSocket {
	w := &WebSocket{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connect dials the backend with token and waits for its session greeting.
func (w *WebSocket) Connect(ctx context.Context, token string) (Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := w.dialer.DialContext(ctx, w.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake rejected (HTTP %d)", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", w.url, err)
	}

	conn.SetReadLimit(maxMessageSize)
	deadline := time.Now().Add(pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read session greeting: %w", err)
	}
	if hello.Error != nil {
		_ = conn.Close()
		return nil, hello.Error
	}
	if hello.Type != FrameSession {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected greeting frame %q", hello.Type)
	}

	s := &wsSession{
		conn:     conn,
		identity: hello.Identity,
		logger:   w.logger.With("identity", hello.Identity),
		pending:  make(map[string]chan Frame),
		events:   make(chan Event),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		local:    make(chan struct{}),
	}
	go s.readPump()
	go s.forward()
	go s.pingLoop()

	s.logger.Debug("websocket session established", "url", w.url)
	return s, nil
}

type wsSession struct {
	conn     *websocket.Conn
	identity string
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Frame

	writeMu sync.Mutex

	// queue holds events read from the connection until the consumer takes
	// them. Reading never waits on the consumer.
	qmu        sync.Mutex
	queue      []Event
	pumpExited bool
	wake       chan struct{}
	events     chan Event

	done          chan struct{}
	closeOnce     sync.Once
	local         chan struct{}
	localOnce     sync.Once
	closedLocally atomic.Bool
}

func (s *wsSession) Identity() string {
	return s.identity
}

func (s *wsSession) Events() <-chan Event {
	return s.events
}

func (s *wsSession) LookupChannel(ctx context.Context, uniqueName string) (ChannelInfo, error) {
	reply, err := s.request(ctx, Frame{Type: FrameLookupChannel, UniqueName: uniqueName})
	if err != nil {
		return ChannelInfo{}, err
	}
	return replyChannel(reply)
}

func (s *wsSession) CreateChannel(ctx context.Context, uniqueName, friendlyName string) (ChannelInfo, error) {
	reply, err := s.request(ctx, Frame{
		Type:         FrameCreateChannel,
		UniqueName:   uniqueName,
		FriendlyName: friendlyName,
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	return replyChannel(reply)
}

func (s *wsSession) JoinChannel(ctx context.Context, channelSID string) (ChannelInfo, error) {
	reply, err := s.request(ctx, Frame{Type: FrameJoinChannel, ChannelSID: channelSID})
	if err != nil {
		return ChannelInfo{}, err
	}
	return replyChannel(reply)
}

func (s *wsSession) Send(ctx context.Context, channelSID, body string) (Message, error) {
	reply, err := s.request(ctx, Frame{Type: FrameSendMessage, ChannelSID: channelSID, Body: body})
	if err != nil {
		return Message{}, err
	}
	if reply.Message == nil {
		return Message{}, errors.New("malformed reply: missing message")
	}
	return *reply.Message, nil
}

func (s *wsSession) UpdateToken(ctx context.Context, token string) error {
	_, err := s.request(ctx, Frame{Type: FrameUpdateToken, Token: token})
	return err
}

// Close sends a normal closure and tears the connection down. It is safe to
// call more than once.
func (s *wsSession) Close() error {
	s.closedLocally.Store(true)
	s.localOnce.Do(func() { close(s.local) })
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	s.shutdown()
	return nil
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func replyChannel(reply Frame) (ChannelInfo, error) {
	if reply.Channel == nil {
		return ChannelInfo{}, errors.New("malformed reply: missing channel")
	}
	return *reply.Channel, nil
}

func (s *wsSession) request(ctx context.Context, f Frame) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	f.RequestID = uuid.NewString()
	reply := make(chan Frame, 1)

	s.mu.Lock()
	s.pending[f.RequestID] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.RequestID)
		s.mu.Unlock()
	}()

	if err := s.write(f); err != nil {
		return Frame{}, err
	}

	select {
	case r := <-reply:
		if r.Error != nil {
			return r, r.Error
		}
		return r, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.done:
		return Frame{}, ErrSessionClosed
	}
}

func (s *wsSession) write(f Frame) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (s *wsSession) resolve(f Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.RequestID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("dropping reply for unknown request", "request_id", f.RequestID)
		return
	}
	ch <- f
}

// emit queues ev for forward. It never blocks.
func (s *wsSession) emit(ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	s.signal()
}

func (s *wsSession) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward is the only sender on s.events. It hands queued events to the
// consumer in order and closes s.events once the read side has exited and
// the queue is empty, or as soon as Close is called.
func (s *wsSession) forward() {
	defer close(s.events)

	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			exited := s.pumpExited
			s.qmu.Unlock()
			if exited {
				return
			}
			select {
			case <-s.wake:
			case <-s.local:
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		select {
		case s.events <- ev:
		case <-s.local:
			return
		}
	}
}

// readPump is the only reader of the connection.
func (s *wsSession) readPump() {
	defer func() {
		s.qmu.Lock()
		s.pumpExited = true
		s.qmu.Unlock()
		s.signal()
	}()
	defer s.shutdown()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closedLocally.Load() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			s.emit(Event{Kind: EventDisconnected, Err: err})
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameReply:
			s.resolve(f)
		case FrameMessageAdded:
			if f.Message == nil {
				continue
			}
			s.emit(Event{Kind: EventMessageAdded, Message: *f.Message})
		case FrameTokenExpiring:
			s.emit(Event{Kind: EventTokenExpiring})
		default:
			s.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (s *wsSession) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}
