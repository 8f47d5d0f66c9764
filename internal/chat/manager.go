// Package chat implements the session facade of the quickstart client: it
// logs an identity into the default channel, sends messages to it and keeps
// an append-only log of what the channel delivers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultChannelUniqueName   = "general"
	DefaultChannelFriendlyName = "General Chat Channel"

	// DefaultRefreshMargin is how long before expiry a token is renewed.
	DefaultRefreshMargin = 3 * time.Minute

	defaultRequestTimeout = 30 * time.Second
	minRefreshWait        = time.Second
)

var validate = validator.New()

// Observer is told that at least one message was appended to the log. It
// carries no payload; re-read Messages to get the new entries.
//
// ReceivedNewMessage runs on the Manager's delivery goroutine. It may call
// SendMessage and the read accessors, but further messages are not appended
// until it returns, and it must not call Close.
type Observer interface {
	ReceivedNewMessage()
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func()

func (f ObserverFunc) ReceivedNewMessage() {
	f()
}

// Result is the outcome of an asynchronous send.
type Result struct {
	Err error
}

// Success reports whether the operation succeeded.
func (r Result) Success() bool {
	return r.Err == nil
}

// Config configures a Manager.
type Config struct {
	Tokens    transport.TokenFetcher
	Transport transport.Transport

	// ChannelUniqueName and ChannelFriendlyName identify the channel joined
	// at login. They default to the quickstart channel.
	ChannelUniqueName   string
	ChannelFriendlyName string

	RefreshMargin  time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateReady
	stateClosed
)

// Manager is the session facade. All methods are safe for concurrent use.
//
// Observer notifications are delivered one at a time, in arrival order, from
// a single goroutine per session. Close must not be called from an observer.
type Manager struct {
	tokens         transport.TokenFetcher
	transport      transport.Transport
	uniqueName     string
	friendlyName   string
	refreshMargin  time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger

	log *MessageLog

	mu           sync.Mutex
	state        state
	identity     string
	session      transport.Session
	channel      transport.ChannelInfo
	observer     Observer
	refreshTimer *time.Timer
	tokenExpiry  time.Time
	refreshing   bool
	stop         chan struct{}
	deliveryDone chan struct{}
}

// NewManager creates a logged-out Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("chat: token fetcher is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}

	m := &Manager{
		tokens:         cfg.Tokens,
		transport:      cfg.Transport,
		uniqueName:     cfg.ChannelUniqueName,
		friendlyName:   cfg.ChannelFriendlyName,
		refreshMargin:  cfg.RefreshMargin,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
		log:            NewMessageLog(),
	}
	if m.uniqueName == "" {
		m.uniqueName = DefaultChannelUniqueName
	}
	if m.friendlyName == "" {
		m.friendlyName = DefaultChannelFriendlyName
	}
	if m.refreshMargin <= 0 {
		m.refreshMargin = DefaultRefreshMargin
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = defaultRequestTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// SetObserver replaces the observer. The previous observer receives no
// further notifications; nil removes the observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// Messages returns a copy of the message log in delivery order.
func (m *Manager) Messages() []transport.Message {
	return m.log.Snapshot()
}

// MessagesSince returns the messages after the first n.
func (m *Manager) MessagesSince(n int) []transport.Message {
	return m.log.Since(n)
}

// MessageCount returns the length of the message log.
func (m *Manager) MessageCount() int {
	return m.log.Len()
}

// Identity returns the logged in identity, or "" before login.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Channel returns the joined channel.
func (m *Manager) Channel() transport.ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

// LoggedIn reports whether a session is established.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateReady
}

// Login fetches a token for identity, establishes a session with it and
// joins the default channel, creating the channel if it does not exist.
// Inbound delivery starts once Login returns nil.
func (m *Manager) Login(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if err := validate.Var(identity, "required,max=256"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	m.mu.Lock()
	switch m.state {
	case stateClosed:
		m.mu.Unlock()
		return ErrClosed
	case stateConnecting, stateReady:
		m.mu.Unlock()
		return ErrAlreadyLoggedIn
	}
	m.state = stateConnecting
	m.mu.Unlock()

	sess, ch, token, err := m.establish(ctx, identity)

	m.mu.Lock()
	if err != nil {
		if m.state == stateConnecting {
			m.state = stateIdle
		}
		m.mu.Unlock()
		m.logger.Warn("login failed", "identity", identity, "error", err)
		return err
	}
	if m.state == stateClosed {
		m.mu.Unlock()
		_ = sess.Close()
		return ErrClosed
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.state = stateReady
	m.identity = identity
	m.session = sess
	m.channel = ch
	m.stop = stop
	m.deliveryDone = done
	m.scheduleRefreshLocked(sess, token)
	m.mu.Unlock()

	go m.deliver(sess, ch.SID, stop, done)

	m.logger.Info("logged in", "identity", identity, "channel", ch.UniqueName, "channel_sid", ch.SID)
	return nil
}

// LoginAsync runs Login in the background and reports success to done
// exactly once.
func (m *Manager) LoginAsync(ctx context.Context, identity string, done func(bool)) {
	go func() {
		err := m.Login(ctx, identity)
		if done != nil {
			done(err == nil)
		}
	}()
}

func (m *Manager) establish(ctx context.Context, identity string) (transport.Session, transport.ChannelInfo, string, error) {
	token, err := m.tokens.FetchToken(ctx, identity)
	if err != nil {
		return nil, transport.ChannelInfo{}, "", fmt.Errorf("%w: %w", ErrTokenFetch, err)
	}

	sess, err := m.transport.Connect(ctx, token)
	if err != nil {
		return nil, transport.ChannelInfo{}, "", fmt.Errorf("%w: %w", ErrConnect, err)
	}

	ch, err := m.joinChannel(ctx, sess)
	if err != nil {
		_ = sess.Close()
		return nil, transport.ChannelInfo{}, "", fmt.Errorf("%w: %w", ErrJoin, err)
	}
	return sess, ch, token, nil
}

// joinChannel looks the channel up by unique name, creates it when it is
// missing and joins it unless the identity is already a member.
func (m *Manager) joinChannel(ctx context.Context, sess transport.Session) (transport.ChannelInfo, error) {
	ch, err := sess.LookupChannel(ctx, m.uniqueName)
	if errors.Is(err, transport.ErrChannelNotFound) {
		m.logger.Debug("creating channel", "unique_name", m.uniqueName, "friendly_name", m.friendlyName)
		ch, err = sess.CreateChannel(ctx, m.uniqueName, m.friendlyName)
		if errors.Is(err, transport.ErrChannelExists) {
			// Someone else created it in between.
			ch, err = sess.LookupChannel(ctx, m.uniqueName)
		}
	}
	if err != nil {
		return transport.ChannelInfo{}, err
	}
	if ch.Joined {
		return ch, nil
	}
	return sess.JoinChannel(ctx, ch.SID)
}

// SendMessage publishes text to the joined channel and returns the message
// as accepted by the backend. The message reaches the log through inbound
// delivery, never through this call.
func (m *Manager) SendMessage(ctx context.Context, text string) (transport.Message, error) {
	sess, ch, err := m.current()
	if err != nil {
		return transport.Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return transport.Message{}, ErrEmptyMessage
	}

	msg, err := sess.Send(ctx, ch.SID, text)
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return msg, nil
}

// SendMessageAsync sends text in the background and reports the outcome to
// done exactly once. Without an established session done is called before
// SendMessageAsync returns.
func (m *Manager) SendMessageAsync(ctx context.Context, text string, done func(Result, *transport.Message)) {
	if done == nil {
		done = func(Result, *transport.Message) {}
	}
	if _, _, err := m.current(); err != nil {
		done(Result{Err: err}, nil)
		return
	}

	go func() {
		msg, err := m.SendMessage(ctx, text)
		if err != nil {
			done(Result{Err: err}, nil)
			return
		}
		done(Result{}, &msg)
	}()
}

func (m *Manager) current() (transport.Session, transport.ChannelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case stateClosed:
		return nil, transport.ChannelInfo{}, ErrClosed
	case stateReady:
		return m.session, m.channel, nil
	}
	return nil, transport.ChannelInfo{}, ErrNotLoggedIn
}

// Close ends the session and stops delivery and token refresh. The Manager
// cannot be used afterwards; the message log stays readable.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = stateClosed
	sess, stop, done := m.session, m.stop, m.deliveryDone
	m.session, m.stop, m.deliveryDone = nil, nil, nil
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	var err error
	if sess != nil {
		err = sess.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

// deliver consumes the session's events in order until the session ends or
// the Manager is closed.
func (m *Manager) deliver(sess transport.Session, channelSID string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	events := sess.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				m.sessionEnded(sess, nil)
				return
			}
			switch ev.Kind {
			case transport.EventMessageAdded:
				m.receive(channelSID, ev.Message)
			case transport.EventTokenExpiring:
				go m.refreshToken(sess)
			case transport.EventDisconnected:
				m.sessionEnded(sess, ev.Err)
				return
			}
		}
	}
}

func (m *Manager) receive(channelSID string, msg transport.Message) {
	if msg.ChannelSID != "" && msg.ChannelSID != channelSID {
		m.logger.Debug("ignoring message for another channel", "channel_sid", msg.ChannelSID)
		return
	}
	if !m.log.Append(msg) {
		m.logger.Debug("dropping duplicate message", "sid", msg.SID)
		return
	}

	m.mu.Lock()
	obs := m.observer
	m.mu.Unlock()

	if obs != nil {
		obs.ReceivedNewMessage()
	}
}

func (m *Manager) sessionEnded(sess transport.Session, cause error) {
	m.mu.Lock()
	if m.session != sess {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.stop, m.deliveryDone = nil, nil
	if m.state == stateReady {
		m.state = stateIdle
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	identity := m.identity
	m.mu.Unlock()

	_ = sess.Close()
	m.logger.Warn("chat session ended", "identity", identity, "error", cause)
}

func (m *Manager) scheduleRefreshLocked(sess transport.Session, token string) {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}

	info, err := transport.ParseClaims(token)
	if err != nil || info.ExpiresAt.IsZero() {
		m.tokenExpiry = time.Time{}
		m.logger.Debug("token has no readable expiry, relying on backend warnings", "error", err)
		return
	}
	m.tokenExpiry = info.ExpiresAt

	wait := time.Until(info.ExpiresAt) - m.refreshMargin
	if wait <= 0 {
		wait = time.Until(info.ExpiresAt) / 2
	}
	if wait < minRefreshWait {
		wait = minRefreshWait
	}
	m.refreshTimer = time.AfterFunc(wait, func() {
		m.refreshToken(sess)
	})
}

// refreshToken fetches a new token for the current identity and hands it to
// sess. Failures are logged; the session keeps its old token.
func (m *Manager) refreshToken(sess transport.Session) {
	m.mu.Lock()
	if m.session != sess || m.state != stateReady || m.refreshing {
		m.mu.Unlock()
		return
	}
	m.refreshing = true
	identity := m.identity
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()

	token, err := m.tokens.FetchToken(ctx, identity)
	if err != nil {
		m.logger.Warn("token refresh failed", "identity", identity, "error", err)
		m.retryRefresh(sess)
		return
	}
	if err := sess.UpdateToken(ctx, token); err != nil {
		m.logger.Warn("token update rejected", "identity", identity, "error", err)
		m.retryRefresh(sess)
		return
	}

	m.mu.Lock()
	if m.session == sess {
		m.scheduleRefreshLocked(sess, token)
	}
	m.mu.Unlock()
	m.logger.Info("token refreshed", "identity", identity)
}

// retryRefresh re-arms the refresh timer after a failed attempt, as long as
// the current token has not expired yet.
func (m *Manager) retryRefresh(sess transport.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != sess || m.state != stateReady || m.tokenExpiry.IsZero() {
		return
	}

	remaining := time.Until(m.tokenExpiry)
	if remaining <= 0 {
		m.logger.Warn("token expired, giving up on refresh", "identity", m.identity)
		return
	}
	wait := min(m.refreshMargin/4, remaining/2)
	if wait < minRefreshWait {
		wait = minRefreshWait
	}

	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(wait, func() {
		m.refreshToken(sess)
	})
	m.logger.Debug("token refresh retry scheduled", "identity", m.identity, "in", wait)
}
