// Package chattest provides an in-memory chat backend and an HTTP/websocket
// front for it, for exercising the chat facade and the transports in tests.
package chattest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const sessionBuffer = 256

// Option configures a Backend.
type Option func(*Backend)

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.ttl = ttl
	}
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

type room struct {
	info     transport.ChannelInfo
	members  map[string]bool
	messages []transport.Message
}

// Backend is an in-memory chat service. It implements transport.TokenFetcher
// and transport.Transport, so it can stand in for the real service directly
// or sit behind a Server.
type Backend struct {
	mu       sync.Mutex
	secret   []byte
	ttl      time.Duration
	logger   *slog.Logger
	rooms    map[string]*room
	byName   map[string]string
	sessions map[*Session]struct{}

	tokenErrs  map[string]error
	joinErr    error
	connectErr error
	fetches    int
	rejected   int
}

// NewBackend creates an empty backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		secret:    []byte(uuid.NewString()),
		ttl:       time.Hour,
		logger:    slog.Default(),
		rooms:     make(map[string]*room),
		byName:    make(map[string]string),
		sessions:  make(map[*Session]struct{}),
		tokenErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailTokens makes token requests for identity fail with err. A nil err
// clears the failure.
func (b *Backend) FailTokens(identity string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.tokenErrs, identity)
		return
	}
	b.tokenErrs[identity] = err
}

// FailJoins makes every channel join fail with err.
func (b *Backend) FailJoins(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joinErr = err
}

// FailConnects makes every connection attempt fail with err.
func (b *Backend) FailConnects(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// TokenFetches returns how many tokens were issued through FetchToken.
func (b *Backend) TokenFetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

// RejectedTokens returns how many token requests failed through FailTokens.
func (b *Backend) RejectedTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// FetchToken implements transport.TokenFetcher.
func (b *Backend) FetchToken(_ context.Context, identity string) (string, error) {
	b.mu.Lock()
	err := b.tokenErrs[identity]
	if err == nil {
		b.fetches++
	} else {
		b.rejected++
	}
	ttl := b.ttl
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	return b.IssueToken(identity, ttl)
}

// IssueToken signs an access token for identity valid for ttl.
func (b *Backend) IssueToken(identity string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := transport.AccessClaims{
		Grants: transport.Grants{Identity: identity},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity,
			Issuer:    "chattest",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

// Verify checks the signature and expiry of token and returns its identity.
func (b *Backend) Verify(token string) (string, error) {
	var claims transport.AccessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return b.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", transport.ErrUnauthorized, err)
	}
	if claims.Grants.Identity == "" {
		return "", fmt.Errorf("%w: token has no identity grant", transport.ErrUnauthorized)
	}
	return claims.Grants.Identity, nil
}

// Connect implements transport.Transport.
func (b *Backend) Connect(_ context.Context, token string) (transport.Session, error) {
	return b.Open(token)
}

// Open is Connect returning the concrete session type.
func (b *Backend) Open(token string) (*Session, error) {
	identity, err := b.Verify(token)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return nil, b.connectErr
	}

	s := &Session{
		backend:  b,
		identity: identity,
		token:    token,
		events:   make(chan transport.Event, sessionBuffer),
	}
	b.sessions[s] = struct{}{}
	b.logger.Debug("chattest session opened", "identity", identity)
	return s, nil
}

// EnsureChannel creates the channel if it does not exist yet.
func (b *Backend) EnsureChannel(uniqueName, friendlyName string) transport.ChannelInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sid, ok := b.byName[uniqueName]; ok {
		return b.rooms[sid].info
	}
	return b.createLocked(uniqueName, friendlyName).info
}

// Channel returns the channel with the given unique name.
func (b *Backend) Channel(uniqueName string) (transport.ChannelInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.byName[uniqueName]
	if !ok {
		return transport.ChannelInfo{}, false
	}
	return b.rooms[sid].info, true
}

// Members returns the identities that joined the channel.
func (b *Backend) Members(uniqueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.byName[uniqueName]
	if !ok {
		return nil
	}
	return lo.Keys(b.rooms[sid].members)
}

// History returns every message posted to the channel.
func (b *Backend) History(uniqueName string) []transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.byName[uniqueName]
	if !ok {
		return nil
	}
	return append([]transport.Message(nil), b.rooms[sid].messages...)
}

// Post adds a message from author to the channel and delivers it to every
// connected member, as if another participant had sent it.
func (b *Backend) Post(uniqueName, author, body string) (transport.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.byName[uniqueName]
	if !ok {
		return transport.Message{}, transport.ErrChannelNotFound
	}
	return b.postLocked(b.rooms[sid], author, body), nil
}

// Redeliver pushes msg to every connected member again without recording it.
func (b *Backend) Redeliver(msg transport.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[msg.ChannelSID]
	if !ok {
		return
	}
	b.fanoutLocked(r, transport.Event{Kind: transport.EventMessageAdded, Message: msg})
}

// ExpireTokens warns every connected session that its token is expiring.
func (b *Backend) ExpireTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sessions {
		s.push(transport.Event{Kind: transport.EventTokenExpiring})
	}
}

// Kick disconnects every session of identity.
func (b *Backend) Kick(identity string) {
	b.mu.Lock()
	victims := lo.Filter(lo.Keys(b.sessions), func(s *Session, _ int) bool {
		return s.identity == identity
	})
	for _, s := range victims {
		s.push(transport.Event{Kind: transport.EventDisconnected, Err: errors.New("kicked")})
	}
	b.mu.Unlock()

	for _, s := range victims {
		_ = s.Close()
	}
}

// SessionCount returns the number of open sessions.
func (b *Backend) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Backend) createLocked(uniqueName, friendlyName string) *room {
	r := &room{
		info: transport.ChannelInfo{
			SID:          "CH" + strings.ReplaceAll(uuid.NewString(), "-", ""),
			UniqueName:   uniqueName,
			FriendlyName: friendlyName,
		},
		members: make(map[string]bool),
	}
	b.rooms[r.info.SID] = r
	b.byName[uniqueName] = r.info.SID
	return r
}

func (b *Backend) postLocked(r *room, author, body string) transport.Message {
	msg := transport.Message{
		SID:        "IM" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Index:      int64(len(r.messages)),
		ChannelSID: r.info.SID,
		Author:     author,
		Body:       body,
		Timestamp:  time.Now().UTC(),
	}
	r.messages = append(r.messages, msg)
	b.fanoutLocked(r, transport.Event{Kind: transport.EventMessageAdded, Message: msg})
	return msg
}

func (b *Backend) fanoutLocked(r *room, ev transport.Event) {
	for s := range b.sessions {
		if r.members[s.identity] {
			s.push(ev)
		}
	}
}

func (b *Backend) remove(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, s)
}

func (b *Backend) withChannel(identity, sid string) (transport.ChannelInfo, *room, error) {
	r, ok := b.rooms[sid]
	if !ok {
		return transport.ChannelInfo{}, nil, transport.ErrChannelNotFound
	}
	info := r.info
	info.Joined = r.members[identity]
	return info, r, nil
}

// Session is a connection to the in-memory backend.
type Session struct {
	backend  *Backend
	identity string

	mu     sync.Mutex
	token  string
	events chan transport.Event
	closed bool
}

// push delivers ev without blocking; a session whose buffer is full loses
// the event.
func (s *Session) push(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.backend.logger.Warn("chattest session buffer full, dropping event", "identity", s.identity, "kind", ev.Kind)
	}
}

// Token returns the token the session currently holds.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) LookupChannel(_ context.Context, uniqueName string) (transport.ChannelInfo, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	sid, ok := b.byName[uniqueName]
	if !ok {
		return transport.ChannelInfo{}, transport.ErrChannelNotFound
	}
	info, _, err := b.withChannel(s.identity, sid)
	return info, err
}

func (s *Session) CreateChannel(_ context.Context, uniqueName, friendlyName string) (transport.ChannelInfo, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byName[uniqueName]; ok {
		return transport.ChannelInfo{}, transport.ErrChannelExists
	}
	return b.createLocked(uniqueName, friendlyName).info, nil
}

func (s *Session) JoinChannel(_ context.Context, channelSID string) (transport.ChannelInfo, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.joinErr != nil {
		return transport.ChannelInfo{}, b.joinErr
	}
	_, r, err := b.withChannel(s.identity, channelSID)
	if err != nil {
		return transport.ChannelInfo{}, err
	}
	r.members[s.identity] = true
	info := r.info
	info.Joined = true
	return info, nil
}

func (s *Session) Send(_ context.Context, channelSID, body string) (transport.Message, error) {
	if s.isClosed() {
		return transport.Message{}, transport.ErrSessionClosed
	}
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	_, r, err := b.withChannel(s.identity, channelSID)
	if err != nil {
		return transport.Message{}, err
	}
	if !r.members[s.identity] {
		return transport.Message{}, fmt.Errorf("%w: %s is not a member of %s", transport.ErrUnauthorized, s.identity, channelSID)
	}
	return b.postLocked(r, s.identity, body), nil
}

func (s *Session) UpdateToken(_ context.Context, token string) error {
	identity, err := s.backend.Verify(token)
	if err != nil {
		return err
	}
	if identity != s.identity {
		return fmt.Errorf("%w: token issued for %s", transport.ErrUnauthorized, identity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *Session) Close() error {
	s.backend.remove(s)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
