package chat_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eachlabs/quickchat/internal/chat"
	"github.com/eachlabs/quickchat/internal/chattest"
	"github.com/eachlabs/quickchat/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func newManager(t *testing.T, b *chattest.Backend) *chat.Manager {
	t.Helper()
	m, err := chat.NewManager(chat.Config{
		Tokens:    b,
		Transport: b,
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func login(t *testing.T, b *chattest.Backend, identity string) *chat.Manager {
	t.Helper()
	m := newManager(t, b)
	require.NoError(t, m.Login(context.Background(), identity))
	return m
}

type countingObserver struct {
	n atomic.Int32
}

func (o *countingObserver) ReceivedNewMessage() {
	o.n.Add(1)
}

func (o *countingObserver) count() int {
	return int(o.n.Load())
}

func bodies(msgs []transport.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	b := chattest.NewBackend()

	_, err := chat.NewManager(chat.Config{Transport: b})
	assert.Error(t, err)

	_, err = chat.NewManager(chat.Config{Tokens: b})
	assert.Error(t, err)
}

func TestLoginCreatesDefaultChannel(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	info, ok := b.Channel(chat.DefaultChannelUniqueName)
	require.True(t, ok)
	assert.Equal(t, "General Chat Channel", info.FriendlyName)
	assert.Equal(t, []string{"alice"}, b.Members("general"))

	assert.True(t, m.LoggedIn())
	assert.Equal(t, "alice", m.Identity())
	assert.Equal(t, info.SID, m.Channel().SID)
	assert.True(t, m.Channel().Joined)
	assert.Empty(t, m.Messages())
}

func TestLoginJoinsExistingChannel(t *testing.T) {
	b := chattest.NewBackend()
	existing := b.EnsureChannel("general", "Pre-existing")

	m := login(t, b, "alice")

	assert.Equal(t, existing.SID, m.Channel().SID)
	assert.Equal(t, "Pre-existing", m.Channel().FriendlyName)
	assert.ElementsMatch(t, []string{"alice"}, b.Members("general"))
}

func TestLoginWhenAlreadyMember(t *testing.T) {
	b := chattest.NewBackend()
	first := login(t, b, "alice")
	require.NoError(t, first.Close())

	// Joining fails from here on; an existing member must not need it.
	b.FailJoins(errors.New("join disabled"))

	second := login(t, b, "alice")
	assert.Equal(t, first.Channel().SID, second.Channel().SID)
}

func TestLoginCustomChannel(t *testing.T) {
	b := chattest.NewBackend()
	m, err := chat.NewManager(chat.Config{
		Tokens:              b,
		Transport:           b,
		ChannelUniqueName:   "random",
		ChannelFriendlyName: "Random",
		Logger:              slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Login(context.Background(), "alice"))

	info, ok := b.Channel("random")
	require.True(t, ok)
	assert.Equal(t, "Random", info.FriendlyName)
	_, ok = b.Channel("general")
	assert.False(t, ok)
}

func TestLoginTrimsIdentity(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "  alice \n")
	assert.Equal(t, "alice", m.Identity())
}

func TestLoginInvalidIdentity(t *testing.T) {
	tests := []struct {
		name     string
		identity string
	}{
		{name: "empty", identity: ""},
		{name: "blank", identity: "   \t"},
		{name: "too long", identity: strings.Repeat("a", 257)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := chattest.NewBackend()
			m := newManager(t, b)

			err := m.Login(context.Background(), tt.identity)
			assert.ErrorIs(t, err, chat.ErrInvalidIdentity)
			assert.False(t, m.LoggedIn())
			assert.Zero(t, b.TokenFetches())
		})
	}
}

func TestLoginTokenFailure(t *testing.T) {
	b := chattest.NewBackend()
	boom := errors.New("token service down")
	b.FailTokens("bob", boom)
	m := newManager(t, b)

	err := m.Login(context.Background(), "bob")
	assert.ErrorIs(t, err, chat.ErrTokenFetch)
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.LoggedIn())
	assert.Empty(t, m.Messages())

	_, err = m.SendMessage(context.Background(), "hi")
	assert.ErrorIs(t, err, chat.ErrNotLoggedIn)
}

func TestFailedAsyncLoginLeavesFacadeUnusable(t *testing.T) {
	b := chattest.NewBackend()
	b.FailTokens("bob", errors.New("token endpoint returned an error"))
	m := newManager(t, b)

	done := make(chan bool, 1)
	m.LoginAsync(context.Background(), "bob", func(ok bool) { done <- ok })

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("login completion was not called")
	}
	assert.Empty(t, m.Messages())

	var result chat.Result
	m.SendMessageAsync(context.Background(), "hello?", func(r chat.Result, _ *transport.Message) {
		result = r
	})
	assert.ErrorIs(t, result.Err, chat.ErrNotLoggedIn)
	assert.Empty(t, m.Messages())
}

func TestLoginConnectFailure(t *testing.T) {
	b := chattest.NewBackend()
	b.FailConnects(errors.New("service unavailable"))
	m := newManager(t, b)

	err := m.Login(context.Background(), "alice")
	assert.ErrorIs(t, err, chat.ErrConnect)
	assert.False(t, m.LoggedIn())
}

func TestLoginJoinFailureClosesSession(t *testing.T) {
	b := chattest.NewBackend()
	b.FailJoins(transport.ErrUnauthorized)
	m := newManager(t, b)

	err := m.Login(context.Background(), "alice")
	assert.ErrorIs(t, err, chat.ErrJoin)
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.False(t, m.LoggedIn())
	assert.Zero(t, b.SessionCount())
}

func TestLoginRetryAfterFailure(t *testing.T) {
	b := chattest.NewBackend()
	b.FailTokens("alice", errors.New("flaky"))
	m := newManager(t, b)

	require.Error(t, m.Login(context.Background(), "alice"))

	b.FailTokens("alice", nil)
	require.NoError(t, m.Login(context.Background(), "alice"))
	assert.True(t, m.LoggedIn())
}

func TestLoginTwice(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	err := m.Login(context.Background(), "alice")
	assert.ErrorIs(t, err, chat.ErrAlreadyLoggedIn)
	assert.Equal(t, 1, b.SessionCount())
}

func TestLoginAsync(t *testing.T) {
	b := chattest.NewBackend()
	b.FailTokens("bob", errors.New("denied"))

	tests := []struct {
		identity string
		want     bool
	}{
		{identity: "alice", want: true},
		{identity: "bob", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			m := newManager(t, b)
			done := make(chan bool, 2)

			m.LoginAsync(context.Background(), tt.identity, func(ok bool) {
				done <- ok
			})

			select {
			case ok := <-done:
				assert.Equal(t, tt.want, ok)
			case <-time.After(waitFor):
				t.Fatal("login completion was not called")
			}
			assert.Equal(t, tt.want, m.LoggedIn())
			assert.Empty(t, done, "completion called more than once")
		})
	}
}

func TestSendBeforeLogin(t *testing.T) {
	b := chattest.NewBackend()
	m := newManager(t, b)

	_, err := m.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, chat.ErrNotLoggedIn)

	var (
		called bool
		result chat.Result
		sent   *transport.Message
	)
	m.SendMessageAsync(context.Background(), "hello", func(r chat.Result, msg *transport.Message) {
		called = true
		result = r
		sent = msg
	})

	require.True(t, called, "completion must run before SendMessageAsync returns")
	assert.False(t, result.Success())
	assert.ErrorIs(t, result.Err, chat.ErrNotLoggedIn)
	assert.Nil(t, sent)
	assert.Empty(t, m.Messages())
}

func TestSendEmptyMessage(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	_, err := m.SendMessage(context.Background(), " \n ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Empty(t, b.History("general"))
}

func TestSendAppendsThroughDelivery(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	obs := &countingObserver{}
	m.SetObserver(obs)

	sent, err := m.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Body)
	assert.Equal(t, "alice", sent.Author)

	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)
	msgs := m.Messages()
	assert.Equal(t, sent.SID, msgs[0].SID)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, "alice", msgs[0].Author)
	assert.Eventually(t, func() bool { return obs.count() == 1 }, waitFor, tick)
}

func TestSendMessageAsync(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	type outcome struct {
		result chat.Result
		msg    *transport.Message
	}
	done := make(chan outcome, 1)

	m.SendMessageAsync(context.Background(), "hi there", func(r chat.Result, msg *transport.Message) {
		done <- outcome{result: r, msg: msg}
	})

	select {
	case got := <-done:
		require.True(t, got.result.Success())
		require.NotNil(t, got.msg)
		assert.Equal(t, "hi there", got.msg.Body)
	case <-time.After(waitFor):
		t.Fatal("send completion was not called")
	}
	assert.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)
}

func TestInboundMessagesInOrder(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	obs := &countingObserver{}
	m.SetObserver(obs)

	for _, body := range []string{"one", "two", "three"} {
		_, err := b.Post("general", "carol", body)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return obs.count() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three"}, bodies(m.Messages()))
	assert.Equal(t, []string{"three"}, bodies(m.MessagesSince(2)))
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	obs := &countingObserver{}
	m.SetObserver(obs)

	first, err := b.Post("general", "carol", "first")
	require.NoError(t, err)
	b.Redeliver(first)
	_, err = b.Post("general", "carol", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.MessageCount() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"first", "second"}, bodies(m.Messages()))
	assert.Equal(t, 2, obs.count())
}

func TestSetObserverLastWins(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	first := &countingObserver{}
	second := &countingObserver{}

	m.SetObserver(first)
	m.SetObserver(second)

	_, err := b.Post("general", "carol", "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
	assert.Zero(t, first.count())
}

func TestSetObserverNil(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	obs := &countingObserver{}
	m.SetObserver(obs)
	m.SetObserver(nil)

	_, err := b.Post("general", "carol", "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)
	assert.Zero(t, obs.count())
}

func TestObserverFunc(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	seen := make(chan int, 1)
	m.SetObserver(chat.ObserverFunc(func() {
		seen <- m.MessageCount()
	}))

	_, err := b.Post("general", "carol", "ping")
	require.NoError(t, err)

	select {
	case n := <-seen:
		assert.Equal(t, 1, n, "log must be updated before the observer runs")
	case <-time.After(waitFor):
		t.Fatal("observer was not notified")
	}
}

func TestMessagesReturnsCopy(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	_, err := b.Post("general", "carol", "original")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)

	msgs := m.Messages()
	msgs[0].Body = "tampered"

	assert.Equal(t, []string{"original"}, bodies(m.Messages()))
}

func TestTwoParticipants(t *testing.T) {
	b := chattest.NewBackend()
	alice := login(t, b, "alice")
	bob := login(t, b, "bob")

	_, err := alice.SendMessage(context.Background(), "hi bob")
	require.NoError(t, err)
	_, err = bob.SendMessage(context.Background(), "hi alice")
	require.NoError(t, err)

	for _, m := range []*chat.Manager{alice, bob} {
		require.Eventually(t, func() bool { return m.MessageCount() == 2 }, waitFor, tick)
		assert.Equal(t, []string{"hi bob", "hi alice"}, bodies(m.Messages()))
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, b.Members("general"))
}

func TestTokenExpiringTriggersRefresh(t *testing.T) {
	b := chattest.NewBackend()
	login(t, b, "alice")
	require.Equal(t, 1, b.TokenFetches())

	b.ExpireTokens()

	assert.Eventually(t, func() bool { return b.TokenFetches() == 2 }, waitFor, tick)
}

func TestRefreshBeforeExpiry(t *testing.T) {
	b := chattest.NewBackend(chattest.WithTokenTTL(2 * time.Second))
	m, err := chat.NewManager(chat.Config{
		Tokens:        b,
		Transport:     b,
		RefreshMargin: time.Second,
		Logger:        slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Login(context.Background(), "alice"))

	assert.Eventually(t, func() bool { return b.TokenFetches() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestRefreshFailureKeepsSession(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	b.FailTokens("alice", errors.New("token service down"))
	b.ExpireTokens()

	_, err := b.Post("general", "carol", "still here")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)
	assert.True(t, m.LoggedIn())
	assert.Equal(t, 1, b.TokenFetches())
}

func TestRefreshRetriesAfterFailure(t *testing.T) {
	b := chattest.NewBackend(chattest.WithTokenTTL(3 * time.Second))
	m, err := chat.NewManager(chat.Config{
		Tokens:        b,
		Transport:     b,
		RefreshMargin: 2 * time.Second,
		Logger:        slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Login(context.Background(), "alice"))
	b.FailTokens("alice", errors.New("token service down"))

	// The scheduled refresh runs about a second after login and fails.
	require.Eventually(t, func() bool { return b.RejectedTokens() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, b.TokenFetches())

	b.FailTokens("alice", nil)

	assert.Eventually(t, func() bool { return b.TokenFetches() >= 2 }, 3*time.Second, 20*time.Millisecond)
	assert.True(t, m.LoggedIn())
}

func TestDisconnectLogsOut(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")

	_, err := b.Post("general", "carol", "before")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)

	b.Kick("alice")

	require.Eventually(t, func() bool { return !m.LoggedIn() }, waitFor, tick)
	_, err = m.SendMessage(context.Background(), "after")
	assert.ErrorIs(t, err, chat.ErrNotLoggedIn)
	assert.Equal(t, []string{"before"}, bodies(m.Messages()))

	require.NoError(t, m.Login(context.Background(), "alice"))
	assert.True(t, m.LoggedIn())
}

func TestClose(t *testing.T) {
	b := chattest.NewBackend()
	m := login(t, b, "alice")
	obs := &countingObserver{}
	m.SetObserver(obs)

	_, err := b.Post("general", "carol", "kept")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.MessageCount() == 1 }, waitFor, tick)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.False(t, m.LoggedIn())
	assert.Zero(t, b.SessionCount())
	assert.ErrorIs(t, m.Login(context.Background(), "alice"), chat.ErrClosed)

	_, err = m.SendMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, chat.ErrClosed)

	_, err = b.Post("general", "carol", "after close")
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, bodies(m.Messages()))
	assert.Equal(t, 1, obs.count())
}

func TestCloseBeforeLogin(t *testing.T) {
	b := chattest.NewBackend()
	m := newManager(t, b)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Login(context.Background(), "alice"), chat.ErrClosed)
}
