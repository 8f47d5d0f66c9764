// Package transport defines the narrow contract between the chat session
// facade and a realtime chat backend, plus the HTTP token fetcher and the
// websocket implementation of that contract.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already exists")
	ErrSessionClosed   = errors.New("session closed")
	ErrEmptyToken      = errors.New("empty token")
)

// Message is one chat message as delivered by the backend.
type Message struct {
	SID        string    `json:"sid"`
	Index      int64     `json:"index"`
	ChannelSID string    `json:"channel_sid"`
	Author     string    `json:"author"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChannelInfo describes a channel on the backend.
type ChannelInfo struct {
	SID          string `json:"sid"`
	UniqueName   string `json:"unique_name"`
	FriendlyName string `json:"friendly_name"`
	// Joined reports whether the session's identity is already a member.
	Joined bool `json:"joined"`
}

// EventKind identifies what an Event carries.
type EventKind string

const (
	EventMessageAdded  EventKind = "message_added"
	EventTokenExpiring EventKind = "token_expiring"
	EventDisconnected  EventKind = "disconnected"
)

// Event is something the backend pushed to the session.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// TokenFetcher obtains an access token for an identity.
type TokenFetcher interface {
	FetchToken(ctx context.Context, identity string) (string, error)
}

// Transport establishes sessions from access tokens.
type Transport interface {
	Connect(ctx context.Context, token string) (Session, error)
}

// Session is an authenticated connection to the chat backend.
//
// Events is closed once the session ends, whatever the reason.
type Session interface {
	Identity() string
	LookupChannel(ctx context.Context, uniqueName string) (ChannelInfo, error)
	CreateChannel(ctx context.Context, uniqueName, friendlyName string) (ChannelInfo, error)
	JoinChannel(ctx context.Context, channelSID string) (ChannelInfo, error)
	Send(ctx context.Context, channelSID, body string) (Message, error)
	UpdateToken(ctx context.Context, token string) error
	Events() <-chan Event
	Close() error
}

// StatusError is returned when an HTTP endpoint answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.StatusCode)
}

// RemoteError is an error reported by the backend in a reply frame.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote error: " + e.Code
	}
	return fmt.Sprintf("remote error: %s: %s", e.Code, e.Message)
}

// Unwrap maps well-known codes onto the package sentinels.
func (e *RemoteError) Unwrap() error {
	switch e.Code {
	case CodeNotFound:
		return ErrChannelNotFound
	case CodeConflict:
		return ErrChannelExists
	case CodeUnauthorized:
		return ErrUnauthorized
	}
	return nil
}
