package chat

import "errors"

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrTokenFetch      = errors.New("token fetch failed")
	ErrConnect         = errors.New("session establishment failed")
	ErrJoin            = errors.New("channel join failed")
	ErrNotLoggedIn     = errors.New("not logged in")
	ErrAlreadyLoggedIn = errors.New("already logged in")
	ErrClosed          = errors.New("manager closed")
	ErrEmptyMessage    = errors.New("message text is empty")
)
