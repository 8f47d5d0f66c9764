package transport

import "errors"

// Frame types exchanged over the websocket.
const (
	FrameSession       = "session"
	FrameReply         = "reply"
	FrameMessageAdded  = "message_added"
	FrameTokenExpiring = "token_expiring"

	FrameLookupChannel = "lookup_channel"
	FrameCreateChannel = "create_channel"
	FrameJoinChannel   = "join_channel"
	FrameSendMessage   = "send_message"
	FrameUpdateToken   = "update_token"
)

// Error codes carried by reply frames.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnauthorized = "unauthorized"
	CodeBadRequest   = "bad_request"
	CodeInternal     = "internal"
)

// Frame is the single JSON envelope used in both directions. Only the fields
// relevant to Type are set.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`

	Identity     string `json:"identity,omitempty"`
	UniqueName   string `json:"unique_name,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	ChannelSID   string `json:"channel_sid,omitempty"`
	Body         string `json:"body,omitempty"`
	Token        string `json:"token,omitempty"`

	Channel *ChannelInfo `json:"channel,omitempty"`
	Message *Message     `json:"message,omitempty"`
	Error   *RemoteError `json:"error,omitempty"`
}

// ErrorCode returns the wire code for err, the inverse of RemoteError.Unwrap.
func ErrorCode(err error) string {
	var remote *RemoteError
	switch {
	case errors.As(err, &remote):
		return remote.Code
	case errors.Is(err, ErrChannelNotFound):
		return CodeNotFound
	case errors.Is(err, ErrChannelExists):
		return CodeConflict
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	}
	return CodeInternal
}

// ReplyError builds the reply frame for a failed request.
func ReplyError(requestID string, err error) Frame {
	return Frame{
		Type:      FrameReply,
		RequestID: requestID,
		Error:     &RemoteError{Code: ErrorCode(err), Message: err.Error()},
	}
}
