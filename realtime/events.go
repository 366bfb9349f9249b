package realtime

import (
	"encoding/json"

	"threadkit/comment"
)

// EventType tags a push-channel envelope.
type EventType string

const (
	EventCommentAdded   EventType = "comment-added"
	EventCommentDeleted EventType = "comment-deleted"
	EventCommentEdited  EventType = "comment-edited"
	EventVoteUpdated    EventType = "vote-updated"
	EventPresenceList   EventType = "presence-list"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventTyping         EventType = "typing"
	EventNotification   EventType = "notification"
	EventError          EventType = "error"

	// Client-to-server frame types.
	frameTyping EventType = "typing"
	framePing   EventType = "ping"
)

// Envelope is the wire shape of every push-channel message, scoped to the
// page the connection was opened for.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommentPayload carries a full node for added/edited events.
type CommentPayload struct {
	Comment comment.Comment `json:"comment"`
}

// DeletePayload identifies a removed comment.
type DeletePayload struct {
	CommentID string `json:"commentId"`
}

// VotePayload is another viewer's vote landing on this page.
type VotePayload struct {
	CommentID string `json:"commentId"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
}

// PresenceUser is one viewer currently on the page.
type PresenceUser struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// PresencePayload is the full viewer list, sent on join and on change.
type PresencePayload struct {
	Users []PresenceUser `json:"users"`
}

// TypingPayload signals that a user is composing a reply. ReplyTo is the
// comment being answered, empty for a new top-level comment.
type TypingPayload struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// NotificationPayload is a server-originated message for the current user.
type NotificationPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorPayload is a server-reported channel error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Events holds the listener callbacks. Nil callbacks drop their events.
// Callbacks run on the read loop goroutine; keep them short.
type Events struct {
	CommentAdded   func(comment.Comment)
	CommentDeleted func(commentID string)
	CommentEdited  func(comment.Comment)
	VoteUpdated    func(VotePayload)
	Presence       func([]PresenceUser)
	UserJoined     func(PresenceUser)
	UserLeft       func(PresenceUser)
	Typing         func(TypingPayload)
	Notification   func(NotificationPayload)
	Error          func(ErrorPayload)
}
