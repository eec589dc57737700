package protocol

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind is the "type" tag of an envelope
type Kind string

const (
	// Room management
	JoinRoom         Kind = "JOIN_ROOM"
	LeaveRoom        Kind = "LEAVE_ROOM"
	RoomMemberUpdate Kind = "ROOM_MEMBER_UPDATE"

	// Code sync
	CodeUpdate    Kind = "CODE_UPDATE"
	CodeCursor    Kind = "CODE_CURSOR"
	CodeSelection Kind = "CODE_SELECTION"

	// Review comments
	CommentAdd    Kind = "COMMENT_ADD"
	CommentUpdate Kind = "COMMENT_UPDATE"
	CommentDelete Kind = "COMMENT_DELETE"

	// System
	SystemNotification Kind = "SYSTEM_NOTIFICATION"
	Error              Kind = "ERROR"
)

// TypeWelcome tags the one-off greeting sent to a new connection.
const TypeWelcome = "WELCOME"

var known = map[Kind]bool{
	JoinRoom: true, LeaveRoom: true, RoomMemberUpdate: true,
	CodeUpdate: true, CodeCursor: true, CodeSelection: true,
	CommentAdd: true, CommentUpdate: true, CommentDelete: true,
	SystemNotification: true, Error: true,
}

// Known reports whether k is part of the current protocol.
func (k Kind) Known() bool { return known[k] }

// Relayed reports whether clients may publish k to the room.
func (k Kind) Relayed() bool {
	switch k {
	case CodeUpdate, CodeCursor, CodeSelection, CommentAdd, CommentUpdate, CommentDelete:
		return true
	}
	return false
}

// Payload is implemented by every concrete payload shape.
type Payload interface {
	isPayload()
}

// MemberPayload is carried by JOIN_ROOM, LEAVE_ROOM and ROOM_MEMBER_UPDATE.
type MemberPayload struct {
	UserID   int64   `json:"userId"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar,omitempty"`
	JoinTime *Time   `json:"joinTime,omitempty"`
}

type CodeUpdatePayload struct {
	FilePath  string `json:"filePath"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	Operation string `json:"operation"` // INSERT, DELETE, UPDATE
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

type CursorPayload struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Color    string `json:"color"`
}

type SelectionPayload struct {
	FilePath    string `json:"filePath"`
	StartLine   int    `json:"startLine"`
	StartColumn int    `json:"startColumn"`
	EndLine     int    `json:"endLine"`
	EndColumn   int    `json:"endColumn"`
	Color       string `json:"color,omitempty"`
}

// CommentPayload is carried by COMMENT_ADD and COMMENT_UPDATE.
type CommentPayload struct {
	CommentID  int64  `json:"commentId,omitempty"`
	FilePath   string `json:"filePath"`
	LineNumber int    `json:"lineNumber"`
	Content    string `json:"content"`
	ParentID   *int64 `json:"parentId,omitempty"`
	CreateTime *Time  `json:"createTime,omitempty"`
}

type CommentDeletePayload struct {
	CommentID int64  `json:"commentId"`
	FilePath  string `json:"filePath,omitempty"`
}

type NotificationPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Time is a payload timestamp. Clients send either RFC 3339 or a zone-less
// local date-time; a decoded value marshals back to exactly the text it was
// read from.
type Time struct {
	at  time.Time
	raw string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
}

func NewTime(t time.Time) *Time {
	return &Time{at: t}
}

// Time returns the parsed instant. Zone-less input is read as UTC.
func (t Time) Time() time.Time { return t.at }

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.at, t.raw = parsed, s
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.raw != "" {
		return json.Marshal(t.raw)
	}
	return json.Marshal(t.at.UTC().Format(time.RFC3339Nano))
}

// Raw holds the payload of a kind this server does not know about.
type Raw []byte

func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (MemberPayload) isPayload()        {}
func (CodeUpdatePayload) isPayload()    {}
func (CursorPayload) isPayload()        {}
func (SelectionPayload) isPayload()     {}
func (CommentPayload) isPayload()       {}
func (CommentDeletePayload) isPayload() {}
func (NotificationPayload) isPayload()  {}
func (ErrorPayload) isPayload()         {}
func (Raw) isPayload()                  {}

// Message is a decoded inbound frame. Clients only supply type and payload.
type Message struct {
	Kind    Kind
	Payload Payload
}

// Envelope is the fully populated outbound unit.
type Envelope struct {
	Type           Kind      `json:"type"`
	RoomCode       string    `json:"roomCode"`
	SenderID       int64     `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	Payload        Payload   `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
	MessageID      string    `json:"messageId"`
}

// NewEnvelope stamps a payload with its sender, the current time and a fresh message id.
func NewEnvelope(kind Kind, roomCode string, senderID int64, senderUsername string, payload Payload) Envelope {
	return Envelope{
		Type:           kind,
		RoomCode:       roomCode,
		SenderID:       senderID,
		SenderUsername: senderUsername,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
		MessageID:      uuid.NewString(),
	}
}

// Welcome is sent once, to the joining connection only.
type Welcome struct {
	Type        string   `json:"type"`
	RoomCode    string   `json:"roomCode"`
	OnlineUsers []string `json:"onlineUsers"`
}
