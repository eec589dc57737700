package protocol

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// DecodeReason classifies a DecodeError.
type DecodeReason int

const (
	InvalidJSON DecodeReason = iota
	MissingField
)

// DecodeError is returned for frames that cannot be turned into a Message.
// It only ever affects the single frame.
type DecodeError struct {
	Reason DecodeReason
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Reason == MissingField {
		return fmt.Sprintf("missing required field %q", e.Field)
	}
	return fmt.Sprintf("invalid json: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func missing(field string) error {
	return &DecodeError{Reason: MissingField, Field: field}
}

func invalid(err error) error {
	return &DecodeError{Reason: InvalidJSON, Err: err}
}

type inbound struct {
	Type    *string         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a client frame. Unknown kinds decode successfully with a Raw payload.
func Decode(raw []byte) (Message, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Message{}, invalid(err)
	}
	if in.Type == nil || *in.Type == "" {
		return Message{}, missing("type")
	}

	kind := Kind(*in.Type)
	payload, err := decodePayload(kind, in.Payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Payload: payload}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	empty := len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))

	switch kind {
	case JoinRoom, LeaveRoom, RoomMemberUpdate:
		var p MemberPayload
		if !empty {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, invalid(err)
			}
		}
		return p, nil

	case CodeUpdate:
		var p CodeUpdatePayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.FilePath == "" {
			return nil, missing("payload.filePath")
		}
		return p, nil

	case CodeCursor:
		var p CursorPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.FilePath == "" {
			return nil, missing("payload.filePath")
		}
		return p, nil

	case CodeSelection:
		var p SelectionPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.FilePath == "" {
			return nil, missing("payload.filePath")
		}
		return p, nil

	case CommentAdd:
		var p CommentPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.FilePath == "" {
			return nil, missing("payload.filePath")
		}
		if p.Content == "" {
			return nil, missing("payload.content")
		}
		return p, nil

	case CommentUpdate:
		var p CommentPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.CommentID == 0 {
			return nil, missing("payload.commentId")
		}
		return p, nil

	case CommentDelete:
		var p CommentDeletePayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		if p.CommentID == 0 {
			return nil, missing("payload.commentId")
		}
		return p, nil

	case SystemNotification:
		var p NotificationPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		return p, nil

	case Error:
		var p ErrorPayload
		if err := unmarshalRequired(raw, empty, &p); err != nil {
			return nil, err
		}
		return p, nil
	}

	if empty {
		return Raw(nil), nil
	}
	return Raw(append([]byte(nil), raw...)), nil
}

func unmarshalRequired(raw json.RawMessage, empty bool, v any) error {
	if empty {
		return missing("payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid(err)
	}
	return nil
}

// Encode renders an envelope in its wire format.
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = Raw(nil)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}

type wireEnvelope struct {
	Type           Kind            `json:"type"`
	RoomCode       string          `json:"roomCode"`
	SenderID       int64           `json:"senderId"`
	SenderUsername string          `json:"senderUsername"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	MessageID      string          `json:"messageId"`
}

// DecodeEnvelope parses a server-produced envelope, payload included.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, invalid(err)
	}
	if w.Type == "" {
		return Envelope{}, missing("type")
	}

	payload, err := decodePayload(w.Type, w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:           w.Type,
		RoomCode:       w.RoomCode,
		SenderID:       w.SenderID,
		SenderUsername: w.SenderUsername,
		Payload:        payload,
		Timestamp:      w.Timestamp,
		MessageID:      w.MessageID,
	}, nil
}

// NewWelcome lists online user ids as strings, in ascending numeric order.
func NewWelcome(roomCode string, userIDs []int64) Welcome {
	ids := append([]int64(nil), userIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	users := make([]string, 0, len(ids))
	for _, id := range ids {
		users = append(users, strconv.FormatInt(id, 10))
	}
	return Welcome{Type: TypeWelcome, RoomCode: roomCode, OnlineUsers: users}
}

// EncodeWelcome renders the greeting frame.
func EncodeWelcome(w Welcome) ([]byte, error) {
	return json.Marshal(w)
}
