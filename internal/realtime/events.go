package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType names a websocket frame.
type EventType string

const (
	EventRoomJoin         EventType = "room:join"
	EventRoomJoined       EventType = "room:joined"
	EventRoomLeave        EventType = "room:leave"
	EventRoomMemberJoined EventType = "room:member-joined"
	EventRoomMemberLeft   EventType = "room:member-left"
	EventDocUpdate        EventType = "doc:update"
	EventDocUpdateApplied EventType = "doc:update-applied"
	// EventDocSyncRequest travels between server processes only.
	EventDocSyncRequest EventType = "doc:sync-request"
	EventCursorMove       EventType = "cursor:move"
	EventMessageSend      EventType = "message:send"
	EventMessageNew       EventType = "message:new"
	EventMessageTyping    EventType = "message:typing"
	EventNotificationNew  EventType = "notification:new"
	EventPresenceOnline   EventType = "presence:online"
	EventPresenceOffline  EventType = "presence:offline"
	EventPing             EventType = "ping"
	EventPong             EventType = "pong"
	EventError            EventType = "error"
)

const (
	roomPrefixNote   = "note:"
	roomPrefixThread = "thread:"
	roomPrefixUser   = "user:"
)

// ErrMalformedFrame indicates a frame that is not a JSON event envelope.
var ErrMalformedFrame = errors.New("realtime: malformed frame")

// Frame is the JSON envelope of every websocket message.
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeFrame parses a client frame.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if strings.TrimSpace(string(frame.Event)) == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return frame, nil
}

// NewFrame builds a frame carrying payload.
func NewFrame(event EventType, payload any) (Frame, error) {
	frame := Frame{Event: event}
	if payload == nil {
		return frame, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame.Data = data
	return frame, nil
}

func encodeFrame(event EventType, payload any) ([]byte, error) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// RoomKind distinguishes the broadcast groups connections join.
type RoomKind int

const (
	RoomKindNote RoomKind = iota
	RoomKindThread
	RoomKindUser
)

// Room is a parsed room key.
type Room struct {
	Kind RoomKind
	ID   string
}

// Key returns the canonical room key.
func (room Room) Key() string {
	switch room.Kind {
	case RoomKindThread:
		return roomPrefixThread + room.ID
	case RoomKindUser:
		return roomPrefixUser + room.ID
	default:
		return roomPrefixNote + room.ID
	}
}

// ParseRoom reads a client supplied room id. Ids without a prefix name notes.
// Personal channels cannot be joined explicitly.
func ParseRoom(roomID string) (Room, error) {
	trimmed := strings.TrimSpace(roomID)
	var room Room
	switch {
	case strings.HasPrefix(trimmed, roomPrefixThread):
		room = Room{Kind: RoomKindThread, ID: strings.TrimPrefix(trimmed, roomPrefixThread)}
	case strings.HasPrefix(trimmed, roomPrefixNote):
		room = Room{Kind: RoomKindNote, ID: strings.TrimPrefix(trimmed, roomPrefixNote)}
	case strings.HasPrefix(trimmed, roomPrefixUser):
		return Room{}, newProtocolError("personal channels cannot be joined", nil)
	default:
		room = Room{Kind: RoomKindNote, ID: trimmed}
	}
	room.ID = strings.TrimSpace(room.ID)
	if room.ID == "" {
		return Room{}, newProtocolError("room id required", nil)
	}
	return room, nil
}

// UserRoom returns the personal channel key of userID.
func UserRoom(userID string) string {
	return Room{Kind: RoomKindUser, ID: userID}.Key()
}

// NoteRoom returns the room key of a note.
func NoteRoom(noteID string) string {
	return Room{Kind: RoomKindNote, ID: noteID}.Key()
}

// ThreadRoom returns the room key of a conversation thread.
func ThreadRoom(threadID string) string {
	return Room{Kind: RoomKindThread, ID: threadID}.Key()
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type roomJoinedPayload struct {
	RoomID   string   `json:"roomId"`
	Snapshot string   `json:"snapshot,omitempty"`
	Members  []string `json:"members"`
}

type memberPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type docUpdateRequest struct {
	RoomID string `json:"roomId"`
	Update string `json:"update"`
}

type docUpdateAppliedPayload struct {
	RoomID     string `json:"roomId"`
	Update     string `json:"update"`
	FromUserID string `json:"fromUserId"`
}

// Selection is a cursor range within a document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type cursorRequest struct {
	RoomID    string     `json:"roomId"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

type cursorPayload struct {
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Name      string     `json:"name,omitempty"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

type messageSendRequest struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
}

type messagePayload struct {
	ID        string `json:"id"`
	RoomID    string `json:"roomId"`
	ThreadID  string `json:"threadId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type notificationPayload struct {
	Type      string `json:"type"`
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Preview   string `json:"preview"`
}

type typingRequest struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type presencePayload struct {
	UserID string `json:"userId"`
}

type errorPayload struct {
	Message string `json:"message"`
}
