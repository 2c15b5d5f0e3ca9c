package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/messaging"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	notificationTypeMessage = "message"
	notificationPreviewSize = 140
	internalErrorMessage    = "internal error"
	relayApplyTimeout       = 5 * time.Second
)

var (
	errMissingSessions    = errors.New("realtime: document sessions required")
	errMissingAccess      = errors.New("realtime: access checker required")
	errMissingRegistry    = errors.New("realtime: presence registry required")
	errMissingBroadcaster = errors.New("realtime: broadcaster required")

	// ErrAnonymousConnection indicates a connection without a user id.
	ErrAnonymousConnection = errors.New("realtime: connection requires a user id")
)

// ProtocolError is a frame-level failure reported to the originating
// connection. The connection stays open.
type ProtocolError struct {
	message string
	err     error
}

func newProtocolError(message string, cause error) error {
	return &ProtocolError{message: message, err: cause}
}

func (e *ProtocolError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *ProtocolError) Unwrap() error {
	return e.err
}

// Message returns the client-visible description.
func (e *ProtocolError) Message() string {
	return e.message
}

// DocumentSessions is the document lifecycle the protocol drives.
type DocumentSessions interface {
	Open(ctx context.Context, documentID, participantID string) (collab.SessionHandle, error)
	ApplyEdit(ctx context.Context, documentID string, delta []byte) error
	Close(ctx context.Context, documentID, participantID string)
	State(ctx context.Context, documentID string) ([]byte, bool, error)
}

// AccessChecker resolves what a user may do with a note.
type AccessChecker interface {
	CanAccess(ctx context.Context, noteID notes.NoteID, userID notes.UserID) (notes.Access, error)
}

// ConversationStore backs thread rooms.
type ConversationStore interface {
	CanAccessThread(ctx context.Context, threadID messaging.ThreadID, userID string) (bool, error)
	AppendMessage(ctx context.Context, draft messaging.MessageDraft) (messaging.Message, error)
	ThreadParticipants(ctx context.Context, threadID messaging.ThreadID) ([]string, error)
}

// PresenceStore persists online transitions.
type PresenceStore interface {
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// ProtocolConfig describes the collaborators of a Protocol.
type ProtocolConfig struct {
	Sessions        DocumentSessions
	Access          AccessChecker
	Conversations   ConversationStore
	Presence        PresenceStore
	Registry        *PresenceRegistry
	Broadcaster     *Broadcaster
	Logger          *zap.Logger
	NewConnectionID func() string
}

// Protocol handles the collaboration events of authenticated connections.
type Protocol struct {
	sessions        DocumentSessions
	access          AccessChecker
	conversations   ConversationStore
	presence        PresenceStore
	registry        *PresenceRegistry
	broadcaster     *Broadcaster
	logger          *zap.Logger
	newConnectionID func() string
}

// Connection is the protocol state of one websocket.
type Connection struct {
	id       string
	identity auth.Identity
	outbox   <-chan []byte

	mu    sync.Mutex
	rooms map[string]roomGrant
}

type roomGrant struct {
	room   Room
	access notes.Access
}

// ID returns the connection id.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the authenticated user behind the connection.
func (c *Connection) UserID() string {
	return c.identity.UserID
}

// Outbox returns the frames queued for the connection.
func (c *Connection) Outbox() <-chan []byte {
	return c.outbox
}

// Rooms lists the room keys the connection joined.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.rooms))
	for key := range c.rooms {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Connection) grant(room Room, access notes.Access) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := room.Key()
	_, existed := c.rooms[key]
	c.rooms[key] = roomGrant{room: room, access: access}
	return !existed
}

func (c *Connection) grantFor(roomKey string) (roomGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grant, ok := c.rooms[roomKey]
	return grant, ok
}

func (c *Connection) revoke(roomKey string) (roomGrant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	grant, ok := c.rooms[roomKey]
	if ok {
		delete(c.rooms, roomKey)
	}
	return grant, ok
}

func (c *Connection) drain() []roomGrant {
	c.mu.Lock()
	defer c.mu.Unlock()
	grants := make([]roomGrant, 0, len(c.rooms))
	for key, grant := range c.rooms {
		grants = append(grants, grant)
		delete(c.rooms, key)
	}
	return grants
}

// NewProtocol constructs a Protocol.
func NewProtocol(config ProtocolConfig) (*Protocol, error) {
	switch {
	case config.Sessions == nil:
		return nil, errMissingSessions
	case config.Access == nil:
		return nil, errMissingAccess
	case config.Registry == nil:
		return nil, errMissingRegistry
	case config.Broadcaster == nil:
		return nil, errMissingBroadcaster
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newConnectionID := config.NewConnectionID
	if newConnectionID == nil {
		newConnectionID = uuid.NewString
	}
	return &Protocol{
		sessions:        config.Sessions,
		access:          config.Access,
		conversations:   config.Conversations,
		presence:        config.Presence,
		registry:        config.Registry,
		broadcaster:     config.Broadcaster,
		logger:          logger,
		newConnectionID: newConnectionID,
	}, nil
}

// Connect registers a new connection for identity. The user's first
// connection marks them online.
func (p *Protocol) Connect(ctx context.Context, identity auth.Identity) (*Connection, error) {
	userID := strings.TrimSpace(identity.UserID)
	if userID == "" {
		return nil, ErrAnonymousConnection
	}
	identity.UserID = userID
	connID := p.newConnectionID()
	outbox, err := p.broadcaster.Subscribe(connID, userID)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		id:       connID,
		identity: identity,
		outbox:   outbox,
		rooms:    make(map[string]roomGrant),
	}

	if p.registry.RegisterConnection(userID, connID) {
		if p.presence != nil {
			if err := p.presence.SetOnline(ctx, userID); err != nil {
				p.logger.Warn("presence online update failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
		p.emit(p.broadcaster.BroadcastAll(connID, EventPresenceOnline, presencePayload{UserID: userID}))
	}
	p.logger.Info("connection opened", zap.String("conn_id", connID), zap.String("user_id", userID))
	return conn, nil
}

// Disconnect leaves every room the connection joined and unregisters it. The
// user's last connection marks them offline.
func (p *Protocol) Disconnect(ctx context.Context, conn *Connection) {
	if conn == nil {
		return
	}
	for _, grant := range conn.drain() {
		p.leaveRoom(ctx, conn, grant)
	}
	userID := conn.UserID()
	if p.registry.UnregisterConnection(userID, conn.id) {
		if p.presence != nil {
			if err := p.presence.SetOffline(ctx, userID); err != nil {
				p.logger.Warn("presence offline update failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
		p.emit(p.broadcaster.BroadcastAll(conn.id, EventPresenceOffline, presencePayload{UserID: userID}))
	}
	p.broadcaster.Unsubscribe(conn.id)
	p.logger.Info("connection closed", zap.String("conn_id", conn.id), zap.String("user_id", userID))
}

// Dispatch handles one client frame.
func (p *Protocol) Dispatch(ctx context.Context, conn *Connection, frame Frame) error {
	switch frame.Event {
	case EventRoomJoin:
		return p.handleJoin(ctx, conn, frame.Data)
	case EventRoomLeave:
		return p.handleLeave(ctx, conn, frame.Data)
	case EventDocUpdate:
		return p.handleDocUpdate(ctx, conn, frame.Data)
	case EventCursorMove:
		return p.handleCursorMove(conn, frame.Data)
	case EventMessageSend:
		return p.handleMessageSend(ctx, conn, frame.Data)
	case EventMessageTyping:
		return p.handleTyping(conn, frame.Data)
	case EventPing:
		return p.broadcaster.SendToConnection(conn.id, EventPong, nil)
	default:
		return newProtocolError(fmt.Sprintf("unsupported event %q", frame.Event), nil)
	}
}

// ReportError sends err to the originating connection as an error event.
func (p *Protocol) ReportError(conn *Connection, err error) {
	if err == nil {
		return
	}
	message := internalErrorMessage
	var protocolErr *ProtocolError
	switch {
	case errors.As(err, &protocolErr):
		message = protocolErr.Message()
		p.logger.Debug("frame rejected",
			zap.String("conn_id", conn.id),
			zap.String("user_id", conn.UserID()),
			zap.Error(err))
	case errors.Is(err, ErrMalformedFrame):
		message = "malformed frame"
		p.logger.Debug("malformed frame", zap.String("conn_id", conn.id), zap.Error(err))
	default:
		p.logger.Error("frame handling failed",
			zap.String("conn_id", conn.id),
			zap.String("user_id", conn.UserID()),
			zap.Error(err))
	}
	p.emit(p.broadcaster.SendToConnection(conn.id, EventError, errorPayload{Message: message}))
}

func (p *Protocol) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var request roomRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	if room.Kind == RoomKindThread {
		return p.joinThread(ctx, conn, room)
	}
	return p.joinNote(ctx, conn, room)
}

func (p *Protocol) joinNote(ctx context.Context, conn *Connection, room Room) error {
	noteID, err := notes.NewNoteID(room.ID)
	if err != nil {
		return newProtocolError("invalid room id", err)
	}
	userID, err := notes.NewUserID(conn.UserID())
	if err != nil {
		return newProtocolError("invalid user id", err)
	}
	access, err := p.access.CanAccess(ctx, noteID, userID)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return newProtocolError("document not found", err)
	}
	if err != nil {
		return fmt.Errorf("check note access: %w", err)
	}
	if !access.CanJoin() {
		return newProtocolError("access denied", nil)
	}

	// Subscribe before the snapshot is taken so no edit can miss both.
	roomKey := room.Key()
	_, rejoin := conn.grantFor(roomKey)
	if !rejoin {
		if err := p.broadcaster.Join(roomKey, conn.id); err != nil {
			return fmt.Errorf("subscribe to %s: %w", roomKey, err)
		}
	}
	handle, err := p.sessions.Open(ctx, noteID.String(), conn.id)
	if err != nil {
		// A failed open also drops the participant, so a rejoin leaves fully.
		if grant, held := conn.revoke(roomKey); held {
			p.leaveRoom(ctx, conn, grant)
		} else {
			p.broadcaster.Leave(roomKey, conn.id)
		}
		return fmt.Errorf("open document %s: %w", noteID, err)
	}
	if conn.grant(room, access) {
		p.announceMember(conn, room)
	}
	if handle.Participants == 1 {
		// Another process may hold edits not flushed yet.
		p.emit(p.broadcaster.Relay(roomKey, EventDocSyncRequest, roomRequest{RoomID: roomKey}))
	}
	p.logger.Debug("document joined",
		zap.String("conn_id", conn.id),
		zap.String("user_id", conn.UserID()),
		zap.String("document_id", noteID.String()),
		zap.String("access", access.String()),
		zap.Int("participants", handle.Participants))

	return p.broadcaster.SendToConnection(conn.id, EventRoomJoined, roomJoinedPayload{
		RoomID:   room.Key(),
		Snapshot: notes.EncodeCrdtSnapshot(handle.Snapshot).String(),
		Members:  p.registry.Members(room.Key()),
	})
}

func (p *Protocol) joinThread(ctx context.Context, conn *Connection, room Room) error {
	if p.conversations == nil {
		return newProtocolError("conversations unavailable", nil)
	}
	threadID, err := messaging.NewThreadID(room.ID)
	if err != nil {
		return newProtocolError("invalid room id", err)
	}
	allowed, err := p.conversations.CanAccessThread(ctx, threadID, conn.UserID())
	if err != nil {
		return fmt.Errorf("check thread access: %w", err)
	}
	if !allowed {
		return newProtocolError("access denied", nil)
	}
	if conn.grant(room, notes.AccessEditor) {
		p.enterRoom(conn, room)
	}
	return p.broadcaster.SendToConnection(conn.id, EventRoomJoined, roomJoinedPayload{
		RoomID:  room.Key(),
		Members: p.registry.Members(room.Key()),
	})
}

func (p *Protocol) enterRoom(conn *Connection, room Room) {
	p.emit(p.broadcaster.Join(room.Key(), conn.id))
	p.announceMember(conn, room)
}

func (p *Protocol) announceMember(conn *Connection, room Room) {
	roomKey := room.Key()
	if p.registry.JoinRoom(roomKey, conn.UserID()) {
		p.emit(p.broadcaster.BroadcastExcept(roomKey, conn.id, EventRoomMemberJoined, memberPayload{
			RoomID: roomKey,
			UserID: conn.UserID(),
			Name:   conn.identity.Name,
		}))
	}
}

func (p *Protocol) handleLeave(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var request roomRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	grant, joined := conn.revoke(room.Key())
	if !joined {
		return nil
	}
	p.leaveRoom(ctx, conn, grant)
	return nil
}

func (p *Protocol) leaveRoom(ctx context.Context, conn *Connection, grant roomGrant) {
	roomKey := grant.room.Key()
	p.broadcaster.Leave(roomKey, conn.id)
	if p.registry.LeaveRoom(roomKey, conn.UserID()) {
		p.emit(p.broadcaster.Broadcast(roomKey, EventRoomMemberLeft, memberPayload{
			RoomID: roomKey,
			UserID: conn.UserID(),
		}))
	}
	if grant.room.Kind == RoomKindNote {
		p.sessions.Close(ctx, grant.room.ID, conn.id)
	}
}

func (p *Protocol) handleDocUpdate(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var request docUpdateRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	grant, joined := conn.grantFor(room.Key())
	if !joined || room.Kind != RoomKindNote {
		return newProtocolError("join the document before editing", nil)
	}
	if !grant.access.CanEdit() {
		return newProtocolError("read-only access", nil)
	}
	update, err := notes.NewCrdtUpdateBase64(request.Update)
	if err != nil {
		return newProtocolError("invalid update payload", err)
	}
	if err := p.sessions.ApplyEdit(ctx, room.ID, update.Bytes()); err != nil {
		if errors.Is(err, collab.ErrMalformedUpdate) {
			p.logger.Warn("rejected malformed update",
				zap.String("conn_id", conn.id),
				zap.String("document_id", room.ID),
				zap.Error(err))
			return newProtocolError("malformed update", err)
		}
		return fmt.Errorf("apply update to %s: %w", room.ID, err)
	}
	return p.broadcaster.BroadcastExcept(room.Key(), conn.id, EventDocUpdateApplied, docUpdateAppliedPayload{
		RoomID:     room.Key(),
		Update:     update.String(),
		FromUserID: conn.UserID(),
	})
}

func (p *Protocol) handleCursorMove(conn *Connection, data json.RawMessage) error {
	var request cursorRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	if _, joined := conn.grantFor(room.Key()); !joined {
		return newProtocolError("join the room before moving the cursor", nil)
	}
	return p.broadcaster.BroadcastExcept(room.Key(), conn.id, EventCursorMove, cursorPayload{
		RoomID:    room.Key(),
		UserID:    conn.UserID(),
		Name:      conn.identity.Name,
		Position:  request.Position,
		Selection: request.Selection,
	})
}

func (p *Protocol) handleMessageSend(ctx context.Context, conn *Connection, data json.RawMessage) error {
	if p.conversations == nil {
		return newProtocolError("conversations unavailable", nil)
	}
	var request messageSendRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	if room.Kind != RoomKindThread {
		return newProtocolError("messages require a thread room", nil)
	}
	threadID, err := messaging.NewThreadID(room.ID)
	if err != nil {
		return newProtocolError("invalid room id", err)
	}

	message, err := p.conversations.AppendMessage(ctx, messaging.MessageDraft{
		ThreadID:  threadID,
		SenderID:  conn.UserID(),
		Content:   request.Content,
		ReplyToID: request.ReplyToID,
	})
	switch {
	case errors.Is(err, messaging.ErrNotParticipant):
		return newProtocolError("access denied", err)
	case errors.Is(err, messaging.ErrInvalidContent):
		return newProtocolError("invalid message content", err)
	case err != nil:
		return fmt.Errorf("append message: %w", err)
	}

	payload := messagePayload{
		ID:        message.ID,
		RoomID:    room.Key(),
		ThreadID:  message.ThreadID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		CreatedAt: message.CreatedAtSeconds,
	}
	if message.ReplyToID != nil {
		payload.ReplyToID = *message.ReplyToID
	}
	if err := p.broadcaster.Broadcast(room.Key(), EventMessageNew, payload); err != nil {
		return err
	}

	participants, err := p.conversations.ThreadParticipants(ctx, threadID)
	if err != nil {
		p.logger.Warn("notification fan-out skipped",
			zap.String("room", room.Key()),
			zap.Error(err))
		return nil
	}
	notification := notificationPayload{
		Type:      notificationTypeMessage,
		ThreadID:  message.ThreadID,
		MessageID: message.ID,
		SenderID:  message.SenderID,
		Preview:   preview(message.Content),
	}
	for _, participantID := range participants {
		if participantID == conn.UserID() {
			continue
		}
		p.emit(p.broadcaster.EmitToUser(participantID, EventNotificationNew, notification))
	}
	return nil
}

func (p *Protocol) handleTyping(conn *Connection, data json.RawMessage) error {
	var request typingRequest
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil {
		return err
	}
	if _, joined := conn.grantFor(room.Key()); !joined || room.Kind != RoomKindThread {
		return newProtocolError("join the thread before typing", nil)
	}
	return p.broadcaster.BroadcastExcept(room.Key(), conn.id, EventMessageTyping, typingPayload{
		RoomID:   room.Key(),
		UserID:   conn.UserID(),
		Name:     conn.identity.Name,
		IsTyping: request.IsTyping,
	})
}

// Deliver handles an envelope relayed from another server process. Document
// updates are merged into the local session before they reach local clients,
// so every process persists the same state.
func (p *Protocol) Deliver(envelope Envelope) {
	var frame Frame
	if err := json.Unmarshal(envelope.Frame, &frame); err != nil {
		p.logger.Warn("dropping malformed relayed frame", zap.String("origin", envelope.Origin), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayApplyTimeout)
	defer cancel()
	switch frame.Event {
	case EventDocSyncRequest:
		p.answerSyncRequest(ctx, frame.Data)
		return
	case EventDocUpdateApplied:
		p.mergeRelayedUpdate(ctx, envelope.Origin, frame.Data)
	}
	p.broadcaster.Deliver(envelope)
}

func (p *Protocol) mergeRelayedUpdate(ctx context.Context, origin string, data json.RawMessage) {
	var payload docUpdateAppliedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		p.logger.Warn("relayed update unreadable", zap.String("origin", origin), zap.Error(err))
		return
	}
	room, err := ParseRoom(payload.RoomID)
	if err != nil || room.Kind != RoomKindNote {
		return
	}
	update, err := notes.NewCrdtUpdateBase64(payload.Update)
	if err != nil {
		p.logger.Warn("relayed update unreadable", zap.String("origin", origin), zap.Error(err))
		return
	}
	err = p.sessions.ApplyEdit(ctx, room.ID, update.Bytes())
	if err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
		p.logger.Warn("relayed update not merged",
			zap.String("origin", origin),
			zap.String("document_id", room.ID),
			zap.Error(err))
	}
}

func (p *Protocol) answerSyncRequest(ctx context.Context, data json.RawMessage) {
	var request roomRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return
	}
	room, err := ParseRoom(request.RoomID)
	if err != nil || room.Kind != RoomKindNote {
		return
	}
	state, live, err := p.sessions.State(ctx, room.ID)
	if err != nil {
		p.logger.Warn("sync request unanswered", zap.String("document_id", room.ID), zap.Error(err))
		return
	}
	if !live {
		return
	}
	p.emit(p.broadcaster.Relay(room.Key(), EventDocUpdateApplied, docUpdateAppliedPayload{
		RoomID: room.Key(),
		Update: notes.EncodeCrdtUpdate(state).String(),
	}))
}

func (p *Protocol) emit(err error) {
	if err != nil {
		p.logger.Warn("broadcast failed", zap.Error(err))
	}
}

func decodePayload(data json.RawMessage, target any) error {
	if len(data) == 0 {
		return newProtocolError("payload required", nil)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return newProtocolError("invalid payload", err)
	}
	return nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= notificationPreviewSize {
		return content
	}
	runes := []rune(content)
	return string(runes[:notificationPreviewSize]) + "…"
}
