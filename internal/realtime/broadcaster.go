package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultOutboxSize   = 256
	relayPublishTimeout = 2 * time.Second
)

var (
	// ErrUnknownConnection indicates a connection id that is not subscribed.
	ErrUnknownConnection = errors.New("realtime: unknown connection")
	// ErrDuplicateConnection indicates a connection id that is already subscribed.
	ErrDuplicateConnection = errors.New("realtime: duplicate connection")
)

// Envelope is an emission as it travels between server processes.
type Envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room,omitempty"`
	All    bool            `json:"all,omitempty"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Publisher forwards local emissions to other server processes.
type Publisher interface {
	Publish(ctx context.Context, envelope Envelope) error
}

// BroadcasterConfig configures a Broadcaster.
type BroadcasterConfig struct {
	OutboxSize int
	Publisher  Publisher
	Logger     *zap.Logger
}

// Broadcaster fans frames out to subscribed connections by room. Delivery
// never blocks: a connection whose outbox is full misses the frame.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	rooms       map[string]map[string]*subscriber
	outboxSize  int
	publisher   Publisher
	logger      *zap.Logger
}

type subscriber struct {
	connID string
	userID string
	stream chan []byte
	rooms  map[string]struct{}
}

// NewBroadcaster constructs a Broadcaster.
func NewBroadcaster(config BroadcasterConfig) *Broadcaster {
	outboxSize := config.OutboxSize
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		rooms:       make(map[string]map[string]*subscriber),
		outboxSize:  outboxSize,
		publisher:   config.Publisher,
		logger:      logger,
	}
}

// Subscribe registers connID and returns its outbox. The connection joins its
// user's personal channel.
func (b *Broadcaster) Subscribe(connID, userID string) (<-chan []byte, error) {
	if connID == "" || userID == "" {
		return nil, ErrUnknownConnection
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.subscribers[connID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}
	sub := &subscriber{
		connID: connID,
		userID: userID,
		stream: make(chan []byte, b.outboxSize),
		rooms:  make(map[string]struct{}),
	}
	b.subscribers[connID] = sub
	b.joinLocked(UserRoom(userID), sub)
	return sub.stream, nil
}

// Unsubscribe removes connID from every room. The outbox is left open; the
// connection's writer stops on its own signal.
func (b *Broadcaster) Unsubscribe(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, exists := b.subscribers[connID]
	if !exists {
		return
	}
	for roomKey := range sub.rooms {
		b.leaveLocked(roomKey, sub)
	}
	delete(b.subscribers, connID)
}

// Join adds connID to roomKey.
func (b *Broadcaster) Join(roomKey, connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, exists := b.subscribers[connID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	b.joinLocked(roomKey, sub)
	return nil
}

// Leave removes connID from roomKey.
func (b *Broadcaster) Leave(roomKey, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, exists := b.subscribers[connID]; exists {
		b.leaveLocked(roomKey, sub)
	}
}

func (b *Broadcaster) joinLocked(roomKey string, sub *subscriber) {
	members, ok := b.rooms[roomKey]
	if !ok {
		members = make(map[string]*subscriber)
		b.rooms[roomKey] = members
	}
	members[sub.connID] = sub
	sub.rooms[roomKey] = struct{}{}
}

func (b *Broadcaster) leaveLocked(roomKey string, sub *subscriber) {
	delete(sub.rooms, roomKey)
	members := b.rooms[roomKey]
	if members == nil {
		return
	}
	delete(members, sub.connID)
	if len(members) == 0 {
		delete(b.rooms, roomKey)
	}
}

// Broadcast sends an event to every connection in roomKey.
func (b *Broadcaster) Broadcast(roomKey string, event EventType, payload any) error {
	return b.emit(Envelope{Room: roomKey}, event, payload)
}

// BroadcastExcept sends an event to every connection in roomKey but exceptConnID.
func (b *Broadcaster) BroadcastExcept(roomKey, exceptConnID string, event EventType, payload any) error {
	return b.emit(Envelope{Room: roomKey, Except: exceptConnID}, event, payload)
}

// SendToUser sends an event to every connection of userID.
func (b *Broadcaster) SendToUser(userID string, event EventType, payload any) error {
	return b.emit(Envelope{Room: UserRoom(userID)}, event, payload)
}

// BroadcastAll sends an event to every connection but exceptConnID.
func (b *Broadcaster) BroadcastAll(exceptConnID string, event EventType, payload any) error {
	return b.emit(Envelope{All: true, Except: exceptConnID}, event, payload)
}

// SendToConnection sends an event to a single local connection.
func (b *Broadcaster) SendToConnection(connID string, event EventType, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	b.mu.RLock()
	sub, exists := b.subscribers[connID]
	b.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	b.offer(sub, event, frame)
	return nil
}

// EmitToUser pushes an out-of-band event to a user's connections.
func (b *Broadcaster) EmitToUser(userID string, event EventType, payload any) error {
	return b.SendToUser(userID, event, payload)
}

// EmitToRoom pushes an out-of-band event to a room.
func (b *Broadcaster) EmitToRoom(roomKey string, event EventType, payload any) error {
	return b.Broadcast(roomKey, event, payload)
}

// Deliver hands an envelope received from another process to local
// connections without publishing it again.
func (b *Broadcaster) Deliver(envelope Envelope) {
	var frame Frame
	if err := json.Unmarshal(envelope.Frame, &frame); err != nil {
		b.logger.Warn("dropping malformed relayed frame", zap.String("origin", envelope.Origin), zap.Error(err))
		return
	}
	b.deliverLocal(envelope, frame.Event)
}

// Connections reports how many connections are subscribed.
func (b *Broadcaster) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Relay publishes an event for roomKey to other server processes only. It is
// a no-op without a Publisher.
func (b *Broadcaster) Relay(roomKey string, event EventType, payload any) error {
	if b.publisher == nil {
		return nil
	}
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	b.publish(Envelope{Room: roomKey, Frame: frame}, event)
	return nil
}

func (b *Broadcaster) emit(envelope Envelope, event EventType, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	envelope.Frame = frame
	b.deliverLocal(envelope, event)
	if b.publisher != nil {
		b.publish(envelope, event)
	}
	return nil
}

func (b *Broadcaster) publish(envelope Envelope, event EventType) {
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, envelope); err != nil {
		b.logger.Warn("relay publish failed",
			zap.String("event", string(event)),
			zap.String("room", envelope.Room),
			zap.Error(err))
	}
}

func (b *Broadcaster) deliverLocal(envelope Envelope, event EventType) {
	b.mu.RLock()
	var targets []*subscriber
	if envelope.All {
		targets = make([]*subscriber, 0, len(b.subscribers))
		for connID, sub := range b.subscribers {
			if connID != envelope.Except {
				targets = append(targets, sub)
			}
		}
	} else {
		members := b.rooms[envelope.Room]
		targets = make([]*subscriber, 0, len(members))
		for connID, sub := range members {
			if connID != envelope.Except {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.offer(sub, event, envelope.Frame)
	}
}

func (b *Broadcaster) offer(sub *subscriber, event EventType, frame []byte) {
	select {
	case sub.stream <- frame:
	default:
		b.logger.Warn("outbox full, dropping frame",
			zap.String("conn_id", sub.connID),
			zap.String("user_id", sub.userID),
			zap.String("event", string(event)))
	}
}
