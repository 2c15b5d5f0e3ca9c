package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRelayChannel = "gravity:collab:events"
	relayConnectTimeout = 5 * time.Second
)

var errRelayStarted = errors.New("realtime: relay already started")

// RedisRelayConfig configures a RedisRelay. Client takes precedence over URL.
type RedisRelayConfig struct {
	URL     string
	Client  *redis.Client
	Channel string
	NodeID  string
	Logger  *zap.Logger
}

// RedisRelay shares broadcaster emissions between server processes over a
// Redis pub/sub channel. Envelopes carry the publishing node id so a process
// never delivers its own emissions twice.
type RedisRelay struct {
	client     *redis.Client
	ownsClient bool
	channel    string
	nodeID     string
	logger     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay connects to Redis and returns a relay.
func NewRedisRelay(config RedisRelayConfig) (*RedisRelay, error) {
	client := config.Client
	ownsClient := false
	if client == nil {
		opts, err := redis.ParseURL(strings.TrimSpace(config.URL))
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opts)
		ownsClient = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if ownsClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	channel := strings.TrimSpace(config.Channel)
	if channel == "" {
		channel = defaultRelayChannel
	}
	nodeID := strings.TrimSpace(config.NodeID)
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     client,
		ownsClient: ownsClient,
		channel:    channel,
		nodeID:     nodeID,
		logger:     logger,
	}, nil
}

// NodeID identifies this process on the relay channel.
func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Publish sends envelope to the other processes.
func (r *RedisRelay) Publish(ctx context.Context, envelope Envelope) error {
	envelope.Origin = r.nodeID
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

// Start subscribes to the relay channel and hands envelopes from other
// processes to deliver until Close. It returns once the subscription is live.
func (r *RedisRelay) Start(ctx context.Context, deliver func(Envelope)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errRelayStarted
	}
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe relay channel: %w", err)
	}
	r.pubsub = pubsub
	r.done = make(chan struct{})
	go r.consume(pubsub.Channel(), deliver, r.done)
	return nil
}

func (r *RedisRelay) consume(messages <-chan *redis.Message, deliver func(Envelope), done chan struct{}) {
	defer close(done)
	for message := range messages {
		var envelope Envelope
		if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
			r.logger.Warn("dropping malformed relay envelope", zap.Error(err))
			continue
		}
		if envelope.Origin == r.nodeID {
			continue
		}
		deliver(envelope)
	}
}

// Close stops the subscription and releases the client when the relay
// created it.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	pubsub, done, ownsClient := r.pubsub, r.done, r.ownsClient
	r.pubsub, r.done, r.ownsClient = nil, nil, false
	r.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
		<-done
	}
	if ownsClient {
		if err := r.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Publisher = (*RedisRelay)(nil)
