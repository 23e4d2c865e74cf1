package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      string = "user"
	RoleAssistant string = "assistant"
)

//go:generate moq -rm -out store_mock.go . Store

// Store keeps a short recency window of messages per conversation.
type Store interface {
	Append(ctx context.Context, conversationID string, msg Message) error
	Recent(ctx context.Context, conversationID string) ([]Message, error)
}

type Config struct {
	Window int
	TTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 20
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	return c
}

func ConversationID(tenantID, peer string) string {
	return tenantID + ":" + peer
}

type redisStore struct {
	client *redis.Client
	cfg    Config
}

func NewRedisStore(client *redis.Client, cfg Config) Store {
	return &redisStore{client: client, cfg: cfg.withDefaults()}
}

func key(conversationID string) string {
	return "conversation:" + conversationID
}

func (s *redisStore) Append(ctx context.Context, conversationID string, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	k := key(conversationID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, b)
		pipe.LTrim(ctx, k, int64(-s.cfg.Window), -1)
		pipe.Expire(ctx, k, s.cfg.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not append to conversation %s: %w", conversationID, err)
	}

	return nil
}

func (s *redisStore) Recent(ctx context.Context, conversationID string) ([]Message, error) {
	values, err := s.client.LRange(ctx, key(conversationID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(values))
	for _, v := range values {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}

	return messages, nil
}

type memoryStore struct {
	mu            sync.Mutex
	cfg           Config
	conversations map[string][]Message
	touched       map[string]time.Time
}

// NewMemoryStore is used when no redis address is configured. The window does not survive a restart.
func NewMemoryStore(cfg Config) Store {
	return &memoryStore{
		cfg:           cfg.withDefaults(),
		conversations: map[string][]Message{},
		touched:       map[string]time.Time{},
	}
}

func (s *memoryStore) Append(_ context.Context, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(conversationID)

	msgs := append(s.conversations[conversationID], msg)
	if len(msgs) > s.cfg.Window {
		msgs = msgs[len(msgs)-s.cfg.Window:]
	}

	s.conversations[conversationID] = msgs
	s.touched[conversationID] = time.Now()

	return nil
}

func (s *memoryStore) Recent(_ context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expire(conversationID)

	return append([]Message{}, s.conversations[conversationID]...), nil
}

func (s *memoryStore) expire(conversationID string) {
	if t, ok := s.touched[conversationID]; ok && time.Since(t) > s.cfg.TTL {
		delete(s.conversations, conversationID)
		delete(s.touched, conversationID)
	}
}
