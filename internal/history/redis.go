package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisNamespace = "medicare"

// RedisStore keeps conversations as JSON strings and messages as JSON lists.
type RedisStore struct {
	rdb *redis.Client
	ns  string
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{rdb: rdb, ns: redisNamespace}, nil
}

func (s *RedisStore) keyConversation(id string) string { return fmt.Sprintf("%s:conv:%s", s.ns, id) }
func (s *RedisStore) keyMessages(id string) string     { return fmt.Sprintf("%s:msgs:%s", s.ns, id) }

func (s *RedisStore) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if title == "" {
		title = DefaultTitle
	}
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(c)
	if err != nil {
		return Conversation{}, err
	}
	if err := s.rdb.Set(ctx, s.keyConversation(c.ID), b, 0).Err(); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *RedisStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	v, err := s.rdb.Get(ctx, s.keyConversation(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	var c Conversation
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}
	return c, nil
}

func (s *RedisStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg = normalizeMessage(msg)
	b, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}
	if err := s.rdb.RPush(ctx, s.keyMessages(msg.ConversationID), b).Err(); err != nil {
		return Message{}, fmt.Errorf("save message: %w", err)
	}
	return msg, nil
}

func (s *RedisStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	vals, err := s.rdb.LRange(ctx, s.keyMessages(conversationID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return decodeMessages(vals)
}

func decodeMessages(vals []string) ([]Message, error) {
	out := make([]Message, 0, len(vals))
	for i, v := range vals {
		var m Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
