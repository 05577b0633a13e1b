package cardstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "cardstream:card:"

// RedisStore keeps card snapshots as JSON strings with a TTL, so cards whose
// expiry event never arrives still disappear.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ state.SnapshotStore = &RedisStore{}

func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis card store: nil client")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) key(cardID string) string { return s.prefix + cardID }

func (s *RedisStore) Save(ctx context.Context, st state.State) error {
	if st.Card.ID == "" {
		return errors.New("redis card store: card id is empty")
	}
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "redis card store: marshal state")
	}
	if err := s.client.Set(ctx, s.key(st.Card.ID), b, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis card store: save %s", st.Card.ID)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, cardID string) (state.State, bool, error) {
	b, err := s.client.Get(ctx, s.key(cardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return state.State{}, false, nil
	}
	if err != nil {
		return state.State{}, false, errors.Wrapf(err, "redis card store: load %s", cardID)
	}
	var st state.State
	if err := json.Unmarshal(b, &st); err != nil {
		return state.State{}, false, errors.Wrapf(err, "redis card store: decode %s", cardID)
	}
	return st, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, cardID string) error {
	if err := s.client.Del(ctx, s.key(cardID)).Err(); err != nil {
		return errors.Wrapf(err, "redis card store: delete %s", cardID)
	}
	return nil
}
