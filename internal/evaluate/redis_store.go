package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "forecaster:metrics:"

// RedisStore keeps each record as a JSON string under
// forecaster:metrics:{city}:{model}.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the server.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(city, modelName string) string {
	return redisKeyPrefix + city + ":" + modelName
}

func (s *RedisStore) Save(ctx context.Context, city, modelName string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding metrics for %s/%s: %w", city, modelName, err)
	}
	if err := s.client.Set(ctx, redisKey(city, modelName), data, 0).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, city, modelName string) (Record, error) {
	data, err := s.client.Get(ctx, redisKey(city, modelName)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding metrics for %s/%s: %w", city, modelName, err)
	}
	return rec, nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]map[string]Record, error) {
	all := make(map[string]map[string]Record)
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		city, modelName, ok := strings.Cut(strings.TrimPrefix(key, redisKeyPrefix), ":")
		if !ok {
			continue
		}
		rec, err := s.Load(ctx, city, modelName)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			put(all, city, modelName, rec)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN failed: %w", err)
	}
	return all, nil
}

// Flush deletes every metrics key. Used by tests against a scratch database.
func (s *RedisStore) Flush(ctx context.Context) error {
	all, err := s.All(ctx)
	if err != nil {
		return err
	}
	for city, byModel := range all {
		for modelName := range byModel {
			if err := s.client.Del(ctx, redisKey(city, modelName)).Err(); err != nil {
				return fmt.Errorf("redis DEL failed: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
