package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "recording_session:"
	maxWatchRetries  = 3
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Compress stores records zstd-compressed
	Compress bool
}

// RedisStore keeps session records as JSON documents in Redis
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	codec     *recordCodec
	clock     func() time.Time
	logger    *zap.Logger
}

// NewRedisStore connects to Redis and verifies connectivity
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	store, err := NewRedisStoreWithClient(rdb, cfg, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	store.logger.Info("Redis session store connected", zap.String("addr", cfg.Addr))
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	codec, err := newRecordCodec(cfg.Compress)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		codec:     codec,
		clock:     time.Now,
		logger:    logger,
	}, nil
}

// Put writes a full record with an optional TTL
func (s *RedisStore) Put(ctx context.Context, rec Record, ttl time.Duration) error {
	data, err := s.codec.encode(&rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(rec.SessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get loads a record
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return s.codec.decode(data)
}

// Update merges update into the stored record under WATCH
func (s *RedisStore) Update(ctx context.Context, sessionID string, update Update) error {
	key := s.key(sessionID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		rec, err := s.codec.decode(data)
		if err != nil {
			return err
		}
		update.Apply(rec, s.clock())
		encoded, err := s.codec.encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("Session update conflicted, retrying",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt+1))
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("redis update: %w", err)
	}
	return fmt.Errorf("redis update: %w", redis.TxFailedErr)
}

// Close closes the underlying client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

type recordCodec struct {
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func newRecordCodec(compress bool) (*recordCodec, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &recordCodec{compress: compress, encoder: encoder, decoder: decoder}, nil
}

func (c *recordCodec) encode(rec *Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session record: %w", err)
	}
	if !c.compress {
		return data, nil
	}
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// decode accepts both compressed and plain documents so the flag can be
// flipped on a live store.
func (c *recordCodec) decode(data []byte) (*Record, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress session record: %w", err)
		}
		data = plain
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}
