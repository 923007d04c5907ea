// Package redisprogress stores progress records in Redis for deployments
// where runtime callbacks write progress from many application servers.
package redisprogress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"scormsync/internal/logging"
	"scormsync/internal/progress"
	"scormsync/internal/services"
)

const (
	defaultKeyPrefix = "scormsync:progress"
	updateAttempts   = 3
)

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed progress.Store. Each record is a JSON value; a
// lexicographically ordered sorted set indexes keys for paging.
type Store struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ progress.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, services.Wrap(services.ErrTransient, "redisprogress", "connect", cfg.Addr, err)
	}

	st := New(client, cfg.KeyPrefix, logger)
	st.logger.Info("connected to redis progress store",
		logging.String("addr", cfg.Addr),
		logging.Int("db", cfg.DB),
	)
	return st, nil
}

// New wraps an existing client.
func New(client *redis.Client, keyPrefix string, logger *slog.Logger) *Store {
	prefix := strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logging.NewComponentLogger(logger, "redis-progress"),
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// HealthCheck checks if Redis is available.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) indexKey() string { return s.prefix + ":index" }

func (s *Store) recordKey(key progress.Key) string {
	return fmt.Sprintf("%s:%d:%s", s.prefix, key.ContentRef, key.LearnerID)
}

// member encodes a key so lexicographic order matches progress.Key.Less.
func member(key progress.Key) string {
	return fmt.Sprintf("%020d|%s", key.ContentRef, key.LearnerID)
}

func parseMember(value string) (progress.Key, bool) {
	ref, learner, ok := strings.Cut(value, "|")
	if !ok {
		return progress.Key{}, false
	}
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return progress.Key{}, false
	}
	return progress.Key{ContentRef: n, LearnerID: learner}, true
}

// UpsertProgress writes a full record.
func (s *Store) UpsertProgress(ctx context.Context, rec progress.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	key := rec.Key()
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(key), payload, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: member(key)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// GetProgress returns the record for key, or nil when none exists.
func (s *Store) GetProgress(ctx context.Context, key progress.Key) (*progress.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return decodeRecord(raw)
}

// ListProgress returns one page of records in key order.
func (s *Store) ListProgress(ctx context.Context, q progress.ListQuery) ([]progress.Record, error) {
	lexMin := "-"
	lexMax := "+"
	if q.ContentRef != 0 {
		prefix := fmt.Sprintf("%020d|", q.ContentRef)
		lexMin = "[" + prefix
		lexMax = "(" + fmt.Sprintf("%020d}", q.ContentRef)
	}
	if q.After != nil {
		after := "(" + member(*q.After)
		if lexMin == "-" || after[1:] > lexMin[1:] {
			lexMin = after
		}
	}

	batch := int64(q.Limit)
	if batch <= 0 {
		batch = 500
	}

	var records []progress.Record
	for {
		members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
			Min:    lexMin,
			Max:    lexMax,
			Offset: 0,
			Count:  batch,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list progress index: %w", err)
		}
		if len(members) == 0 {
			return records, nil
		}

		keys := make([]progress.Key, 0, len(members))
		recordKeys := make([]string, 0, len(members))
		for _, m := range members {
			key, ok := parseMember(m)
			if !ok || (q.LearnerID != "" && key.LearnerID != q.LearnerID) {
				continue
			}
			keys = append(keys, key)
			recordKeys = append(recordKeys, s.recordKey(key))
		}
		if len(recordKeys) > 0 {
			values, err := s.client.MGet(ctx, recordKeys...).Result()
			if err != nil {
				return nil, fmt.Errorf("load progress records: %w", err)
			}
			for i, value := range values {
				str, ok := value.(string)
				if !ok {
					s.logger.Debug("progress index entry without record", logging.String("member", member(keys[i])))
					continue
				}
				rec, err := decodeRecord([]byte(str))
				if err != nil {
					return nil, err
				}
				records = append(records, *rec)
				if q.Limit > 0 && len(records) >= q.Limit {
					return records, nil
				}
			}
		}
		if int64(len(members)) < batch {
			return records, nil
		}
		lexMin = "(" + members[len(members)-1]
	}
}

// UpdateProgress applies patch under WATCH so a concurrent writer causes a
// retry instead of a lost update.
func (s *Store) UpdateProgress(ctx context.Context, key progress.Key, patch progress.Patch) error {
	if patch.Empty() {
		return nil
	}
	recordKey := s.recordKey(key)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, recordKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("update progress: no record for learner %s on package %d", key.LearnerID, key.ContentRef)
		}
		if err != nil {
			return err
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		updated, err := json.Marshal(patch.Apply(*rec))
		if err != nil {
			return fmt.Errorf("marshal progress: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < updateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, recordKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return services.Wrap(services.ErrTransient, "redisprogress", "update",
		"record changed concurrently", redis.TxFailedErr)
}

func decodeRecord(raw []byte) (*progress.Record, error) {
	var rec progress.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode progress record: %w", err)
	}
	return &rec, nil
}
