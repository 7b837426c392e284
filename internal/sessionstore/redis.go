package sessionstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/corvid-labs/deepsearch/internal/session"
)

const (
	redisKeyPrefix     = "deepsearch:session:"
	redisUserIndexKey  = "deepsearch:sessions_by_user:"
	redisDigestSuffix  = ":digest"
)

// RedisStore persists one JSON blob per session plus a set index per
// user-id, accepting eventual listing consistency in exchange for O(1)
// load/save — the alternate backend spec.md §4.6 allows alongside the
// relational store.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-configured client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(id uuid.UUID) string       { return redisKeyPrefix + id.String() }
func redisDigestKey(id uuid.UUID) string { return redisKeyPrefix + id.String() + redisDigestSuffix }
func redisUserKey(userID string) string  { return redisUserIndexKey + userID }

func (r *RedisStore) Save(ctx context.Context, s *session.Session) error {
	if err := s.Validate(); err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	digest, err := session.ComputeDigest(s)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, redisKey(s.ID), raw, 0)
	pipe.Set(ctx, redisDigestKey(s.ID), string(digest), 0)
	if s.UserID != "" {
		pipe.SAdd(ctx, redisUserKey(s.UserID), s.ID.String())
	}
	pipe.SAdd(ctx, redisUserKey(""), s.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapDatastoreErr("sessionstore.Save", err)
	}
	return nil
}

func (r *RedisStore) loadRaw(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	raw, err := r.rdb.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	digest, err := r.rdb.Get(ctx, redisDigestKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	s := &session.Session{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	want, err := session.ComputeDigest(s)
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.Load", err)
	}
	if string(want) != digest {
		return nil, ErrCorrupt
	}
	if err := checkSchema(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Load(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	return r.loadRaw(ctx, id)
}

func (r *RedisStore) List(ctx context.Context, userID string) ([]session.Summary, error) {
	ids, err := r.rdb.SMembers(ctx, redisUserKey(userID)).Result()
	if err != nil {
		return nil, wrapDatastoreErr("sessionstore.List", err)
	}
	var out []session.Summary
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		s, err := r.loadRaw(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, s.Summary())
	}
	sortSummariesByStartDesc(out)
	return out, nil
}

func (r *RedisStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	s, err := r.loadRaw(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, redisKey(id), redisDigestKey(id))
	pipe.SRem(ctx, redisUserKey(""), id.String())
	if s.UserID != "" {
		pipe.SRem(ctx, redisUserKey(s.UserID), id.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, wrapDatastoreErr("sessionstore.Delete", err)
	}
	return true, nil
}

func (r *RedisStore) Resume(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s, err := r.loadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := canResume(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) History(ctx context.Context, id uuid.UUID) ([]session.IterationRecord, error) {
	s, err := r.loadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Iterations, nil
}

func (r *RedisStore) Rollback(ctx context.Context, id uuid.UUID, iterationN int) (*session.Session, error) {
	s, err := r.loadRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := applyRollback(s, iterationN)
	if err != nil {
		return nil, err
	}
	if err := r.Save(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

var _ Store = (*RedisStore)(nil)
