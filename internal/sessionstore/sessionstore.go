// Package sessionstore implements the Session Store: append-oriented
// persistence of session records with iteration history, validation
// digests, listing, load, delete, resume, and rollback-to-iteration
// (spec.md §4.6).
//
// Three backends share the Store interface, mirroring session.NewStore's
// StoreType-keyed factory idiom from this codebase's ephemeral RAG session
// package: an in-memory store for tests, a Postgres-backed store
// (github.com/lib/pq, schema versioned via
// github.com/golang-migrate/migrate/v4), and a Redis-backed store
// (github.com/redis/go-redis/v9) — the document-store/file-hierarchy
// duality spec.md §4.6 allows.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/corvid-labs/deepsearch/internal/research"
	"github.com/corvid-labs/deepsearch/internal/session"
)

// Sentinel errors surfaced by every backend.
var (
	ErrNotFound            = errors.New("sessionstore: session not found")
	ErrCorrupt             = errors.New("sessionstore: digest mismatch, session record is corrupt")
	ErrCannotResume        = errors.New("sessionstore: session cannot be resumed in its current status")
	ErrIterationOutOfRange = errors.New("sessionstore: rollback iteration out of range")
	ErrUnrecognisedSchema  = errors.New("sessionstore: session record has an unrecognised schema version")
)

// Store is the Session Store's operation surface.
type Store interface {
	Save(ctx context.Context, s *session.Session) error
	Load(ctx context.Context, id uuid.UUID) (*session.Session, error)
	List(ctx context.Context, userID string) ([]session.Summary, error)
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	Resume(ctx context.Context, id uuid.UUID) (*session.Session, error)
	History(ctx context.Context, id uuid.UUID) ([]session.IterationRecord, error)
	Rollback(ctx context.Context, id uuid.UUID, iterationN int) (*session.Session, error)
}

// Type selects a Store implementation, mirroring session.StoreType.
type Type string

const (
	TypeMemory   Type = "memory"
	TypePostgres Type = "postgres"
	TypeRedis    Type = "redis"
)

// Params carries the backend-specific connection settings New needs to
// build a Store of a given Type.
type Params struct {
	PostgresDSN string
	RedisAddr   string
	RedisDB     int
}

// New builds the Store named by typ, mirroring this codebase's
// session.NewStore(storeType) factory idiom but returning an error instead
// of panicking: a misconfigured store type is a startup-time configuration
// error (spec.md §6, exit code 1), not a programmer error.
func New(ctx context.Context, typ Type, params Params) (Store, error) {
	switch typ {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypePostgres:
		if params.PostgresDSN == "" {
			return nil, research.New(research.KindConfiguration, "sessionstore.New", errors.New("postgres store requires a DSN"))
		}
		return NewPostgresStore(ctx, params.PostgresDSN)
	case TypeRedis:
		if params.RedisAddr == "" {
			return nil, research.New(research.KindConfiguration, "sessionstore.New", errors.New("redis store requires an address"))
		}
		rdb := redis.NewClient(&redis.Options{Addr: params.RedisAddr, DB: params.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, research.New(research.KindDatastore, "sessionstore.New", err)
		}
		return NewRedisStore(rdb), nil
	default:
		return nil, research.New(research.KindConfiguration, "sessionstore.New", fmt.Errorf("unrecognised store type %q", typ))
	}
}

// recomputeAggregated derives AggregatedState from the surviving iterations,
// the way spec.md §9 requires after any rollback: AggregatedState is always
// a deterministic projection, never hand-mutated independently.
func recomputeAggregated(iterations []session.IterationRecord) session.AggregatedState {
	agg := session.AggregatedState{}
	seen := make(map[string]struct{})
	for _, it := range iterations {
		for _, q := range it.Queries {
			if _, ok := seen[q]; !ok {
				seen[q] = struct{}{}
				agg.Queries = append(agg.Queries, q)
			}
		}
		agg.Contexts = append(agg.Contexts, it.Contexts...)
		if it.NextPlan != nil {
			agg.LastPlan = it.NextPlan
		}
		agg.LastCompletedIteration = it.Number
	}
	return agg
}

func truncateAt(iterations []session.IterationRecord, n int) ([]session.IterationRecord, error) {
	if n < 0 {
		return nil, ErrIterationOutOfRange
	}
	if len(iterations) == 0 {
		if n == 0 {
			return nil, nil
		}
		return nil, ErrIterationOutOfRange
	}
	highest := iterations[len(iterations)-1].Number
	if n > highest {
		return nil, ErrIterationOutOfRange
	}
	kept := make([]session.IterationRecord, 0, n)
	for _, it := range iterations {
		if it.Number <= n {
			kept = append(kept, it)
		}
	}
	return kept, nil
}

func checkSchema(s *session.Session) error {
	if s.SchemaVersion != session.CurrentSchemaVersion {
		return ErrUnrecognisedSchema
	}
	return nil
}

func canResume(s *session.Session) error {
	if s.Status == session.StatusCompleted || s.Status == session.StatusError {
		return ErrCannotResume
	}
	return nil
}

func sortSummariesByStartDesc(summaries []session.Summary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
}

func wrapDatastoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return research.New(research.KindDatastore, op, err)
}

// applyRollback is the backend-agnostic core of Rollback, shared by every
// implementation: truncate, recompute, clear terminal fields, mark
// interrupted.
func applyRollback(s *session.Session, n int) (*session.Session, error) {
	kept, err := truncateAt(s.Iterations, n)
	if err != nil {
		return nil, err
	}
	s.Iterations = kept
	s.Aggregated = recomputeAggregated(kept)
	s.FinalReport = nil
	s.Status = session.StatusInterrupted
	s.EndTime = nil
	return s, nil
}
