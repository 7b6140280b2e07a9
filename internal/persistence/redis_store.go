package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stevebraown/StateRail/pkg/api"
)

// RedisStore implements DefinitionStore, RunStore and EventStore on Redis.
// It uses the following keys:
//
//	<prefix>def:<id>:seq          => INCR counter assigning versions
//	<prefix>def:<id>:versions     => ZSET of published versions
//	<prefix>def:<id>:<version>    => JSON definition body
//	<prefix>run:<id>              => HASH {revision, state, definition, body}
//	<prefix>run:<id>:events       => LIST of msgpack-encoded events
//	<prefix>idx:runs              => ZSET of run ids scored by creation time
//	<prefix>idx:finished          => ZSET of terminal run ids scored by finish time
//	<prefix>idx:state:<state>     => SET of run ids in a state
//	<prefix>idx:def:<id>          => SET of run ids of a definition
//
// Run writes WATCH the run hash and apply the body, the indexes and the
// events in one MULTI/EXEC, so a concurrent writer surfaces as ErrConflict.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ DefinitionStore = (*RedisStore)(nil)
	_ RunStore        = (*RedisStore)(nil)
	_ EventStore      = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "staterail:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "staterail:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisPersistence returns a Persistence whose stores share one
// RedisStore.
func NewRedisPersistence(client *redis.Client, prefix string) Persistence {
	s := NewRedisStore(client, prefix)
	return Persistence{Definitions: s, Runs: s, Events: s}
}

func (s *RedisStore) keyDefSeq(id string) string      { return s.prefix + "def:" + id + ":seq" }
func (s *RedisStore) keyDefVersions(id string) string { return s.prefix + "def:" + id + ":versions" }
func (s *RedisStore) keyDef(id string, v int) string {
	return s.prefix + "def:" + id + ":" + strconv.Itoa(v)
}
func (s *RedisStore) keyRun(id string) string    { return s.prefix + "run:" + id }
func (s *RedisStore) keyEvents(id string) string { return s.prefix + "run:" + id + ":events" }
func (s *RedisStore) keyAll() string             { return s.prefix + "idx:runs" }
func (s *RedisStore) keyFinished() string        { return s.prefix + "idx:finished" }

func (s *RedisStore) keyState(state api.WorkflowState) string {
	return s.prefix + "idx:state:" + string(state)
}

func (s *RedisStore) keyByDefinition(id string) string {
	return s.prefix + "idx:def:" + id
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	body, err := encodeDefinition(def)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}

	next, err := s.client.Incr(ctx, s.keyDefSeq(def.ID)).Result()
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	version := int(next)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyDef(def.ID, version), body, 0)
		pipe.ZAdd(ctx, s.keyDefVersions(def.ID), redis.Z{Score: float64(version), Member: version})
		return nil
	})
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return decodeDefinition(body, version)
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string, version int) (api.WorkflowDefinition, error) {
	body, err := s.client.Get(ctx, s.keyDef(id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.WorkflowDefinition{}, definitionNotFound(id, version)
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return decodeDefinition(body, version)
}

func (s *RedisStore) LatestDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	latest, err := s.client.ZRevRangeWithScores(ctx, s.keyDefVersions(id), 0, 0).Result()
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if len(latest) == 0 {
		return api.WorkflowDefinition{}, definitionNotFound(id, 0)
	}
	return s.GetDefinition(ctx, id, int(latest[0].Score))
}

func (s *RedisStore) ListDefinitionVersions(ctx context.Context, id string) ([]int, error) {
	members, err := s.client.ZRangeWithScores(ctx, s.keyDefVersions(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, definitionNotFound(id, 0)
	}
	versions := make([]int, len(members))
	for i, m := range members {
		versions[i] = int(m.Score)
	}
	return versions, nil
}

func (s *RedisStore) CreateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	body, err := encodeRun(run, 1)
	if err != nil {
		return err
	}
	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}

	key := s.keyRun(run.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrRunExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"revision", 1,
				"state", string(run.State),
				"definition", run.Definition.ID,
				"body", body,
			)
			pipe.ZAdd(ctx, s.keyAll(), redis.Z{Score: float64(run.CreatedAt.UnixMicro()), Member: run.ID})
			pipe.SAdd(ctx, s.keyState(run.State), run.ID)
			pipe.SAdd(ctx, s.keyByDefinition(run.Definition.ID), run.ID)
			if at := finishedAt(run); at != nil {
				pipe.ZAdd(ctx, s.keyFinished(), redis.Z{Score: float64(at.UnixMicro()), Member: run.ID})
			}
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.keyEvents(run.ID), encoded...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrRunExists
	}
	if err != nil {
		return err
	}
	run.Version = 1
	return nil
}

func (s *RedisStore) UpdateRun(ctx context.Context, run *api.Run, events []api.RunEvent) error {
	expected := run.Version
	body, err := encodeRun(run, expected+1)
	if err != nil {
		return err
	}
	encoded, err := encodeEvents(events)
	if err != nil {
		return err
	}

	key := s.keyRun(run.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HMGet(ctx, key, "revision", "state").Result()
		if err != nil {
			return err
		}
		if current[0] == nil {
			return runNotFound(run.ID)
		}
		revision, err := strconv.ParseInt(fmt.Sprint(current[0]), 10, 64)
		if err != nil {
			return fmt.Errorf("run %s: bad revision: %w", run.ID, err)
		}
		if revision != expected {
			return conflict(run.ID, expected)
		}
		oldState := api.WorkflowState(fmt.Sprint(current[1]))

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"revision", expected+1,
				"state", string(run.State),
				"body", body,
			)
			if oldState != run.State {
				pipe.SRem(ctx, s.keyState(oldState), run.ID)
				pipe.SAdd(ctx, s.keyState(run.State), run.ID)
			}
			if at := finishedAt(run); at != nil {
				pipe.ZAdd(ctx, s.keyFinished(), redis.Z{Score: float64(at.UnixMicro()), Member: run.ID})
			}
			if len(encoded) > 0 {
				pipe.RPush(ctx, s.keyEvents(run.ID), encoded...)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return conflict(run.ID, expected)
	}
	if err != nil {
		return err
	}
	run.Version = expected + 1
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, id string) (*api.Run, error) {
	vals, err := s.client.HMGet(ctx, s.keyRun(id), "revision", "body").Result()
	if err != nil {
		return nil, err
	}
	if vals[0] == nil || vals[1] == nil {
		return nil, runNotFound(id)
	}
	revision, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("run %s: bad revision: %w", id, err)
	}
	body, _ := vals[1].(string)
	return decodeRun([]byte(body), revision)
}

func (s *RedisStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.Run, error) {
	ids, err := s.client.ZRange(ctx, s.keyAll(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	// Narrow with the set indexes; the decoded run is checked again below.
	var allowed map[string]bool
	narrow := func(key string) error {
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		next := make(map[string]bool, len(members))
		for _, m := range members {
			if allowed == nil || allowed[m] {
				next[m] = true
			}
		}
		allowed = next
		return nil
	}
	if filter.DefinitionID != "" {
		if err := narrow(s.keyByDefinition(filter.DefinitionID)); err != nil {
			return nil, err
		}
	}
	if filter.State != "" {
		if err := narrow(s.keyState(filter.State)); err != nil {
			return nil, err
		}
	}

	var out []*api.Run
	for _, id := range ids {
		if allowed != nil && !allowed[id] {
			continue
		}
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue // purged concurrently
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(run) {
			continue
		}
		out = append(out, run)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteRuns(ctx context.Context, finishedBefore time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keyFinished(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(finishedBefore.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, s.keyRun(id), "state", "definition").Result()
		if err != nil {
			return n, err
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.keyRun(id), s.keyEvents(id))
			pipe.ZRem(ctx, s.keyAll(), id)
			pipe.ZRem(ctx, s.keyFinished(), id)
			if vals[0] != nil {
				pipe.SRem(ctx, s.keyState(api.WorkflowState(fmt.Sprint(vals[0]))), id)
			}
			if vals[1] != nil {
				pipe.SRem(ctx, s.keyByDefinition(fmt.Sprint(vals[1])), id)
			}
			return nil
		})
		if err != nil {
			return n, err
		}
		if vals[0] != nil {
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	exists, err := s.client.Exists(ctx, s.keyRun(runID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, runNotFound(runID)
	}

	raw, err := s.client.LRange(ctx, s.keyEvents(runID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]api.RunEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := DecodeValue[api.RunEvent]([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("decode event of run %s: %w", runID, err)
		}
		out = append(out, ev)
	}
	return numberEvents(runID, out), nil
}

func encodeEvents(events []api.RunEvent) ([]any, error) {
	out := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := EncodeValue(ev)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.Type, err)
		}
		out = append(out, data)
	}
	return out, nil
}
