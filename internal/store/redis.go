package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ak3tsm7/inference-orchestrator/internal/job"
)

// Key layout:
//   job:<id>      hash    job record
//   attempts:<id> list    JSON attempts, append-only
//   pending       zset    score = not-before unix millis, member = job ID
//   fp:<fp>       string  fingerprint -> live job ID binding
//   cancel:<id>   string  cooperative cancel flag
//   claim:<id>    string  dispatch claim unix seconds, for crash recovery
const (
	pendingKey = "pending"

	casAttempts = 3 // optimistic transaction retries before failing closed
)

type RedisStore struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func jobKey(id string) string      { return "job:" + id }
func attemptsKey(id string) string { return "attempts:" + id }
func fpKey(fp string) string       { return "fp:" + fp }
func cancelKey(id string) string   { return "cancel:" + id }
func claimKey(id string) string    { return "claim:" + id }

func jobFields(j *job.Job) map[string]interface{} {
	return map[string]interface{}{
		"fingerprint":   j.Fingerprint,
		"kind":          string(j.Kind),
		"payload":       string(j.Payload),
		"requester":     j.Requester,
		"provider":      j.Provider,
		"state":         string(j.State),
		"attempt_count": j.AttemptCount,
		"not_before":    j.NotBefore.UnixMilli(),
		"last_error":    j.LastError,
		"result":        string(j.Result),
		"created_at":    j.CreatedAt.UnixMilli(),
		"updated_at":    j.UpdatedAt.UnixMilli(),
	}
}

func jobFromFields(id string, fields map[string]string) (*job.Job, error) {
	if len(fields) == 0 {
		return nil, job.ErrNotFound
	}
	attempts, _ := strconv.Atoi(fields["attempt_count"])
	j := &job.Job{
		ID:           id,
		Fingerprint:  fields["fingerprint"],
		Kind:         job.Kind(fields["kind"]),
		Payload:      []byte(fields["payload"]),
		Requester:    fields["requester"],
		Provider:     fields["provider"],
		State:        job.State(fields["state"]),
		AttemptCount: attempts,
		LastError:    fields["last_error"],
	}
	if fields["result"] != "" {
		j.Result = []byte(fields["result"])
	}
	j.NotBefore = millisField(fields, "not_before")
	j.CreatedAt = millisField(fields, "created_at")
	j.UpdatedAt = millisField(fields, "updated_at")
	return j, nil
}

func millisField(fields map[string]string, name string) time.Time {
	ms, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// pendingScore orders the queue: creation time for first dispatch, the
// retry's not-before afterwards. Equal scores fall back to lexicographic
// member order, which is the job ID.
func pendingScore(j *job.Job) float64 {
	if !j.NotBefore.IsZero() {
		return float64(j.NotBefore.UnixMilli())
	}
	return float64(j.CreatedAt.UnixMilli())
}

func (s *RedisStore) Create(ctx context.Context, j *job.Job) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobFields(j))
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: pendingScore(j), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: create job %s: %v", job.ErrStoreUnavailable, j.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get job %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return jobFromFields(id, fields)
}

func (s *RedisStore) CompareAndSwapState(ctx context.Context, id string, from, to job.State, tr Transition) (*job.Job, error) {
	if !job.ValidTransition(from, to) {
		return nil, fmt.Errorf("invalid transition %s -> %s: %w", from, to, job.ErrConflict)
	}

	var updated *job.Job
	swap := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, jobKey(id)).Result()
		if err != nil {
			return err
		}
		j, err := jobFromFields(id, fields)
		if err != nil {
			return err
		}
		if j.State != from {
			return job.ErrConflict
		}

		j.State = to
		j.UpdatedAt = time.Now().UTC()
		if tr.IncrementAttempt {
			j.AttemptCount++
		}
		if !tr.NotBefore.IsZero() {
			j.NotBefore = tr.NotBefore.UTC()
		}
		if tr.Result != nil {
			j.Result = tr.Result
		}
		if tr.LastError != "" {
			j.LastError = tr.LastError
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey(id), jobFields(j))
			if from == job.StatePending {
				pipe.ZRem(ctx, pendingKey, id)
			}
			switch {
			case to == job.StatePending:
				pipe.ZAdd(ctx, pendingKey, redis.Z{Score: pendingScore(j), Member: id})
			case to == job.StateDispatched:
				pipe.Set(ctx, claimKey(id), time.Now().Unix(), 0)
			}
			if from == job.StateDispatched {
				pipe.Del(ctx, claimKey(id))
			}
			if to.Terminal() {
				pipe.Del(ctx, cancelKey(id))
				pipe.ZRem(ctx, pendingKey, id)
			}
			return nil
		})
		if err == nil {
			updated = j
		}
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := s.rdb.Watch(ctx, swap, jobKey(id))
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue // concurrent writer touched the key, retry the watch
		case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: cas job %s: %v", job.ErrStoreUnavailable, id, err)
		}
	}
	return nil, fmt.Errorf("%w: cas job %s: transaction kept failing", job.ErrStoreUnavailable, id)
}

func (s *RedisStore) AppendAttempt(ctx context.Context, id string, at job.Attempt) error {
	data, err := json.Marshal(at)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	if err := s.rdb.RPush(ctx, attemptsKey(id), data).Err(); err != nil {
		return fmt.Errorf("%w: append attempt for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *RedisStore) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	raw, err := s.rdb.LRange(ctx, attemptsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: attempts for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	attempts := make([]job.Attempt, 0, len(raw))
	for _, item := range raw {
		var at job.Attempt
		if err := json.Unmarshal([]byte(item), &at); err != nil {
			return nil, fmt.Errorf("unmarshal attempt for %s: %w", id, err)
		}
		attempts = append(attempts, at)
	}
	return attempts, nil
}

func (s *RedisStore) ListEligiblePending(ctx context.Context, limit int64, now time.Time) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := s.rdb.ZRangeByScore(ctx, pendingKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: list pending: %v", job.ErrStoreUnavailable, err)
	}
	return ids, nil
}

func (s *RedisStore) PendingDepth(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: pending depth: %v", job.ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *RedisStore) BindFingerprint(ctx context.Context, fp, jobID string) (string, bool, error) {
	ok, err := s.rdb.SetNX(ctx, fpKey(fp), jobID, 0).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: bind fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	if ok {
		return jobID, true, nil
	}
	existing, err := s.rdb.Get(ctx, fpKey(fp)).Result()
	if err == redis.Nil {
		// Binding vanished between SetNX and Get; take it.
		return s.BindFingerprint(ctx, fp, jobID)
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: read fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	return existing, false, nil
}

func (s *RedisStore) ReleaseFingerprint(ctx context.Context, fp, jobID string) error {
	release := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fpKey(fp)).Result()
		if err == redis.Nil || (err == nil && current != jobID) {
			return nil // already released or rebound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, fpKey(fp))
			return nil
		})
		return err
	}
	if err := s.rdb.Watch(ctx, release, fpKey(fp)); err != nil && !errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: release fingerprint: %v", job.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, cancelKey(id), 1, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("%w: request cancel for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return nil
}

func (s *RedisStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check cancel for %s: %v", job.ErrStoreUnavailable, id, err)
	}
	return n > 0, nil
}

// RecoverStuck walks dispatch claims and requeues jobs whose worker went
// away without reporting an outcome. A live worker finishing late loses
// the CAS and the requeue is skipped.
func (s *RedisStore) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	recovered := 0

	iter := s.rdb.Scan(ctx, 0, "claim:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		claimed, err := s.rdb.Get(ctx, key).Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("%w: read claim %s: %v", job.ErrStoreUnavailable, key, err)
		}
		if claimed > cutoff {
			continue
		}
		id := key[len("claim:"):]
		_, err = s.CompareAndSwapState(ctx, id, job.StateDispatched, job.StatePending, Transition{
			NotBefore: time.Now().UTC(),
			LastError: "attempt abandoned: worker claim expired",
		})
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrNotFound):
			s.rdb.Del(ctx, key) // job moved on, drop the stale claim
		default:
			return recovered, err
		}
	}
	if err := iter.Err(); err != nil {
		return recovered, fmt.Errorf("%w: scan claims: %v", job.ErrStoreUnavailable, err)
	}
	return recovered, nil
}
