package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/videoforge/internal/models"
)

// RedisStore is the production Store shared by every replica: a Redis
// hash per job plus a handful of Redis sets for listing/retention and a
// single sorted set for the submission queue. Redis's atomic commands
// (HSET/SADD/ZPOPMIN, Lua for the multi-key steps) give a
// linearizable-per-id CAS without a client-side transaction.
type RedisStore struct {
	rdb *redis.Client

	patchSHA  string
	createSHA string
}

const (
	keyJobPrefix   = "job:"
	keyAllJobs     = "jobs:all"
	keyStatusSet   = "jobs:status:"
	keyTerminalSet = "jobs:terminal"
	keyQueue       = "queue:pending"

	// queueScoreScale must exceed the largest plausible submitted_at
	// millisecond value so priority strictly dominates the ordering key
	// (priority desc, then submitted_at asc).
	queueScoreScale = 1e13
)

// NewRedisStore dials url (a standard redis:// or rediss:// DSN) and
// registers the Lua scripts the CAS and create paths depend on.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &RedisStore{rdb: rdb}
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) loadScripts(ctx context.Context) error {
	createSHA, err := s.rdb.ScriptLoad(ctx, createScript).Result()
	if err != nil {
		return fmt.Errorf("store: load create script: %w", err)
	}
	patchSHA, err := s.rdb.ScriptLoad(ctx, patchScript).Result()
	if err != nil {
		return fmt.Errorf("store: load patch script: %w", err)
	}
	s.createSHA = createSHA
	s.patchSHA = patchSHA
	return nil
}

// createScript creates the job hash and its set memberships iff the key
// does not already exist: first write wins on id.
const createScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then
  return redis.error_reply('EXISTS')
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', key, ARGV[i], ARGV[i+1])
end
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return redis.status_reply('OK')
`

// patchScript is the CAS primitive everything else builds on: it only
// writes if the hash's current status field equals the expected one, and
// keeps the jobs:status:* / jobs:terminal indexes consistent with the
// hash in the same atomic step.
const patchScript = `
local jobKey = KEYS[1]
local expected = ARGV[1]
local id = ARGV[2]
local newStatus = ARGV[3]
local completedAtMs = ARGV[4]
local cur = redis.call('HGET', jobKey, 'status')
if not cur then
  return redis.error_reply('NOTFOUND')
end
if cur ~= expected then
  return redis.error_reply('CONFLICT')
end
for i = 5, #ARGV, 2 do
  redis.call('HSET', jobKey, ARGV[i], ARGV[i+1])
end
if newStatus ~= '' and newStatus ~= cur then
  redis.call('SREM', 'jobs:status:' .. cur, id)
  redis.call('SADD', 'jobs:status:' .. newStatus, id)
  if completedAtMs ~= '' then
    redis.call('ZADD', 'jobs:terminal', completedAtMs, id)
  end
end
return redis.status_reply('OK')
`

func (s *RedisStore) Create(ctx context.Context, job *models.Job) error {
	fields, err := jobToHash(job)
	if err != nil {
		return err
	}
	// createScript reads the id from ARGV[2], so the id pair goes first;
	// map iteration order would otherwise put an arbitrary field there.
	argv := make([]interface{}, 0, len(fields)*2)
	argv = append(argv, "id", job.ID)
	for k, v := range fields {
		if k == "id" {
			continue
		}
		argv = append(argv, k, v)
	}

	jobKey := keyJobPrefix + job.ID
	err = s.rdb.EvalSha(ctx, s.createSHA, []string{jobKey, keyAllJobs, keyStatusSet + string(job.Status)}, argv...).Err()
	if err != nil {
		if err.Error() == "EXISTS" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Job, error) {
	res, err := s.rdb.HGetAll(ctx, keyJobPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return nil, ErrNotFound
	}
	return hashToJob(id, res)
}

func (s *RedisStore) Patch(ctx context.Context, id string, expectedStatus models.Status, fields PatchFields) (*models.Job, error) {
	hashFields := patchFieldsToHash(fields)

	newStatus := ""
	completedAtMs := ""
	if fields.Status != nil {
		newStatus = string(*fields.Status)
	}
	if fields.CompletedAt != nil {
		completedAtMs = strconv.FormatInt(fields.CompletedAt.UnixMilli(), 10)
	}

	argv := []interface{}{string(expectedStatus), id, newStatus, completedAtMs}
	for k, v := range hashFields {
		argv = append(argv, k, v)
	}

	err := s.rdb.EvalSha(ctx, s.patchSHA, []string{keyJobPrefix + id}, argv...).Err()
	if err != nil {
		switch err.Error() {
		case "NOTFOUND":
			return nil, ErrNotFound
		case "CONFLICT":
			return nil, ErrConflict
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return s.Get(ctx, id)
}

func (s *RedisStore) List(ctx context.Context, filter ListFilter, page, pageSize int) (Page, error) {
	setKey := keyAllJobs
	if filter.Status != "" {
		setKey = keyStatusSet + string(filter.Status)
	}

	ids, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue // race with a concurrent delete; skip rather than fail the page
		}
		if err != nil {
			return Page{}, err
		}
		jobs = append(jobs, job)
	}

	sortJobsBySubmittedDesc(jobs)

	total := len(jobs)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return Page{Jobs: jobs[start:end], Total: total, Page: page, TotalPages: totalPages}, nil
}

func (s *RedisStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, keyTerminalSet, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	removed := 0
	for _, id := range ids {
		status, err := s.rdb.HGet(ctx, keyJobPrefix+id, "status").Result()
		if err != nil && err != redis.Nil {
			continue
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, keyJobPrefix+id)
		pipe.SRem(ctx, keyAllJobs, id)
		if status != "" {
			pipe.SRem(ctx, keyStatusSet+status, id)
		}
		pipe.ZRem(ctx, keyTerminalSet, id)
		if _, err := pipe.Exec(ctx); err == nil {
			removed++
		}
	}
	return removed, nil
}

func queueScoreFor(priority int, submittedAt time.Time) float64 {
	return float64(-priority)*queueScoreScale + float64(submittedAt.UnixMilli())
}

func (s *RedisStore) Enqueue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	err := s.rdb.ZAddNX(ctx, keyQueue, redis.Z{Score: queueScoreFor(priority, submittedAt), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// TryClaim pops the queue head. ZPOPMIN is a single Redis command, so
// two replicas racing on an empty-looking queue can never both receive
// the same id.
func (s *RedisStore) TryClaim(ctx context.Context) (string, error) {
	res, err := s.rdb.ZPopMin(ctx, keyQueue, 1).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return "", nil
	}
	id, _ := res[0].Member.(string)
	return id, nil
}

func (s *RedisStore) Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	err := s.rdb.ZAdd(ctx, keyQueue, redis.Z{Score: queueScoreFor(priority, submittedAt), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) RemoveFromQueue(ctx context.Context, id string) error {
	if err := s.rdb.ZRem(ctx, keyQueue, id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) QueueLength(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, keyQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(n), nil
}

// AcquireLeaderLock implements the reconciler's optional cooperative
// leadership check via Redis's SET NX PX; a caller that already holds the
// lock (same token) renews it with PEXPIRE and keeps leadership. Losing
// this race is never a correctness problem (the reconciler's operations
// are all idempotent CAS writes); it only avoids every replica doing the
// same sweep on every tick.
func (s *RedisStore) AcquireLeaderLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return true, nil
	}
	holder, err := s.rdb.Get(ctx, key).Result()
	if err != nil || holder != token {
		return false, nil
	}
	if err := s.rdb.PExpire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return true, nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// jobToHash/hashToJob/patchFieldsToHash implement the record<->hash codec.
// params and extra are stored pre-serialized as JSON strings since Redis
// hash values are flat strings; every other field is a scalar.

func jobToHash(job *models.Job) (map[string]string, error) {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return nil, fmt.Errorf("store: marshal params: %w", err)
	}
	extraJSON := "{}"
	if job.Extra != nil {
		b, err := json.Marshal(job.Extra)
		if err != nil {
			return nil, fmt.Errorf("store: marshal extra: %w", err)
		}
		extraJSON = string(b)
	}

	h := map[string]string{
		"id":               job.ID,
		"status":           string(job.Status),
		"params":           string(paramsJSON),
		"submitted_at":     strconv.FormatInt(job.SubmittedAt.UnixMilli(), 10),
		"priority":         strconv.Itoa(job.Priority),
		"cancel_requested": strconv.FormatBool(job.CancelRequested),
		"retry_count":      strconv.Itoa(job.RetryCount),
		"schema_version":   strconv.Itoa(job.SchemaVersion),
		"error_kind":       string(job.ErrorKind),
		"error_detail":     job.ErrorDetail,
		"artifact_path":    job.ArtifactPath,
		"replica_id":       job.ReplicaID,
		"extra":            extraJSON,
	}
	if job.Progress != nil {
		h["progress"] = strconv.FormatFloat(*job.Progress, 'f', -1, 64)
	} else {
		h["progress"] = ""
	}
	if job.StartedAt != nil {
		h["started_at"] = strconv.FormatInt(job.StartedAt.UnixMilli(), 10)
	} else {
		h["started_at"] = ""
	}
	if job.CompletedAt != nil {
		h["completed_at"] = strconv.FormatInt(job.CompletedAt.UnixMilli(), 10)
	} else {
		h["completed_at"] = ""
	}
	if job.LeaseExpiresAt != nil {
		h["lease_expires_at"] = strconv.FormatInt(job.LeaseExpiresAt.UnixMilli(), 10)
	} else {
		h["lease_expires_at"] = ""
	}
	return h, nil
}

func hashToJob(id string, h map[string]string) (*models.Job, error) {
	job := &models.Job{ID: id}
	job.Status = models.Status(h["status"])
	job.ReplicaID = h["replica_id"]
	job.ArtifactPath = h["artifact_path"]
	job.ErrorKind = models.ErrorKind(h["error_kind"])
	job.ErrorDetail = h["error_detail"]
	job.CancelRequested = h["cancel_requested"] == "true"
	job.Priority, _ = strconv.Atoi(h["priority"])
	job.RetryCount, _ = strconv.Atoi(h["retry_count"])
	job.SchemaVersion, _ = strconv.Atoi(h["schema_version"])

	if h["params"] != "" {
		if err := json.Unmarshal([]byte(h["params"]), &job.Params); err != nil {
			return nil, fmt.Errorf("store: unmarshal params for %s: %w", id, err)
		}
	}
	if h["extra"] != "" {
		_ = json.Unmarshal([]byte(h["extra"]), &job.Extra)
	}
	if ms, err := strconv.ParseInt(h["submitted_at"], 10, 64); err == nil {
		job.SubmittedAt = time.UnixMilli(ms).UTC()
	}
	if v := h["progress"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			job.Progress = &f
		}
	}
	if v := h["started_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			job.StartedAt = &t
		}
	}
	if v := h["completed_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			job.CompletedAt = &t
		}
	}
	if v := h["lease_expires_at"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			job.LeaseExpiresAt = &t
		}
	}
	return job, nil
}

func patchFieldsToHash(f PatchFields) map[string]string {
	h := make(map[string]string)
	if f.Status != nil {
		h["status"] = string(*f.Status)
	}
	if f.Progress != nil {
		h["progress"] = strconv.FormatFloat(*f.Progress, 'f', -1, 64)
	}
	if f.ClearReplicaID {
		h["replica_id"] = ""
	} else if f.ReplicaID != nil {
		h["replica_id"] = *f.ReplicaID
	}
	if f.ClearStartedAt {
		h["started_at"] = ""
	} else if f.StartedAt != nil {
		h["started_at"] = strconv.FormatInt(f.StartedAt.UnixMilli(), 10)
	}
	if f.CompletedAt != nil {
		h["completed_at"] = strconv.FormatInt(f.CompletedAt.UnixMilli(), 10)
	}
	if f.ClearLease {
		h["lease_expires_at"] = ""
	} else if f.LeaseExpiresAt != nil {
		h["lease_expires_at"] = strconv.FormatInt(f.LeaseExpiresAt.UnixMilli(), 10)
	}
	if f.ArtifactPath != nil {
		h["artifact_path"] = *f.ArtifactPath
	}
	if f.ErrorKind != nil {
		h["error_kind"] = string(*f.ErrorKind)
	}
	if f.ErrorDetail != nil {
		h["error_detail"] = *f.ErrorDetail
	}
	if f.CancelRequested != nil {
		h["cancel_requested"] = strconv.FormatBool(*f.CancelRequested)
	}
	if f.RetryCount != nil {
		h["retry_count"] = strconv.Itoa(*f.RetryCount)
	}
	return h
}

func sortJobsBySubmittedDesc(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].SubmittedAt.Equal(jobs[j].SubmittedAt) {
			return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}
