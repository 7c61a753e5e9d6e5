package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/errors"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/tracing"
)

// Journal keeps the most recent recovery results and the last known breaker
// states in Redis so they survive a daemon restart.
type Journal struct {
	client  *redis.Client
	prefix  string
	size    int
	tracing *tracing.TracingService
}

// Option configures a store
type Option func(*options)

type options struct {
	tracing *tracing.TracingService
}

// WithTracing wraps store writes in client spans
func WithTracing(ts *tracing.TracingService) Option {
	return func(o *options) {
		o.tracing = ts
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracing == nil {
		o.tracing, _ = tracing.NewTracingService(&tracing.Config{ServiceName: "autoheal", Enabled: false})
	}
	return o
}

// NewJournal connects to Redis and returns a journal
func NewJournal(cfg *config.RedisConfig, opts ...Option) (*Journal, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("Redis configuration is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.NewInternalError("failed to connect to Redis").WithCause(err)
	}

	return NewJournalWithClient(client, cfg.JournalPrefix, cfg.JournalSize, opts...), nil
}

// NewJournalWithClient builds a journal on an existing client
func NewJournalWithClient(client *redis.Client, prefix string, size int, opts ...Option) *Journal {
	if prefix == "" {
		prefix = "autoheal"
	}
	if size <= 0 {
		size = healing.DefaultHistorySize
	}
	o := buildOptions(opts)
	return &Journal{
		client:  client,
		prefix:  prefix,
		size:    size,
		tracing: o.tracing,
	}
}

func (j *Journal) recoveriesKey() string {
	return j.prefix + ":recoveries"
}

func (j *Journal) breakersKey() string {
	return j.prefix + ":breakers"
}

// OnRecovery appends a result and trims the list to the journal size.
// It satisfies healing.RecoveryListener.
func (j *Journal) OnRecovery(ctx context.Context, result healing.RecoveryResult) error {
	ctx, span := j.tracing.StartStoreSpan(ctx, "redis", "LPUSH")
	defer span.End()

	payload, err := encodeResult(result)
	if err != nil {
		j.tracing.RecordError(span, err)
		return errors.NewInternalError("failed to encode recovery result").WithCause(err)
	}

	_, err = j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, j.recoveriesKey(), payload)
		pipe.LTrim(ctx, j.recoveriesKey(), 0, int64(j.size-1))
		return nil
	})
	if err != nil {
		j.tracing.RecordError(span, err)
		return errors.NewInternalError("failed to journal recovery result").WithCause(err)
	}
	return nil
}

// Recent returns up to limit journaled results, oldest first.
// A non-positive limit returns the whole journal.
func (j *Journal) Recent(ctx context.Context, limit int) ([]healing.RecoveryResult, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	raw, err := j.client.LRange(ctx, j.recoveriesKey(), 0, stop).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to read recovery journal").WithCause(err)
	}

	results := make([]healing.RecoveryResult, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var result healing.RecoveryResult
		if err := json.Unmarshal([]byte(raw[i]), &result); err != nil {
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// SaveBreakerStates overwrites the stored snapshot of every breaker
func (j *Journal) SaveBreakerStates(ctx context.Context, states map[string]healing.CircuitBreakerSnapshot) error {
	if len(states) == 0 {
		return nil
	}

	ctx, span := j.tracing.StartStoreSpan(ctx, "redis", "HSET")
	defer span.End()

	values := make([]any, 0, len(states)*2)
	for component, snapshot := range states {
		payload, err := json.Marshal(snapshot)
		if err != nil {
			return errors.NewInternalError("failed to encode breaker state").WithCause(err)
		}
		values = append(values, component, string(payload))
	}

	if err := j.client.HSet(ctx, j.breakersKey(), values...).Err(); err != nil {
		j.tracing.RecordError(span, err)
		return errors.NewInternalError("failed to store breaker states").WithCause(err)
	}
	return nil
}

// BreakerStates returns the last stored breaker snapshots
func (j *Journal) BreakerStates(ctx context.Context) (map[string]healing.CircuitBreakerSnapshot, error) {
	raw, err := j.client.HGetAll(ctx, j.breakersKey()).Result()
	if err != nil {
		return nil, errors.NewInternalError("failed to read breaker states").WithCause(err)
	}

	states := make(map[string]healing.CircuitBreakerSnapshot, len(raw))
	for component, payload := range raw {
		var snapshot healing.CircuitBreakerSnapshot
		if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
			continue
		}
		states[component] = snapshot
	}
	return states, nil
}

// Health checks the Redis connection health
func (j *Journal) Health(ctx context.Context) error {
	if j.client == nil {
		return errors.NewInternalError("Redis client is nil")
	}

	if err := j.client.Ping(ctx).Err(); err != nil {
		return errors.NewInternalError("Redis health check failed").WithCause(err)
	}

	return nil
}

// Stats returns Redis connection statistics
func (j *Journal) Stats() *redis.PoolStats {
	return j.client.PoolStats()
}

// Close closes the Redis connection
func (j *Journal) Close() error {
	if j.client != nil {
		return j.client.Close()
	}
	return nil
}

// encodeResult marshals a result for storage. Metadata that cannot be
// encoded, such as an operation's return value, is replaced by its
// printed form.
func encodeResult(result healing.RecoveryResult) ([]byte, error) {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload, nil
	}

	result.Metadata = sanitizeMetadata(result.Metadata)
	if result.Error != nil {
		ec := *result.Error
		ec.Metadata = sanitizeMetadata(ec.Metadata)
		result.Error = &ec
	}
	return json.Marshal(result)
}

func sanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	clean := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if _, err := json.Marshal(value); err != nil {
			clean[key] = fmt.Sprintf("%v", value)
			continue
		}
		clean[key] = value
	}
	return clean
}
