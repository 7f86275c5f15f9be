/*
Package idempotency deduplicates retried client submissions.

PURPOSE:
  A double-clicked checkout button sends the same request twice. The client
  generates one key per user action; Run executes the operation once per key
  and hands every later submission the stored result.

FLOW:
  1. Claim the key (pending record with the request fingerprint)
  2. Run the operation
  3. Success: store the JSON result on the record (completed)
     Failure: drop the claim so the client may retry

  A second submission finds the record and:
  - completed, same fingerprint:  gets the stored result, op not re-run
  - different fingerprint:        ErrKeyReused (key recycled for another request)
  - still pending:                ErrInFlight (try again shortly)

  Concurrent duplicates inside one process never reach step 1 twice: they are
  collapsed with singleflight and share the leader's outcome. The shared
  operation runs on a context detached from the first caller and bounded by
  the layer Timeout, so a caller that disconnects only stops waiting; the
  others still get the result.

EXPIRY:
  Records live for the layer TTL (default 24h). Purge removes expired
  records from stores that do not expire keys on their own.

SEE ALSO:
  - memory.go, bolt.go, redis.go: record stores
  - settlement/coordinator.go: the operation being protected
*/
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/settlement-engine/logger"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// TYPES
// =============================================================================

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

type Record struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

func (r Record) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }

var (
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	ErrInFlight  = errors.New("request with this idempotency key is still in progress")
)

// Store persists idempotency records.
type Store interface {
	// Claim stores rec if no live record exists for rec.Key. Otherwise it
	// returns the live record and claimed=false. Expired records are replaced.
	Claim(ctx context.Context, rec Record) (existing Record, claimed bool, err error)

	// Complete marks the record completed with its response.
	Complete(ctx context.Context, key string, response []byte) error

	// Abandon deletes a pending claim. Missing keys are not an error.
	Abandon(ctx context.Context, key string) error

	// Purge deletes expired records and returns how many it removed.
	Purge(ctx context.Context, now time.Time) (int, error)
}

// =============================================================================
// LAYER
// =============================================================================

const (
	DefaultTTL     = 24 * time.Hour
	DefaultTimeout = 30 * time.Second
)

type Layer struct {
	Store Store
	TTL   time.Duration
	// Timeout bounds one shared execution of an operation.
	Timeout time.Duration
	Now     func() time.Time

	group singleflight.Group
}

func NewLayer(store Store, ttl time.Duration) *Layer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Layer{
		Store:   store,
		TTL:     ttl,
		Timeout: DefaultTimeout,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Purge removes expired records.
func (l *Layer) Purge(ctx context.Context) (int, error) {
	return l.Store.Purge(ctx, l.Now())
}

type outcome struct {
	body   []byte
	cached bool
}

// Run executes op at most once per key. The returned bool reports whether
// the result was replayed rather than produced by this call. An empty key
// disables deduplication.
func Run[T any](ctx context.Context, l *Layer, key, fingerprint string, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		v, err := op(ctx)
		return v, false, err
	}

	leader := false
	ch := l.group.DoChan(key+"\x00"+fingerprint, func() (any, error) {
		leader = true
		ctx, cancel := l.detach(ctx)
		defer cancel()
		return l.execute(ctx, key, fingerprint, func(ctx context.Context) ([]byte, error) {
			result, err := op(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(result)
		})
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		return zero, false, r.Err
	}

	out := r.Val.(outcome)
	var result T
	if err := json.Unmarshal(out.body, &result); err != nil {
		return zero, false, fmt.Errorf("decode stored result for key %q: %w", key, err)
	}
	return result, out.cached || !leader, nil
}

// detach keeps ctx's values but not its cancellation.
func (l *Layer) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (l *Layer) execute(ctx context.Context, key, fingerprint string, op func(ctx context.Context) ([]byte, error)) (outcome, error) {
	now := l.Now()
	existing, claimed, err := l.Store.Claim(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.TTL),
	})
	if err != nil {
		return outcome{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	if !claimed {
		switch {
		case existing.Fingerprint != fingerprint:
			return outcome{}, fmt.Errorf("%w: %q", ErrKeyReused, key)
		case existing.Status != StatusCompleted:
			return outcome{}, fmt.Errorf("%w: %q", ErrInFlight, key)
		}
		return outcome{body: existing.Response, cached: true}, nil
	}

	body, err := op(ctx)
	if err != nil {
		if aerr := l.Store.Abandon(context.WithoutCancel(ctx), key); aerr != nil {
			logger.LogError(ctx, aerr, "failed to abandon idempotency claim", "key", key)
		}
		return outcome{}, err
	}

	// The operation already committed. If the result cannot be stored the
	// claim stays pending until it expires, so retries see ErrInFlight rather
	// than running the operation again.
	if err := l.Store.Complete(context.WithoutCancel(ctx), key, body); err != nil {
		logger.LogError(ctx, err, "failed to store idempotent result", "key", key)
	}
	return outcome{body: body}, nil
}

// Fingerprint hashes the JSON form of a request so a reused key can be told
// apart from a genuine retry.
func Fingerprint(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
