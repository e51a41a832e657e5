package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"veritas/internal/portal/models"
	"veritas/pkg/platform/sentinel"
)

const (
	defaultKeyPrefix = "veritas:portal:"
	defaultGrace     = 24 * time.Hour
	maxWatchRetries  = 8
)

// encMode uses Core Deterministic Encoding so one record always encodes to
// the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("portal store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("portal store: CBOR decoder initialization failed: " + err.Error())
	}
}

// createScript writes a token record and its expiry index entry together.
// The index is written first so a failing ZADD leaves no record behind.
// It returns 0 when the token already exists.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// record is the stored form of a token. Times are Unix nanoseconds so no
// precision is lost to CBOR time tags.
type record struct {
	Token          string   `cbor:"1,keyasint"`
	ArtifactID     string   `cbor:"2,keyasint"`
	ArtifactDigest string   `cbor:"3,keyasint"`
	AllowedParty   string   `cbor:"4,keyasint"`
	Permissions    []string `cbor:"5,keyasint"`
	CreatedAt      int64    `cbor:"6,keyasint"`
	ExpiresAt      int64    `cbor:"7,keyasint"`
	Used           bool     `cbor:"8,keyasint"`
	UsedAt         int64    `cbor:"9,keyasint,omitempty"`
	Revoked        bool     `cbor:"10,keyasint"`
}

func toRecord(t *models.Token) record {
	r := record{
		Token:          t.Token,
		ArtifactID:     t.ArtifactID,
		ArtifactDigest: t.ArtifactDigest,
		AllowedParty:   t.AllowedParty,
		Permissions:    t.Permissions.Strings(),
		CreatedAt:      t.CreatedAt.UnixNano(),
		ExpiresAt:      t.ExpiresAt.UnixNano(),
		Used:           t.Used,
		Revoked:        t.Revoked,
	}
	if t.UsedAt != nil {
		r.UsedAt = t.UsedAt.UnixNano()
	}
	return r
}

func (r record) token() *models.Token {
	t := &models.Token{
		Token:          r.Token,
		ArtifactID:     r.ArtifactID,
		ArtifactDigest: r.ArtifactDigest,
		AllowedParty:   r.AllowedParty,
		Permissions:    models.PermissionSetFromStrings(r.Permissions),
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		ExpiresAt:      time.Unix(0, r.ExpiresAt).UTC(),
		Used:           r.Used,
		Revoked:        r.Revoked,
	}
	if r.UsedAt != 0 {
		usedAt := time.Unix(0, r.UsedAt).UTC()
		t.UsedAt = &usedAt
	}
	return t
}

// RedisStore keeps each token under its own key as a CBOR record, with a
// sorted set of expiry times for cleanup. Execute is an optimistic
// WATCH/MULTI transaction retried on contention.
type RedisStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

type RedisOption func(*RedisStore)

// WithGrace sets how long a record outlives its expiry before Redis evicts
// it. Expired tokens must stay readable for a while so redemption can report
// "expired" instead of "invalid".
func WithGrace(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.grace = d
		}
	}
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		grace:  defaultGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(token string) string {
	return s.prefix + "token:" + token
}

func (s *RedisStore) expiryIndex() string {
	return s.prefix + "expiry"
}

func (s *RedisStore) ttl(t *models.Token) time.Duration {
	ttl := t.ExpiresAt.Sub(s.now()) + s.grace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, token *models.Token) error {
	data, err := encMode.Marshal(toRecord(token))
	if err != nil {
		return fmt.Errorf("encode disclosure token: %w", err)
	}
	created, err := createScript.Run(ctx, s.client,
		[]string{s.key(token.Token), s.expiryIndex()},
		data,
		s.ttl(token).Milliseconds(),
		token.ExpiresAt.UnixMilli(),
		token.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("store disclosure token: %w", err)
	}
	if created == 0 {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) Find(ctx context.Context, token string) (*models.Token, error) {
	return s.load(ctx, s.client, s.key(token))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, key string) (*models.Token, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load disclosure token: %w", err)
	}
	var r record
	if err := decMode.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode disclosure token: %w", err)
	}
	return r.token(), nil
}

func (s *RedisStore) Execute(ctx context.Context, token string, fn func(*models.Token) error) (*models.Token, error) {
	key := s.key(token)
	var updated *models.Token

	txf := func(tx *redis.Tx) error {
		t, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		data, err := encMode.Marshal(toRecord(t))
		if err != nil {
			return fmt.Errorf("encode disclosure token: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update disclosure token: %w", sentinel.ErrUnavailable)
}

// DeleteExpired removes unused tokens that expired before now. Consumed
// tokens are dropped from the index and left to their key TTL.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expiryIndex(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan token expiry index: %w", err)
	}

	removed := 0
	for _, token := range members {
		deleted, err := s.deleteIfExpired(ctx, token, now)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func (s *RedisStore) deleteIfExpired(ctx context.Context, token string, now time.Time) (bool, error) {
	key := s.key(token)
	deleted := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		t, err := s.load(ctx, tx, key)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return tx.ZRem(ctx, s.expiryIndex(), token).Err()
		case err != nil:
			return err
		case !t.ExpiredAt(now):
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if !t.Used {
				pipe.Del(ctx, key)
			}
			pipe.ZRem(ctx, s.expiryIndex(), token)
			return nil
		})
		if err == nil && !t.Used {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Touched concurrently; the next sweep will look again.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete expired token: %w", err)
	}
	return deleted, nil
}
