package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"vestnet/internal/domain"
)

const keyPrefix = "otp:"

// Both keys of a session share a hash tag so the script below stays on
// one cluster slot.
func sessionKey(id string) string  { return keyPrefix + "{" + id + "}" }
func attemptsKey(id string) string { return keyPrefix + "{" + id + "}:attempts" }

// failScript counts a wrong guess on a live session. The counter expires
// with the session.
var failScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("INCR", KEYS[2])
if n == 1 then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("PEXPIRE", KEYS[2], ttl)
	end
end
return n
`)

// RedisStore keeps sessions as JSON values with a native key TTL, so
// expiry needs no sweeper. Wrong guesses live in a sibling counter key.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Save(ctx context.Context, s Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal otp session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("otp session %s: %w", s.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, id string) (Session, error) {
	var sessCmd, attCmd *redis.StringCmd
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		sessCmd = p.Get(ctx, sessionKey(id))
		attCmd = p.Get(ctx, attemptsKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, err
	}
	data, err := sessCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, domain.ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode otp session: %w", err)
	}
	n, err := attCmd.Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Session{}, err
	}
	s.Attempts = n
	return s, nil
}

func (r *RedisStore) Fail(ctx context.Context, id string) (int, error) {
	n, err := failScript.Run(ctx, r.client, []string{sessionKey(id), attemptsKey(id)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, domain.ErrNotFound
	}
	return n, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, sessionKey(id), attemptsKey(id)).Err()
}

// MemoryStore is the single-instance fallback when no Redis is configured.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memEntry
	now      func() time.Time
}

type memEntry struct {
	s       Session
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]memEntry{}, now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, s Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("otp session %s: %w", s.ID, domain.ErrAlreadyExists)
	}
	m.sessions[s.ID] = memEntry{s: s, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || !m.now().Before(e.expires) {
		delete(m.sessions, id)
		return Session{}, domain.ErrNotFound
	}
	return e.s, nil
}

func (m *MemoryStore) Fail(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || !m.now().Before(e.expires) {
		return 0, domain.ErrNotFound
	}
	e.s.Attempts++
	m.sessions[id] = e
	return e.s.Attempts, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) sweep() {
	now := m.now()
	for id, e := range m.sessions {
		if !now.Before(e.expires) {
			delete(m.sessions, id)
		}
	}
}
