package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"vestnet/internal/domain"
)

const defaultKeep = 50

// RedisInbox stores each user's notices in a capped list.
type RedisInbox struct {
	rdb    redis.UniversalClient
	prefix string
	keep   int64
}

func NewRedisInbox(rdb redis.UniversalClient, keep int) *RedisInbox {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &RedisInbox{rdb: rdb, prefix: "notify:inbox:", keep: int64(keep)}
}

func (r *RedisInbox) key(user domain.UserID) string {
	return fmt.Sprintf("%s%d", r.prefix, user)
}

func (r *RedisInbox) Push(ctx context.Context, n Notice) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	key := r.key(n.UserID)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, raw)
		p.LTrim(ctx, key, 0, r.keep-1)
		return nil
	})
	return err
}

func (r *RedisInbox) List(ctx context.Context, user domain.UserID, limit int) ([]Notice, error) {
	raws, err := r.rdb.LRange(ctx, r.key(user), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Notice, 0, len(raws))
	for _, raw := range raws {
		var n Notice
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// MemoryInbox is the single-process Inbox.
type MemoryInbox struct {
	mu   sync.Mutex
	keep int
	byID map[domain.UserID][]Notice
}

func NewMemoryInbox(keep int) *MemoryInbox {
	if keep <= 0 {
		keep = defaultKeep
	}
	return &MemoryInbox{keep: keep, byID: map[domain.UserID][]Notice{}}
}

func (m *MemoryInbox) Push(_ context.Context, n Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append([]Notice{n}, m.byID[n.UserID]...)
	if len(list) > m.keep {
		list = list[:m.keep]
	}
	m.byID[n.UserID] = list
	return nil
}

func (m *MemoryInbox) List(_ context.Context, user domain.UserID, limit int) ([]Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.byID[user]
	if limit < len(list) {
		list = list[:limit]
	}
	return append([]Notice{}, list...), nil
}
