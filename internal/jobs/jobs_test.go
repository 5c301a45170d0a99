package jobs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
)

func TestPreviousPeriod(t *testing.T) {
	assert.Equal(t, domain.Period("2026-07"), PreviousPeriod(time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)))
	assert.Equal(t, domain.Period("2025-12"), PreviousPeriod(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)))
}

func TestRunNowHoldsLock(t *testing.T) {
	locker := NewLocalLocker()
	r := NewRunner(locker, time.Minute, logging.Discard())
	ctx := context.Background()

	var inner bool
	ran, err := r.RunNow(ctx, "accrual", func(ctx context.Context) error {
		// a second run of the same job is refused while the first holds the lock
		again, err := r.RunNow(ctx, "accrual", func(context.Context) error { return nil })
		inner = again
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, inner)

	// released afterwards
	ran, err = r.RunNow(ctx, "accrual", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunNowPropagatesJobError(t *testing.T) {
	r := NewRunner(nil, 0, logging.Discard())
	boom := errors.New("boom")
	ran, err := r.RunNow(context.Background(), "salary", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
}

func TestLocalLockerExpires(t *testing.T) {
	l := NewLocalLocker()
	base := time.Now()
	l.now = func() time.Time { return base }
	_, ok, err := l.Acquire(context.Background(), "j", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = l.Acquire(context.Background(), "j", time.Second)
	assert.False(t, ok)

	l.now = func() time.Time { return base.Add(2 * time.Second) }
	_, ok, _ = l.Acquire(context.Background(), "j", time.Second)
	assert.True(t, ok)
}

func TestAddRejectsBadSpec(t *testing.T) {
	r := NewRunner(nil, 0, logging.Discard())
	assert.Error(t, r.Add("x", "not a spec", func(context.Context) error { return nil }))
	assert.NoError(t, r.Add("x", "0 1 1 * *", func(context.Context) error { return nil }))
	r.Start()
	r.Stop()
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	l := NewRedisLocker(rdb)
	name := "test-" + time.Now().Format("150405.000000")
	release, ok, err := l.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := l.Acquire(ctx, name, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
