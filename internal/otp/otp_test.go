package otp

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"vestnet/internal/domain"
)

type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
	err   error
}

func (c *captureSender) Send(_ context.Context, destination string, _ Purpose, code string) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codes == nil {
		c.codes = map[string]string{}
	}
	c.codes[destination] = code
	return nil
}

func newService(t *testing.T) (*Service, *captureSender, *MemoryStore) {
	t.Helper()
	st := NewMemoryStore()
	snd := &captureSender{}
	return NewService(st, snd, Options{TTL: time.Minute, MaxAttempts: 3, Digits: 6, Cost: bcrypt.MinCost}), snd, st
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	s, snd, _ := newService(t)

	id, err := s.Issue(ctx, 7, "100", PurposeWithdrawal, "req-1")
	require.NoError(t, err)
	code := snd.codes["100"]
	assert.Len(t, code, 6)

	require.NoError(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", code))
	// consumed
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", code), domain.ErrOTPInvalid)
}

func TestVerifyRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s, snd, _ := newService(t)
	id, err := s.Issue(ctx, 7, "100", PurposeWithdrawal, "req-1")
	require.NoError(t, err)
	code := snd.codes["100"]

	assert.ErrorIs(t, s.Verify(ctx, id, 8, PurposeWithdrawal, "req-1", code), domain.ErrOTPInvalid)
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeDeposit, "req-1", code), domain.ErrOTPInvalid)
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-2", code), domain.ErrOTPInvalid)
	// mismatches do not burn the session
	require.NoError(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", code))
}

func TestVerifyAttemptsRunOut(t *testing.T) {
	ctx := context.Background()
	s, snd, _ := newService(t)
	id, err := s.Issue(ctx, 7, "100", PurposeWithdrawal, "req-1")
	require.NoError(t, err)
	code := snd.codes["100"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	err = s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", wrong)
	assert.ErrorIs(t, err, domain.ErrOTPInvalid)
	assert.Contains(t, err.Error(), "2 attempts left")
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", wrong), domain.ErrOTPInvalid)
	err = s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", wrong)
	assert.Contains(t, err.Error(), "too many attempts")

	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", code), domain.ErrOTPInvalid)
}

func TestConcurrentWrongGuessesNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	s, snd, st := newService(t)
	id, err := s.Issue(ctx, 7, "100", PurposeWithdrawal, "req-1")
	require.NoError(t, err)
	code := snd.codes["100"]
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", wrong)
		}()
	}
	wg.Wait()

	_, err = st.Load(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound, "session is dropped once attempts run out")
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeWithdrawal, "req-1", code), domain.ErrOTPInvalid)
}

func TestMemoryStoreFailCounts(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.Save(ctx, Session{ID: "s"}, time.Minute))

	var wg sync.WaitGroup
	seen := make(chan int, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := st.Fail(ctx, "s")
			assert.NoError(t, err)
			seen <- n
		}()
	}
	wg.Wait()
	close(seen)
	counts := map[int]bool{}
	for n := range seen {
		counts[n] = true
	}
	assert.Len(t, counts, 10, "every guess gets its own count")

	_, err := st.Fail(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	s, snd, st := newService(t)
	base := time.Now()
	st.now = func() time.Time { return base }
	id, err := s.Issue(ctx, 7, "100", PurposeDeposit, "req-1")
	require.NoError(t, err)

	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.ErrorIs(t, s.Verify(ctx, id, 7, PurposeDeposit, "req-1", snd.codes["100"]), domain.ErrOTPInvalid)
}

func TestIssueSendFailureDropsSession(t *testing.T) {
	ctx := context.Background()
	s, snd, st := newService(t)
	snd.err = errors.New("bot down")
	_, err := s.Issue(ctx, 7, "100", PurposeDeposit, "req-1")
	require.Error(t, err)
	assert.Empty(t, st.sessions)
}

type fakeBot struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestTelegramSender(t *testing.T) {
	bot := &fakeBot{}
	snd := NewTelegramSender(bot)
	require.NoError(t, snd.Send(context.Background(), "42", PurposeWithdrawal, "123456"))
	require.Len(t, bot.sent, 1)
	assert.Equal(t, int64(42), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "123456")

	assert.Error(t, snd.Send(context.Background(), "@someone", PurposeWithdrawal, "1"))
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	ctx := context.Background()
	st := NewRedisStore(client)
	sess := Session{ID: "test-" + time.Now().Format("150405.000000"), UserID: 1, Purpose: PurposeDeposit, Hash: []byte("h")}
	require.NoError(t, st.Save(ctx, sess, time.Minute))
	assert.ErrorIs(t, st.Save(ctx, sess, time.Minute), domain.ErrAlreadyExists)

	for want := 1; want <= 2; want++ {
		n, err := st.Fail(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	got, err := st.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	ttl, err := client.PTTL(ctx, attemptsKey(sess.ID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "counter expires with the session")

	require.NoError(t, st.Delete(ctx, sess.ID))
	_, err = st.Load(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.Fail(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, client.Exists(ctx, attemptsKey(sess.ID)).Val())
}
