package notify

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

	"vestnet/internal/domain"
	"vestnet/internal/money"
)

type fakeBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func notice(user domain.UserID, id string, state domain.RequestState) Notice {
	return Notice{UserID: user, RequestID: id, Kind: domain.RequestWithdrawal, State: state, Amount: money.FromUnits(75)}
}

func TestDeliverToInboxAndTelegram(t *testing.T) {
	inbox := NewMemoryInbox(10)
	bot := &fakeBot{}
	s := New(inbox, bot, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	s.Enqueue(notice(7, "r1", domain.StateCompleted), "7007")
	s.Enqueue(notice(7, "r2", domain.StateRejected), "not-a-chat")
	cancel()
	s.Wait()

	list, err := s.List(context.Background(), 7, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r2", list[0].RequestID, "newest first")

	require.Equal(t, 1, bot.count())
	assert.Equal(t, int64(7007), bot.sent[0].ChatID)
	assert.Equal(t, "Your withdrawal of 75.00 is complete.", bot.sent[0].Text)
}

func TestBotFailureKeepsInbox(t *testing.T) {
	inbox := NewMemoryInbox(10)
	s := New(inbox, &fakeBot{err: errors.New("blocked by user")}, Options{})
	s.deliver(context.Background(), item{n: notice(1, "r1", domain.StateRejected), destination: "1"})

	list, err := inbox.List(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	s := New(NewMemoryInbox(0), nil, Options{QueueSize: 1})
	done := make(chan struct{})
	go func() {
		s.Enqueue(notice(1, "a", domain.StateCompleted), "")
		s.Enqueue(notice(1, "b", domain.StateCompleted), "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	assert.Len(t, s.queue, 1)
}

func TestMemoryInboxCap(t *testing.T) {
	inbox := NewMemoryInbox(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, inbox.Push(ctx, notice(3, id, domain.StateCompleted)))
	}
	list, err := inbox.List(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].RequestID)
	assert.Equal(t, "b", list[1].RequestID)
}

func TestNoticeText(t *testing.T) {
	n := notice(1, "r", domain.StateRejected)
	n.Note = "proof unreadable"
	assert.Equal(t, "Your withdrawal of 75.00 was rejected.\nNote: proof unreadable", n.Text())
}

func TestRedisInbox(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	ctx := context.Background()
	inbox := NewRedisInbox(client, 2)
	user := domain.UserID(time.Now().UnixNano() % 1_000_000_000)
	defer client.Del(ctx, inbox.key(user))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, inbox.Push(ctx, notice(user, id, domain.StateCompleted)))
	}
	list, err := inbox.List(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].RequestID)
	assert.Equal(t, money.FromUnits(75), list[0].Amount)
}
