// Package notify tells users how their requests ended. Each notice goes
// to a capped per-user inbox and, when a bot is configured, to the user's
// Telegram chat. Delivery is asynchronous and best effort.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
	"vestnet/internal/money"
)

type Notice struct {
	UserID    domain.UserID       `json:"user_id"`
	RequestID string              `json:"request_id"`
	Kind      domain.RequestKind  `json:"kind"`
	State     domain.RequestState `json:"state"`
	Amount    money.Amount        `json:"amount"`
	Note      string              `json:"note,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

func (n Notice) Text() string {
	verb := "was rejected"
	if n.State == domain.StateCompleted {
		verb = "is complete"
	}
	text := fmt.Sprintf("Your %s of %s %s.", n.Kind, n.Amount, verb)
	if n.Note != "" {
		text += "\nNote: " + n.Note
	}
	return text
}

// Inbox keeps the latest notices of each user, newest first.
type Inbox interface {
	Push(ctx context.Context, n Notice) error
	List(ctx context.Context, user domain.UserID, limit int) ([]Notice, error)
}

// BotAPI is the part of *tgbotapi.BotAPI used for delivery.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Options struct {
	QueueSize int
	Logger    logrus.FieldLogger
}

type item struct {
	n           Notice
	destination string
}

type Service struct {
	inbox Inbox
	bot   BotAPI
	queue chan item
	log   *logrus.Entry
	wg    sync.WaitGroup
}

// New returns a service delivering through inbox and, if bot is not nil,
// Telegram. Nothing is delivered until Start.
func New(inbox Inbox, bot BotAPI, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Service{
		inbox: inbox,
		bot:   bot,
		queue: make(chan item, opts.QueueSize),
		log:   logging.Component(opts.Logger, "notify"),
	}
}

// Enqueue hands n to the delivery worker. It never blocks; when the queue
// is full the notice is dropped and logged.
func (s *Service) Enqueue(n Notice, destination string) {
	select {
	case s.queue <- item{n: n, destination: destination}:
	default:
		s.log.WithFields(logrus.Fields{"user_id": n.UserID, "request_id": n.RequestID}).Warn("notification queue full, dropped")
	}
}

// Start runs the delivery worker until ctx is done. Queued notices are
// flushed before it exits.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case it := <-s.queue:
				s.deliver(ctx, it)
			case <-ctx.Done():
				s.drain()
				return
			}
		}
	}()
}

func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case it := <-s.queue:
			s.deliver(ctx, it)
		default:
			return
		}
	}
}

func (s *Service) deliver(ctx context.Context, it item) {
	log := s.log.WithFields(logrus.Fields{"user_id": it.n.UserID, "request_id": it.n.RequestID})
	if err := s.inbox.Push(ctx, it.n); err != nil {
		log.WithError(err).Warn("inbox push failed")
	}
	if s.bot == nil || it.destination == "" {
		return
	}
	chatID, err := strconv.ParseInt(it.destination, 10, 64)
	if err != nil {
		log.WithField("destination", it.destination).Debug("destination is not a chat id, telegram skipped")
		return
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, it.n.Text())); err != nil {
		log.WithError(err).Warn("telegram notification failed")
	}
}

func (s *Service) List(ctx context.Context, user domain.UserID, limit int) ([]Notice, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.inbox.List(ctx, user, limit)
}
