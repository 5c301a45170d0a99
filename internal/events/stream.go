package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"vestnet/internal/logging"
)

type StreamOptions struct {
	Stream   string
	Group    string
	Consumer string
	MaxLen   int64

	Workers      int
	ReadCount    int64
	ReadBlock    time.Duration
	ClaimMinIdle time.Duration
	ClaimCount   int64
	ClaimEvery   time.Duration
	ClaimRounds  int
}

func (o *StreamOptions) defaults() {
	if o.Stream == "" {
		o.Stream = "vestnet:deposits"
	}
	if o.Group == "" {
		o.Group = "commission"
	}
	if o.Consumer == "" {
		o.Consumer = "worker"
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 100_000
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.ReadCount <= 0 {
		o.ReadCount = 50
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = 2 * time.Second
	}
	if o.ClaimMinIdle <= 0 {
		o.ClaimMinIdle = time.Minute
	}
	if o.ClaimCount <= 0 {
		o.ClaimCount = 50
	}
	if o.ClaimEvery <= 0 {
		o.ClaimEvery = 30 * time.Second
	}
	if o.ClaimRounds <= 0 {
		o.ClaimRounds = 4
	}
}

// Stream publishes to a Redis stream and consumes it with a consumer group.
type Stream struct {
	rdb    redis.UniversalClient
	opts   StreamOptions
	handle Handler
	log    *logrus.Entry
	wg     sync.WaitGroup
}

func NewStream(rdb redis.UniversalClient, handle Handler, opts StreamOptions, logger logrus.FieldLogger) *Stream {
	opts.defaults()
	return &Stream{rdb: rdb, opts: opts, handle: handle, log: logging.Component(logger, "events")}
}

func (s *Stream) PublishDeposit(ctx context.Context, ev DepositCompleted) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.opts.Stream,
		MaxLen: s.opts.MaxLen,
		Approx: true,
		Values: ev.values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("publish deposit event: %w", err)
	}
	return nil
}

// Start creates the group if needed and launches the consumers. The first
// consumer also reclaims entries left pending by dead consumers.
func (s *Stream) Start(ctx context.Context) {
	if err := s.rdb.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err(); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
			s.log.WithError(err).Error("XGROUP CREATE failed")
		}
	}
	for i := 0; i < s.opts.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", s.opts.Consumer, i+1)
		s.wg.Add(1)
		go func(claim bool) {
			defer s.wg.Done()
			s.loop(ctx, consumer, claim)
		}(i == 0)
	}
}

// Wait blocks until every consumer has stopped after ctx is cancelled.
func (s *Stream) Wait() { s.wg.Wait() }

func (s *Stream) loop(ctx context.Context, consumer string, claim bool) {
	nextClaim := time.Now().Add(s.opts.ClaimEvery)
	maybeClaim := func() {
		if claim && time.Now().After(nextClaim) {
			s.claimPending(ctx, consumer)
			nextClaim = time.Now().Add(s.opts.ClaimEvery)
		}
	}
	for ctx.Err() == nil {
		res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: consumer,
			Streams:  []string{s.opts.Stream, ">"},
			Count:    s.opts.ReadCount,
			Block:    s.opts.ReadBlock,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return
			}
			s.log.WithError(err).Warn("XREADGROUP failed")
			sleep(ctx, 750*time.Millisecond)
		}
		for _, st := range res {
			if !s.process(ctx, st.Messages) {
				// unacked entries stay pending for a retry or a claim
				sleep(ctx, 250*time.Millisecond)
			}
		}
		maybeClaim()
	}
}

func (s *Stream) claimPending(ctx context.Context, consumer string) {
	start := "0-0"
	for round := 0; round < s.opts.ClaimRounds; round++ {
		msgs, next, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.opts.Stream,
			Group:    s.opts.Group,
			Consumer: consumer,
			MinIdle:  s.opts.ClaimMinIdle,
			Start:    start,
			Count:    s.opts.ClaimCount,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.log.WithError(err).Warn("XAUTOCLAIM failed")
			}
			return
		}
		if len(msgs) == 0 {
			return
		}
		s.process(ctx, msgs)
		if next == "" || next == start || next == "0-0" {
			return
		}
		start = next
	}
}

// process handles msgs in order and acks what succeeded. Malformed entries
// are acked so they cannot poison the group. Returns false when any entry
// was left pending.
func (s *Stream) process(ctx context.Context, msgs []redis.XMessage) bool {
	ack := make([]string, 0, len(msgs))
	ok := true
	for _, msg := range msgs {
		ev, valid := parseDeposit(msg.Values)
		if !valid {
			s.log.WithField("id", msg.ID).Warn("dropping malformed event")
			ack = append(ack, msg.ID)
			continue
		}
		if err := s.handle(ctx, ev); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"id": msg.ID, "user_id": ev.UserID}).Warn("deposit event failed, left pending")
			ok = false
			continue
		}
		ack = append(ack, msg.ID)
	}
	if len(ack) > 0 {
		if err := s.rdb.XAck(ctx, s.opts.Stream, s.opts.Group, ack...).Err(); err != nil {
			s.log.WithError(err).Warn("XACK failed")
			return false
		}
	}
	return ok
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
