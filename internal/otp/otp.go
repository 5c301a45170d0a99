// Package otp issues and checks one-time codes that gate money-moving
// requests. Codes are stored only as bcrypt hashes and expire after a TTL.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"vestnet/internal/domain"
	"vestnet/internal/logging"
)

type Purpose string

const (
	PurposeDeposit    Purpose = "deposit"
	PurposeWithdrawal Purpose = "withdrawal"
)

// Session is one issued code.
type Session struct {
	ID        string        `json:"id"`
	UserID    domain.UserID `json:"user_id"`
	Purpose   Purpose       `json:"purpose"`
	Subject   string        `json:"subject"`
	Hash      []byte        `json:"hash"`
	Attempts  int           `json:"attempts"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Store keeps sessions until their TTL runs out. Load returns
// domain.ErrNotFound for missing or expired sessions.
type Store interface {
	Save(ctx context.Context, s Session, ttl time.Duration) error
	Load(ctx context.Context, id string) (Session, error)
	// Fail counts a wrong guess and returns the attempts made so far. The
	// increment is atomic, so concurrent verifiers never share a count.
	Fail(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

// Sender delivers a code to the user's destination.
type Sender interface {
	Send(ctx context.Context, destination string, purpose Purpose, code string) error
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Digits      int
	// Cost is the bcrypt cost; zero means bcrypt.DefaultCost.
	Cost   int
	Logger logrus.FieldLogger
}

type Service struct {
	store  Store
	sender Sender
	opts   Options
	log    *logrus.Entry
	now    func() time.Time
	rand   io.Reader
}

func NewService(store Store, sender Sender, opts Options) *Service {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Digits <= 0 {
		opts.Digits = 6
	}
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	return &Service{
		store:  store,
		sender: sender,
		opts:   opts,
		log:    logging.Component(opts.Logger, "otp"),
		now:    func() time.Time { return time.Now().UTC() },
		rand:   rand.Reader,
	}
}

func (s *Service) newCode() (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(s.opts.Digits)), nil)
	n, err := rand.Int(s.rand, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", s.opts.Digits, n), nil
}

// Issue creates a session for subject (usually a request id), sends the
// code and returns the session id.
func (s *Service) Issue(ctx context.Context, user domain.UserID, destination string, purpose Purpose, subject string) (string, error) {
	code, err := s.newCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.opts.Cost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    user,
		Purpose:   purpose,
		Subject:   subject,
		Hash:      hash,
		ExpiresAt: s.now().Add(s.opts.TTL),
	}
	if err := s.store.Save(ctx, sess, s.opts.TTL); err != nil {
		return "", fmt.Errorf("save otp session: %w", err)
	}
	if err := s.sender.Send(ctx, destination, purpose, code); err != nil {
		_ = s.store.Delete(ctx, sess.ID)
		return "", fmt.Errorf("send otp: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": user, "purpose": purpose, "session": sess.ID}).Info("otp issued")
	return sess.ID, nil
}

// Verify checks code against the session and consumes it on success.
func (s *Service) Verify(ctx context.Context, sessionID string, user domain.UserID, purpose Purpose, subject, code string) error {
	if err := s.Check(ctx, sessionID, user, purpose, subject, code); err != nil {
		return err
	}
	return s.Consume(ctx, sessionID)
}

// Consume drops a session whose code has been used.
func (s *Service) Consume(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionID)
}

// Check validates code without consuming the session, so a caller can
// finish the guarded work before calling Consume. A wrong code counts an
// attempt and the session is dropped once attempts run out. Every failure
// is domain.ErrOTPInvalid.
func (s *Service) Check(ctx context.Context, sessionID string, user domain.UserID, purpose Purpose, subject, code string) error {
	sess, err := s.store.Load(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: session expired or unknown", domain.ErrOTPInvalid)
	}
	if err != nil {
		return err
	}
	if sess.UserID != user || sess.Purpose != purpose || sess.Subject != subject {
		return fmt.Errorf("%w: session mismatch", domain.ErrOTPInvalid)
	}
	if !s.now().Before(sess.ExpiresAt) {
		_ = s.store.Delete(ctx, sess.ID)
		return fmt.Errorf("%w: session expired or unknown", domain.ErrOTPInvalid)
	}
	if sess.Attempts >= s.opts.MaxAttempts {
		return s.exhausted(ctx, sess)
	}
	if bcrypt.CompareHashAndPassword(sess.Hash, []byte(code)) != nil {
		n, err := s.store.Fail(ctx, sess.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: session expired or unknown", domain.ErrOTPInvalid)
		}
		if err != nil {
			return err
		}
		if n >= s.opts.MaxAttempts {
			return s.exhausted(ctx, sess)
		}
		return fmt.Errorf("%w: wrong code, %d attempts left", domain.ErrOTPInvalid, s.opts.MaxAttempts-n)
	}
	return nil
}

func (s *Service) exhausted(ctx context.Context, sess Session) error {
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"user_id": sess.UserID, "session": sess.ID}).Warn("otp attempts exhausted")
	return fmt.Errorf("%w: too many attempts", domain.ErrOTPInvalid)
}
