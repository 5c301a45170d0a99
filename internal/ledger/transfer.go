package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"vestnet/internal/domain"
	"vestnet/internal/money"
	"vestnet/internal/store"
)

// TransferResult holds both legs of a peer transfer.
type TransferResult struct {
	Out domain.Transaction `json:"out"`
	In  domain.Transaction `json:"in"`
}

// Transfer moves amount from the sender's package wallet to the package
// wallet of the user owning recipientCode. Both entries commit together or
// not at all.
func (l *Ledger) Transfer(ctx context.Context, sender domain.UserID, recipientCode string, amount money.Amount, ref string) (TransferResult, error) {
	var res TransferResult
	err := l.st.WithTx(ctx, func(tx store.Tx) error {
		recipient, err := ResolveRecipient(ctx, tx, sender, recipientCode)
		if err != nil {
			return err
		}
		res, err = l.TransferTx(ctx, tx, sender, recipient.ID, amount, ref)
		return err
	})
	if err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

// ResolveRecipient looks up a transfer target by referral code.
func ResolveRecipient(ctx context.Context, tx store.Users, sender domain.UserID, code string) (domain.User, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.User{}, fmt.Errorf("%w: recipient code required", domain.ErrBadRequest)
	}
	recipient, err := tx.UserByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.User{}, fmt.Errorf("recipient %q: %w", code, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, err
	}
	if recipient.ID == sender {
		return domain.User{}, fmt.Errorf("%w: cannot transfer to yourself", domain.ErrBadRequest)
	}
	return recipient, nil
}

// TransferTx posts the debit/credit pair inside tx. Wallets are locked in
// ascending user order so two opposite transfers cannot deadlock. ref keys
// both entries; a repeated ref returns the first pair.
func (l *Ledger) TransferTx(ctx context.Context, tx store.Tx, sender, recipient domain.UserID, amount money.Amount, ref string) (TransferResult, error) {
	if sender == recipient {
		return TransferResult{}, fmt.Errorf("%w: cannot transfer to yourself", domain.ErrBadRequest)
	}
	if amount <= 0 {
		return TransferResult{}, &domain.InvalidAmountError{Amount: amount}
	}
	first, second := sender, recipient
	if second < first {
		first, second = second, first
	}
	if _, err := tx.LockWallet(ctx, first, domain.WalletPackage); err != nil {
		return TransferResult{}, err
	}
	if _, err := tx.LockWallet(ctx, second, domain.WalletPackage); err != nil {
		return TransferResult{}, err
	}

	var outKey, inKey string
	if ref != "" {
		outKey, inKey = "transfer:"+ref+":out", "transfer:"+ref+":in"
	}
	out, err := l.PostCompletedTx(ctx, tx, Posting{
		UserID:         sender,
		Wallet:         domain.WalletPackage,
		Amount:         amount,
		Direction:      domain.Debit,
		Source:         domain.SourceTransferOut,
		Description:    fmt.Sprintf("transfer to user %d", recipient),
		OriginUser:     recipient,
		IdempotencyKey: outKey,
	})
	dup := errors.Is(err, domain.ErrDuplicateBonus)
	if err != nil && !dup {
		return TransferResult{}, err
	}
	in, err := l.PostCompletedTx(ctx, tx, Posting{
		UserID:         recipient,
		Wallet:         domain.WalletPackage,
		Amount:         amount,
		Direction:      domain.Credit,
		Source:         domain.SourceTransferIn,
		Description:    fmt.Sprintf("transfer from user %d", sender),
		OriginUser:     sender,
		IdempotencyKey: inKey,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicateBonus) {
		return TransferResult{}, err
	}
	if !dup {
		l.log.WithFields(logrus.Fields{
			"from": sender, "to": recipient, "amount": amount.String(), "ref": ref,
		}).Info("transfer posted")
	}
	return TransferResult{Out: out, In: in}, nil
}
