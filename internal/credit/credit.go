// Package credit implements credit accounting: resolving a user's available
// balance for an API's credit group, deducting usage atomically after a
// successful dispatch, and selecting which (possibly rotating) upstream API
// key to send outbound, decrypting it from the vault just before use.
package credit

import (
	"context"
	"net/http"
	"time"

	"github.com/doorman/gateway/internal/counter"
	"github.com/doorman/gateway/internal/gwerrors"
	"github.com/doorman/gateway/internal/store"
	"github.com/doorman/gateway/internal/vault"
)

// Ledger implements the atomic post-dispatch deduction and pre-dispatch
// balance check, backed by the same distributed counter store rate-limiting
// uses, so a multi-worker deployment deducts credits correctly too.
type Ledger struct {
	facade store.Facade
	counts counter.Store
	master *vault.Master
}

// New builds a Ledger.
func New(facade store.Facade, counts counter.Store, master *vault.Master) *Ledger {
	return &Ledger{facade: facade, counts: counts, master: master}
}

func balanceKey(username, creditGroup string) string {
	return "credit:" + username + ":" + creditGroup
}

// PreCheck loads the user's entry for creditGroup and returns an error if it
// is missing or already exhausted. It does not deduct anything — deduction
// only happens after a successful dispatch (PostDeduct).
func (l *Ledger) PreCheck(ctx context.Context, username, creditGroup string) (*store.UserCreditEntry, error) {
	uc := &store.UserCredits{}
	if err := l.facade.FindOne(ctx, store.CollUserCredits, store.Filter{"Username": username}, uc); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CrdUserNotFound, http.StatusForbidden, "no credit record for user")
	}
	entry, ok := uc.Entries[creditGroup]
	if !ok {
		return nil, gwerrors.New(gwerrors.CrdNotFound, http.StatusForbidden, "no credit entry for this api's credit group")
	}
	remaining, err := l.remaining(ctx, username, creditGroup, entry)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, gwerrors.ErrInsufficientCredits
	}
	return entry, nil
}

// remaining combines the entry's stored AvailableCredits baseline with
// whatever has been deducted so far this reset period, tracked via the
// counter store so concurrent requests deduct correctly.
func (l *Ledger) remaining(ctx context.Context, username, creditGroup string, entry *store.UserCreditEntry) (int64, error) {
	used, err := l.counts.Get(ctx, balanceKey(username, creditGroup))
	if err != nil {
		return 0, gwerrors.Wrap(err, gwerrors.IseInternalError, http.StatusInternalServerError, "credit balance lookup failed")
	}
	return entry.AvailableCredits - used, nil
}

// PostDeduct atomically records usage against the user's credit-group
// balance after a dispatch completes with an HTTP status below 500 (failed
// dispatches to the upstream are not charged). amount is the number of
// credits to deduct; the request pipeline passes 1 per charged call.
func (l *Ledger) PostDeduct(ctx context.Context, username, creditGroup string, amount int64, resetDate time.Time) error {
	ttl := int64(time.Until(resetDate) / time.Second)
	if ttl <= 0 {
		ttl = int64(24 * time.Hour / time.Second)
	}
	_, err := l.counts.Incr(ctx, balanceKey(username, creditGroup), amount, ttl)
	return err
}

// ShouldCharge reports whether a dispatch outcome should be charged: any
// response status under 500 counts as a successful call for billing
// purposes, matching the component's "charge regardless of 4xx, not on 5xx"
// rule.
func ShouldCharge(status int) bool { return status < 500 }

// OutboundKey selects and decrypts the API key to send outbound for a credit
// group, honoring the two-key rotation grace window: during
// [rotation_start, rotation_expires) either key works but the newer key is
// preferred; before the window only the primary key is valid; at/after
// expiry only the new key is valid.
func (l *Ledger) OutboundKey(def *store.CreditDefinition) ([]byte, error) {
	now := time.Now()
	switch def.State(now) {
	case store.RotationComplete:
		return l.master.OpenGroup(def.APICreditGroup, def.EncryptedAPIKeyNew)
	case store.RotationGrace:
		if key, err := l.master.OpenGroup(def.APICreditGroup, def.EncryptedAPIKeyNew); err == nil {
			return key, nil
		}
		return l.master.OpenGroup(def.APICreditGroup, def.EncryptedAPIKey)
	default:
		return l.master.OpenGroup(def.APICreditGroup, def.EncryptedAPIKey)
	}
}
