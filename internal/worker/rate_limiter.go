package worker

import (
	"context"
	"sync"

	"github.com/ignite/mailroom/internal/store"
)

// sendAccounting is the slice of the store the limiter reads and writes.
type sendAccounting interface {
	CountSendsSince(ctx context.Context, tenantID, accountID string, since int64) (int, error)
	AppendSendLog(ctx context.Context, tenantID, accountID, messagePK string, ts int64) error
}

// rateWindow pairs an account limit field with its window length.
type rateWindow struct {
	limit  *int
	length int64
}

// RateLimiter enforces per-account send limits. Sustained rate comes
// from counting the persistent send log per window; burst parallelism
// is gated by an in-memory in-flight counter, so concurrent workers on
// the same account cannot all pass the check before any of them has
// logged a send. The lock is held across counting and reserving only,
// never across an SMTP transaction.
type RateLimiter struct {
	store sendAccounting

	mu       sync.Mutex
	inFlight map[string]int
}

// NewRateLimiter creates a rate limiter backed by the send log.
func NewRateLimiter(st sendAccounting) *RateLimiter {
	return &RateLimiter{
		store:    st,
		inFlight: make(map[string]int),
	}
}

func accountKey(tenantID, accountID string) string {
	return tenantID + "/" + accountID
}

// CheckAndPlan decides whether a send on the account may proceed now.
// It returns (0, false) and reserves an in-flight slot when the send is
// allowed; the caller must then call LogSend on success or ReleaseSlot
// on failure. When a window is full it returns the next window boundary
// and whether the account rejects instead of deferring, without
// reserving anything. Accounts with no limits always pass and never
// hold a slot.
func (r *RateLimiter) CheckAndPlan(ctx context.Context, now int64, acc *store.Account) (deferUntil int64, reject bool, err error) {
	if !acc.Limited() {
		return 0, false, nil
	}

	windows := []rateWindow{
		{acc.PerMinute, 60},
		{acc.PerHour, 3600},
		{acc.PerDay, 86400},
	}

	key := accountKey(acc.TenantID, acc.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range windows {
		if w.limit == nil || *w.limit <= 0 {
			continue
		}
		windowStart := (now / w.length) * w.length
		count, err := r.store.CountSendsSince(ctx, acc.TenantID, acc.ID, windowStart)
		if err != nil {
			return 0, false, err
		}
		if count+r.inFlight[key] >= *w.limit {
			boundary := (now/w.length + 1) * w.length
			return boundary, acc.Rejects(), nil
		}
	}

	r.inFlight[key]++
	return 0, false, nil
}

// LogSend releases the in-flight slot and appends the send to the
// persistent log so later windows count it. The row is written before
// the slot frees; a racing check may briefly see both, which only errs
// toward throttling.
func (r *RateLimiter) LogSend(ctx context.Context, tenantID, accountID, messagePK string, ts int64) error {
	err := r.store.AppendSendLog(ctx, tenantID, accountID, messagePK, ts)
	r.release(accountKey(tenantID, accountID))
	return err
}

// ReleaseSlot frees the in-flight slot without logging a send. Call it
// when a reserved send fails before the relay accepted the message.
func (r *RateLimiter) ReleaseSlot(tenantID, accountID string) {
	r.release(accountKey(tenantID, accountID))
}

func (r *RateLimiter) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.inFlight[key]; n > 1 {
		r.inFlight[key] = n - 1
	} else {
		delete(r.inFlight, key)
	}
}

// InFlight reports the reserved-slot count for an account, for tests
// and the status endpoint.
func (r *RateLimiter) InFlight(tenantID, accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[accountKey(tenantID, accountID)]
}
