package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailroom/internal/attachment"
	"github.com/ignite/mailroom/internal/mail"
	"github.com/ignite/mailroom/internal/pkg/logger"
	"github.com/ignite/mailroom/internal/smtppool"
	"github.com/ignite/mailroom/internal/store"
)

// Dispatch loop defaults.
const (
	DefaultLoopInterval  = 500 * time.Millisecond
	DefaultFetchBatch    = 10000
	DefaultAccountBatch  = 50
	DefaultMaxConcurrent = 10
	DefaultMaxPerAccount = 3
	DefaultMaxRetries    = 5
)

// DefaultRetryDelays is the backoff ladder between delivery attempts in
// seconds. Attempts past the last rung reuse it.
var DefaultRetryDelays = []int{60, 300, 900, 3600, 7200}

// DispatchStore is the slice of the store the dispatcher drives.
// Implementations must be safe for concurrent use.
type DispatchStore interface {
	FetchReady(ctx context.Context, now int64, limit int, f store.ReadyFilter) ([]store.Message, error)
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	GetAccount(ctx context.Context, tenantID, id string) (*store.Account, error)
	MarkSent(ctx context.Context, pk string, ts int64) error
	MarkError(ctx context.Context, pk string, ts int64, description string) error
	SetDeferred(ctx context.Context, pk string, until, now int64, reason string, payload json.RawMessage) error
	ClearDeferred(ctx context.Context, pk string, now int64) error
	CountPending(ctx context.Context) (int, error)
}

// Sender hands a built message to a relay. The production implementation
// is the SMTP pool; tests substitute an in-memory relay.
type Sender interface {
	Send(ctx context.Context, worker string, p smtppool.Params, from string, rcpts []string, data []byte) error
}

// AttachmentResolver turns attachment descriptors into MIME-ready parts.
type AttachmentResolver interface {
	Resolve(ctx context.Context, req attachment.Request, atts []mail.Attachment) ([]mail.ResolvedAttachment, error)
}

// DispatcherConfig tunes the dispatch loop. Zero values select the
// package defaults; a negative LoopInterval makes the loop run only on
// explicit wake signals, which is how tests drive it.
type DispatcherConfig struct {
	LoopInterval  time.Duration
	FetchBatch    int
	AccountBatch  int
	MaxConcurrent int
	MaxPerAccount int
	MaxRetries    int
	RetryDelays   []int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.LoopInterval == 0 {
		c.LoopInterval = DefaultLoopInterval
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = DefaultFetchBatch
	}
	if c.AccountBatch <= 0 {
		c.AccountBatch = DefaultAccountBatch
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerAccount <= 0 {
		c.MaxPerAccount = DefaultMaxPerAccount
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	return c
}

// per-message outcome, used for cycle accounting.
type dispatchOutcome int

const (
	outcomeSkipped dispatchOutcome = iota // store hiccup, retried next cycle
	outcomeSent
	outcomeErrored
	outcomeDeferred
)

// Dispatcher drains the ready queue: it fetches eligible messages,
// applies rate-limit admission, builds the MIME document, hands it to
// the relay pool and records the outcome event, scheduling retries for
// transient failures. One instance runs per deployment; the store's
// suspension filter and the limiter's in-flight counter assume a single
// writer.
type Dispatcher struct {
	store    DispatchStore
	limiter  *RateLimiter
	sender   Sender
	resolver AttachmentResolver
	metrics  *Metrics
	results  *ResultQueue

	cfg DispatcherConfig
	now func() int64

	// defaultSMTP serves messages submitted without an account when the
	// service is configured with a fallback relay.
	defaultSMTP *store.Account

	// tokens carries the worker identities and doubles as the global
	// send semaphore. Identities persist across cycles so the pool can
	// reuse each worker's connection.
	tokens chan string

	wake         *Wake
	reporterWake *Wake

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewDispatcher creates a dispatcher over the given store, limiter and
// relay. Metrics may be shared with the reporter.
func NewDispatcher(st DispatchStore, limiter *RateLimiter, sender Sender, metrics *Metrics, cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:   st,
		limiter: limiter,
		sender:  sender,
		metrics: metrics,
		cfg:     cfg,
		now:     func() int64 { return time.Now().Unix() },
		tokens:  make(chan string, cfg.MaxConcurrent),
		wake:    NewWake(),
	}
	for i := 0; i < cfg.MaxConcurrent; i++ {
		d.tokens <- "worker-" + uuid.New().String()[:8]
	}
	return d
}

// SetResolver wires the attachment resolver. Without one, messages that
// carry attachments fail permanently.
func (d *Dispatcher) SetResolver(r AttachmentResolver) { d.resolver = r }

// SetResults wires the delivery-result stream.
func (d *Dispatcher) SetResults(q *ResultQueue) { d.results = q }

// SetReporterWake wires the reporter's wake signal, fired whenever a
// cycle produced reportable events.
func (d *Dispatcher) SetReporterWake(w *Wake) { d.reporterWake = w }

// SetDefaultAccount configures the fallback relay for messages that
// were submitted without an account_id.
func (d *Dispatcher) SetDefaultAccount(acc *store.Account) { d.defaultSMTP = acc }

// SetNowFunc overrides the clock, for tests.
func (d *Dispatcher) SetNowFunc(now func() int64) { d.now = now }

// Wake schedules an immediate cycle. Safe from any goroutine.
func (d *Dispatcher) Wake() { d.wake.Set() }

// Start launches the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Printf("[Dispatcher] Starting (interval=%v, batch=%d, concurrency=%d global / %d per account)",
		d.cfg.LoopInterval, d.cfg.FetchBatch, d.cfg.MaxConcurrent, d.cfg.MaxPerAccount)

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop halts the loop and waits for in-flight dispatches to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	log.Printf("[Dispatcher] Stopping...")
	d.cancel()
	d.wg.Wait()
	log.Printf("[Dispatcher] Stopped. Sent: %d, Errors: %d, Deferred: %d",
		d.metrics.Sent.Load(), d.metrics.Errors.Load(), d.metrics.Deferred.Load())
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		// In wake-driven mode nothing runs until a signal arrives.
		if d.cfg.LoopInterval <= 0 {
			d.wake.Wait(d.ctx, 0)
		}
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		sent, terminal, err := d.ProcessCycle(d.ctx)
		if err != nil && d.ctx.Err() == nil {
			log.Printf("[Dispatcher] Cycle failed: %v", err)
		}
		if terminal > 0 && d.reporterWake != nil {
			d.reporterWake.Set()
		}
		if sent > 0 {
			// New capacity may have opened up behind this batch.
			d.wake.Set()
		}

		if d.cfg.LoopInterval > 0 {
			d.wake.Wait(d.ctx, d.cfg.LoopInterval)
		}
	}
}

// ProcessCycle runs one dispatch pass: fetch ready messages, group them
// by account, cap each group to its batch size and send the survivors
// in parallel. It returns how many messages were sent and how many
// reached any terminal state (sent or error).
func (d *Dispatcher) ProcessCycle(ctx context.Context) (sent, terminal int, err error) {
	now := d.now()
	d.metrics.Cycles.Add(1)

	msgs, err := d.store.FetchReady(ctx, now, d.cfg.FetchBatch, store.ReadyFilter{})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch ready: %w", err)
	}
	d.refreshQueueGauge(ctx)
	if len(msgs) == 0 {
		return 0, 0, nil
	}

	type group struct {
		tenantID  string
		accountID string
		msgs      []store.Message
	}
	byAccount := make(map[string]*group)
	var order []*group
	for _, m := range msgs {
		key := m.TenantID + "/" + m.AccountID
		g, ok := byAccount[key]
		if !ok {
			g = &group{tenantID: m.TenantID, accountID: m.AccountID}
			byAccount[key] = g
			order = append(order, g)
		}
		g.msgs = append(g.msgs, m)
	}

	var sentCount, errorCount, deferredCount atomic.Int64
	var wg sync.WaitGroup
	started := time.Now()

	for _, g := range order {
		acc, failReason, lookupErr := d.accountFor(ctx, g.tenantID, g.accountID)
		if lookupErr != nil {
			logger.Warn("account lookup failed, holding batch for next cycle",
				"tenant", g.tenantID, "account", g.accountID, "error", lookupErr.Error())
			continue
		}
		if failReason != "" {
			// Unresolvable configuration is terminal for every message
			// in the group; no SMTP work, so no cap applies.
			for i := range g.msgs {
				if out := d.failMessage(ctx, &g.msgs[i], now, failReason); out == outcomeErrored {
					errorCount.Add(1)
				}
			}
			continue
		}

		batch := g.msgs
		if limit := accountBatchSize(acc, d.cfg.AccountBatch); len(batch) > limit {
			// The tail stays untouched and is re-selected next cycle.
			batch = batch[:limit]
		}

		slots := make(chan struct{}, d.cfg.MaxPerAccount)
		for i := range batch {
			m := batch[i]
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case slots <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-slots }()

				var token string
				select {
				case token = <-d.tokens:
				case <-ctx.Done():
					return
				}
				defer func() { d.tokens <- token }()

				switch d.dispatchMessage(ctx, &m, acc, token) {
				case outcomeSent:
					sentCount.Add(1)
				case outcomeErrored:
					errorCount.Add(1)
				case outcomeDeferred:
					deferredCount.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	sent = int(sentCount.Load())
	terminal = sent + int(errorCount.Load())
	if terminal > 0 || deferredCount.Load() > 0 {
		log.Printf("[Dispatcher] Cycle: %d ready, %d sent, %d errors, %d deferred (%.2fs)",
			len(msgs), sent, errorCount.Load(), deferredCount.Load(), time.Since(started).Seconds())
	}
	return sent, terminal, nil
}

// accountFor resolves the relay for one account group. A non-empty
// failReason is a terminal configuration error for the whole group; err
// is a transient store failure.
func (d *Dispatcher) accountFor(ctx context.Context, tenantID, accountID string) (acc *store.Account, failReason string, err error) {
	if accountID == "" {
		if d.defaultSMTP != nil {
			return d.defaultSMTP, "", nil
		}
		return nil, "missing_account_configuration", nil
	}
	acc, err = d.store.GetAccount(ctx, tenantID, accountID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, "account not found", nil
	}
	if err != nil {
		return nil, "", err
	}
	d.applyTenantLimits(ctx, acc)
	return acc, "", nil
}

// applyTenantLimits fills an account's unset hour and day caps from the
// tenant's default rate limits. An explicit zero on the account stays
// unlimited; only absent limits inherit.
func (d *Dispatcher) applyTenantLimits(ctx context.Context, acc *store.Account) {
	if acc.PerHour != nil && acc.PerDay != nil {
		return
	}
	tenant, err := d.store.GetTenant(ctx, acc.TenantID)
	if err != nil || tenant.Config.RateLimits == nil {
		return
	}
	rl := tenant.Config.RateLimits
	if acc.PerHour == nil && rl.Hourly > 0 {
		v := rl.Hourly
		acc.PerHour = &v
	}
	if acc.PerDay == nil && rl.Daily > 0 {
		v := rl.Daily
		acc.PerDay = &v
	}
}

func accountBatchSize(acc *store.Account, fallback int) int {
	if acc.BatchSize != nil && *acc.BatchSize > 0 {
		return *acc.BatchSize
	}
	return fallback
}

// dispatchMessage runs the full state machine for one message: rate
// admission, payload parse, attachment resolution, MIME build, relay
// handoff, outcome record.
func (d *Dispatcher) dispatchMessage(ctx context.Context, m *store.Message, acc *store.Account, token string) dispatchOutcome {
	now := d.now()

	// Admission. Only stored accounts carry limits; the fallback relay
	// bypasses the limiter entirely.
	limited := m.AccountID != ""
	if limited {
		deferUntil, reject, err := d.limiter.CheckAndPlan(ctx, now, acc)
		if err != nil {
			logger.Warn("rate check failed", "message", m.ID, "error", err.Error())
			return outcomeSkipped
		}
		if reject {
			d.metrics.RateLimited.Add(1)
			return d.failMessage(ctx, m, now, "rate_limit_exceeded")
		}
		if deferUntil > 0 {
			d.metrics.RateLimited.Add(1)
			logger.Debug("rate limit hit, deferring",
				"tenant", m.TenantID, "account", m.AccountID, "message", m.ID, "until", deferUntil)
			return d.deferMessage(ctx, m, deferUntil, now, "rate_limit", nil)
		}
	}
	// A reserved slot must be released on every path that does not log
	// a completed send.
	release := func() {
		if limited {
			d.limiter.ReleaseSlot(m.TenantID, m.AccountID)
		}
	}

	if m.DeferredTS != nil {
		if err := d.store.ClearDeferred(ctx, m.PK, now); err != nil {
			logger.Warn("clear deferral failed", "message", m.ID, "error", err.Error())
			release()
			return outcomeSkipped
		}
	}

	payload, err := mail.ParsePayload(m.Payload)
	if err != nil {
		release()
		return d.failMessage(ctx, m, now, fmt.Sprintf("invalid payload: %v", err))
	}

	var atts []mail.ResolvedAttachment
	if len(payload.Attachments) > 0 {
		atts, err = d.resolveAttachments(ctx, m, payload.Attachments)
		if err != nil {
			// Attachment sources are the tenant's responsibility; a
			// fetch failure does not retry.
			release()
			return d.failMessage(ctx, m, now, fmt.Sprintf("attachment: %v", err))
		}
	}

	envFrom, rcpts, data, err := mail.Build(payload, atts)
	if err != nil {
		release()
		return d.failMessage(ctx, m, now, fmt.Sprintf("build: %v", err))
	}

	sendErr := d.sender.Send(ctx, token, poolParams(acc), envFrom, rcpts, data)
	now = d.now()
	if sendErr == nil {
		if err := d.store.MarkSent(ctx, m.PK, now); err != nil {
			// The relay accepted the message but the record failed; the
			// row stays pending and may be re-sent next cycle.
			log.Printf("[Dispatcher] CRITICAL: message %s sent but not recorded: %v", m.PK, err)
		}
		if limited {
			if err := d.limiter.LogSend(ctx, m.TenantID, m.AccountID, m.PK, now); err != nil {
				logger.Warn("send log append failed", "message", m.ID, "error", err.Error())
			}
		}
		d.metrics.Sent.Add(1)
		d.publish(Result{PK: m.PK, ID: m.ID, TenantID: m.TenantID, Status: "sent", TS: now})
		logger.Debug("message sent", "tenant", m.TenantID, "message", m.ID, "account", m.AccountID)
		return outcomeSent
	}

	release()
	temporary, code := classifySendError(sendErr)
	if temporary && payload.RetryCount < d.cfg.MaxRetries {
		newPayload, attempt, bumpErr := mail.BumpRetryCount(m.Payload)
		if bumpErr != nil {
			return d.failMessage(ctx, m, now, fmt.Sprintf("retry bookkeeping: %v", bumpErr))
		}
		delay := retryDelay(payload.RetryCount, d.cfg.RetryDelays)
		reason := fmt.Sprintf("retry %d/%d: %v", attempt, d.cfg.MaxRetries, sendErr)
		logger.Debug("transient failure, retrying",
			"tenant", m.TenantID, "message", m.ID, "attempt", attempt, "delay_s", delay)
		return d.deferMessage(ctx, m, now+int64(delay), now, reason, newPayload)
	}

	reason := sendErr.Error()
	if code != 0 {
		reason = fmt.Sprintf("SMTP %d: %v", code, sendErr)
	}
	if temporary {
		reason = fmt.Sprintf("Max retries (%d) exceeded: %s", d.cfg.MaxRetries, reason)
	}
	logger.Warn("delivery failed",
		"tenant", m.TenantID, "message", m.ID, "account", m.AccountID, "error", reason)
	return d.failMessage(ctx, m, now, reason)
}

func (d *Dispatcher) resolveAttachments(ctx context.Context, m *store.Message, atts []mail.Attachment) ([]mail.ResolvedAttachment, error) {
	if d.resolver == nil {
		return nil, fmt.Errorf("attachment fetching not configured")
	}
	var req attachment.Request
	tenant, err := d.store.GetTenant(ctx, m.TenantID)
	if err == nil {
		req.Endpoint = tenant.AttachmentURL()
		req.Auth = tenant.ClientAuth
		req.LargeFiles = tenant.Config.LargeFiles
	} else if !errors.Is(err, store.ErrTenantNotFound) {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}
	return d.resolver.Resolve(ctx, req, atts)
}

// failMessage records a permanent failure and publishes the result.
func (d *Dispatcher) failMessage(ctx context.Context, m *store.Message, now int64, reason string) dispatchOutcome {
	if err := d.store.MarkError(ctx, m.PK, now, reason); err != nil {
		log.Printf("[Dispatcher] Failed to record error for %s: %v", m.PK, err)
		return outcomeSkipped
	}
	d.metrics.Errors.Add(1)
	d.publish(Result{PK: m.PK, ID: m.ID, TenantID: m.TenantID, Status: "error", Reason: reason, TS: now})
	return outcomeErrored
}

// deferMessage parks the message until a later cycle. A non-nil payload
// persists retry bookkeeping in the same transaction.
func (d *Dispatcher) deferMessage(ctx context.Context, m *store.Message, until, now int64, reason string, payload json.RawMessage) dispatchOutcome {
	if err := d.store.SetDeferred(ctx, m.PK, until, now, reason, payload); err != nil {
		log.Printf("[Dispatcher] Failed to defer %s: %v", m.PK, err)
		return outcomeSkipped
	}
	d.metrics.Deferred.Add(1)
	return outcomeDeferred
}

func (d *Dispatcher) publish(r Result) {
	if d.results != nil {
		d.results.Publish(r)
	}
}

func (d *Dispatcher) refreshQueueGauge(ctx context.Context) {
	n, err := d.store.CountPending(ctx)
	if err != nil {
		return
	}
	d.metrics.QueueDepth.Store(int64(n))
}

func poolParams(acc *store.Account) smtppool.Params {
	p := smtppool.Params{
		Host:     acc.Host,
		Port:     acc.Port,
		Username: acc.Username,
		Password: acc.Password,
		UseTLS:   acc.TLSEnabled(),
	}
	if acc.TTLSeconds != nil {
		p.TTLSeconds = *acc.TTLSeconds
	}
	return p
}
