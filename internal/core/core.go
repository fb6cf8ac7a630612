// Package core wires the mailroom service together: it owns the
// dispatcher and reporter loops, the SMTP connection pool, the writer
// lock that keeps deployments single-writer, and the control-command
// surface the HTTP API adapts. Commands validate input, drive the
// store and record themselves in the command audit log.
package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailroom/internal/config"
	"github.com/ignite/mailroom/internal/pkg/distlock"
	"github.com/ignite/mailroom/internal/pkg/logger"
	"github.com/ignite/mailroom/internal/smtppool"
	"github.com/ignite/mailroom/internal/store"
	"github.com/ignite/mailroom/internal/worker"
)

const (
	// WriterLockKey names the distributed lock that elects the single
	// dispatching instance.
	WriterLockKey = "mailroom-writer"

	// WriterLockTTL is the lock lease; the holder extends it at a third
	// of this period.
	WriterLockTTL = 30 * time.Second

	// auditRetention bounds the command audit log.
	auditRetention = 90 * 24 * time.Hour

	// maintenanceInterval paces the audit-log pruning sweep.
	maintenanceInterval = 6 * time.Hour
)

// ErrUnauthorized rejects API tokens that match neither the service
// token nor any tenant key.
var ErrUnauthorized = errors.New("invalid api token")

// ErrTenantScope refuses a tenant-scoped token that names another
// tenant, or an admin operation.
var ErrTenantScope = errors.New("token is not authorized for this tenant")

// CommandError marks operator mistakes: missing fields, unknown ids,
// oversized batches. Anything else coming out of a command is a
// service-side failure.
type CommandError struct {
	msg string
}

func (e *CommandError) Error() string { return e.msg }

// NewCommandError marks a failure as the caller's fault. The API layer
// maps these to 400 responses.
func NewCommandError(msg string) *CommandError {
	return &CommandError{msg: msg}
}

func cmdErr(format string, args ...interface{}) error {
	return NewCommandError(fmt.Sprintf(format, args...))
}

// Store is the full persistence surface the core consumes: the slices
// the background loops drive plus everything the control commands
// touch. *store.Store implements it; tests substitute an in-memory
// fake.
type Store interface {
	worker.DispatchStore
	worker.ReportStore

	InsertMessages(ctx context.Context, tenantID string, msgs []store.NewMessage, now int64) (store.InsertResult, error)
	DeleteMessages(ctx context.Context, tenantID string, ids []string) (removed, notFound, unauthorized []string, err error)
	ListMessages(ctx context.Context, tenantID string, pendingOnly bool, limit int) ([]store.Message, error)
	CountPendingFor(ctx context.Context, tenantID string, batchCode *string) (int, error)
	RemoveReportedBeforeFor(ctx context.Context, tenantID string, cutoff int64) (int64, error)

	AppendSendLog(ctx context.Context, tenantID, accountID, messagePK string, ts int64) error
	CountSendsSince(ctx context.Context, tenantID, accountID string, since int64) (int, error)

	PECAccountIDs(ctx context.Context, tenantID string) (map[string]bool, error)
	UpsertAccount(ctx context.Context, a *store.Account, now int64) error
	ListAccounts(ctx context.Context, tenantID string) ([]store.Account, error)
	DeleteAccount(ctx context.Context, tenantID, id string) error

	CreateTenant(ctx context.Context, t *store.Tenant, now int64) error
	UpdateTenant(ctx context.Context, t *store.Tenant, now int64) error
	DeleteTenant(ctx context.Context, id string) error
	SetSuspendedBatches(ctx context.Context, tenantID string, value *string, now int64) error
	SetTenantAPIKey(ctx context.Context, tenantID, keyHash string, expires, now int64) error
	RevokeTenantAPIKey(ctx context.Context, tenantID string, now int64) error
	LookupTenantByAPIKeyHash(ctx context.Context, keyHash string, now int64) (*store.Tenant, error)

	RecordExternalEvents(ctx context.Context, tenantID string, items []store.ExternalEvent) (accepted, notFound []string, err error)

	GetInstance(ctx context.Context) (*store.Instance, error)
	UpdateInstance(ctx context.Context, inst *store.Instance, now int64) error

	AppendCommand(ctx context.Context, entry *store.CommandEntry) error
	ListCommands(ctx context.Context, tenantID string, limit int) ([]store.CommandEntry, error)
	PruneCommandLog(ctx context.Context, before int64) (int64, error)
}

// Core is the assembled service. One Core runs per process; whether it
// actually dispatches depends on winning the writer lock.
type Core struct {
	cfg     *config.Config
	store   Store
	metrics *worker.Metrics
	limiter *worker.RateLimiter
	pool    *smtppool.Pool

	dispatcher *worker.Dispatcher
	reporter   *worker.Reporter
	results    *worker.ResultQueue

	// lock elects the dispatching instance. nil skips the election,
	// for single-instance deployments and tests.
	lock distlock.DistLock

	hasDefaultSMTP bool

	now       func() int64
	startedAt int64

	// active reports whether this instance holds the writer role.
	active atomic.Bool

	// resultsClaimed stops the internal drain once an embedder takes
	// over the result stream.
	resultsClaimed atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New assembles a Core over the given store. The SMTP pool, rate
// limiter, dispatcher and reporter are built from the config; the
// attachment resolver and writer lock are wired afterwards by the
// caller because they need external clients.
func New(cfg *config.Config, st Store) *Core {
	metrics := worker.NewMetrics()
	limiter := worker.NewRateLimiter(st)

	timeouts := smtppool.Timeouts{
		Connect: cfg.Pool.ConnectTimeout(),
		Login:   cfg.Pool.LoginTimeout(),
		Send:    cfg.Pool.SendTimeout(),
		Probe:   cfg.Pool.ProbeTimeout(),
	}
	pool := smtppool.New(smtppool.NewDialer(timeouts), cfg.Pool.TTL(), timeouts)

	dispatcher := worker.NewDispatcher(st, limiter, pool, metrics, worker.DispatcherConfig{
		LoopInterval:  cfg.Dispatch.Interval(),
		FetchBatch:    cfg.Dispatch.BatchSize,
		AccountBatch:  cfg.Dispatch.AccountBatchSize,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		MaxPerAccount: cfg.Dispatch.MaxPerAccount,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		RetryDelays:   cfg.Dispatch.RetryDelaysSeconds,
	})
	reporter := worker.NewReporter(st, metrics, worker.ReporterConfig{
		Interval:         cfg.Reporting.Interval(),
		BatchSize:        cfg.Reporting.BatchSize,
		RetentionSeconds: cfg.Reporting.RetentionSeconds,
		HTTPTimeout:      cfg.Reporting.HTTPTimeout(),
		GlobalSyncURL:    cfg.Reporting.GlobalSyncURL,
		ReportDeferred:   cfg.Reporting.ReportDeferred,
	})
	results := worker.NewResultQueue(cfg.Dispatch.ResultBuffer, cfg.Dispatch.ResultPublishTimeout())

	dispatcher.SetResults(results)
	dispatcher.SetReporterWake(reporter.WakeSignal())

	c := &Core{
		cfg:        cfg,
		store:      st,
		metrics:    metrics,
		limiter:    limiter,
		pool:       pool,
		dispatcher: dispatcher,
		reporter:   reporter,
		results:    results,
		now:        func() int64 { return time.Now().Unix() },
	}

	if cfg.DefaultSMTP.Configured() {
		useTLS := cfg.DefaultSMTP.UseTLS
		dispatcher.SetDefaultAccount(&store.Account{
			Host:     cfg.DefaultSMTP.Host,
			Port:     cfg.DefaultSMTP.Port,
			Username: cfg.DefaultSMTP.User,
			Password: cfg.DefaultSMTP.Password,
			UseTLS:   &useTLS,
		})
		c.hasDefaultSMTP = true
	}
	return c
}

// SetResolver wires the attachment resolver into the dispatch path.
func (c *Core) SetResolver(r worker.AttachmentResolver) {
	c.dispatcher.SetResolver(r)
}

// SetLock wires the writer lock. Create it with WriterLockKey and
// WriterLockTTL so the keeper's extend cadence matches the lease.
func (c *Core) SetLock(l distlock.DistLock) { c.lock = l }

// SetNowFunc overrides the clock everywhere, for tests.
func (c *Core) SetNowFunc(now func() int64) {
	c.now = now
	c.dispatcher.SetNowFunc(now)
	c.reporter.SetNowFunc(now)
}

// Active reports whether this instance holds the writer role and is
// running the dispatch and report loops.
func (c *Core) Active() bool { return c.active.Load() }

// Results hands the delivery result stream to the caller. Claim it
// before Start, or the internal drain keeps consuming alongside.
func (c *Core) Results() *worker.ResultQueue {
	c.resultsClaimed.Store(true)
	return c.results
}

// Start acquires the writer role and launches the background loops.
// When another instance already holds the lock this one comes up
// API-only: commands work, nothing dispatches.
func (c *Core) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("core already running")
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.startedAt = c.now()

	if c.lock != nil {
		acquired, err := c.lock.Acquire(c.ctx)
		if err != nil {
			c.abortStart()
			return fmt.Errorf("acquire writer lock: %w", err)
		}
		if !acquired {
			log.Printf("[Core] Writer lock held by another instance; serving API only")
			c.wg.Add(1)
			go c.maintenance()
			return nil
		}
	}
	c.active.Store(true)

	if err := c.dispatcher.Start(); err != nil {
		c.abortStart()
		return err
	}
	if err := c.reporter.Start(); err != nil {
		c.dispatcher.Stop()
		c.abortStart()
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pool.Run(c.ctx, c.cfg.Pool.CleanupInterval())
	}()

	if c.lock != nil {
		c.wg.Add(1)
		go c.keepLock()
	}

	c.wg.Add(1)
	go c.maintenance()

	log.Printf("[Core] Started as writer")
	return nil
}

// abortStart unwinds a failed Start so a later attempt is possible.
func (c *Core) abortStart() {
	c.cancel()
	c.active.Store(false)
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Stop halts the loops, drains in-flight work, closes the pool and
// releases the writer lock.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	log.Printf("[Core] Stopping...")
	wasActive := c.active.Load()
	if wasActive {
		c.dispatcher.Stop()
		c.reporter.Stop()
	}
	c.cancel()
	c.wg.Wait()
	c.pool.Close()

	if c.lock != nil && wasActive {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.lock.Release(ctx); err != nil {
			logger.Warn("writer lock release failed", "error", err.Error())
		}
	}
	c.active.Store(false)
	log.Printf("[Core] Stopped")
}

// keepLock extends the writer lease for as long as the loops run. A
// failed extend is an operator signal, not a shutdown: the advisory
// lock variant cannot fail, and a Redis blip usually heals before the
// lease lapses.
func (c *Core) keepLock() {
	defer c.wg.Done()
	t := time.NewTicker(WriterLockTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if err := c.lock.Extend(c.ctx, WriterLockTTL); err != nil && c.ctx.Err() == nil {
				logger.Warn("writer lock extend failed", "error", err.Error())
			}
		}
	}
}

// maintenance drains the result stream into debug logs and prunes the
// command audit log. Draining keeps a consumerless deployment from
// stalling publishers once the stream fills.
func (c *Core) maintenance() {
	defer c.wg.Done()
	t := time.NewTicker(maintenanceInterval)
	defer t.Stop()
	for {
		// A nil channel blocks forever: claimed streams are left to
		// their consumer.
		var drain <-chan worker.Result
		if !c.resultsClaimed.Load() {
			drain = c.results.C()
		}
		select {
		case <-c.ctx.Done():
			return
		case r := <-drain:
			logger.Debug("delivery result",
				"id", r.ID, "tenant", r.TenantID, "status", r.Status, "reason", r.Reason)
		case <-t.C:
			cutoff := c.now() - int64(auditRetention/time.Second)
			if n, err := c.store.PruneCommandLog(c.ctx, cutoff); err != nil {
				logger.Warn("command log prune failed", "error", err.Error())
			} else if n > 0 {
				logger.Info("pruned command log", "removed", n)
			}
		}
	}
}

// Authenticate resolves an API token to its scope. The service token
// grants global scope (empty tenant id); tenant keys scope to their
// tenant. Expired keys, keys of inactive tenants and unknown tokens
// all fail identically.
func (c *Core) Authenticate(ctx context.Context, token string) (tenantID string, err error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	if c.cfg.API.Token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.API.Token)) == 1 {
		return "", nil
	}
	t, err := c.store.LookupTenantByAPIKeyHash(ctx, HashAPIKey(token), c.now())
	if err != nil {
		if errors.Is(err, store.ErrTenantNotFound) {
			return "", ErrUnauthorized
		}
		return "", fmt.Errorf("token lookup: %w", err)
	}
	if !t.Active {
		return "", ErrUnauthorized
	}
	return t.ID, nil
}

// HashAPIKey maps a raw tenant API key to its stored form.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// newAPIKey mints a tenant key: 32 random bytes, URL-safe. Only the
// hash is ever persisted.
func newAPIKey() (raw, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashAPIKey(raw), nil
}

// audit records one state-changing command. Credentials never reach
// the log: callers pass pre-redacted request copies and responses.
func (c *Core) audit(ctx context.Context, command, tenantID string, req, res interface{}, cmdErr error) {
	status := 200
	var body interface{} = res
	if cmdErr != nil {
		status = 500
		var ce *CommandError
		if errors.As(cmdErr, &ce) {
			status = 400
		}
		body = map[string]interface{}{"ok": false, "error": cmdErr.Error()}
	} else if r, ok := res.(interface{ succeeded() bool }); ok && !r.succeeded() {
		status = 400
	}

	payload, err := json.Marshal(req)
	if err != nil {
		logger.Warn("command audit payload encode failed", "command", command, "error", err.Error())
		payload = nil
	}
	response, err := json.Marshal(body)
	if err != nil {
		logger.Warn("command audit response encode failed", "command", command, "error", err.Error())
		response = nil
	}
	entry := &store.CommandEntry{
		TS:       c.now(),
		Command:  command,
		TenantID: tenantID,
		Payload:  payload,
		Status:   status,
		Response: response,
	}
	if err := c.store.AppendCommand(ctx, entry); err != nil {
		logger.Warn("command audit append failed", "command", command, "error", err.Error())
	}
}

// refreshQueueGauge recounts pending messages after queue-shape
// changes so the metric tracks admissions and deletions, not only
// dispatch cycles.
func (c *Core) refreshQueueGauge(ctx context.Context) {
	n, err := c.store.CountPending(ctx)
	if err != nil {
		logger.Warn("queue gauge refresh failed", "error", err.Error())
		return
	}
	c.metrics.QueueDepth.Store(int64(n))
}

func (c *Core) publishResult(r worker.Result) {
	if c.results != nil {
		c.results.Publish(r)
	}
}
