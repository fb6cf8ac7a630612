package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailroom/internal/pkg/logger"
	"github.com/ignite/mailroom/internal/store"
)

// Report loop defaults.
const (
	DefaultReportInterval   = 300 * time.Second
	DefaultReportBatch      = 10000
	DefaultReportTimeout    = 30 * time.Second
	DefaultRetentionSeconds = 604800

	// sendLogRetention keeps rate accounting covering the longest
	// window (one day).
	sendLogRetention = 86400
)

// ReportStore is the slice of the store the reporter drains.
type ReportStore interface {
	FetchUnreportedEvents(ctx context.Context, limit int) ([]store.Event, error)
	MarkEventsReported(ctx context.Context, eventIDs []int64, ts int64) error
	GetTenant(ctx context.Context, id string) (*store.Tenant, error)
	ListTenants(ctx context.Context) ([]store.Tenant, error)
	RemoveReportedBefore(ctx context.Context, cutoff int64) (int64, error)
	PruneSendLog(ctx context.Context, before int64) (int64, error)
}

// ReporterConfig tunes the report loop. Zero values select the package
// defaults; a negative Interval makes the loop run only on explicit
// wake signals, which is how tests drive it.
type ReporterConfig struct {
	Interval         time.Duration
	BatchSize        int
	RetentionSeconds int // negative disables retention
	HTTPTimeout      time.Duration
	GlobalSyncURL    string
	// ReportDeferred includes deferral events in tenant payloads.
	// Deferrals are internal flow control, so this is off by default.
	ReportDeferred bool
}

func (c ReporterConfig) withDefaults() ReporterConfig {
	if c.Interval == 0 {
		c.Interval = DefaultReportInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultReportBatch
	}
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = DefaultRetentionSeconds
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultReportTimeout
	}
	return c
}

// syncResponse is what a tenant endpoint answers a delivery report
// with. Any decodable 2xx body acknowledges the batch; SnoozeUntil asks
// the reporter to hold empty pings until the given instant.
type syncResponse struct {
	OK          bool     `json:"ok"`
	Queued      int      `json:"queued"`
	Error       []string `json:"error,omitempty"`
	NotFound    []string `json:"not_found,omitempty"`
	SnoozeUntil int64    `json:"snooze_until,omitempty"`
}

// TenantSyncStatus is one tenant's reporting state, as returned by the
// sync-status command.
type TenantSyncStatus struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Active        bool   `json:"active"`
	ClientBaseURL string `json:"client_base_url,omitempty"`
	LastSyncTS    *int64 `json:"last_sync_ts"`
	NextSyncDue   bool   `json:"next_sync_due"`
	InDND         bool   `json:"in_dnd"`
}

// Reporter pushes unreported delivery events to tenant callback
// endpoints, acknowledges them, and runs retention. Events reach a
// tenant at least once; the tenant's response acknowledges the batch
// and idempotence is the tenant's side of the contract.
type Reporter struct {
	store   ReportStore
	metrics *Metrics
	client  *http.Client
	cfg     ReporterConfig
	now     func() int64

	active atomic.Bool

	// lastSync holds per-tenant sync instants; a future value means the
	// tenant asked not to be pinged until then.
	syncMu       sync.Mutex
	lastSync     map[string]int64
	runNowTenant string

	wake *Wake

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewReporter creates a reporter over the given store. Metrics may be
// shared with the dispatcher.
func NewReporter(st ReportStore, metrics *Metrics, cfg ReporterConfig) *Reporter {
	cfg = cfg.withDefaults()
	r := &Reporter{
		store:    st,
		metrics:  metrics,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:      cfg,
		now:      func() int64 { return time.Now().Unix() },
		lastSync: make(map[string]int64),
		wake:     NewWake(),
	}
	r.active.Store(true)
	return r
}

// SetNowFunc overrides the clock, for tests.
func (r *Reporter) SetNowFunc(now func() int64) { r.now = now }

// SetActive pauses or resumes report cycles without stopping the loop.
func (r *Reporter) SetActive(v bool) { r.active.Store(v) }

// Wake schedules an immediate report cycle. Safe from any goroutine.
func (r *Reporter) Wake() { r.wake.Set() }

// WakeSignal exposes the wake handle so the dispatcher can nudge the
// reporter after terminal outcomes.
func (r *Reporter) WakeSignal() *Wake { return r.wake }

// RunNow forces the next cycle to sync one tenant (or all, when id is
// empty), clearing any snooze the tenant had requested.
func (r *Reporter) RunNow(tenantID string) {
	if tenantID != "" {
		r.syncMu.Lock()
		r.lastSync[tenantID] = 0
		r.runNowTenant = tenantID
		r.syncMu.Unlock()
	}
	r.wake.Set()
}

// Start launches the report loop.
func (r *Reporter) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reporter already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.mu.Unlock()

	log.Printf("[Reporter] Starting (interval=%v, batch=%d, retention=%ds)",
		r.cfg.Interval, r.cfg.BatchSize, r.cfg.RetentionSeconds)

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	log.Printf("[Reporter] Stopping...")
	r.cancel()
	r.wg.Wait()
	log.Printf("[Reporter] Stopped. Reported: %d events", r.metrics.Reported.Load())
}

func (r *Reporter) loop() {
	defer r.wg.Done()

	for {
		if r.cfg.Interval <= 0 {
			r.wake.Wait(r.ctx, 0)
		}
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		queued, err := r.ProcessCycle(r.ctx)
		if err != nil && r.ctx.Err() == nil {
			log.Printf("[Reporter] Cycle failed: %v", err)
		}
		if queued > 0 {
			// The tenant handed us fresh work during the sync; loop
			// again without waiting.
			logger.Debug("tenants queued messages during sync", "queued", queued)
			continue
		}

		if r.cfg.Interval > 0 {
			r.wake.Wait(r.ctx, r.cfg.Interval)
		}
	}
}

// ProcessCycle runs one report pass and returns how many messages
// tenants queued in response, which drives adaptive polling.
func (r *Reporter) ProcessCycle(ctx context.Context) (int, error) {
	if !r.active.Load() {
		return 0, nil
	}
	now := r.now()
	target := r.takeRunNowTenant()

	events, err := r.store.FetchUnreportedEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unreported events: %w", err)
	}

	// Housekeeping events never leave the service; acknowledge them
	// here so retention can clear their messages.
	var internal []int64
	var outbound []store.Event
	for _, e := range events {
		if r.internalEvent(e.Type) {
			internal = append(internal, e.EventID)
		} else {
			outbound = append(outbound, e)
		}
	}
	if len(internal) > 0 {
		if err := r.store.MarkEventsReported(ctx, internal, now); err != nil {
			return 0, fmt.Errorf("ack internal events: %w", err)
		}
	}

	if len(outbound) == 0 {
		queued := r.pingTenants(ctx, target, now)
		r.applyRetention(ctx)
		return queued, nil
	}

	byTenant := make(map[string][]store.Event)
	var order []string
	for _, e := range outbound {
		if _, ok := byTenant[e.TenantID]; !ok {
			order = append(order, e.TenantID)
		}
		byTenant[e.TenantID] = append(byTenant[e.TenantID], e)
	}

	totalQueued := 0
	var acked []int64
	for _, tid := range order {
		group := byTenant[tid]
		tenant, err := r.store.GetTenant(ctx, tid)
		if err != nil {
			logger.Warn("tenant lookup failed, holding reports",
				"tenant", tid, "events", len(group), "error", err.Error())
			continue
		}
		url := tenant.SyncURL()
		if url == "" {
			url = r.cfg.GlobalSyncURL
		}
		if url == "" {
			logger.Warn("no sync URL for tenant, holding reports",
				"tenant", tid, "events", len(group))
			continue
		}

		payloads := make([]map[string]interface{}, 0, len(group))
		for i := range group {
			payloads = append(payloads, eventPayload(&group[i]))
		}
		queued, err := r.post(ctx, url, tenant, payloads)
		if err != nil {
			// Nothing acked; the whole group retries next cycle.
			logger.Warn("delivery report failed",
				"tenant", tid, "events", len(group), "error", err.Error())
			continue
		}
		totalQueued += queued
		for _, e := range group {
			acked = append(acked, e.EventID)
		}
		r.markSynced(tid, now)
	}

	if len(acked) > 0 {
		if err := r.store.MarkEventsReported(ctx, acked, r.now()); err != nil {
			return totalQueued, fmt.Errorf("mark events reported: %w", err)
		}
		r.metrics.Reported.Add(int64(len(acked)))
	}
	r.applyRetention(ctx)
	return totalQueued, nil
}

// pingTenants POSTs empty delivery reports so tenants can hand back new
// work even when nothing is pending on our side. With a run-now target
// only that tenant is called; otherwise every active, due tenant with a
// sync URL plus the global endpoint.
func (r *Reporter) pingTenants(ctx context.Context, target string, now int64) int {
	total := 0
	if target != "" {
		tenant, err := r.store.GetTenant(ctx, target)
		if err != nil || !tenant.Active {
			return 0
		}
		url := tenant.SyncURL()
		if url == "" {
			url = r.cfg.GlobalSyncURL
		}
		if url == "" {
			return 0
		}
		queued, err := r.post(ctx, url, tenant, nil)
		if err != nil {
			logger.Warn("sync ping failed", "tenant", target, "error", err.Error())
			return 0
		}
		r.markSynced(target, now)
		return queued
	}

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		logger.Warn("tenant list failed", "error", err.Error())
		return 0
	}
	for i := range tenants {
		t := &tenants[i]
		if !t.Active || t.SyncURL() == "" {
			continue
		}
		if !r.due(t.ID, now) {
			continue
		}
		queued, err := r.post(ctx, t.SyncURL(), t, nil)
		if err != nil {
			logger.Warn("sync ping failed", "tenant", t.ID, "error", err.Error())
			continue
		}
		r.markSynced(t.ID, now)
		total += queued
	}
	if r.cfg.GlobalSyncURL != "" {
		queued, err := r.post(ctx, r.cfg.GlobalSyncURL, nil, nil)
		if err != nil {
			logger.Warn("global sync ping failed", "error", err.Error())
		} else {
			total += queued
		}
	}
	return total
}

// post sends one delivery-report batch. A nil error means the batch is
// acknowledged: the endpoint answered 2xx, JSON or not.
func (r *Reporter) post(ctx context.Context, url string, tenant *store.Tenant, payloads []map[string]interface{}) (int, error) {
	if payloads == nil {
		payloads = []map[string]interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{"delivery_report": payloads})
	if err != nil {
		return 0, fmt.Errorf("encode report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != nil {
		switch tenant.ClientAuth.Method {
		case store.AuthBearer:
			if tenant.ClientAuth.Token != "" {
				req.Header.Set("Authorization", "Bearer "+tenant.ClientAuth.Token)
			}
		case store.AuthBasic:
			req.SetBasicAuth(tenant.ClientAuth.User, tenant.ClientAuth.Password)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("sync endpoint returned %s", resp.Status)
	}

	var sr syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		// A 2xx without JSON still acknowledges the batch; endpoints
		// must answer JSON to signal per-message trouble.
		tid := "global"
		if tenant != nil {
			tid = tenant.ID
		}
		logger.Warn("non-JSON sync response, acknowledging batch anyway",
			"tenant", tid, "status", resp.Status)
		return 0, nil
	}
	if tenant != nil && sr.SnoozeUntil > r.now() {
		r.snooze(tenant.ID, sr.SnoozeUntil)
		logger.Debug("tenant snoozed sync pings", "tenant", tenant.ID, "until", sr.SnoozeUntil)
	}
	if len(sr.Error) > 0 || len(sr.NotFound) > 0 {
		tid := "global"
		if tenant != nil {
			tid = tenant.ID
		}
		logger.Warn("tenant flagged delivery reports",
			"tenant", tid, "errors", len(sr.Error), "not_found", len(sr.NotFound))
	}
	return sr.Queued, nil
}

// eventPayload flattens one event into the wire shape of the delivery
// report protocol.
func eventPayload(e *store.Event) map[string]interface{} {
	p := map[string]interface{}{"id": e.MessageID}
	switch {
	case e.Type == store.EventSent:
		p["sent_ts"] = e.TS
	case e.Type == store.EventError:
		p["error_ts"] = e.TS
		p["error"] = e.Description
	case e.Type == store.EventDeferred:
		p["deferred_ts"] = e.TS
		p["deferred_reason"] = e.Description
	case e.Type == store.EventBounce:
		p["bounce_ts"] = e.TS
		p["bounce_reason"] = e.Description
		if len(e.Metadata) > 0 {
			var meta map[string]interface{}
			if json.Unmarshal(e.Metadata, &meta) == nil {
				if v, ok := meta["bounce_type"]; ok {
					p["bounce_type"] = v
				}
				if v, ok := meta["bounce_code"]; ok {
					p["bounce_code"] = v
				}
			}
		}
	case store.IsPECEvent(e.Type):
		p["pec_event"] = e.Type
		p["pec_ts"] = e.TS
		if e.Description != "" {
			p["pec_details"] = e.Description
		}
	}
	return p
}

func (r *Reporter) internalEvent(t string) bool {
	if store.InternalEvent(t) {
		return true
	}
	return t == store.EventDeferred && !r.cfg.ReportDeferred
}

func (r *Reporter) applyRetention(ctx context.Context) {
	if r.cfg.RetentionSeconds <= 0 {
		return
	}
	now := r.now()
	removed, err := r.store.RemoveReportedBefore(ctx, now-int64(r.cfg.RetentionSeconds))
	if err != nil {
		logger.Warn("retention failed", "error", err.Error())
		return
	}
	if removed > 0 {
		logger.Info("retention removed reported messages", "count", removed)
	}
	if _, err := r.store.PruneSendLog(ctx, now-sendLogRetention); err != nil {
		logger.Warn("send log prune failed", "error", err.Error())
	}
}

func (r *Reporter) takeRunNowTenant() string {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	t := r.runNowTenant
	r.runNowTenant = ""
	return t
}

func (r *Reporter) markSynced(tenantID string, now int64) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	// A snooze set by the response that is still in the future wins
	// over the plain completion stamp.
	if until, ok := r.lastSync[tenantID]; ok && until > now {
		return
	}
	r.lastSync[tenantID] = now
}

func (r *Reporter) snooze(tenantID string, until int64) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	r.lastSync[tenantID] = until
}

// due reports whether an empty-queue ping should go to the tenant now:
// never synced, or synced at least one interval ago. A future lastSync
// is a snooze and is never due.
func (r *Reporter) due(tenantID string, now int64) bool {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	last, ok := r.lastSync[tenantID]
	if !ok {
		return true
	}
	if last > now {
		return false
	}
	return now-last >= int64(r.cfg.Interval/time.Second)
}

// SyncStatus reports every tenant's last sync, due state and snooze
// flag, ordered by tenant id.
func (r *Reporter) SyncStatus(ctx context.Context) ([]TenantSyncStatus, error) {
	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	interval := int64(r.cfg.Interval / time.Second)

	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	out := make([]TenantSyncStatus, 0, len(tenants))
	for i := range tenants {
		t := &tenants[i]
		st := TenantSyncStatus{
			ID:            t.ID,
			Name:          t.Name,
			Active:        t.Active,
			ClientBaseURL: t.ClientBaseURL,
		}
		if last, ok := r.lastSync[t.ID]; ok {
			v := last
			st.LastSyncTS = &v
			if last > now {
				st.InDND = true
			} else if interval <= 0 || now-last >= interval {
				st.NextSyncDue = true
			}
		} else {
			st.NextSyncDue = true
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SyncIntervalSeconds is the fallback report interval, surfaced by the
// sync-status command.
func (r *Reporter) SyncIntervalSeconds() int {
	return int(r.cfg.Interval / time.Second)
}
