package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ignite/mailroom/internal/mail"
	"github.com/ignite/mailroom/internal/store"
	"github.com/ignite/mailroom/internal/worker"
)

// RunNow wakes the dispatch loop and forces the next report cycle.
// A tenant id additionally targets that tenant with an immediate
// empty-queue sync so it can push queued submissions back.
func (c *Core) RunNow(tenantID string) {
	c.dispatcher.Wake()
	c.reporter.RunNow(tenantID)
}

// SuspendRequest names a tenant and optionally one batch. Without a
// batch code the whole tenant is affected.
type SuspendRequest struct {
	TenantID  string  `json:"tenant_id"`
	BatchCode *string `json:"batch_code,omitempty"`
}

// SuspendResult reports the suspension set after the change, plus how
// much pending mail the change touches.
type SuspendResult struct {
	OK               bool     `json:"ok"`
	TenantID         string   `json:"tenant_id"`
	BatchCode        *string  `json:"batch_code,omitempty"`
	SuspendedBatches []string `json:"suspended_batches"`
	PendingMessages  int      `json:"pending_messages"`
}

// Suspend holds back a tenant's sending: everything when no batch code
// is given, one batch otherwise. Suspending a batch while the tenant is
// fully suspended is a no-op success.
func (c *Core) Suspend(ctx context.Context, req SuspendRequest) (res *SuspendResult, err error) {
	defer func() { c.audit(ctx, "suspend", req.TenantID, req, res, err) }()

	t, err := c.tenantFor(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	var value *string
	if req.BatchCode == nil {
		all := "*"
		value = &all
	} else {
		value = store.MergeBatchCodes(t.SuspendedBatches, []string{*req.BatchCode})
	}
	if err := c.store.SetSuspendedBatches(ctx, req.TenantID, value, c.now()); err != nil {
		return nil, err
	}
	return c.suspensionResult(ctx, req, value)
}

// Activate resumes a tenant's sending: everything when no batch code is
// given, one batch otherwise. A single batch cannot be pulled out of a
// full suspension; the full suspension must be lifted first.
func (c *Core) Activate(ctx context.Context, req SuspendRequest) (res *SuspendResult, err error) {
	defer func() { c.audit(ctx, "activate", req.TenantID, req, res, err) }()

	t, err := c.tenantFor(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	var value *string
	if req.BatchCode == nil {
		value = nil
	} else {
		if t.SuspendedBatches != nil && *t.SuspendedBatches == "*" {
			return nil, cmdErr("cannot activate a single batch while fully suspended")
		}
		value = store.RemoveBatchCodes(t.SuspendedBatches, []string{*req.BatchCode})
	}
	if err := c.store.SetSuspendedBatches(ctx, req.TenantID, value, c.now()); err != nil {
		return nil, err
	}
	return c.suspensionResult(ctx, req, value)
}

func (c *Core) tenantFor(ctx context.Context, tenantID string) (*store.Tenant, error) {
	if tenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	t, err := c.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrTenantNotFound) {
		return nil, cmdErr("tenant not found")
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Core) suspensionResult(ctx context.Context, req SuspendRequest, value *string) (*SuspendResult, error) {
	pending, err := c.store.CountPendingFor(ctx, req.TenantID, req.BatchCode)
	if err != nil {
		return nil, err
	}
	return &SuspendResult{
		OK:               true,
		TenantID:         req.TenantID,
		BatchCode:        req.BatchCode,
		SuspendedBatches: batchList(value),
		PendingMessages:  pending,
	}, nil
}

// batchList renders a stored suspension value for responses.
func batchList(v *string) []string {
	if v == nil {
		return []string{}
	}
	if *v == "*" {
		return []string{"*"}
	}
	out := []string{}
	for _, c := range strings.Split(*v, ",") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// EnqueueRequest is an addMessages submission. Messages stays raw so
// a non-array value can be rejected with a precise reason instead of a
// decoder error.
type EnqueueRequest struct {
	TenantID        string          `json:"tenant_id"`
	Messages        json.RawMessage `json:"messages"`
	DefaultPriority json.RawMessage `json:"default_priority,omitempty"`
}

// RejectedMessage explains one refused submission. ID is null when the
// item carried none.
type RejectedMessage struct {
	ID     *string `json:"id"`
	Reason string  `json:"reason"`
}

// EnqueueResult summarizes an admission batch. OK is false only when
// every message failed validation; being told some ids were already
// sent is a normal outcome.
type EnqueueResult struct {
	OK       bool              `json:"ok"`
	Queued   int               `json:"queued"`
	Rejected []RejectedMessage `json:"rejected"`
}

func (r *EnqueueResult) succeeded() bool { return r != nil && r.OK }

// enqueueItem is the typed view of one submitted message, narrowed to
// the fields admission inspects. The raw object is what gets stored.
type enqueueItem struct {
	ID         string          `json:"id"`
	AccountID  string          `json:"account_id"`
	From       string          `json:"from"`
	To         mail.StringList `json:"to"`
	Priority   json.RawMessage `json:"priority"`
	DeferredTS *int64          `json:"deferred_ts"`
	BatchCode  *string         `json:"batch_code"`
}

func (it *enqueueItem) hasRecipient() bool {
	for _, r := range it.To {
		if strings.TrimSpace(r) != "" {
			return true
		}
	}
	return false
}

func decodeEnqueueItem(raw json.RawMessage) (*enqueueItem, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var it enqueueItem
	if err := json.Unmarshal(trimmed, &it); err != nil {
		return nil, false
	}
	return &it, true
}

// Enqueue admits a batch of messages into the queue. Valid messages are
// inserted (or replace an unsent predecessor with the same id); invalid
// ones are rejected with a reason, and those that carry an id are also
// persisted with an error event so the tenant hears about them through
// the normal reporting path.
func (c *Core) Enqueue(ctx context.Context, req EnqueueRequest) (res *EnqueueResult, err error) {
	defer func() { c.audit(ctx, "addMessages", req.TenantID, req, res, err) }()

	if _, err := c.tenantFor(ctx, req.TenantID); err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(req.Messages)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, cmdErr("messages must be a list")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, cmdErr("messages must be a list")
	}
	if max := c.cfg.Dispatch.MaxEnqueueBatch; len(items) > max {
		return nil, cmdErr("Cannot enqueue more than %d messages at once", max)
	}

	pecIDs, err := c.store.PECAccountIDs(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	defPriority := mail.ParsePriority(req.DefaultPriority, mail.DefaultPriority)

	now := c.now()
	var entries []store.NewMessage
	rejected := []RejectedMessage{}

	for _, raw := range items {
		it, ok := decodeEnqueueItem(raw)
		if !ok {
			rejected = append(rejected, RejectedMessage{Reason: "invalid payload"})
			continue
		}
		priority := mail.ParsePriority(it.Priority, defPriority)

		reason, err := c.validateAdmission(ctx, req.TenantID, it)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			var id *string
			if it.ID != "" {
				id = &it.ID
				if err := c.persistRejected(ctx, req.TenantID, it, raw, priority, now, reason); err != nil {
					return nil, err
				}
			}
			rejected = append(rejected, RejectedMessage{ID: id, Reason: reason})
			continue
		}

		entries = append(entries, store.NewMessage{
			ID:         it.ID,
			AccountID:  it.AccountID,
			Priority:   priority,
			Payload:    raw,
			BatchCode:  it.BatchCode,
			IsPEC:      it.AccountID != "" && pecIDs[it.AccountID],
			DeferredTS: it.DeferredTS,
		})
	}

	queued := 0
	if len(entries) > 0 {
		ins, err := c.store.InsertMessages(ctx, req.TenantID, entries, now)
		if err != nil {
			return nil, fmt.Errorf("enqueue messages: %w", err)
		}
		queued = len(ins.Queued)
		for _, id := range ins.AlreadySent {
			id := id
			rejected = append(rejected, RejectedMessage{ID: &id, Reason: "already sent"})
		}
	}

	c.refreshQueueGauge(ctx)

	failures := 0
	for _, r := range rejected {
		if r.Reason != "already sent" {
			failures++
		}
	}
	return &EnqueueResult{
		OK:       queued > 0 || failures == 0,
		Queued:   queued,
		Rejected: rejected,
	}, nil
}

// validateAdmission returns the rejection reason for an invalid item,
// or "" when it may be queued. Store failures abort the whole batch.
func (c *Core) validateAdmission(ctx context.Context, tenantID string, it *enqueueItem) (string, error) {
	if it.ID == "" {
		return "missing id", nil
	}
	if strings.TrimSpace(it.From) == "" {
		return "missing from", nil
	}
	if !it.hasRecipient() {
		return "missing to", nil
	}
	if it.AccountID != "" {
		if _, err := c.store.GetAccount(ctx, tenantID, it.AccountID); err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return "account not found", nil
			}
			return "", err
		}
	} else if !c.hasDefaultSMTP {
		return "missing account configuration", nil
	}
	return "", nil
}

// persistRejected stores a validation-rejected message as an immediate
// terminal error so the rejection flows to the tenant as a report. An
// id that was already sent keeps its sent state untouched.
func (c *Core) persistRejected(ctx context.Context, tenantID string, it *enqueueItem, raw json.RawMessage, priority int, now int64, reason string) error {
	ins, err := c.store.InsertMessages(ctx, tenantID, []store.NewMessage{{
		ID:        it.ID,
		AccountID: it.AccountID,
		Priority:  priority,
		Payload:   raw,
		BatchCode: it.BatchCode,
	}}, now)
	if err != nil {
		return fmt.Errorf("persist rejected %s: %w", it.ID, err)
	}
	if len(ins.Queued) == 0 {
		return nil
	}
	pk := ins.Queued[0].PK
	if err := c.store.MarkError(ctx, pk, now, reason); err != nil {
		return err
	}
	c.publishResult(worker.Result{
		PK:       pk,
		ID:       it.ID,
		TenantID: tenantID,
		Status:   "error",
		Reason:   reason,
		TS:       now,
	})
	return nil
}

// DeleteMessagesRequest removes queued or terminal messages by id.
type DeleteMessagesRequest struct {
	TenantID string   `json:"tenant_id"`
	IDs      []string `json:"ids"`
}

// DeleteMessagesResult partitions the requested ids. Unauthorized lists
// ids that exist under a different tenant.
type DeleteMessagesResult struct {
	OK           bool     `json:"ok"`
	Removed      int      `json:"removed"`
	NotFound     []string `json:"not_found"`
	Unauthorized []string `json:"unauthorized"`
}

// DeleteMessages removes a tenant's messages by their tenant-facing
// ids. Ids owned by other tenants are refused, not deleted.
func (c *Core) DeleteMessages(ctx context.Context, req DeleteMessagesRequest) (res *DeleteMessagesResult, err error) {
	defer func() { c.audit(ctx, "deleteMessages", req.TenantID, req, res, err) }()

	if req.TenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	ids := dedupe(req.IDs)
	res = &DeleteMessagesResult{OK: true, NotFound: []string{}, Unauthorized: []string{}}
	if len(ids) == 0 {
		return res, nil
	}

	removed, notFound, unauthorized, err := c.store.DeleteMessages(ctx, req.TenantID, ids)
	if err != nil {
		return nil, err
	}
	c.refreshQueueGauge(ctx)

	res.Removed = len(removed)
	if notFound != nil {
		res.NotFound = notFound
	}
	if unauthorized != nil {
		res.Unauthorized = unauthorized
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ListMessagesRequest filters a tenant's queue listing.
type ListMessagesRequest struct {
	TenantID   string `json:"tenant_id"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ListMessagesResult carries full message records, each annotated with
// its latest error description when one exists.
type ListMessagesResult struct {
	OK       bool            `json:"ok"`
	Messages []store.Message `json:"messages"`
}

// ListMessages returns a tenant's messages, oldest first. ActiveOnly
// drops the ones that already went out.
func (c *Core) ListMessages(ctx context.Context, req ListMessagesRequest) (*ListMessagesResult, error) {
	if req.TenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	msgs, err := c.store.ListMessages(ctx, req.TenantID, req.ActiveOnly, req.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &ListMessagesResult{OK: true, Messages: msgs}, nil
}

// CleanupRequest prunes a tenant's fully reported terminal messages.
// OlderThanSeconds overrides the configured retention; zero means
// everything already reported.
type CleanupRequest struct {
	TenantID         string `json:"tenant_id"`
	OlderThanSeconds *int64 `json:"older_than_seconds,omitempty"`
}

// CleanupResult counts the rows removed.
type CleanupResult struct {
	OK      bool  `json:"ok"`
	Removed int64 `json:"removed"`
}

// Cleanup removes a tenant's terminal messages whose full event history
// was reported before the retention cutoff.
func (c *Core) Cleanup(ctx context.Context, req CleanupRequest) (res *CleanupResult, err error) {
	defer func() { c.audit(ctx, "cleanupMessages", req.TenantID, req, res, err) }()

	if req.TenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}
	retention := int64(c.cfg.Reporting.RetentionSeconds)
	if req.OlderThanSeconds != nil {
		retention = *req.OlderThanSeconds
		if retention < 0 {
			retention = 0
		}
	}
	removed, err := c.store.RemoveReportedBeforeFor(ctx, req.TenantID, c.now()-retention)
	if err != nil {
		return nil, err
	}
	if removed > 0 {
		c.refreshQueueGauge(ctx)
	}
	return &CleanupResult{OK: true, Removed: removed}, nil
}

// RecordEventsRequest attaches out-of-band delivery events (bounces,
// certified-mail receipts) to a tenant's messages.
type RecordEventsRequest struct {
	TenantID string                `json:"tenant_id"`
	Events   []store.ExternalEvent `json:"events"`
}

// RejectedEvent explains one refused event by its position in the
// submitted list.
type RejectedEvent struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// RecordEventsResult summarizes an event ingestion batch.
type RecordEventsResult struct {
	OK       bool            `json:"ok"`
	Appended int             `json:"appended"`
	Rejected []RejectedEvent `json:"rejected"`
}

func (r *RecordEventsResult) succeeded() bool { return r != nil && r.OK }

func validEventType(t string) bool {
	switch t {
	case store.EventBounce, store.EventPECAcceptance, store.EventPECDelivery, store.EventPECError:
		return true
	}
	return false
}

// RecordEvents ingests externally observed delivery events. Events
// referencing unknown message ids or carrying types outside the
// bounce/receipt set are rejected individually; the rest are appended
// and flow to the tenant on the next report cycle.
func (c *Core) RecordEvents(ctx context.Context, req RecordEventsRequest) (res *RecordEventsResult, err error) {
	defer func() { c.audit(ctx, "recordEvents", req.TenantID, req, res, err) }()

	if req.TenantID == "" {
		return nil, cmdErr("tenant_id is required")
	}

	now := c.now()
	rejected := []RejectedEvent{}
	var items []store.ExternalEvent
	submitted := []int{} // original index per submitted item

	for i, ev := range req.Events {
		if ev.MessageID == "" {
			rejected = append(rejected, RejectedEvent{Index: i, Reason: "missing id"})
			continue
		}
		if !validEventType(ev.Type) {
			rejected = append(rejected, RejectedEvent{Index: i, Reason: "invalid event_type"})
			continue
		}
		if ev.TS == 0 {
			ev.TS = now
		}
		items = append(items, ev)
		submitted = append(submitted, i)
	}

	appended := 0
	if len(items) > 0 {
		accepted, notFound, err := c.store.RecordExternalEvents(ctx, req.TenantID, items)
		if err != nil {
			return nil, err
		}
		appended = len(accepted)

		// The store reports misses per item, in submission order; map
		// them back to their original indexes.
		pending := make(map[string][]int)
		for pos, ev := range items {
			pending[ev.MessageID] = append(pending[ev.MessageID], submitted[pos])
		}
		for _, id := range notFound {
			idxs := pending[id]
			if len(idxs) == 0 {
				continue
			}
			rejected = append(rejected, RejectedEvent{Index: idxs[0], Reason: "message not found"})
			pending[id] = idxs[1:]
		}
	}

	sort.Slice(rejected, func(i, j int) bool { return rejected[i].Index < rejected[j].Index })

	if appended > 0 {
		c.reporter.Wake()
	}
	return &RecordEventsResult{
		OK:       appended > 0 || len(rejected) == 0,
		Appended: appended,
		Rejected: rejected,
	}, nil
}

// QueueStatus is the queue section of a status response.
type QueueStatus struct {
	Pending int `json:"pending"`
}

// StatusResult is the service health summary.
type StatusResult struct {
	OK            bool             `json:"ok"`
	Instance      string           `json:"instance,omitempty"`
	Active        bool             `json:"active"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Queue         QueueStatus      `json:"queue"`
	Metrics       map[string]int64 `json:"metrics"`
}

// Status reports whether this instance dispatches, how long it has
// been up, and the queue and counter snapshot.
func (c *Core) Status(ctx context.Context) (*StatusResult, error) {
	pending, err := c.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := c.store.GetInstance(ctx)
	if err != nil {
		return nil, err
	}
	var uptime int64
	if c.startedAt > 0 {
		uptime = c.now() - c.startedAt
	}
	return &StatusResult{
		OK:            true,
		Instance:      inst.Name,
		Active:        c.active.Load(),
		UptimeSeconds: uptime,
		Queue:         QueueStatus{Pending: pending},
		Metrics:       c.metrics.Snapshot(),
	}, nil
}

// MetricsSnapshot exposes the counter set for the metrics endpoint.
func (c *Core) MetricsSnapshot() map[string]int64 {
	return c.metrics.Snapshot()
}
