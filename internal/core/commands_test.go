package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/ignite/mailroom/internal/store"
)

// =============================================================================
// SUSPEND / ACTIVATE
// =============================================================================

func TestSuspendAndActivateTenant(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addMessage(store.Message{TenantID: "acme", ID: "m1"})
	st.addMessage(store.Message{TenantID: "acme", ID: "m2", BatchCode: strPtr("news")})
	c := newTestCore(st)
	ctx := context.Background()

	res, err := c.Suspend(ctx, SuspendRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !reflect.DeepEqual(res.SuspendedBatches, []string{"*"}) {
		t.Errorf("suspended = %v, want [*]", res.SuspendedBatches)
	}
	if res.PendingMessages != 2 {
		t.Errorf("pending = %d, want 2", res.PendingMessages)
	}
	st.mu.Lock()
	stored := st.tenants["acme"].SuspendedBatches
	st.mu.Unlock()
	if stored == nil || *stored != "*" {
		t.Errorf("stored suspension = %v, want *", stored)
	}

	// Suspending one batch while fully suspended stays fully suspended.
	res, err = c.Suspend(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr("news")})
	if err != nil {
		t.Fatalf("Suspend batch under full suspension: %v", err)
	}
	if !reflect.DeepEqual(res.SuspendedBatches, []string{"*"}) {
		t.Errorf("suspended = %v, want [*]", res.SuspendedBatches)
	}
	if res.PendingMessages != 1 {
		t.Errorf("batch-scoped pending = %d, want 1", res.PendingMessages)
	}

	// A single batch cannot come back while everything is suspended.
	if _, err := c.Activate(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr("news")}); err == nil {
		t.Fatal("activating one batch under full suspension should fail")
	} else {
		var ce *CommandError
		if !errors.As(err, &ce) {
			t.Errorf("err = %v, want CommandError", err)
		}
	}

	res, err = c.Activate(ctx, SuspendRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if len(res.SuspendedBatches) != 0 {
		t.Errorf("suspended after full activate = %v, want none", res.SuspendedBatches)
	}
	st.mu.Lock()
	stored = st.tenants["acme"].SuspendedBatches
	st.mu.Unlock()
	if stored != nil {
		t.Errorf("stored suspension = %q, want cleared", *stored)
	}
}

func TestSuspendBatchSetArithmetic(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st)
	ctx := context.Background()

	for _, batch := range []string{"winter", "autumn", "winter"} {
		if _, err := c.Suspend(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr(batch)}); err != nil {
			t.Fatalf("Suspend %s: %v", batch, err)
		}
	}
	res, err := c.Suspend(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr("spring")})
	if err != nil {
		t.Fatalf("Suspend spring: %v", err)
	}
	// Sorted, deduplicated.
	if want := []string{"autumn", "spring", "winter"}; !reflect.DeepEqual(res.SuspendedBatches, want) {
		t.Errorf("suspended = %v, want %v", res.SuspendedBatches, want)
	}

	res, err = c.Activate(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr("spring")})
	if err != nil {
		t.Fatalf("Activate spring: %v", err)
	}
	if want := []string{"autumn", "winter"}; !reflect.DeepEqual(res.SuspendedBatches, want) {
		t.Errorf("suspended = %v, want %v", res.SuspendedBatches, want)
	}

	// Removing the last code clears the column entirely.
	for _, batch := range []string{"autumn", "winter"} {
		if res, err = c.Activate(ctx, SuspendRequest{TenantID: "acme", BatchCode: strPtr(batch)}); err != nil {
			t.Fatalf("Activate %s: %v", batch, err)
		}
	}
	if len(res.SuspendedBatches) != 0 {
		t.Errorf("suspended = %v, want none", res.SuspendedBatches)
	}
	st.mu.Lock()
	stored := st.tenants["acme"].SuspendedBatches
	st.mu.Unlock()
	if stored != nil {
		t.Errorf("stored suspension = %q, want NULL", *stored)
	}
}

func TestSuspendRequiresKnownTenant(t *testing.T) {
	st := newFakeStore()
	c := newTestCore(st)
	ctx := context.Background()

	cases := []struct {
		tenantID string
		wantErr  string
	}{
		{"", "tenant_id is required"},
		{"ghost", "tenant not found"},
	}
	for _, tc := range cases {
		_, err := c.Suspend(ctx, SuspendRequest{TenantID: tc.tenantID})
		if err == nil || err.Error() != tc.wantErr {
			t.Errorf("Suspend(%q) err = %v, want %q", tc.tenantID, err, tc.wantErr)
		}
		_, err = c.Activate(ctx, SuspendRequest{TenantID: tc.tenantID})
		if err == nil || err.Error() != tc.wantErr {
			t.Errorf("Activate(%q) err = %v, want %q", tc.tenantID, err, tc.wantErr)
		}
	}
}

// =============================================================================
// ENQUEUE
// =============================================================================

func enqueue(t *testing.T, c *Core, tenantID, messages string) *EnqueueResult {
	t.Helper()
	res, err := c.Enqueue(context.Background(), EnqueueRequest{
		TenantID: tenantID,
		Messages: json.RawMessage(messages),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return res
}

func TestEnqueueQueuesValidMessages(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	res := enqueue(t, c, "acme", `[
		{"id":"m1","from":"a@x.it","to":"b@x.it","subject":"s","account_id":"relay"},
		{"id":"m2","from":"a@x.it","to":["", "c@x.it"],"account_id":"relay","batch_code":"news"}
	]`)
	if !res.OK || res.Queued != 2 || len(res.Rejected) != 0 {
		t.Fatalf("result = %+v, want 2 queued", res)
	}

	m1 := st.byID("acme", "m1")
	if m1 == nil {
		t.Fatal("m1 not stored")
	}
	if m1.Priority != 2 {
		t.Errorf("default priority = %d, want 2", m1.Priority)
	}
	// The submitted object is stored verbatim.
	var payload map[string]interface{}
	if err := json.Unmarshal(m1.Payload, &payload); err != nil {
		t.Fatalf("stored payload: %v", err)
	}
	if payload["subject"] != "s" {
		t.Errorf("payload lost fields: %v", payload)
	}
	events := st.eventsFor(m1.PK)
	if len(events) != 1 || events[0].Type != store.EventPending {
		t.Errorf("events = %+v, want one pending", events)
	}

	m2 := st.byID("acme", "m2")
	if m2 == nil || m2.BatchCode == nil || *m2.BatchCode != "news" {
		t.Errorf("m2 batch code not kept: %+v", m2)
	}

	// Admission refreshes the queue gauge.
	if got := c.MetricsSnapshot()["queue_depth"]; got != 2 {
		t.Errorf("queue_depth = %d, want 2", got)
	}
}

func TestEnqueueValidationReasons(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	cases := []struct {
		name    string
		message string
		reason  string
	}{
		{"missing id", `{"from":"a@x.it","to":"b@x.it","account_id":"relay"}`, "missing id"},
		{"missing from", `{"id":"m1","to":"b@x.it","account_id":"relay"}`, "missing from"},
		{"blank from", `{"id":"m1","from":"  ","to":"b@x.it","account_id":"relay"}`, "missing from"},
		{"missing to", `{"id":"m1","from":"a@x.it","account_id":"relay"}`, "missing to"},
		{"empty to list", `{"id":"m1","from":"a@x.it","to":[],"account_id":"relay"}`, "missing to"},
		{"blank recipients", `{"id":"m1","from":"a@x.it","to":["", " "],"account_id":"relay"}`, "missing to"},
		{"unknown account", `{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"ghost"}`, "account not found"},
		{"no account no default", `{"id":"m1","from":"a@x.it","to":"b@x.it"}`, "missing account configuration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := enqueue(t, c, "acme", "["+tc.message+"]")
			if res.OK {
				t.Error("all-rejected batch reported ok")
			}
			if res.Queued != 0 || len(res.Rejected) != 1 {
				t.Fatalf("result = %+v, want one rejection", res)
			}
			if res.Rejected[0].Reason != tc.reason {
				t.Errorf("reason = %q, want %q", res.Rejected[0].Reason, tc.reason)
			}
			// Clean up the persisted reject for the next case.
			st.mu.Lock()
			for _, pk := range append([]string(nil), st.order...) {
				st.dropMessage(pk)
			}
			st.mu.Unlock()
		})
	}
}

func TestEnqueueRejectedWithIDIsPersistedAsError(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st)
	results := c.Results()

	res := enqueue(t, c, "acme", `[{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"ghost"}]`)
	if res.OK {
		t.Error("all-rejected batch reported ok")
	}
	if len(res.Rejected) != 1 || res.Rejected[0].ID == nil || *res.Rejected[0].ID != "m1" {
		t.Fatalf("rejected = %+v, want id m1", res.Rejected)
	}

	// The message exists, terminally errored, with pending+error history.
	m := st.byID("acme", "m1")
	if m == nil {
		t.Fatal("rejected message was not persisted")
	}
	if m.SMTPTS == nil {
		t.Error("rejected message still looks pending")
	}
	events := st.eventsFor(m.PK)
	if len(events) != 2 || events[0].Type != store.EventPending || events[1].Type != store.EventError {
		t.Fatalf("events = %+v, want pending then error", events)
	}
	if events[1].Description != "account not found" {
		t.Errorf("error description = %q", events[1].Description)
	}

	select {
	case r := <-results.C():
		if r.Status != "error" || r.ID != "m1" || r.Reason != "account not found" {
			t.Errorf("published result = %+v", r)
		}
	default:
		t.Error("rejection was not published to the result stream")
	}
}

func TestEnqueueRejectedWithoutIDIsNotPersisted(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st)

	res := enqueue(t, c, "acme", `[{"from":"a@x.it","to":"b@x.it"}, "not an object", 17]`)
	if res.OK || res.Queued != 0 {
		t.Fatalf("result = %+v, want all rejected", res)
	}
	if len(res.Rejected) != 3 {
		t.Fatalf("rejected = %+v, want 3", res.Rejected)
	}
	if res.Rejected[0].ID != nil || res.Rejected[0].Reason != "missing id" {
		t.Errorf("rejected[0] = %+v", res.Rejected[0])
	}
	for _, r := range res.Rejected[1:] {
		if r.ID != nil || r.Reason != "invalid payload" {
			t.Errorf("non-object rejection = %+v, want invalid payload with null id", r)
		}
	}
	st.mu.Lock()
	stored := len(st.msgs)
	st.mu.Unlock()
	if stored != 0 {
		t.Errorf("%d messages persisted, want none", stored)
	}
}

func TestEnqueueMixedBatchStillOK(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	res := enqueue(t, c, "acme", `[
		{"id":"good","from":"a@x.it","to":"b@x.it","account_id":"relay"},
		{"id":"bad","to":"b@x.it","account_id":"relay"}
	]`)
	if !res.OK {
		t.Error("batch with one queued message should be ok")
	}
	if res.Queued != 1 || len(res.Rejected) != 1 {
		t.Errorf("result = %+v, want 1 queued 1 rejected", res)
	}
}

func TestEnqueueAlreadySent(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	sent := coreNow - 100
	st.addMessage(store.Message{TenantID: "acme", ID: "m1", SMTPTS: &sent})
	c := newTestCore(st)

	res := enqueue(t, c, "acme", `[{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"relay"}]`)
	if !res.OK {
		t.Error("already-sent resubmission is not a validation failure; ok should hold")
	}
	if res.Queued != 0 || len(res.Rejected) != 1 || res.Rejected[0].Reason != "already sent" {
		t.Fatalf("result = %+v, want already sent rejection", res)
	}
	// The sent row is untouched.
	m := st.byID("acme", "m1")
	if m.SMTPTS == nil || *m.SMTPTS != sent {
		t.Error("resubmission disturbed the sent row")
	}
}

func TestEnqueueReplacesUnsentDuplicate(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	enqueue(t, c, "acme", `[{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"relay","subject":"first"}]`)
	firstPK := st.byID("acme", "m1").PK

	res := enqueue(t, c, "acme", `[{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"relay","subject":"second"}]`)
	if !res.OK || res.Queued != 1 {
		t.Fatalf("result = %+v, want replacement queued", res)
	}
	m := st.byID("acme", "m1")
	if m.PK != firstPK {
		t.Error("replacement changed the message pk")
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["subject"] != "second" {
		t.Errorf("payload = %v, want replaced content", payload)
	}
}

func TestEnqueuePriorityHandling(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	_, err := c.Enqueue(context.Background(), EnqueueRequest{
		TenantID:        "acme",
		DefaultPriority: json.RawMessage(`"high"`),
		Messages: json.RawMessage(`[
			{"id":"d1","from":"a@x.it","to":"b@x.it","account_id":"relay"},
			{"id":"p0","from":"a@x.it","to":"b@x.it","account_id":"relay","priority":"immediate"},
			{"id":"p3","from":"a@x.it","to":"b@x.it","account_id":"relay","priority":9},
			{"id":"px","from":"a@x.it","to":"b@x.it","account_id":"relay","priority":"whenever"}
		]`),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	want := map[string]int{
		"d1": 1, // batch default "high"
		"p0": 0, // label
		"p3": 3, // clamped
		"px": 1, // unknown label falls back to the batch default
	}
	for id, p := range want {
		if m := st.byID("acme", id); m == nil || m.Priority != p {
			t.Errorf("%s priority = %+v, want %d", id, m, p)
		}
	}
}

func TestEnqueueStampsPECAccounts(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	st.addAccount(&store.Account{TenantID: "acme", ID: "pec", Host: "pec.example.com", Port: 465, IsPEC: true})
	c := newTestCore(st)

	enqueue(t, c, "acme", `[
		{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"relay"},
		{"id":"m2","from":"a@x.it","to":"b@x.it","account_id":"pec"}
	]`)
	if m := st.byID("acme", "m1"); m.IsPEC {
		t.Error("plain relay message stamped PEC")
	}
	if m := st.byID("acme", "m2"); !m.IsPEC {
		t.Error("certified-mail message not stamped PEC")
	}
}

func TestEnqueueDefaultSMTPFallback(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	cfg := testConfig()
	cfg.DefaultSMTP.Host = "fallback.example.com"
	cfg.DefaultSMTP.Port = 25
	c := newCoreWith(cfg, st)

	res := enqueue(t, c, "acme", `[{"id":"m1","from":"a@x.it","to":"b@x.it"}]`)
	if !res.OK || res.Queued != 1 {
		t.Fatalf("result = %+v, want queued via default account", res)
	}
	if m := st.byID("acme", "m1"); m.AccountID != "" {
		t.Errorf("account id = %q, want empty (default account)", m.AccountID)
	}
}

func TestEnqueueRejectsNonListPayloads(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st)

	for _, body := range []string{`{"id":"m1"}`, `"m1"`, `null`, ``} {
		_, err := c.Enqueue(context.Background(), EnqueueRequest{
			TenantID: "acme",
			Messages: json.RawMessage(body),
		})
		if err == nil || err.Error() != "messages must be a list" {
			t.Errorf("Enqueue(%s) err = %v, want messages must be a list", body, err)
		}
	}
}

func TestEnqueueBatchCap(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	cfg := testConfig()
	cfg.Dispatch.MaxEnqueueBatch = 2
	cfg.DefaultSMTP.Host = "fallback.example.com"
	c := newCoreWith(cfg, st)

	messages := `[
		{"id":"m1","from":"a@x.it","to":"b@x.it"},
		{"id":"m2","from":"a@x.it","to":"b@x.it"},
		{"id":"m3","from":"a@x.it","to":"b@x.it"}
	]`
	_, err := c.Enqueue(context.Background(), EnqueueRequest{
		TenantID: "acme",
		Messages: json.RawMessage(messages),
	})
	want := "Cannot enqueue more than 2 messages at once"
	if err == nil || err.Error() != want {
		t.Fatalf("err = %v, want %q", err, want)
	}
	st.mu.Lock()
	stored := len(st.msgs)
	st.mu.Unlock()
	if stored != 0 {
		t.Errorf("oversized batch stored %d messages", stored)
	}
}

func TestEnqueueSchedulesDeferredDelivery(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addAccount(&store.Account{TenantID: "acme", ID: "relay", Host: "smtp.example.com", Port: 587})
	c := newTestCore(st)

	later := coreNow + 3600
	enqueue(t, c, "acme", fmt.Sprintf(
		`[{"id":"m1","from":"a@x.it","to":"b@x.it","account_id":"relay","deferred_ts":%d}]`, later))
	m := st.byID("acme", "m1")
	if m.DeferredTS == nil || *m.DeferredTS != later {
		t.Errorf("deferred_ts = %v, want %d", m.DeferredTS, later)
	}
}

// =============================================================================
// DELETE / LIST / CLEANUP
// =============================================================================

func TestDeleteMessagesPartitionsIDs(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addTenant(activeTenant("rival"))
	st.addMessage(store.Message{TenantID: "acme", ID: "mine"})
	st.addMessage(store.Message{TenantID: "rival", ID: "theirs"})
	c := newTestCore(st)

	res, err := c.DeleteMessages(context.Background(), DeleteMessagesRequest{
		TenantID: "acme",
		IDs:      []string{"mine", "mine", "theirs", "ghost", ""},
	})
	if err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if !res.OK || res.Removed != 1 {
		t.Errorf("removed = %d, want 1", res.Removed)
	}
	if !reflect.DeepEqual(res.NotFound, []string{"ghost"}) {
		t.Errorf("not_found = %v, want [ghost]", res.NotFound)
	}
	if !reflect.DeepEqual(res.Unauthorized, []string{"theirs"}) {
		t.Errorf("unauthorized = %v, want [theirs]", res.Unauthorized)
	}
	if st.byID("acme", "mine") != nil {
		t.Error("owned message survived deletion")
	}
	if st.byID("rival", "theirs") == nil {
		t.Error("foreign message was deleted")
	}
	if got := c.MetricsSnapshot()["queue_depth"]; got != 1 {
		t.Errorf("queue_depth = %d, want 1", got)
	}
}

func TestDeleteMessagesEmptyRequest(t *testing.T) {
	st := newFakeStore()
	c := newTestCore(st)

	res, err := c.DeleteMessages(context.Background(), DeleteMessagesRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("DeleteMessages: %v", err)
	}
	if !res.OK || res.Removed != 0 || len(res.NotFound) != 0 || len(res.Unauthorized) != 0 {
		t.Errorf("result = %+v, want empty success", res)
	}

	if _, err := c.DeleteMessages(context.Background(), DeleteMessagesRequest{}); err == nil {
		t.Error("missing tenant_id should fail")
	}
}

func TestListMessagesFilters(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addMessage(store.Message{TenantID: "acme", ID: "pending"})
	sent := coreNow - 50
	st.addMessage(store.Message{TenantID: "acme", ID: "done", SMTPTS: &sent})
	st.addMessage(store.Message{TenantID: "other", ID: "foreign"})
	c := newTestCore(st)
	ctx := context.Background()

	res, err := c.ListMessages(ctx, ListMessagesRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(res.Messages))
	}

	res, err = c.ListMessages(ctx, ListMessagesRequest{TenantID: "acme", ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListMessages active: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].ID != "pending" {
		t.Errorf("active messages = %+v, want only pending", res.Messages)
	}

	res, err = c.ListMessages(ctx, ListMessagesRequest{TenantID: "empty-tenant"})
	if err != nil {
		t.Fatalf("ListMessages empty: %v", err)
	}
	if res.Messages == nil {
		t.Error("empty listing must render as [] not null")
	}

	if _, err := c.ListMessages(ctx, ListMessagesRequest{}); err == nil {
		t.Error("missing tenant_id should fail")
	}
}

func TestCleanupUsesConfiguredRetention(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st) // retention 3600s

	addReported := func(id string, reportedAt int64) {
		sent := reportedAt - 10
		pk := st.addMessage(store.Message{TenantID: "acme", ID: id, SMTPTS: &sent})
		st.mu.Lock()
		st.appendEvent(pk, store.EventSent, sent, "", nil)
		st.events[len(st.events)-1].ReportedTS = &reportedAt
		st.mu.Unlock()
	}
	addReported("old", coreNow-7200)
	addReported("fresh", coreNow-60)

	res, err := c.Cleanup(context.Background(), CleanupRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !res.OK || res.Removed != 1 {
		t.Errorf("removed = %d, want 1 (configured retention)", res.Removed)
	}
	if st.byID("acme", "old") != nil {
		t.Error("expired message survived")
	}
	if st.byID("acme", "fresh") == nil {
		t.Error("recent message was pruned")
	}

	// Override removes the rest; negative overrides clamp to zero.
	neg := int64(-5)
	res, err = c.Cleanup(context.Background(), CleanupRequest{TenantID: "acme", OlderThanSeconds: &neg})
	if err != nil {
		t.Fatalf("Cleanup override: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("override removed = %d, want 1", res.Removed)
	}
}

func TestCleanupKeepsUnreportedMessages(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	sent := coreNow - 9000
	pk := st.addMessage(store.Message{TenantID: "acme", ID: "m1", SMTPTS: &sent})
	st.mu.Lock()
	st.appendEvent(pk, store.EventSent, sent, "", nil)
	st.mu.Unlock()
	c := newTestCore(st)

	res, err := c.Cleanup(context.Background(), CleanupRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.Removed != 0 {
		t.Error("message with unreported history was pruned")
	}
}

// =============================================================================
// RECORD EVENTS
// =============================================================================

func TestRecordEventsAppendsAndRejects(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	sent := coreNow - 100
	pk := st.addMessage(store.Message{TenantID: "acme", ID: "m1", SMTPTS: &sent})
	c := newTestCore(st)

	res, err := c.RecordEvents(context.Background(), RecordEventsRequest{
		TenantID: "acme",
		Events: []store.ExternalEvent{
			{MessageID: "m1", Type: store.EventBounce, Description: "mailbox full"},
			{MessageID: "", Type: store.EventBounce},
			{MessageID: "m1", Type: "opened"},
			{MessageID: "ghost", Type: store.EventPECDelivery},
			{MessageID: "m1", Type: store.EventPECAcceptance, TS: coreNow - 10},
		},
	})
	if err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if !res.OK || res.Appended != 2 {
		t.Fatalf("result = %+v, want 2 appended", res)
	}
	want := []RejectedEvent{
		{Index: 1, Reason: "missing id"},
		{Index: 2, Reason: "invalid event_type"},
		{Index: 3, Reason: "message not found"},
	}
	if !reflect.DeepEqual(res.Rejected, want) {
		t.Errorf("rejected = %+v, want %+v", res.Rejected, want)
	}

	events := st.eventsFor(pk)
	if len(events) != 2 {
		t.Fatalf("stored events = %d, want 2", len(events))
	}
	// A missing timestamp defaults to submission time.
	if events[0].Type != store.EventBounce || events[0].TS != coreNow {
		t.Errorf("bounce event = %+v, want ts %d", events[0], coreNow)
	}
	if events[1].Type != store.EventPECAcceptance || events[1].TS != coreNow-10 {
		t.Errorf("receipt event = %+v, want submitted ts", events[1])
	}
}

func TestRecordEventsAllRejectedIsNotOK(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	c := newTestCore(st)

	res, err := c.RecordEvents(context.Background(), RecordEventsRequest{
		TenantID: "acme",
		Events: []store.ExternalEvent{
			{MessageID: "ghost", Type: store.EventBounce},
		},
	})
	if err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}
	if res.OK {
		t.Error("all-rejected ingestion reported ok")
	}

	// An empty batch is a vacuous success.
	res, err = c.RecordEvents(context.Background(), RecordEventsRequest{TenantID: "acme"})
	if err != nil {
		t.Fatalf("RecordEvents empty: %v", err)
	}
	if !res.OK || res.Appended != 0 || len(res.Rejected) != 0 {
		t.Errorf("empty batch = %+v, want vacuous ok", res)
	}
}

func TestRecordEventsWakesReporter(t *testing.T) {
	st := newFakeStore()
	st.addTenant(activeTenant("acme"))
	st.addMessage(store.Message{TenantID: "acme", ID: "m1"})
	c := newTestCore(st)

	woke := make(chan struct{})
	go func() {
		c.reporter.WakeSignal().Wait(context.Background(), 0)
		close(woke)
	}()

	if _, err := c.RecordEvents(context.Background(), RecordEventsRequest{
		TenantID: "acme",
		Events:   []store.ExternalEvent{{MessageID: "m1", Type: store.EventBounce}},
	}); err != nil {
		t.Fatalf("RecordEvents: %v", err)
	}

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("reporter was not woken by appended events")
	}
}
