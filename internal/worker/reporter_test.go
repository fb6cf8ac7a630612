package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ignite/mailroom/internal/store"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeReportStore struct {
	mu       sync.Mutex
	events   []store.Event
	tenants  map[string]*store.Tenant
	reported map[int64]int64

	fetchCalls    int
	removedBefore []int64
	prunedBefore  []int64
}

func newFakeReportStore() *fakeReportStore {
	return &fakeReportStore{
		tenants:  make(map[string]*store.Tenant),
		reported: make(map[int64]int64),
	}
}

func (f *fakeReportStore) FetchUnreportedEvents(ctx context.Context, limit int) ([]store.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	var out []store.Event
	for _, e := range f.events {
		if _, ok := f.reported[e.EventID]; ok {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeReportStore) MarkEventsReported(ctx context.Context, eventIDs []int64, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range eventIDs {
		f.reported[id] = ts
	}
	return nil
}

func (f *fakeReportStore) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tenants[id]
	if !ok {
		return nil, store.ErrTenantNotFound
	}
	return t, nil
}

func (f *fakeReportStore) ListTenants(ctx context.Context) ([]store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.tenants[id])
	}
	return out, nil
}

func (f *fakeReportStore) RemoveReportedBefore(ctx context.Context, cutoff int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedBefore = append(f.removedBefore, cutoff)
	return 0, nil
}

func (f *fakeReportStore) PruneSendLog(ctx context.Context, before int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunedBefore = append(f.prunedBefore, before)
	return 0, nil
}

func (f *fakeReportStore) reportedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reported)
}

// syncCapture records every delivery-report POST a test endpoint sees.
type syncCapture struct {
	mu     sync.Mutex
	bodies [][]map[string]interface{}
	auths  []string
	paths  []string
}

func (c *syncCapture) handler(status int, respond string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeliveryReport []map[string]interface{} `json:"delivery_report"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.bodies = append(c.bodies, req.DeliveryReport)
		c.auths = append(c.auths, r.Header.Get("Authorization"))
		c.paths = append(c.paths, r.URL.Path)
		c.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(respond))
	}
}

func (c *syncCapture) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

const reportNow = int64(200000)

func newTestReporter(st ReportStore, cfg ReporterConfig) *Reporter {
	if cfg.Interval == 0 {
		cfg.Interval = -1
	}
	r := NewReporter(st, NewMetrics(), cfg)
	r.SetNowFunc(func() int64 { return reportNow })
	return r
}

// =============================================================================
// REPORT CYCLE TESTS
// =============================================================================

func TestReportCycleDeliversAndAcks(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true,"queued":0}`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{
		ID: "acme", Active: true, ClientBaseURL: srv.URL,
		ClientAuth: store.AuthConfig{Method: store.AuthBearer, Token: "tok-1"},
	}
	st.events = []store.Event{
		{EventID: 1, MessagePK: "pk-1", MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150},
		{EventID: 2, MessagePK: "pk-2", MessageID: "m2", TenantID: "acme", Type: store.EventError, TS: 151, Description: "SMTP 550: no such user"},
	}
	r := newTestReporter(st, ReporterConfig{})

	queued, err := r.ProcessCycle(context.Background())
	if err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if queued != 0 {
		t.Errorf("queued = %d, want 0", queued)
	}
	if capture.calls() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", capture.calls())
	}
	if capture.paths[0] != "/mail-proxy/sync" {
		t.Errorf("path = %q, want /mail-proxy/sync", capture.paths[0])
	}
	if capture.auths[0] != "Bearer tok-1" {
		t.Errorf("auth header = %q, want Bearer tok-1", capture.auths[0])
	}

	body := capture.bodies[0]
	if len(body) != 2 {
		t.Fatalf("delivery_report entries = %d, want 2", len(body))
	}
	if body[0]["id"] != "m1" || body[0]["sent_ts"].(float64) != 150 {
		t.Errorf("sent entry = %v", body[0])
	}
	if body[1]["id"] != "m2" || body[1]["error"] != "SMTP 550: no such user" {
		t.Errorf("error entry = %v", body[1])
	}

	if st.reportedCount() != 2 {
		t.Errorf("acked events = %d, want 2", st.reportedCount())
	}
	if r.metrics.Reported.Load() != 2 {
		t.Errorf("metrics.Reported = %d, want 2", r.metrics.Reported.Load())
	}
}

func TestReportGroupsByTenant(t *testing.T) {
	capA, capB := &syncCapture{}, &syncCapture{}
	srvA := httptest.NewServer(capA.handler(200, `{"ok":true}`))
	defer srvA.Close()
	srvB := httptest.NewServer(capB.handler(200, `{"ok":true}`))
	defer srvB.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srvA.URL}
	st.tenants["beta"] = &store.Tenant{ID: "beta", Active: true, ClientBaseURL: srvB.URL}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150},
		{EventID: 2, MessageID: "m2", TenantID: "beta", Type: store.EventSent, TS: 151},
		{EventID: 3, MessageID: "m3", TenantID: "acme", Type: store.EventSent, TS: 152},
	}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capA.calls() != 1 || capB.calls() != 1 {
		t.Fatalf("calls = (%d, %d), want one per tenant", capA.calls(), capB.calls())
	}
	if len(capA.bodies[0]) != 2 {
		t.Errorf("acme entries = %d, want 2", len(capA.bodies[0]))
	}
	if len(capB.bodies[0]) != 1 || capB.bodies[0][0]["id"] != "m2" {
		t.Errorf("beta body = %v, want only m2", capB.bodies[0])
	}
	if st.reportedCount() != 3 {
		t.Errorf("acked events = %d, want 3", st.reportedCount())
	}
}

func TestInternalEventsAckedWithoutSending(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true}`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srv.URL}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventPending, TS: 150},
		{EventID: 2, MessageID: "m2", TenantID: "acme", Type: store.EventDeferred, TS: 151, Description: "rate_limit"},
	}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if st.reportedCount() != 2 {
		t.Errorf("acked events = %d, want both internal events", st.reportedCount())
	}
	// The tenant saw only an empty-queue ping, never the internal events.
	if capture.calls() != 1 {
		t.Fatalf("endpoint calls = %d, want 1 ping", capture.calls())
	}
	if len(capture.bodies[0]) != 0 {
		t.Errorf("ping carried %d entries, want empty delivery_report", len(capture.bodies[0]))
	}
}

func TestDeferredEventsReportedWhenEnabled(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true}`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srv.URL}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventDeferred, TS: 151, Description: "retry 1/5: 421 busy"},
	}
	r := newTestReporter(st, ReporterConfig{ReportDeferred: true})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capture.calls() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", capture.calls())
	}
	body := capture.bodies[0]
	if len(body) != 1 {
		t.Fatalf("entries = %d, want 1", len(body))
	}
	if body[0]["deferred_ts"].(float64) != 151 || body[0]["deferred_reason"] != "retry 1/5: 421 busy" {
		t.Errorf("deferred entry = %v", body[0])
	}
}

func TestEndpointFailureLeavesEventsUnreported(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(500, `backend down`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srv.URL}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150},
	}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if st.reportedCount() != 0 {
		t.Errorf("events acked despite endpoint failure: %d", st.reportedCount())
	}
	if r.metrics.Reported.Load() != 0 {
		t.Errorf("metrics.Reported = %d, want 0", r.metrics.Reported.Load())
	}

	// The next cycle retries the same batch.
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("second ProcessCycle: %v", err)
	}
	if capture.calls() != 2 {
		t.Errorf("endpoint calls = %d, want 2", capture.calls())
	}
}

func TestNonJSONSuccessStillAcks(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `OK`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srv.URL}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150},
	}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if st.reportedCount() != 1 {
		t.Errorf("acked events = %d, want 1 on plain 2xx", st.reportedCount())
	}
}

func TestNoSyncURLHoldsEvents(t *testing.T) {
	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true}
	st.events = []store.Event{
		{EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150},
	}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if st.reportedCount() != 0 {
		t.Errorf("events acked with nowhere to send them: %d", st.reportedCount())
	}

	// A global fallback endpoint picks them up.
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true}`))
	defer srv.Close()
	r = newTestReporter(st, ReporterConfig{GlobalSyncURL: srv.URL + "/sync"})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle with global URL: %v", err)
	}
	if st.reportedCount() != 1 {
		t.Errorf("acked events = %d, want 1 via global endpoint", st.reportedCount())
	}
	if capture.calls() != 1 {
		t.Errorf("global endpoint calls = %d, want 1", capture.calls())
	}
}

func TestSnoozeSuppressesPings(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true,"snooze_until":200500}`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srv.URL}
	r := newTestReporter(st, ReporterConfig{})

	// First cycle pings the never-synced tenant; the response snoozes it.
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capture.calls() != 1 {
		t.Fatalf("endpoint calls = %d, want 1", capture.calls())
	}

	// While snoozed, empty cycles leave the tenant alone.
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("second ProcessCycle: %v", err)
	}
	if capture.calls() != 1 {
		t.Errorf("snoozed tenant was pinged again: %d calls", capture.calls())
	}

	status, err := r.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if len(status) != 1 || !status[0].InDND {
		t.Errorf("status = %+v, want in_dnd", status)
	}

	// Events still flow: snooze holds pings, not reports.
	st.mu.Lock()
	st.events = append(st.events, store.Event{
		EventID: 1, MessageID: "m1", TenantID: "acme", Type: store.EventSent, TS: 150,
	})
	st.mu.Unlock()
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("third ProcessCycle: %v", err)
	}
	if capture.calls() != 2 {
		t.Errorf("calls = %d, want snoozed tenant still receiving reports", capture.calls())
	}

	// RunNow clears the snooze.
	r.RunNow("acme")
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("fourth ProcessCycle: %v", err)
	}
	if capture.calls() != 3 {
		t.Errorf("calls = %d, want forced ping after RunNow", capture.calls())
	}
}

func TestRunNowTargetsSingleTenant(t *testing.T) {
	capA, capB := &syncCapture{}, &syncCapture{}
	srvA := httptest.NewServer(capA.handler(200, `{"ok":true,"queued":2}`))
	defer srvA.Close()
	srvB := httptest.NewServer(capB.handler(200, `{"ok":true}`))
	defer srvB.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: true, ClientBaseURL: srvA.URL}
	st.tenants["beta"] = &store.Tenant{ID: "beta", Active: true, ClientBaseURL: srvB.URL}
	r := newTestReporter(st, ReporterConfig{})

	r.RunNow("acme")
	queued, err := r.ProcessCycle(context.Background())
	if err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capA.calls() != 1 {
		t.Errorf("target calls = %d, want 1", capA.calls())
	}
	if capB.calls() != 0 {
		t.Errorf("non-target was pinged: %d calls", capB.calls())
	}
	if queued != 2 {
		t.Errorf("queued = %d, want 2 from target response", queued)
	}
}

func TestPingSkipsInactiveAndNotDue(t *testing.T) {
	capture := &syncCapture{}
	srv := httptest.NewServer(capture.handler(200, `{"ok":true}`))
	defer srv.Close()

	st := newFakeReportStore()
	st.tenants["acme"] = &store.Tenant{ID: "acme", Active: false, ClientBaseURL: srv.URL}
	r := newTestReporter(st, ReporterConfig{})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capture.calls() != 0 {
		t.Errorf("inactive tenant was pinged: %d calls", capture.calls())
	}

	// An active tenant synced less than an interval ago is not due.
	st.mu.Lock()
	st.tenants["acme"].Active = true
	st.mu.Unlock()
	r = newTestReporter(st, ReporterConfig{Interval: 300 * time.Second})
	r.markSynced("acme", reportNow-100)

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capture.calls() != 0 {
		t.Errorf("fresh tenant was pinged: %d calls", capture.calls())
	}

	// Once the interval elapses it is due again.
	r = newTestReporter(st, ReporterConfig{Interval: 300 * time.Second})
	r.markSynced("acme", reportNow-400)

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if capture.calls() != 1 {
		t.Errorf("due tenant was not pinged: %d calls", capture.calls())
	}
}

func TestInactiveReporterSkipsCycles(t *testing.T) {
	st := newFakeReportStore()
	r := newTestReporter(st, ReporterConfig{})
	r.SetActive(false)

	queued, err := r.ProcessCycle(context.Background())
	if err != nil || queued != 0 {
		t.Fatalf("ProcessCycle = (%d, %v), want (0, nil)", queued, err)
	}
	if st.fetchCalls != 0 {
		t.Errorf("inactive reporter touched the store: %d fetches", st.fetchCalls)
	}

	r.SetActive(true)
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle after reactivation: %v", err)
	}
	if st.fetchCalls != 1 {
		t.Errorf("fetches = %d, want 1", st.fetchCalls)
	}
}

func TestRetentionCutoffs(t *testing.T) {
	st := newFakeReportStore()
	r := newTestReporter(st, ReporterConfig{RetentionSeconds: 1000})

	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if len(st.removedBefore) != 1 || st.removedBefore[0] != reportNow-1000 {
		t.Errorf("RemoveReportedBefore cutoffs = %v, want [%d]", st.removedBefore, reportNow-1000)
	}
	if len(st.prunedBefore) != 1 || st.prunedBefore[0] != reportNow-86400 {
		t.Errorf("PruneSendLog cutoffs = %v, want [%d]", st.prunedBefore, reportNow-86400)
	}

	// Retention disabled: nothing is removed.
	st = newFakeReportStore()
	r = newTestReporter(st, ReporterConfig{RetentionSeconds: -1})
	if _, err := r.ProcessCycle(context.Background()); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	if len(st.removedBefore) != 0 || len(st.prunedBefore) != 0 {
		t.Errorf("retention ran while disabled: %v %v", st.removedBefore, st.prunedBefore)
	}
}

func TestEventPayloadShapes(t *testing.T) {
	tests := []struct {
		name  string
		event store.Event
		want  map[string]interface{}
	}{
		{
			name:  "sent",
			event: store.Event{MessageID: "m1", Type: store.EventSent, TS: 150},
			want:  map[string]interface{}{"id": "m1", "sent_ts": int64(150)},
		},
		{
			name:  "error",
			event: store.Event{MessageID: "m2", Type: store.EventError, TS: 151, Description: "boom"},
			want:  map[string]interface{}{"id": "m2", "error_ts": int64(151), "error": "boom"},
		},
		{
			name:  "deferred",
			event: store.Event{MessageID: "m3", Type: store.EventDeferred, TS: 152, Description: "rate_limit"},
			want:  map[string]interface{}{"id": "m3", "deferred_ts": int64(152), "deferred_reason": "rate_limit"},
		},
		{
			name: "bounce with metadata",
			event: store.Event{
				MessageID: "m4", Type: store.EventBounce, TS: 153,
				Description: "mailbox full",
				Metadata:    json.RawMessage(`{"bounce_type":"hard","bounce_code":"5.2.2"}`),
			},
			want: map[string]interface{}{
				"id": "m4", "bounce_ts": int64(153), "bounce_reason": "mailbox full",
				"bounce_type": "hard", "bounce_code": "5.2.2",
			},
		},
		{
			name:  "bounce without metadata",
			event: store.Event{MessageID: "m5", Type: store.EventBounce, TS: 154, Description: "unknown"},
			want:  map[string]interface{}{"id": "m5", "bounce_ts": int64(154), "bounce_reason": "unknown"},
		},
		{
			name:  "pec with details",
			event: store.Event{MessageID: "m6", Type: "pec_acceptance", TS: 155, Description: "accepted by provider"},
			want: map[string]interface{}{
				"id": "m6", "pec_event": "pec_acceptance", "pec_ts": int64(155),
				"pec_details": "accepted by provider",
			},
		},
		{
			name:  "pec without details",
			event: store.Event{MessageID: "m7", Type: "pec_delivery", TS: 156},
			want:  map[string]interface{}{"id": "m7", "pec_event": "pec_delivery", "pec_ts": int64(156)},
		},
	}
	for _, tt := range tests {
		got := eventPayload(&tt.event)
		if len(got) != len(tt.want) {
			t.Errorf("%s: payload = %v, want %v", tt.name, got, tt.want)
			continue
		}
		for k, want := range tt.want {
			if got[k] != want {
				t.Errorf("%s: payload[%s] = %v (%T), want %v (%T)", tt.name, k, got[k], got[k], want, want)
			}
		}
	}
}

func TestSyncStatus(t *testing.T) {
	st := newFakeReportStore()
	st.tenants["due-now"] = &store.Tenant{ID: "due-now", Name: "Due", Active: true, ClientBaseURL: "http://due.example"}
	st.tenants["fresh"] = &store.Tenant{ID: "fresh", Name: "Fresh", Active: true}
	st.tenants["snoozed"] = &store.Tenant{ID: "snoozed", Name: "Snoozed", Active: true}
	r := newTestReporter(st, ReporterConfig{Interval: 300 * time.Second})
	r.markSynced("due-now", reportNow-400)
	r.markSynced("fresh", reportNow-100)
	r.snooze("snoozed", reportNow+500)

	status, err := r.SyncStatus(context.Background())
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if len(status) != 3 {
		t.Fatalf("status entries = %d, want 3", len(status))
	}
	byID := make(map[string]TenantSyncStatus)
	for _, s := range status {
		byID[s.ID] = s
	}

	due := byID["due-now"]
	if !due.NextSyncDue || due.InDND || due.LastSyncTS == nil || *due.LastSyncTS != reportNow-400 {
		t.Errorf("due-now = %+v", due)
	}
	if due.ClientBaseURL != "http://due.example" {
		t.Errorf("due-now base URL = %q", due.ClientBaseURL)
	}
	fresh := byID["fresh"]
	if fresh.NextSyncDue || fresh.InDND {
		t.Errorf("fresh = %+v, want neither due nor dnd", fresh)
	}
	snoozed := byID["snoozed"]
	if !snoozed.InDND || snoozed.NextSyncDue {
		t.Errorf("snoozed = %+v, want in_dnd only", snoozed)
	}

	if r.SyncIntervalSeconds() != 300 {
		t.Errorf("SyncIntervalSeconds = %d, want 300", r.SyncIntervalSeconds())
	}
}

func TestReporterStartStop(t *testing.T) {
	st := newFakeReportStore()
	r := newTestReporter(st, ReporterConfig{})

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Error("double Start() should return error")
	}

	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		t.Error("reporter should be running after Start()")
	}

	r.Stop()

	r.mu.RLock()
	running = r.running
	r.mu.RUnlock()
	if running {
		t.Error("reporter should not be running after Stop()")
	}
	r.Stop()
}
