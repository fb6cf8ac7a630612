package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ignite/mailroom/internal/core"
	"github.com/ignite/mailroom/internal/pkg/httputil"
	"github.com/ignite/mailroom/internal/pkg/logger"
)

// Handlers adapts HTTP requests onto the command core.
type Handlers struct {
	core Core
}

// NewHandlers creates the handler set.
func NewHandlers(c Core) *Handlers {
	return &Handlers{core: c}
}

type ctxKey int

// scopeKey carries the authenticated token scope: "" for the service
// token, a tenant id for tenant keys.
const scopeKey ctxKey = 0

// Authenticated validates the X-API-Token header and stashes the token
// scope in the request context.
func (h *Handlers) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := h.core.Authenticate(r.Context(), r.Header.Get("X-API-Token"))
		if err != nil {
			if errors.Is(err, core.ErrUnauthorized) {
				fail(w, http.StatusUnauthorized, err.Error())
			} else {
				logger.Error("api token check failed", "error", err.Error())
				fail(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey, scope)))
	})
}

func tokenScope(r *http.Request) string {
	s, _ := r.Context().Value(scopeKey).(string)
	return s
}

// resolveTenant applies the token scope to a request's target tenant.
// A service token passes any id through; a tenant key may only name
// itself, and fills the id in when the request left it empty.
func resolveTenant(r *http.Request, requested string) (string, error) {
	scope := tokenScope(r)
	if scope == "" {
		return requested, nil
	}
	if requested == "" || requested == scope {
		return scope, nil
	}
	return "", core.ErrTenantScope
}

// serviceOnly admits only the service token. Tenant administration and
// service-wide views stay off-limits to tenant keys.
func (h *Handlers) serviceOnly(w http.ResponseWriter, r *http.Request) bool {
	if tokenScope(r) == "" {
		return true
	}
	fail(w, http.StatusForbidden, core.ErrTenantScope.Error())
	return false
}

// fail writes the command error envelope, the same shape the audit log
// stores.
func fail(w http.ResponseWriter, status int, msg string) {
	httputil.JSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

// respond maps a command outcome onto HTTP: validation refusals are
// 400s, scope refusals 403s, anything else a sanitized 500.
func respond(w http.ResponseWriter, res interface{}, err error) {
	if err == nil {
		httputil.OK(w, res)
		return
	}
	var ce *core.CommandError
	switch {
	case errors.As(err, &ce):
		fail(w, http.StatusBadRequest, ce.Error())
	case errors.Is(err, core.ErrTenantScope):
		fail(w, http.StatusForbidden, err.Error())
	default:
		logger.Error("api command failed", "error", err.Error())
		fail(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// decodeOptional tolerates an absent body for commands whose fields
// are all optional.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	fail(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		fail(w, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	return limit, true
}

// HealthCheck is the open liveness probe.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{"ok": true, "service": "mailroom"})
}

// GetStatus reports the dispatch role, uptime, queue depth and counters.
//
//	GET /status
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	res, err := h.core.Status(r.Context())
	respond(w, res, err)
}

// GetMetrics returns the counter snapshot.
//
//	GET /metrics
func (h *Handlers) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	httputil.OK(w, map[string]interface{}{"ok": true, "metrics": h.core.MetricsSnapshot()})
}

// RunNow wakes the dispatch loop and forces a report cycle.
//
//	POST /commands/run-now
func (h *Handlers) RunNow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	h.core.RunNow(tenantID)
	httputil.OK(w, core.OKResult{OK: true})
}

// Suspend holds back a tenant's sending, fully or one batch.
//
//	POST /commands/suspend
func (h *Handlers) Suspend(w http.ResponseWriter, r *http.Request) {
	var req core.SuspendRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.Suspend(r.Context(), req)
	respond(w, res, err)
}

// Activate resumes a tenant's sending, fully or one batch.
//
//	POST /commands/activate
func (h *Handlers) Activate(w http.ResponseWriter, r *http.Request) {
	var req core.SuspendRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.Activate(r.Context(), req)
	respond(w, res, err)
}

// AddMessages admits a batch of messages into the queue.
//
//	POST /commands/add-messages
func (h *Handlers) AddMessages(w http.ResponseWriter, r *http.Request) {
	var req core.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.Enqueue(r.Context(), req)
	respond(w, res, err)
}

// DeleteMessages removes a tenant's messages by id.
//
//	POST /commands/delete-messages
func (h *Handlers) DeleteMessages(w http.ResponseWriter, r *http.Request) {
	var req core.DeleteMessagesRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.DeleteMessages(r.Context(), req)
	respond(w, res, err)
}

// CleanupMessages prunes fully reported terminal messages.
//
//	POST /commands/cleanup-messages
func (h *Handlers) CleanupMessages(w http.ResponseWriter, r *http.Request) {
	var req core.CleanupRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.Cleanup(r.Context(), req)
	respond(w, res, err)
}

// RecordEvents ingests out-of-band delivery events.
//
//	POST /commands/record-events
func (h *Handlers) RecordEvents(w http.ResponseWriter, r *http.Request) {
	var req core.RecordEventsRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.RecordEvents(r.Context(), req)
	respond(w, res, err)
}

// GetCommandLog lists the audit trail, newest first.
//
//	GET /commands/log?tenant_id=&limit=
func (h *Handlers) GetCommandLog(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, r.URL.Query().Get("tenant_id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	res, err := h.core.CommandLog(r.Context(), tenantID, limit)
	respond(w, res, err)
}

// ListMessages returns a tenant's queue, optionally only unsent mail.
//
//	GET /messages?tenant_id=&active_only=&limit=
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, err := resolveTenant(r, q.Get("tenant_id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	activeOnly, _ := strconv.ParseBool(q.Get("active_only"))
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	res, err := h.core.ListMessages(r.Context(), core.ListMessagesRequest{
		TenantID:   tenantID,
		ActiveOnly: activeOnly,
		Limit:      limit,
	})
	respond(w, res, err)
}
