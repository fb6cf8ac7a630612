package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailroom/internal/core"
	"github.com/ignite/mailroom/internal/store"
)

// CreateTenant registers a client organization.
//
//	POST /tenant
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	var req core.CreateTenantRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.core.CreateTenant(r.Context(), req)
	respond(w, res, err)
}

// ListTenants returns the tenant roster.
//
//	GET /tenants?active_only=
func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active_only"))
	res, err := h.core.ListTenants(r.Context(), activeOnly)
	respond(w, res, err)
}

// GetSyncStatus reports each tenant's delivery-report sync state.
//
//	GET /tenants/sync-status
func (h *Handlers) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	res, err := h.core.TenantSyncStatus(r.Context())
	respond(w, res, err)
}

// GetTenant returns one tenant record. A tenant key may read itself.
//
//	GET /tenant/{id}
func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	res, err := h.core.GetTenant(r.Context(), tenantID)
	respond(w, res, err)
}

// UpdateTenant applies a partial update to a tenant.
//
//	PUT /tenant/{id}
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	var req core.UpdateTenantRequest
	if !decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	res, err := h.core.UpdateTenant(r.Context(), req)
	respond(w, res, err)
}

// DeleteTenant removes a tenant and everything it owns.
//
//	DELETE /tenant/{id}
func (h *Handlers) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	res, err := h.core.DeleteTenant(r.Context(), chi.URLParam(r, "id"))
	respond(w, res, err)
}

// CreateAPIKey mints or rotates a tenant's API key. A tenant key may
// rotate itself.
//
//	POST /tenant/{id}/api-key
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	var req struct {
		TTLSeconds int64 `json:"ttl_seconds"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	res, err := h.core.CreateTenantAPIKey(r.Context(), tenantID, req.TTLSeconds)
	respond(w, res, err)
}

// RevokeAPIKey invalidates a tenant's API key immediately.
//
//	DELETE /tenant/{id}/api-key
func (h *Handlers) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	res, err := h.core.RevokeTenantAPIKey(r.Context(), tenantID)
	respond(w, res, err)
}

// UpsertAccount creates or replaces a relay account.
//
//	POST /account
func (h *Handlers) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	var req core.AccountRequest
	if !decode(w, r, &req) {
		return
	}
	tenantID, err := resolveTenant(r, req.TenantID)
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	req.TenantID = tenantID
	res, err := h.core.UpsertAccount(r.Context(), req)
	respond(w, res, err)
}

// ListAccounts returns a tenant's relay roster.
//
//	GET /accounts?tenant_id=
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, r.URL.Query().Get("tenant_id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	res, err := h.core.ListAccounts(r.Context(), tenantID)
	respond(w, res, err)
}

// DeleteAccount removes a relay account and its queued mail.
//
//	DELETE /account/{id}?tenant_id=
func (h *Handlers) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, err := resolveTenant(r, r.URL.Query().Get("tenant_id"))
	if err != nil {
		fail(w, http.StatusForbidden, err.Error())
		return
	}
	res, err := h.core.DeleteAccount(r.Context(), tenantID, chi.URLParam(r, "id"))
	respond(w, res, err)
}

// GetInstance returns the service identity row.
//
//	GET /instance
func (h *Handlers) GetInstance(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	res, err := h.core.Instance(r.Context())
	respond(w, res, err)
}

// UpdateInstance upserts the service identity row.
//
//	PUT /instance
func (h *Handlers) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	if !h.serviceOnly(w, r) {
		return
	}
	var inst store.Instance
	if !decode(w, r, &inst) {
		return
	}
	res, err := h.core.SetInstance(r.Context(), inst)
	respond(w, res, err)
}
