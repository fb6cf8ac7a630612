package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/mailroom/internal/config"
	"github.com/ignite/mailroom/internal/core"
	"github.com/ignite/mailroom/internal/store"
)

// Core is the command surface the HTTP layer adapts. *core.Core
// implements it; tests substitute a fake.
type Core interface {
	// Authenticate resolves an API token to its scope: "" for the
	// service token, a tenant id for tenant keys.
	Authenticate(ctx context.Context, token string) (string, error)

	Status(ctx context.Context) (*core.StatusResult, error)
	MetricsSnapshot() map[string]int64

	RunNow(tenantID string)
	Suspend(ctx context.Context, req core.SuspendRequest) (*core.SuspendResult, error)
	Activate(ctx context.Context, req core.SuspendRequest) (*core.SuspendResult, error)
	Enqueue(ctx context.Context, req core.EnqueueRequest) (*core.EnqueueResult, error)
	DeleteMessages(ctx context.Context, req core.DeleteMessagesRequest) (*core.DeleteMessagesResult, error)
	ListMessages(ctx context.Context, req core.ListMessagesRequest) (*core.ListMessagesResult, error)
	Cleanup(ctx context.Context, req core.CleanupRequest) (*core.CleanupResult, error)
	RecordEvents(ctx context.Context, req core.RecordEventsRequest) (*core.RecordEventsResult, error)
	CommandLog(ctx context.Context, tenantID string, limit int) (*core.CommandLogResult, error)

	CreateTenant(ctx context.Context, req core.CreateTenantRequest) (*core.TenantResult, error)
	GetTenant(ctx context.Context, id string) (*core.TenantResult, error)
	ListTenants(ctx context.Context, activeOnly bool) (*core.ListTenantsResult, error)
	UpdateTenant(ctx context.Context, req core.UpdateTenantRequest) (*core.TenantResult, error)
	DeleteTenant(ctx context.Context, id string) (*core.OKResult, error)
	CreateTenantAPIKey(ctx context.Context, tenantID string, ttlSeconds int64) (*core.APIKeyResult, error)
	RevokeTenantAPIKey(ctx context.Context, tenantID string) (*core.OKResult, error)
	TenantSyncStatus(ctx context.Context) (*core.SyncStatusResult, error)

	UpsertAccount(ctx context.Context, req core.AccountRequest) (*core.AccountResult, error)
	ListAccounts(ctx context.Context, tenantID string) (*core.ListAccountsResult, error)
	DeleteAccount(ctx context.Context, tenantID, id string) (*core.OKResult, error)

	Instance(ctx context.Context) (*core.InstanceResult, error)
	SetInstance(ctx context.Context, inst store.Instance) (*core.InstanceResult, error)
}

// Server is the control API server.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer wires the route table over a command core.
func NewServer(c Core, cfg config.APIConfig) *Server {
	h := NewHandlers(c)
	return &Server{handler: SetupRoutes(h, cfg.CORSOrigins)}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.handler,
		// Body timeouts are generous: addMessages batches carry full
		// MIME payloads inline.
		ReadTimeout:       2 * time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
