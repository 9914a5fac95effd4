package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/admin"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdmin records calls and returns canned responses so the HTTP layer can
// be tested without the service behind it.
type fakeAdmin struct {
	authErr   error
	dashboard *admin.Dashboard
	tenants   []admin.TenantRow
	profiles  []admin.ProfileRow
	alerts    *admin.AlertsPage
	tenant    *domain.Tenant
	profile   *domain.Profile
	alert     *domain.Alert
	patchErr  error
	acked     int

	gotActor        string
	gotTarget       string
	gotPatch        admin.TenantPatch
	gotIDs          []string
	gotFilter       admin.AlertFilter
	gotTenantFilter admin.TenantFilter
}

func (f *fakeAdmin) Authorise(tenantID, action, target string) error {
	f.gotActor = tenantID
	return f.authErr
}

func (f *fakeAdmin) Dashboard() (*admin.Dashboard, error) { return f.dashboard, nil }

func (f *fakeAdmin) Tenants(filter admin.TenantFilter) ([]admin.TenantRow, error) {
	f.gotTenantFilter = filter
	return f.tenants, nil
}

func (f *fakeAdmin) Profiles(admin.ProfileFilter) ([]admin.ProfileRow, error) {
	return f.profiles, nil
}

func (f *fakeAdmin) ListAlerts(filter admin.AlertFilter) (*admin.AlertsPage, error) {
	f.gotFilter = filter
	return f.alerts, nil
}

func (f *fakeAdmin) PatchTenant(actor, id string, patch admin.TenantPatch) (*domain.Tenant, error) {
	f.gotActor, f.gotTarget, f.gotPatch = actor, id, patch
	return f.tenant, f.patchErr
}

func (f *fakeAdmin) SuspendTenant(_ context.Context, actor, id, _ string) (*domain.Tenant, error) {
	f.gotActor, f.gotTarget = actor, id
	return f.tenant, f.patchErr
}

func (f *fakeAdmin) PatchProfile(actor, id string, _ admin.ProfilePatch) (*domain.Profile, error) {
	f.gotActor, f.gotTarget = actor, id
	return f.profile, f.patchErr
}

func (f *fakeAdmin) ForceDisconnect(_ context.Context, actor, profileID, _ string) error {
	f.gotActor, f.gotTarget = actor, profileID
	return f.patchErr
}

func (f *fakeAdmin) AcknowledgeAlerts(actor string, ids []string) (int, error) {
	f.gotActor, f.gotIDs = actor, ids
	return f.acked, f.patchErr
}

func (f *fakeAdmin) CreateAlert(actor string, a domain.Alert) (*domain.Alert, error) {
	f.gotActor = actor
	return f.alert, f.patchErr
}

func (f *fakeAdmin) Broadcast(actor, message string, severity domain.AlertSeverity) (*domain.Alert, error) {
	f.gotActor = actor
	return f.alert, f.patchErr
}

func newTestRouter(svc *fakeAdmin) *chi.Mux {
	h := NewAdminHandlers(svc, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-Tenant-ID", actor)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMissingTenantHeaderIsUnauthorized(t *testing.T) {
	router := newTestRouter(&fakeAdmin{})

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/admin/dashboard"},
		{http.MethodPatch, "/api/admin/tenants/ten-1"},
		{http.MethodPost, "/api/admin/broadcast"},
	} {
		rec := doJSON(t, router, route.method, route.path, "", "{}")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route.path)
	}
}

func TestAuthoriseDenialMapsToForbidden(t *testing.T) {
	svc := &fakeAdmin{authErr: admin.ErrNotAdmin}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/admin/dashboard", "ten-op", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	svc.authErr = admin.ErrUnknownTenant
	rec = doJSON(t, router, http.MethodGet, "/api/admin/tenants", "ten-ghost", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListTenantsParsesFilter(t *testing.T) {
	svc := &fakeAdmin{}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/admin/tenants?tier=pro&status=active", "ten-admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pro", svc.gotTenantFilter.Tier)
	assert.Equal(t, "active", svc.gotTenantFilter.Status)
}

func TestPatchTenantRoutesBodyAndActor(t *testing.T) {
	svc := &fakeAdmin{tenant: &domain.Tenant{ID: "ten-1", Name: "Renamed"}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-1", "ten-admin", `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ten-admin", svc.gotActor)
	assert.Equal(t, "ten-1", svc.gotTarget)
	require.NotNil(t, svc.gotPatch.Name)
	assert.Equal(t, "Renamed", *svc.gotPatch.Name)

	var tenant domain.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	assert.Equal(t, "Renamed", tenant.Name)
}

func TestPatchErrorsMapOntoStatuses(t *testing.T) {
	svc := &fakeAdmin{patchErr: admin.ErrTenantNotFound}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-x", "ten-admin", "{}")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	svc.patchErr = admin.ErrSelfDemote
	rec = doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-admin", "ten-admin", `{"role":"viewer"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	svc.patchErr = admin.ErrLastAdmin
	rec = doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-admin", "ten-admin2", `{"role":"viewer"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.patchErr = admin.ErrInvalidPatch
	rec = doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-1", "ten-admin", `{"tier":"platinum"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchTenantTier(t *testing.T) {
	svc := &fakeAdmin{tenant: &domain.Tenant{ID: "ten-1", Tier: domain.TierPro}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPatch, "/api/admin/tenants/ten-1", "ten-admin", `{"tier":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.gotPatch.Tier)
	assert.Equal(t, "pro", *svc.gotPatch.Tier)

	var tenant domain.Tenant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tenant))
	assert.Equal(t, domain.TierPro, tenant.Tier)
}

func TestSuspendTenant(t *testing.T) {
	svc := &fakeAdmin{tenant: &domain.Tenant{ID: "ten-1", Status: domain.TenantSuspended}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/tenants/ten-1/suspend", "ten-admin", `{"reason":"billing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ten-1", svc.gotTarget)
}

func TestForceDisconnect(t *testing.T) {
	svc := &fakeAdmin{}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/profiles/prof-1/disconnect", "ten-admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prof-1", svc.gotTarget)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "disconnected", resp["status"])
}

func TestListAlertsParsesFilter(t *testing.T) {
	svc := &fakeAdmin{alerts: &admin.AlertsPage{Total: 0}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet,
		"/api/admin/alerts?severity=critical&acknowledged=false&limit=20&offset=5", "ten-admin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "critical", svc.gotFilter.Severity)
	require.NotNil(t, svc.gotFilter.Acknowledged)
	assert.False(t, *svc.gotFilter.Acknowledged)
	assert.Equal(t, 20, svc.gotFilter.Limit)
	assert.Equal(t, 5, svc.gotFilter.Offset)
}

func TestAcknowledgeAlertsValidatesBody(t *testing.T) {
	svc := &fakeAdmin{acked: 2}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/alerts/acknowledge", "ten-admin", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/admin/alerts/acknowledge", "ten-admin", `{"ids":["alt-1","alt-2"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alt-1", "alt-2"}, svc.gotIDs)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["acknowledged"])
}

func TestCreateAlertReturnsCreated(t *testing.T) {
	svc := &fakeAdmin{alert: &domain.Alert{ID: "alt-1", Message: "check spreads"}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/alerts", "ten-admin", `{"message":"check spreads"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestBroadcast(t *testing.T) {
	svc := &fakeAdmin{alert: &domain.Alert{ID: "alt-1", Kind: "broadcast"}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodPost, "/api/admin/broadcast", "ten-admin", `{"message":"maintenance","severity":"info"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ten-admin", svc.gotActor)
}
