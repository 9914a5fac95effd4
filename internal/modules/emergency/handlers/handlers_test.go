package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/archonlabs/bastion/internal/domain"
	"github.com/archonlabs/bastion/internal/modules/emergency"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmergency records calls and returns canned responses so the HTTP layer
// can be tested without the control plane behind it.
type fakeEmergency struct {
	killResult *emergency.KillSwitchResult
	killErr    error
	releaseErr error
	panicState *domain.PanicState
	panicErr   error
	resetErr   error
	activeFor  *domain.PanicState
	history    []emergency.TriggerRecord
	drawdown   *emergency.DrawdownStatus

	gotProfile string
	gotReason  string
	gotBy      string
	gotForce   bool
}

func (f *fakeEmergency) ActivateKillSwitch(_ context.Context, profileID, reason, by string) (*emergency.KillSwitchResult, error) {
	f.gotProfile = profileID
	f.gotReason = reason
	f.gotBy = by
	return f.killResult, f.killErr
}

func (f *fakeEmergency) ReleaseKillSwitch(profileID, by string) error {
	f.gotProfile = profileID
	f.gotBy = by
	return f.releaseErr
}

func (f *fakeEmergency) TriggerManual(_ context.Context, profileID, reason, by string) (*domain.PanicState, error) {
	f.gotProfile = profileID
	f.gotReason = reason
	f.gotBy = by
	return f.panicState, f.panicErr
}

func (f *fakeEmergency) Reset(profileID, by string, force bool) error {
	f.gotProfile = profileID
	f.gotBy = by
	f.gotForce = force
	return f.resetErr
}

func (f *fakeEmergency) PanicFor(profileID string) *domain.PanicState {
	f.gotProfile = profileID
	return f.activeFor
}

func (f *fakeEmergency) History(string, int) []emergency.TriggerRecord {
	return f.history
}

func (f *fakeEmergency) DrawdownStatus(string) *emergency.DrawdownStatus {
	return f.drawdown
}

type fakeAuth struct {
	denyErr error
	actions []string
}

func (f *fakeAuth) Authorise(tenantID, action, target string) error {
	f.actions = append(f.actions, action)
	return f.denyErr
}

func newTestRouter(svc *fakeEmergency, auth *fakeAuth) chi.Router {
	h := NewEmergencyHandlers(svc, auth, zerolog.Nop())
	r := chi.NewRouter()
	h.RegisterRoutes(r, func(next http.Handler) http.Handler { return next })
	return r
}

// adminRequest builds a request with the tenant identity the auth edge sets
func adminRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("X-Tenant-ID", "admin-1")
	return req
}

func TestHandleActivateKillSwitch(t *testing.T) {
	svc := &fakeEmergency{killResult: &emergency.KillSwitchResult{
		ActivatedAt:     time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		ProfileID:       "prof-1",
		ChainID:         "chain-1",
		Reason:          "fat finger",
		ClosedPositions: 2,
	}}
	auth := &fakeAuth{}
	router := newTestRouter(svc, auth)

	req := adminRequest("POST", "/profiles/prof-1/kill-switch", `{"reason":"fat finger"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got emergency.KillSwitchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.ClosedPositions)
	assert.Equal(t, "chain-1", got.ChainID)

	assert.Equal(t, "prof-1", svc.gotProfile)
	assert.Equal(t, "fat finger", svc.gotReason)
	assert.Equal(t, "admin-1", svc.gotBy)
	assert.Equal(t, []string{"kill_switch"}, auth.actions)
}

func TestHandleActivateKillSwitchEmptyBody(t *testing.T) {
	svc := &fakeEmergency{killResult: &emergency.KillSwitchResult{ProfileID: "prof-1"}}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/prof-1/kill-switch", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "reason is optional")
	assert.Empty(t, svc.gotReason)
}

func TestHandleActivateKillSwitchMissingIdentity(t *testing.T) {
	svc := &fakeEmergency{}
	router := newTestRouter(svc, &fakeAuth{})

	req := httptest.NewRequest("POST", "/profiles/prof-1/kill-switch", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.gotProfile, "service never reached")
}

func TestHandleActivateKillSwitchForbidden(t *testing.T) {
	svc := &fakeEmergency{}
	auth := &fakeAuth{denyErr: errors.New("tenant is not an admin")}
	router := newTestRouter(svc, auth)

	req := adminRequest("POST", "/profiles/prof-1/kill-switch", `{}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "not an admin")
	assert.Empty(t, svc.gotProfile)
}

func TestHandleActivateKillSwitchConflict(t *testing.T) {
	svc := &fakeEmergency{killErr: fmt.Errorf("%w: prof-1", emergency.ErrTradingAlreadyDisabled)}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/prof-1/kill-switch", `{}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleActivateKillSwitchUnknownProfile(t *testing.T) {
	svc := &fakeEmergency{killErr: fmt.Errorf("%w: ghost", emergency.ErrProfileNotFound)}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/ghost/kill-switch", `{}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReleaseKillSwitch(t *testing.T) {
	svc := &fakeEmergency{}
	auth := &fakeAuth{}
	router := newTestRouter(svc, auth)

	req := adminRequest("POST", "/profiles/prof-1/kill-switch/release", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "released", resp["status"])
	assert.Equal(t, []string{"kill_switch_release"}, auth.actions)
	assert.Equal(t, "admin-1", svc.gotBy)
}

func TestHandleReleaseKillSwitchAlreadyEnabled(t *testing.T) {
	svc := &fakeEmergency{releaseErr: fmt.Errorf("%w: prof-1", emergency.ErrTradingAlreadyEnabled)}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/prof-1/kill-switch/release", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleTriggerPanic(t *testing.T) {
	svc := &fakeEmergency{panicState: &domain.PanicState{
		TriggeredAt:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		CooldownUntil: time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC),
		ProfileID:     "prof-1",
		Trigger:       domain.TriggerManual,
		Reason:        "desk call",
		Active:        true,
	}}
	auth := &fakeAuth{}
	router := newTestRouter(svc, auth)

	req := adminRequest("POST", "/profiles/prof-1/panic", `{"reason":"desk call"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.PanicState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Active)
	assert.Equal(t, domain.TriggerManual, got.Trigger)

	assert.Equal(t, "desk call", svc.gotReason)
	assert.Equal(t, []string{"panic_trigger"}, auth.actions)
}

func TestHandleTriggerPanicAlreadyActive(t *testing.T) {
	svc := &fakeEmergency{panicErr: fmt.Errorf("%w: manual since 12:00", emergency.ErrPanicActive)}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/prof-1/panic", `{}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleResetPanic(t *testing.T) {
	svc := &fakeEmergency{}
	auth := &fakeAuth{}
	router := newTestRouter(svc, auth)

	req := adminRequest("POST", "/profiles/prof-1/panic/reset", `{"force":true}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reset", resp["status"])
	assert.True(t, svc.gotForce)
	assert.Equal(t, []string{"panic_reset"}, auth.actions)
}

func TestHandleResetPanicDuringCooldown(t *testing.T) {
	svc := &fakeEmergency{resetErr: fmt.Errorf("%w until 12:30", emergency.ErrCooldownActive)}
	router := newTestRouter(svc, &fakeAuth{})

	req := adminRequest("POST", "/profiles/prof-1/panic/reset", "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "cooldown")
}

func TestHandleGetPanicActive(t *testing.T) {
	svc := &fakeEmergency{
		activeFor: &domain.PanicState{ProfileID: "prof-1", Trigger: domain.TriggerFlashCrash, Active: true},
		drawdown:  &emergency.DrawdownStatus{ProfileID: "prof-1", Level: emergency.DrawdownNormal},
		history: []emergency.TriggerRecord{
			{ProfileID: "prof-1", Trigger: domain.TriggerFlashCrash, Reason: "EURUSD dropped 2.10% inside 1m0s"},
		},
	}
	router := newTestRouter(svc, &fakeAuth{})

	req := httptest.NewRequest("GET", "/profiles/prof-1/panic", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["active"])

	state, ok := resp["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "flash_crash", state["trigger"])
	assert.Len(t, resp["recent_triggers"], 1)
	require.NotNil(t, resp["drawdown"])
}

func TestHandleGetPanicInactive(t *testing.T) {
	router := newTestRouter(&fakeEmergency{}, &fakeAuth{})

	req := httptest.NewRequest("GET", "/profiles/prof-1/panic", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["active"])
	assert.Nil(t, resp["state"])
	assert.Equal(t, "prof-1", resp["profile_id"])
}
