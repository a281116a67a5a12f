package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/seren-labs/insightd/internal/insight"
)

type stubCycleStore struct {
	cycles  []insight.Cycle
	running bool
}

func (s *stubCycleStore) ListCycles(_ context.Context, userID string, limit int) ([]insight.Cycle, error) {
	var out []insight.Cycle
	for _, c := range s.cycles {
		if c.UserID == userID {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubCycleStore) GetCycle(_ context.Context, cycleID string) (insight.Cycle, bool, error) {
	for _, c := range s.cycles {
		if c.ID == cycleID {
			return c, true, nil
		}
	}
	return insight.Cycle{}, false, nil
}

func (s *stubCycleStore) HasRunningCycle(_ context.Context, _ string) (bool, error) {
	return s.running, nil
}

func TestListCyclesRequiresUserID(t *testing.T) {
	e := echo.New()
	handler := &CyclesHandler{Store: &stubCycleStore{}}

	req := httptest.NewRequest(http.MethodGet, "/api/cycles", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.list(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestListCyclesReturnsLedger(t *testing.T) {
	e := echo.New()
	handler := &CyclesHandler{Store: &stubCycleStore{cycles: []insight.Cycle{
		{ID: "cycle-1", UserID: "user-1", Status: insight.CycleStatusCompleted, StartedAt: time.Now()},
		{ID: "cycle-2", UserID: "user-2", Status: insight.CycleStatusFailed, StartedAt: time.Now()},
	}}}

	req := httptest.NewRequest(http.MethodGet, "/api/cycles?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	if err := handler.list(ctx); err != nil {
		t.Fatalf("list: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []insight.Cycle
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ID != "cycle-1" {
		t.Fatalf("unexpected cycles: %+v", got)
	}
}

func TestGetCycleNotFound(t *testing.T) {
	e := echo.New()
	handler := &CyclesHandler{Store: &stubCycleStore{}}

	req := httptest.NewRequest(http.MethodGet, "/api/cycles/missing", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("id")
	ctx.SetParamValues("missing")

	err := handler.get(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestTriggerRejectsRunningCycle(t *testing.T) {
	e := echo.New()
	handler := &CyclesHandler{Store: &stubCycleStore{running: true}}

	req := httptest.NewRequest(http.MethodPost, "/api/cycles", strings.NewReader(`{"user_id":"user-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	err := handler.trigger(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/cycles", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	next := func(c echo.Context) error { return c.NoContent(http.StatusOK) }
	err := withAuth(next, []byte("secret"))(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWithAuthAcceptsSignedToken(t *testing.T) {
	secret := []byte("secret")
	token, err := SignJWT("ops", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/cycles", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	var subject string
	next := func(c echo.Context) error {
		subject, _ = c.Get("subject").(string)
		return c.NoContent(http.StatusOK)
	}
	if err := withAuth(next, secret)(ctx); err != nil {
		t.Fatalf("withAuth: %v", err)
	}
	if subject != "ops" {
		t.Fatalf("expected subject ops, got %q", subject)
	}
}
