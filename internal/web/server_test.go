package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"probed/internal/config"
	"probed/internal/db"
)

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	cfg := &config.ServerConfig{HTTPPort: 0}
	return New(cfg, d, nil), d
}

func TestHandleDashboard(t *testing.T) {
	s, d := newTestServer(t)
	if _, err := d.AddSession(&db.Session{ProbeID: 1, Address: "10.0.0.1:60666", IntervalMs: 500}); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "10.0.0.1:60666") {
		t.Errorf("expected dashboard body to contain session address, got %q", rec.Body.String())
	}
}

func TestHandleGetSessions(t *testing.T) {
	s, d := newTestServer(t)
	if _, err := d.AddSession(&db.Session{ProbeID: 1, Address: "10.0.0.1:60666", IntervalMs: 500}); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sessions []db.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Address != "10.0.0.1:60666" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}
}

func TestHandleCreateSession(t *testing.T) {
	s, d := newTestServer(t)

	body := strings.NewReader(`{"probe_id":7,"address":"10.0.0.2:60666","interval":"500ms","dscp":10}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	sessions, err := d.GetSessions()
	if err != nil {
		t.Fatalf("GetSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ProbeID != 7 || sessions[0].IntervalMs != 500 {
		t.Errorf("session not persisted as expected: %+v", sessions)
	}
}

func TestHandleCreateSessionRejectsBadAddress(t *testing.T) {
	s, _ := newTestServer(t)

	body := strings.NewReader(`{"probe_id":7,"address":"not-an-address","interval":"500ms"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed address, got %d", rec.Code)
	}
}

func TestHandleDeleteSession(t *testing.T) {
	s, d := newTestServer(t)
	id, err := d.AddSession(&db.Session{ProbeID: 1, Address: "10.0.0.1:60666", IntervalMs: 500})
	if err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/sessions/"+strconv.FormatInt(id, 10), nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sessions, _ := d.GetSessions()
	if len(sessions) != 0 {
		t.Errorf("expected session deleted, got %d remaining", len(sessions))
	}
}

func TestHandleGetRollups(t *testing.T) {
	s, d := newTestServer(t)
	id, err := d.AddSession(&db.Session{ProbeID: 1, Address: "10.0.0.1:60666", IntervalMs: 500})
	if err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if err := d.AddRollup(&db.Rollup{Time: now, SessionID: id, OkCount: 42}); err != nil {
		t.Fatalf("AddRollup failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+strconv.FormatInt(id, 10)+"/rollups", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rollups []rollupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &rollups); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(rollups) != 1 || rollups[0].OkCount != 42 {
		t.Errorf("unexpected rollups: %+v", rollups)
	}
}
