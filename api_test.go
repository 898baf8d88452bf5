package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
)

func newTestServer(t *testing.T) *fiber.App {
	t.Helper()
	db := newTestDB(t)
	seedAttendance(t, db, time.Now())

	cfg := testLoaderConfig()
	cfg.DefaultWindowDays = 30
	loader := NewRecordLoader(db, cfg)
	server := NewServer(cfg, db, loader, NewNarrativeGenerator(cfg), NewAlertSynthesizer(cfg))
	return server.App()
}

func TestHealthz(t *testing.T) {
	app := newTestServer(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/healthz", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAbsencePatternEndpoint(t *testing.T) {
	app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/students/S1/absence-pattern", nil), 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var pattern AbsencePattern
	if err := json.NewDecoder(resp.Body).Decode(&pattern); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if pattern.StudentID != "S1" {
		t.Fatalf("unexpected student %q", pattern.StudentID)
	}
	// Seed data gives S1 a 5-day streak ending today.
	if pattern.ConsecutiveAbsences != 5 {
		t.Fatalf("expected 5 consecutive, got %d", pattern.ConsecutiveAbsences)
	}
	if pattern.RiskLevel != SeverityCritical {
		t.Fatalf("expected critical risk, got %s", pattern.RiskLevel)
	}
	if pattern.PatternDescription == "" || len(pattern.Recommendations) == 0 {
		t.Fatalf("expected narrative to be filled in, got %+v", pattern)
	}
}

func TestAbsencePatternEndpointUnknownStudent(t *testing.T) {
	app := newTestServer(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/students/unknown/absence-pattern", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404 for unknown student, got %d", resp.StatusCode)
	}
}

func TestAbsencePatternEndpointNoRecordsInWindow(t *testing.T) {
	db := newTestDB(t)
	seedSchool(t, db)
	// S1 exists but has a record only well outside a one-day window.
	if err := InsertAttendanceRecord(db, AttendanceRecord{
		StudentID: "S1",
		Date:      dateOnly(time.Now()).AddDate(0, 0, -10),
		Status:    StatusPresent,
	}); err != nil {
		t.Fatalf("InsertAttendanceRecord failed: %v", err)
	}

	cfg := testLoaderConfig()
	cfg.DefaultWindowDays = 30
	loader := NewRecordLoader(db, cfg)
	app := NewServer(cfg, db, loader, NewNarrativeGenerator(cfg), NewAlertSynthesizer(cfg)).App()

	resp, err := app.Test(httptest.NewRequest("GET", "/api/students/S1/absence-pattern?days=1", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400 for empty window on a known student, got %d", resp.StatusCode)
	}
}

func TestAbsencePatternEndpointBadDays(t *testing.T) {
	app := newTestServer(t)
	for _, q := range []string{"days=abc", "days=0", "days=-3"} {
		resp, err := app.Test(httptest.NewRequest("GET", "/api/students/S1/absence-pattern?"+q, nil))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != 400 {
			t.Fatalf("expected 400 for %q, got %d", q, resp.StatusCode)
		}
	}
}

func TestAlertsEndpoint(t *testing.T) {
	app := newTestServer(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/api/attendance/alerts?gradeId=G1", nil), 5000)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		Alerts []AttendanceAlert `json:"alerts"`
		Count  int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Count != len(payload.Alerts) {
		t.Fatalf("count %d disagrees with alerts %d", payload.Count, len(payload.Alerts))
	}
	if len(payload.Alerts) > maxAlerts {
		t.Fatalf("alert cap exceeded: %d", len(payload.Alerts))
	}
	if len(payload.Alerts) == 0 {
		t.Fatal("expected at least one alert for the absent student")
	}
	if payload.Alerts[0].StudentID != "S1" || payload.Alerts[0].Severity != SeverityCritical {
		t.Fatalf("expected S1 critical first, got %+v", payload.Alerts[0])
	}
	for i := 1; i < len(payload.Alerts); i++ {
		if severityRank(payload.Alerts[i].Severity) < severityRank(payload.Alerts[i-1].Severity) {
			t.Fatalf("alerts out of severity order: %+v", payload.Alerts)
		}
	}
}

func TestAlertsEndpointEmptyCohort(t *testing.T) {
	app := newTestServer(t)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/attendance/alerts?gradeId=G9", nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 for empty cohort, got %d", resp.StatusCode)
	}

	var payload struct {
		Alerts []AttendanceAlert `json:"alerts"`
		Count  int               `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.Count != 0 {
		t.Fatalf("expected no alerts, got %d", payload.Count)
	}
}
