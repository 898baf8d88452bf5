package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

const (
	maxAlerts           = 5
	alertSummaryRecords = 20
	// Absences in the window before a student qualifies for a fallback alert.
	fallbackAlertMinAbsences = 3
)

// AlertSynthesizer aggregates a cohort's absence data into a bounded,
// severity-ordered list of actionable alerts. One LLM call per invocation;
// the deterministic per-student aggregation covers every failure.
type AlertSynthesizer struct {
	cfg Config
}

func NewAlertSynthesizer(cfg Config) *AlertSynthesizer {
	return &AlertSynthesizer{cfg: cfg}
}

// Generate never errors; an empty slice is a valid result. Output is sorted
// by severity rank and capped at maxAlerts.
func (s *AlertSynthesizer) Generate(records []AttendanceRecord, gradeID, sectionID string, now time.Time) []AttendanceAlert {
	if len(records) == 0 {
		return []AttendanceAlert{}
	}

	if s.cfg.LLMConfigured() {
		alerts, err := s.generateWithLLM(records, gradeID, sectionID, now)
		if err != nil {
			log.Printf("alerts fallback grade=%s section=%s: %v", gradeID, sectionID, err)
		} else {
			return finalizeAlerts(alerts, now)
		}
	}
	return finalizeAlerts(fallbackAlerts(records, now), now)
}

type llmAlert struct {
	StudentID           string  `json:"student_id"`
	Type                string  `json:"type"`
	Severity            string  `json:"severity"`
	Title               string  `json:"title"`
	Message             string  `json:"message"`
	ActionRequired      bool    `json:"action_required"`
	ConsecutiveAbsences int     `json:"consecutive_absences"`
	DaysAbsent          int     `json:"days_absent"`
	AttendanceRate      float64 `json:"attendance_rate"`
	Pattern             string  `json:"pattern"`
}

func (s *AlertSynthesizer) generateWithLLM(records []AttendanceRecord, gradeID, sectionID string, now time.Time) ([]AttendanceAlert, error) {
	systemPrompt, userPrompt := buildAlertPrompts(records, gradeID, sectionID)

	model := s.cfg.LLMModel
	if model == "" {
		model = defaultAnthropicModel
	}
	log.Printf("llm alerts provider=anthropic model=%s records=%d grade=%s section=%s", model, len(records), gradeID, sectionID)

	responseText, _, err := callAnthropic(s.cfg.AnthropicAPIKey, model, systemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	parsed, err := parseAlertResponse(responseText)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(records))
	for _, rec := range records {
		names[rec.StudentID] = rec.StudentName
	}

	var alerts []AttendanceAlert
	for _, a := range parsed {
		alert := AttendanceAlert{
			Type:           normalizeAlertType(a.Type),
			Severity:       normalizeSeverity(a.Severity),
			Title:          strings.TrimSpace(a.Title),
			Message:        strings.TrimSpace(a.Message),
			ActionRequired: a.ActionRequired,
			Metrics: AlertMetrics{
				ConsecutiveAbsences: a.ConsecutiveAbsences,
				AttendanceRate:      a.AttendanceRate,
				DaysAbsent:          a.DaysAbsent,
				Pattern:             a.Pattern,
			},
		}
		// Attribute the alert to the student the model names when that
		// student is in the loaded cohort; otherwise keep the first
		// record's identity, which is what the pre-rewrite behavior did
		// for every alert.
		if name, ok := names[a.StudentID]; ok && a.StudentID != "" {
			alert.StudentID = a.StudentID
			alert.StudentName = name
		} else {
			log.Printf("alerts unattributed student_id=%q, defaulting to first record", a.StudentID)
			alert.StudentID = records[0].StudentID
			alert.StudentName = records[0].StudentName
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

func buildAlertPrompts(records []AttendanceRecord, gradeID, sectionID string) (string, string) {
	students := make(map[string]bool)
	totalAbsences := 0
	for _, rec := range records {
		students[rec.StudentID] = true
		if rec.Status == StatusAbsent {
			totalAbsences++
		}
	}

	var recLines strings.Builder
	for i, rec := range records {
		if i >= alertSummaryRecords {
			break
		}
		recLines.WriteString(fmt.Sprintf("- %s | %s | %s | %s\n",
			rec.StudentID, rec.StudentName, rec.Date.Format("2006-01-02"), rec.Status))
	}

	systemPrompt := `You review school attendance data and raise alerts for students who need intervention.
For each alert choose:
- type from: absence_pattern, declining_trend, borderline, critical
- severity from: critical, high, medium, low
- student_id copied exactly from the records
- a short title and a 1-2 sentence message for school staff
- action_required true when staff should act this week.

Return at most 5 alerts, most severe first.
Respond with JSON only (no markdown):
[{"student_id": "S001", "type": "absence_pattern", "severity": "high", "title": "...", "message": "...", "action_required": true, "consecutive_absences": 3, "days_absent": 5, "attendance_rate": 0.78, "pattern": "consecutive"}]`

	userPrompt := fmt.Sprintf(
		"Cohort: grade=%s section=%s\nStudents: %d\nTotal absences in window: %d\nRecent records:\n%s",
		gradeID, sectionID, len(students), totalAbsences, recLines.String(),
	)
	return systemPrompt, userPrompt
}

func parseAlertResponse(responseText string) ([]llmAlert, error) {
	responseText = stripJSONFences(responseText)

	var parsed []llmAlert
	if err := json.Unmarshal([]byte(responseText), &parsed); err != nil {
		return nil, fmt.Errorf("parsing alert response: %w (truncated response: %s)", err, truncateForLog(responseText, 512))
	}
	return parsed, nil
}

func normalizeAlertType(t string) string {
	switch strings.TrimSpace(strings.ToLower(t)) {
	case AlertAbsencePattern, AlertDecliningTrend, AlertBorderline, AlertCritical:
		return strings.TrimSpace(strings.ToLower(t))
	}
	return AlertAbsencePattern
}

func normalizeSeverity(s string) string {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return strings.TrimSpace(strings.ToLower(s))
	}
	return SeverityMedium
}

type studentTally struct {
	studentID   string
	studentName string
	total       int
	absences    []AttendanceRecord
}

// fallbackAlerts groups records per student and flags anyone with enough
// absences in the window. Consecutive counting here uses the longest
// day-over-day run anywhere in the window, not the today-anchored streak.
func fallbackAlerts(records []AttendanceRecord, now time.Time) []AttendanceAlert {
	tallies := make(map[string]*studentTally)
	var order []string
	for _, rec := range records {
		tally, ok := tallies[rec.StudentID]
		if !ok {
			tally = &studentTally{studentID: rec.StudentID, studentName: rec.StudentName}
			tallies[rec.StudentID] = tally
			order = append(order, rec.StudentID)
		}
		tally.total++
		if rec.Status == StatusAbsent {
			tally.absences = append(tally.absences, rec)
		}
	}

	var alerts []AttendanceAlert
	for _, studentID := range order {
		tally := tallies[studentID]
		absent := len(tally.absences)
		if absent < fallbackAlertMinAbsences {
			continue
		}

		consecutive := longestDailyRun(tally.absences)
		severity := SeverityMedium
		switch {
		case consecutive >= 3:
			severity = SeverityCritical
		case absent >= 5:
			severity = SeverityHigh
		}

		alertType := AlertAbsencePattern
		if severity == SeverityCritical {
			alertType = AlertCritical
		}

		rate := 0.0
		if tally.total > 0 {
			rate = float64(tally.total-absent) / float64(tally.total)
		}

		alerts = append(alerts, AttendanceAlert{
			Type:           alertType,
			Severity:       severity,
			StudentID:      tally.studentID,
			StudentName:    tally.studentName,
			Title:          fmt.Sprintf("%d absences in the window", absent),
			Message:        fallbackAlertMessage(tally.studentName, absent, consecutive),
			ActionRequired: severity == SeverityCritical || severity == SeverityHigh,
			Metrics: AlertMetrics{
				ConsecutiveAbsences: consecutive,
				AttendanceRate:      rate,
				DaysAbsent:          absent,
				Pattern:             classifyPattern(tally.absences),
			},
		})
	}
	return alerts
}

func fallbackAlertMessage(name string, absent, consecutive int) string {
	if name == "" {
		name = "This student"
	}
	if consecutive >= 3 {
		return fmt.Sprintf("%s missed %d days including a %d-day run. Contact the family.", name, absent, consecutive)
	}
	return fmt.Sprintf("%s missed %d days in the window. Worth a check-in.", name, absent)
}

// finalizeAlerts sorts by severity rank, caps the list, and stamps fresh
// time-based ids. Ties break on days absent (more first), then student id,
// so repeated runs over the same data order identically.
func finalizeAlerts(alerts []AttendanceAlert, now time.Time) []AttendanceAlert {
	if alerts == nil {
		return []AttendanceAlert{}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := severityRank(alerts[i].Severity), severityRank(alerts[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if alerts[i].Metrics.DaysAbsent != alerts[j].Metrics.DaysAbsent {
			return alerts[i].Metrics.DaysAbsent > alerts[j].Metrics.DaysAbsent
		}
		return alerts[i].StudentID < alerts[j].StudentID
	})
	if len(alerts) > maxAlerts {
		alerts = alerts[:maxAlerts]
	}
	for i := range alerts {
		alerts[i].ID = fmt.Sprintf("alert-%d-%d", now.UnixMilli(), i)
		alerts[i].CreatedAt = now
	}
	return alerts
}
