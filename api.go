package main

import (
	"database/sql"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

type Server struct {
	cfg       Config
	db        *sql.DB
	loader    *RecordLoader
	narrative *NarrativeGenerator
	alerts    *AlertSynthesizer
}

func NewServer(cfg Config, db *sql.DB, loader *RecordLoader, narrative *NarrativeGenerator, alerts *AlertSynthesizer) *Server {
	return &Server{cfg: cfg, db: db, loader: loader, narrative: narrative, alerts: alerts}
}

func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/api/students/:studentId/absence-pattern", s.GetAbsencePatternAPI)
	app.Get("/api/attendance/alerts", s.GetAttendanceAlertsAPI)

	return app
}

func (s *Server) GetAbsencePatternAPI(c *fiber.Ctx) error {
	studentID := c.Params("studentId")
	if studentID == "" {
		return c.Status(400).JSON(fiber.Map{"error": "Student ID is required"})
	}
	days, ok := s.windowDays(c)
	if !ok {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid days parameter"})
	}

	now := time.Now()
	records, err := s.loader.LoadStudentRecords(studentID, days, now)
	if err != nil {
		log.Printf("api pattern load error student=%s: %v", studentID, err)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to fetch attendance"})
	}

	pattern, err := AnalyzeAbsencePattern(records, now)
	if errors.Is(err, ErrNoRecords) {
		name, lookupErr := GetStudentName(s.db, studentID)
		if lookupErr == nil && name == "" {
			return c.Status(404).JSON(fiber.Map{"error": "Student not found"})
		}
		return c.Status(400).JSON(fiber.Map{"error": "No attendance records for student in window"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to analyze attendance"})
	}
	pattern.PatternDescription, pattern.Recommendations = s.narrative.Describe(pattern)

	return c.JSON(pattern)
}

func (s *Server) GetAttendanceAlertsAPI(c *fiber.Ctx) error {
	gradeID := c.Query("gradeId")
	sectionID := c.Query("sectionId")
	days, ok := s.windowDays(c)
	if !ok {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid days parameter"})
	}

	now := time.Now()
	records, err := s.loader.LoadCohortRecords(gradeID, sectionID, days, now)
	if err != nil {
		log.Printf("api alerts load error grade=%s section=%s: %v", gradeID, sectionID, err)
		return c.Status(500).JSON(fiber.Map{"error": "Failed to fetch attendance"})
	}

	alerts := s.alerts.Generate(records, gradeID, sectionID, now)
	return c.JSON(fiber.Map{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) windowDays(c *fiber.Ctx) (int, bool) {
	days := s.cfg.DefaultWindowDays
	if v := c.Query("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return 0, false
		}
		days = parsed
	}
	return days, true
}
