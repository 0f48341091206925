package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a title/body pair with {{key}} placeholders.
type Template struct {
	ID    string
	Title string
	Body  string
}

// Template ids match the reminder and notice categories.
const (
	TemplateReminder24h            = "reminder_24h"
	TemplateReminder1h             = "reminder_1h"
	TemplateAppointmentConfirmed   = "appointment_confirmed"
	TemplateAppointmentCancelled   = "appointment_cancelled"
	TemplateAppointmentRescheduled = "appointment_rescheduled"
	TemplateTest                   = "test"
)

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:    TemplateReminder24h,
			Title: "Appointment Reminder - Tomorrow",
			Body:  "Don't forget your appointment with Dr. {{doctor_name}} tomorrow at {{time}}",
		},
		{
			ID:    TemplateReminder1h,
			Title: "Appointment Starting Soon",
			Body:  "Your appointment with Dr. {{doctor_name}} starts in 1 hour at {{time}}",
		},
		{
			ID:    TemplateAppointmentConfirmed,
			Title: "Appointment Confirmed",
			Body:  "Your appointment with Dr. {{doctor_name}} on {{date}} at {{time}} has been confirmed",
		},
		{
			ID:    TemplateAppointmentCancelled,
			Title: "Appointment Cancelled",
			Body:  "Your appointment with Dr. {{doctor_name}} on {{date}} at {{time}} has been cancelled",
		},
		{
			ID:    TemplateAppointmentRescheduled,
			Title: "Appointment Rescheduled",
			Body:  "Your appointment with Dr. {{doctor_name}} has been moved to {{date}} at {{time}}",
		},
		{
			ID:    TemplateTest,
			Title: "Test Notification",
			Body:  "This is a test notification from Careline.",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render replaces {{key}} placeholders in the template's title and body.
// Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (title, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	r := strings.NewReplacer(pairs...)
	return r.Replace(t.Title), r.Replace(t.Body), nil
}
