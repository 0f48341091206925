// Package notification delivers rendered patient notifications through a
// pluggable transport.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/platform/telemetry"
)

// ErrDispatch marks a transport failure. Callers record it on the ledger
// entry and move on.
var ErrDispatch = errors.New("notification dispatch failed")

// Message is one notification addressed to a patient.
type Message struct {
	ID            uuid.UUID         `json:"id"`
	PatientID     uuid.UUID         `json:"patient_id"`
	AppointmentID *uuid.UUID        `json:"appointment_id,omitempty"`
	Category      string            `json:"category"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Dispatcher sends a message. Implementations must honor ctx cancellation
// and wrap transport errors with ErrDispatch.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// LogDispatcher writes notifications to the structured log. It is the
// default transport until a push provider is configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "notification").Logger()}
}

func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	d.logger.Info().
		Str("notification_id", msg.ID.String()).
		Str("patient_id", msg.PatientID.String()).
		Str("category", msg.Category).
		Str("title", msg.Title).
		Msg("notification sent")
	return nil
}

// Instrumented records dispatch latency per transport.
type Instrumented struct {
	next      Dispatcher
	transport string
	metrics   *telemetry.Metrics
}

func NewInstrumented(next Dispatcher, transport string, m *telemetry.Metrics) *Instrumented {
	return &Instrumented{next: next, transport: transport, metrics: m}
}

func (d *Instrumented) Send(ctx context.Context, msg Message) error {
	start := time.Now()
	err := d.next.Send(ctx, msg)
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.DispatchDuration.WithLabelValues(d.transport, result).Observe(time.Since(start).Seconds())
	return err
}
