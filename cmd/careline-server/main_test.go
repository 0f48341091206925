package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/domain/scheduling"
	"github.com/careline/careline/internal/platform/db"
	"github.com/careline/careline/internal/platform/lease"
	"github.com/careline/careline/internal/platform/notification"
	"github.com/careline/careline/internal/platform/telemetry"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"slots", "generate"},
		{"slots", "cleanup"},
		{"slots", "stats"},
		{"reminders", "tick"},
		{"reminders", "stats"},
	} {
		cmd, rest, err := root.Find(path)
		if err != nil || len(rest) != 0 || cmd.Name() != path[len(path)-1] {
			t.Errorf("command %v not found (%v)", path, err)
		}
	}
}

func TestSlotsGenerate_RequiresExactlyOneTarget(t *testing.T) {
	tests := [][]string{
		{"slots", "generate"},
		{"slots", "generate", "--all", "--doctor", uuid.NewString()},
		{"slots", "generate", "--doctor", "nope"},
		{"slots", "stats", "--doctor", "nope"},
	}
	for _, args := range tests {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		if err := root.Execute(); err == nil {
			t.Errorf("%v: expected an error", args)
		}
	}
}

func TestNewDispatcher(t *testing.T) {
	m := telemetry.NewMetrics()
	tests := []struct {
		name      string
		cfg       config.Config
		wantClose bool
		wantErr   bool
	}{
		{"log", config.Config{NotifyTransport: "log"}, false, false},
		{"default", config.Config{}, false, false},
		{"webhook", config.Config{NotifyTransport: "webhook", NotifyWebhookURL: "http://localhost:9/push"}, false, false},
		{"kafka", config.Config{NotifyTransport: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "t"}, true, false},
		{"unknown", config.Config{NotifyTransport: "sms"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, closeFn, err := newDispatcher(&tt.cfg, zerolog.Nop(), m)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := d.(*notification.Instrumented); !ok {
				t.Errorf("dispatcher should be instrumented, got %T", d)
			}
			if (closeFn != nil) != tt.wantClose {
				t.Errorf("close func presence = %v, want %v", closeFn != nil, tt.wantClose)
			}
			if closeFn != nil {
				_ = closeFn()
			}
		})
	}
}

func TestNewLease_LocalWithoutRedis(t *testing.T) {
	lk, closeFn, err := newLease(t.Context(), &config.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := lk.(*lease.Local); !ok || closeFn != nil {
		t.Errorf("expected a local lease without closer, got %T", lk)
	}
}

func TestSlotPolicy(t *testing.T) {
	loc := time.FixedZone("clinic", 3*3600)
	p := slotPolicy(&config.Config{SlotMinutes: 20}, loc)
	if p.SlotLength != 20*time.Minute || p.Location != loc {
		t.Errorf("unexpected policy %+v", p)
	}
	if def := slotPolicy(&config.Config{}, time.UTC); def.SlotLength != 30*time.Minute {
		t.Errorf("expected default 30m slots, got %s", def.SlotLength)
	}
}

func TestPrinters(t *testing.T) {
	var buf bytes.Buffer
	printTickReport(&buf, reminder.TickReport{Due: 3, Sent: 2, Failed: 1})
	if got := buf.String(); got != "due=3 sent=2 suppressed=0 failed=1 lost=0\n" {
		t.Errorf("unexpected tick report %q", got)
	}

	buf.Reset()
	printTickReport(&buf, reminder.TickReport{Skipped: true})
	if !strings.Contains(buf.String(), "skipped") {
		t.Errorf("unexpected skipped report %q", buf.String())
	}

	buf.Reset()
	printSlotStats(&buf, &scheduling.SlotStats{Total: 4, Booked: 1, Available: 3, FutureTotal: 2, FutureAvailable: 2})
	if want := "all:    total=4 booked=1 available=3\nfuture: total=2 booked=0 available=2\n"; buf.String() != want {
		t.Errorf("unexpected slot stats %q", buf.String())
	}

	buf.Reset()
	printGenerateResults(&buf, []scheduling.GenerateResult{
		{DoctorID: uuid.New(), Inserted: 14},
		{DoctorID: uuid.New(), Error: "doctor not found"},
	})
	if !strings.Contains(buf.String(), "Inserted 14 slot(s) for 1 doctor(s), 1 failed.") {
		t.Errorf("unexpected generate summary %q", buf.String())
	}

	buf.Reset()
	applied := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_directory.sql", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "002_scheduling.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "pending") || !strings.Contains(out, "2025-03-01T10:00:00Z") {
		t.Errorf("unexpected migration status %q", out)
	}
}

func testApp() *app {
	return &app{
		cfg: &config.Config{
			Env:            "production",
			AuthSigningKey: strings.Repeat("k", 32),
			AuthIssuer:     "careline",
			CORSOrigins:    []string{"http://localhost:3000"},
			RequestTimeout: 5 * time.Second,
		},
		logger:  zerolog.Nop(),
		metrics: telemetry.NewMetrics(),
	}
}

func TestNewEcho_OperationalEndpoints(t *testing.T) {
	e := newEcho(testApp())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), version) {
		t.Errorf("health: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "careline_http_requests_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
}

func TestNewEcho_APIRequiresToken(t *testing.T) {
	e := newEcho(testApp())
	for _, target := range []string{"/api/v1/appointments", "/api/v1/notifications", "/api/v1/slots/available"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", target, rec.Code)
		}
	}
}
