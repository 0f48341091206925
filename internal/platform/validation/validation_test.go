package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type sample struct {
	Reason string `json:"reason" validate:"required,max=10"`
	Type   string `json:"type" validate:"omitempty,oneof=consultation follow_up"`
}

func TestValidate(t *testing.T) {
	v := New()
	if err := v.Validate(&sample{Reason: "checkup"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := v.Validate(&sample{Type: "spa"})
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	msg := he.Message.(string)
	if !strings.Contains(msg, "reason is required") || !strings.Contains(msg, "type must be one of") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestBindAndValidate(t *testing.T) {
	e := echo.New()
	e.Validator = New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"way too long reason"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	var s sample
	err := BindAndValidate(c, &s)
	if he, ok := err.(*echo.HTTPError); !ok || !strings.Contains(he.Message.(string), "at most 10") {
		t.Fatalf("expected max violation, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	if err := BindAndValidate(c, &s); err == nil {
		t.Fatal("expected bind error")
	}
}
