package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/widgetdash/internal/functions"
	"github.com/hitoshi/widgetdash/internal/middleware"
	"github.com/hitoshi/widgetdash/internal/model"
)

func TestContactHandler_Submit(t *testing.T) {
	var got model.ContactSubmission
	h := NewContactHandler(&mockContactSubmitter{
		submitFn: func(ctx context.Context, sub model.ContactSubmission) error {
			got = sub
			return nil
		},
	}, discardLogger())

	w := httptest.NewRecorder()
	h.Submit(w, jsonRequest(http.MethodPost, "/contact",
		`{"name":"  Taro ","email":"taro@example.com","company":"","message":"ウィジェットについて\n"}`))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	want := model.ContactSubmission{Name: "Taro", Email: "taro@example.com", Message: "ウィジェットについて"}
	if got != want {
		t.Errorf("submission = %+v, want %+v", got, want)
	}
}

func TestContactHandler_Validation(t *testing.T) {
	called := false
	h := NewContactHandler(&mockContactSubmitter{
		submitFn: func(ctx context.Context, sub model.ContactSubmission) error {
			called = true
			return nil
		},
	}, discardLogger())

	bodies := []string{
		`{"email":"taro@example.com","message":"hi"}`,
		`{"name":"Taro","email":"not-an-email","message":"hi"}`,
		`{"name":"   ","email":"taro@example.com","message":"hi"}`,
		`{"name":"Taro","email":"taro@example.com","message":"hi","phone":"000"}`,
	}
	for _, body := range bodies {
		w := httptest.NewRecorder()
		h.Submit(w, jsonRequest(http.MethodPost, "/contact", body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, w.Code)
		}
	}
	if called {
		t.Error("submitter should not be called for invalid input")
	}
}

func TestContactHandler_FunctionFailure(t *testing.T) {
	h := NewContactHandler(&mockContactSubmitter{
		submitFn: func(ctx context.Context, sub model.ContactSubmission) error {
			return &functions.Error{Function: functions.FunctionContactSubmit, StatusCode: 500, Message: "mail relay unavailable"}
		},
	}, discardLogger())

	w := httptest.NewRecorder()
	h.Submit(w, jsonRequest(http.MethodPost, "/contact", `{"name":"Taro","email":"taro@example.com","message":"hi"}`))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	body := decodeBody[middleware.ErrorResponseBody](t, w.Body)
	if body.Code != model.ErrCodeFunctionFailed {
		t.Errorf("code = %s", body.Code)
	}
}
