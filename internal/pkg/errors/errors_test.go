package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteInvalidField(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteInvalidField(rec, "url", stderrors.New("url must use http or https"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s", ct)
	}

	var body struct {
		Error   string            `json:"error"`
		Message string            `json:"message"`
		Code    string            `json:"code"`
		Details map[string]string `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error != "Bad Request" || body.Code != ErrCodeInvalidInput || body.Message != "url must use http or https" {
		t.Errorf("unexpected body: %+v", body)
	}
	if body.Details["field"] != "url" {
		t.Errorf("details = %v", body.Details)
	}
}

func TestWriteError_OmitsEmptyDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, ErrCodeInvalidTransition, "cannot retry entry in status resolved", nil)

	var body map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&body)
	if _, ok := body["details"]; ok {
		t.Errorf("details should be omitted, got %v", body)
	}
	if body["code"] != ErrCodeInvalidTransition {
		t.Errorf("code = %v", body["code"])
	}
}
