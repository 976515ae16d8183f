package importer

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clinic/ledger/internal/platform/sheet"
)

func newHandlerFixture() (*Handler, *commitFixture) {
	f := newCommitFixture()
	return NewHandler(f.planner, f.committer, f.fps), f
}

func multipartCSV(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

const csvTemplate = "file_number,full_name,phone,page_number,paid_today,date\n" +
	"P000123,Ahmed Ali,0100-111-2222,12,500.00,2024-03-01\n"

func TestPreflightEndpoint(t *testing.T) {
	h, _ := newHandlerFixture()
	e := echo.New()

	body, contentType := multipartCSV(t, "ledger.csv", csvTemplate)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/preflight", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()

	if err := h.Preflight(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	var plan ImportPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.SourceFileID != "ledger.csv" || plan.Counts.ToCreate != 1 || plan.Ref == "" {
		t.Errorf("plan: %+v", plan.Counts)
	}
}

func TestPreflightEndpoint_RejectsUnknownExtension(t *testing.T) {
	h, _ := newHandlerFixture()
	e := echo.New()

	body, contentType := multipartCSV(t, "ledger.pdf", "junk")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/preflight", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()

	err := h.Preflight(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestCommitEndpoint(t *testing.T) {
	h, f := newHandlerFixture()
	e := echo.New()

	plan := f.preflight(t, []sheet.RawRow{
		rawRow(1, "P000123", "Ahmed Ali", "0100-111-2222", "12", "500.00", "2024-03-01"),
	})

	payload, err := json.Marshal(map[string]interface{}{"plan": plan, "actor": "admin"})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/commit", bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	if err := h.Commit(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}

	var result CommitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Counts.PatientsCreated != 1 || result.Counts.PaymentsCreated != 1 {
		t.Errorf("counts: %+v", result.Counts)
	}
	if len(f.patients.patients) != 1 {
		t.Error("patient not persisted")
	}
}

func TestCommitEndpoint_TamperedPlanIsConflict(t *testing.T) {
	h, f := newHandlerFixture()
	e := echo.New()

	plan := f.preflight(t, []sheet.RawRow{
		rawRow(1, "", "Ahmed Ali", "", "", "100.00", ""),
	})
	plan.Rows[0].Fingerprint = "tampered"

	payload, _ := json.Marshal(map[string]interface{}{"plan": plan})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/commit", bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.Commit(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v", err)
	}
}

func TestCommitEndpoint_BadResolutions(t *testing.T) {
	h, f := newHandlerFixture()
	e := echo.New()

	plan := f.preflight(t, []sheet.RawRow{
		rawRow(1, "", "Ahmed Ali", "", "", "100.00", ""),
	})
	payload, _ := json.Marshal(map[string]interface{}{
		"plan":        plan,
		"resolutions": map[string]string{"not-a-number": "also-not-a-uuid"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports/commit", bytes.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := h.Commit(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestListFingerprintsEndpoint(t *testing.T) {
	h, f := newHandlerFixture()
	e := echo.New()

	_ = f.fps.Record(nil, &RowFingerprint{RowHash: "abc", SourceFileID: "ledger.csv", Outcome: OutcomeCreated})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/imports/fingerprints", nil)
	rec := httptest.NewRecorder()
	if err := h.ListFingerprints(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "abc") {
		t.Errorf("body: %s", rec.Body.String())
	}
}
