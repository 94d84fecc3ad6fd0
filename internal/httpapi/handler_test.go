package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinicflow/internal/availability"
	"clinicflow/internal/lifecycle"
	"clinicflow/internal/models"
	"clinicflow/internal/retry"
	"clinicflow/internal/store/memory"
)

func testHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	st := memory.NewStore(memory.Options{})
	st.PutPractitioner(models.Practitioner{
		PractitionerID: "doc-1",
		Role:           models.RoleDoctor,
		Status:         models.StatusAvailable,
	})
	st.PutPractitioner(models.Practitioner{
		PractitionerID: "pharm-1",
		Role:           models.RolePharmacist,
		Status:         models.StatusAvailable,
	})
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	cases := lifecycle.NewController(st, st, lifecycle.Options{Retry: policy})
	presence := availability.NewController(st, st, availability.Options{Retry: policy})
	t.Cleanup(presence.Close)
	return NewHandler(cases, presence, st), st
}

func createCaseViaAPI(t *testing.T, h *Handler) models.Case {
	t.Helper()
	payload := map[string]interface{}{
		"request_id":         "11111111-1111-1111-1111-111111111111",
		"assigned_doctor_id": "doc-1",
		"patients": []map[string]string{
			{"patient_name": "Alice", "emr_number": "emr-1", "chief_complaint": "headache"},
		},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/cases", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("create status = %d, body %s", resp.Code, resp.Body.String())
	}
	var created []models.Case
	if err := json.Unmarshal(resp.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 case, got %d", len(created))
	}
	return created[0]
}

func TestCreateCasesSuccess(t *testing.T) {
	h, _ := testHandler(t)
	c := createCaseViaAPI(t, h)
	if c.Status != models.CasePending || c.AssignedDoctorID != "doc-1" {
		t.Fatalf("unexpected case: %+v", c)
	}
}

func TestCreateCasesMissingFields(t *testing.T) {
	h, _ := testHandler(t)

	payload := map[string]interface{}{
		"request_id": "11111111-1111-1111-1111-111111111111",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/cases", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestCreateCasesRejectsUnavailableDoctor(t *testing.T) {
	h, st := testHandler(t)
	st.PutPractitioner(models.Practitioner{
		PractitionerID: "doc-away",
		Role:           models.RoleDoctor,
		Status:         models.StatusUnavailable,
	})

	payload := map[string]interface{}{
		"request_id":         "11111111-1111-1111-1111-111111111111",
		"assigned_doctor_id": "doc-away",
		"patients": []map[string]string{
			{"patient_name": "Alice", "emr_number": "emr-1"},
		},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/cases", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d: %s", resp.Code, resp.Body.String())
	}
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Code != "assignment_rejected" {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	h, _ := testHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/cases/aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}

func TestDoctorCompleteAction(t *testing.T) {
	h, _ := testHandler(t)
	c := createCaseViaAPI(t, h)

	payload := map[string]interface{}{"is_complete": true}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/doctor-complete", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "doc-1")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var updated models.Case
	if err := json.Unmarshal(resp.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != models.CaseDoctorCompleted {
		t.Fatalf("status = %s", updated.Status)
	}

	// Replaying the action is a conflict, not a second transition.
	resp = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/doctor-complete", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "doc-1")
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 on replay, got %d", resp.Code)
	}
}

func TestDoctorCompleteRequiresIdentity(t *testing.T) {
	h, _ := testHandler(t)
	c := createCaseViaAPI(t, h)

	body, _ := json.Marshal(map[string]interface{}{"is_complete": true})
	req := httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/doctor-complete", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without X-User-ID, got %d", resp.Code)
	}
}

func TestPharmacistCompleteAction(t *testing.T) {
	h, _ := testHandler(t)
	c := createCaseViaAPI(t, h)

	body, _ := json.Marshal(map[string]interface{}{"is_complete": true})
	req := httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/doctor-complete", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "doc-1")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("doctor complete status = %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/pharmacist-complete", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "pharm-1")
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("pharmacist complete status = %d, body %s", resp.Code, resp.Body.String())
	}
	var updated models.Case
	if err := json.Unmarshal(resp.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != models.CaseCompleted || updated.PharmacistID == nil || *updated.PharmacistID != "pharm-1" {
		t.Fatalf("unexpected case: %+v", updated)
	}
}

func TestPharmacistClaimAction(t *testing.T) {
	h, st := testHandler(t)
	c := createCaseViaAPI(t, h)

	body, _ := json.Marshal(map[string]interface{}{"is_complete": true})
	req := httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/doctor-complete", bytes.NewReader(body))
	req.Header.Set("X-User-ID", "doc-1")
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("doctor complete status = %d", resp.Code)
	}

	// Claiming takes no body.
	req = httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/pharmacist-claim", nil)
	req.Header.Set("X-User-ID", "pharm-1")
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body %s", resp.Code, resp.Body.String())
	}
	var claimed models.Case
	if err := json.Unmarshal(resp.Body.Bytes(), &claimed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if claimed.PharmacistID == nil || *claimed.PharmacistID != "pharm-1" {
		t.Fatalf("expected claim by pharm-1, got %+v", claimed.PharmacistID)
	}
	if claimed.Status != models.CaseDoctorCompleted || claimed.PharmacistCompleted {
		t.Fatalf("claim must keep the case open: %+v", claimed)
	}

	// A second pharmacist hitting the same case gets a conflict.
	st.PutPractitioner(models.Practitioner{
		PractitionerID: "pharm-2",
		Role:           models.RolePharmacist,
		Status:         models.StatusAvailable,
	})
	req = httptest.NewRequest(http.MethodPost, "/api/cases/"+c.CaseID+"/actions/pharmacist-claim", nil)
	req.Header.Set("X-User-ID", "pharm-2")
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for competing claim, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Code != "precondition_failed" {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
}

func TestDoctorQueueEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	createCaseViaAPI(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/queues/doctor?doctor_id=doc-1", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var queue []models.Case
	if err := json.Unmarshal(resp.Body.Bytes(), &queue); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(queue) != 1 {
		t.Fatalf("expected 1 case, got %d", len(queue))
	}
}

func TestSetStatusEndpoint(t *testing.T) {
	h, _ := testHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"status": "on_break", "duration_minutes": 15})
	req := httptest.NewRequest(http.MethodPost, "/api/practitioners/doc-1/status", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body.String())
	}
	var p models.Practitioner
	if err := json.Unmarshal(resp.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != models.StatusOnBreak || p.BreakDuration != 15 {
		t.Fatalf("unexpected practitioner: %+v", p)
	}
}

func TestSetStatusInvalidTransition(t *testing.T) {
	h, _ := testHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"status": "busy"})
	req := httptest.NewRequest(http.MethodPost, "/api/practitioners/doc-1/status", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 for doctor manual busy, got %d", resp.Code)
	}
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if errResp.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q", errResp.Error.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	h, _ := testHandler(t)

	body, _ := json.Marshal(map[string]interface{}{"status": "unavailable", "reason": "off shift"})
	req := httptest.NewRequest(http.MethodPost, "/api/practitioners/doc-1/status", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("set status = %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/practitioners/doc-1/history", nil)
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("history status = %d", resp.Code)
	}
	var entries []models.StatusChangeEvent
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "off shift" {
		t.Fatalf("unexpected history: %+v", entries)
	}
}

func TestLinkEndpoints(t *testing.T) {
	h, _ := testHandler(t)

	body, _ := json.Marshal(map[string]string{"pharmacist_id": "pharm-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/practitioners/doc-1/actions/link", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("link status = %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/practitioners/doc-1/links", nil)
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("links status = %d", resp.Code)
	}
	var linked []string
	if err := json.Unmarshal(resp.Body.Bytes(), &linked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(linked) != 1 || linked[0] != "pharm-1" {
		t.Fatalf("unexpected links: %v", linked)
	}

	// The pharmacist side sees the back-reference.
	req = httptest.NewRequest(http.MethodGet, "/api/practitioners/pharm-1/links", nil)
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	linked = nil
	if err := json.Unmarshal(resp.Body.Bytes(), &linked); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(linked) != 1 || linked[0] != "doc-1" {
		t.Fatalf("unexpected back-links: %v", linked)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/practitioners/doc-1/actions/unlink", bytes.NewReader(body))
	resp = httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("unlink status = %d", resp.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	h, _ := testHandler(t)
	createCaseViaAPI(t, h)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	var events []json.RawMessage
	if err := json.Unmarshal(resp.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestCreateCasesIdempotentReplay(t *testing.T) {
	h, st := testHandler(t)
	first := createCaseViaAPI(t, h)
	second := createCaseViaAPI(t, h)

	if first.CaseID != second.CaseID {
		t.Fatalf("replay created a new case: %s vs %s", first.CaseID, second.CaseID)
	}

	cases, err := st.ListByDoctor(context.Background(), "doc-1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(cases) != 1 {
		t.Fatalf("expected a single stored case, got %d", len(cases))
	}
}
