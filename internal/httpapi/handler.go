package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicflow/internal/availability"
	"clinicflow/internal/lifecycle"
	"clinicflow/internal/models"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	lifecycle    *lifecycle.Controller
	availability *availability.Controller
	feed         store.FeedStore
}

func NewHandler(lifecycleController *lifecycle.Controller, availabilityController *availability.Controller, feed store.FeedStore) *Handler {
	return &Handler{
		lifecycle:    lifecycleController,
		availability: availabilityController,
		feed:         feed,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/cases", h.handleCases)
	mux.HandleFunc("/api/cases/", h.handleCaseSubroutes)
	mux.HandleFunc("/api/queues/doctor", h.handleDoctorQueue)
	mux.HandleFunc("/api/queues/pharmacist", h.handlePharmacistQueue)
	mux.HandleFunc("/api/practitioners/", h.handlePractitionerSubroutes)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type patientRequest struct {
	PatientName    string `json:"patient_name"`
	EMRNumber      string `json:"emr_number"`
	ChiefComplaint string `json:"chief_complaint"`
}

type createCasesRequest struct {
	RequestID         string           `json:"request_id"`
	Patients          []patientRequest `json:"patients"`
	AssignedDoctorID  string           `json:"assigned_doctor_id"`
	SecondaryDoctorID string           `json:"secondary_doctor_id"`
	ManualClinicCode  string           `json:"manual_clinic_code"`
	ClinicCode        string           `json:"clinic_code"`
}

func (h *Handler) handleCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createCasesRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.AssignedDoctorID = strings.TrimSpace(req.AssignedDoctorID)
	req.SecondaryDoctorID = strings.TrimSpace(req.SecondaryDoctorID)

	if req.RequestID == "" || req.AssignedDoctorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id and assigned_doctor_id are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if len(req.Patients) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one patient is required")
		return
	}

	input := lifecycle.CreateInput{
		RequestID:         req.RequestID,
		AssignedDoctorID:  req.AssignedDoctorID,
		SecondaryDoctorID: req.SecondaryDoctorID,
		ManualClinicCode:  strings.TrimSpace(req.ManualClinicCode),
		ClinicCode:        strings.TrimSpace(req.ClinicCode),
	}
	for _, patient := range req.Patients {
		input.Patients = append(input.Patients, lifecycle.PatientTuple{
			PatientName:    strings.TrimSpace(patient.PatientName),
			EMRNumber:      strings.TrimSpace(patient.EMRNumber),
			ChiefComplaint: strings.TrimSpace(patient.ChiefComplaint),
		})
	}

	cases, err := h.lifecycle.Create(r.Context(), input)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	writeJSON(w, http.StatusOK, cases)
}

func (h *Handler) handleCaseSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/cases/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	caseID := parts[0]
	if !isValidUUID(caseID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "case_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetCase(w, r, caseID)
	case len(parts) == 2 && parts[1] == "siblings":
		h.handleCaseSiblings(w, r, caseID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleCaseAction(w, r, caseID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetCase(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	c, err := h.lifecycle.GetCase(r.Context(), caseID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleCaseSiblings(w http.ResponseWriter, r *http.Request, caseID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	siblings, err := h.lifecycle.GetBatchSiblings(r.Context(), caseID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, siblings)
}

type completeRequest struct {
	IsComplete *bool  `json:"is_complete"`
	Reason     string `json:"reason"`
}

func (h *Handler) handleCaseAction(w http.ResponseWriter, r *http.Request, caseID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	actorID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "X-User-ID header is required")
		return
	}

	// Claiming carries no body; the actor header names the pharmacist.
	if action == "pharmacist-claim" {
		claimed, err := h.lifecycle.ClaimByPharmacist(r.Context(), caseID, actorID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, claimed)
		return
	}

	var req completeRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.IsComplete == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "is_complete is required")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)

	var updated models.Case
	var err error
	switch action {
	case "doctor-complete":
		updated, err = h.lifecycle.CompleteByDoctor(r.Context(), caseID, actorID, *req.IsComplete, req.Reason)
	case "pharmacist-complete":
		updated, err = h.lifecycle.CompleteByPharmacist(r.Context(), caseID, actorID, *req.IsComplete, req.Reason)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDoctorQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if doctorID == "" {
		doctorID = strings.TrimSpace(r.Header.Get("X-User-ID"))
	}
	if doctorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id is required")
		return
	}

	activeOnly := true
	if raw := strings.TrimSpace(r.URL.Query().Get("active_only")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "active_only must be a boolean")
			return
		}
		activeOnly = parsed
	}

	cases, err := h.lifecycle.ListDoctorQueue(r.Context(), doctorID, activeOnly)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (h *Handler) handlePharmacistQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cases, err := h.lifecycle.ListPharmacistQueue(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (h *Handler) handlePractitionerSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/practitioners/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	practitionerID := parts[0]
	if practitionerID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetPractitioner(w, r, practitionerID)
	case len(parts) == 2 && parts[1] == "status":
		h.handleSetStatus(w, r, practitionerID)
	case len(parts) == 2 && parts[1] == "history":
		h.handleHistory(w, r, practitionerID)
	case len(parts) == 2 && parts[1] == "links":
		h.handleListLinks(w, r, practitionerID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "link":
		h.handleLink(w, r, practitionerID, true)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "unlink":
		h.handleLink(w, r, practitionerID, false)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetPractitioner(w http.ResponseWriter, r *http.Request, practitionerID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, err := h.availability.GetPractitioner(r.Context(), practitionerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type setStatusRequest struct {
	Status          string `json:"status"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request, practitionerID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req setStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "status is required")
		return
	}

	p, err := h.availability.SetStatus(r.Context(), practitionerID, models.AvailabilityStatus(req.Status), req.Reason, req.DurationMinutes)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, practitionerID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.availability.ListHistory(r.Context(), practitionerID, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type linkRequest struct {
	PharmacistID string `json:"pharmacist_id"`
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request, doctorID string, link bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req linkRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.PharmacistID = strings.TrimSpace(req.PharmacistID)
	if req.PharmacistID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "pharmacist_id is required")
		return
	}

	var err error
	if link {
		err = h.availability.LinkPharmacist(r.Context(), doctorID, req.PharmacistID)
	} else {
		err = h.availability.UnlinkPharmacist(r.Context(), doctorID, req.PharmacistID)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListLinks returns the other side of the link set: pharmacists for a
// doctor, doctors for a pharmacist.
func (h *Handler) handleListLinks(w http.ResponseWriter, r *http.Request, practitionerID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	p, err := h.availability.GetPractitioner(r.Context(), practitionerID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	var linked []string
	if p.Role == models.RolePharmacist {
		linked, err = h.availability.ListLinkedDoctors(r.Context(), practitionerID)
	} else {
		linked, err = h.availability.ListLinkedPharmacists(r.Context(), practitionerID)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if linked == nil {
		linked = []string{}
	}
	writeJSON(w, http.StatusOK, linked)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}
	// after_id is the id of the last event the caller saw; without it,
	// events sharing the after timestamp are re-sent rather than skipped.
	afterID := strings.TrimSpace(r.URL.Query().Get("after_id"))

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.feed.ListOutboxEvents(r.Context(), store.Offset{LastEventTime: after, LastEventID: afterID}, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrCaseNotFound):
		return http.StatusNotFound, "case_not_found", "case not found"
	case errors.Is(err, store.ErrPractitionerNotFound):
		return http.StatusNotFound, "practitioner_not_found", "practitioner not found"
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrAssignmentRejected):
		return http.StatusConflict, "assignment_rejected", err.Error()
	case errors.Is(err, store.ErrPreconditionFailed):
		return http.StatusConflict, "precondition_failed", err.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "version_conflict", "concurrent update, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
