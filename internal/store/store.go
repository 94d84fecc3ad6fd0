package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicflow/internal/models"
)

// CaseStore owns Case documents. Every mutation is conditioned on the
// version read before the change was computed; a stale version yields
// ErrVersionConflict and the caller re-reads and reapplies its intent.
type CaseStore interface {
	CreateCases(ctx context.Context, cases []models.Case) ([]models.Case, bool, error)
	GetCase(ctx context.Context, caseID string) (models.Case, error)
	UpdateCase(ctx context.Context, updated models.Case, expectedVersion int64, eventType string) (models.Case, error)
	ListByDoctor(ctx context.Context, doctorID string, activeOnly bool) ([]models.Case, error)
	ListActive(ctx context.Context) ([]models.Case, error)
	ListPendingReview(ctx context.Context) ([]models.Case, error)
	ListBatch(ctx context.Context, batchTimestamp time.Time) ([]models.Case, error)
	CountActiveCases(ctx context.Context, practitionerID string, role models.Role) (int, error)
}

// PractitionerStore owns Practitioner documents and the append-only
// availability history alongside them.
type PractitionerStore interface {
	GetPractitioner(ctx context.Context, practitionerID string) (models.Practitioner, error)
	UpdatePractitioner(ctx context.Context, updated models.Practitioner, expectedVersion int64, change models.StatusChangeEvent) (models.Practitioner, error)
	ListOnBreak(ctx context.Context) ([]models.Practitioner, error)
	ListPractitioners(ctx context.Context) ([]models.Practitioner, error)
	ListHistory(ctx context.Context, practitionerID string, limit int) ([]models.StatusChangeEvent, error)
	LinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error
	UnlinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error
	ListLinkedPharmacists(ctx context.Context, doctorID string) ([]string, error)
	ListLinkedDoctors(ctx context.Context, pharmacistID string) ([]string, error)
}

// FeedStore is the change-feed side of the store: outbox events in commit
// order plus the router's persisted read offset.
type FeedStore interface {
	ListOutboxEvents(ctx context.Context, after Offset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context, consumer string) (Offset, error)
	UpdateOffset(ctx context.Context, consumer string, offset Offset) error
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Offset struct {
	LastEventTime time.Time `json:"last_event_time"`
	LastEventID   string    `json:"last_event_id"`
}

const (
	EventCaseCreated              = "case.created"
	EventCaseDoctorCompleted      = "case.doctor_completed"
	EventCaseDoctorIncomplete     = "case.doctor_incomplete"
	EventCasePharmacistClaimed    = "case.pharmacist_claimed"
	EventCasePharmacistCompleted  = "case.pharmacist_completed"
	EventCasePharmacistIncomplete = "case.pharmacist_incomplete"
	EventAvailabilityChanged      = "availability.changed"
)

// CaseEventType maps a lifecycle action to its outbox event type.
func CaseEventType(action string) string {
	switch action {
	case models.ActionDoctorComplete:
		return EventCaseDoctorCompleted
	case models.ActionDoctorIncomplete:
		return EventCaseDoctorIncomplete
	case models.ActionPharmacistComplete:
		return EventCasePharmacistCompleted
	case models.ActionPharmacistIncomplete:
		return EventCasePharmacistIncomplete
	default:
		return ""
	}
}

type CaseEventPayload struct {
	CaseID           string            `json:"case_id"`
	Status           models.CaseStatus `json:"status"`
	Version          int64             `json:"version"`
	AssignedDoctorID string            `json:"assigned_doctor_id"`
	PharmacistID     *string           `json:"pharmacist_id,omitempty"`
	BatchTimestamp   *time.Time        `json:"batch_timestamp,omitempty"`
	PendingReview    bool              `json:"in_pharmacist_pending_review"`
}

type AvailabilityEventPayload struct {
	PractitionerID string                    `json:"practitioner_id"`
	Role           models.Role               `json:"role"`
	Previous       models.AvailabilityStatus `json:"previous"`
	Next           models.AvailabilityStatus `json:"next"`
	Reason         string                    `json:"reason,omitempty"`
	Version        int64                     `json:"version"`
}

func NewCaseEventPayload(c models.Case) CaseEventPayload {
	return CaseEventPayload{
		CaseID:           c.CaseID,
		Status:           c.Status,
		Version:          c.Version,
		AssignedDoctorID: c.AssignedDoctorID,
		PharmacistID:     c.PharmacistID,
		BatchTimestamp:   c.BatchTimestamp,
		PendingReview:    c.InPharmacistPendingReview,
	}
}
