package models

import "time"

type Case struct {
	CaseID                    string     `json:"case_id"`
	RequestID                 string     `json:"request_id,omitempty"`
	PatientName               string     `json:"patient_name"`
	EMRNumber                 string     `json:"emr_number"`
	ChiefComplaint            string     `json:"chief_complaint"`
	ManualClinicCode          string     `json:"manual_clinic_code,omitempty"`
	ClinicCode                string     `json:"clinic_code,omitempty"`
	AssignedDoctorID          string     `json:"assigned_doctor_id"`
	SecondaryDoctorID         *string    `json:"secondary_doctor_id,omitempty"`
	PharmacistID              *string    `json:"pharmacist_id,omitempty"`
	Status                    CaseStatus `json:"status"`
	DoctorCompleted           bool       `json:"doctor_completed"`
	PharmacistCompleted       bool       `json:"pharmacist_completed"`
	IsIncomplete              bool       `json:"is_incomplete"`
	IncompleteReason          string     `json:"incomplete_reason,omitempty"`
	InPharmacistPendingReview bool       `json:"in_pharmacist_pending_review"`
	BatchCreated              bool       `json:"batch_created"`
	BatchTimestamp            *time.Time `json:"batch_timestamp,omitempty"`
	BatchIndex                int        `json:"batch_index"`
	BatchSize                 int        `json:"batch_size"`
	Version                   int64      `json:"version"`
	CreatedAt                 time.Time  `json:"created_at"`
	DoctorCompletedAt         *time.Time `json:"doctor_completed_at,omitempty"`
	PharmacistCompletedAt     *time.Time `json:"pharmacist_completed_at,omitempty"`
}

type CaseStatus string

const (
	CasePending              CaseStatus = "pending"
	CaseDoctorCompleted      CaseStatus = "doctor_completed"
	CaseDoctorIncomplete     CaseStatus = "doctor_incomplete"
	CaseCompleted            CaseStatus = "completed"
	CasePharmacistIncomplete CaseStatus = "pharmacist_incomplete"
)

func (s CaseStatus) Valid() bool {
	switch s {
	case CasePending, CaseDoctorCompleted, CaseDoctorIncomplete, CaseCompleted, CasePharmacistIncomplete:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further lifecycle mutation is permitted.
func (s CaseStatus) Terminal() bool {
	switch s {
	case CaseCompleted, CaseDoctorIncomplete, CasePharmacistIncomplete:
		return true
	default:
		return false
	}
}

const (
	ActionDoctorComplete       = "doctor_complete"
	ActionDoctorIncomplete     = "doctor_incomplete"
	ActionPharmacistComplete   = "pharmacist_complete"
	ActionPharmacistIncomplete = "pharmacist_incomplete"
)

var caseTransitionMap = map[string][]CaseStatus{
	ActionDoctorComplete:       {CasePending},
	ActionDoctorIncomplete:     {CasePending},
	ActionPharmacistComplete:   {CaseDoctorCompleted},
	ActionPharmacistIncomplete: {CaseDoctorCompleted},
}

func ValidCaseTransition(action string, from CaseStatus) bool {
	allowed, ok := caseTransitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

// Active reports whether the case still counts toward its practitioners'
// active case load.
func (c Case) Active() bool {
	return !c.Status.Terminal()
}
