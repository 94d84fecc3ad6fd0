package models

import "time"

type Role string

const (
	RoleDoctor     Role = "doctor"
	RolePharmacist Role = "pharmacist"
)

func (r Role) Valid() bool {
	return r == RoleDoctor || r == RolePharmacist
}

type AvailabilityStatus string

const (
	StatusAvailable   AvailabilityStatus = "available"
	StatusBusy        AvailabilityStatus = "busy"
	StatusUnavailable AvailabilityStatus = "unavailable"
	StatusOnBreak     AvailabilityStatus = "on_break"
)

func (s AvailabilityStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusUnavailable, StatusOnBreak:
		return true
	default:
		return false
	}
}

type Practitioner struct {
	PractitionerID  string             `json:"practitioner_id"`
	Role            Role               `json:"role"`
	DisplayName     string             `json:"display_name,omitempty"`
	Status          AvailabilityStatus `json:"availability_status"`
	ActiveCaseCount int                `json:"active_case_count"`
	BusySetManually bool               `json:"busy_set_manually,omitempty"`
	BreakStartedAt  *time.Time         `json:"break_started_at,omitempty"`
	BreakDuration   int                `json:"break_duration_minutes,omitempty"`
	Version         int64              `json:"version"`
}

// OnBreak reports whether the persisted break fields are populated. Both
// fields are set together and cleared together; status is the source of
// truth.
func (p Practitioner) OnBreak() bool {
	return p.Status == StatusOnBreak && p.BreakStartedAt != nil && p.BreakDuration > 0
}

func (p Practitioner) BreakEndsAt() time.Time {
	if p.BreakStartedAt == nil {
		return time.Time{}
	}
	return p.BreakStartedAt.Add(time.Duration(p.BreakDuration) * time.Minute)
}

type StatusChangeEvent struct {
	PractitionerID   string             `json:"practitioner_id"`
	Seq              int                `json:"seq"`
	PreviousStatus   AvailabilityStatus `json:"previous_status"`
	NewStatus        AvailabilityStatus `json:"new_status"`
	ChangedAt        time.Time          `json:"changed_at"`
	Reason           string             `json:"reason,omitempty"`
	ExpectedDuration int                `json:"expected_duration_minutes,omitempty"`
	ExpectedReturn   *time.Time         `json:"expected_return_time,omitempty"`
	CasesAtChange    int                `json:"cases_at_change,omitempty"`
}

// Break lengths staff may pick, in minutes.
var AllowedBreakDurations = []int{10, 15, 30, 45, 60}

func ValidBreakDuration(minutes int) bool {
	for _, d := range AllowedBreakDurations {
		if d == minutes {
			return true
		}
	}
	return false
}

// ActiveCaseCeiling is the load at which an available practitioner is
// switched to busy automatically.
func ActiveCaseCeiling(role Role) int {
	if role == RolePharmacist {
		return 5
	}
	return 10
}

// manualTransitionMap lists the statuses each role may set by hand. A
// doctor's busy is automatic only; pharmacists may set it themselves.
var manualTransitionMap = map[Role][]AvailabilityStatus{
	RoleDoctor:     {StatusAvailable, StatusUnavailable, StatusOnBreak},
	RolePharmacist: {StatusAvailable, StatusBusy, StatusUnavailable, StatusOnBreak},
}

func ValidManualTransition(role Role, to AvailabilityStatus) bool {
	allowed, ok := manualTransitionMap[role]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}
