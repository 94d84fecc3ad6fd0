package models

import (
	"testing"
	"time"
)

func TestValidManualTransition(t *testing.T) {
	tests := []struct {
		name string
		role Role
		to   AvailabilityStatus
		want bool
	}{
		{"doctor available", RoleDoctor, StatusAvailable, true},
		{"doctor unavailable", RoleDoctor, StatusUnavailable, true},
		{"doctor on break", RoleDoctor, StatusOnBreak, true},
		{"doctor busy is automatic only", RoleDoctor, StatusBusy, false},
		{"pharmacist busy", RolePharmacist, StatusBusy, true},
		{"pharmacist on break", RolePharmacist, StatusOnBreak, true},
		{"unknown role", Role("nurse"), StatusAvailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidManualTransition(tt.role, tt.to); got != tt.want {
				t.Fatalf("ValidManualTransition(%q, %q) = %v, want %v", tt.role, tt.to, got, tt.want)
			}
		})
	}
}

func TestValidBreakDuration(t *testing.T) {
	for _, minutes := range AllowedBreakDurations {
		if !ValidBreakDuration(minutes) {
			t.Fatalf("expected %d minutes to be allowed", minutes)
		}
	}
	for _, minutes := range []int{0, 5, 20, 90, -10} {
		if ValidBreakDuration(minutes) {
			t.Fatalf("expected %d minutes to be rejected", minutes)
		}
	}
}

func TestBreakEndsAt(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Practitioner{
		Status:         StatusOnBreak,
		BreakStartedAt: &started,
		BreakDuration:  15,
	}
	if !p.OnBreak() {
		t.Fatal("expected practitioner to be on break")
	}
	want := started.Add(15 * time.Minute)
	if got := p.BreakEndsAt(); !got.Equal(want) {
		t.Fatalf("BreakEndsAt() = %v, want %v", got, want)
	}

	p.BreakStartedAt = nil
	if p.OnBreak() {
		t.Fatal("expected missing break start to mean not on break")
	}
}

func TestActiveCaseCeiling(t *testing.T) {
	if got := ActiveCaseCeiling(RoleDoctor); got != 10 {
		t.Fatalf("doctor ceiling = %d, want 10", got)
	}
	if got := ActiveCaseCeiling(RolePharmacist); got != 5 {
		t.Fatalf("pharmacist ceiling = %d, want 5", got)
	}
}
