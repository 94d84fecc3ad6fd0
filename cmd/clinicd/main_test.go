package main

import (
	"net/http/httptest"
	"testing"

	"clinicflow/internal/feed"
	"clinicflow/internal/models"
)

func TestFilterFromRequest(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want feed.Filter
	}{
		{"doctor view", "/realtime?role=doctor&practitioner_id=doc-1", feed.Filter{Role: models.RoleDoctor, PractitionerID: "doc-1"}},
		{"pharmacist view", "/realtime?role=pharmacist&practitioner_id=pharm-1", feed.Filter{Role: models.RolePharmacist, PractitionerID: "pharm-1"}},
		{"supervisory view", "/realtime", feed.Filter{}},
		{"whitespace trimmed", "/realtime?role=%20doctor%20&practitioner_id=%20doc-1%20", feed.Filter{Role: models.RoleDoctor, PractitionerID: "doc-1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tc.url, nil)
			if got := filterFromRequest(r); got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}

	if got := filterFromRequest(nil); got != (feed.Filter{}) {
		t.Fatalf("nil request should yield the supervisory filter, got %+v", got)
	}
}
