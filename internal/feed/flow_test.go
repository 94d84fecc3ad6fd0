package feed

import (
	"context"
	"testing"
	"time"

	"clinicflow/internal/availability"
	"clinicflow/internal/lifecycle"
	"clinicflow/internal/models"
	"clinicflow/internal/retry"
	"clinicflow/internal/store"
	"clinicflow/internal/store/memory"
)

// Exercises the full consultation flow with the router driving load
// reconciliation the way the binary wires it: intake fills the doctor to
// the ceiling, the feed flips the doctor busy, and the pharmacist closing
// a case brings the doctor back.
func TestConsultationFlowDrivesAvailability(t *testing.T) {
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
	defer presence.Close()

	hub := NewHub()
	router := NewRouter(st, st, st, hub, RouterOptions{BatchSize: 100})
	router.OnCaseEvent(func(ctx context.Context, eventType string, payload store.CaseEventPayload) {
		if err := presence.ReconcileLoad(ctx, payload.AssignedDoctorID); err != nil {
			t.Errorf("reconcile doctor: %v", err)
		}
		if payload.PharmacistID != nil {
			if err := presence.ReconcileLoad(ctx, *payload.PharmacistID); err != nil {
				t.Errorf("reconcile pharmacist: %v", err)
			}
		}
	})

	ctx := context.Background()

	patients := make([]lifecycle.PatientTuple, 0, 10)
	for i := 0; i < 10; i++ {
		patients = append(patients, lifecycle.PatientTuple{
			PatientName: "Patient",
			EMRNumber:   "emr",
		})
	}
	batch, err := cases.Create(ctx, lifecycle.CreateInput{
		RequestID:        "11111111-1111-1111-1111-111111111111",
		AssignedDoctorID: "doc-1",
		Patients:         patients,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	offset := router.Poll(ctx, store.Offset{})

	doctor, err := presence.GetPractitioner(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get doctor: %v", err)
	}
	if doctor.Status != models.StatusBusy || doctor.ActiveCaseCount != 10 {
		t.Fatalf("expected doctor busy at ceiling, got %s with %d cases", doctor.Status, doctor.ActiveCaseCount)
	}

	// Doctor review alone keeps the case active; the doctor stays busy.
	if _, err := cases.CompleteByDoctor(ctx, batch[0].CaseID, "doc-1", true, ""); err != nil {
		t.Fatalf("doctor complete: %v", err)
	}
	offset = router.Poll(ctx, offset)
	doctor, _ = presence.GetPractitioner(ctx, "doc-1")
	if doctor.Status != models.StatusBusy {
		t.Fatalf("doctor should stay busy while the case is open, got %s", doctor.Status)
	}

	// Pharmacist closing the case drops the load below the ceiling and the
	// feed flips the doctor back to available.
	if _, err := cases.CompleteByPharmacist(ctx, batch[0].CaseID, "pharm-1", true, ""); err != nil {
		t.Fatalf("pharmacist complete: %v", err)
	}
	router.Poll(ctx, offset)

	doctor, _ = presence.GetPractitioner(ctx, "doc-1")
	if doctor.Status != models.StatusAvailable || doctor.ActiveCaseCount != 9 {
		t.Fatalf("expected doctor available with 9 cases, got %s with %d", doctor.Status, doctor.ActiveCaseCount)
	}

	entries, err := presence.ListHistory(ctx, "doc-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected busy and available transitions, got %d entries", len(entries))
	}
	if entries[0].Reason != availability.ReasonAutoBusy || entries[1].Reason != availability.ReasonAutoAvailable {
		t.Fatalf("unexpected reasons: %q, %q", entries[0].Reason, entries[1].Reason)
	}

	closed, err := cases.GetCase(ctx, batch[0].CaseID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if closed.Status != models.CaseCompleted || closed.PharmacistID == nil {
		t.Fatalf("unexpected closed case: %+v", closed)
	}
}

// Claimed review work is what loads a pharmacist: claiming five open cases
// flips the pharmacist busy through the feed, and finishing one flips them
// back.
func TestPharmacistClaimsDriveAvailability(t *testing.T) {
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
	defer presence.Close()

	hub := NewHub()
	router := NewRouter(st, st, st, hub, RouterOptions{BatchSize: 100})
	router.OnCaseEvent(func(ctx context.Context, eventType string, payload store.CaseEventPayload) {
		if err := presence.ReconcileLoad(ctx, payload.AssignedDoctorID); err != nil {
			t.Errorf("reconcile doctor: %v", err)
		}
		if payload.PharmacistID != nil {
			if err := presence.ReconcileLoad(ctx, *payload.PharmacistID); err != nil {
				t.Errorf("reconcile pharmacist: %v", err)
			}
		}
	})

	ctx := context.Background()

	patients := make([]lifecycle.PatientTuple, 0, 5)
	for i := 0; i < 5; i++ {
		patients = append(patients, lifecycle.PatientTuple{PatientName: "Patient", EMRNumber: "emr"})
	}
	batch, err := cases.Create(ctx, lifecycle.CreateInput{
		RequestID:        "22222222-2222-2222-2222-222222222222",
		AssignedDoctorID: "doc-1",
		Patients:         patients,
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	for _, c := range batch {
		if _, err := cases.CompleteByDoctor(ctx, c.CaseID, "doc-1", true, ""); err != nil {
			t.Fatalf("doctor complete %s: %v", c.CaseID, err)
		}
		if _, err := cases.ClaimByPharmacist(ctx, c.CaseID, "pharm-1"); err != nil {
			t.Fatalf("claim %s: %v", c.CaseID, err)
		}
	}
	offset := router.Poll(ctx, store.Offset{})

	pharmacist, err := presence.GetPractitioner(ctx, "pharm-1")
	if err != nil {
		t.Fatalf("get pharmacist: %v", err)
	}
	if pharmacist.Status != models.StatusBusy || pharmacist.ActiveCaseCount != 5 {
		t.Fatalf("expected pharmacist busy at ceiling, got %s with %d cases", pharmacist.Status, pharmacist.ActiveCaseCount)
	}

	if _, err := cases.CompleteByPharmacist(ctx, batch[0].CaseID, "pharm-1", true, ""); err != nil {
		t.Fatalf("pharmacist complete: %v", err)
	}
	router.Poll(ctx, offset)

	pharmacist, _ = presence.GetPractitioner(ctx, "pharm-1")
	if pharmacist.Status != models.StatusAvailable || pharmacist.ActiveCaseCount != 4 {
		t.Fatalf("expected pharmacist available with 4 cases, got %s with %d", pharmacist.Status, pharmacist.ActiveCaseCount)
	}

	entries, err := presence.ListHistory(ctx, "pharm-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 || entries[0].Reason != availability.ReasonAutoBusy || entries[1].Reason != availability.ReasonAutoAvailable {
		t.Fatalf("unexpected history: %+v", entries)
	}
}
