// Package lifecycle drives the case state machine: intake creates cases,
// the assigned doctor completes or rejects them, and a pharmacist finishes
// the ones the doctor completed. All writes are intent-based read-modify-
// write cycles conditioned on the document version.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinicflow/internal/models"
	"clinicflow/internal/retry"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

type Controller struct {
	cases         store.CaseStore
	practitioners store.PractitionerStore
	policy        retry.Policy
	now           func() time.Time
}

type Options struct {
	Retry retry.Policy
	Now   func() time.Time
}

func NewController(cases store.CaseStore, practitioners store.PractitionerStore, options Options) *Controller {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	policy := options.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return &Controller{
		cases:         cases,
		practitioners: practitioners,
		policy:        policy,
		now:           now,
	}
}

type PatientTuple struct {
	PatientName    string `json:"patient_name"`
	EMRNumber      string `json:"emr_number"`
	ChiefComplaint string `json:"chief_complaint"`
}

type CreateInput struct {
	RequestID         string
	Patients          []PatientTuple
	AssignedDoctorID  string
	SecondaryDoctorID string
	ManualClinicCode  string
	ClinicCode        string
}

// Create builds one case per patient tuple. More than one tuple makes a
// batch: every case shares the batch timestamp minted here. The assigned
// doctor's availability is re-validated at submission; a doctor who went
// off-roster between selection and submit rejects the whole batch.
func (c *Controller) Create(ctx context.Context, input CreateInput) ([]models.Case, error) {
	if len(input.Patients) == 0 {
		return nil, fmt.Errorf("%w: at least one patient is required", store.ErrValidation)
	}
	if strings.TrimSpace(input.AssignedDoctorID) == "" {
		return nil, fmt.Errorf("%w: assigned doctor is required", store.ErrValidation)
	}
	for _, patient := range input.Patients {
		if strings.TrimSpace(patient.PatientName) == "" || strings.TrimSpace(patient.EMRNumber) == "" {
			return nil, fmt.Errorf("%w: patient name and emr number are required", store.ErrValidation)
		}
	}

	doctorIDs := []string{input.AssignedDoctorID}
	if input.SecondaryDoctorID != "" {
		doctorIDs = append(doctorIDs, input.SecondaryDoctorID)
	}
	for _, doctorID := range doctorIDs {
		doctor, err := c.practitioners.GetPractitioner(ctx, doctorID)
		if err != nil {
			return nil, err
		}
		if doctor.Role != models.RoleDoctor {
			return nil, fmt.Errorf("%w: %s is not a doctor", store.ErrAssignmentRejected, doctorID)
		}
		if doctor.Status != models.StatusAvailable {
			return nil, fmt.Errorf("%w: doctor %s is %s", store.ErrAssignmentRejected, doctorID, doctor.Status)
		}
	}

	createdAt := c.now()
	batch := len(input.Patients) > 1
	var batchTimestamp *time.Time
	if batch {
		ts := createdAt
		batchTimestamp = &ts
	}

	cases := make([]models.Case, 0, len(input.Patients))
	for i, patient := range input.Patients {
		newCase := models.Case{
			CaseID:           uuid.NewString(),
			RequestID:        input.RequestID,
			PatientName:      patient.PatientName,
			EMRNumber:        patient.EMRNumber,
			ChiefComplaint:   patient.ChiefComplaint,
			ManualClinicCode: input.ManualClinicCode,
			ClinicCode:       input.ClinicCode,
			AssignedDoctorID: input.AssignedDoctorID,
			Status:           models.CasePending,
			BatchCreated:     batch,
			BatchTimestamp:   batchTimestamp,
			BatchIndex:       i,
			BatchSize:        len(input.Patients),
			CreatedAt:        createdAt,
		}
		if input.SecondaryDoctorID != "" {
			secondary := input.SecondaryDoctorID
			newCase.SecondaryDoctorID = &secondary
		}
		cases = append(cases, newCase)
	}

	return retry.Do(ctx, c.policy, func() ([]models.Case, error) {
		created, _, err := c.cases.CreateCases(ctx, cases)
		return created, err
	})
}

// CompleteByDoctor marks the doctor step done or rejects the case as
// doctor_incomplete (terminal). The write is conditioned on the version
// read here; a conflict restarts the whole read-modify-write.
func (c *Controller) CompleteByDoctor(ctx context.Context, caseID, doctorID string, isComplete bool, reason string) (models.Case, error) {
	if !isComplete && strings.TrimSpace(reason) == "" {
		return models.Case{}, fmt.Errorf("%w: incomplete reason is required", store.ErrValidation)
	}

	return retry.Do(ctx, c.policy, func() (models.Case, error) {
		current, err := c.cases.GetCase(ctx, caseID)
		if err != nil {
			return models.Case{}, err
		}
		if current.Status.Terminal() || current.DoctorCompleted {
			return models.Case{}, fmt.Errorf("%w: doctor review already closed", store.ErrPreconditionFailed)
		}
		if !doctorAssigned(current, doctorID) {
			return models.Case{}, fmt.Errorf("%w: case is assigned to a different doctor", store.ErrPreconditionFailed)
		}

		action := models.ActionDoctorComplete
		if !isComplete {
			action = models.ActionDoctorIncomplete
		}
		if !models.ValidCaseTransition(action, current.Status) {
			return models.Case{}, fmt.Errorf("%w: case is %s", store.ErrPreconditionFailed, current.Status)
		}

		updated := current
		if isComplete {
			updated.DoctorCompleted = true
			updated.Status = models.CaseDoctorCompleted
			updated.InPharmacistPendingReview = true
			if updated.DoctorCompletedAt == nil {
				completedAt := c.now()
				updated.DoctorCompletedAt = &completedAt
			}
		} else {
			updated.Status = models.CaseDoctorIncomplete
			updated.IsIncomplete = true
			updated.IncompleteReason = reason
			updated.InPharmacistPendingReview = false
		}
		return c.cases.UpdateCase(ctx, updated, current.Version, store.CaseEventType(action))
	})
}

// ClaimByPharmacist takes a pending-review case for the calling
// pharmacist. The case stays open until that pharmacist finishes it, so
// the claim is what puts it on the pharmacist's active load. Re-claiming a
// case already held by the same pharmacist is a no-op; a case held by
// another pharmacist refuses the claim.
func (c *Controller) ClaimByPharmacist(ctx context.Context, caseID, pharmacistID string) (models.Case, error) {
	claimant, err := c.practitioners.GetPractitioner(ctx, pharmacistID)
	if err != nil {
		return models.Case{}, err
	}
	if claimant.Role != models.RolePharmacist {
		return models.Case{}, fmt.Errorf("%w: %s is not a pharmacist", store.ErrPreconditionFailed, pharmacistID)
	}

	return retry.Do(ctx, c.policy, func() (models.Case, error) {
		current, err := c.cases.GetCase(ctx, caseID)
		if err != nil {
			return models.Case{}, err
		}
		if !current.DoctorCompleted {
			return models.Case{}, fmt.Errorf("%w: doctor has not completed review", store.ErrPreconditionFailed)
		}
		if current.IsIncomplete {
			return models.Case{}, fmt.Errorf("%w: case was closed as incomplete", store.ErrPreconditionFailed)
		}
		if current.PharmacistCompleted {
			return models.Case{}, fmt.Errorf("%w: pharmacist review already closed", store.ErrPreconditionFailed)
		}
		if current.PharmacistID != nil {
			if *current.PharmacistID == pharmacistID {
				return current, nil
			}
			return models.Case{}, fmt.Errorf("%w: case is held by another pharmacist", store.ErrPreconditionFailed)
		}

		updated := current
		claimed := pharmacistID
		updated.PharmacistID = &claimed
		return c.cases.UpdateCase(ctx, updated, current.Version, store.EventCasePharmacistClaimed)
	})
}

// CompleteByPharmacist finishes the pharmacist step. The doctor step must
// be done and the case must not be terminal; violating either surfaces a
// precondition failure to the caller without retrying. An unclaimed case
// is claimed implicitly by the completion.
func (c *Controller) CompleteByPharmacist(ctx context.Context, caseID, pharmacistID string, isComplete bool, reason string) (models.Case, error) {
	if !isComplete && strings.TrimSpace(reason) == "" {
		return models.Case{}, fmt.Errorf("%w: incomplete reason is required", store.ErrValidation)
	}

	return retry.Do(ctx, c.policy, func() (models.Case, error) {
		current, err := c.cases.GetCase(ctx, caseID)
		if err != nil {
			return models.Case{}, err
		}
		if !current.DoctorCompleted {
			return models.Case{}, fmt.Errorf("%w: doctor has not completed review", store.ErrPreconditionFailed)
		}
		if current.IsIncomplete {
			return models.Case{}, fmt.Errorf("%w: case was closed as incomplete", store.ErrPreconditionFailed)
		}
		if current.PharmacistCompleted {
			return models.Case{}, fmt.Errorf("%w: pharmacist review already closed", store.ErrPreconditionFailed)
		}
		if current.PharmacistID != nil && *current.PharmacistID != pharmacistID {
			return models.Case{}, fmt.Errorf("%w: case is held by another pharmacist", store.ErrPreconditionFailed)
		}

		action := models.ActionPharmacistComplete
		if !isComplete {
			action = models.ActionPharmacistIncomplete
		}
		if !models.ValidCaseTransition(action, current.Status) {
			return models.Case{}, fmt.Errorf("%w: case is %s", store.ErrPreconditionFailed, current.Status)
		}

		updated := current
		claimed := pharmacistID
		updated.PharmacistID = &claimed
		updated.InPharmacistPendingReview = false
		if isComplete {
			updated.Status = models.CaseCompleted
			updated.PharmacistCompleted = true
			if updated.PharmacistCompletedAt == nil {
				completedAt := c.now()
				updated.PharmacistCompletedAt = &completedAt
			}
		} else {
			updated.Status = models.CasePharmacistIncomplete
			updated.IsIncomplete = true
			updated.IncompleteReason = reason
		}
		return c.cases.UpdateCase(ctx, updated, current.Version, store.CaseEventType(action))
	})
}

// GetBatchSiblings returns every case created in the same intake action,
// the subject case included. A single-patient case is its own batch of one.
func (c *Controller) GetBatchSiblings(ctx context.Context, caseID string) ([]models.Case, error) {
	subject, err := c.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if subject.BatchTimestamp == nil {
		return []models.Case{subject}, nil
	}
	return c.cases.ListBatch(ctx, *subject.BatchTimestamp)
}

func (c *Controller) GetCase(ctx context.Context, caseID string) (models.Case, error) {
	return c.cases.GetCase(ctx, caseID)
}

func (c *Controller) ListDoctorQueue(ctx context.Context, doctorID string, activeOnly bool) ([]models.Case, error) {
	return c.cases.ListByDoctor(ctx, doctorID, activeOnly)
}

func (c *Controller) ListPharmacistQueue(ctx context.Context) ([]models.Case, error) {
	return c.cases.ListPendingReview(ctx)
}

func doctorAssigned(c models.Case, doctorID string) bool {
	if c.AssignedDoctorID == doctorID {
		return true
	}
	return c.SecondaryDoctorID != nil && *c.SecondaryDoctorID == doctorID
}
