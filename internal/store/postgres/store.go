package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"clinicflow/internal/models"
	"clinicflow/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool         *pgxpool.Pool
	historyLimit int
}

type Options struct {
	HistoryLimit int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	limit := options.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Store{pool: pool, historyLimit: limit}
}

const caseColumns = `
	case_id, request_id, patient_name, emr_number, chief_complaint,
	manual_clinic_code, clinic_code, assigned_doctor_id, secondary_doctor_id,
	pharmacist_id, status, doctor_completed, pharmacist_completed,
	is_incomplete, incomplete_reason, in_pharmacist_pending_review,
	batch_created, batch_timestamp, batch_index, batch_size, version,
	created_at, doctor_completed_at, pharmacist_completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (models.Case, error) {
	var c models.Case
	var secondaryNull sql.NullString
	var pharmacistNull sql.NullString
	var reasonNull sql.NullString
	var manualClinicNull sql.NullString
	var clinicNull sql.NullString
	var batchTimeNull sql.NullTime
	var doctorDoneNull sql.NullTime
	var pharmacistDoneNull sql.NullTime
	err := row.Scan(
		&c.CaseID, &c.RequestID, &c.PatientName, &c.EMRNumber, &c.ChiefComplaint,
		&manualClinicNull, &clinicNull, &c.AssignedDoctorID, &secondaryNull,
		&pharmacistNull, &c.Status, &c.DoctorCompleted, &c.PharmacistCompleted,
		&c.IsIncomplete, &reasonNull, &c.InPharmacistPendingReview,
		&c.BatchCreated, &batchTimeNull, &c.BatchIndex, &c.BatchSize, &c.Version,
		&c.CreatedAt, &doctorDoneNull, &pharmacistDoneNull,
	)
	if err != nil {
		return models.Case{}, err
	}
	c.ManualClinicCode = stringOrEmpty(manualClinicNull)
	c.ClinicCode = stringOrEmpty(clinicNull)
	c.SecondaryDoctorID = nullStringPtr(secondaryNull)
	c.PharmacistID = nullStringPtr(pharmacistNull)
	c.IncompleteReason = stringOrEmpty(reasonNull)
	c.BatchTimestamp = nullTimePtr(batchTimeNull)
	c.DoctorCompletedAt = nullTimePtr(doctorDoneNull)
	c.PharmacistCompletedAt = nullTimePtr(pharmacistDoneNull)
	return c, nil
}

func (s *Store) CreateCases(ctx context.Context, cases []models.Case) ([]models.Case, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if len(cases) > 0 && cases[0].RequestID != "" {
		existing, err2 := listCasesByRequestID(ctx, tx, cases[0].RequestID)
		if err2 != nil {
			err = err2
			return nil, false, err
		}
		if len(existing) > 0 {
			if err = tx.Commit(ctx); err != nil {
				return nil, false, err
			}
			return existing, false, nil
		}
	}

	created := make([]models.Case, 0, len(cases))
	for _, c := range cases {
		c.Version = 0
		_, err = tx.Exec(ctx, `
			INSERT INTO cases (
				case_id, request_id, patient_name, emr_number, chief_complaint,
				manual_clinic_code, clinic_code, assigned_doctor_id, secondary_doctor_id,
				pharmacist_id, status, doctor_completed, pharmacist_completed,
				is_incomplete, incomplete_reason, in_pharmacist_pending_review,
				batch_created, batch_timestamp, batch_index, batch_size, version,
				created_at, doctor_completed_at, pharmacist_completed_at
			) VALUES (
				$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24
			)
		`, c.CaseID, c.RequestID, c.PatientName, c.EMRNumber, c.ChiefComplaint,
			nullIfEmpty(c.ManualClinicCode), nullIfEmpty(c.ClinicCode), c.AssignedDoctorID, c.SecondaryDoctorID,
			c.PharmacistID, c.Status, c.DoctorCompleted, c.PharmacistCompleted,
			c.IsIncomplete, nullIfEmpty(c.IncompleteReason), c.InPharmacistPendingReview,
			c.BatchCreated, c.BatchTimestamp, c.BatchIndex, c.BatchSize, c.Version,
			c.CreatedAt, c.DoctorCompletedAt, c.PharmacistCompletedAt)
		if err != nil {
			return nil, false, err
		}
		if err = insertOutboxEvent(ctx, tx, store.EventCaseCreated, store.NewCaseEventPayload(c)); err != nil {
			return nil, false, err
		}
		created = append(created, c)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func listCasesByRequestID(ctx context.Context, tx pgx.Tx, requestID string) ([]models.Case, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE request_id = $1
		ORDER BY batch_index ASC
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

func (s *Store) GetCase(ctx context.Context, caseID string) (models.Case, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE case_id = $1
	`, caseID)
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Case{}, store.ErrCaseNotFound
		}
		return models.Case{}, err
	}
	return c, nil
}

// UpdateCase writes the full document conditioned on the version the
// caller read. Zero rows affected means either the case vanished or a
// concurrent writer advanced the version; a follow-up read tells which.
func (s *Store) UpdateCase(ctx context.Context, updated models.Case, expectedVersion int64, eventType string) (models.Case, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Case{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	updated.Version = expectedVersion + 1
	tag, err := tx.Exec(ctx, `
		UPDATE cases
		SET status = $1,
			pharmacist_id = $2,
			doctor_completed = $3,
			pharmacist_completed = $4,
			is_incomplete = $5,
			incomplete_reason = $6,
			in_pharmacist_pending_review = $7,
			doctor_completed_at = $8,
			pharmacist_completed_at = $9,
			version = $10
		WHERE case_id = $11 AND version = $12
	`, updated.Status, updated.PharmacistID, updated.DoctorCompleted,
		updated.PharmacistCompleted, updated.IsIncomplete, nullIfEmpty(updated.IncompleteReason),
		updated.InPharmacistPendingReview, updated.DoctorCompletedAt, updated.PharmacistCompletedAt,
		updated.Version, updated.CaseID, expectedVersion)
	if err != nil {
		return models.Case{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cases WHERE case_id = $1)`, updated.CaseID)
		if err = row.Scan(&exists); err != nil {
			return models.Case{}, err
		}
		if !exists {
			err = store.ErrCaseNotFound
			return models.Case{}, err
		}
		err = store.ErrVersionConflict
		return models.Case{}, err
	}

	if eventType != "" {
		if err = insertOutboxEvent(ctx, tx, eventType, store.NewCaseEventPayload(updated)); err != nil {
			return models.Case{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Case{}, err
	}
	return updated, nil
}

func (s *Store) ListByDoctor(ctx context.Context, doctorID string, activeOnly bool) ([]models.Case, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM cases
		WHERE (assigned_doctor_id = $1 OR secondary_doctor_id = $1)
	`
	if activeOnly {
		query += ` AND status NOT IN ('completed','doctor_incomplete','pharmacist_incomplete')`
	}
	query += ` ORDER BY created_at ASC, batch_index ASC`

	rows, err := s.pool.Query(ctx, query, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

func (s *Store) ListActive(ctx context.Context) ([]models.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE status NOT IN ('completed','doctor_incomplete','pharmacist_incomplete')
		ORDER BY created_at ASC, batch_index ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

func (s *Store) ListPendingReview(ctx context.Context) ([]models.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE in_pharmacist_pending_review = TRUE AND pharmacist_completed = FALSE
		ORDER BY doctor_completed_at ASC NULLS LAST, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

func (s *Store) ListBatch(ctx context.Context, batchTimestamp time.Time) ([]models.Case, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+`
		FROM cases
		WHERE batch_timestamp = $1
		ORDER BY batch_index ASC
	`, batchTimestamp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCases(rows)
}

func (s *Store) CountActiveCases(ctx context.Context, practitionerID string, role models.Role) (int, error) {
	var count int
	if role == models.RolePharmacist {
		row := s.pool.QueryRow(ctx, `
			SELECT COUNT(1)
			FROM cases
			WHERE pharmacist_id = $1
				AND doctor_completed = TRUE
				AND pharmacist_completed = FALSE
				AND is_incomplete = FALSE
		`, practitionerID)
		if err := row.Scan(&count); err != nil {
			return 0, err
		}
		return count, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM cases
		WHERE (assigned_doctor_id = $1 OR secondary_doctor_id = $1)
			AND status NOT IN ('completed','doctor_incomplete','pharmacist_incomplete')
	`, practitionerID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func collectCases(rows pgx.Rows) ([]models.Case, error) {
	var cases []models.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cases, nil
}

func (s *Store) GetPractitioner(ctx context.Context, practitionerID string) (models.Practitioner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT practitioner_id, role, display_name, availability_status,
			active_case_count, busy_set_manually, break_started_at,
			break_duration_minutes, version
		FROM practitioners
		WHERE practitioner_id = $1
	`, practitionerID)
	p, err := scanPractitioner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Practitioner{}, store.ErrPractitionerNotFound
		}
		return models.Practitioner{}, err
	}
	return p, nil
}

func scanPractitioner(row rowScanner) (models.Practitioner, error) {
	var p models.Practitioner
	var displayNull sql.NullString
	var breakStartNull sql.NullTime
	var breakDurationNull sql.NullInt64
	err := row.Scan(&p.PractitionerID, &p.Role, &displayNull, &p.Status,
		&p.ActiveCaseCount, &p.BusySetManually, &breakStartNull, &breakDurationNull, &p.Version)
	if err != nil {
		return models.Practitioner{}, err
	}
	p.DisplayName = stringOrEmpty(displayNull)
	p.BreakStartedAt = nullTimePtr(breakStartNull)
	if breakDurationNull.Valid {
		p.BreakDuration = int(breakDurationNull.Int64)
	}
	return p, nil
}

func (s *Store) UpdatePractitioner(ctx context.Context, updated models.Practitioner, expectedVersion int64, change models.StatusChangeEvent) (models.Practitioner, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Practitioner{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	updated.Version = expectedVersion + 1
	var breakDuration interface{}
	if updated.BreakDuration > 0 {
		breakDuration = updated.BreakDuration
	}
	tag, err := tx.Exec(ctx, `
		UPDATE practitioners
		SET availability_status = $1,
			active_case_count = $2,
			busy_set_manually = $3,
			break_started_at = $4,
			break_duration_minutes = $5,
			version = $6
		WHERE practitioner_id = $7 AND version = $8
	`, updated.Status, updated.ActiveCaseCount, updated.BusySetManually, updated.BreakStartedAt,
		breakDuration, updated.Version, updated.PractitionerID, expectedVersion)
	if err != nil {
		return models.Practitioner{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM practitioners WHERE practitioner_id = $1)`, updated.PractitionerID)
		if err = row.Scan(&exists); err != nil {
			return models.Practitioner{}, err
		}
		if !exists {
			err = store.ErrPractitionerNotFound
			return models.Practitioner{}, err
		}
		err = store.ErrVersionConflict
		return models.Practitioner{}, err
	}

	if change.NewStatus != "" {
		if err = s.appendHistory(ctx, tx, updated.PractitionerID, change); err != nil {
			return models.Practitioner{}, err
		}
		payload := store.AvailabilityEventPayload{
			PractitionerID: updated.PractitionerID,
			Role:           updated.Role,
			Previous:       change.PreviousStatus,
			Next:           change.NewStatus,
			Reason:         change.Reason,
			Version:        updated.Version,
		}
		if err = insertOutboxEvent(ctx, tx, store.EventAvailabilityChanged, payload); err != nil {
			return models.Practitioner{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Practitioner{}, err
	}
	return updated, nil
}

// appendHistory writes the next history row and trims entries beyond the
// retention cap.
func (s *Store) appendHistory(ctx context.Context, tx pgx.Tx, practitionerID string, change models.StatusChangeEvent) error {
	var seq int
	row := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM availability_history
		WHERE practitioner_id = $1
	`, practitionerID)
	if err := row.Scan(&seq); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO availability_history (
			practitioner_id, seq, previous_status, new_status, changed_at,
			reason, expected_duration_minutes, expected_return_time, cases_at_change
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, practitionerID, seq, change.PreviousStatus, change.NewStatus, change.ChangedAt,
		nullIfEmpty(change.Reason), change.ExpectedDuration, change.ExpectedReturn, change.CasesAtChange)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM availability_history
		WHERE practitioner_id = $1 AND seq <= $2 - $3
	`, practitionerID, seq, s.historyLimit)
	return err
}

func (s *Store) ListOnBreak(ctx context.Context) ([]models.Practitioner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT practitioner_id, role, display_name, availability_status,
			active_case_count, busy_set_manually, break_started_at,
			break_duration_minutes, version
		FROM practitioners
		WHERE availability_status = 'on_break'
		ORDER BY practitioner_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPractitioners(rows)
}

func (s *Store) ListPractitioners(ctx context.Context) ([]models.Practitioner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT practitioner_id, role, display_name, availability_status,
			active_case_count, busy_set_manually, break_started_at,
			break_duration_minutes, version
		FROM practitioners
		ORDER BY practitioner_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPractitioners(rows)
}

func collectPractitioners(rows pgx.Rows) ([]models.Practitioner, error) {
	var practitioners []models.Practitioner
	for rows.Next() {
		p, err := scanPractitioner(rows)
		if err != nil {
			return nil, err
		}
		practitioners = append(practitioners, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return practitioners, nil
}

func (s *Store) ListHistory(ctx context.Context, practitionerID string, limit int) ([]models.StatusChangeEvent, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT practitioner_id, seq, previous_status, new_status, changed_at,
			COALESCE(reason, ''), expected_duration_minutes, expected_return_time, cases_at_change
		FROM (
			SELECT *
			FROM availability_history
			WHERE practitioner_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`, practitionerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.StatusChangeEvent
	for rows.Next() {
		var entry models.StatusChangeEvent
		var returnNull sql.NullTime
		if err := rows.Scan(&entry.PractitionerID, &entry.Seq, &entry.PreviousStatus, &entry.NewStatus,
			&entry.ChangedAt, &entry.Reason, &entry.ExpectedDuration, &returnNull, &entry.CasesAtChange); err != nil {
			return nil, err
		}
		entry.ExpectedReturn = nullTimePtr(returnNull)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Link rows form the doctor/pharmacist back-reference set. Individual
// inserts and deletes keep concurrent add/remove from clobbering each
// other, unlike rewriting a whole id list.
func (s *Store) LinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO practitioner_links (doctor_id, pharmacist_id)
		VALUES ($1, $2)
		ON CONFLICT (doctor_id, pharmacist_id) DO NOTHING
	`, doctorID, pharmacistID)
	return err
}

func (s *Store) UnlinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM practitioner_links
		WHERE doctor_id = $1 AND pharmacist_id = $2
	`, doctorID, pharmacistID)
	return err
}

func (s *Store) ListLinkedPharmacists(ctx context.Context, doctorID string) ([]string, error) {
	return s.listLinks(ctx, `
		SELECT pharmacist_id FROM practitioner_links
		WHERE doctor_id = $1
		ORDER BY pharmacist_id ASC
	`, doctorID)
}

func (s *Store) ListLinkedDoctors(ctx context.Context, pharmacistID string) ([]string, error) {
	return s.listLinks(ctx, `
		SELECT doctor_id FROM practitioner_links
		WHERE pharmacist_id = $1
		ORDER BY doctor_id ASC
	`, pharmacistID)
}

func (s *Store) listLinks(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var linked string
		if err := rows.Scan(&linked); err != nil {
			return nil, err
		}
		ids = append(ids, linked)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	// The event id breaks ties between events committed at the same
	// instant, so a batch boundary inside a shared timestamp never skips.
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE created_at > $1 OR (created_at = $1 AND event_id > $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, after.LastEventTime, after.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.Offset, error) {
	var offset store.Offset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM feed_offsets
		WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Offset{}, nil
		}
		return store.Offset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.Offset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_offsets (consumer, last_event_time, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = EXCLUDED.last_event_time, last_event_id = EXCLUDED.last_event_id
	`, consumer, offset.LastEventTime, offset.LastEventID)
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func stringOrEmpty(value sql.NullString) string {
	if value.Valid {
		return value.String
	}
	return ""
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	result := value.String
	return &result
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	result := value.Time
	return &result
}
