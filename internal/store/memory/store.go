package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"clinicflow/internal/models"
	"clinicflow/internal/store"

	"github.com/google/uuid"
)

// Store keeps all documents in process memory behind one mutex. It mirrors
// the postgres store's semantics (version-conditioned writes, outbox rows
// appended with the mutation) and backs the controller and feed tests.
type Store struct {
	mu            sync.Mutex
	cases         map[string]models.Case
	practitioners map[string]models.Practitioner
	history       map[string][]models.StatusChangeEvent
	historySeq    map[string]int
	links         map[string]map[string]bool
	outbox        []store.OutboxEvent
	offsets       map[string]store.Offset
	historyLimit  int
	lastEventTime time.Time
}

type Options struct {
	HistoryLimit int
}

func NewStore(options Options) *Store {
	limit := options.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Store{
		cases:         make(map[string]models.Case),
		practitioners: make(map[string]models.Practitioner),
		history:       make(map[string][]models.StatusChangeEvent),
		historySeq:    make(map[string]int),
		links:         make(map[string]map[string]bool),
		offsets:       make(map[string]store.Offset),
		historyLimit:  limit,
	}
}

func (s *Store) CreateCases(ctx context.Context, cases []models.Case) ([]models.Case, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(cases) > 0 && cases[0].RequestID != "" {
		if existing := s.findByRequestIDLocked(cases[0].RequestID); len(existing) > 0 {
			return existing, false, nil
		}
	}

	created := make([]models.Case, 0, len(cases))
	for _, c := range cases {
		c.Version = 0
		s.cases[c.CaseID] = c
		s.appendOutboxLocked(store.EventCaseCreated, store.NewCaseEventPayload(c))
		created = append(created, c)
	}
	return created, true, nil
}

func (s *Store) findByRequestIDLocked(requestID string) []models.Case {
	var found []models.Case
	for _, c := range s.cases {
		if c.RequestID == requestID {
			found = append(found, c)
		}
	}
	sortCases(found)
	return found
}

func (s *Store) GetCase(ctx context.Context, caseID string) (models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return models.Case{}, store.ErrCaseNotFound
	}
	return c, nil
}

func (s *Store) UpdateCase(ctx context.Context, updated models.Case, expectedVersion int64, eventType string) (models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cases[updated.CaseID]
	if !ok {
		return models.Case{}, store.ErrCaseNotFound
	}
	if current.Version != expectedVersion {
		return models.Case{}, store.ErrVersionConflict
	}
	updated.Version = expectedVersion + 1
	s.cases[updated.CaseID] = updated
	if eventType != "" {
		s.appendOutboxLocked(eventType, store.NewCaseEventPayload(updated))
	}
	return updated, nil
}

func (s *Store) ListByDoctor(ctx context.Context, doctorID string, activeOnly bool) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Case
	for _, c := range s.cases {
		if !assignedToDoctor(c, doctorID) {
			continue
		}
		if activeOnly && !c.Active() {
			continue
		}
		result = append(result, c)
	}
	sortCases(result)
	return result, nil
}

func (s *Store) ListActive(ctx context.Context) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Case
	for _, c := range s.cases {
		if c.Active() {
			result = append(result, c)
		}
	}
	sortCases(result)
	return result, nil
}

func (s *Store) ListPendingReview(ctx context.Context) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Case
	for _, c := range s.cases {
		if c.InPharmacistPendingReview && !c.PharmacistCompleted {
			result = append(result, c)
		}
	}
	sortCases(result)
	return result, nil
}

func (s *Store) ListBatch(ctx context.Context, batchTimestamp time.Time) ([]models.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Case
	for _, c := range s.cases {
		if c.BatchTimestamp != nil && c.BatchTimestamp.Equal(batchTimestamp) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BatchIndex < result[j].BatchIndex })
	return result, nil
}

func (s *Store) CountActiveCases(ctx context.Context, practitionerID string, role models.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.cases {
		if role == models.RolePharmacist {
			if c.PharmacistID != nil && *c.PharmacistID == practitionerID && c.DoctorCompleted && !c.PharmacistCompleted && !c.IsIncomplete {
				count++
			}
			continue
		}
		if assignedToDoctor(c, practitionerID) && c.Active() {
			count++
		}
	}
	return count, nil
}

func assignedToDoctor(c models.Case, doctorID string) bool {
	if c.AssignedDoctorID == doctorID {
		return true
	}
	return c.SecondaryDoctorID != nil && *c.SecondaryDoctorID == doctorID
}

func sortCases(cases []models.Case) {
	sort.Slice(cases, func(i, j int) bool {
		if cases[i].CreatedAt.Equal(cases[j].CreatedAt) {
			return cases[i].BatchIndex < cases[j].BatchIndex
		}
		return cases[i].CreatedAt.Before(cases[j].CreatedAt)
	})
}

func (s *Store) PutPractitioner(p models.Practitioner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.practitioners[p.PractitionerID] = p
}

func (s *Store) GetPractitioner(ctx context.Context, practitionerID string) (models.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.practitioners[practitionerID]
	if !ok {
		return models.Practitioner{}, store.ErrPractitionerNotFound
	}
	return p, nil
}

func (s *Store) UpdatePractitioner(ctx context.Context, updated models.Practitioner, expectedVersion int64, change models.StatusChangeEvent) (models.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.practitioners[updated.PractitionerID]
	if !ok {
		return models.Practitioner{}, store.ErrPractitionerNotFound
	}
	if current.Version != expectedVersion {
		return models.Practitioner{}, store.ErrVersionConflict
	}
	updated.Version = expectedVersion + 1
	s.practitioners[updated.PractitionerID] = updated

	// A zero NewStatus means a count-only refresh: no history entry, no
	// availability event.
	if change.NewStatus != "" {
		change.PractitionerID = updated.PractitionerID
		s.historySeq[updated.PractitionerID]++
		change.Seq = s.historySeq[updated.PractitionerID]
		entries := append(s.history[updated.PractitionerID], change)
		if len(entries) > s.historyLimit {
			entries = entries[len(entries)-s.historyLimit:]
		}
		s.history[updated.PractitionerID] = entries

		s.appendOutboxLocked(store.EventAvailabilityChanged, store.AvailabilityEventPayload{
			PractitionerID: updated.PractitionerID,
			Role:           updated.Role,
			Previous:       change.PreviousStatus,
			Next:           change.NewStatus,
			Reason:         change.Reason,
			Version:        updated.Version,
		})
	}
	return updated, nil
}

func (s *Store) ListOnBreak(ctx context.Context) ([]models.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Practitioner
	for _, p := range s.practitioners {
		if p.Status == models.StatusOnBreak {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PractitionerID < result[j].PractitionerID })
	return result, nil
}

func (s *Store) ListPractitioners(ctx context.Context) ([]models.Practitioner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.Practitioner, 0, len(s.practitioners))
	for _, p := range s.practitioners {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PractitionerID < result[j].PractitionerID })
	return result, nil
}

func (s *Store) ListHistory(ctx context.Context, practitionerID string, limit int) ([]models.StatusChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.practitioners[practitionerID]; !ok {
		return nil, store.ErrPractitionerNotFound
	}
	entries := s.history[practitionerID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]models.StatusChangeEvent, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *Store) LinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[doctorID] == nil {
		s.links[doctorID] = make(map[string]bool)
	}
	s.links[doctorID][pharmacistID] = true
	return nil
}

func (s *Store) UnlinkPharmacist(ctx context.Context, doctorID, pharmacistID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links[doctorID], pharmacistID)
	return nil
}

func (s *Store) ListLinkedPharmacists(ctx context.Context, doctorID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.links[doctorID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListLinkedDoctors(ctx context.Context, pharmacistID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for doctorID, pharmacists := range s.links {
		if pharmacists[pharmacistID] {
			ids = append(ids, doctorID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.Offset, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.CreatedAt.Before(after.LastEventTime) {
			continue
		}
		if event.CreatedAt.Equal(after.LastEventTime) && event.EventID <= after.LastEventID {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.Offset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[consumer], nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[consumer] = offset
	return nil
}

// appendOutboxLocked keeps event timestamps strictly increasing so the
// time-cursor poll never skips or re-reads an event.
func (s *Store) appendOutboxLocked(eventType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if !now.After(s.lastEventTime) {
		now = s.lastEventTime.Add(time.Nanosecond)
	}
	s.lastEventTime = now
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		CreatedAt: now,
	})
}
