package feed

import (
	"context"
	"encoding/json"
	"expvar"
	"log"
	"strings"
	"time"

	"clinicflow/internal/models"
	"clinicflow/internal/store"
)

var broadcastEvents = expvar.NewInt("feed_broadcast_events_total")

const consumerName = "feed-router"

// Envelope is the wire form delivered to observers.
type Envelope struct {
	Type      string          `json:"type"`
	DocID     string          `json:"doc_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const (
	TypeCaseSnapshot         = "case.snapshot"
	TypePractitionerSnapshot = "practitioner.snapshot"
)

// CaseObserver is invoked for every committed case event, after broadcast.
// The availability controller hangs its load recomputation here so the
// recount always runs against the durably committed write.
type CaseObserver func(ctx context.Context, eventType string, payload store.CaseEventPayload)

// Router polls the outbox and re-publishes each event to the clients whose
// filter matches, tracking a persisted offset so a restart resumes where
// the previous process stopped.
type Router struct {
	feedStore     store.FeedStore
	cases         store.CaseStore
	practitioners store.PractitionerStore
	hub           *Hub
	interval      time.Duration
	batchSize     int
	observers     []CaseObserver
}

type RouterOptions struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewRouter(feedStore store.FeedStore, cases store.CaseStore, practitioners store.PractitionerStore, hub *Hub, options RouterOptions) *Router {
	interval := options.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	batch := options.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Router{
		feedStore:     feedStore,
		cases:         cases,
		practitioners: practitioners,
		hub:           hub,
		interval:      interval,
		batchSize:     batch,
	}
}

func (r *Router) OnCaseEvent(observer CaseObserver) {
	r.observers = append(r.observers, observer)
}

func (r *Router) Hub() *Hub {
	return r.hub
}

// Run polls until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	offset, err := r.feedStore.GetOffset(ctx, consumerName)
	if err != nil {
		log.Printf("feed offset load: %v", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			offset = r.poll(ctx, offset)
		}
	}
}

// Poll runs one polling pass; exported for the tests and for callers that
// drive the feed without a ticker.
func (r *Router) Poll(ctx context.Context, offset store.Offset) store.Offset {
	return r.poll(ctx, offset)
}

func (r *Router) poll(ctx context.Context, offset store.Offset) store.Offset {
	events, err := r.feedStore.ListOutboxEvents(ctx, offset, r.batchSize)
	if err != nil {
		log.Printf("feed poll: %v", err)
		return offset
	}
	for _, event := range events {
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
		r.dispatch(ctx, event)
	}
	if len(events) > 0 {
		if err := r.feedStore.UpdateOffset(ctx, consumerName, offset); err != nil {
			log.Printf("feed offset update: %v", err)
		}
	}
	return offset
}

func (r *Router) dispatch(ctx context.Context, event store.OutboxEvent) {
	meta := extractMeta(event.Type, event.Payload)
	envelope := Envelope{
		Type:      event.Type,
		DocID:     meta.DocID,
		Version:   meta.Version,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("feed marshal: %v", err)
		return
	}
	r.hub.Broadcast(meta, raw)
	broadcastEvents.Add(1)

	if strings.HasPrefix(event.Type, "case.") {
		var payload store.CaseEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return
		}
		for _, observer := range r.observers {
			observer(ctx, event.Type, payload)
		}
	}
}

// Attach registers the client, sends a full snapshot of the documents its
// filter matches, then releases the events buffered while the snapshot was
// read. Stale buffered versions are dropped against the snapshot versions.
func (r *Router) Attach(ctx context.Context, client *Client) error {
	r.hub.Register(client)
	if err := r.sendSnapshot(ctx, client); err != nil {
		r.hub.Unregister(client)
		return err
	}
	client.flush()
	return nil
}

func (r *Router) Detach(client *Client) {
	r.hub.Unregister(client)
}

func (r *Router) sendSnapshot(ctx context.Context, client *Client) error {
	cases, err := r.snapshotCases(ctx, client.Filter)
	if err != nil {
		return err
	}
	for _, c := range cases {
		if err := snapshotEnvelope(client, TypeCaseSnapshot, c.CaseID, c.Version, c); err != nil {
			return err
		}
	}

	practitioners, err := r.snapshotPractitioners(ctx, client.Filter)
	if err != nil {
		return err
	}
	for _, p := range practitioners {
		if err := snapshotEnvelope(client, TypePractitionerSnapshot, p.PractitionerID, p.Version, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) snapshotCases(ctx context.Context, filter Filter) ([]models.Case, error) {
	switch filter.Role {
	case models.RoleDoctor:
		return r.cases.ListByDoctor(ctx, filter.PractitionerID, true)
	case models.RolePharmacist:
		return r.cases.ListPendingReview(ctx)
	default:
		return r.cases.ListActive(ctx)
	}
}

func (r *Router) snapshotPractitioners(ctx context.Context, filter Filter) ([]models.Practitioner, error) {
	if filter.PractitionerID != "" {
		p, err := r.practitioners.GetPractitioner(ctx, filter.PractitionerID)
		if err != nil {
			return nil, err
		}
		return []models.Practitioner{p}, nil
	}
	return r.practitioners.ListPractitioners(ctx)
}

func snapshotEnvelope(client *Client, eventType, docID string, version int64, doc interface{}) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(Envelope{
		Type:      eventType,
		DocID:     docID,
		Version:   version,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	client.deliverSnapshot(docID, version, raw)
	return nil
}

type metaPayload struct {
	CaseID           string  `json:"case_id"`
	PractitionerID   string  `json:"practitioner_id"`
	Version          int64   `json:"version"`
	AssignedDoctorID string  `json:"assigned_doctor_id"`
	PharmacistID     *string `json:"pharmacist_id"`
	PendingReview    bool    `json:"in_pharmacist_pending_review"`
}

func extractMeta(eventType string, payload []byte) Meta {
	var data metaPayload
	if err := json.Unmarshal(payload, &data); err != nil {
		return Meta{}
	}
	meta := Meta{
		Version:          data.Version,
		AssignedDoctorID: data.AssignedDoctorID,
		PractitionerID:   data.PractitionerID,
		PendingReview:    data.PendingReview,
	}
	if data.PharmacistID != nil {
		meta.PharmacistID = *data.PharmacistID
	}
	if strings.HasPrefix(eventType, "case.") {
		meta.DocID = data.CaseID
	} else {
		meta.DocID = data.PractitionerID
	}
	return meta
}
