package feed

import (
	"expvar"
	"sync"

	"clinicflow/internal/models"
)

var droppedMessages = expvar.NewInt("feed_dropped_messages_total")

// Filter is an observer's view predicate. An empty filter is the
// supervisory view and matches every document.
type Filter struct {
	Role           models.Role
	PractitionerID string
}

// Meta is the routing information extracted from an event payload.
type Meta struct {
	DocID            string
	Version          int64
	AssignedDoctorID string
	PharmacistID     string
	PractitionerID   string
	PendingReview    bool
}

func (f Filter) Matches(meta Meta) bool {
	if f.Role == "" && f.PractitionerID == "" {
		return true
	}
	switch f.Role {
	case models.RoleDoctor:
		if meta.PractitionerID != "" {
			return meta.PractitionerID == f.PractitionerID
		}
		return meta.AssignedDoctorID == f.PractitionerID
	case models.RolePharmacist:
		if meta.PractitionerID != "" {
			return meta.PractitionerID == f.PractitionerID
		}
		return meta.PendingReview || meta.PharmacistID == f.PractitionerID
	default:
		if f.PractitionerID == "" {
			return true
		}
		return meta.PractitionerID == f.PractitionerID ||
			meta.AssignedDoctorID == f.PractitionerID ||
			meta.PharmacistID == f.PractitionerID
	}
}

type Client struct {
	ID     string
	Send   chan []byte
	Filter Filter

	mu           sync.Mutex
	buffering    bool
	pending      []pendingMessage
	lastVersions map[string]int64
}

type pendingMessage struct {
	docID   string
	version int64
	payload []byte
}

func NewClient(id string, filter Filter, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{
		ID:           id,
		Send:         make(chan []byte, buffer),
		Filter:       filter,
		lastVersions: make(map[string]int64),
	}
}

// deliver enqueues a payload unless the document version is not newer than
// one the client already saw. While the client is buffering (snapshot in
// flight) payloads are parked and re-checked against the snapshot versions
// on flush.
func (c *Client) deliver(docID string, version int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffering {
		c.pending = append(c.pending, pendingMessage{docID: docID, version: version, payload: payload})
		return
	}
	if !c.admitLocked(docID, version) {
		return
	}
	c.sendLocked(payload)
}

// deliverSnapshot pushes a snapshot document, recording its version so any
// buffered incremental older than the snapshot is dropped on flush.
func (c *Client) deliverSnapshot(docID string, version int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if docID != "" {
		if last, ok := c.lastVersions[docID]; !ok || version > last {
			c.lastVersions[docID] = version
		}
	}
	c.sendLocked(payload)
}

func (c *Client) admitLocked(docID string, version int64) bool {
	if docID == "" {
		return true
	}
	if last, ok := c.lastVersions[docID]; ok && version <= last {
		return false
	}
	c.lastVersions[docID] = version
	return true
}

func (c *Client) sendLocked(payload []byte) {
	select {
	case c.Send <- payload:
	default:
		droppedMessages.Add(1)
	}
}

func (c *Client) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffering = false
	for _, msg := range c.pending {
		if !c.admitLocked(msg.docID, msg.version) {
			continue
		}
		c.sendLocked(msg.payload)
	}
	c.pending = nil
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds the client in buffering mode; incremental events queue up
// until the attaching router has delivered the snapshot and flushed.
func (h *Hub) Register(client *Client) {
	client.mu.Lock()
	client.buffering = true
	client.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateFilter(client *Client, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Filter = filter
}

func (h *Hub) Broadcast(meta Meta, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.Filter.Matches(meta) {
			continue
		}
		client.deliver(meta.DocID, meta.Version, payload)
	}
}
