package notebook

import (
	"context"
	"sync"
	"time"
)

const (
	EventNoteChanged   = "note-change"
	EventNoteDeleted   = "note-delete"
	EventNotesReloaded = "notes-reload"
	EventHeartbeat     = "heartbeat"
)

// Event tells an owner's subscribers which notes changed.
type Event struct {
	OwnerID   string    `json:"ownerId"`
	Type      string    `json:"type"`
	NoteIDs   []string  `json:"noteIds"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans note events out to the subscribers of each owner. Slow subscribers miss
// events instead of blocking publishers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
}

type hubSubscriber struct {
	id     int64
	stream chan Event
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*hubSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for ownerID's events until ctx ends or the cleanup runs.
func (h *Hub) Subscribe(ctx context.Context, ownerID string) (<-chan Event, func()) {
	if ownerID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &hubSubscriber{
		id:     h.nextSequence(),
		stream: make(chan Event, h.bufferSize),
	}
	h.register(ownerID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(ownerID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (h *Hub) Publish(event Event) {
	if event.OwnerID == "" || event.Type == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[event.OwnerID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Subscribers reports how many streams ownerID currently has.
func (h *Hub) Subscribers(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[ownerID])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(ownerID string, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ownerID]; !ok {
		h.subscribers[ownerID] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[ownerID][subscriber.id] = subscriber
}

func (h *Hub) unregister(ownerID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.subscribers[ownerID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, ownerID)
		}
	}
	h.mu.Unlock()
}
