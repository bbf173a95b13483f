package notebook

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

// Snapshot is the observable view of one owner's notes.
type Snapshot struct {
	OwnerID   string       `json:"ownerId"`
	Notes     []notes.Note `json:"notes"`
	Archived  []notes.Note `json:"archived"`
	LastError string       `json:"lastError,omitempty"`
	Version   uint64       `json:"version"`
}

// State holds the in-memory note lists per owner. It changes only through its
// methods and notifies every listener with the affected owner's snapshot.
type State struct {
	mu        sync.Mutex
	owners    map[string]*ownerState
	listeners map[int64]func(Snapshot)
	nextID    int64
}

type ownerState struct {
	notes     map[string]notes.Note
	lastError string
	version   uint64
}

func NewState() *State {
	return &State{
		owners:    make(map[string]*ownerState),
		listeners: make(map[int64]func(Snapshot)),
	}
}

// Snapshot returns the owner's lists ordered pinned first, then most recently updated.
func (s *State) Snapshot(ownerID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(ownerID)
}

// Replace swaps the owner's whole note set.
func (s *State) Replace(ownerID string, owned []notes.Note) {
	s.mutate(ownerID, func(owner *ownerState) {
		owner.notes = make(map[string]notes.Note, len(owned))
		for _, note := range owned {
			owner.notes[note.ID] = note.Clone()
		}
		owner.lastError = ""
	})
}

// Upsert stores note under its owner and drops it from any other owner.
func (s *State) Upsert(note notes.Note) {
	s.mu.Lock()
	var moved []string
	for ownerID, owner := range s.owners {
		if ownerID == note.OwnerID {
			continue
		}
		if _, ok := owner.notes[note.ID]; ok {
			delete(owner.notes, note.ID)
			owner.version++
			moved = append(moved, ownerID)
		}
	}
	s.mu.Unlock()
	for _, ownerID := range moved {
		s.notify(ownerID)
	}
	s.mutate(note.OwnerID, func(owner *ownerState) {
		owner.notes[note.ID] = note.Clone()
	})
}

// Remove drops a note from the owner's lists.
func (s *State) Remove(ownerID, noteID string) {
	s.mutate(ownerID, func(owner *ownerState) {
		delete(owner.notes, noteID)
	})
}

// SetError records the last failure seen for the owner. A nil error clears it.
func (s *State) SetError(ownerID string, err error) {
	s.mutate(ownerID, func(owner *ownerState) {
		owner.lastError = ""
		if err != nil {
			owner.lastError = err.Error()
		}
	})
}

// Subscribe registers listener for every change. The returned function removes it.
func (s *State) Subscribe(listener func(Snapshot)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func (s *State) mutate(ownerID string, change func(*ownerState)) {
	s.mu.Lock()
	owner := s.ownerLocked(ownerID)
	change(owner)
	owner.version++
	s.mu.Unlock()
	s.notify(ownerID)
}

func (s *State) notify(ownerID string) {
	s.mu.Lock()
	snapshot := s.snapshotLocked(ownerID)
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()
	for _, listener := range listeners {
		listener(snapshot)
	}
}

func (s *State) ownerLocked(ownerID string) *ownerState {
	owner, ok := s.owners[ownerID]
	if !ok {
		owner = &ownerState{notes: make(map[string]notes.Note)}
		s.owners[ownerID] = owner
	}
	return owner
}

func (s *State) snapshotLocked(ownerID string) Snapshot {
	snapshot := Snapshot{OwnerID: ownerID, Notes: []notes.Note{}, Archived: []notes.Note{}}
	owner, ok := s.owners[ownerID]
	if !ok {
		return snapshot
	}
	for _, note := range owner.notes {
		if note.IsArchived {
			snapshot.Archived = append(snapshot.Archived, note.Clone())
		} else {
			snapshot.Notes = append(snapshot.Notes, note.Clone())
		}
	}
	sortForDisplay(snapshot.Notes)
	sortForDisplay(snapshot.Archived)
	snapshot.LastError = owner.lastError
	snapshot.Version = owner.version
	return snapshot
}

// sortForDisplay orders pinned notes first, then by most recent update.
func sortForDisplay(list []notes.Note) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].IsPinned != list[j].IsPinned {
			return list[i].IsPinned
		}
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
