package notes

import (
	"context"
	"errors"
)

// ErrNoteNotFound indicates that no note exists for the requested identifier.
var ErrNoteNotFound = errors.New("notes: note not found")

// Repository is durable local note persistence keyed by note id.
// Writes of a single note are atomic; there are no multi-note guarantees.
type Repository interface {
	// Put inserts or fully replaces the note with the same id.
	Put(ctx context.Context, note Note) error
	// Get returns ErrNoteNotFound when the note is absent.
	Get(ctx context.Context, id NoteID) (Note, error)
	Delete(ctx context.Context, id NoteID) error
	// QueryByOwner returns the owner's notes with the given archived flag, unordered.
	QueryByOwner(ctx context.Context, ownerID UserID, archived bool) ([]Note, error)
	// QueryByOwnerAndTag returns the owner's non-archived notes carrying tag.
	QueryByOwnerAndTag(ctx context.Context, ownerID UserID, tag string) ([]Note, error)
}
