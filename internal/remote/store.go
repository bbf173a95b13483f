package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("remote: document not found")
	// ErrInvalidPath indicates a malformed collection or document path.
	ErrInvalidPath = errors.New("remote: invalid path")
)

// Collection names of the remote schema.
const (
	NotesCollection    = "notes"
	UsersCollection    = "users"
	presenceCollection = "presence"
)

// PresenceCollection returns the presence subcollection of a note.
func PresenceCollection(noteID string) string {
	return NotesCollection + "/" + noteID + "/" + presenceCollection
}

// NotePath returns the document path of a note.
func NotePath(noteID string) string {
	return NotesCollection + "/" + noteID
}

// WriteMode selects between full overwrite and top-level merge.
type WriteMode int

const (
	WriteOverwrite WriteMode = iota
	WriteMerge
)

func (m WriteMode) String() string {
	if m == WriteMerge {
		return "merge"
	}
	return "overwrite"
}

// Document is one remote document.
type Document struct {
	Key    string
	Fields map[string]any
}

// Snapshot is delivered to subscribers. A collection subscription receives every
// document of the collection; a document subscription receives zero or one.
type Snapshot struct {
	Path      string
	Documents []Document
}

// Document returns the single document of a document snapshot.
func (s Snapshot) Document() (Document, bool) {
	if len(s.Documents) == 0 {
		return Document{}, false
	}
	return s.Documents[0], true
}

// Store is the remote document store.
type Store interface {
	Write(ctx context.Context, collection, key string, fields map[string]any, mode WriteMode) error
	// Read returns ErrNotFound when the document is absent.
	Read(ctx context.Context, collection, key string) (Document, error)
	Delete(ctx context.Context, collection, key string) error
	QueryWhere(ctx context.Context, collection, field string, value any) ([]Document, error)
	// Subscribe watches a collection path (odd segment count) or a document path
	// (even segment count). The returned function stops delivery and is safe to call
	// more than once.
	Subscribe(ctx context.Context, path string, onChange func(Snapshot), onError func(error)) (func(), error)
}

type parsedPath struct {
	collection string
	key        string
	document   bool
}

func parsePath(path string) (parsedPath, error) {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return parsedPath{}, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(trimmed, "/")
	for _, segment := range segments {
		if segment == "" {
			return parsedPath{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	if len(segments)%2 == 1 {
		return parsedPath{collection: trimmed}, nil
	}
	return parsedPath{
		collection: strings.Join(segments[:len(segments)-1], "/"),
		key:        segments[len(segments)-1],
		document:   true,
	}, nil
}

func validateDocumentRef(collection, key string) error {
	parsed, err := parsePath(collection)
	if err != nil {
		return err
	}
	if parsed.document {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidPath, collection)
	}
	if key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("%w: document key %q", ErrInvalidPath, key)
	}
	return nil
}
