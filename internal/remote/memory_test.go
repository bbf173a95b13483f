package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreWriteModes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"title": "a", "tags": []string{"home"}}, WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"isArchived": true}, WriteMerge); err != nil {
		t.Fatalf("merge: %v", err)
	}
	document, err := store.Read(ctx, NotesCollection, "note-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if document.Fields["title"] != "a" || document.Fields["isArchived"] != true {
		t.Fatalf("expected merged fields, got %v", document.Fields)
	}
	tags, ok := document.Fields["tags"].([]any)
	if !ok || len(tags) != 1 || tags[0] != "home" {
		t.Fatalf("expected wire-shaped tags, got %#v", document.Fields["tags"])
	}

	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"title": "b"}, WriteOverwrite); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	document, err = store.Read(ctx, NotesCollection, "note-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, ok := document.Fields["isArchived"]; ok {
		t.Fatalf("expected overwrite to drop previous fields, got %v", document.Fields)
	}
	if store.WriteCount() != 3 {
		t.Fatalf("expected 3 writes, got %d", store.WriteCount())
	}
}

func TestMemoryStoreIsolatesCallerMaps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	fields := map[string]any{"title": "original"}
	if err := store.Write(ctx, NotesCollection, "note-1", fields, WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}
	fields["title"] = "mutated"

	document, err := store.Read(ctx, NotesCollection, "note-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	document.Fields["title"] = "mutated again"

	again, err := store.Read(ctx, NotesCollection, "note-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if again.Fields["title"] != "original" {
		t.Fatalf("expected stored document to be isolated, got %v", again.Fields["title"])
	}
}

func TestMemoryStoreReadDeleteAndQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Read(ctx, NotesCollection, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for key, owner := range map[string]string{"a": "user-1", "b": "user-2", "c": "user-1"} {
		if err := store.Write(ctx, NotesCollection, key, map[string]any{"ownerId": owner}, WriteOverwrite); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	results, err := store.QueryWhere(ctx, NotesCollection, "ownerId", "user-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 2 || results[0].Key != "a" || results[1].Key != "c" {
		t.Fatalf("unexpected query results: %+v", results)
	}

	if err := store.Delete(ctx, NotesCollection, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, NotesCollection, "a"); err != nil {
		t.Fatalf("expected repeated delete to succeed, got %v", err)
	}
	if store.Count(NotesCollection) != 2 {
		t.Fatalf("expected two documents left, got %d", store.Count(NotesCollection))
	}
}

func TestMemoryStoreRejectsInvalidPaths(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	testCases := []struct {
		name       string
		collection string
		key        string
	}{
		{name: "empty collection", collection: "", key: "a"},
		{name: "document path as collection", collection: "notes/a", key: "b"},
		{name: "empty key", collection: NotesCollection, key: ""},
		{name: "nested key", collection: NotesCollection, key: "a/b"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			err := store.Write(ctx, testCase.collection, testCase.key, map[string]any{}, WriteOverwrite)
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("expected ErrInvalidPath, got %v", err)
			}
		})
	}
}

func TestMemoryStoreFaults(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	offline := errors.New("offline")
	store.SetFault(func(operation Operation, collection, key string) error {
		if operation == OperationWrite && key == "blocked" {
			return offline
		}
		return nil
	})

	if err := store.Write(ctx, NotesCollection, "blocked", map[string]any{}, WriteOverwrite); !errors.Is(err, offline) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := store.Write(ctx, NotesCollection, "open", map[string]any{}, WriteOverwrite); err != nil {
		t.Fatalf("expected unaffected write to succeed, got %v", err)
	}
	store.SetFault(nil)
	if err := store.Write(ctx, NotesCollection, "blocked", map[string]any{}, WriteOverwrite); err != nil {
		t.Fatalf("expected cleared fault to allow write, got %v", err)
	}
}

func TestMemoryStoreCollectionSubscription(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	collection := PresenceCollection("note-1")

	snapshots := make(chan Snapshot, 16)
	unsubscribe, err := store.Subscribe(ctx, collection, func(snapshot Snapshot) {
		snapshots <- snapshot
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	initial := awaitSnapshot(t, snapshots)
	if len(initial.Documents) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	if err := store.Write(ctx, collection, "user-1", map[string]any{"isActive": true}, WriteMerge); err != nil {
		t.Fatalf("write: %v", err)
	}
	updated := awaitSnapshotWith(t, snapshots, func(snapshot Snapshot) bool { return len(snapshot.Documents) == 1 })
	if updated.Documents[0].Key != "user-1" {
		t.Fatalf("unexpected document: %+v", updated.Documents[0])
	}

	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"title": "x"}, WriteOverwrite); err != nil {
		t.Fatalf("write parent: %v", err)
	}
	select {
	case snapshot := <-snapshots:
		t.Fatalf("expected no delivery for other collections, got %+v", snapshot)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreDocumentSubscriptionAndUnsubscribe(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	snapshots := make(chan Snapshot, 16)
	unsubscribe, err := store.Subscribe(ctx, NotePath("note-1"), func(snapshot Snapshot) {
		snapshots <- snapshot
	}, nil)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	initial := awaitSnapshot(t, snapshots)
	if _, ok := initial.Document(); ok {
		t.Fatalf("expected absent document in initial snapshot")
	}

	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"title": "x"}, WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}
	updated := awaitSnapshotWith(t, snapshots, func(snapshot Snapshot) bool { return len(snapshot.Documents) == 1 })
	document, _ := updated.Document()
	if document.Fields["title"] != "x" {
		t.Fatalf("unexpected document: %+v", document)
	}

	unsubscribe()
	unsubscribe()
	drain(snapshots)
	if err := store.Write(ctx, NotesCollection, "note-1", map[string]any{"title": "y"}, WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case snapshot := <-snapshots:
		t.Fatalf("expected no delivery after unsubscribe, got %+v", snapshot)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStoreSubscriptionStopsWithContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	snapshots := make(chan Snapshot, 16)
	if _, err := store.Subscribe(ctx, NotesCollection, func(snapshot Snapshot) {
		snapshots <- snapshot
	}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	awaitSnapshot(t, snapshots)
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		store.mu.RLock()
		remaining := len(store.subscribers)
		store.mu.RUnlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestParsePath(t *testing.T) {
	testCases := []struct {
		path       string
		collection string
		key        string
		document   bool
		wantErr    bool
	}{
		{path: "notes", collection: "notes"},
		{path: "notes/a", collection: "notes", key: "a", document: true},
		{path: "notes/a/presence", collection: "notes/a/presence"},
		{path: "notes/a/presence/u", collection: "notes/a/presence", key: "u", document: true},
		{path: "", wantErr: true},
		{path: "notes//a", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.path, func(t *testing.T) {
			parsed, err := parsePath(testCase.path)
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", testCase.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.collection != testCase.collection || parsed.key != testCase.key || parsed.document != testCase.document {
				t.Fatalf("unexpected parse result: %+v", parsed)
			}
		})
	}
}

func awaitSnapshot(t *testing.T, snapshots <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snapshot := <-snapshots:
		return snapshot
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func awaitSnapshotWith(t *testing.T, snapshots <-chan Snapshot, predicate func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case snapshot := <-snapshots:
			if predicate(snapshot) {
				return snapshot
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching snapshot")
			return Snapshot{}
		}
	}
}

func drain(snapshots chan Snapshot) {
	for {
		select {
		case <-snapshots:
		default:
			return
		}
	}
}
