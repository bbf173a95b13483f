package notesync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/localstore"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, time.September, 1, 12, 0, 0, 0, time.UTC)

var errOffline = errors.New("offline")

type harness struct {
	engine *Engine
	local  *localstore.Store
	remote *remote.MemoryStore
}

func TestSyncDisabledNotesNeverReachRemote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	note := mustInsert(t, h, "note-1", "guest-1")
	for index := 0; index < 10; index++ {
		title := fmt.Sprintf("edit %d", index)
		saved, err := h.engine.Save(ctx, notes.NoteID(note.ID), func(current notes.Note) (notes.Note, error) {
			return notes.ApplyPatch(current, notes.Patch{Title: &title}, h.engine.Now()), nil
		})
		if err != nil {
			t.Fatalf("save %d: %v", index, err)
		}
		if saved.EffectiveSyncStatus() != notes.SyncStatusCompleted {
			t.Fatalf("expected local-only note to read as settled, got %s", saved.EffectiveSyncStatus())
		}
	}
	if h.remote.WriteCount() != 0 {
		t.Fatalf("expected no remote writes, got %d", h.remote.WriteCount())
	}
}

func TestLocalFirstWhenRemoteUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.remote.SetFault(func(remote.Operation, string, string) error { return errOffline })

	note := mustInsert(t, h, "note-1", "user-1")
	enabled := true
	saved, err := h.engine.Save(ctx, notes.NoteID(note.ID), func(current notes.Note) (notes.Note, error) {
		current.IsSyncEnabled = enabled
		current.SyncStatus = notes.SyncStatusPending
		return current, nil
	})
	if err == nil {
		t.Fatalf("expected push failure to surface")
	}
	var serviceErr *notes.ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "notesync.push.remote_write_failed" {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, errOffline) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !IsPushFailure(err) {
		t.Fatalf("expected err to classify as a push failure")
	}
	if saved.SyncStatus != notes.SyncStatusFailed {
		t.Fatalf("expected returned note to be failed, got %s", saved.SyncStatus)
	}

	stored := mustGet(t, h, note.ID)
	if stored.SyncStatus != notes.SyncStatusFailed || !stored.IsSyncEnabled {
		t.Fatalf("expected failed status recorded locally, got %+v", stored)
	}

	title := "still editable"
	edited, err := h.engine.Save(ctx, notes.NoteID(note.ID), func(current notes.Note) (notes.Note, error) {
		return notes.ApplyPatch(current, notes.Patch{Title: &title}, h.engine.Now()), nil
	})
	if err == nil {
		t.Fatalf("expected second push to fail while offline")
	}
	if mustGet(t, h, note.ID).Title != title || edited.Title != title {
		t.Fatalf("expected local edit to persist while offline")
	}
}

func TestPushRecordsOutcome(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	note := mustInsert(t, h, "note-1", "user-1")
	enableSync(t, h, note.ID)

	stored := mustGet(t, h, note.ID)
	if stored.SyncStatus != notes.SyncStatusCompleted {
		t.Fatalf("expected completed after push, got %s", stored.SyncStatus)
	}
	document, err := h.remote.Read(ctx, remote.NotesCollection, note.ID)
	if err != nil {
		t.Fatalf("read remote: %v", err)
	}
	if document.Fields[notes.FieldTitle] != "Groceries" || document.Fields[notes.FieldOwnerID] != "user-1" {
		t.Fatalf("unexpected remote document: %v", document.Fields)
	}
	if _, ok := document.Fields[notes.FieldReminder]; ok {
		t.Fatalf("expected unset reminder to be stripped")
	}

	h.remote.SetFault(func(operation remote.Operation, _, _ string) error {
		if operation == remote.OperationWrite {
			return errOffline
		}
		return nil
	})
	if _, err := h.engine.Push(ctx, notes.NoteID(note.ID)); err == nil {
		t.Fatalf("expected push failure")
	}
	if mustGet(t, h, note.ID).SyncStatus != notes.SyncStatusFailed {
		t.Fatalf("expected failed status after failed push")
	}

	h.remote.SetFault(nil)
	pushed, err := h.engine.Push(ctx, notes.NoteID(note.ID))
	if err != nil {
		t.Fatalf("push after recovery: %v", err)
	}
	if pushed.SyncStatus != notes.SyncStatusCompleted || mustGet(t, h, note.ID).SyncStatus != notes.SyncStatusCompleted {
		t.Fatalf("expected next successful push to complete")
	}
}

func TestPushRefusesSyncDisabledNote(t *testing.T) {
	h := newHarness(t, nil)
	note := mustInsert(t, h, "note-1", "user-1")

	_, err := h.engine.Push(context.Background(), notes.NoteID(note.ID))
	if !errors.Is(err, ErrSyncDisabled) {
		t.Fatalf("expected ErrSyncDisabled, got %v", err)
	}
	if h.remote.WriteCount() != 0 {
		t.Fatalf("expected no remote write")
	}
}

func TestPushTimesOutOnHungRemote(t *testing.T) {
	hung := &hungStore{MemoryStore: remote.NewMemoryStore()}
	h := newHarness(t, hung)
	h.engine.remoteTimeout = 20 * time.Millisecond

	note := mustInsert(t, h, "note-1", "user-1")
	_, err := h.engine.Save(context.Background(), notes.NoteID(note.ID), func(current notes.Note) (notes.Note, error) {
		current.IsSyncEnabled = true
		return current, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if mustGet(t, h, note.ID).SyncStatus != notes.SyncStatusFailed {
		t.Fatalf("expected timeout to count as push failure")
	}
}

func TestPullAllForOwnerIsLastWriterWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	note := mustInsert(t, h, "note-1", "user-1")
	enableSync(t, h, note.ID)

	remoteState := notes.EncodeDocument(mustGet(t, h, note.ID))
	remoteState[notes.FieldTitle] = "B"
	remoteState[notes.FieldContent] = "remote content"
	remoteState[notes.FieldTags] = []string{"other"}
	remoteState[notes.FieldUpdatedAt] = notes.FormatTimestamp(testNow.Add(time.Hour))
	if err := h.remote.Write(ctx, remote.NotesCollection, note.ID, remoteState, remote.WriteOverwrite); err != nil {
		t.Fatalf("remote overwrite: %v", err)
	}

	title := "local unsynced edit"
	if err := h.local.Put(ctx, func() notes.Note {
		local := mustGet(t, h, note.ID)
		local.Title = title
		local.SyncStatus = notes.SyncStatusPending
		return local
	}()); err != nil {
		t.Fatalf("local edit: %v", err)
	}

	report, err := h.engine.PullAllForOwner(ctx, notes.UserID("user-1"))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(report.Outcomes) != 1 || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}

	pulled := mustGet(t, h, note.ID)
	if pulled.Title != "B" || pulled.Content != "remote content" {
		t.Fatalf("expected remote version to win, got %+v", pulled)
	}
	if len(pulled.Tags) != 1 || pulled.Tags[0] != "other" {
		t.Fatalf("expected remote tags, got %v", pulled.Tags)
	}
	if pulled.SyncStatus != notes.SyncStatusCompleted || !pulled.IsSyncEnabled {
		t.Fatalf("expected pulled note to be settled and sync-enabled, got %+v", pulled)
	}
	if !pulled.UpdatedAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("expected remote timestamp, got %v", pulled.UpdatedAt)
	}
}

func TestPullAllForOwnerAppliesDefaults(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.remote.Write(ctx, remote.NotesCollection, "good", map[string]any{"ownerId": "user-1", "title": "ok"}, remote.WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.remote.Write(ctx, remote.NotesCollection, "disabled", map[string]any{"ownerId": "user-1", notes.FieldIsSyncEnabled: false}, remote.WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}

	report, err := h.engine.PullAllForOwner(ctx, notes.UserID("user-1"))
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(report.Outcomes) != 2 || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	good := mustGet(t, h, "good")
	if good.Title != "ok" || !good.IsPrivate || good.NoteType != notes.NoteTypeNote {
		t.Fatalf("expected defaults applied, got %+v", good)
	}
	if !mustGet(t, h, "disabled").IsSyncEnabled {
		t.Fatalf("expected pulled notes to be sync-enabled")
	}

	h.remote.SetFault(func(operation remote.Operation, _, _ string) error {
		if operation == remote.OperationQuery {
			return errOffline
		}
		return nil
	})
	if _, err := h.engine.PullAllForOwner(ctx, notes.UserID("user-1")); !errors.Is(err, errOffline) {
		t.Fatalf("expected query failure to surface, got %v", err)
	}
}

func TestMigrateGuestOwnershipContinuesPastFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for _, id := range []string{"n1", "n2", "n3"} {
		mustInsert(t, h, id, "guest-1")
	}
	archived := mustInsert(t, h, "n4", "guest-1")
	archived.IsArchived = true
	if err := h.local.Put(ctx, archived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	mustInsert(t, h, "other", "guest-2")

	h.remote.SetFault(func(operation remote.Operation, _, key string) error {
		if operation == remote.OperationWrite && key == "n2" {
			return errOffline
		}
		return nil
	})

	report, err := h.engine.MigrateGuestOwnership(ctx, notes.UserID("guest-1"), notes.UserID("user-1"))
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(report.Outcomes) != 4 {
		t.Fatalf("expected four outcomes, got %+v", report.Outcomes)
	}
	failed := report.Failed()
	if len(failed) != 1 || failed[0].NoteID != "n2" || !errors.Is(failed[0].Err, errOffline) {
		t.Fatalf("expected only n2 to fail, got %+v", failed)
	}

	for _, id := range []string{"n1", "n3", "n4"} {
		migrated := mustGet(t, h, id)
		if migrated.OwnerID != "user-1" || migrated.SyncStatus != notes.SyncStatusCompleted || !migrated.IsSyncEnabled {
			t.Fatalf("unexpected migrated note %s: %+v", id, migrated)
		}
	}
	n2 := mustGet(t, h, "n2")
	if n2.OwnerID != "user-1" || n2.SyncStatus != notes.SyncStatusFailed {
		t.Fatalf("expected n2 reassigned but failed, got %+v", n2)
	}
	if mustGet(t, h, "other").OwnerID != "guest-2" {
		t.Fatalf("expected unrelated guest note untouched")
	}
	if h.remote.Count(remote.NotesCollection) != 3 {
		t.Fatalf("expected three remote documents, got %d", h.remote.Count(remote.NotesCollection))
	}
}

func TestRetryFailedPushesOnlyFailedNotes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	mustInsert(t, h, "ok", "user-1")
	enableSync(t, h, "ok")
	mustInsert(t, h, "broken", "user-1")
	h.remote.SetFault(func(operation remote.Operation, _, key string) error {
		if operation == remote.OperationWrite && key == "broken" {
			return errOffline
		}
		return nil
	})
	if _, err := h.engine.Save(ctx, notes.NoteID("broken"), func(current notes.Note) (notes.Note, error) {
		current.IsSyncEnabled = true
		return current, nil
	}); err == nil {
		t.Fatalf("expected push to fail")
	}
	mustInsert(t, h, "local", "user-1")

	writesBefore := h.remote.WriteCount()
	h.remote.SetFault(nil)
	report, err := h.engine.RetryFailed(ctx, notes.UserID("user-1"))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].NoteID != "broken" || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
	if h.remote.WriteCount() != writesBefore+1 {
		t.Fatalf("expected exactly one retry write")
	}
	if mustGet(t, h, "broken").SyncStatus != notes.SyncStatusCompleted {
		t.Fatalf("expected retried note to complete")
	}
}

func TestRemoveDeletesRemoteBestEffort(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	mustInsert(t, h, "synced", "user-1")
	enableSync(t, h, "synced")
	if err := h.engine.Remove(ctx, notes.NoteID("synced")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := h.remote.Read(ctx, remote.NotesCollection, "synced"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected remote document deleted, got %v", err)
	}

	mustInsert(t, h, "unreachable", "user-1")
	enableSync(t, h, "unreachable")
	h.remote.SetFault(func(operation remote.Operation, _, _ string) error {
		if operation == remote.OperationDelete {
			return errOffline
		}
		return nil
	})
	if err := h.engine.Remove(ctx, notes.NoteID("unreachable")); err != nil {
		t.Fatalf("expected remote delete failure to be swallowed, got %v", err)
	}
	if _, err := h.local.Get(ctx, notes.NoteID("unreachable")); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected local delete to proceed, got %v", err)
	}

	writes := h.remote.WriteCount()
	mustInsert(t, h, "local", "user-1")
	h.remote.SetFault(func(operation remote.Operation, _, _ string) error {
		t.Errorf("unexpected remote %s for local-only note", operation)
		return nil
	})
	if err := h.engine.Remove(ctx, notes.NoteID("local")); err != nil {
		t.Fatalf("remove local: %v", err)
	}
	if err := h.engine.Remove(ctx, notes.NoteID("missing")); err != nil {
		t.Fatalf("expected removing an absent note to be a no-op, got %v", err)
	}
	if h.remote.WriteCount() != writes {
		t.Fatalf("expected no remote writes")
	}
}

func TestSaveSerializesPerNote(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mustInsert(t, h, "counter", "user-1")
	if _, err := h.engine.Save(ctx, notes.NoteID("counter"), func(current notes.Note) (notes.Note, error) {
		current.Content = "0"
		return current, nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for index := 0; index < workers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Save(ctx, notes.NoteID("counter"), func(current notes.Note) (notes.Note, error) {
				value, err := strconv.Atoi(current.Content)
				if err != nil {
					return current, err
				}
				current.Content = strconv.Itoa(value + 1)
				return current, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}
	if content := mustGet(t, h, "counter").Content; content != strconv.Itoa(workers) {
		t.Fatalf("expected %d serialized increments, got %s", workers, content)
	}
}

func TestSaveMissingNote(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Save(context.Background(), notes.NoteID("missing"), func(current notes.Note) (notes.Note, error) {
		return current, nil
	})
	if !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected ErrNoteNotFound, got %v", err)
	}
}

func TestCollaborators(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	mustInsert(t, h, "shared", "user-1")
	enableSync(t, h, "shared")

	collaborators, err := h.engine.AddCollaborator(ctx, notes.NoteID("shared"), " friend@example.com ")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(collaborators) != 1 || collaborators[0] != "friend@example.com" {
		t.Fatalf("unexpected collaborators: %v", collaborators)
	}
	writes := h.remote.WriteCount()
	if _, err := h.engine.AddCollaborator(ctx, notes.NoteID("shared"), "friend@example.com"); err != nil {
		t.Fatalf("add duplicate: %v", err)
	}
	if h.remote.WriteCount() != writes {
		t.Fatalf("expected duplicate add to skip the remote write")
	}
	if local := mustGet(t, h, "shared"); len(local.Collaborators) != 1 {
		t.Fatalf("expected local mirror, got %v", local.Collaborators)
	}

	document, err := h.remote.Read(ctx, remote.NotesCollection, "shared")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if document.Fields[notes.FieldTitle] != "Groceries" {
		t.Fatalf("expected merge write to keep other fields, got %v", document.Fields)
	}

	collaborators, err = h.engine.RemoveCollaborator(ctx, notes.NoteID("shared"), "friend@example.com")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(collaborators) != 0 || len(mustGet(t, h, "shared").Collaborators) != 0 {
		t.Fatalf("expected collaborator removed, got %v", collaborators)
	}

	if _, err := h.engine.AddCollaborator(ctx, notes.NoteID("shared"), "  "); !errors.Is(err, ErrInvalidCollaborator) {
		t.Fatalf("expected invalid collaborator, got %v", err)
	}
	if _, err := h.engine.AddCollaborator(ctx, notes.NoteID("unsynced"), "a@example.com"); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected missing remote note, got %v", err)
	}
}

func TestWatchNoteDeliversRemoteVersions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	updates := make(chan notes.Note, 8)
	stop, err := h.engine.WatchNote(ctx, notes.NoteID("watched"), func(note notes.Note) {
		updates <- note
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	if err := h.remote.Write(ctx, remote.NotesCollection, "watched", map[string]any{
		notes.FieldOwnerID: "user-2",
		notes.FieldTitle:   "from elsewhere",
	}, remote.WriteOverwrite); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case note := <-updates:
		if note.Title != "from elsewhere" || note.SyncStatus != notes.SyncStatusCompleted || !note.IsSyncEnabled {
			t.Fatalf("unexpected watched note: %+v", note)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for remote update")
	}
	if _, err := h.local.Get(ctx, notes.NoteID("watched")); !errors.Is(err, notes.ErrNoteNotFound) {
		t.Fatalf("expected watch to leave the local store alone, got %v", err)
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	if _, err := NewEngine(Config{Remote: remote.NewMemoryStore()}); err == nil {
		t.Fatalf("expected missing local store to fail")
	}
	h := newHarness(t, nil)
	if _, err := NewEngine(Config{Local: h.local}); err == nil {
		t.Fatalf("expected missing remote store to fail")
	}
}

type hungStore struct {
	*remote.MemoryStore
}

func (s *hungStore) Write(ctx context.Context, _, _ string, _ map[string]any, _ remote.WriteMode) error {
	<-ctx.Done()
	return ctx.Err()
}

func newHarness(t *testing.T, store remote.Store) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notes.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(localstore.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	local, err := localstore.New(localstore.Config{Database: db})
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	memory := remote.NewMemoryStore()
	if store == nil {
		store = memory
	}
	if hung, ok := store.(*hungStore); ok {
		memory = hung.MemoryStore
	}
	engine, err := NewEngine(Config{
		Local:  local,
		Remote: store,
		Clock:  func() time.Time { return testNow },
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &harness{engine: engine, local: local, remote: memory}
}

func mustInsert(t *testing.T, h *harness, id, owner string) notes.Note {
	t.Helper()
	noteID, err := notes.NewNoteID(id)
	if err != nil {
		t.Fatalf("note id: %v", err)
	}
	ownerID, err := notes.NewUserID(owner)
	if err != nil {
		t.Fatalf("owner id: %v", err)
	}
	note, err := h.engine.Insert(context.Background(), notes.NewNote(noteID, ownerID, "Groceries", "milk", testNow))
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return note
}

func mustGet(t *testing.T, h *harness, id string) notes.Note {
	t.Helper()
	note, err := h.local.Get(context.Background(), notes.NoteID(id))
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return note
}

func enableSync(t *testing.T, h *harness, id string) {
	t.Helper()
	if _, err := h.engine.Save(context.Background(), notes.NoteID(id), func(current notes.Note) (notes.Note, error) {
		current.IsSyncEnabled = true
		current.SyncStatus = notes.SyncStatusPending
		return current, nil
	}); err != nil {
		t.Fatalf("enable sync on %s: %v", id, err)
	}
}
