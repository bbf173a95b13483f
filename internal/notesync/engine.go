package notesync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/remote"
	"go.uber.org/zap"
)

// DefaultRemoteTimeout bounds every remote call when no timeout is configured.
const DefaultRemoteTimeout = 10 * time.Second

const (
	opEngineNew          = "notesync.new"
	opInsert             = "notesync.insert"
	opSave               = "notesync.save"
	opPush               = "notesync.push"
	opRemove             = "notesync.remove"
	opRemoteDelete       = "notesync.remote_delete"
	opPullAll            = "notesync.pull_all"
	opMigrateGuest       = "notesync.migrate_guest"
	opRetryFailed        = "notesync.retry_failed"
	opWatchNote          = "notesync.watch_note"
	opAddCollaborator    = "notesync.add_collaborator"
	opRemoveCollaborator = "notesync.remove_collaborator"

	reasonMissingLocal     = "missing_local_store"
	reasonMissingRemote    = "missing_remote_store"
	reasonLocalRead        = "local_read_failed"
	reasonLocalWrite       = "local_write_failed"
	reasonLocalDelete      = "local_delete_failed"
	reasonLocalQuery       = "local_query_failed"
	reasonRemoteWrite      = "remote_write_failed"
	reasonRemoteRead       = "remote_read_failed"
	reasonRemoteDelete     = "remote_delete_failed"
	reasonRemoteQuery      = "remote_query_failed"
	reasonSubscribe        = "subscribe_failed"
	reasonDecode           = "decode_failed"
	reasonMutate           = "mutate_failed"
	reasonSyncDisabled     = "sync_disabled"
	reasonInvalidEmail     = "invalid_email"
	reasonRemoteNoteAbsent = "remote_note_missing"
	reasonNoteMigration    = "note_migration_failed"
)

var (
	// ErrSyncDisabled indicates an attempt to push a note whose sync is off.
	ErrSyncDisabled = errors.New("notesync: sync disabled for note")
	// ErrInvalidCollaborator indicates an empty collaborator identifier.
	ErrInvalidCollaborator = errors.New("notesync: collaborator email required")

	errMissingLocalStore  = errors.New("local store is required")
	errMissingRemoteStore = errors.New("remote store is required")
)

// IsPushFailure reports whether err is a failed remote write of a note. The local
// copy behind such an error was saved and is marked failed.
func IsPushFailure(err error) bool {
	var serviceErr *notes.ServiceError
	return errors.As(err, &serviceErr) && serviceErr.Code() == opPush+"."+reasonRemoteWrite
}

// Mutator transforms the current local note inside the serialized update path.
type Mutator func(current notes.Note) (notes.Note, error)

// Config describes the dependencies of the sync engine.
type Config struct {
	Local         notes.Repository
	Remote        remote.Store
	Clock         func() time.Time
	RemoteTimeout time.Duration
	Logger        *zap.Logger
}

// Engine propagates local note mutations to the remote store and reconciles bulk
// ownership changes. Local writes for one note id are serialized.
type Engine struct {
	local         notes.Repository
	remote        remote.Store
	clock         func() time.Time
	remoteTimeout time.Duration
	logger        *zap.Logger
	locks         *keyedMutex
}

// NewEngine validates cfg and constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Local == nil {
		return nil, notes.NewServiceError(opEngineNew, reasonMissingLocal, errMissingLocalStore)
	}
	if cfg.Remote == nil {
		return nil, notes.NewServiceError(opEngineNew, reasonMissingRemote, errMissingRemoteStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		local:         cfg.Local,
		remote:        cfg.Remote,
		clock:         clock,
		remoteTimeout: timeout,
		logger:        logger,
		locks:         newKeyedMutex(),
	}, nil
}

// Now returns the engine clock reading in UTC at millisecond precision.
func (e *Engine) Now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

// Insert writes a new note locally and pushes it when sync is enabled.
func (e *Engine) Insert(ctx context.Context, note notes.Note) (notes.Note, error) {
	unlock := e.locks.Lock(note.ID)
	defer unlock()

	if err := e.local.Put(ctx, note); err != nil {
		e.logError(opInsert, reasonLocalWrite, err, noteFields(note)...)
		return notes.Note{}, notes.NewServiceError(opInsert, reasonLocalWrite, err)
	}
	if !note.IsSyncEnabled {
		return note, nil
	}
	return e.pushLocked(ctx, note)
}

// Save runs mutate against the current local copy, writes the result locally and
// then pushes it when sync is enabled. A push failure is returned together with the
// locally saved note, which stays authoritative.
func (e *Engine) Save(ctx context.Context, id notes.NoteID, mutate Mutator) (notes.Note, error) {
	unlock := e.locks.Lock(id.String())
	defer unlock()

	current, err := e.local.Get(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			return notes.Note{}, err
		}
		e.logError(opSave, reasonLocalRead, err, zap.String("note_id", id.String()))
		return notes.Note{}, notes.NewServiceError(opSave, reasonLocalRead, err)
	}
	updated, err := mutate(current.Clone())
	if err != nil {
		return notes.Note{}, notes.NewServiceError(opSave, reasonMutate, err)
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	if err := e.local.Put(ctx, updated); err != nil {
		e.logError(opSave, reasonLocalWrite, err, noteFields(updated)...)
		return notes.Note{}, notes.NewServiceError(opSave, reasonLocalWrite, err)
	}
	if !updated.IsSyncEnabled {
		return updated, nil
	}
	return e.pushLocked(ctx, updated)
}

// Push sends the current local copy of a sync-enabled note to the remote store.
func (e *Engine) Push(ctx context.Context, id notes.NoteID) (notes.Note, error) {
	unlock := e.locks.Lock(id.String())
	defer unlock()

	current, err := e.local.Get(ctx, id)
	if err != nil {
		if errors.Is(err, notes.ErrNoteNotFound) {
			return notes.Note{}, err
		}
		e.logError(opPush, reasonLocalRead, err, zap.String("note_id", id.String()))
		return notes.Note{}, notes.NewServiceError(opPush, reasonLocalRead, err)
	}
	return e.pushLocked(ctx, current)
}

// pushLocked overwrites the remote document with note and records the outcome
// locally. The caller holds the note lock.
func (e *Engine) pushLocked(ctx context.Context, note notes.Note) (notes.Note, error) {
	if !note.IsSyncEnabled {
		return note, notes.NewServiceError(opPush, reasonSyncDisabled, ErrSyncDisabled)
	}
	remoteCtx, cancel := e.remoteContext(ctx)
	writeErr := e.remote.Write(remoteCtx, remote.NotesCollection, note.ID, notes.EncodeDocument(note), remote.WriteOverwrite)
	cancel()

	if writeErr != nil {
		note.SyncStatus = notes.SyncStatusFailed
		if err := e.local.Put(ctx, note); err != nil {
			e.logError(opPush, reasonLocalWrite, err, noteFields(note)...)
		}
		e.logError(opPush, reasonRemoteWrite, writeErr, noteFields(note)...)
		return note, notes.NewServiceError(opPush, reasonRemoteWrite, writeErr)
	}

	note.SyncStatus = notes.SyncStatusCompleted
	if err := e.local.Put(ctx, note); err != nil {
		e.logError(opPush, reasonLocalWrite, err, noteFields(note)...)
		return note, notes.NewServiceError(opPush, reasonLocalWrite, err)
	}
	return note, nil
}

// Remove deletes the local note and, when it was sync-enabled, issues a best-effort
// remote delete whose failure is only logged. Removing an absent note is a no-op.
func (e *Engine) Remove(ctx context.Context, id notes.NoteID) error {
	unlock := e.locks.Lock(id.String())
	defer unlock()

	current, err := e.local.Get(ctx, id)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return nil
	}
	if err != nil {
		e.logError(opRemove, reasonLocalRead, err, zap.String("note_id", id.String()))
		return notes.NewServiceError(opRemove, reasonLocalRead, err)
	}
	if err := e.local.Delete(ctx, id); err != nil {
		e.logError(opRemove, reasonLocalDelete, err, noteFields(current)...)
		return notes.NewServiceError(opRemove, reasonLocalDelete, err)
	}
	if current.IsSyncEnabled {
		e.RemoteDelete(ctx, id)
	}
	return nil
}

// RemoteDelete removes the remote document. Failures are logged and swallowed.
func (e *Engine) RemoteDelete(ctx context.Context, id notes.NoteID) {
	remoteCtx, cancel := e.remoteContext(ctx)
	defer cancel()
	if err := e.remote.Delete(remoteCtx, remote.NotesCollection, id.String()); err != nil {
		e.logWarn(opRemoteDelete, reasonRemoteDelete, err, zap.String("note_id", id.String()))
	}
}

// PullAllForOwner overwrites local copies with every remote note owned by ownerID.
// The remote version wins unconditionally; unsynced local edits to the same notes
// are discarded.
func (e *Engine) PullAllForOwner(ctx context.Context, ownerID notes.UserID) (Report, error) {
	remoteCtx, cancel := e.remoteContext(ctx)
	documents, err := e.remote.QueryWhere(remoteCtx, remote.NotesCollection, notes.FieldOwnerID, ownerID.String())
	cancel()
	if err != nil {
		e.logError(opPullAll, reasonRemoteQuery, err, zap.String("user_id", ownerID.String()))
		return Report{}, notes.NewServiceError(opPullAll, reasonRemoteQuery, err)
	}

	report := Report{Outcomes: make([]Outcome, 0, len(documents))}
	fallback := e.Now()
	for _, document := range documents {
		note, err := notes.DecodeDocument(document.Key, document.Fields, fallback)
		if err != nil {
			e.logWarn(opPullAll, reasonDecode, err, zap.String("note_id", document.Key), zap.String("user_id", ownerID.String()))
			report.fail(document.Key, err)
			continue
		}
		note.IsSyncEnabled = true
		note.SyncStatus = notes.SyncStatusCompleted
		if err := e.putLocked(ctx, note); err != nil {
			e.logError(opPullAll, reasonLocalWrite, err, noteFields(note)...)
			report.fail(note.ID, err)
			continue
		}
		report.succeed(note.ID)
	}
	return report, nil
}

func (e *Engine) putLocked(ctx context.Context, note notes.Note) error {
	unlock := e.locks.Lock(note.ID)
	defer unlock()
	return e.local.Put(ctx, note)
}

// MigrateGuestOwnership hands every local note owned by guestID to newOwnerID,
// enables sync on it and pushes it. Notes are processed independently; only a
// failure to list the guest's notes aborts the run.
func (e *Engine) MigrateGuestOwnership(ctx context.Context, guestID, newOwnerID notes.UserID) (Report, error) {
	guestNotes, err := e.ownedNotes(ctx, guestID)
	if err != nil {
		e.logError(opMigrateGuest, reasonLocalQuery, err, zap.String("user_id", guestID.String()))
		return Report{}, notes.NewServiceError(opMigrateGuest, reasonLocalQuery, err)
	}

	report := Report{Outcomes: make([]Outcome, 0, len(guestNotes))}
	for _, note := range guestNotes {
		migrated, err := e.migrateOne(ctx, note, newOwnerID)
		if err != nil {
			e.logWarn(opMigrateGuest, reasonNoteMigration, err, noteFields(migrated)...)
			report.fail(note.ID, err)
			continue
		}
		report.succeed(note.ID)
	}
	e.logger.Info("guest notes migrated",
		zap.String("guest_id", guestID.String()),
		zap.String("user_id", newOwnerID.String()),
		zap.Int("notes", len(report.Outcomes)),
		zap.Int("failed", len(report.Failed())))
	return report, nil
}

func (e *Engine) migrateOne(ctx context.Context, note notes.Note, newOwnerID notes.UserID) (notes.Note, error) {
	unlock := e.locks.Lock(note.ID)
	defer unlock()

	note.OwnerID = newOwnerID.String()
	note.IsSyncEnabled = true
	note.SyncStatus = notes.SyncStatusPending
	if err := e.local.Put(ctx, note); err != nil {
		return note, notes.NewServiceError(opMigrateGuest, reasonLocalWrite, err)
	}
	return e.pushLocked(ctx, note)
}

// RetryFailed pushes every sync-enabled note of ownerID whose last push failed.
func (e *Engine) RetryFailed(ctx context.Context, ownerID notes.UserID) (Report, error) {
	owned, err := e.ownedNotes(ctx, ownerID)
	if err != nil {
		e.logError(opRetryFailed, reasonLocalQuery, err, zap.String("user_id", ownerID.String()))
		return Report{}, notes.NewServiceError(opRetryFailed, reasonLocalQuery, err)
	}
	report := Report{Outcomes: make([]Outcome, 0)}
	for _, note := range owned {
		if !note.IsSyncEnabled || note.SyncStatus != notes.SyncStatusFailed {
			continue
		}
		if _, err := e.Push(ctx, notes.NoteID(note.ID)); err != nil {
			report.fail(note.ID, err)
			continue
		}
		report.succeed(note.ID)
	}
	return report, nil
}

func (e *Engine) ownedNotes(ctx context.Context, ownerID notes.UserID) ([]notes.Note, error) {
	active, err := e.local.QueryByOwner(ctx, ownerID, false)
	if err != nil {
		return nil, err
	}
	archived, err := e.local.QueryByOwner(ctx, ownerID, true)
	if err != nil {
		return nil, err
	}
	return append(active, archived...), nil
}

// WatchNote delivers every remote version of the note. Nothing is written locally.
// The returned function stops the watch.
func (e *Engine) WatchNote(ctx context.Context, id notes.NoteID, onUpdate func(notes.Note)) (func(), error) {
	unsubscribe, err := e.remote.Subscribe(ctx, remote.NotePath(id.String()),
		func(snapshot remote.Snapshot) {
			document, ok := snapshot.Document()
			if !ok {
				return
			}
			note, err := notes.DecodeDocument(document.Key, document.Fields, e.Now())
			if err != nil {
				e.logWarn(opWatchNote, reasonDecode, err, zap.String("note_id", id.String()))
				return
			}
			onUpdate(note)
		},
		func(err error) {
			e.logWarn(opWatchNote, reasonSubscribe, err, zap.String("note_id", id.String()))
		})
	if err != nil {
		e.logError(opWatchNote, reasonSubscribe, err, zap.String("note_id", id.String()))
		return nil, notes.NewServiceError(opWatchNote, reasonSubscribe, err)
	}
	return unsubscribe, nil
}

// AddCollaborator grants email access on the remote note and mirrors the list into
// the local copy when one exists.
func (e *Engine) AddCollaborator(ctx context.Context, id notes.NoteID, email string) ([]string, error) {
	return e.updateCollaborators(ctx, opAddCollaborator, id, email, func(current []string, email string) ([]string, bool) {
		for _, existing := range current {
			if existing == email {
				return current, false
			}
		}
		return append(current, email), true
	})
}

// RemoveCollaborator revokes email on the remote note.
func (e *Engine) RemoveCollaborator(ctx context.Context, id notes.NoteID, email string) ([]string, error) {
	return e.updateCollaborators(ctx, opRemoveCollaborator, id, email, func(current []string, email string) ([]string, bool) {
		kept := make([]string, 0, len(current))
		for _, existing := range current {
			if existing != email {
				kept = append(kept, existing)
			}
		}
		return kept, len(kept) != len(current)
	})
}

func (e *Engine) updateCollaborators(ctx context.Context, operation string, id notes.NoteID, email string, change func([]string, string) ([]string, bool)) ([]string, error) {
	normalized := strings.TrimSpace(email)
	if normalized == "" {
		return nil, notes.NewServiceError(operation, reasonInvalidEmail, ErrInvalidCollaborator)
	}

	unlock := e.locks.Lock(id.String())
	defer unlock()

	readCtx, cancelRead := e.remoteContext(ctx)
	document, err := e.remote.Read(readCtx, remote.NotesCollection, id.String())
	cancelRead()
	if errors.Is(err, remote.ErrNotFound) {
		return nil, notes.NewServiceError(operation, reasonRemoteNoteAbsent, notes.ErrNoteNotFound)
	}
	if err != nil {
		e.logError(operation, reasonRemoteRead, err, zap.String("note_id", id.String()))
		return nil, notes.NewServiceError(operation, reasonRemoteRead, err)
	}

	remoteNote, err := notes.DecodeDocument(document.Key, document.Fields, e.Now())
	if err != nil {
		return nil, notes.NewServiceError(operation, reasonDecode, err)
	}
	collaborators, changed := change(remoteNote.Collaborators, normalized)
	if !changed {
		return collaborators, nil
	}

	writeCtx, cancelWrite := e.remoteContext(ctx)
	err = e.remote.Write(writeCtx, remote.NotesCollection, id.String(), map[string]any{notes.FieldCollaborators: collaborators}, remote.WriteMerge)
	cancelWrite()
	if err != nil {
		e.logError(operation, reasonRemoteWrite, err, zap.String("note_id", id.String()))
		return nil, notes.NewServiceError(operation, reasonRemoteWrite, err)
	}

	local, err := e.local.Get(ctx, id)
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
	case err != nil:
		e.logWarn(operation, reasonLocalRead, err, zap.String("note_id", id.String()))
	default:
		local.Collaborators = append([]string{}, collaborators...)
		if err := e.local.Put(ctx, local); err != nil {
			e.logWarn(operation, reasonLocalWrite, err, noteFields(local)...)
		}
	}
	return collaborators, nil
}

func (e *Engine) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.remoteTimeout)
}

func noteFields(note notes.Note) []zap.Field {
	return []zap.Field{
		zap.String("note_id", note.ID),
		zap.String("user_id", note.OwnerID),
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	e.logger.Error("sync engine error", e.attrs(operation, reason, err, fields)...)
}

func (e *Engine) logWarn(operation, reason string, err error, fields ...zap.Field) {
	e.logger.Warn("sync engine warning", e.attrs(operation, reason, err, fields)...)
}

func (e *Engine) attrs(operation, reason string, err error, fields []zap.Field) []zap.Field {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	return append(attrs, fields...)
}
