package notebook

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"go.uber.org/zap"
)

const (
	opNew                = "notebook.new"
	opCreate             = "notebook.create"
	opGet                = "notebook.get"
	opUpdate             = "notebook.update"
	opDelete             = "notebook.delete"
	opList               = "notebook.list"
	opSearch             = "notebook.search"
	opFilterByTag        = "notebook.filter_by_tag"
	opToggleSync         = "notebook.toggle_sync"
	opTogglePin          = "notebook.toggle_pin"
	opToggleArchive      = "notebook.toggle_archive"
	opToggleFavorite     = "notebook.toggle_favorite"
	opSyncAll            = "notebook.sync_all"
	opRetryFailed        = "notebook.retry_failed"
	opAddCollaborator    = "notebook.add_collaborator"
	opRemoveCollaborator = "notebook.remove_collaborator"
	opWatchNote          = "notebook.watch_note"
	opRefresh            = "notebook.refresh"

	reasonMissingEngine     = "missing_engine"
	reasonMissingRepository = "missing_repository"
	reasonInvalidOwner      = "invalid_owner"
	reasonInvalidPatch      = "invalid_patch"
	reasonIDGeneration      = "id_generation_failed"
	reasonNotFound          = "note_not_found"
	reasonLocalRead         = "local_read_failed"
	reasonLocalQuery        = "local_query_failed"
)

var (
	errMissingEngine     = errors.New("sync engine is required")
	errMissingRepository = errors.New("note repository is required")
)

// Config describes the dependencies of the notebook.
type Config struct {
	Engine     *notesync.Engine
	Repository notes.Repository
	IDs        notes.IDProvider
	State      *State
	Hub        *Hub
	Logger     *zap.Logger
}

// Notebook is the note CRUD surface. Reads come from the local repository only;
// every write goes through the sync engine's serialized update path.
type Notebook struct {
	engine *notesync.Engine
	local  notes.Repository
	ids    notes.IDProvider
	state  *State
	hub    *Hub
	logger *zap.Logger
}

// New validates cfg and constructs a Notebook.
func New(cfg Config) (*Notebook, error) {
	if cfg.Engine == nil {
		return nil, notes.NewServiceError(opNew, reasonMissingEngine, errMissingEngine)
	}
	if cfg.Repository == nil {
		return nil, notes.NewServiceError(opNew, reasonMissingRepository, errMissingRepository)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = notes.NewUUIDProvider()
	}
	state := cfg.State
	if state == nil {
		state = NewState()
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notebook{
		engine: cfg.Engine,
		local:  cfg.Repository,
		ids:    ids,
		state:  state,
		hub:    hub,
		logger: logger,
	}, nil
}

func (n *Notebook) State() *State {
	return n.state
}

func (n *Notebook) Hub() *Hub {
	return n.hub
}

// Create stores a new local note for ownerID. Sync starts disabled, so nothing
// reaches the remote store until the owner enables it.
func (n *Notebook) Create(ctx context.Context, ownerID notes.UserID, draft notes.Patch) (notes.Note, error) {
	if _, err := notes.NewUserID(ownerID.String()); err != nil {
		return notes.Note{}, notes.NewServiceError(opCreate, reasonInvalidOwner, err)
	}
	if err := draft.Validate(); err != nil {
		return notes.Note{}, notes.NewServiceError(opCreate, reasonInvalidPatch, err)
	}
	rawID, err := n.ids.NewID()
	if err != nil {
		n.logError(opCreate, reasonIDGeneration, err, zap.String("user_id", ownerID.String()))
		return notes.Note{}, notes.NewServiceError(opCreate, reasonIDGeneration, err)
	}
	id, err := notes.NewNoteID(rawID)
	if err != nil {
		return notes.Note{}, notes.NewServiceError(opCreate, reasonIDGeneration, err)
	}

	now := n.engine.Now()
	note := notes.ApplyPatch(notes.NewNote(id, ownerID, "", "", now), draft, now)
	created, err := n.engine.Insert(ctx, note)
	if err != nil {
		return notes.Note{}, n.fail(ownerID, err)
	}
	n.changed(created)
	return created, nil
}

// Get returns one of ownerID's notes. Notes of other owners read as not found.
func (n *Notebook) Get(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	return n.owned(ctx, opGet, ownerID, id)
}

// Update applies patch through the serialized update path. When the push fails the
// saved local note is returned together with the error.
func (n *Notebook) Update(ctx context.Context, ownerID notes.UserID, id notes.NoteID, patch notes.Patch) (notes.Note, error) {
	if err := patch.Validate(); err != nil {
		return notes.Note{}, notes.NewServiceError(opUpdate, reasonInvalidPatch, err)
	}
	if patch.IsEmpty() {
		return n.owned(ctx, opUpdate, ownerID, id)
	}
	return n.save(ctx, opUpdate, ownerID, id, func(current notes.Note) notes.Note {
		return notes.ApplyPatch(current, patch, n.engine.Now())
	})
}

// Delete removes the note locally and, when it was synced, remotely on a best-effort basis.
func (n *Notebook) Delete(ctx context.Context, ownerID notes.UserID, id notes.NoteID) error {
	if _, err := n.owned(ctx, opDelete, ownerID, id); err != nil {
		return err
	}
	if err := n.engine.Remove(ctx, id); err != nil {
		return n.fail(ownerID, err)
	}
	n.state.Remove(ownerID.String(), id.String())
	n.publish(ownerID.String(), EventNoteDeleted, id.String())
	return nil
}

// List returns the owner's non-archived notes, pinned first then newest.
func (n *Notebook) List(ctx context.Context, ownerID notes.UserID) ([]notes.Note, error) {
	return n.query(ctx, opList, ownerID, false)
}

// ListArchived returns only the owner's archived notes.
func (n *Notebook) ListArchived(ctx context.Context, ownerID notes.UserID) ([]notes.Note, error) {
	return n.query(ctx, opList, ownerID, true)
}

// Search matches query case-insensitively against title, content and tags of the
// owner's non-archived notes.
func (n *Notebook) Search(ctx context.Context, ownerID notes.UserID, query string) ([]notes.Note, error) {
	candidates, err := n.query(ctx, opSearch, ownerID, false)
	if err != nil {
		return nil, err
	}
	return notes.Search(candidates, query), nil
}

// FilterByTag returns the owner's non-archived notes carrying tag.
func (n *Notebook) FilterByTag(ctx context.Context, ownerID notes.UserID, tag string) ([]notes.Note, error) {
	tagged, err := n.local.QueryByOwnerAndTag(ctx, ownerID, tag)
	if err != nil {
		n.logError(opFilterByTag, reasonLocalQuery, err, zap.String("user_id", ownerID.String()))
		return nil, notes.NewServiceError(opFilterByTag, reasonLocalQuery, err)
	}
	sortForDisplay(tagged)
	return tagged, nil
}

// ToggleSync flips sync for the note. Enabling marks it pending and pushes at once;
// disabling settles it locally and never touches the remote copy.
func (n *Notebook) ToggleSync(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	return n.save(ctx, opToggleSync, ownerID, id, func(current notes.Note) notes.Note {
		return withSync(current, !current.IsSyncEnabled, n.engine.Now())
	})
}

// SetSync enables or disables sync explicitly. Enabling an already enabled note pushes it again.
func (n *Notebook) SetSync(ctx context.Context, ownerID notes.UserID, id notes.NoteID, enabled bool) (notes.Note, error) {
	return n.save(ctx, opToggleSync, ownerID, id, func(current notes.Note) notes.Note {
		return withSync(current, enabled, n.engine.Now())
	})
}

func (n *Notebook) TogglePin(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	return n.save(ctx, opTogglePin, ownerID, id, func(current notes.Note) notes.Note {
		flipped := !current.IsPinned
		return notes.ApplyPatch(current, notes.Patch{IsPinned: &flipped}, n.engine.Now())
	})
}

// ToggleArchive moves the note between the default and the archived list. Archiving
// is not deletion; a synced note keeps its remote copy.
func (n *Notebook) ToggleArchive(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	return n.save(ctx, opToggleArchive, ownerID, id, func(current notes.Note) notes.Note {
		flipped := !current.IsArchived
		return notes.ApplyPatch(current, notes.Patch{IsArchived: &flipped}, n.engine.Now())
	})
}

func (n *Notebook) ToggleFavorite(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	return n.save(ctx, opToggleFavorite, ownerID, id, func(current notes.Note) notes.Note {
		flipped := !current.IsFavorite
		return notes.ApplyPatch(current, notes.Patch{IsFavorite: &flipped}, n.engine.Now())
	})
}

// SyncAll overwrites the owner's local notes with their remote versions and reloads
// the state. Local edits not yet pushed are lost for notes that exist remotely.
func (n *Notebook) SyncAll(ctx context.Context, ownerID notes.UserID) (notesync.Report, error) {
	report, err := n.engine.PullAllForOwner(ctx, ownerID)
	if err != nil {
		return report, n.fail(ownerID, err)
	}
	if err := n.Refresh(ctx, ownerID); err != nil {
		return report, err
	}
	n.state.SetError(ownerID.String(), report.Err())
	return report, nil
}

// RetryFailed pushes every failed sync-enabled note of the owner again.
func (n *Notebook) RetryFailed(ctx context.Context, ownerID notes.UserID) (notesync.Report, error) {
	report, err := n.engine.RetryFailed(ctx, ownerID)
	if err != nil {
		return report, n.fail(ownerID, err)
	}
	if err := n.Refresh(ctx, ownerID); err != nil {
		return report, err
	}
	n.state.SetError(ownerID.String(), report.Err())
	return report, nil
}

func (n *Notebook) AddCollaborator(ctx context.Context, ownerID notes.UserID, id notes.NoteID, email string) ([]string, error) {
	if _, err := n.owned(ctx, opAddCollaborator, ownerID, id); err != nil {
		return nil, err
	}
	collaborators, err := n.engine.AddCollaborator(ctx, id, email)
	if err != nil {
		return nil, n.fail(ownerID, err)
	}
	n.reload(ctx, opAddCollaborator, ownerID, id)
	return collaborators, nil
}

func (n *Notebook) RemoveCollaborator(ctx context.Context, ownerID notes.UserID, id notes.NoteID, email string) ([]string, error) {
	if _, err := n.owned(ctx, opRemoveCollaborator, ownerID, id); err != nil {
		return nil, err
	}
	collaborators, err := n.engine.RemoveCollaborator(ctx, id, email)
	if err != nil {
		return nil, n.fail(ownerID, err)
	}
	n.reload(ctx, opRemoveCollaborator, ownerID, id)
	return collaborators, nil
}

// WatchNote streams remote versions of one of the owner's notes.
func (n *Notebook) WatchNote(ctx context.Context, ownerID notes.UserID, id notes.NoteID, onUpdate func(notes.Note)) (func(), error) {
	if _, err := n.owned(ctx, opWatchNote, ownerID, id); err != nil {
		return nil, err
	}
	return n.engine.WatchNote(ctx, id, onUpdate)
}

// Refresh reloads the owner's notes from the local repository into the state.
func (n *Notebook) Refresh(ctx context.Context, ownerID notes.UserID) error {
	active, err := n.local.QueryByOwner(ctx, ownerID, false)
	if err != nil {
		n.logError(opRefresh, reasonLocalQuery, err, zap.String("user_id", ownerID.String()))
		return n.fail(ownerID, notes.NewServiceError(opRefresh, reasonLocalQuery, err))
	}
	archived, err := n.local.QueryByOwner(ctx, ownerID, true)
	if err != nil {
		n.logError(opRefresh, reasonLocalQuery, err, zap.String("user_id", ownerID.String()))
		return n.fail(ownerID, notes.NewServiceError(opRefresh, reasonLocalQuery, err))
	}
	n.state.Replace(ownerID.String(), append(active, archived...))
	n.publish(ownerID.String(), EventNotesReloaded)
	return nil
}

func withSync(current notes.Note, enabled bool, now time.Time) notes.Note {
	notes.Touch(&current, now)
	current.IsSyncEnabled = enabled
	if enabled {
		current.SyncStatus = notes.SyncStatusPending
	} else {
		current.SyncStatus = notes.SyncStatusCompleted
	}
	return current
}

// save runs change under the engine's per-note lock after checking ownership.
func (n *Notebook) save(ctx context.Context, operation string, ownerID notes.UserID, id notes.NoteID, change func(notes.Note) notes.Note) (notes.Note, error) {
	saved, err := n.engine.Save(ctx, id, func(current notes.Note) (notes.Note, error) {
		if current.OwnerID != ownerID.String() {
			return current, notes.NewServiceError(operation, reasonNotFound, notes.ErrNoteNotFound)
		}
		return change(current), nil
	})
	if errors.Is(err, notes.ErrNoteNotFound) {
		return notes.Note{}, notes.NewServiceError(operation, reasonNotFound, notes.ErrNoteNotFound)
	}
	if saved.ID != "" {
		n.changed(saved)
	}
	if err != nil {
		return saved, n.fail(ownerID, err)
	}
	return saved, nil
}

func (n *Notebook) owned(ctx context.Context, operation string, ownerID notes.UserID, id notes.NoteID) (notes.Note, error) {
	note, err := n.local.Get(ctx, id)
	if errors.Is(err, notes.ErrNoteNotFound) {
		return notes.Note{}, notes.NewServiceError(operation, reasonNotFound, notes.ErrNoteNotFound)
	}
	if err != nil {
		n.logError(operation, reasonLocalRead, err, zap.String("note_id", id.String()))
		return notes.Note{}, notes.NewServiceError(operation, reasonLocalRead, err)
	}
	if note.OwnerID != ownerID.String() {
		return notes.Note{}, notes.NewServiceError(operation, reasonNotFound, notes.ErrNoteNotFound)
	}
	return note, nil
}

func (n *Notebook) query(ctx context.Context, operation string, ownerID notes.UserID, archived bool) ([]notes.Note, error) {
	list, err := n.local.QueryByOwner(ctx, ownerID, archived)
	if err != nil {
		n.logError(operation, reasonLocalQuery, err, zap.String("user_id", ownerID.String()))
		return nil, notes.NewServiceError(operation, reasonLocalQuery, err)
	}
	sortForDisplay(list)
	return list, nil
}

func (n *Notebook) reload(ctx context.Context, operation string, ownerID notes.UserID, id notes.NoteID) {
	note, err := n.owned(ctx, operation, ownerID, id)
	if err != nil {
		n.logger.Warn("note reload failed", zap.String("operation", operation), zap.String("note_id", id.String()), zap.Error(err))
		return
	}
	n.changed(note)
}

func (n *Notebook) changed(note notes.Note) {
	n.state.Upsert(note)
	n.publish(note.OwnerID, EventNoteChanged, note.ID)
}

func (n *Notebook) fail(ownerID notes.UserID, err error) error {
	n.state.SetError(ownerID.String(), err)
	return err
}

func (n *Notebook) publish(ownerID, eventType string, noteIDs ...string) {
	n.hub.Publish(Event{
		OwnerID:   ownerID,
		Type:      eventType,
		NoteIDs:   noteIDs,
		Timestamp: n.engine.Now(),
	})
}

func (n *Notebook) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason), zap.Error(err)}, fields...)
	n.logger.Error("notebook operation failed", attrs...)
}
