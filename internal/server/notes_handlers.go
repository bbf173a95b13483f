package server

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type syncRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

type collaboratorRequestPayload struct {
	Email string `json:"email"`
}

type collaboratorsResponsePayload struct {
	NoteID        string   `json:"noteId"`
	Collaborators []string `json:"collaborators"`
}

type notesResponsePayload struct {
	Notes []notes.Note `json:"notes"`
}

type toggleFunc func(ctx context.Context, ownerID notes.UserID, id notes.NoteID) (notes.Note, error)

func (h *httpHandler) handleList(c *gin.Context) {
	list, err := h.notebook.List(c.Request.Context(), currentUser(c).OwnerID())
	h.respondList(c, list, err)
}

func (h *httpHandler) handleListArchived(c *gin.Context) {
	list, err := h.notebook.ListArchived(c.Request.Context(), currentUser(c).OwnerID())
	h.respondList(c, list, err)
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	list, err := h.notebook.Search(c.Request.Context(), currentUser(c).OwnerID(), c.Query("q"))
	h.respondList(c, list, err)
}

func (h *httpHandler) handleFilterByTag(c *gin.Context) {
	list, err := h.notebook.FilterByTag(c.Request.Context(), currentUser(c).OwnerID(), c.Param("tag"))
	h.respondList(c, list, err)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	var draft notes.Patch
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.create.invalid_request"})
		return
	}
	note, err := h.notebook.Create(c.Request.Context(), currentUser(c).OwnerID(), draft)
	h.respondNote(c, http.StatusCreated, note, err)
}

func (h *httpHandler) handleGet(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	note, err := h.notebook.Get(c.Request.Context(), currentUser(c).OwnerID(), id)
	h.respondNote(c, http.StatusOK, note, err)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	var patch notes.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.update.invalid_request"})
		return
	}
	note, err := h.notebook.Update(c.Request.Context(), currentUser(c).OwnerID(), id, patch)
	h.respondNote(c, http.StatusOK, note, err)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	if err := h.notebook.Delete(c.Request.Context(), currentUser(c).OwnerID(), id); err != nil {
		writeError(c, err, "delete_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSync flips sync, or sets it when the body carries "enabled".
func (h *httpHandler) handleSync(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	var request syncRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.sync.invalid_request"})
			return
		}
	}
	owner := currentUser(c).OwnerID()
	var (
		note notes.Note
		err  error
	)
	if request.Enabled != nil {
		note, err = h.notebook.SetSync(c.Request.Context(), owner, id, *request.Enabled)
	} else {
		note, err = h.notebook.ToggleSync(c.Request.Context(), owner, id)
	}
	h.respondNote(c, http.StatusOK, note, err)
}

func (h *httpHandler) handleToggle(toggle toggleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := noteIDParam(c)
		if !ok {
			return
		}
		note, err := toggle(c.Request.Context(), currentUser(c).OwnerID(), id)
		h.respondNote(c, http.StatusOK, note, err)
	}
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	var request collaboratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.add_collaborator.invalid_request"})
		return
	}
	collaborators, err := h.notebook.AddCollaborator(c.Request.Context(), currentUser(c).OwnerID(), id, request.Email)
	if err != nil {
		writeError(c, err, "add_collaborator_failed")
		return
	}
	c.JSON(http.StatusOK, collaboratorsResponsePayload{NoteID: id.String(), Collaborators: collaborators})
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	collaborators, err := h.notebook.RemoveCollaborator(c.Request.Context(), currentUser(c).OwnerID(), id, c.Param("email"))
	if err != nil {
		writeError(c, err, "remove_collaborator_failed")
		return
	}
	c.JSON(http.StatusOK, collaboratorsResponsePayload{NoteID: id.String(), Collaborators: collaborators})
}

func (h *httpHandler) handleSyncAll(c *gin.Context) {
	report, err := h.notebook.SyncAll(c.Request.Context(), currentUser(c).OwnerID())
	h.respondReport(c, report, err)
}

func (h *httpHandler) handleRetryFailed(c *gin.Context) {
	report, err := h.notebook.RetryFailed(c.Request.Context(), currentUser(c).OwnerID())
	h.respondReport(c, report, err)
}

func (h *httpHandler) handleState(c *gin.Context) {
	user := currentUser(c)
	if err := h.notebook.Refresh(c.Request.Context(), user.OwnerID()); err != nil {
		writeError(c, err, "state_failed")
		return
	}
	c.JSON(http.StatusOK, h.notebook.State().Snapshot(user.ID))
}

// respondNote returns the note on success. A failed push still answers with the
// locally saved note, since the local copy stays authoritative.
func (h *httpHandler) respondNote(c *gin.Context, status int, note notes.Note, err error) {
	if err == nil {
		c.JSON(status, note)
		return
	}
	code, body := errorResponse(err, "note_failed")
	if notesync.IsPushFailure(err) && note.ID != "" {
		h.logger.Warn("note saved locally but push failed", zap.String("note_id", note.ID), zap.Error(err))
		body["note"] = note
	}
	c.JSON(code, body)
}

func (h *httpHandler) respondList(c *gin.Context, list []notes.Note, err error) {
	if err != nil {
		writeError(c, err, "list_failed")
		return
	}
	c.JSON(http.StatusOK, notesResponsePayload{Notes: list})
}

func (h *httpHandler) respondReport(c *gin.Context, report notesync.Report, err error) {
	if err != nil {
		writeError(c, err, "sync_failed")
		return
	}
	if report.Outcomes == nil {
		report.Outcomes = []notesync.Outcome{}
	}
	c.JSON(http.StatusOK, report)
}

func noteIDParam(c *gin.Context) (notes.NoteID, bool) {
	id, err := notes.NewNoteID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id", "code": "server.note.invalid_note_id"})
		return "", false
	}
	return id, true
}
