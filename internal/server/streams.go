package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notebook"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/presence"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventSnapshot = "snapshot"
	streamEventPresence = "presence"
	streamEventNote     = "note"
	streamBufferSize    = 16
)

type presenceJoinResponsePayload struct {
	NoteID string `json:"noteId"`
	UserID string `json:"userId"`
	Color  string `json:"color"`
}

type presenceEventPayload struct {
	NoteID       string            `json:"noteId"`
	Participants []presence.Record `json:"participants"`
}

// handleEvents streams the owner's note events, starting with a state snapshot.
func (h *httpHandler) handleEvents(c *gin.Context) {
	user := currentUser(c)
	ctx := c.Request.Context()
	if err := h.notebook.Refresh(ctx, user.OwnerID()); err != nil {
		writeError(c, err, "events_failed")
		return
	}
	events, cleanup := h.notebook.Hub().Subscribe(ctx, user.ID)
	defer cleanup()

	openStream(c)
	c.SSEvent(streamEventSnapshot, h.notebook.State().Snapshot(user.ID))
	c.Writer.Flush()
	streamEvents(c, h.streamHeartbeat, events, func(event notebook.Event) (string, any) {
		return event.Type, event
	})
}

// handleWatchNote streams remote versions of a note.
func (h *httpHandler) handleWatchNote(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates := make(chan notes.Note, streamBufferSize)
	stop, err := h.notebook.WatchNote(ctx, currentUser(c).OwnerID(), id, func(note notes.Note) {
		select {
		case updates <- note:
		default:
		}
	})
	if err != nil {
		writeError(c, err, "watch_failed")
		return
	}
	defer stop()

	openStream(c)
	streamEvents(c, h.streamHeartbeat, updates, func(note notes.Note) (string, any) {
		return streamEventNote, note
	})
}

// handleJoinPresence announces the current user on a synced note.
func (h *httpHandler) handleJoinPresence(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	user := currentUser(c)
	note, err := h.notebook.Get(c.Request.Context(), user.OwnerID(), id)
	if err != nil {
		writeError(c, err, "join_presence_failed")
		return
	}
	if !note.IsSyncEnabled {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_disabled", "code": "server.join_presence.sync_disabled"})
		return
	}
	session, err := h.presence.Join(c.Request.Context(), id, presence.Participant{
		ID:       user.ID,
		Name:     user.DisplayName,
		Email:    user.Email,
		PhotoURL: user.PhotoURL,
	})
	if err != nil {
		writeError(c, err, "join_presence_failed")
		return
	}
	c.JSON(http.StatusOK, presenceJoinResponsePayload{NoteID: id.String(), UserID: user.ID, Color: session.Color()})
}

func (h *httpHandler) handleLeavePresence(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	h.presence.Leave(c.Request.Context(), id, currentUser(c).ID)
	c.Status(http.StatusNoContent)
}

// handlePresenceStream streams the active participants of a note.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	id, ok := noteIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.notebook.Get(ctx, currentUser(c).OwnerID(), id); err != nil {
		writeError(c, err, "presence_stream_failed")
		return
	}
	updates := make(chan []presence.Record, streamBufferSize)
	stop, err := h.presence.Subscribe(ctx, id, func(records []presence.Record) {
		select {
		case updates <- records:
		default:
			h.logger.Debug("presence update dropped", zap.String("note_id", id.String()))
		}
	})
	if err != nil {
		writeError(c, err, "presence_stream_failed")
		return
	}
	defer stop()

	openStream(c)
	streamEvents(c, h.streamHeartbeat, updates, func(records []presence.Record) (string, any) {
		return streamEventPresence, presenceEventPayload{NoteID: id.String(), Participants: records}
	})
}

func openStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

// streamEvents writes every value from source as a server-sent event until the
// client goes away, with a heartbeat event on idle intervals.
func streamEvents[T any](c *gin.Context, heartbeat time.Duration, source <-chan T, render func(T) (string, any)) {
	ctx := c.Request.Context()
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case value, ok := <-source:
			if !ok {
				return false
			}
			name, payload := render(value)
			c.SSEvent(name, payload)
			return true
		case <-ticker.C:
			c.SSEvent(notebook.EventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}
