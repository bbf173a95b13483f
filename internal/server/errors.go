package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/identity"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notesync"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/presence"
	"github.com/gin-gonic/gin"
)

var validationErrors = []error{
	notes.ErrInvalidNoteID,
	notes.ErrInvalidUserID,
	notes.ErrInvalidColor,
	notes.ErrInvalidNoteType,
	notes.ErrInvalidSyncStatus,
	notesync.ErrInvalidCollaborator,
	presence.ErrInvalidParticipant,
	identity.ErrInvalidIdentity,
}

var authErrors = []error{
	identity.ErrNoIdentity,
	auth.ErrMissingSessionToken,
	auth.ErrInvalidSessionToken,
	auth.ErrExpiredSessionToken,
	auth.ErrMissingSessionSubject,
	auth.ErrMissingCredentialSubject,
	auth.ErrInvalidIDToken,
}

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		return http.StatusNotFound
	case matchesAny(err, validationErrors):
		return http.StatusBadRequest
	case matchesAny(err, authErrors), hasReason(err, "provider_failed"):
		return http.StatusUnauthorized
	case notesync.IsPushFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse builds the {"error", "code"} body. Errors without a service code get
// "server.<fallback>".
func errorResponse(err error, fallback string) (int, gin.H) {
	code := "server." + fallback
	var serviceErr *notes.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	reason := code
	if index := strings.LastIndex(code, "."); index >= 0 {
		reason = code[index+1:]
	}
	return statusFor(err), gin.H{"error": reason, "code": code}
}

func writeError(c *gin.Context, err error, fallback string) {
	status, body := errorResponse(err, fallback)
	c.JSON(status, body)
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func hasReason(err error, reason string) bool {
	var serviceErr *notes.ServiceError
	return errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "."+reason)
}
