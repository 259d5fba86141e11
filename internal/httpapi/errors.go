package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/biometric"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/presence"
)

// writeError maps domain errors to a status and a JSON body. Presence
// failures carry the failing signal and a hint for the student.
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var serr *presence.SignalError
	if errors.As(err, &serr) {
		body["signal"] = serr.Signal
		body["hint"] = serr.Hint()
		if serr.Network != 0 {
			body["network"] = serr.Network.String()
		}
		if serr.Geo != presence.GeoNotChecked {
			body["geo"] = serr.Geo.String()
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error) int {
	var serr *presence.SignalError
	if errors.As(err, &serr) {
		switch serr.Signal {
		case presence.SignalSession:
			if errors.Is(err, classroom.ErrUnknownCourse) {
				return http.StatusNotFound
			}
			return http.StatusConflict
		case presence.SignalCommit:
			if errors.Is(err, attendance.ErrAlreadyMarked) {
				return http.StatusConflict
			}
			return http.StatusServiceUnavailable
		default:
			return http.StatusUnprocessableEntity
		}
	}
	switch {
	case errors.Is(err, attendance.ErrAlreadyMarked),
		errors.Is(err, presence.ErrStateViolation),
		errors.Is(err, presence.ErrBusy),
		errors.Is(err, presence.ErrCanceled),
		errors.Is(err, classsession.ErrAnotherClassActive),
		errors.Is(err, classsession.ErrAlreadyStarted),
		errors.Is(err, classsession.ErrMultipleActive):
		return http.StatusConflict
	case errors.Is(err, classsession.ErrNotFound),
		errors.Is(err, classroom.ErrUnknownCourse):
		return http.StatusNotFound
	case errors.Is(err, biometric.ErrUnknownKind),
		errors.Is(err, attendance.ErrInvalidRecord):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
