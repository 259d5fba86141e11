package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"geoattend/internal/auth"
	"geoattend/internal/biometric"
	"geoattend/internal/device"
	"geoattend/internal/geofence"
	"geoattend/internal/policy"
	"geoattend/internal/presence"
)

type locationReport struct {
	Lng     float64    `json:"lng" binding:"gte=-180,lte=180"`
	Lat     float64    `json:"lat" binding:"gte=-90,lte=90"`
	FixedAt *time.Time `json:"fixed_at"`
}

type accessPointReport struct {
	Status string `json:"status" binding:"required,oneof=associated none denied"`
	BSSID  string `json:"bssid"`
}

type biometricReport struct {
	Hardware bool     `json:"hardware"`
	Enrolled []string `json:"enrolled"`
	Kind     string   `json:"kind"`
	Outcome  string   `json:"outcome" binding:"omitempty,oneof=success failure canceled unsupported"`
}

// signals is what the app read from the OS since its last call.
type signals struct {
	Location    *locationReport    `json:"location"`
	AccessPoint *accessPointReport `json:"access_point"`
	Biometric   *biometricReport   `json:"biometric"`
}

func (s *Server) apply(rep *device.Reported, in signals) error {
	if l := in.Location; l != nil {
		fix := device.Fix{Coordinate: geofence.Coordinate{Lng: l.Lng, Lat: l.Lat}}
		if l.FixedAt != nil {
			fix.FixedAt = *l.FixedAt
		}
		rep.ReportFix(fix)
	}
	if ap := in.AccessPoint; ap != nil {
		rep.ReportAccessPoint(device.AccessPoint{Status: device.APStatus(ap.Status), BSSID: ap.BSSID})
	}
	if b := in.Biometric; b != nil {
		report := device.Biometric{Hardware: b.Hardware, Outcome: biometric.Outcome(b.Outcome)}
		for _, k := range b.Enrolled {
			kind, err := biometric.ParseKind(k)
			if err != nil {
				return err
			}
			report.Enrolled = append(report.Enrolled, kind)
		}
		if b.Kind != "" {
			kind, err := biometric.ParseKind(b.Kind)
			if err != nil {
				return err
			}
			report.Kind = kind
		}
		rep.ReportBiometric(report)
	}
	return nil
}

type sessionView struct {
	presence.Session
	Network string `json:"network,omitempty"`
	Geo     string `json:"geo,omitempty"`
}

func view(sess presence.Session) sessionView {
	v := sessionView{Session: sess}
	if sess.Network != 0 {
		v.Network = sess.Network.String()
	}
	if sess.Geo != presence.GeoNotChecked {
		v.Geo = sess.Geo.String()
	}
	return v
}

func studentOf(c *gin.Context) presence.Student {
	claims, _ := auth.ClaimsFrom(c)
	return presence.Student{ID: claims.Subject, Name: claims.Name, Email: claims.Email}
}

func (s *Server) reportSignals(c *gin.Context) {
	var req signals
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.apply(s.reported(studentOf(c).ID), req); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) verify(c *gin.Context) {
	var req struct {
		CourseID string `json:"course_id" binding:"required"`
		Platform string `json:"platform" binding:"required"`
		signals
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st := studentOf(c)
	if err := s.apply(s.reported(st.ID), req.signals); err != nil {
		s.writeError(c, err)
		return
	}
	flow := s.deps.Registry.Open(st.ID, s.deviceFor(st.ID, policy.ParsePlatform(req.Platform)))
	if err := flow.StartVerification(c.Request.Context(), st, req.CourseID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view(flow.Snapshot()))
}

func (s *Server) confirmBiometric(c *gin.Context) {
	var req struct {
		Kind string `json:"kind" binding:"required"`
		signals
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := biometric.ParseKind(req.Kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	st := studentOf(c)
	if err := s.apply(s.reported(st.ID), req.signals); err != nil {
		s.writeError(c, err)
		return
	}
	flow, ok := s.deps.Registry.Get(st.ID)
	if !ok {
		s.writeError(c, fmt.Errorf("%w: no presence session", presence.ErrStateViolation))
		return
	}
	if err := flow.ConfirmBiometric(c.Request.Context(), kind); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view(flow.Snapshot()))
}

func (s *Server) mark(c *gin.Context) {
	flow, ok := s.deps.Registry.Get(studentOf(c).ID)
	if !ok {
		s.writeError(c, fmt.Errorf("%w: no presence session", presence.ErrStateViolation))
		return
	}
	id, err := flow.MarkAttendance(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"commit_id": id, "session": view(flow.Snapshot())})
}

func (s *Server) cancel(c *gin.Context) {
	if flow, ok := s.deps.Registry.Get(studentOf(c).ID); ok {
		flow.Cancel()
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) session(c *gin.Context) {
	flow, ok := s.deps.Registry.Get(studentOf(c).ID)
	if !ok {
		c.JSON(http.StatusOK, view(presence.Session{StudentID: studentOf(c).ID, State: presence.NotStarted}))
		return
	}
	c.JSON(http.StatusOK, view(flow.Snapshot()))
}

func (s *Server) history(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	records, err := s.deps.Attendance.StudentHistory(c.Request.Context(), studentOf(c).ID, c.Query("course"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// upload stores a face capture for server-side verification. It accepts a
// multipart "file" or a JSON {"data": "<data URL>"} body.
func (s *Server) upload(c *gin.Context) {
	if !s.deps.Uploads.Configured() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage not configured"})
		return
	}
	var data []byte
	if strings.Contains(c.ContentType(), "multipart/form-data") {
		file, _, err := c.Request.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
			return
		}
		defer file.Close()
		if data, err = io.ReadAll(io.LimitReader(file, 5<<20)); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read file failed"})
			return
		}
	} else {
		var body struct {
			Data string `json:"data" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": `provide {"data": "<base64 data URL>"}`})
			return
		}
		data = []byte(body.Data)
	}

	st := studentOf(c)
	publicID := fmt.Sprintf("%s-%d", st.ID, s.now().Unix())
	res, err := s.deps.Uploads.UploadCapture(c.Request.Context(), publicID, data)
	if err != nil {
		s.log.Warn("capture upload failed", "student_id", st.ID, "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "image upload failed"})
		return
	}
	s.reported(st.ID).ReportCapture(res.SecureURL)
	c.JSON(http.StatusCreated, gin.H{"url": res.SecureURL, "public_id": res.PublicID})
}
