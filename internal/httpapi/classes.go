package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/metrics"
)

func (s *Server) startClass(c *gin.Context) {
	courseID := c.Param("courseId")
	if _, err := s.deps.Catalog.Lookup(courseID); err != nil {
		metrics.ClassToggles.WithLabelValues("start", "unknown_course").Inc()
		s.writeError(c, err)
		return
	}
	claims, _ := auth.ClaimsFrom(c)
	sess, err := s.deps.Classes.Start(c.Request.Context(), courseID, claims.Subject)
	if err != nil {
		metrics.ClassToggles.WithLabelValues("start", "rejected").Inc()
		s.writeError(c, err)
		return
	}
	metrics.ClassToggles.WithLabelValues("start", "ok").Inc()
	s.log.Info("class started", "course", courseID, "faculty_id", claims.Subject)
	c.JSON(http.StatusOK, sess)
}

func (s *Server) stopClass(c *gin.Context) {
	courseID := c.Param("courseId")
	sess, err := s.deps.Classes.Stop(c.Request.Context(), courseID)
	if err != nil {
		metrics.ClassToggles.WithLabelValues("stop", "rejected").Inc()
		s.writeError(c, err)
		return
	}
	metrics.ClassToggles.WithLabelValues("stop", "ok").Inc()
	dropped := s.deps.Registry.DropCourse(courseID)
	s.forget(dropped)
	s.log.Info("class stopped", "course", courseID, "duration", sess.Duration(), "flows_dropped", len(dropped))
	c.JSON(http.StatusOK, gin.H{"session": sess, "duration_seconds": int64(sess.Duration().Seconds())})
}

func (s *Server) classStatus(c *gin.Context) {
	sess, err := s.deps.Classes.Active(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": sess != nil, "session": sess})
}

func (s *Server) courseAttendance(c *gin.Context) {
	courseID := c.Param("courseId")
	date := s.today()
	if v := c.Query("date"); v != "" {
		parsed, err := attendance.ParseDate(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		date = parsed
	}
	records, err := s.deps.Attendance.CourseDay(c.Request.Context(), courseID, date)
	if err != nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{"course_id": courseID, "date": date, "records": records, "present": len(records)}
	if s.deps.Tally != nil {
		n, err := s.deps.Tally.Count(c.Request.Context(), courseID, date)
		if err != nil {
			s.log.Warn("tally read failed", "course", courseID, "date", date, "err", err)
		} else {
			body["tally"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}
