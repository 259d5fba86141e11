package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/biometric"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/cloudinary"
	"geoattend/internal/device"
	"geoattend/internal/faceclient"
	"geoattend/internal/httpmiddleware"
	"geoattend/internal/policy"
	"geoattend/internal/presence"
	"geoattend/internal/tally"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the collaborators the API serves. Tally, Uploads and Face may
// be nil.
type Deps struct {
	Registry   *presence.Registry
	Classes    classsession.Directory
	Catalog    classroom.Catalog
	Attendance *attendance.Service
	Tally      *tally.Tally
	Uploads    *cloudinary.Client
	// Face switches biometric checks to server-side face verification.
	Face *faceclient.Client

	SigningKey string
	Issuer     string
	Limiter    *httpmiddleware.TokenBucket
	Health     map[string]HealthCheck
	MaxFixAge  time.Duration
	Location   *time.Location
	Logger     *slog.Logger
}

// Server holds the HTTP handlers and the per-student device reports.
type Server struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu      sync.Mutex
	devices map[string]*device.Reported
	seen    map[string]time.Time
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Server{
		deps:    deps,
		log:     deps.Logger,
		now:     time.Now,
		devices: make(map[string]*device.Reported),
		seen:    make(map[string]time.Time),
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          12 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	limit := func(c *gin.Context) { c.Next() }
	if s.deps.Limiter != nil {
		limit = s.deps.Limiter.GinMiddleware()
	}

	anyone := v1.Group("", auth.Require(s.deps.SigningKey, s.deps.Issuer), limit)
	anyone.GET("/classes/:courseId/status", s.classStatus)

	faculty := v1.Group("", auth.Require(s.deps.SigningKey, s.deps.Issuer, auth.RoleFaculty), limit)
	faculty.POST("/classes/:courseId/start", s.startClass)
	faculty.POST("/classes/:courseId/stop", s.stopClass)
	faculty.GET("/courses/:courseId/attendance", s.courseAttendance)

	student := v1.Group("", auth.Require(s.deps.SigningKey, s.deps.Issuer, auth.RoleStudent), limit)
	student.POST("/presence/signals", s.reportSignals)
	student.POST("/presence/verify", s.verify)
	student.POST("/presence/biometric", s.confirmBiometric)
	student.POST("/presence/mark", s.mark)
	student.POST("/presence/cancel", s.cancel)
	student.GET("/presence", s.session)
	student.GET("/attendance", s.history)
	student.POST("/uploads", s.upload)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.deps.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// reported returns the student's device report store, creating it on
// first use.
func (s *Server) reported(studentID string) *device.Reported {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.devices[studentID]
	if !ok {
		rep = device.NewReported(s.deps.MaxFixAge)
		s.devices[studentID] = rep
	}
	s.seen[studentID] = s.now()
	return rep
}

// forget drops the device reports of the given students.
func (s *Server) forget(studentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range studentIDs {
		delete(s.devices, id)
		delete(s.seen, id)
	}
}

// Sweep closes flows idle for longer than idle and drops device reports
// that have not been updated in that time and no longer back a flow. It
// returns the number of device reports dropped.
func (s *Server) Sweep(idle time.Duration) int {
	s.forget(s.deps.Registry.Sweep(idle))

	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	var stale []string
	for id, at := range s.seen {
		if at.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()

	dropped := 0
	for _, id := range stale {
		if s.deps.Registry.Has(id) {
			continue
		}
		s.mu.Lock()
		if at, ok := s.seen[id]; ok && at.Before(cutoff) {
			delete(s.devices, id)
			delete(s.seen, id)
			dropped++
		}
		s.mu.Unlock()
	}
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, every, idle time.Duration) {
	if every <= 0 || idle <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(idle); n > 0 {
				s.log.Debug("idle presence state dropped", "devices", n)
			}
		}
	}
}

// deviceFor assembles the providers a flow reads for one student.
func (s *Server) deviceFor(studentID string, platform policy.Platform) presence.Device {
	rep := s.reported(studentID)
	dev := presence.Device{Platform: platform, Location: rep, Network: rep, Biometric: rep}
	if s.deps.Face != nil {
		dev.Biometric = biometric.NewFaceService(s.deps.Face, studentID, rep, s.log)
	}
	return dev
}

func (s *Server) today() attendance.Date {
	return attendance.DateOf(s.now(), s.deps.Location)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
