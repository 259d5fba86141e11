package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/geofence"
	"geoattend/internal/netid"
	"geoattend/internal/policy"
	"geoattend/internal/presence"
	"geoattend/internal/tally"
)

const (
	signingKey = "test-key"
	issuer     = "geoattend"
)

type harness struct {
	t        *testing.T
	srv      *Server
	registry *presence.Registry
	router   *gin.Engine
	faculty  string
	student  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	catalog, err := classroom.NewStatic(classroom.Classroom{
		CourseID: "CS301",
		Boundary: geofence.NewBoundary([][2]float64{
			{75.0, 15.0}, {75.001, 15.0}, {75.001, 15.001}, {75.0, 15.001}, {75.0, 15.0},
		}),
		AccessPoints: netid.NewAllowList("a4:2b:b0:11:22:33"),
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	classes := classsession.NewMemory()
	svc := attendance.NewService(attendance.NewMemoryRepository(), nil, nil)
	engine := presence.NewEngine(classes, catalog, svc, policy.NewSelector(nil), presence.Options{})
	registry := presence.NewRegistry(engine)
	t.Cleanup(registry.Close)

	mr := miniredis.RunT(t)
	srv := New(Deps{
		Registry:   registry,
		Classes:    classes,
		Catalog:    catalog,
		Attendance: svc,
		Tally:      tally.New(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		SigningKey: signingKey,
		Issuer:     issuer,
	})
	return &harness{
		t:        t,
		srv:      srv,
		registry: registry,
		router:   srv.Router(),
		faculty:  bearer(t, auth.Identity{Subject: "fac-1", Role: auth.RoleFaculty}),
		student:  bearer(t, auth.Identity{Subject: "stu-1", Role: auth.RoleStudent, Name: "Asha Rao", Email: "asha@example.edu"}),
	}
}

func bearer(t *testing.T, id auth.Identity) string {
	t.Helper()
	tok, _, err := auth.Issue(id, issuer, signingKey, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return "Bearer " + tok
}

func (h *harness) do(method, path, token string, body any) (int, map[string]any) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w.Code, out
}

func TestPresenceFlowOverHTTP(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/start", h.faculty, nil); code != http.StatusOK {
		t.Fatalf("start class: %d", code)
	}
	code, body := h.do(http.MethodPost, "/v1/presence/verify", h.student, map[string]any{
		"course_id":    "CS301",
		"platform":     "android",
		"access_point": map[string]any{"status": "associated", "bssid": "A4:2B:B0:11:22:33"},
	})
	if code != http.StatusOK || body["state"] != "eligible" || body["network"] != "connected" {
		t.Fatalf("verify: %d %v", code, body)
	}
	code, body = h.do(http.MethodPost, "/v1/presence/biometric", h.student, map[string]any{
		"kind":      "fingerprint",
		"biometric": map[string]any{"hardware": true, "enrolled": []string{"fingerprint"}, "kind": "fingerprint", "outcome": "success"},
	})
	if code != http.StatusOK || body["state"] != "verified" {
		t.Fatalf("biometric: %d %v", code, body)
	}
	code, body = h.do(http.MethodPost, "/v1/presence/mark", h.student, nil)
	if code != http.StatusCreated || body["commit_id"] == "" {
		t.Fatalf("mark: %d %v", code, body)
	}
	if code, body = h.do(http.MethodPost, "/v1/presence/mark", h.student, nil); code != http.StatusConflict {
		t.Fatalf("second mark: expected 409, got %d %v", code, body)
	}

	code, body = h.do(http.MethodGet, "/v1/courses/CS301/attendance", h.faculty, nil)
	if code != http.StatusOK || body["present"] != float64(1) {
		t.Fatalf("course attendance: %d %v", code, body)
	}
	code, body = h.do(http.MethodGet, "/v1/attendance?course=CS301", h.student, nil)
	if records, _ := body["records"].([]any); code != http.StatusOK || len(records) != 1 {
		t.Fatalf("history: %d %v", code, body)
	}
}

func TestVerifyFailures(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(http.MethodPost, "/v1/presence/verify", h.student, map[string]any{"course_id": "CS301", "platform": "ios"})
	if code != http.StatusConflict || body["signal"] != "session" {
		t.Fatalf("no class: expected 409 session, got %d %v", code, body)
	}

	h.do(http.MethodPost, "/v1/classes/CS301/start", h.faculty, nil)
	code, body = h.do(http.MethodPost, "/v1/presence/verify", h.student, map[string]any{
		"course_id": "CS301",
		"platform":  "ios",
		"location":  map[string]any{"lng": 75.01, "lat": 15.01},
	})
	if code != http.StatusUnprocessableEntity || body["signal"] != "location" || body["geo"] != "outside" || body["hint"] == "" {
		t.Fatalf("outside: expected 422 location, got %d %v", code, body)
	}
	code, body = h.do(http.MethodGet, "/v1/presence", h.student, nil)
	if code != http.StatusOK || body["state"] != "ineligible" {
		t.Fatalf("presence: %d %v", code, body)
	}
	if code, _ := h.do(http.MethodPost, "/v1/presence/mark", h.student, nil); code != http.StatusConflict {
		t.Fatalf("mark while ineligible: expected 409, got %d", code)
	}
}

func TestClassEndpoints(t *testing.T) {
	h := newHarness(t)

	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/start", h.student, nil); code != http.StatusForbidden {
		t.Fatalf("student start: expected 403, got %d", code)
	}
	if code, _ := h.do(http.MethodPost, "/v1/classes/XX999/start", h.faculty, nil); code != http.StatusNotFound {
		t.Fatalf("unknown course: expected 404, got %d", code)
	}
	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/stop", h.faculty, nil); code != http.StatusNotFound {
		t.Fatalf("stop before start: expected 404, got %d", code)
	}
	h.do(http.MethodPost, "/v1/classes/CS301/start", h.faculty, nil)
	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/start", h.faculty, nil); code != http.StatusConflict {
		t.Fatalf("double start: expected 409, got %d", code)
	}
	code, body := h.do(http.MethodGet, "/v1/classes/CS301/status", h.student, nil)
	if code != http.StatusOK || body["active"] != true {
		t.Fatalf("status: %d %v", code, body)
	}
	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/stop", h.faculty, nil); code != http.StatusOK {
		t.Fatalf("stop: %d", code)
	}
	if code, body := h.do(http.MethodGet, "/v1/courses/CS301/attendance?date=yesterday", h.faculty, nil); code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d %v", code, body)
	}
}

func (h *harness) devices() int {
	h.srv.mu.Lock()
	defer h.srv.mu.Unlock()
	return len(h.srv.devices)
}

func TestStopClassDropsPresenceState(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/v1/classes/CS301/start", h.faculty, nil)
	code, body := h.do(http.MethodPost, "/v1/presence/verify", h.student, map[string]any{
		"course_id":    "CS301",
		"platform":     "android",
		"access_point": map[string]any{"status": "associated", "bssid": "A4:2B:B0:11:22:33"},
	})
	if code != http.StatusOK {
		t.Fatalf("verify: %d %v", code, body)
	}
	if h.registry.Len() != 1 || h.devices() != 1 {
		t.Fatalf("expected one flow and one device, got %d and %d", h.registry.Len(), h.devices())
	}

	if code, _ := h.do(http.MethodPost, "/v1/classes/CS301/stop", h.faculty, nil); code != http.StatusOK {
		t.Fatalf("stop: %d", code)
	}
	if h.registry.Len() != 0 || h.devices() != 0 {
		t.Fatalf("expected state dropped, got %d flows and %d devices", h.registry.Len(), h.devices())
	}
	if code, body := h.do(http.MethodGet, "/v1/presence", h.student, nil); code != http.StatusOK || body["state"] != "not_started" {
		t.Fatalf("session after stop: %d %v", code, body)
	}
}

func TestSweepDropsIdleDevices(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	h.srv.now = func() time.Time { return now }

	code, _ := h.do(http.MethodPost, "/v1/presence/signals", h.student, map[string]any{
		"access_point": map[string]any{"status": "none"},
	})
	if code != http.StatusNoContent {
		t.Fatalf("signals: %d", code)
	}
	if n := h.srv.Sweep(time.Hour); n != 0 || h.devices() != 1 {
		t.Fatalf("fresh report swept: dropped=%d devices=%d", n, h.devices())
	}
	now = now.Add(2 * time.Hour)
	if n := h.srv.Sweep(time.Hour); n != 1 || h.devices() != 0 {
		t.Fatalf("idle report kept: dropped=%d devices=%d", n, h.devices())
	}
}

func TestMiscEndpoints(t *testing.T) {
	h := newHarness(t)
	if code, _ := h.do(http.MethodGet, "/healthz", "", nil); code != http.StatusOK {
		t.Fatalf("healthz: %d", code)
	}
	if code, _ := h.do(http.MethodGet, "/v1/presence", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", code)
	}
	if code, _ := h.do(http.MethodPost, "/v1/uploads", h.student, map[string]any{"data": "data:image/jpeg;base64,AA"}); code != http.StatusServiceUnavailable {
		t.Fatalf("upload without storage: expected 503, got %d", code)
	}
	if code, _ := h.do(http.MethodPost, "/v1/presence/biometric", h.student, map[string]any{"kind": "retina"}); code != http.StatusBadRequest {
		t.Fatalf("unknown kind: expected 400, got %d", code)
	}
	if code, _ := h.do(http.MethodPost, "/v1/presence/cancel", h.student, nil); code != http.StatusNoContent {
		t.Fatalf("cancel: %d", code)
	}
}
