package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/saltline/startline/internal/audit"
	"github.com/saltline/startline/internal/auth"
	"github.com/saltline/startline/internal/broadcast"
	"github.com/saltline/startline/internal/clock"
	"github.com/saltline/startline/internal/db"
	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
	"github.com/saltline/startline/internal/notifications"
	"github.com/saltline/startline/internal/scheduler"
	"github.com/saltline/startline/internal/sequence"
	"github.com/saltline/startline/internal/stats"
	"github.com/saltline/startline/internal/webhooks"
)

var testSecret = []byte("test-signing-key")

func newTestServer(t *testing.T) (*httptest.Server, *gorm.DB) {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := zerolog.Nop()
	bus := events.NewBus()
	svc := scheduler.New(gdb, sequence.NewRegistry(), bus, clock.System(), log)
	auditSvc := audit.NewService(gdb, bus, log)
	hub := broadcast.NewHub(bus, log)
	t.Cleanup(hub.Close)

	statsSvc := stats.NewService(gdb, log)
	notifySvc := notifications.NewService(gdb, bus, notifications.Config{}, log)
	webhooksSvc := webhooks.NewService(gdb, bus, log)

	a := New(gdb, testSecret, svc, auditSvc, hub, statsSvc, notifySvc, webhooksSvc, log)
	r := chi.NewRouter()
	a.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, gdb
}

func tokenFor(t *testing.T, role models.RoleName) string {
	t.Helper()
	token, err := auth.Issue(testSecret, auth.Claims{UserID: "u1", Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSchedulesRequireAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/schedules/")
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestViewerCannotCreateSchedule(t *testing.T) {
	srv, _ := newTestServer(t)
	token := tokenFor(t, models.RoleViewer)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/schedules/", token, map[string]any{
		"name": "Day 1",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", resp.StatusCode)
	}
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	officer := tokenFor(t, models.RoleOfficer)

	firstWarning := time.Now().Add(1 * time.Hour).UTC().Truncate(time.Second)
	resp := doJSON(t, srv, http.MethodPost, "/api/v1/schedules/", officer, map[string]any{
		"regatta_id":         "regatta-1",
		"name":               "Championship Day 1",
		"scheduled_date":     firstWarning.Format(time.RFC3339),
		"sequence_type":      "5-4-1-go",
		"first_warning_time": firstWarning.Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule: expected 201, got %d", resp.StatusCode)
	}
	var sched models.StartSchedule
	if err := json.NewDecoder(resp.Body).Decode(&sched); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%s/fleets", sched.ID), officer, map[string]any{
		"fleets": []map[string]any{
			{"fleet_name": "Laser", "class_flag": "L"},
			{"fleet_name": "420", "class_flag": "F"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add fleets: expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&sched); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	if len(sched.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(sched.Entries))
	}
	if !sched.Entries[0].PlannedWarningTime.Equal(firstWarning) {
		t.Fatalf("first warning %v, want %v", sched.Entries[0].PlannedWarningTime, firstWarning)
	}

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%s/ready", sched.ID), officer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark ready: expected 200, got %d", resp.StatusCode)
	}

	// Adding fleets after ready must be rejected as a frozen schedule.
	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%s/fleets", sched.ID), officer, map[string]any{
		"fleets": []map[string]any{{"fleet_name": "29er"}},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for frozen schedule, got %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/v1/schedules/%s/start", sched.ID), officer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start sequence: expected 200, got %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&sched); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}
	if sched.Status != models.ScheduleActive {
		t.Fatalf("expected active schedule, got %s", sched.Status)
	}
	if sched.Entries[0].Status != models.EntryWarning {
		t.Fatalf("expected first entry in warning, got %s", sched.Entries[0].Status)
	}
}

func TestUnknownScheduleReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	token := tokenFor(t, models.RoleOfficer)

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/schedules/does-not-exist", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestInvalidSequenceTypeRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	token := tokenFor(t, models.RoleOfficer)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/schedules/", token, map[string]any{
		"name":               "Bad Day",
		"sequence_type":      "9-8-7-go",
		"first_warning_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestAuditEndpointIsAdminOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/audit", tokenFor(t, models.RoleOfficer), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for officer, got %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/v1/audit", tokenFor(t, models.RoleAdmin), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d", resp.StatusCode)
	}
}

func TestWebhookRegistrationIsOfficerOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/webhooks/", tokenFor(t, models.RoleViewer), map[string]any{
		"url": "https://results.example.com/hook",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", resp.StatusCode)
	}

	officer := tokenFor(t, models.RoleOfficer)
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/webhooks/", officer, map[string]any{
		"url":    "https://results.example.com/hook",
		"events": "start.gun,start.general_recall",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var target models.WebhookTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		t.Fatalf("decode target: %v", err)
	}
	if target.ID == "" || !target.Active {
		t.Fatalf("unexpected target: %+v", target)
	}

	resp = doJSON(t, srv, http.MethodGet, "/api/v1/webhooks/", officer, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var targets []models.WebhookTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		t.Fatalf("decode targets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("expected 1 registered webhook, got %d", len(targets))
	}
}

func TestScheduleStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	officer := tokenFor(t, models.RoleOfficer)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/schedules/", officer, map[string]any{
		"name":               "Stats Day",
		"sequence_type":      "5-4-1-go",
		"first_warning_time": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule: %d", resp.StatusCode)
	}
	var sched models.StartSchedule
	if err := json.NewDecoder(resp.Body).Decode(&sched); err != nil {
		t.Fatalf("decode schedule: %v", err)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/schedules/"+sched.ID+"/fleets", officer, map[string]any{
		"fleets": []map[string]any{{"fleet_name": "Laser"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add fleets: %d", resp.StatusCode)
	}

	// Stats are readable by viewers.
	resp = doJSON(t, srv, http.MethodGet, "/api/v1/schedules/"+sched.ID+"/stats", tokenFor(t, models.RoleViewer), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var report map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report["fleet_count"].(float64) != 1 {
		t.Fatalf("expected fleet_count 1, got %v", report["fleet_count"])
	}
}

func TestNotificationsListIsScopedToUser(t *testing.T) {
	srv, gdb := newTestServer(t)

	if err := gdb.Create(&models.Notification{
		ID:        "n1",
		UserID:    "u1",
		EventType: "start.postponed",
		Subject:   "Postponed: Laser",
		Status:    models.NotificationPending,
	}).Error; err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	if err := gdb.Create(&models.Notification{
		ID:        "n2",
		UserID:    "someone-else",
		EventType: "start.postponed",
		Subject:   "Postponed: 420",
		Status:    models.NotificationPending,
	}).Error; err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	resp := doJSON(t, srv, http.MethodGet, "/api/v1/notifications/", tokenFor(t, models.RoleOfficer), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Notifications []models.Notification `json:"notifications"`
		Total         int64                 `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Notifications) != 1 || body.Notifications[0].ID != "n1" {
		t.Fatalf("expected only u1's notification, got %+v", body)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/notifications/n1/read", tokenFor(t, models.RoleOfficer), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read: %d", resp.StatusCode)
	}
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/notifications/n2/read", tokenFor(t, models.RoleOfficer), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for someone else's notification, got %d", resp.StatusCode)
	}
}

func TestLoginIssuesUsableToken(t *testing.T) {
	srv, gdb := newTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("spinnaker"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	officer := models.User{
		ID:       "officer-1",
		Email:    "pro@club.example",
		Password: string(hash),
		Role:     models.RoleOfficer,
	}
	if err := gdb.Create(&officer).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "pro@club.example",
		"password": "spinnaker",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status %d", resp.StatusCode)
	}
	var login struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	decodeJSON(t, resp, &login)
	if login.UserID != "officer-1" || login.Role != "officer" || login.Token == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	// The returned token carries officer privileges.
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/schedules/", login.Token, map[string]any{
		"name":          "Sunday Series",
		"sequence_type": "5-4-1-go",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create with login token: status %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "pro@club.example",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password status %d", resp.StatusCode)
	}
}

func TestUserManagementIsAdminOnly(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, srv, http.MethodPost, "/api/v1/users/", tokenFor(t, models.RoleOfficer), map[string]string{
		"email":    "rc@club.example",
		"password": "halyard",
		"role":     "viewer",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("officer create user: status %d", resp.StatusCode)
	}

	admin := tokenFor(t, models.RoleAdmin)
	resp = doJSON(t, srv, http.MethodPost, "/api/v1/users/", admin, map[string]string{
		"email":    "rc@club.example",
		"password": "halyard",
		"role":     "viewer",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin create user: status %d", resp.StatusCode)
	}
	var created map[string]any
	decodeJSON(t, resp, &created)
	if _, leaked := created["Password"]; leaked {
		t.Fatal("password hash leaked in response")
	}
	userID, _ := created["ID"].(string)
	if userID == "" {
		t.Fatal("created user has no id")
	}

	resp = doJSON(t, srv, http.MethodPost, "/api/v1/users/", admin, map[string]string{
		"email":    "rc2@club.example",
		"password": "halyard",
		"role":     "commodore",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid role: status %d", resp.StatusCode)
	}

	resp = doJSON(t, srv, http.MethodDelete, "/api/v1/users/"+userID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete user: status %d", resp.StatusCode)
	}
}
