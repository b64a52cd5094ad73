package webhooks

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/saltline/startline/internal/db"
	"github.com/saltline/startline/internal/events"
	"github.com/saltline/startline/internal/models"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
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
	return NewService(gdb, events.NewBus(), zerolog.Nop()), gdb
}

func TestTestDeliverySignsPayload(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotSig, gotEvent string
	var gotBody []byte
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotSig = r.Header.Get("X-Startline-Signature")
		gotEvent = r.Header.Get("X-Startline-Event")
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	target := &models.WebhookTarget{URL: receiver.URL, Secret: "race-day-secret"}
	if err := svc.Register(ctx, target); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := svc.Test(ctx, target.ID); err != nil {
		t.Fatalf("test delivery: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != "test" {
		t.Fatalf("event header %q, want test", gotEvent)
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign(gotBody, "race-day-secret"))) {
		t.Fatal("signature does not verify against the delivered body")
	}
	var payload Payload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Event != "test" {
		t.Fatalf("payload event %q", payload.Event)
	}
}

func TestFireRespectsEventFilter(t *testing.T) {
	svc, gdb := newTestService(t)
	ctx := context.Background()

	delivered := make(chan string, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- r.Header.Get("X-Startline-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	target := &models.WebhookTarget{
		URL:    receiver.URL,
		Events: "start.gun",
	}
	if err := svc.Register(ctx, target); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc.fire(ctx, events.EventStartSignaled, events.Payload{"fleet": "Laser"})
	select {
	case evt := <-delivered:
		if evt != "start.gun" {
			t.Fatalf("delivered event %q", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event was not delivered")
	}

	svc.fire(ctx, events.EventPostponed, events.Payload{"fleet": "Laser"})
	select {
	case evt := <-delivered:
		t.Fatalf("unexpected delivery for filtered event: %q", evt)
	case <-time.After(200 * time.Millisecond):
	}

	// Delivery attempts are logged.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var count int64
		if err := gdb.Model(&models.WebhookLog{}).Where("target_id = ?", target.ID).Count(&count).Error; err != nil {
			t.Fatalf("count logs: %v", err)
		}
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 delivery log, got %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTargetHandles(t *testing.T) {
	all := models.WebhookTarget{}
	if !targetHandles(all, "start.gun") {
		t.Fatal("empty filter should match everything")
	}
	scoped := models.WebhookTarget{Events: "start.gun, start.general_recall"}
	if !targetHandles(scoped, "start.general_recall") {
		t.Fatal("listed event should match")
	}
	if targetHandles(scoped, "start.postponed") {
		t.Fatal("unlisted event should not match")
	}
}
