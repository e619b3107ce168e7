package cache

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/callhook/internal/events"
	"github.com/austindbirch/callhook/internal/retry"
	"github.com/austindbirch/callhook/internal/subscription"
)

func sampleSub() *subscription.Subscription {
	return &subscription.Subscription{
		ID:          "sub_1",
		TenantID:    "tn_1",
		Name:        "crm",
		URL:         "https://hooks.example.com",
		Secret:      "whsec_top_secret",
		Events:      []events.Type{events.CallCompleted, events.RecordingAvailable},
		Active:      true,
		RetryPolicy: retry.Exponential(time.Second, time.Minute),
		MaxAttempts: 4,
		Timeout:     15 * time.Second,
		Headers:     map[string]string{"X-Api-Key": "k"},
	}
}

func TestKeys(t *testing.T) {
	if got := genKey("tn_1"); got != "callhook:subs:gen:tn_1" {
		t.Errorf("genKey() = %q", got)
	}
	if got := entryKey("tn_1", 7, events.CallCompleted); got != "callhook:subs:tn_1:7:call.completed" {
		t.Errorf("entryKey() = %q", got)
	}
}

func TestModelHasNoSecret(t *testing.T) {
	raw, err := json.Marshal([]subscriptionModel{toModel(sampleSub())})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "whsec_top_secret") || strings.Contains(string(raw), "secret") {
		t.Errorf("cached form contains the secret: %s", raw)
	}

	back := fromModel(toModel(sampleSub()))
	if back.Timeout != 15*time.Second || back.MaxAttempts != 4 || len(back.Events) != 2 {
		t.Errorf("fromModel() = %+v", back)
	}
	if back.Secret != "" {
		t.Error("fromModel() produced a secret")
	}
}

func TestUnreachableRedisReturnsErrors(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	c := New(rdb, time.Minute)
	ctx := context.Background()

	if _, _, _, err := c.Get(ctx, "tn_1", events.CallCompleted); err == nil {
		t.Error("Get() against closed port returned nil error")
	}
	if err := c.Set(ctx, "tn_1", 0, events.CallCompleted, nil); err == nil {
		t.Error("Set() against closed port returned nil error")
	}
	if err := c.Invalidate(ctx, "tn_1"); err == nil {
		t.Error("Invalidate() against closed port returned nil error")
	}
}

// Runs against a real Redis when CALLHOOK_TEST_REDIS_ADDR is set.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("CALLHOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLHOOK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer rdb.Close()

	tenant := "tn_test_" + time.Now().Format("150405.000000")
	c := New(rdb, time.Minute)

	_, gen, ok, err := c.Get(ctx, tenant, events.CallCompleted)
	if err != nil || ok {
		t.Fatalf("Get() on empty cache = ok %v err %v", ok, err)
	}
	if err := c.Set(ctx, tenant, gen, events.CallCompleted, []*subscription.Subscription{sampleSub()}); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	got, _, ok, err := c.Get(ctx, tenant, events.CallCompleted)
	if err != nil || !ok || len(got) != 1 || got[0].ID != "sub_1" {
		t.Fatalf("Get() = %v ok %v err %v", got, ok, err)
	}
	if err := c.Invalidate(ctx, tenant); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if _, _, ok, _ := c.Get(ctx, tenant, events.CallCompleted); ok {
		t.Error("Get() hit after Invalidate()")
	}
}

// A set read before an invalidation and written after it must stay invisible.
func TestRedisStaleSetAfterInvalidate(t *testing.T) {
	addr := os.Getenv("CALLHOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CALLHOOK_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer rdb.Close()

	tenant := "tn_stale_" + time.Now().Format("150405.000000")
	c := New(rdb, time.Minute)

	_, gen, _, err := c.Get(ctx, tenant, events.CallCompleted)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if err := c.Invalidate(ctx, tenant); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if err := c.Set(ctx, tenant, gen, events.CallCompleted, nil); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	_, newGen, ok, err := c.Get(ctx, tenant, events.CallCompleted)
	if err != nil || ok {
		t.Fatalf("Get() = ok %v err %v, want a miss", ok, err)
	}
	if newGen != gen+1 {
		t.Errorf("generation = %d, want %d", newGen, gen+1)
	}
}
