package orchestration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gosaga/core"
)

func newTestIdempotencyStore(t *testing.T, client *redis.Client) *RedisIdempotencyStore {
	t.Helper()
	return &RedisIdempotencyStore{
		client:    client,
		keyPrefix: "test:",
		ttl:       24 * time.Hour,
		logger:    &core.NoOpLogger{},
	}
}

func TestCanonicalParamsKeyOrderAndTrimming(t *testing.T) {
	a, err := CanonicalParams(map[string]interface{}{
		"partySize":    2,
		"restaurantId": "  R1 ",
		"time":         "19:00",
	})
	if err != nil {
		t.Fatalf("CanonicalParams() error = %v", err)
	}

	b, err := CanonicalParams(map[string]interface{}{
		"time":         "19:00:00",
		"restaurantId": "R1",
		"partySize":    2.0,
	})
	if err != nil {
		t.Fatalf("CanonicalParams() error = %v", err)
	}

	if a != b {
		t.Errorf("equivalent params canonicalized differently:\n  %s\n  %s", a, b)
	}
	if !strings.HasPrefix(a, canonicalVersion) {
		t.Errorf("canonical form %q missing version tag", a)
	}
}

func TestCanonicalParamsIsFixpoint(t *testing.T) {
	params := map[string]interface{}{
		"time":  "  14:00 ",
		"notes": []interface{}{" window seat ", map[string]interface{}{"b": 1, "a": "07:30"}},
		"party": 8,
	}

	first, err := CanonicalParams(params)
	if err != nil {
		t.Fatalf("CanonicalParams() error = %v", err)
	}

	// Re-canonicalising params whose values were already normalised must
	// produce the identical bytes.
	normalized := map[string]interface{}{
		"time":  "14:00:00",
		"notes": []interface{}{"window seat", map[string]interface{}{"a": "07:30:00", "b": 1}},
		"party": 8,
	}
	second, err := CanonicalParams(normalized)
	if err != nil {
		t.Fatalf("CanonicalParams() error = %v", err)
	}

	if first != second {
		t.Errorf("canonicalisation is not a fixpoint:\n  %s\n  %s", first, second)
	}
}

func TestCanonicalParamsPreservesArrayOrder(t *testing.T) {
	a, _ := CanonicalParams(map[string]interface{}{"stops": []interface{}{"A", "B"}})
	b, _ := CanonicalParams(map[string]interface{}{"stops": []interface{}{"B", "A"}})
	if a == b {
		t.Error("array order is semantic and must affect the canonical form")
	}
}

func TestCanonicalParamsTimeNormalisationBounds(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"19:00", `"19:00:00"`},
		{"23:59", `"23:59:00"`},
		{"24:00", `"24:00"`},       // hours out of range
		{"19:60", `"19:60"`},       // minutes out of range
		{"9:00", `"9:00"`},         // needs two-digit hours
		{"19-00", `"19-00"`},       // wrong separator
		{"ab:cd", `"ab:cd"`},       // not digits
		{"19:00:00", `"19:00:00"`}, // already widened
	}
	for _, tc := range cases {
		got, err := CanonicalParams(map[string]interface{}{"t": tc.in})
		if err != nil {
			t.Fatalf("CanonicalParams(%q) error = %v", tc.in, err)
		}
		want := canonicalVersion + `{"t":` + tc.want + `}`
		if got != want {
			t.Errorf("CanonicalParams(%q) = %s, want %s", tc.in, got, want)
		}
	}
}

func TestIdempotencyKeyDistinguishesFields(t *testing.T) {
	params := map[string]interface{}{"x": 1}

	k1, err := IdempotencyKey("user-1", "book_ride", params)
	if err != nil {
		t.Fatalf("IdempotencyKey() error = %v", err)
	}
	k2, _ := IdempotencyKey("user-2", "book_ride", params)
	k3, _ := IdempotencyKey("user-1", "cancel_ride", params)
	k4, _ := IdempotencyKey("user-1", "book_ride", map[string]interface{}{"x": 2})

	if k1 == k2 || k1 == k3 || k1 == k4 {
		t.Errorf("keys must differ across user/tool/params: %s %s %s %s", k1, k2, k3, k4)
	}

	// Field boundaries are unambiguous.
	k5, _ := IdempotencyKey("user", "-1book_ride", params)
	if k1 == k5 {
		t.Error("shifted field boundary produced the same key")
	}
}

func TestIdempotencyStoreRecordAndHit(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestIdempotencyStore(t, client)
	ctx := context.Background()

	params := map[string]interface{}{"restaurantId": "R1", "partySize": 2, "time": "19:00"}

	dup, err := store.IsDuplicate(ctx, "user-1", "book_restaurant_table", params)
	if err != nil {
		t.Fatalf("IsDuplicate() error = %v", err)
	}
	if dup {
		t.Fatal("unrecorded tuple reported as duplicate")
	}

	if err := store.Record(ctx, "user-1", "book_restaurant_table", params); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	// Equivalent-but-differently-spelled params hit the same marker.
	respelled := map[string]interface{}{"time": " 19:00:00", "partySize": 2.0, "restaurantId": "R1 "}
	dup, err = store.IsDuplicate(ctx, "user-1", "book_restaurant_table", respelled)
	if err != nil {
		t.Fatalf("IsDuplicate() error = %v", err)
	}
	if !dup {
		t.Error("recorded tuple not reported as duplicate")
	}

	// A different user does not hit.
	dup, _ = store.IsDuplicate(ctx, "user-2", "book_restaurant_table", params)
	if dup {
		t.Error("marker leaked across users")
	}
}

func TestIdempotencyStoreTTLExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := newTestIdempotencyStore(t, client)
	store.ttl = time.Hour
	ctx := context.Background()

	params := map[string]interface{}{"rideId": "ride-123"}
	if err := store.Record(ctx, "user-1", "cancel_ride", params); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	mr.FastForward(2 * time.Hour)

	dup, err := store.IsDuplicate(ctx, "user-1", "cancel_ride", params)
	if err != nil {
		t.Fatalf("IsDuplicate() error = %v", err)
	}
	if dup {
		t.Error("marker survived past its TTL")
	}
}

func TestIdempotencyStoreForget(t *testing.T) {
	_, client := setupTestRedis(t)
	store := newTestIdempotencyStore(t, client)
	ctx := context.Background()

	params := map[string]interface{}{"rideId": "ride-123"}
	if err := store.Record(ctx, "user-1", "book_ride", params); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := store.Forget(ctx, "user-1", "book_ride", params); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}

	dup, _ := store.IsDuplicate(ctx, "user-1", "book_ride", params)
	if dup {
		t.Error("forgotten marker still deduplicates")
	}
}
