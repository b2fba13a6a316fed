package workqueue

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
)

// A canceled context makes every LPush fail before touching the network,
// which exercises the retry loop deterministically.
func brokenQueue(onFailure FailureHandler) (*RedisQueue, context.Context) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return NewRedisQueue(client, slog.Default(), onFailure), ctx
}

func TestRetryCeilingRoutesToFailureHandler(t *testing.T) {
	var (
		gotQueue   string
		gotPayload map[string]any
		gotCause   error
		calls      int
	)
	q, ctx := brokenQueue(func(queue string, payload map[string]any, cause error) {
		calls++
		gotQueue, gotPayload, gotCause = queue, payload, cause
	})

	payload := map[string]any{"user_profile_id": int64(7), "message_id": int64(12)}
	err := q.Enqueue(ctx, "missedmessage_emails", payload)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 1 {
		t.Fatalf("failure handler called %d times, want 1", calls)
	}
	if gotQueue != "missedmessage_emails" || gotCause == nil {
		t.Fatalf("failure handler got queue=%q cause=%v", gotQueue, gotCause)
	}
	if asInt(gotPayload["failed_tries"]) != MaxTries+1 {
		t.Fatalf("failed_tries = %v, want %d", gotPayload["failed_tries"], MaxTries+1)
	}
	if gotPayload["user_profile_id"] != int64(7) {
		t.Fatalf("original fields lost: %v", gotPayload)
	}
}

func TestEnqueueDoesNotMutateCallerPayload(t *testing.T) {
	q, ctx := brokenQueue(func(string, map[string]any, error) {})

	payload := map[string]any{"message_id": int64(3)}
	_ = q.Enqueue(ctx, "missedmessage_mobile_notifications", payload)

	if _, ok := payload["failed_tries"]; ok {
		t.Fatal("retry bookkeeping leaked into caller's map")
	}
	if len(payload) != 1 {
		t.Fatalf("caller payload changed: %v", payload)
	}
}

func TestEnqueueResumesEmbeddedTries(t *testing.T) {
	var gotTries int
	q, ctx := brokenQueue(func(_ string, payload map[string]any, _ error) {
		gotTries = asInt(payload["failed_tries"])
	})

	// A payload that already burned all but one try fails over immediately.
	_ = q.Enqueue(ctx, "missedmessage_emails", map[string]any{"failed_tries": MaxTries})
	if gotTries != MaxTries+1 {
		t.Fatalf("failed_tries = %d, want %d", gotTries, MaxTries+1)
	}
}

func TestFileFailureHandlerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failures.jsonl")
	handler := FileFailureHandler(path, slog.Default())

	handler("missedmessage_emails", map[string]any{"message_id": 1}, context.Canceled)
	handler("missedmessage_mobile_notifications", map[string]any{"message_id": 2}, context.Canceled)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0]["queue"] != "missedmessage_emails" || records[0]["error"] != context.Canceled.Error() {
		t.Fatalf("first record = %v", records[0])
	}
	first, ok := records[0]["payload"].(map[string]any)
	if !ok || first["message_id"] != float64(1) {
		t.Fatalf("first payload = %v", records[0]["payload"])
	}
	if records[1]["queue"] != "missedmessage_mobile_notifications" {
		t.Fatalf("second record = %v", records[1])
	}
}

func TestMemoryCopiesPayloads(t *testing.T) {
	m := NewMemory()
	payload := map[string]any{"message_id": int64(5)}
	if err := m.Enqueue(context.Background(), "missedmessage_emails", payload); err != nil {
		t.Fatal(err)
	}
	payload["message_id"] = int64(99)

	jobs := m.Jobs("missedmessage_emails")
	if len(jobs) != 1 || jobs[0]["message_id"] != int64(5) {
		t.Fatalf("stored job = %v", jobs)
	}
	if m.Jobs("other") != nil {
		t.Fatal("unknown queue should have no jobs")
	}
}
