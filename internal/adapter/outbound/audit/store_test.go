package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sqlgate/sqlgate/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRecord(ts time.Time, event string) audit.AuditRecord {
	return audit.AuditRecord{
		Timestamp:      ts,
		Category:       audit.CategoryAuthentication,
		Event:          event,
		Outcome:        audit.OutcomeSuccess,
		SessionID:      "sess-1",
		Email:          "a@x.com",
		KeyFingerprint: "abc123",
	}
}

func TestWriterStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := NewWriterStore(&buf, 10, testLogger())

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := makeRecord(now, audit.EventLoginSucceeded)
	rec.Detail = map[string]string{"base_url": "https://api"}
	if err := store.Append(context.Background(), rec, makeRecord(now, audit.EventLogout)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if got["event"] != audit.EventLoginSucceeded {
		t.Errorf("event = %v, want %q", got["event"], audit.EventLoginSucceeded)
	}
	if got["category"] != string(audit.CategoryAuthentication) {
		t.Errorf("category = %v, want %q", got["category"], audit.CategoryAuthentication)
	}
	if _, ok := got["reason"]; ok {
		t.Error("empty reason should be omitted")
	}
	detail, _ := got["detail"].(map[string]any)
	if detail["base_url"] != "https://api" {
		t.Errorf("detail = %v, want base_url", got["detail"])
	}
}

func TestStore_FileOutputDailyRotation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(Config{Output: "file://" + dir}, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	today := time.Now().UTC()
	tomorrow := today.AddDate(0, 0, 1)
	if err := store.Append(context.Background(),
		makeRecord(today, audit.EventLoginSucceeded),
		makeRecord(tomorrow, audit.EventLogout),
	); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	for _, day := range []time.Time{today, tomorrow} {
		path := filepath.Join(dir, "audit-"+day.Format(dateLayout)+".log")
		if n := countLines(t, path); n != 1 {
			t.Errorf("%s lines = %d, want 1", filepath.Base(path), n)
		}
	}
}

func TestStore_RetentionCleanup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -30).Format(dateLayout)
	recent := time.Now().UTC().AddDate(0, 0, -1).Format(dateLayout)
	for _, day := range []string{old, recent} {
		if err := os.WriteFile(filepath.Join(dir, "audit-"+day+".log"), []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := NewStore(Config{Output: "file://" + dir, RetentionDays: 7}, testLogger())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := os.Stat(filepath.Join(dir, "audit-"+old+".log")); !os.IsNotExist(err) {
		t.Errorf("old audit file still present, stat err = %v", err)
	}
	for _, name := range []string{"audit-" + recent + ".log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s removed: %v", name, err)
		}
	}
}

func TestNewStore_RejectsUnknownOutput(t *testing.T) {
	t.Parallel()

	for _, out := range []string{"s3://bucket", "file://"} {
		if _, err := NewStore(Config{Output: out}, testLogger()); err == nil {
			t.Errorf("NewStore(%q) error = nil, want error", out)
		}
	}
}

func TestStore_AppendAfterClose(t *testing.T) {
	t.Parallel()

	store := NewWriterStore(io.Discard, 10, testLogger())
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := store.Append(context.Background(), makeRecord(time.Now(), audit.EventLogout)); err == nil {
		t.Error("Append() after Close() error = nil, want error")
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestAuditCache_RecentNewestFirst(t *testing.T) {
	t.Parallel()

	cache := newAuditCache(3)
	for i := 0; i < 5; i++ {
		cache.Add(makeRecord(time.Now(), fmt.Sprintf("event-%d", i)))
	}

	got := cache.Recent(10)
	if len(got) != 3 {
		t.Fatalf("Recent() len = %d, want 3", len(got))
	}
	for i, want := range []string{"event-4", "event-3", "event-2"} {
		if got[i].Event != want {
			t.Errorf("Recent()[%d] = %q, want %q", i, got[i].Event, want)
		}
	}
	if cache.Recent(0) != nil {
		t.Error("Recent(0) should be nil")
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	return n
}
