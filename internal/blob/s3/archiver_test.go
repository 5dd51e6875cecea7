package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stakepilot/engine/internal/domain"
	"github.com/stakepilot/engine/internal/store/memory"
)

type capturingWriter struct {
	path string
	body []byte
	err  error
}

func (w *capturingWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	w.path = path
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.body = b
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedExecutions(t *testing.T, store domain.ExecutionStore, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.Create(context.Background(), domain.Execution{
			ID:         "e" + strconv.Itoa(i),
			StrategyID: "s1",
			ListingID:  "l" + strconv.Itoa(i),
			Side:       domain.SideYes,
			StakeMicro: 1_000_000,
			Status:     domain.ExecutionSuccess,
			CreatedAt:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestArchiveExecutionsMovesOldRecords(t *testing.T) {
	store := memory.NewExecutionStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedExecutions(t, store, 5, base)

	cutoff := base.Add(3 * time.Hour) // first 3 records are older
	writer := &capturingWriter{}
	a := NewExecutionArchiver(writer, store, discardLogger())

	n, err := a.ArchiveExecutions(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveExecutions: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived %d records, want 3", n)
	}
	if writer.path != "archive/executions/2026-05-01T030000Z.jsonl" {
		t.Errorf("path = %q", writer.path)
	}

	// Uploaded body is one JSON object per line, oldest first.
	var lines []domain.Execution
	sc := bufio.NewScanner(bytes.NewReader(writer.body))
	for sc.Scan() {
		var e domain.Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 3 || lines[0].ID != "e0" || lines[2].ID != "e2" {
		t.Fatalf("archived lines = %+v", lines)
	}

	// Archived rows are gone, newer rows remain.
	remaining, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("%d records remain, want 2", len(remaining))
	}
}

func TestArchiveExecutionsNothingToDo(t *testing.T) {
	store := memory.NewExecutionStore()
	writer := &capturingWriter{}
	a := NewExecutionArchiver(writer, store, discardLogger())

	n, err := a.ArchiveExecutions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveExecutions: %v", err)
	}
	if n != 0 {
		t.Fatalf("archived %d records, want 0", n)
	}
	if writer.path != "" {
		t.Error("upload happened with no records")
	}
}

func TestArchiveExecutionsUploadFailureKeepsRecords(t *testing.T) {
	store := memory.NewExecutionStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedExecutions(t, store, 2, base)

	writer := &capturingWriter{err: errors.New("bucket gone")}
	a := NewExecutionArchiver(writer, store, discardLogger())

	if _, err := a.ArchiveExecutions(context.Background(), base.Add(time.Hour*24)); err == nil {
		t.Fatal("expected upload error")
	}

	remaining, err := store.ListRecent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("%d records remain after failed upload, want 2", len(remaining))
	}
}
