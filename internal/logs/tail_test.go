package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scormsync/internal/logs"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scormsync.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 2})
	if err != nil {
		t.Fatalf("tail returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "b" || result.Lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", result.Lines)
	}
	if result.Offset != 6 {
		t.Fatalf("expected offset at end of file, got %d", result.Offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	result, err := logs.Tail(context.Background(), filepath.Join(t.TempDir(), "absent.log"), logs.TailOptions{Offset: -1, Limit: 5})
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(result.Lines) != 0 || result.Offset != 0 {
		t.Fatalf("unexpected result %#v", result)
	}
}

func TestTailMatchFiltersLines(t *testing.T) {
	path := writeLog(t, "upload_id=a queued\nupload_id=b queued\nupload_id=a registered\n")

	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 10, Match: "upload_id=a"})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[1] != "upload_id=a registered" {
		t.Fatalf("unexpected lines %#v", result.Lines)
	}
}

func TestTailResumesAfterTruncation(t *testing.T) {
	path := writeLog(t, "first line\nsecond line\n")
	result, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if err := os.WriteFile(path, []byte("rotated\n"), 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	next, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: result.Offset})
	if err != nil {
		t.Fatalf("tail after truncation: %v", err)
	}
	if len(next.Lines) != 1 || next.Lines[0] != "rotated" {
		t.Fatalf("expected to restart from the top, got %#v", next.Lines)
	}
}

func TestTailFollowWaits(t *testing.T) {
	path := writeLog(t, "start\n")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	result, err := logs.Tail(ctx, path, logs.TailOptions{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("initial tail: %v", err)
	}

	done := make(chan logs.TailResult, 1)
	go func(offset int64) {
		res, err := logs.Tail(ctx, path, logs.TailOptions{Offset: offset, Follow: true, Wait: 5 * time.Second})
		if err != nil {
			t.Errorf("follow tail error: %v", err)
		}
		done <- res
	}(result.Offset)

	time.Sleep(200 * time.Millisecond)
	appendLog(t, path, "later\n")

	select {
	case res := <-done:
		if len(res.Lines) != 1 || res.Lines[0] != "later" {
			t.Fatalf("unexpected follow lines: %#v", res.Lines)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("tail follow did not return")
	}
}

func TestTailFollowTimesOutQuietly(t *testing.T) {
	path := writeLog(t, "only\n")
	started := time.Now()
	res, err := logs.Tail(context.Background(), path, logs.TailOptions{Offset: 5, Follow: true, Wait: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(res.Lines) != 0 || res.Offset != 5 {
		t.Fatalf("unexpected result %#v", res)
	}
	if time.Since(started) < 250*time.Millisecond {
		t.Fatal("follow returned before the wait elapsed")
	}
}
