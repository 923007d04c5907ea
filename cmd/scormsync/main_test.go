package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scormsync/internal/daemon"
	"scormsync/internal/testsupport"
	"scormsync/internal/uploads"
)

func TestStatusReportsStoppedDaemon(t *testing.T) {
	env := newCLIConfig(t)

	out, _, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Not running")

	out, _, err = runCLI(t, env, "--json", "status")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	requireContains(t, out, `"running": false`)
}

func TestStatusAgainstRunningDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Upload Worker ==")
	requireContains(t, out, "[ERROR] Stopped")
	requireContains(t, out, env.cfg.Paths.StagingDir)

	out, _, err = runCLI(t, env, "--json", "status")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status daemon.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if status.ProgressBackend != "sqlite" || status.Staging.Root != env.cfg.Paths.StagingDir {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestWorkerControlCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "start")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "Upload worker started")

	out, _, err = runCLI(t, env, "start")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	requireContains(t, out, "already running")

	out, _, err = runCLI(t, env, "restart", "--force")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	requireContains(t, out, "Upload worker restarted")

	out, _, err = runCLI(t, env, "stop")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	requireContains(t, out, "Upload worker stopped")
	if env.daemon.Status(t.Context()).Uploads.WorkerRunning {
		t.Fatal("worker should be stopped")
	}
}

func TestAddListShowUpload(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, err := env.daemon.StartWorker(); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}

	source := filepath.Join(testsupport.BaseDir(env.cfg), "onboarding.zip")
	testsupport.WriteFile(t, source, 2048)

	out, _, err := runCLI(t, env, "--json", "add", source, "--title", "Onboarding")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	var sub uploads.Submission
	if err := json.Unmarshal([]byte(out), &sub); err != nil {
		t.Fatalf("decode submission: %v\n%s", err, out)
	}
	if sub.Title != "Onboarding" || sub.SubmittedBy != "cli" {
		t.Fatalf("unexpected submission %+v", sub)
	}

	waitFor(t, 5*time.Second, func() bool {
		got, ok := env.daemon.Submission(sub.ID)
		return ok && got.State == uploads.StateRegistered
	})

	out, _, err = runCLI(t, env, "uploads", "list", "--state", "registered")
	if err != nil {
		t.Fatalf("uploads list: %v", err)
	}
	requireContains(t, out, sub.ID)
	requireContains(t, out, "Onboarding")

	out, _, err = runCLI(t, env, "uploads", "list", "--state", "queued")
	if err != nil {
		t.Fatalf("uploads list queued: %v", err)
	}
	requireContains(t, out, "No uploads found")

	if _, _, err := runCLI(t, env, "uploads", "list", "--state", "bogus"); err == nil {
		t.Fatal("expected error for unknown state")
	}

	out, _, err = runCLI(t, env, "uploads", "show", sub.ID)
	if err != nil {
		t.Fatalf("uploads show: %v", err)
	}
	requireContains(t, out, "Remote ID")
	requireContains(t, out, "https://host.example/")

	if _, _, err := runCLI(t, env, "uploads", "retry", sub.ID); err == nil {
		t.Fatal("registered uploads cannot be retried")
	}
}

func TestAddRejectsUnsupportedFile(t *testing.T) {
	env := setupCLITestEnv(t)
	source := filepath.Join(testsupport.BaseDir(env.cfg), "notes.txt")
	testsupport.WriteFile(t, source, 10)

	if _, _, err := runCLI(t, env, "add", source); err == nil {
		t.Fatal("expected error for non-zip file")
	}
}

func TestCleanupFallsBackWithoutDaemon(t *testing.T) {
	env := newCLIConfig(t)
	orphan := filepath.Join(env.cfg.Paths.StagingDir, "abandoned.zip")
	testsupport.WriteFile(t, orphan, 32)

	out, _, err := runCLI(t, env, "cleanup", "--dry-run", "--max-age-hours", "0")
	if err != nil {
		t.Fatalf("cleanup dry run: %v", err)
	}
	requireContains(t, out, "Would remove "+orphan)
	if _, err := os.Stat(orphan); err != nil {
		t.Fatalf("dry run must keep the file: %v", err)
	}

	out, _, err = runCLI(t, env, "cleanup")
	if err != nil {
		t.Fatalf("cleanup default age: %v", err)
	}
	requireContains(t, out, "Removed 0 orphaned file(s)")

	out, _, err = runCLI(t, env, "cleanup", "--max-age-hours", "0")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	requireContains(t, out, "Removed 1 orphaned file(s)")
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("orphan should be removed, stat err=%v", err)
	}
}

func TestCleanupHelpWarnsAboutQueuedUploads(t *testing.T) {
	env := newCLIConfig(t)
	out, _, err := runCLI(t, env, "cleanup", "--help")
	if err != nil {
		t.Fatalf("cleanup --help: %v", err)
	}
	requireContains(t, out, "Queued uploads are not exempt")
	if strings.Contains(out, "skipped") {
		t.Fatalf("help must not promise skipped files: %s", out)
	}
}

func TestCleanupThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	orphan := filepath.Join(env.cfg.Paths.StagingDir, "abandoned.zip")
	testsupport.WriteFile(t, orphan, 32)

	out, _, err := runCLI(t, env, "--json", "cleanup", "--max-age-hours", "0")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	var result daemon.CleanupResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if result.DryRun || len(result.Paths) != 1 || result.Paths[0] != orphan {
		t.Fatalf("unexpected cleanup result %+v", result)
	}
}

func TestDiagnoseCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "diagnose", "--limit", "5")
	if err != nil {
		t.Fatalf("diagnose: %v", err)
	}
	requireContains(t, out, "Scanned 0 progress record(s)")

	if _, _, err := runCLI(t, env, "diagnose", "--topic-id", "-3"); err == nil {
		t.Fatal("expected validation error for negative topic id")
	}
}

func TestLogsCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	content := "boot\nregistered upload_id=abc\nregistered upload_id=def\n"
	if err := os.WriteFile(env.cfg.LogPath(), []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, env, "logs", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if strings.Contains(out, "boot") || !strings.Contains(out, "upload_id=def") {
		t.Fatalf("unexpected tail output %q", out)
	}

	out, _, err = runCLI(t, env, "logs", "--upload", "abc")
	if err != nil {
		t.Fatalf("logs --upload: %v", err)
	}
	if strings.TrimSpace(out) != "registered upload_id=abc" {
		t.Fatalf("unexpected filtered output %q", out)
	}
}

func TestCommandsFailWithoutDaemon(t *testing.T) {
	env := newCLIConfig(t)
	_, _, err := runCLI(t, env, "uploads", "list")
	if err == nil || !strings.Contains(err.Error(), "scormsync run") {
		t.Fatalf("expected dial hint, got %v", err)
	}
	if !errors.Is(err, errDaemonDown) {
		t.Fatalf("expected errDaemonDown marker, got %v", err)
	}
}
