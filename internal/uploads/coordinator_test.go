package uploads_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"scormsync/internal/services"
	"scormsync/internal/staging"
	"scormsync/internal/uploads"
)

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := uploads.New(uploads.Options{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := uploads.New(uploads.Options{Registrar: &fakeRegistrar{}}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without catalog, got %v", err)
	}
}

func TestEnqueueRegistersAndReleases(t *testing.T) {
	reg := &fakeRegistrar{}
	catalog := &fakeCatalog{}
	stager := &fakeStager{}
	c := newCoordinator(t, reg, uploads.Options{Catalog: catalog, Stager: stager})

	sub, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Fire Safety"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sub.State != uploads.StateQueued || !sub.Processing() {
		t.Fatalf("unexpected initial submission %#v", sub)
	}

	done := waitForState(t, c, "u1", uploads.StateRegistered)
	if done.RemoteID != sub.CourseID || done.PackageID != 1 || done.EntryURL == "" {
		t.Fatalf("registration details not recorded: %#v", done)
	}
	if catalog.count() != 1 {
		t.Fatalf("expected one catalog entry, got %d", catalog.count())
	}
	queued, failed, released := stager.snapshot()
	if len(queued) != 1 || len(failed) != 0 || !slices.Equal(released, []string{sub.TempPath}) {
		t.Fatalf("unexpected staging calls queued=%v failed=%v released=%v", queued, failed, released)
	}
	calls := reg.Calls()
	if len(calls) != 1 || calls[0].title != "Fire Safety" {
		t.Fatalf("unexpected registrar calls %#v", calls)
	}
}

func TestEnqueueRejectsUnpersistedUpload(t *testing.T) {
	c := newCoordinator(t, &fakeRegistrar{}, uploads.Options{})
	upload := readyUpload("u1")
	upload.Status = staging.StatusUploading
	if _, err := c.Enqueue(upload, uploads.Metadata{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	upload.Status = staging.StatusReady
	upload.TempPath = ""
	if _, err := c.Enqueue(upload, uploads.Metadata{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing path, got %v", err)
	}
}

func TestEnqueueDerivesTitleFromFilename(t *testing.T) {
	reg := &fakeRegistrar{}
	c := newCoordinator(t, reg, uploads.Options{})
	upload := readyUpload("u1")
	upload.OriginalFilename = "workplace_safety-101.zip"
	sub, err := c.Enqueue(upload, uploads.Metadata{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if sub.Title != "Workplace Safety 101" {
		t.Fatalf("unexpected derived title %q", sub.Title)
	}
	waitForState(t, c, "u1", uploads.StateRegistered)
}

func TestRetryExhaustionIsPermanentAndStable(t *testing.T) {
	reg := &fakeRegistrar{always: services.Wrap(services.ErrTransient, "test", "register", "gateway timeout", nil)}
	stager := &fakeStager{}
	c := newCoordinator(t, reg, uploads.Options{Stager: stager, MaxRetries: 3})

	sub, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Course"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	failed := waitForState(t, c, "u1", uploads.StatePermanentlyFailed)
	if failed.AttemptCount != 3 || failed.LastError == "" {
		t.Fatalf("unexpected failed submission %#v", failed)
	}

	time.Sleep(100 * time.Millisecond)
	calls := reg.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", len(calls))
	}
	for _, call := range calls {
		if call.courseID != sub.CourseID {
			t.Fatalf("course id changed across retries: %s vs %s", call.courseID, sub.CourseID)
		}
	}
	want := []uploads.State{
		uploads.StateQueued,
		uploads.StateRegistering, uploads.StateRetrying,
		uploads.StateRegistering, uploads.StateRetrying,
		uploads.StateRegistering, uploads.StatePermanentlyFailed,
	}
	if got := states(failed.History); !slices.Equal(got, want) {
		t.Fatalf("unexpected history %v", got)
	}
	_, failedPaths, released := stager.snapshot()
	if len(failedPaths) != 1 || len(released) != 0 {
		t.Fatalf("failed upload must keep its file: failed=%v released=%v", failedPaths, released)
	}
	if st := c.Status(); st.QueueSize != 0 || st.RetryQueueSize != 0 || st.Failed != 1 {
		t.Fatalf("unexpected status %#v", st)
	}
}

func TestCollaboratorCancellationConsumesRetries(t *testing.T) {
	reg := &fakeRegistrar{always: context.Canceled}
	c := newCoordinator(t, reg, uploads.Options{MaxRetries: 3})

	if _, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Canceled"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	failed := waitForState(t, c, "u1", uploads.StatePermanentlyFailed)
	if failed.AttemptCount != 3 {
		t.Fatalf("expected 3 attempts, got %#v", failed)
	}
	time.Sleep(100 * time.Millisecond)
	if calls := len(reg.Calls()); calls != 3 {
		t.Fatalf("expected exactly 3 registrar calls, got %d", calls)
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	reg := &fakeRegistrar{errs: []error{&services.StatusError{Code: 422, Message: "manifest missing"}}}
	c := newCoordinator(t, reg, uploads.Options{})

	if _, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Broken"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	failed := waitForState(t, c, "u1", uploads.StatePermanentlyFailed)
	if failed.AttemptCount != 1 || len(reg.Calls()) != 1 {
		t.Fatalf("permanent errors must not be retried: %#v", failed)
	}
}

func TestRetriesRejoinAtTail(t *testing.T) {
	reg := &fakeRegistrar{errs: []error{services.Wrap(services.ErrTransient, "test", "register", "flaky", nil)}}
	c := newCoordinator(t, reg, uploads.Options{BackoffBase: 50 * time.Millisecond, BackoffMax: 50 * time.Millisecond})

	gate := make(chan struct{})
	reg.setRelease(gate)
	if _, err := c.Enqueue(readyUpload("a"), uploads.Metadata{Title: "A"}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	if _, err := c.Enqueue(readyUpload("b"), uploads.Metadata{Title: "B"}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	close(gate)

	waitForState(t, c, "a", uploads.StateRegistered)
	waitForState(t, c, "b", uploads.StateRegistered)

	var order []string
	for _, call := range reg.Calls() {
		order = append(order, call.title)
	}
	if !slices.Equal(order, []string{"A", "B", "A"}) {
		t.Fatalf("expected retry after the rest of the queue, got %v", order)
	}
}

func TestEnqueueReturnsPromptlyWhileWorkerBusy(t *testing.T) {
	reg := &fakeRegistrar{}
	gate := make(chan struct{})
	reg.setRelease(gate)
	c := newCoordinator(t, reg, uploads.Options{})

	started := time.Now()
	for i := range 2000 {
		if _, err := c.Enqueue(readyUpload(fmt.Sprintf("bulk-%d", i)), uploads.Metadata{Title: "Bulk"}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("enqueue took %s", elapsed)
	}
	st := c.Status()
	if st.QueueSize < 1999 {
		t.Fatalf("expected queued backlog, got %#v", st)
	}
	close(gate)
}

func TestEnsureRunningStartsOneWorker(t *testing.T) {
	c := newCoordinator(t, &fakeRegistrar{}, uploads.Options{})

	var started atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.EnsureRunning()
			if err != nil {
				t.Errorf("EnsureRunning: %v", err)
			}
			if ok {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	if started.Load() != 1 {
		t.Fatalf("expected exactly one start, got %d", started.Load())
	}
	st := c.Status()
	if !st.WorkerRunning || !st.WorkerAlive {
		t.Fatalf("expected a live worker, got %#v", st)
	}
}

func TestStopAndHealthCheck(t *testing.T) {
	c := newCoordinator(t, &fakeRegistrar{}, uploads.Options{})
	if _, err := c.EnsureRunning(); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if !c.Stop() {
		t.Fatal("idle worker should join promptly")
	}
	if st := c.Status(); st.WorkerRunning || st.WorkerAlive {
		t.Fatalf("expected stopped worker, got %#v", st)
	}

	restarted, err := c.HealthCheck()
	if err != nil || !restarted {
		t.Fatalf("HealthCheck should restart: %v %v", restarted, err)
	}
	restarted, err = c.HealthCheck()
	if err != nil || restarted {
		t.Fatalf("HealthCheck on a live worker should be a no-op: %v %v", restarted, err)
	}
}

func TestForceRestartReplacesStuckWorker(t *testing.T) {
	reg := &fakeRegistrar{ignoreCtx: true}
	gate := make(chan struct{})
	reg.setRelease(gate)
	c := newCoordinator(t, reg, uploads.Options{JoinTimeout: 50 * time.Millisecond})

	if _, err := c.Enqueue(readyUpload("stuck"), uploads.Metadata{Title: "Stuck"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, c, "stuck", uploads.StateRegistering)

	result, err := c.ForceRestart()
	if err != nil {
		t.Fatalf("ForceRestart: %v", err)
	}
	if result.Joined || !result.Started {
		t.Fatalf("expected abandoned worker and fresh start, got %#v", result)
	}
	if st := c.Status(); !st.WorkerRunning || !st.WorkerAlive {
		t.Fatalf("replacement worker not running: %#v", st)
	}

	reg.setRelease(nil)
	close(gate)
	done := waitForState(t, c, "stuck", uploads.StateRegistered)
	if done.AttemptCount != 1 {
		t.Fatalf("interrupted attempt should not consume the retry budget, got %d", done.AttemptCount)
	}
}

func TestWorkerLockExcludesSecondOwner(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "worker.lock")
	other := flock.New(lockPath)
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}

	reg := &fakeRegistrar{}
	c := newCoordinator(t, reg, uploads.Options{LockPath: lockPath})
	if _, err := c.EnsureRunning(); !errors.Is(err, uploads.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	sub, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Held"})
	if err != nil || sub.State != uploads.StateQueued {
		t.Fatalf("enqueue should still accept: %#v %v", sub, err)
	}
	if st := c.Status(); st.WorkerRunning || st.QueueSize != 1 || st.LockHeld {
		t.Fatalf("unexpected status while not owner %#v", st)
	}

	if err := other.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	started, err := c.EnsureRunning()
	if err != nil || !started {
		t.Fatalf("EnsureRunning after release: %v %v", started, err)
	}
	waitForState(t, c, "u1", uploads.StateRegistered)
	if !c.Status().LockHeld {
		t.Fatal("expected lock to be held by the coordinator")
	}
}

func TestResubmitAfterPermanentFailure(t *testing.T) {
	reg := &fakeRegistrar{errs: []error{services.Wrap(services.ErrValidation, "test", "register", "bad manifest", nil)}}
	c := newCoordinator(t, reg, uploads.Options{})

	first, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Retry Me"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, c, "u1", uploads.StatePermanentlyFailed)

	again, err := c.Resubmit("u1")
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if again.CourseID != first.CourseID || again.AttemptCount != 0 {
		t.Fatalf("resubmission must keep the course id and reset attempts: %#v", again)
	}
	waitForState(t, c, "u1", uploads.StateRegistered)

	if _, err := c.Resubmit("u1"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("resubmitting a registered upload should fail, got %v", err)
	}
	if _, err := c.Resubmit("missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDuplicateEnqueueReturnsExistingSubmission(t *testing.T) {
	reg := &fakeRegistrar{}
	gate := make(chan struct{})
	reg.setRelease(gate)
	c := newCoordinator(t, reg, uploads.Options{})

	first, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Once"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Once"})
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if second.CourseID != first.CourseID {
		t.Fatalf("duplicate enqueue created a new submission")
	}
	close(gate)
	waitForState(t, c, "u1", uploads.StateRegistered)
	if n := len(reg.Calls()); n != 1 {
		t.Fatalf("expected one registration, got %d", n)
	}
}

func TestMetricsCountOutcomes(t *testing.T) {
	reg := &fakeRegistrar{errs: []error{services.Wrap(services.ErrTransient, "test", "register", "flaky", nil)}}
	registry := prometheus.NewRegistry()
	c := newCoordinator(t, reg, uploads.Options{Registerer: registry})

	if _, err := c.Enqueue(readyUpload("u1"), uploads.Metadata{Title: "Metered"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForState(t, c, "u1", uploads.StateRegistered)

	expected := `
# HELP scormsync_upload_attempts_total Registration attempts by outcome.
# TYPE scormsync_upload_attempts_total counter
scormsync_upload_attempts_total{outcome="registered"} 1
scormsync_upload_attempts_total{outcome="retry"} 1
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "scormsync_upload_attempts_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestSubmissionsSnapshotIsOrdered(t *testing.T) {
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	reg := &fakeRegistrar{}
	gate := make(chan struct{})
	reg.setRelease(gate)
	c := newCoordinator(t, reg, uploads.Options{Now: now, StaleAfter: time.Hour})
	defer close(gate)

	for _, id := range []string{"z", "a", "m"} {
		if _, err := c.Enqueue(readyUpload(id), uploads.Metadata{Title: id}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	var ids []string
	for _, sub := range c.Submissions() {
		ids = append(ids, sub.ID)
	}
	if !slices.Equal(ids, []string{"z", "a", "m"}) {
		t.Fatalf("expected enqueue order, got %v", ids)
	}
}
