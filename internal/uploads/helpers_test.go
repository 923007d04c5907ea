package uploads_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"scormsync/internal/logging"
	"scormsync/internal/services/contenthost"
	"scormsync/internal/staging"
	"scormsync/internal/store"
	"scormsync/internal/uploads"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type registerCall struct {
	path     string
	courseID string
	title    string
	size     int64
}

// fakeRegistrar fails with the queued errors in order, then succeeds.
type fakeRegistrar struct {
	mu      sync.Mutex
	calls   []registerCall
	errs    []error
	always  error
	release chan struct{}
	// ignoreCtx makes a blocked call wait for release even after cancellation.
	ignoreCtx bool
}

func (f *fakeRegistrar) Register(ctx context.Context, filePath, courseID, title string) (contenthost.Course, error) {
	var size int64
	if info, err := os.Stat(filePath); err == nil {
		size = info.Size()
	}
	f.mu.Lock()
	f.calls = append(f.calls, registerCall{path: filePath, courseID: courseID, title: title, size: size})
	release := f.release
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	} else if f.always != nil {
		err = f.always
	}
	f.mu.Unlock()

	if release != nil {
		if f.ignoreCtx {
			<-release
		} else {
			select {
			case <-release:
			case <-ctx.Done():
				return contenthost.Course{}, ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return contenthost.Course{}, ctx.Err()
		}
	}
	if err != nil {
		return contenthost.Course{}, err
	}
	return contenthost.Course{RemoteID: courseID, EntryURL: "https://host.example/play/" + courseID}, nil
}

func (f *fakeRegistrar) DeleteCourse(context.Context, string) (bool, error) { return true, nil }

func (f *fakeRegistrar) Calls() []registerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registerCall(nil), f.calls...)
}

func (f *fakeRegistrar) setRelease(ch chan struct{}) {
	f.mu.Lock()
	f.release = ch
	f.mu.Unlock()
}

type fakeCatalog struct {
	mu       sync.Mutex
	packages []store.ContentPackage
}

func (f *fakeCatalog) CreatePackage(_ context.Context, pkg store.ContentPackage) (store.ContentPackage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkg.LocalID = int64(len(f.packages) + 1)
	pkg.RegistrationStatus = store.RegistrationRegistered
	f.packages = append(f.packages, pkg)
	return pkg, nil
}

func (f *fakeCatalog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packages)
}

type fakeStager struct {
	mu       sync.Mutex
	queued   []string
	failed   []string
	released []string
}

func (f *fakeStager) MarkQueued(path string) {
	f.mu.Lock()
	f.queued = append(f.queued, path)
	f.mu.Unlock()
}

func (f *fakeStager) MarkFailed(path string) {
	f.mu.Lock()
	f.failed = append(f.failed, path)
	f.mu.Unlock()
}

func (f *fakeStager) Release(path string) {
	f.mu.Lock()
	f.released = append(f.released, path)
	f.mu.Unlock()
}

func (f *fakeStager) snapshot() (queued, failed, released []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queued...), append([]string(nil), f.failed...), append([]string(nil), f.released...)
}

func newCoordinator(t *testing.T, reg uploads.Registrar, opts uploads.Options) *uploads.Coordinator {
	t.Helper()
	opts.Registrar = reg
	if opts.Catalog == nil {
		opts.Catalog = &fakeCatalog{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 10 * time.Millisecond
		opts.BackoffMax = 40 * time.Millisecond
	}
	if opts.JoinTimeout == 0 {
		opts.JoinTimeout = time.Second
	}
	c, err := uploads.New(opts)
	if err != nil {
		t.Fatalf("uploads.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readyUpload(id string) staging.PendingUpload {
	return staging.PendingUpload{
		ID:               id,
		OriginalFilename: id + ".zip",
		TempPath:         fmt.Sprintf("/staging/%s.zip", id),
		Status:           staging.StatusReady,
		SizeBytes:        1024,
		CreatedAt:        time.Now(),
	}
}

func waitForState(t *testing.T, c *uploads.Coordinator, id string, want uploads.State) uploads.Submission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		sub, ok := c.Lookup(id)
		if ok && sub.State == want {
			return sub
		}
		if time.Now().After(deadline) {
			t.Fatalf("submission %s did not reach %s (last %#v)", id, want, sub)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func states(history []uploads.Transition) []uploads.State {
	out := make([]uploads.State, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.State)
	}
	return out
}
