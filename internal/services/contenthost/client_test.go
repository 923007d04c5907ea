package contenthost_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"scormsync/internal/logging"
	"scormsync/internal/services"
	"scormsync/internal/services/contenthost"
	"scormsync/internal/testsupport"
)

func newClient(t *testing.T, handler http.Handler) *contenthost.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := contenthost.New(server.URL, "app", "secret", 0, server.Client(), logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestRegisterStreamsMultipartBody(t *testing.T) {
	const size = 3<<20 + 17
	path := filepath.Join(t.TempDir(), "course.zip")
	testsupport.WriteFile(t, path, size)

	var received int64
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/courses/intro-1a2b3c4d/import" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "app" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		reader, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart reader: %v", err)
			return
		}
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Errorf("next part: %v", err)
				return
			}
			switch part.FormName() {
			case "title":
				value, _ := io.ReadAll(part)
				if string(value) != "Intro" {
					t.Errorf("unexpected title %q", value)
				}
			case "file":
				if part.FileName() != "course.zip" {
					t.Errorf("unexpected filename %q", part.FileName())
				}
				received, _ = io.Copy(io.Discard, part)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":        "intro-1a2b3c4d",
			"entry_url": "https://host.example/play/intro-1a2b3c4d",
		})
	}))

	course, err := client.Register(context.Background(), path, "intro-1a2b3c4d", "Intro")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if received != size {
		t.Fatalf("server received %d bytes, want %d", received, size)
	}
	if course.RemoteID != "intro-1a2b3c4d" || course.EntryURL == "" {
		t.Fatalf("unexpected course %#v", course)
	}
}

func TestRegisterStatusErrorsClassify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkg.zip")
	testsupport.WriteFile(t, path, 128)

	tests := []struct {
		name   string
		status int
		want   services.Kind
	}{
		{name: "server error", status: http.StatusBadGateway, want: services.KindRetryable},
		{name: "rate limited", status: http.StatusTooManyRequests, want: services.KindRetryable},
		{name: "bad package", status: http.StatusUnprocessableEntity, want: services.KindPermanent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			_, err := client.Register(context.Background(), path, "c-1", "T")
			var statusErr *services.StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tc.status || statusErr.Message != "nope" {
				t.Fatalf("expected status error %d, got %v", tc.status, err)
			}
			if got := services.Classify(err); got != tc.want {
				t.Fatalf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRegisterMissingFileIsPermanent(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	_, err := client.Register(context.Background(), filepath.Join(t.TempDir(), "gone.zip"), "c-1", "T")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if services.Classify(err) != services.KindPermanent {
		t.Fatalf("missing file should be permanent")
	}
}

func TestDeleteCourse(t *testing.T) {
	client := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		switch r.URL.Path {
		case "/courses/present":
			w.WriteHeader(http.StatusNoContent)
		case "/courses/absent":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	ctx := context.Background()

	deleted, err := client.DeleteCourse(ctx, "present")
	if err != nil || !deleted {
		t.Fatalf("DeleteCourse present: %v %v", deleted, err)
	}
	deleted, err = client.DeleteCourse(ctx, "absent")
	if err != nil || deleted {
		t.Fatalf("DeleteCourse absent: %v %v", deleted, err)
	}
	if _, err := client.DeleteCourse(ctx, "broken"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := contenthost.New("  ", "", "", 0, nil, nil)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
