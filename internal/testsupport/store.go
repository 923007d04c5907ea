package testsupport

import (
	"context"
	"fmt"
	"testing"

	"scormsync/internal/config"
	"scormsync/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewPackage inserts a registered content package for tests.
func NewPackage(t testing.TB, st *store.Store, title string) store.ContentPackage {
	t.Helper()

	pkg, err := st.CreatePackage(context.Background(), store.ContentPackage{
		RemoteID:      fmt.Sprintf("%s-remote", title),
		Title:         title,
		EntryPointURL: "https://content.example/" + title + "/index.html",
	})
	if err != nil {
		t.Fatalf("store.CreatePackage: %v", err)
	}
	return pkg
}
