package testsupport

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, PatternReader(size)); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// PatternReader streams size bytes of a repeating pattern without holding
// them in memory.
func PatternReader(size int64) io.Reader {
	return io.LimitReader(patternSource{}, size)
}

type patternSource struct{}

func (patternSource) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0x42
	}
	return len(p), nil
}
