package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"scormsync/internal/logging"
	"scormsync/internal/services"
)

// Status tracks where a pending upload is in its local lifecycle.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusReady     Status = "ready"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

// DefaultChunkSize bounds the buffer used while persisting upload streams.
const DefaultChunkSize = 1 << 20

// PendingUpload is the tracking entry for one file awaiting remote registration.
type PendingUpload struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	TempPath         string    `json:"temp_path"`
	CreatedAt        time.Time `json:"created_at"`
	Status           Status    `json:"status"`
	SizeBytes        int64     `json:"size_bytes"`
}

// Stats is a read-only snapshot of the tracking table.
type Stats struct {
	ActiveCount int             `json:"active_count"`
	TotalBytes  int64           `json:"total_bytes"`
	Items       []PendingUpload `json:"items"`
}

// SweepResult contains the outcome of an orphan sweep.
type SweepResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a file path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Options configures a Store.
type Options struct {
	Root       string
	ChunkSize  int
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Store owns the on-disk staging area for uploads between receipt and
// successful remote registration.
type Store struct {
	root      string
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time
	metrics   *metrics

	mu      sync.Mutex
	entries map[string]*PendingUpload
}

// NewStore constructs a Store rooted at opts.Root. The directory is created
// lazily by Allocate.
func NewStore(opts Options) (*Store, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "staging", "init", "staging root is required", nil)
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root:      filepath.Clean(root),
		chunkSize: chunk,
		logger:    logging.NewComponentLogger(opts.Logger, "staging"),
		now:       now,
		metrics:   newMetrics(opts.Registerer),
		entries:   make(map[string]*PendingUpload),
	}, nil
}

// Root returns the staging directory.
func (s *Store) Root() string { return s.root }

// Allocate reserves a collision-free temp path for filename and registers a
// tracking entry. No content is written.
func (s *Store) Allocate(filename string) (string, error) {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", services.Wrap(services.ErrResource, "staging", "allocate", "create staging directory", err)
	}

	original := strings.TrimSpace(filepath.Base(filename))
	if original == "." || original == string(filepath.Separator) {
		original = ""
	}
	ext := filepath.Ext(original)
	base := sanitizeBase(strings.TrimSuffix(original, ext))
	id := uuid.NewString()
	suffix := strings.ReplaceAll(id, "-", "")[:12]
	path := filepath.Join(s.root, fmt.Sprintf("%s-%s%s", base, suffix, strings.ToLower(ext)))

	s.mu.Lock()
	s.entries[path] = &PendingUpload{
		ID:               id,
		OriginalFilename: original,
		TempPath:         path,
		CreatedAt:        s.now(),
		Status:           StatusUploading,
	}
	s.refreshMetricsLocked()
	s.mu.Unlock()

	s.logger.Debug("allocated staging path",
		logging.String(logging.FieldUploadID, id),
		logging.String("path", path),
		logging.String("filename", original),
	)
	return path, nil
}

// Persist streams r into path in bounded chunks. It reports false on any
// failure, leaving a partial file behind for the orphan sweep.
func (s *Store) Persist(ctx context.Context, r io.Reader, path string) bool {
	return s.PersistStream(ctx, r, path) == nil
}

// PersistStream is Persist with the failure cause. Cancellation returns the
// context error, an unreadable upload stream is a validation error, a file
// swept away mid-write is not found, and local write failures are resource
// errors.
func (s *Store) PersistStream(ctx context.Context, r io.Reader, path string) error {
	logger := logging.WithContext(ctx, s.logger).With(logging.String("path", path))
	if r == nil {
		err := services.Wrap(services.ErrValidation, "staging", "persist", "content stream is required", nil)
		s.persistFailed(logger, path, "missing content stream", err)
		return err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		s.persistFailed(logger, path, "open staging file", err)
		return services.Wrap(services.ErrResource, "staging", "persist", "open staging file", err)
	}

	buf := make([]byte, s.chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			_ = file.Close()
			s.persistFailed(logger, path, "persist canceled", err)
			return fmt.Errorf("persist upload: %w", err)
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			w, writeErr := file.Write(buf[:n])
			written += int64(w)
			if writeErr != nil {
				_ = file.Close()
				s.persistFailed(logger, path, "write chunk", writeErr)
				return services.Wrap(services.ErrResource, "staging", "persist", "write chunk", writeErr)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			_ = file.Close()
			if err := ctx.Err(); err != nil {
				s.persistFailed(logger, path, "persist canceled", err)
				return fmt.Errorf("persist upload: %w", err)
			}
			s.persistFailed(logger, path, "read upload stream", readErr)
			return services.Wrap(services.ErrValidation, "staging", "persist", "read upload stream", readErr)
		}
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		s.persistFailed(logger, path, "sync staging file", err)
		return services.Wrap(services.ErrResource, "staging", "persist", "sync staging file", err)
	}
	if err := file.Close(); err != nil {
		s.persistFailed(logger, path, "close staging file", err)
		return services.Wrap(services.ErrResource, "staging", "persist", "close staging file", err)
	}

	s.mu.Lock()
	entry, ok := s.entries[path]
	if !ok {
		// A sweep may have dropped the entry and unlinked the file mid-write.
		if _, err := os.Stat(path); err != nil {
			s.mu.Unlock()
			logger.Warn("staged file removed while persisting",
				logging.Error(err),
				logging.String(logging.FieldEventType, "staging_persist_failed"),
				logging.String(logging.FieldErrorHint, "raise staging.orphan_max_age_hours above the longest upload time"),
				logging.String(logging.FieldImpact, "upload not stored"),
			)
			return services.Wrap(services.ErrNotFound, "staging", "persist", "staged file removed while persisting", err)
		}
		entry = &PendingUpload{
			ID:               uuid.NewString(),
			OriginalFilename: filepath.Base(path),
			TempPath:         path,
			CreatedAt:        s.now(),
		}
		s.entries[path] = entry
	}
	entry.Status = StatusReady
	entry.SizeBytes = written
	s.refreshMetricsLocked()
	s.mu.Unlock()

	logger.Info("persisted upload",
		logging.String(logging.FieldUploadID, entry.ID),
		logging.Int64("size_bytes", written),
		logging.String("size", logging.FormatBytes(written)),
	)
	return nil
}

func (s *Store) persistFailed(logger *slog.Logger, path, reason string, err error) {
	s.setStatus(path, StatusFailed)
	logger.Warn("failed to persist upload",
		logging.String("reason", reason),
		logging.Error(err),
		logging.String(logging.FieldEventType, "staging_persist_failed"),
		logging.String(logging.FieldErrorHint, "check staging_dir free space and permissions"),
		logging.String(logging.FieldImpact, "partial file left for orphan sweep"),
	)
}

// Release deletes the file and its tracking entry. Releasing an unknown or
// already-released path is a no-op.
func (s *Store) Release(path string) {
	s.mu.Lock()
	_, tracked := s.entries[path]
	delete(s.entries, path)
	s.refreshMetricsLocked()
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WarnWithContext(s.logger, "failed to remove released staging file", "staging_release_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
			logging.String(logging.FieldImpact, "file left for orphan sweep"),
		)
		return
	}
	if tracked {
		s.logger.Debug("released staging file", logging.String("path", path))
	}
}

// Lookup returns a copy of the tracking entry for path.
func (s *Store) Lookup(path string) (PendingUpload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[path]
	if !ok {
		return PendingUpload{}, false
	}
	return *entry, true
}

// MarkQueued records that the upload has been handed to the coordinator.
func (s *Store) MarkQueued(path string) { s.setStatus(path, StatusQueued) }

// MarkFailed records that the upload will not be registered automatically.
func (s *Store) MarkFailed(path string) { s.setStatus(path, StatusFailed) }

func (s *Store) setStatus(path string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[path]; ok {
		entry.Status = status
	}
}

// Stats returns a snapshot of the tracking table ordered by creation time.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Items: make([]PendingUpload, 0, len(s.entries))}
	for _, entry := range s.entries {
		stats.ActiveCount++
		stats.TotalBytes += entry.SizeBytes
		stats.Items = append(stats.Items, *entry)
	}
	sort.Slice(stats.Items, func(i, j int) bool {
		return stats.Items[i].CreatedAt.Before(stats.Items[j].CreatedAt)
	})
	return stats
}

// FreeBytes reports the space available to unprivileged writers under the
// staging root.
func (s *Store) FreeBytes() (uint64, error) {
	target := s.root
	if _, err := os.Stat(target); err != nil {
		target = filepath.Dir(target)
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(target, &stat); err != nil {
		return 0, fmt.Errorf("staging: statfs: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// Candidates lists the files a sweep with maxAge would remove, without
// touching anything.
func (s *Store) Candidates(maxAge time.Duration) ([]string, error) {
	return s.collect(maxAge)
}

// SweepOrphans removes tracked and untracked files under the root older than
// maxAge. A maxAge of zero or less removes everything.
func (s *Store) SweepOrphans(maxAge time.Duration) SweepResult {
	result := SweepResult{}
	paths, err := s.collect(maxAge)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: s.root, Error: err})
		return result
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
			s.logger.Warn("failed to remove orphaned staging file",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "staging_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check staging_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		s.mu.Lock()
		delete(s.entries, path)
		s.mu.Unlock()
		result.Removed = append(result.Removed, path)
		s.logger.Info("removed orphaned staging file",
			logging.String("path", path),
			logging.String(logging.FieldEventType, "staging_cleanup"),
		)
	}

	s.mu.Lock()
	s.dropExpiredLocked(maxAge)
	s.refreshMetricsLocked()
	s.mu.Unlock()
	s.metrics.swept.Add(float64(len(result.Removed)))
	return result
}

// collect walks the root and returns files older than maxAge. Tracked files
// age from their allocation time, untracked files from their mtime.
func (s *Store) collect(maxAge time.Duration) ([]string, error) {
	now := s.now()

	s.mu.Lock()
	created := make(map[string]time.Time, len(s.entries))
	for path, entry := range s.entries {
		created[path] = entry.CreatedAt
	}
	s.mu.Unlock()

	var paths []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		born, tracked := created[path]
		if !tracked {
			info, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			born = info.ModTime()
		}
		if expired(now, born, maxAge) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// dropExpiredLocked forgets tracked entries whose files vanished without a
// Release.
func (s *Store) dropExpiredLocked(maxAge time.Duration) {
	now := s.now()
	for path, entry := range s.entries {
		if !expired(now, entry.CreatedAt, maxAge) {
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			delete(s.entries, path)
		}
	}
}

func expired(now, born time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return now.Sub(born) > maxAge
}

func (s *Store) refreshMetricsLocked() {
	var total int64
	for _, entry := range s.entries {
		total += entry.SizeBytes
	}
	s.metrics.active.Set(float64(len(s.entries)))
	s.metrics.bytes.Set(float64(total))
}

func sanitizeBase(value string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		" ", "-",
		":", "-",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
	)
	value = replacer.Replace(strings.TrimSpace(value))
	value = strings.Trim(value, "-_.")
	if value == "" {
		return "upload"
	}
	if len(value) > 64 {
		value = value[:64]
	}
	return value
}
