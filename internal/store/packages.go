package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Registration statuses recorded on content packages.
const (
	RegistrationRegistered = "registered"
)

// ContentPackage is the canonical local record of a remotely registered
// package. Rows are insert-only.
type ContentPackage struct {
	LocalID            int64     `json:"local_id"`
	RemoteID           string    `json:"remote_id"`
	Title              string    `json:"title"`
	EntryPointURL      string    `json:"entry_point_url"`
	RegistrationStatus string    `json:"registration_status"`
	UploadID           string    `json:"upload_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

const packageColumns = "local_id, remote_id, title, entry_point_url, registration_status, upload_id, created_at"

// CreatePackage inserts pkg. Inserting a remote ID that already exists is not
// an error: the existing row is returned, so a retried catalog write after a
// successful remote registration converges on one record.
func (s *Store) CreatePackage(ctx context.Context, pkg ContentPackage) (ContentPackage, error) {
	if strings.TrimSpace(pkg.RemoteID) == "" {
		return ContentPackage{}, errors.New("create package: remote id is required")
	}
	if pkg.RegistrationStatus == "" {
		pkg.RegistrationStatus = RegistrationRegistered
	}
	created := s.now().UTC()
	if !pkg.CreatedAt.IsZero() {
		created = pkg.CreatedAt.UTC()
	}

	_, err := s.execWithRetry(ctx,
		`INSERT INTO content_packages (remote_id, title, entry_point_url, registration_status, upload_id, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(remote_id) DO NOTHING`,
		pkg.RemoteID,
		pkg.Title,
		nullableString(pkg.EntryPointURL),
		pkg.RegistrationStatus,
		nullableString(pkg.UploadID),
		created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return ContentPackage{}, fmt.Errorf("insert package: %w", err)
	}
	stored, err := s.PackageByRemoteID(ctx, pkg.RemoteID)
	if err != nil {
		return ContentPackage{}, err
	}
	if stored == nil {
		return ContentPackage{}, fmt.Errorf("insert package: row for %s not found after insert", pkg.RemoteID)
	}
	return *stored, nil
}

// PackageByID fetches a package by local identifier.
func (s *Store) PackageByID(ctx context.Context, id int64) (*ContentPackage, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+packageColumns+` FROM content_packages WHERE local_id = ?`, id)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return pkg, nil
}

// PackageByRemoteID fetches a package by remote course identifier.
func (s *Store) PackageByRemoteID(ctx context.Context, remoteID string) (*ContentPackage, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+packageColumns+` FROM content_packages WHERE remote_id = ?`, remoteID)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get package by remote id: %w", err)
	}
	return pkg, nil
}

// ListPackages returns all packages, newest first.
func (s *Store) ListPackages(ctx context.Context) ([]ContentPackage, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+packageColumns+` FROM content_packages ORDER BY local_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var packages []ContentPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		packages = append(packages, *pkg)
	}
	return packages, rows.Err()
}

func scanPackage(scanner interface{ Scan(dest ...any) error }) (*ContentPackage, error) {
	var (
		pkg        ContentPackage
		entryPoint sql.NullString
		uploadID   sql.NullString
		createdRaw sql.NullString
	)
	if err := scanner.Scan(
		&pkg.LocalID,
		&pkg.RemoteID,
		&pkg.Title,
		&entryPoint,
		&pkg.RegistrationStatus,
		&uploadID,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	pkg.EntryPointURL = entryPoint.String
	pkg.UploadID = uploadID.String
	if created, err := parseTimeString(createdRaw.String); err == nil {
		pkg.CreatedAt = created
	}
	return &pkg, nil
}
