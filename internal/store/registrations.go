package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"scormsync/internal/progress"
)

// GetRegistration returns the mirrored registration for key, or nil.
func (s *Store) GetRegistration(ctx context.Context, key progress.Key) (*progress.Registration, error) {
	var (
		reg        progress.Registration
		completion sql.NullString
		success    sql.NullString
		seconds    int64
	)
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT learner_id, content_ref, completion_status, success_status, total_time_seconds
         FROM registrations WHERE content_ref = ? AND learner_id = ?`,
		key.ContentRef, key.LearnerID,
	).Scan(&reg.LearnerID, &reg.ContentRef, &completion, &success, &seconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get registration: %w", err)
	}
	reg.CompletionStatus = completion.String
	reg.SuccessStatus = success.String
	reg.TotalTime = time.Duration(seconds) * time.Second
	return &reg, nil
}

// UpsertRegistration refreshes the mirror from the remote service.
func (s *Store) UpsertRegistration(ctx context.Context, reg progress.Registration) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO registrations (learner_id, content_ref, completion_status, success_status, total_time_seconds, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(content_ref, learner_id) DO UPDATE SET
            completion_status = excluded.completion_status,
            success_status = excluded.success_status,
            total_time_seconds = excluded.total_time_seconds,
            updated_at = excluded.updated_at`,
		reg.LearnerID,
		reg.ContentRef,
		nullableString(reg.CompletionStatus),
		nullableString(reg.SuccessStatus),
		int64(reg.TotalTime/time.Second),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}
