package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"scormsync/internal/progress"
	"scormsync/internal/scoring"
)

const progressColumns = "learner_id, content_ref, completed, completion_method, completed_at, last_score, progress_data_json, attempts"

var (
	_ progress.Store              = (*Store)(nil)
	_ progress.RegistrationMirror = (*Store)(nil)
)

// UpsertProgress writes a full progress record, as runtime callbacks do on
// first interaction. The referenced content package must exist.
func (s *Store) UpsertProgress(ctx context.Context, rec progress.Record) error {
	data, err := encodeData(rec.ProgressData)
	if err != nil {
		return err
	}
	_, err = s.execWithRetry(ctx,
		`INSERT INTO progress_records (
            learner_id, content_ref, completed, completion_method, completed_at,
            last_score, progress_data_json, attempts, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(content_ref, learner_id) DO UPDATE SET
            completed = excluded.completed,
            completion_method = excluded.completion_method,
            completed_at = excluded.completed_at,
            last_score = excluded.last_score,
            progress_data_json = excluded.progress_data_json,
            attempts = excluded.attempts,
            updated_at = excluded.updated_at`,
		rec.LearnerID,
		rec.ContentRef,
		boolToInt(rec.Completed),
		nullableString(rec.CompletionMethod),
		nullableTime(rec.CompletedAt),
		encodeScore(rec.LastScore),
		data,
		rec.Attempts,
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

// GetProgress returns the record for key, or nil when none exists.
func (s *Store) GetProgress(ctx context.Context, key progress.Key) (*progress.Record, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+progressColumns+` FROM progress_records WHERE content_ref = ? AND learner_id = ?`,
		key.ContentRef, key.LearnerID)
	rec, err := scanProgress(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

// ListProgress returns one page of records ordered by (content_ref, learner_id).
func (s *Store) ListProgress(ctx context.Context, q progress.ListQuery) ([]progress.Record, error) {
	var (
		clauses []string
		args    []any
	)
	if q.ContentRef != 0 {
		clauses = append(clauses, "content_ref = ?")
		args = append(args, q.ContentRef)
	}
	if q.LearnerID != "" {
		clauses = append(clauses, "learner_id = ?")
		args = append(args, q.LearnerID)
	}
	if q.After != nil {
		clauses = append(clauses, "(content_ref > ? OR (content_ref = ? AND learner_id > ?))")
		args = append(args, q.After.ContentRef, q.After.ContentRef, q.After.LearnerID)
	}
	query := `SELECT ` + progressColumns + ` FROM progress_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY content_ref, learner_id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var records []progress.Record
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// UpdateProgress applies a partial update. progress_data keys are merged
// into the stored map inside the same transaction.
func (s *Store) UpdateProgress(ctx context.Context, key progress.Key, patch progress.Patch) error {
	if patch.Empty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			sets []string
			args []any
		)
		if patch.Completed != nil {
			sets = append(sets, "completed = ?")
			args = append(args, boolToInt(*patch.Completed))
		}
		if patch.CompletionMethod != nil {
			sets = append(sets, "completion_method = ?")
			args = append(args, nullableString(*patch.CompletionMethod))
		}
		if patch.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, nullableTime(patch.CompletedAt))
		}
		if patch.LastScore != nil {
			sets = append(sets, "last_score = ?")
			args = append(args, patch.LastScore.StringFixed(scoring.Places))
		}
		if patch.Attempts != nil {
			sets = append(sets, "attempts = ?")
			args = append(args, *patch.Attempts)
		}
		if len(patch.ProgressData) > 0 {
			var raw sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT progress_data_json FROM progress_records WHERE content_ref = ? AND learner_id = ?`,
				key.ContentRef, key.LearnerID).Scan(&raw)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("update progress: no record for learner %s on package %d", key.LearnerID, key.ContentRef)
			}
			if err != nil {
				return fmt.Errorf("read progress data: %w", err)
			}
			merged, err := decodeData(raw.String)
			if err != nil {
				return err
			}
			if merged == nil {
				merged = map[string]any{}
			}
			maps.Copy(merged, patch.ProgressData)
			encoded, err := encodeData(merged)
			if err != nil {
				return err
			}
			sets = append(sets, "progress_data_json = ?")
			args = append(args, encoded)
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, s.now().UTC().Format(time.RFC3339Nano))
		args = append(args, key.ContentRef, key.LearnerID)

		res, err := tx.ExecContext(ctx,
			`UPDATE progress_records SET `+strings.Join(sets, ", ")+` WHERE content_ref = ? AND learner_id = ?`,
			args...)
		if err != nil {
			return fmt.Errorf("update progress: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("update progress: no record for learner %s on package %d", key.LearnerID, key.ContentRef)
		}
		return nil
	})
}

func scanProgress(scanner interface{ Scan(dest ...any) error }) (*progress.Record, error) {
	var (
		rec         progress.Record
		completed   int
		method      sql.NullString
		completedAt sql.NullString
		score       sql.NullString
		data        sql.NullString
	)
	if err := scanner.Scan(
		&rec.LearnerID,
		&rec.ContentRef,
		&completed,
		&method,
		&completedAt,
		&score,
		&data,
		&rec.Attempts,
	); err != nil {
		return nil, err
	}
	rec.Completed = completed != 0
	rec.CompletionMethod = method.String
	if completedAt.Valid {
		if at, err := parseTimeString(completedAt.String); err == nil {
			rec.CompletedAt = &at
		}
	}
	if score.Valid {
		if d, err := decimal.NewFromString(score.String); err == nil {
			rec.LastScore = decimal.NewNullDecimal(d)
		}
	}
	decoded, err := decodeData(data.String)
	if err != nil {
		return nil, err
	}
	rec.ProgressData = decoded
	return &rec, nil
}

func encodeScore(score decimal.NullDecimal) any {
	if !score.Valid {
		return nil
	}
	return score.Decimal.StringFixed(scoring.Places)
}

func encodeData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal progress data: %w", err)
	}
	return string(encoded), nil
}

func decodeData(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode progress data: %w", err)
	}
	return data, nil
}
