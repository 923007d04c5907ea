package progress

import (
	"reflect"
	"time"

	"scormsync/internal/scoring"
)

const (
	MethodRegistrationSync = "registration_sync"
	MethodDataFieldSync    = "progress_data_sync"
)

// Reconcile applies the fix for each issue and returns the repaired record.
// Fixes only move a record towards completion: completion flags are never
// cleared, existing timestamps are kept, and an existing score is never
// replaced. now is used to backfill completed_at.
func Reconcile(rec Record, reg *Registration, issues []Issue, now time.Time) Record {
	out := rec.Clone()
	for _, issue := range issues {
		switch issue.Kind {
		case CompletedMismatch:
			markCompleted(&out, MethodRegistrationSync)
			mergeRegistrationStatus(&out, reg)
		case DataFieldMismatch:
			markCompleted(&out, MethodDataFieldSync)
		case MissingTimestamp:
			// handled by the backfill below
		}
	}
	if out.Completed && (out.CompletedAt == nil || out.CompletedAt.IsZero()) {
		at := now.UTC()
		out.CompletedAt = &at
	}
	if !out.LastScore.Valid {
		if score := scoring.FromPayload(out.ProgressData); score.Valid {
			out.LastScore = score
		}
	}
	return out
}

func markCompleted(rec *Record, method string) {
	rec.Completed = true
	if rec.CompletionMethod == "" {
		rec.CompletionMethod = method
	}
}

// mergeRegistrationStatus copies registration status into progress_data
// unless the stored value already reports completion.
func mergeRegistrationStatus(rec *Record, reg *Registration) {
	if reg == nil {
		return
	}
	if rec.ProgressData == nil {
		rec.ProgressData = map[string]any{}
	}
	set := func(key, value string) {
		if value == "" {
			return
		}
		if existing, ok := rec.ProgressData[key].(string); ok && IsCompletionValue(existing) {
			return
		}
		rec.ProgressData[key] = value
	}
	set("completion_status", reg.CompletionStatus)
	set("success_status", reg.SuccessStatus)
}

// Diff builds the partial update that turns before into after.
func Diff(before, after Record) Patch {
	var patch Patch
	if before.Completed != after.Completed {
		v := after.Completed
		patch.Completed = &v
	}
	if before.CompletionMethod != after.CompletionMethod {
		v := after.CompletionMethod
		patch.CompletionMethod = &v
	}
	if !sameTime(before.CompletedAt, after.CompletedAt) && after.CompletedAt != nil {
		v := *after.CompletedAt
		patch.CompletedAt = &v
	}
	if after.LastScore.Valid && (!before.LastScore.Valid || !before.LastScore.Decimal.Equal(after.LastScore.Decimal)) {
		v := after.LastScore.Decimal
		patch.LastScore = &v
	}
	for key, value := range after.ProgressData {
		old, ok := before.ProgressData[key]
		if !ok || !reflect.DeepEqual(old, value) {
			if patch.ProgressData == nil {
				patch.ProgressData = map[string]any{}
			}
			patch.ProgressData[key] = value
		}
	}
	if before.Attempts != after.Attempts {
		v := after.Attempts
		patch.Attempts = &v
	}
	return patch
}

func sameTime(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return a.Equal(*b)
	}
}
