package progress

import (
	"context"
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Key identifies one learner's progress on one content package.
type Key struct {
	LearnerID  string `json:"learner_id"`
	ContentRef int64  `json:"content_ref"`
}

// Less orders keys by content package, then learner.
func (k Key) Less(other Key) bool {
	if k.ContentRef != other.ContentRef {
		return k.ContentRef < other.ContentRef
	}
	return k.LearnerID < other.LearnerID
}

// Record is the locally persisted progress snapshot.
type Record struct {
	LearnerID        string              `json:"learner_id"`
	ContentRef       int64               `json:"content_ref"`
	Completed        bool                `json:"completed"`
	CompletionMethod string              `json:"completion_method,omitempty"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
	LastScore        decimal.NullDecimal `json:"last_score"`
	ProgressData     map[string]any      `json:"progress_data,omitempty"`
	Attempts         int                 `json:"attempts"`
}

// Key returns the record's identity.
func (r Record) Key() Key {
	return Key{LearnerID: r.LearnerID, ContentRef: r.ContentRef}
}

// Clone returns a deep enough copy that mutating the result never touches r.
func (r Record) Clone() Record {
	out := r
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	if r.ProgressData != nil {
		out.ProgressData = maps.Clone(r.ProgressData)
	}
	return out
}

// Registration is the read-only mirror of the remote registration record.
type Registration struct {
	LearnerID        string        `json:"learner_id"`
	ContentRef       int64         `json:"content_ref"`
	CompletionStatus string        `json:"completion_status"`
	SuccessStatus    string        `json:"success_status"`
	TotalTime        time.Duration `json:"total_time"`
}

// Patch is a partial update. Nil fields are left untouched; ProgressData keys
// are merged into the stored map.
type Patch struct {
	Completed        *bool
	CompletionMethod *string
	CompletedAt      *time.Time
	LastScore        *decimal.Decimal
	ProgressData     map[string]any
	Attempts         *int
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Completed == nil && p.CompletionMethod == nil && p.CompletedAt == nil &&
		p.LastScore == nil && len(p.ProgressData) == 0 && p.Attempts == nil
}

// Apply returns rec with the patch applied.
func (p Patch) Apply(rec Record) Record {
	out := rec.Clone()
	if p.Completed != nil {
		out.Completed = *p.Completed
	}
	if p.CompletionMethod != nil {
		out.CompletionMethod = *p.CompletionMethod
	}
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		out.CompletedAt = &at
	}
	if p.LastScore != nil {
		out.LastScore = decimal.NullDecimal{Decimal: *p.LastScore, Valid: true}
	}
	if len(p.ProgressData) > 0 {
		if out.ProgressData == nil {
			out.ProgressData = make(map[string]any, len(p.ProgressData))
		}
		maps.Copy(out.ProgressData, p.ProgressData)
	}
	if p.Attempts != nil {
		out.Attempts = *p.Attempts
	}
	return out
}

// ListQuery selects a page of records ordered by Key.
type ListQuery struct {
	ContentRef int64
	LearnerID  string
	After      *Key
	Limit      int
}

// Store reads and partially updates progress records.
type Store interface {
	ListProgress(ctx context.Context, q ListQuery) ([]Record, error)
	GetProgress(ctx context.Context, key Key) (*Record, error)
	UpdateProgress(ctx context.Context, key Key, patch Patch) error
}

// RegistrationMirror reads registration snapshots. A missing registration is
// reported as nil, nil.
type RegistrationMirror interface {
	GetRegistration(ctx context.Context, key Key) (*Registration, error)
}
