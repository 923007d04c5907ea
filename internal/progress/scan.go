package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"scormsync/internal/logging"
	"scormsync/internal/services"
)

const defaultPageSize = 200

// Filter selects the records a batch scan visits.
type Filter struct {
	// ContentRef restricts the scan to one content package when non-zero.
	ContentRef int64
	// LearnerID restricts the scan to one learner when non-empty.
	LearnerID string
	// Limit caps the number of records visited; zero means no cap.
	Limit int
	// Fix applies reconciliation when true; otherwise the scan only reports.
	Fix bool
	// After resumes a previously interrupted scan.
	After *Key
}

// ScanResult summarizes a batch scan.
type ScanResult struct {
	Count       int               `json:"count"`
	IssuesFound int               `json:"issues_found"`
	IssuesFixed int               `json:"issues_fixed"`
	Updated     int               `json:"updated"`
	Failures    int               `json:"failures"`
	ByKind      map[IssueKind]int `json:"by_kind"`
	LastKey     *Key              `json:"last_key,omitempty"`
}

// Options configures a Reconciler.
type Options struct {
	Store    Store
	Mirror   RegistrationMirror
	Logger   *slog.Logger
	Now      func() time.Time
	PageSize int
	// RatePerSecond throttles record processing; zero disables throttling.
	RatePerSecond float64
}

// Reconciler runs diagnose/reconcile over stored progress records.
type Reconciler struct {
	store    Store
	mirror   RegistrationMirror
	logger   *slog.Logger
	now      func() time.Time
	pageSize int
	limiter  *rate.Limiter
}

// New builds a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, services.Wrap(services.ErrConfiguration, "progress", "init", "progress store is required", nil)
	}
	if opts.Mirror == nil {
		return nil, services.Wrap(services.ErrConfiguration, "progress", "init", "registration mirror is required", nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	r := &Reconciler{
		store:    opts.Store,
		mirror:   opts.Mirror,
		logger:   logging.NewComponentLogger(opts.Logger, "reconciler"),
		now:      now,
		pageSize: pageSize,
	}
	if opts.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return r, nil
}

// Check diagnoses a single record and, when fix is set, repairs it.
func (r *Reconciler) Check(ctx context.Context, key Key, fix bool) ([]Issue, error) {
	rec, err := r.store.GetProgress(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	if rec == nil {
		return nil, services.Wrap(services.ErrNotFound, "progress", "check",
			fmt.Sprintf("no progress for learner %s on package %d", key.LearnerID, key.ContentRef), nil)
	}
	issues, _, err := r.process(ctx, *rec, fix)
	return issues, err
}

// BatchScan walks matching records in key order. Per-record failures are
// logged and counted without aborting; only a failure to list records ends
// the scan early, in which case the partial result is returned with the error.
// LastKey lets a caller resume an interrupted scan.
func (r *Reconciler) BatchScan(ctx context.Context, filter Filter) (ScanResult, error) {
	result := ScanResult{ByKind: map[IssueKind]int{}}
	after := filter.After
	started := r.now()

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		pageSize := r.pageSize
		if filter.Limit > 0 {
			remaining := filter.Limit - result.Count
			if remaining <= 0 {
				break
			}
			pageSize = min(pageSize, remaining)
		}
		page, err := r.store.ListProgress(ctx, ListQuery{
			ContentRef: filter.ContentRef,
			LearnerID:  filter.LearnerID,
			After:      after,
			Limit:      pageSize,
		})
		if err != nil {
			return result, fmt.Errorf("list progress: %w", err)
		}

		for _, rec := range page {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return result, err
				}
			}
			key := rec.Key()
			result.Count++
			result.LastKey = &key

			issues, updated, err := r.process(ctx, rec, filter.Fix)
			result.IssuesFound += len(issues)
			for kind, n := range CountByKind(issues) {
				result.ByKind[kind] += n
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return result, err
				}
				result.Failures++
				logging.WarnWithContext(r.logger, "progress record reconciliation failed", "reconcile_record_failed",
					logging.String(logging.FieldLearnerID, key.LearnerID),
					logging.Int64(logging.FieldContentRef, key.ContentRef),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "re-run diagnose for this record; a concurrent write may have raced the fix"),
					logging.String(logging.FieldImpact, "record left unchanged"),
				)
				continue
			}
			if updated {
				result.Updated++
				if filter.Fix {
					result.IssuesFixed += len(issues)
				}
			}
		}

		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1].Key()
		after = &last
	}

	r.logger.Info("progress scan complete",
		logging.Int("count", result.Count),
		logging.Int("issues_found", result.IssuesFound),
		logging.Int("issues_fixed", result.IssuesFixed),
		logging.Int("failures", result.Failures),
		logging.Bool("fix", filter.Fix),
		logging.Duration("elapsed", r.now().Sub(started)),
		logging.String(logging.FieldEventType, "reconcile_scan_complete"),
	)
	return result, nil
}

func (r *Reconciler) process(ctx context.Context, rec Record, fix bool) ([]Issue, bool, error) {
	key := rec.Key()
	reg, err := r.mirror.GetRegistration(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("get registration: %w", err)
	}
	issues := Diagnose(rec, reg)
	if !fix {
		return issues, false, nil
	}
	repaired := Reconcile(rec, reg, issues, r.now())
	patch := Diff(rec, repaired)
	if patch.Empty() {
		return issues, false, nil
	}
	if err := r.store.UpdateProgress(ctx, key, patch); err != nil {
		return issues, false, fmt.Errorf("update progress: %w", err)
	}
	r.logger.Info("progress record reconciled",
		logging.String(logging.FieldLearnerID, key.LearnerID),
		logging.Int64(logging.FieldContentRef, key.ContentRef),
		logging.Int("issues", len(issues)),
		logging.String(logging.FieldEventType, "reconcile_record_fixed"),
	)
	return issues, true, nil
}
