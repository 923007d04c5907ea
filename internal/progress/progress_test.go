package progress_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scormsync/internal/logging"
	"scormsync/internal/progress"
)

var fixedNow = time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)

func TestDiagnoseCompletedMismatch(t *testing.T) {
	rec := progress.Record{LearnerID: "l1", ContentRef: 1}
	reg := &progress.Registration{CompletionStatus: "passed"}

	issues := progress.Diagnose(rec, reg)
	require.Len(t, issues, 1)
	assert.Equal(t, progress.CompletedMismatch, issues[0].Kind)

	fixed := progress.Reconcile(rec, reg, issues, fixedNow)
	assert.True(t, fixed.Completed)
	require.NotNil(t, fixed.CompletedAt)
	assert.True(t, fixed.CompletedAt.Equal(fixedNow))
	assert.Equal(t, progress.MethodRegistrationSync, fixed.CompletionMethod)
	assert.Equal(t, "passed", fixed.ProgressData["completion_status"])
	assert.Empty(t, progress.Diagnose(fixed, reg))
	assert.False(t, rec.Completed, "input record must not be mutated")
}

func TestDiagnoseKinds(t *testing.T) {
	completedAt := fixedNow.Add(-time.Hour)
	cases := []struct {
		name string
		rec  progress.Record
		reg  *progress.Registration
		want []progress.IssueKind
	}{
		{
			name: "consistent",
			rec:  progress.Record{Completed: true, CompletedAt: &completedAt},
			reg:  &progress.Registration{CompletionStatus: "completed"},
		},
		{
			name: "incomplete registration",
			rec:  progress.Record{},
			reg:  &progress.Registration{CompletionStatus: "incomplete", SuccessStatus: "unknown"},
		},
		{
			name: "success status counts",
			rec:  progress.Record{},
			reg:  &progress.Registration{CompletionStatus: "incomplete", SuccessStatus: "PASSED"},
			want: []progress.IssueKind{progress.CompletedMismatch},
		},
		{
			name: "data field",
			rec:  progress.Record{ProgressData: map[string]any{"cmi.core.lesson_status": "completed"}},
			want: []progress.IssueKind{progress.DataFieldMismatch},
		},
		{
			name: "both",
			rec:  progress.Record{ProgressData: map[string]any{"cmi.success_status": "passed"}},
			reg:  &progress.Registration{CompletionStatus: "completed"},
			want: []progress.IssueKind{progress.CompletedMismatch, progress.DataFieldMismatch},
		},
		{
			name: "missing timestamp",
			rec:  progress.Record{Completed: true},
			want: []progress.IssueKind{progress.MissingTimestamp},
		},
		{
			name: "non-string data field ignored",
			rec:  progress.Record{ProgressData: map[string]any{"lesson_status": 1}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, kinds(progress.Diagnose(tc.rec, tc.reg)))
		})
	}
}

func kinds(issues []progress.Issue) []progress.IssueKind {
	var out []progress.IssueKind
	for _, issue := range issues {
		out = append(out, issue.Kind)
	}
	return out
}

func TestReconcileIsMonotonic(t *testing.T) {
	earlier := fixedNow.Add(-48 * time.Hour)
	rec := progress.Record{
		Completed:        true,
		CompletionMethod: "manual",
		CompletedAt:      &earlier,
		LastScore:        decimal.NewNullDecimal(decimal.RequireFromString("91.50")),
		ProgressData:     map[string]any{"completion_status": "completed", "raw": 10},
	}
	reg := &progress.Registration{CompletionStatus: "incomplete"}

	issues := []progress.Issue{{Kind: progress.CompletedMismatch}, {Kind: progress.MissingTimestamp}}
	out := progress.Reconcile(rec, reg, issues, fixedNow)

	assert.True(t, out.Completed)
	assert.Equal(t, "manual", out.CompletionMethod)
	assert.True(t, out.CompletedAt.Equal(earlier))
	assert.Equal(t, "91.5", out.LastScore.Decimal.String())
	assert.Equal(t, "completed", out.ProgressData["completion_status"])
	assert.True(t, progress.Diff(rec, out).Empty())
}

func TestReconcileBackfillsScoreFromPayload(t *testing.T) {
	rec := progress.Record{
		ProgressData: map[string]any{"cmi.core.lesson_status": "passed", "cmi.core.score.raw": "87.456"},
	}
	issues := progress.Diagnose(rec, nil)
	out := progress.Reconcile(rec, nil, issues, fixedNow)

	assert.True(t, out.Completed)
	assert.Equal(t, progress.MethodDataFieldSync, out.CompletionMethod)
	require.True(t, out.LastScore.Valid)
	assert.Equal(t, "87.46", out.LastScore.Decimal.StringFixed(2))

	patch := progress.Diff(rec, out)
	require.NotNil(t, patch.Completed)
	require.NotNil(t, patch.CompletedAt)
	require.NotNil(t, patch.LastScore)
	assert.Nil(t, patch.Attempts)
	assert.Empty(t, patch.ProgressData)
}

func TestPatchApply(t *testing.T) {
	completed := true
	score := decimal.RequireFromString("12.00")
	rec := progress.Record{ProgressData: map[string]any{"a": "1"}}
	out := progress.Patch{
		Completed:    &completed,
		LastScore:    &score,
		ProgressData: map[string]any{"b": "2"},
	}.Apply(rec)

	assert.True(t, out.Completed)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, out.ProgressData)
	assert.Equal(t, map[string]any{"a": "1"}, rec.ProgressData)
	assert.True(t, out.LastScore.Valid)
}

// memStore is an in-memory Store and RegistrationMirror.
type memStore struct {
	mu            sync.Mutex
	records       map[progress.Key]progress.Record
	registrations map[progress.Key]progress.Registration
	failUpdate    map[progress.Key]error
	updates       int
}

func newMemStore() *memStore {
	return &memStore{
		records:       map[progress.Key]progress.Record{},
		registrations: map[progress.Key]progress.Registration{},
		failUpdate:    map[progress.Key]error{},
	}
}

func (m *memStore) put(rec progress.Record, reg *progress.Registration) {
	m.records[rec.Key()] = rec
	if reg != nil {
		m.registrations[rec.Key()] = *reg
	}
}

func (m *memStore) ListProgress(_ context.Context, q progress.ListQuery) ([]progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []progress.Record
	for key, rec := range m.records {
		if q.ContentRef != 0 && key.ContentRef != q.ContentRef {
			continue
		}
		if q.LearnerID != "" && key.LearnerID != q.LearnerID {
			continue
		}
		if q.After != nil && !q.After.Less(key) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) GetProgress(_ context.Context, key progress.Key) (*progress.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	clone := rec.Clone()
	return &clone, nil
}

func (m *memStore) UpdateProgress(_ context.Context, key progress.Key, patch progress.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failUpdate[key]; err != nil {
		return err
	}
	m.records[key] = patch.Apply(m.records[key])
	m.updates++
	return nil
}

func (m *memStore) GetRegistration(_ context.Context, key progress.Key) (*progress.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[key]
	if !ok {
		return nil, nil
	}
	return &reg, nil
}

func newReconciler(t *testing.T, store *memStore, pageSize int) *progress.Reconciler {
	t.Helper()
	r, err := progress.New(progress.Options{
		Store:    store,
		Mirror:   store,
		Logger:   logging.NewNop(),
		Now:      func() time.Time { return fixedNow },
		PageSize: pageSize,
	})
	require.NoError(t, err)
	return r
}

func seed(store *memStore) {
	store.put(progress.Record{LearnerID: "a", ContentRef: 1}, &progress.Registration{CompletionStatus: "completed"})
	store.put(progress.Record{LearnerID: "b", ContentRef: 1}, &progress.Registration{CompletionStatus: "incomplete"})
	store.put(progress.Record{LearnerID: "c", ContentRef: 1, Completed: true}, nil)
	store.put(progress.Record{LearnerID: "a", ContentRef: 2,
		ProgressData: map[string]any{"lesson_status": "passed"}}, nil)
	store.put(progress.Record{LearnerID: "b", ContentRef: 2}, nil)
}

func TestBatchScanReportOnly(t *testing.T) {
	store := newMemStore()
	seed(store)
	r := newReconciler(t, store, 2)

	result, err := r.BatchScan(context.Background(), progress.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Equal(t, 3, result.IssuesFound)
	assert.Equal(t, 0, result.IssuesFixed)
	assert.Equal(t, 0, store.updates)
	assert.Equal(t, map[progress.IssueKind]int{
		progress.CompletedMismatch: 1,
		progress.MissingTimestamp:  1,
		progress.DataFieldMismatch: 1,
	}, result.ByKind)
}

func TestBatchScanFixesAndFiltersByContentRef(t *testing.T) {
	store := newMemStore()
	seed(store)
	r := newReconciler(t, store, 1)

	result, err := r.BatchScan(context.Background(), progress.Filter{ContentRef: 1, Fix: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Count)
	assert.Equal(t, 2, result.IssuesFound)
	assert.Equal(t, 2, result.IssuesFixed)
	assert.Equal(t, 2, store.updates)

	fixed, _ := store.GetProgress(context.Background(), progress.Key{LearnerID: "a", ContentRef: 1})
	assert.True(t, fixed.Completed)
	assert.NotNil(t, fixed.CompletedAt)

	again, err := r.BatchScan(context.Background(), progress.Filter{ContentRef: 1, Fix: true})
	require.NoError(t, err)
	assert.Equal(t, 0, again.IssuesFound)
}

func TestBatchScanCountsFailuresWithoutAborting(t *testing.T) {
	store := newMemStore()
	seed(store)
	store.failUpdate[progress.Key{LearnerID: "a", ContentRef: 1}] = errors.New("database is locked")
	r := newReconciler(t, store, 10)

	result, err := r.BatchScan(context.Background(), progress.Filter{Fix: true})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Count)
	assert.Equal(t, 1, result.Failures)
	assert.Equal(t, 2, result.IssuesFixed)
}

func TestBatchScanLimitAndResume(t *testing.T) {
	store := newMemStore()
	seed(store)
	r := newReconciler(t, store, 10)

	first, err := r.BatchScan(context.Background(), progress.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Count)
	require.NotNil(t, first.LastKey)
	assert.Equal(t, progress.Key{LearnerID: "b", ContentRef: 1}, *first.LastKey)

	rest, err := r.BatchScan(context.Background(), progress.Filter{After: first.LastKey})
	require.NoError(t, err)
	assert.Equal(t, 3, rest.Count)
}

func TestCheckMissingRecord(t *testing.T) {
	r := newReconciler(t, newMemStore(), 10)
	_, err := r.Check(context.Background(), progress.Key{LearnerID: "x", ContentRef: 9}, false)
	require.Error(t, err)
}

func TestNewRequiresBackends(t *testing.T) {
	_, err := progress.New(progress.Options{})
	require.Error(t, err)
}
