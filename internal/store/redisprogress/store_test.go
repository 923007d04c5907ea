package redisprogress_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scormsync/internal/logging"
	"scormsync/internal/progress"
	"scormsync/internal/store/redisprogress"
)

func newStore(t *testing.T) (*redisprogress.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := redisprogress.New(client, "", logging.NewNop())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

func TestOpenPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := redisprogress.Open(context.Background(), redisprogress.Config{Addr: mr.Addr()}, logging.NewNop())
	require.NoError(t, err)
	defer st.Close()
	assert.NoError(t, st.HealthCheck(context.Background()))
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := redisprogress.Open(context.Background(), redisprogress.Config{Addr: addr}, logging.NewNop())
	assert.Error(t, err)
}

func TestGetMissingReturnsNil(t *testing.T) {
	st, _ := newStore(t)
	rec, err := st.GetProgress(context.Background(), progress.Key{LearnerID: "nobody", ContentRef: 3})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpsertAndPartialUpdate(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	rec := progress.Record{
		LearnerID:    "learner-1",
		ContentRef:   7,
		LastScore:    decimal.NewNullDecimal(decimal.RequireFromString("88.25")),
		ProgressData: map[string]any{"bookmark": "slide-4"},
		Attempts:     1,
	}
	require.NoError(t, st.UpsertProgress(ctx, rec))

	completed := true
	at := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.UpdateProgress(ctx, rec.Key(), progress.Patch{
		Completed:    &completed,
		CompletedAt:  &at,
		ProgressData: map[string]any{"completion_status": "completed"},
	}))

	got, err := st.GetProgress(ctx, rec.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Completed)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(at))
	assert.True(t, got.LastScore.Valid)
	assert.Equal(t, "88.25", got.LastScore.Decimal.StringFixed(2))
	assert.Equal(t, "slide-4", got.ProgressData["bookmark"])
	assert.Equal(t, "completed", got.ProgressData["completion_status"])
	assert.Equal(t, 1, got.Attempts)
}

func TestUpdateMissingRecordFails(t *testing.T) {
	st, _ := newStore(t)
	completed := true
	err := st.UpdateProgress(context.Background(), progress.Key{LearnerID: "ghost", ContentRef: 1}, progress.Patch{Completed: &completed})
	assert.Error(t, err)
}

func TestListProgressOrderingAndFilters(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	for _, rec := range []progress.Record{
		{LearnerID: "z", ContentRef: 2},
		{LearnerID: "a", ContentRef: 10},
		{LearnerID: "m", ContentRef: 2},
		{LearnerID: "m", ContentRef: 10},
	} {
		require.NoError(t, st.UpsertProgress(ctx, rec))
	}

	all, err := st.ListProgress(ctx, progress.ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Key().Less(all[i].Key()), "records out of order at %d", i)
	}

	page, err := st.ListProgress(ctx, progress.ListQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	last := page[1].Key()
	rest, err := st.ListProgress(ctx, progress.ListQuery{After: &last, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, progress.Key{LearnerID: "a", ContentRef: 10}, rest[0].Key())

	byRef, err := st.ListProgress(ctx, progress.ListQuery{ContentRef: 2})
	require.NoError(t, err)
	assert.Len(t, byRef, 2)

	byLearner, err := st.ListProgress(ctx, progress.ListQuery{LearnerID: "m", Limit: 1})
	require.NoError(t, err)
	require.Len(t, byLearner, 1)
	assert.Equal(t, int64(2), byLearner[0].ContentRef)
}

func TestReconcilerAgainstRedis(t *testing.T) {
	st, _ := newStore(t)
	ctx := context.Background()
	key := progress.Key{LearnerID: "l1", ContentRef: 5}
	require.NoError(t, st.UpsertProgress(ctx, progress.Record{LearnerID: key.LearnerID, ContentRef: key.ContentRef}))

	mirror := mirrorFunc(func(_ context.Context, k progress.Key) (*progress.Registration, error) {
		return &progress.Registration{LearnerID: k.LearnerID, ContentRef: k.ContentRef, CompletionStatus: "completed"}, nil
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, err := progress.New(progress.Options{Store: st, Mirror: mirror, Now: func() time.Time { return now }})
	require.NoError(t, err)

	result, err := r.BatchScan(ctx, progress.Filter{Fix: true})
	require.NoError(t, err)
	assert.Equal(t, 1, result.IssuesFixed)

	got, err := st.GetProgress(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Completed)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(now))
}

type mirrorFunc func(ctx context.Context, key progress.Key) (*progress.Registration, error)

func (f mirrorFunc) GetRegistration(ctx context.Context, key progress.Key) (*progress.Registration, error) {
	return f(ctx, key)
}
