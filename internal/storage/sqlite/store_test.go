package sqlite

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remi71350-droid/perception-lab/internal/evaluation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "eval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, s.MigrateUp())
}

func TestEvaluationStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewEvaluationStore(openTestStore(t))

	res := &evaluation.Result{
		Dataset: "data/coco.json",
		Tasks:   []evaluation.Task{evaluation.TaskDetection, evaluation.TaskOCR},
		Metrics: map[evaluation.Task]map[string]float64{
			evaluation.TaskDetection: {"map50": 0.5, "mean_iou": 0.8},
			evaluation.TaskOCR:       {"acc": 0},
		},
		CM: &evaluation.ConfusionMatrix{Labels: []string{"car", "background"}, Matrix: [][]int{{1, 1}, {0, 0}}},
	}
	e := FromResult("run-1", res)
	require.NoError(t, store.Insert(e))
	assert.NotEmpty(t, e.EvaluationID)
	assert.NotZero(t, e.CreatedAt)

	got, err := store.Get(e.EvaluationID)
	require.NoError(t, err)
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(res, got.Result()); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestEvaluationStoreWithoutConfusionMatrix(t *testing.T) {
	t.Parallel()
	store := NewEvaluationStore(openTestStore(t))
	e := &Evaluation{
		Dataset: "d.json",
		Tasks:   []evaluation.Task{evaluation.TaskSegmentation},
		Metrics: map[evaluation.Task]map[string]float64{evaluation.TaskSegmentation: {"miou": 0}},
	}
	require.NoError(t, store.Insert(e))
	got, err := store.Get(e.EvaluationID)
	require.NoError(t, err)
	assert.Nil(t, got.CM)
	assert.Empty(t, got.RunID)
}

func TestEvaluationStoreGetMissing(t *testing.T) {
	t.Parallel()
	store := NewEvaluationStore(openTestStore(t))
	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluationStoreListByRun(t *testing.T) {
	t.Parallel()
	store := NewEvaluationStore(openTestStore(t))
	for i, run := range []string{"a", "b", "a"} {
		require.NoError(t, store.Insert(&Evaluation{
			RunID:     run,
			Dataset:   "d.json",
			Tasks:     []evaluation.Task{evaluation.TaskDetection},
			Metrics:   map[evaluation.Task]map[string]float64{evaluation.TaskDetection: {"map50": float64(i)}},
			CreatedAt: int64(100 + i),
		}))
	}

	got, err := store.ListByRun("a")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(102), got[0].CreatedAt)
	assert.Equal(t, int64(100), got[1].CreatedAt)

	none, err := store.ListByRun("zzz")
	require.NoError(t, err)
	assert.Empty(t, none)

	recent, err := store.ListRecent(2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	require.NoError(t, NewEvaluationStore(s).Insert(&Evaluation{
		Dataset: "d.json",
		Tasks:   []evaluation.Task{evaluation.TaskOCR},
		Metrics: map[evaluation.Task]map[string]float64{evaluation.TaskOCR: {"acc": 0}},
	}))

	mux := http.NewServeMux()
	require.NoError(t, s.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/evaluations", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	// tsweb may refuse non-tailnet callers; the route must exist either way.
	assert.NotEqual(t, http.StatusNotFound, rec.Code)
	if rec.Code == http.StatusOK {
		assert.Contains(t, rec.Body.String(), `"dataset":"d.json"`)
	}
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return busy
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	other := errors.New("constraint failed")
	err = retryOnBusy(func() error { calls++; return other })
	assert.Equal(t, other, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = retryOnBusy(func() error { calls++; return busy })
	assert.Equal(t, busy, err)
	assert.Equal(t, busyRetries, calls)

	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
}
