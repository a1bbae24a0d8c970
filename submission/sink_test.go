package submission

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/codejudge/config"
	"github.com/isdmx/codejudge/execution"
)

func openTestSink(t *testing.T) *SQLiteSink {
	t.Helper()
	sink, err := OpenSQLite(context.Background(), "file:"+filepath.Join(t.TempDir(), "submissions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	return sink
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateAndUpdate", func(t *testing.T) {
		sink := openTestSink(t)
		id, err := sink.Create(ctx, "python")
		require.NoError(t, err)

		rec, err := sink.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, execution.VerdictPending, rec.Verdict)
		assert.Equal(t, "python", rec.Language)

		require.NoError(t, sink.Update(ctx, id, execution.VerdictAccepted, 42, 0))
		rec, err = sink.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, execution.VerdictAccepted, rec.Verdict)
		assert.Equal(t, int64(42), rec.RuntimeMs)
		assert.False(t, rec.UpdatedAt.Before(rec.CreatedAt))
	})

	t.Run("UnknownSubmission", func(t *testing.T) {
		sink := openTestSink(t)
		assert.ErrorIs(t, sink.Update(ctx, 999, execution.VerdictAccepted, 1, 0), ErrNotFound)
		_, err := sink.Get(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		sink := openTestSink(t)
		ids := make([]int64, 20)
		for i := range ids {
			id, err := sink.Create(ctx, "go")
			require.NoError(t, err)
			ids[i] = id
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				assert.NoError(t, sink.Update(ctx, id, execution.VerdictWrongAnswer, id, 0))
			}(id)
		}
		wg.Wait()

		for _, id := range ids {
			rec, err := sink.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, execution.VerdictWrongAnswer, rec.Verdict)
			assert.Equal(t, id, rec.RuntimeMs)
		}
	})

	t.Run("ReopenKeepsData", func(t *testing.T) {
		dsn := "file:" + filepath.Join(t.TempDir(), "persist.db")
		sink, err := OpenSQLite(ctx, dsn)
		require.NoError(t, err)
		id, err := sink.Create(ctx, "cpp")
		require.NoError(t, err)
		require.NoError(t, sink.Update(ctx, id, execution.VerdictCompileError, 0, 0))
		require.NoError(t, sink.Close())

		sink, err = OpenSQLite(ctx, dsn)
		require.NoError(t, err)
		defer sink.Close()
		rec, err := sink.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, execution.VerdictCompileError, rec.Verdict)
	})
}

func TestNewSinkFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	sink, err := NewSinkFromConfig(ctx, logger, &config.Config{Submissions: config.SubmissionsConfig{Driver: "none"}})
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, sink)
	assert.NoError(t, sink.Update(ctx, 1, execution.VerdictSystemError, 0, 0))

	cfg := &config.Config{Submissions: config.SubmissionsConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "cfg.db"),
	}}
	sink, err = NewSinkFromConfig(ctx, logger, cfg)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteSink{}, sink)
	require.NoError(t, sink.Close())

	_, err = NewSinkFromConfig(ctx, logger, &config.Config{Submissions: config.SubmissionsConfig{Driver: "mysql"}})
	assert.Error(t, err)
}
