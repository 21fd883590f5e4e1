package tasks

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := NewSQLiteStore(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	bo, err := NewBoltStore(filepath.Join(dir, "tasks.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sq.Close()
		_ = bo.Close()
	})
	return map[string]Store{"sqlite": sq, "bolt": bo}
}

func newTask(id string) *Task {
	return &Task{
		ID:               id,
		Status:           StatusPending,
		SourceFormat:     "pdf",
		Family:           "layout",
		OriginalFilename: "report.pdf",
		InputPath:        "/data/uploads/" + id + "/report.pdf",
		FileHash:         "hash-" + id,
		CallbackURL:      "http://example.com/cb",
	}
}

func TestStore_Lifecycle(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			task := newTask("t-1")
			require.NoError(t, store.CreateTask(task))

			got, err := store.GetTask("t-1")
			require.NoError(t, err)
			assert.Equal(t, StatusPending, got.Status)
			assert.Nil(t, got.Result)
			assert.Nil(t, got.Error)
			assert.Equal(t, "http://example.com/cb", got.CallbackURL)

			claimed, err := store.Claim("t-1")
			require.NoError(t, err)
			assert.Equal(t, StatusProcessing, claimed.Status)
			assert.False(t, claimed.UpdatedAt.Before(got.UpdatedAt))

			res := Result{ArchivePath: "/a.zip", ImageCount: 2, ImageLocation: ImagesLocal}
			require.NoError(t, store.Complete("t-1", res))

			done, err := store.GetTask("t-1")
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			require.NotNil(t, done.Result)
			assert.Equal(t, res.ArchivePath, done.Result.ArchivePath)
			assert.Equal(t, 2, done.Result.ImageCount)
			assert.Equal(t, ImagesLocal, done.Result.ImageLocation)
			assert.Nil(t, done.Error)
		})
	}
}

func TestStore_TerminalStatesAreFinal(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(newTask("t-2")))

			// Cannot finish a task nobody claimed.
			assert.ErrorIs(t, store.Complete("t-2", Result{}), ErrInvalidTransition)
			assert.ErrorIs(t, store.Fail("t-2", TaskError{Kind: KindInternalFault}), ErrInvalidTransition)

			_, err := store.Claim("t-2")
			require.NoError(t, err)
			require.NoError(t, store.Fail("t-2", TaskError{Kind: KindConverterTimeout, Message: "took too long"}))

			assert.ErrorIs(t, store.Complete("t-2", Result{ArchivePath: "x"}), ErrInvalidTransition)
			assert.ErrorIs(t, store.Fail("t-2", TaskError{Kind: KindInternalFault}), ErrInvalidTransition)
			_, err = store.Claim("t-2")
			assert.ErrorIs(t, err, ErrInvalidTransition)

			got, err := store.GetTask("t-2")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			require.NotNil(t, got.Error)
			assert.Equal(t, KindConverterTimeout, got.Error.Kind)
			assert.Equal(t, "took too long", got.Error.Message)
			assert.Nil(t, got.Result)
		})
	}
}

func TestStore_CreateRequiresPending(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			task := newTask("t-x")
			task.Status = StatusCompleted
			assert.ErrorIs(t, store.CreateTask(task), ErrInvalidTransition)
			assert.Error(t, store.CreateTask(&Task{Status: StatusPending}))
		})
	}
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(newTask("t-race")))

			const contenders = 8
			var wins, losses int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < contenders; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := store.Claim("t-race")
					switch {
					case err == nil:
						atomic.AddInt32(&wins, 1)
					case errors.Is(err, ErrInvalidTransition):
						atomic.AddInt32(&losses, 1)
					default:
						t.Errorf("unexpected claim error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()
			assert.EqualValues(t, 1, wins)
			assert.EqualValues(t, contenders-1, losses)
		})
	}
}

func TestStore_ExpireLeavesTombstone(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.CreateTask(newTask("t-3")))

			// Non-terminal tasks cannot be expired.
			assert.ErrorIs(t, store.Expire("t-3"), ErrInvalidTransition)

			_, err := store.Claim("t-3")
			require.NoError(t, err)
			require.NoError(t, store.Complete("t-3", Result{ArchivePath: "/a.zip", ImageLocation: ImagesLocal}))
			require.NoError(t, store.Expire("t-3"))

			_, err = store.GetTask("t-3")
			assert.ErrorIs(t, err, ErrExpired)
			_, err = store.GetTask("never-existed")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, store.Expire("never-existed"), ErrNotFound)

			st, err := store.Stats()
			require.NoError(t, err)
			assert.Equal(t, 1, st.Expired)
			assert.Equal(t, 0, st.Completed)

			n, err := store.PurgeTombstones(time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			_, err = store.GetTask("t-3")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ListingAndCutoffs(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 4; i++ {
				require.NoError(t, store.CreateTask(newTask(fmt.Sprintf("t-%d", i))))
			}
			_, err := store.Claim("t-0")
			require.NoError(t, err)
			require.NoError(t, store.Complete("t-0", Result{ArchivePath: "/0.zip", ImageLocation: ImagesLocal}))
			_, err = store.Claim("t-1")
			require.NoError(t, err)
			_, err = store.Claim("t-2")
			require.NoError(t, err)
			require.NoError(t, store.Fail("t-2", TaskError{Kind: KindConverterFault, Message: "bad"}))

			pending, err := store.ListTasks(Filter{Status: StatusPending})
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "t-3", pending[0].ID)

			all, err := store.ListTasks(Filter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			future := time.Now().Add(time.Minute)
			terminal, err := store.ListTerminalBefore(future)
			require.NoError(t, err)
			ids := []string{}
			for _, task := range terminal {
				ids = append(ids, task.ID)
			}
			assert.ElementsMatch(t, []string{"t-0", "t-2"}, ids)

			terminal, err = store.ListTerminalBefore(time.Now().Add(-time.Minute))
			require.NoError(t, err)
			assert.Empty(t, terminal)

			stale, err := store.ListStaleProcessing(future)
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, "t-1", stale[0].ID)

			st, err := store.Stats()
			require.NoError(t, err)
			assert.Equal(t, Stats{Pending: 1, Processing: 1, Completed: 1, Failed: 1}, st)

			hit, err := store.FindCompletedByHash("hash-t-0")
			require.NoError(t, err)
			assert.Equal(t, "t-0", hit.ID)
			_, err = store.FindCompletedByHash("hash-t-2")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Ping())
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus("completed")
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, st)
	_, ok = ParseStatus("EXPIRED")
	assert.False(t, ok)
}
