package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tonexporter/pkg/checkpoint"
)

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)

	cp, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.False(t, store.Exists())
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)

	cp := store.Create(3, checkpoint.KindFile, "/tmp/out.txt", true, 4)
	assert.True(t, cp.MarkProcessed("arch0000/b", 5, 1, 0))
	assert.True(t, cp.MarkProcessed("arch0000/a", 8, 0, 2))

	require.NoError(t, store.Save(context.Background(), cp))
	assert.True(t, store.Exists())
	assert.Equal(t, filepath.Join(store.Dir, "status.json"), store.Path())

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)

	got := loaded.Snapshot()
	want := cp.Snapshot()

	assert.Equal(t, want.ExportID, got.ExportID)
	assert.True(t, want.StartTime.Equal(got.StartTime))
	assert.Equal(t, []string{"arch0000/a", "arch0000/b"}, got.ProcessedPackageKeys)
	assert.Equal(t, uint64(2), got.ProcessedCount)
	assert.Equal(t, uint64(13), got.ParsedCount)
	assert.Equal(t, uint64(1), got.NonRecordCount)
	assert.Equal(t, uint64(2), got.ErrorCount)
	assert.Equal(t, uint64(3), got.TotalPackages)
	assert.Equal(t, checkpoint.KindFile, got.ExportKind)
	require.NotNil(t, got.OutputTarget)
	assert.Equal(t, "/tmp/out.txt", *got.OutputTarget)
	assert.True(t, got.Deserialize)
	assert.Equal(t, uint32(4), got.Parallelism)
	assert.False(t, got.Completed)

	assert.True(t, loaded.IsProcessed("arch0000/a"))
	assert.False(t, loaded.IsProcessed("arch0000/c"))
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)
	cp := store.Create(1, checkpoint.KindStdout, "", false, 1)
	cp.MarkProcessed("k", 1, 0, 0)

	require.NoError(t, store.Save(context.Background(), cp))

	first, err := store.Load()
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), cp))

	second, err := store.Load()
	require.NoError(t, err)

	a, b := first.Snapshot(), second.Snapshot()

	assert.Equal(t, a.ProcessedPackageKeys, b.ProcessedPackageKeys)
	assert.Equal(t, a.ParsedCount, b.ParsedCount)
	assert.Equal(t, a.ExportID, b.ExportID)
	assert.Nil(t, b.OutputTarget)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)
	cp := store.Create(1, checkpoint.KindObjects, "", false, 1)

	require.NoError(t, store.Save(context.Background(), cp))
	require.NoError(t, store.Delete())
	assert.False(t, store.Exists())

	// Deleting twice is fine.
	require.NoError(t, store.Delete())
}

func TestStore_LoadRejectsInvalidStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := checkpoint.NewStore(dir, nil)

	require.NoError(t, os.WriteFile(store.Path(), []byte(`{"exportId": "x", "exportKind": "FTP"}`), 0o600))

	cp, err := store.Load()
	require.ErrorIs(t, err, checkpoint.ErrInvalidStatus)
	assert.Nil(t, cp)
}

func TestStore_LoadRejectsGarbage(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)

	require.NoError(t, os.WriteFile(store.Path(), []byte("not json"), 0o600))

	_, err := store.Load()
	require.Error(t, err)
}

func TestStore_SaveFailsWhenDirIsFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	store := checkpoint.NewStore(file, nil)
	store.SaveAttempts = 1

	err := store.Save(context.Background(), store.Create(1, checkpoint.KindStdout, "", false, 1))
	require.Error(t, err)
}

func TestCheckpoint_MarkProcessedOnce(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewStore(t.TempDir(), nil).Create(2, checkpoint.KindObjects, "", false, 2)

	assert.True(t, cp.MarkProcessed("a", 3, 1, 1))
	assert.False(t, cp.MarkProcessed("a", 3, 1, 1))

	s := cp.Snapshot()
	assert.Equal(t, uint64(1), s.ProcessedCount)
	assert.Equal(t, uint64(3), s.ParsedCount)
	assert.False(t, cp.AllProcessed())

	cp.MarkProcessed("b", 0, 0, 0)
	assert.True(t, cp.AllProcessed())
}

func TestCheckpoint_RetainProcessedDropsUnknownKeys(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewStore(t.TempDir(), nil).Create(3, checkpoint.KindObjects, "", false, 2)
	cp.MarkProcessed("a", 1, 0, 0)
	cp.MarkProcessed("b", 1, 0, 0)
	cp.MarkProcessed("gone", 1, 0, 0)

	dropped := cp.RetainProcessed(func(key string) bool { return key != "gone" })

	assert.Equal(t, 1, dropped)
	assert.Equal(t, uint64(2), cp.ProcessedCount())
	assert.False(t, cp.IsProcessed("gone"))
	assert.Equal(t, []string{"a", "b"}, cp.Snapshot().ProcessedPackageKeys)
	assert.False(t, cp.AllProcessed())

	cp.SetTotalPackages(2)
	assert.True(t, cp.AllProcessed())
}

func TestCheckpoint_AllProcessedNeedsExactTotal(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewStore(t.TempDir(), nil).Create(1, checkpoint.KindObjects, "", false, 1)
	cp.MarkProcessed("a", 0, 0, 0)
	cp.MarkProcessed("b", 0, 0, 0)

	assert.False(t, cp.AllProcessed())
}

func TestCheckpoint_ConcurrentMarks(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewStore(t.TempDir(), nil).Create(100, checkpoint.KindObjects, "", false, 8)

	var wg sync.WaitGroup

	for i := range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			cp.MarkProcessed(string(rune('A'+i%50))+"/pkg", 1, 0, 0)
		}()
	}

	wg.Wait()

	assert.Equal(t, uint64(50), cp.ProcessedCount())
	assert.Equal(t, uint64(50), cp.Snapshot().ParsedCount)
}

func TestCheckpoint_Compatible(t *testing.T) {
	t.Parallel()

	store := checkpoint.NewStore(t.TempDir(), nil)

	tests := []struct {
		name        string
		kind        checkpoint.Kind
		target      string
		deserialize bool
		parallelism uint32
		wantErr     error
	}{
		{"same", checkpoint.KindFile, "out.txt", true, 4, nil},
		{"kind", checkpoint.KindStdout, "out.txt", true, 4, checkpoint.ErrKindMismatch},
		{"target", checkpoint.KindFile, "other.txt", true, 4, checkpoint.ErrTargetMismatch},
		{"deserialize", checkpoint.KindFile, "out.txt", false, 4, checkpoint.ErrDeserializeMismatch},
		{"parallelism", checkpoint.KindFile, "out.txt", true, 2, checkpoint.ErrParallelismMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cp := store.Create(1, checkpoint.KindFile, "out.txt", true, 4)

			err := cp.Compatible(tt.kind, tt.target, tt.deserialize, tt.parallelism)
			if tt.wantErr == nil {
				require.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCheckpoint_CompletedIsNotResumable(t *testing.T) {
	t.Parallel()

	cp := checkpoint.NewStore(t.TempDir(), nil).Create(0, checkpoint.KindStdout, "", false, 1)
	cp.MarkCompleted()

	require.ErrorIs(t, cp.Compatible(checkpoint.KindStdout, "", false, 1), checkpoint.ErrAlreadyCompleted)
	assert.True(t, cp.Snapshot().Completed)
}
