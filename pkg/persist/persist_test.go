package persist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// persisterState is a struct for persister testing.
type persisterState struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

func TestPersister_SaveLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	p := NewPersister[persisterState]("mystate", NewJSONCodec())

	original := persisterState{Label: "hello", Value: 42}

	err := p.Save(dir, func() *persisterState { return &original })
	require.NoError(t, err)

	var restored persisterState

	err = p.Load(dir, func(s *persisterState) { restored = *s })
	require.NoError(t, err)

	assert.Equal(t, original, restored)

	data, err := os.ReadFile(p.Path(dir))
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"label\": \"hello\"")
}

func TestPersister_LoadMissingFile(t *testing.T) {
	t.Parallel()

	p := NewPersister[persisterState]("missing", NewJSONCodec())

	err := p.Load(t.TempDir(), func(_ *persisterState) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPersister_ValidatorRejects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	errInvalid := errors.New("invalid")

	p := NewPersister[persisterState]("state", NewJSONCodec()).
		WithValidator(func(data []byte) error {
			if strings.Contains(string(data), "bad") {
				return errInvalid
			}

			return nil
		})

	require.NoError(t, p.Save(dir, func() *persisterState { return &persisterState{Label: "bad"} }))

	err := p.Load(dir, func(*persisterState) { t.Fatal("restore must not run") })
	require.ErrorIs(t, err, errInvalid)
}

func TestPersister_Remove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := NewPersister[persisterState]("state", NewJSONCodec())

	require.NoError(t, p.Remove(dir))
	require.NoError(t, p.Save(dir, func() *persisterState { return &persisterState{} }))
	require.NoError(t, p.Remove(dir))

	_, err := os.Stat(p.Path(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	for i := range 3 {
		require.NoError(t, WriteAtomic(path, NewJSONCodec(), persisterState{Value: i}))
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())

	var restored persisterState

	p := NewPersister[persisterState]("state", NewJSONCodec())
	require.NoError(t, p.Load(filepath.Dir(path), func(s *persisterState) { restored = *s }))
	assert.Equal(t, 2, restored.Value)
}

func TestJSONCodec_StrictRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	var s persisterState

	err := (&JSONCodec{Strict: true}).Decode(strings.NewReader(`{"label":"x","extra":1}`), &s)
	require.Error(t, err)

	err = NewJSONCodec().Decode(strings.NewReader(`{"label":"x","extra":1}`), &s)
	require.NoError(t, err)
	assert.Equal(t, "x", s.Label)
}

func TestPersister_SaveInvalidDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	p := NewPersister[persisterState]("state", NewJSONCodec())

	err := p.Save(filepath.Join(file, "sub"), func() *persisterState { return &persisterState{} })
	require.Error(t, err)
}
