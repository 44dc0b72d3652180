// Package checkpoint persists the progress of an export so an interrupted
// run can resume where it stopped.
package checkpoint

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/tonexporter/pkg/persist"
)

// StatusBasename is the checkpoint file name without extension.
const StatusBasename = "status"

// DefaultSaveAttempts bounds retries of a failed save.
const DefaultSaveAttempts = 3

// ErrInvalidStatus is returned when status.json fails schema validation.
var ErrInvalidStatus = errors.New("invalid status file")

//go:embed status.schema.json
var statusSchema string

var schemaLoader = gojsonschema.NewStringLoader(statusSchema)

// Store reads and writes the checkpoint file of one status directory.
type Store struct {
	Dir          string
	SaveAttempts uint
	Logger       *slog.Logger

	persister *persist.Persister[State]
	now       func() time.Time
	mu        sync.Mutex
}

// NewStore creates a store for status.json inside dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Store{
		Dir:          dir,
		SaveAttempts: DefaultSaveAttempts,
		Logger:       logger,
		persister:    persist.NewPersister[State](StatusBasename, persist.NewJSONCodec()).WithValidator(validateStatus),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string {
	return s.persister.Path(s.Dir)
}

// Exists reports whether a checkpoint file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.Path())

	return err == nil
}

// Create starts a fresh checkpoint. It is not written until Save.
func (s *Store) Create(total uint64, kind Kind, target string, deserialize bool, parallelism uint32) *Checkpoint {
	now := s.now()

	st := State{
		ExportID:      uuid.NewString(),
		StartTime:     now,
		LastUpdate:    now,
		TotalPackages: total,
		ExportKind:    kind,
		Deserialize:   deserialize,
		Parallelism:   parallelism,
	}

	if kind == KindFile {
		st.OutputTarget = &target
	}

	return newCheckpoint(st, s.now)
}

// Load reads the checkpoint. It returns nil and no error when the file
// does not exist.
func (s *Store) Load() (*Checkpoint, error) {
	var cp *Checkpoint

	err := s.persister.Load(s.Dir, func(st *State) {
		cp = newCheckpoint(*st, s.now)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", s.Path(), err)
	}

	return cp, nil
}

// Save writes a snapshot of cp. Failed writes are retried with
// exponential backoff. Concurrent calls are serialized so a newer
// snapshot is never replaced by an older one.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := cp.Snapshot()
	st.LastUpdate = s.now()

	attempts := s.SaveAttempts
	if attempts == 0 {
		attempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		saveErr := s.persister.Save(s.Dir, func() *State { return &st })
		if saveErr != nil {
			s.Logger.WarnContext(ctx, "checkpoint: save failed", "path", s.Path(), "error", saveErr)
		}

		return struct{}{}, saveErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(attempts))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	return nil
}

// Delete removes the checkpoint file.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.persister.Remove(s.Dir)
}

func validateStatus(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidStatus, err)
	}

	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}

	return fmt.Errorf("%w: %s", ErrInvalidStatus, strings.Join(msgs, "; "))
}
