package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kind is the sink an export writes to.
type Kind string

// Export kinds.
const (
	KindFile    Kind = "FILE"
	KindStdout  Kind = "STDOUT"
	KindObjects Kind = "OBJECTS"
)

// Sentinel errors for resume compatibility.
var (
	ErrKindMismatch        = errors.New("export kind mismatch")
	ErrTargetMismatch      = errors.New("output target mismatch")
	ErrDeserializeMismatch = errors.New("deserialize mode mismatch")
	ErrParallelismMismatch = errors.New("parallelism mismatch")
	ErrAlreadyCompleted    = errors.New("export already completed")
)

// State is the persisted form of a checkpoint (status.json).
type State struct {
	ExportID             string    `json:"exportId"`
	StartTime            time.Time `json:"startTime"`
	LastUpdate           time.Time `json:"lastUpdate"`
	TotalPackages        uint64    `json:"totalPackages"`
	ProcessedPackageKeys []string  `json:"processedPackageKeys"`
	ProcessedCount       uint64    `json:"processedCount"`
	ParsedCount          uint64    `json:"parsedCount"`
	NonRecordCount       uint64    `json:"nonRecordCount"`
	ErrorCount           uint64    `json:"errorCount"`
	ExportKind           Kind      `json:"exportKind"`
	OutputTarget         *string   `json:"outputTarget"`
	Deserialize          bool      `json:"deserialize"`
	Parallelism          uint32    `json:"parallelism"`
	Completed            bool      `json:"completed"`
}

// Checkpoint is the in-memory, concurrency-safe progress of one export.
type Checkpoint struct {
	mu        sync.Mutex
	state     State
	processed map[string]struct{}
	now       func() time.Time
}

func newCheckpoint(s State, now func() time.Time) *Checkpoint {
	cp := &Checkpoint{
		state:     s,
		processed: make(map[string]struct{}, len(s.ProcessedPackageKeys)),
		now:       now,
	}

	for _, key := range s.ProcessedPackageKeys {
		cp.processed[key] = struct{}{}
	}

	cp.state.ProcessedPackageKeys = nil
	cp.state.ProcessedCount = uint64(len(cp.processed))

	return cp
}

// IsProcessed reports whether key was already marked.
func (c *Checkpoint) IsProcessed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.processed[key]

	return ok
}

// MarkProcessed records a finished package and adds its counts. A key is
// recorded at most once; a repeated call returns false and changes nothing.
func (c *Checkpoint) MarkProcessed(key string, parsed, nonRecords, errs uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.processed[key]; ok {
		return false
	}

	c.processed[key] = struct{}{}
	c.state.ProcessedCount = uint64(len(c.processed))
	c.state.ParsedCount += parsed
	c.state.NonRecordCount += nonRecords
	c.state.ErrorCount += errs
	c.state.LastUpdate = c.now()

	return true
}

// SetTotalPackages updates the package total when the catalog changed.
func (c *Checkpoint) SetTotalPackages(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.TotalPackages = n
}

// MarkCompleted sets the completed flag.
func (c *Checkpoint) MarkCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Completed = true
	c.state.LastUpdate = c.now()
}

// AllProcessed reports whether every package of the catalog was marked.
func (c *Checkpoint) AllProcessed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.ProcessedCount == c.state.TotalPackages
}

// RetainProcessed drops processed keys for which keep returns false and
// returns how many were dropped. Record counts are left as they are since
// the lines of dropped packages were already written.
func (c *Checkpoint) RetainProcessed(keep func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0

	for key := range c.processed {
		if !keep(key) {
			delete(c.processed, key)
			dropped++
		}
	}

	if dropped > 0 {
		c.state.ProcessedCount = uint64(len(c.processed))
		c.state.LastUpdate = c.now()
	}

	return dropped
}

// ProcessedCount returns the number of processed packages.
func (c *Checkpoint) ProcessedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.ProcessedCount
}

// Snapshot returns a copy of the state with sorted processed keys.
func (c *Checkpoint) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state

	s.ProcessedPackageKeys = make([]string, 0, len(c.processed))
	for key := range c.processed {
		s.ProcessedPackageKeys = append(s.ProcessedPackageKeys, key)
	}

	sort.Strings(s.ProcessedPackageKeys)

	if c.state.OutputTarget != nil {
		target := *c.state.OutputTarget
		s.OutputTarget = &target
	}

	return s
}

// Compatible checks whether a new run with these parameters may resume
// from the checkpoint.
func (c *Checkpoint) Compatible(kind Kind, target string, deserialize bool, parallelism uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state

	if s.Completed {
		return ErrAlreadyCompleted
	}

	if s.ExportKind != kind {
		return fmt.Errorf("%w: checkpoint has %q, got %q", ErrKindMismatch, s.ExportKind, kind)
	}

	if kind == KindFile && (s.OutputTarget == nil || *s.OutputTarget != target) {
		return fmt.Errorf("%w: checkpoint has %v, got %q", ErrTargetMismatch, targetString(s.OutputTarget), target)
	}

	if s.Deserialize != deserialize {
		return fmt.Errorf("%w: checkpoint has %t, got %t", ErrDeserializeMismatch, s.Deserialize, deserialize)
	}

	if s.Parallelism != parallelism {
		return fmt.Errorf("%w: checkpoint has %d, got %d", ErrParallelismMismatch, s.Parallelism, parallelism)
	}

	return nil
}

func targetString(p *string) string {
	if p == nil {
		return "<none>"
	}

	return fmt.Sprintf("%q", *p)
}
