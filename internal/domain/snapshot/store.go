package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/storebridge/internal/infrastructure/monitoring"
)

// FileName is the snapshot file inside each page directory.
const FileName = "store.json"

var (
	ErrInvalidPageID   = errors.New("invalid page id")
	ErrVersionConflict = errors.New("snapshot version conflict")
	ErrCorrupt         = errors.New("snapshot file is not valid JSON")
)

var pageIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidPageID reports whether pageID may be used as a directory name.
func ValidPageID(pageID string) bool {
	return pageIDPattern.MatchString(pageID)
}

// Snapshot is the persisted state of one page.
type Snapshot struct {
	State     json.RawMessage `json:"state"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updatedAt"`
	PageID    string          `json:"pageId"`
}

// ConflictError reports a failed optimistic-concurrency check.
type ConflictError struct {
	PageID          string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot %s: expected version %d, found %d", e.PageID, e.ExpectedVersion, e.ActualVersion)
}

// Is makes errors.Is(err, ErrVersionConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// FileStore persists snapshots under a pages directory.
type FileStore struct {
	dir string

	mu     sync.Mutex
	clocks map[string]int64         // pageID -> highest version written or seen
	queues map[string]chan struct{} // pageID -> one-slot write queue

	codec   sonic.API
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:    dir,
		clocks: make(map[string]int64),
		queues: make(map[string]chan struct{}),
		codec:  sonic.ConfigStd,
		logger: logger,
		now:    time.Now,
	}
}

// WithMetrics adds metrics tracking to the store
func (s *FileStore) WithMetrics(metrics *monitoring.Metrics) *FileStore {
	s.metrics = metrics
	return s
}

// Dir returns the pages directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the snapshot file path for pageID.
func (s *FileStore) Path(pageID string) string {
	return filepath.Join(s.dir, pageID, FileName)
}

// Load reads a page's snapshot. A page without a snapshot yields nil, nil.
func (s *FileStore) Load(pageID string) (*Snapshot, error) {
	if !ValidPageID(pageID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPageID, pageID)
	}
	snap, err := s.read(pageID)
	if err != nil || snap == nil {
		return snap, err
	}
	s.observe(pageID, snap.Version)
	return snap, nil
}

// Save writes data.State as the page's next snapshot and returns what was
// committed. data.Version is ignored; expectedVersion, when non-nil, must
// equal the version on disk if one exists, and a corrupt file fails the
// save with ErrCorrupt.
func (s *FileStore) Save(ctx context.Context, pageID string, data Snapshot, expectedVersion *int64) (*Snapshot, error) {
	if !ValidPageID(pageID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPageID, pageID)
	}

	release, err := s.acquire(ctx, pageID)
	if err != nil {
		return nil, err
	}
	defer release()

	// An unreadable snapshot is only overwritten unconditionally: its version
	// is unknown, so no expected version can be checked against it.
	current, err := s.read(pageID)
	if err != nil && (expectedVersion != nil || !errors.Is(err, ErrCorrupt)) {
		s.metrics.RecordSnapshotSave("error")
		return nil, err
	}

	var onDisk int64
	if current != nil {
		onDisk = current.Version
		if expectedVersion != nil && *expectedVersion != current.Version {
			s.metrics.RecordSnapshotSave("conflict")
			return nil, &ConflictError{
				PageID:          pageID,
				ExpectedVersion: *expectedVersion,
				ActualVersion:   current.Version,
			}
		}
	}

	s.mu.Lock()
	next := max(s.clocks[pageID], onDisk) + 1
	s.mu.Unlock()

	state := data.State
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	snap := &Snapshot{
		State:     state,
		Version:   next,
		UpdatedAt: s.now().UTC(),
		PageID:    pageID,
	}
	if err := s.write(pageID, snap); err != nil {
		s.metrics.RecordSnapshotSave("error")
		return nil, err
	}
	s.observe(pageID, next)
	s.metrics.RecordSnapshotSave("ok")

	s.logger.Debug("Snapshot saved",
		zap.String("page_id", pageID),
		zap.Int64("version", next),
	)
	return snap, nil
}

// List returns the ids of every page with a snapshot, sorted.
func (s *FileStore) List() ([]string, error) {
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	matches, err := doublestar.Glob(os.DirFS(s.dir), "*/"+FileName)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	pages := make([]string, 0, len(matches))
	for _, m := range matches {
		pageID := path.Dir(m)
		if ValidPageID(pageID) {
			pages = append(pages, pageID)
		}
	}
	sort.Strings(pages)
	return pages, nil
}

// Delete removes a page's snapshot. The version clock is kept so a later
// Save never reuses a version. It reports whether a snapshot existed.
func (s *FileStore) Delete(ctx context.Context, pageID string) (bool, error) {
	if !ValidPageID(pageID) {
		return false, fmt.Errorf("%w: %q", ErrInvalidPageID, pageID)
	}
	release, err := s.acquire(ctx, pageID)
	if err != nil {
		return false, err
	}
	defer release()

	if current, err := s.read(pageID); err == nil && current != nil {
		s.observe(pageID, current.Version)
	}
	err = os.Remove(s.Path(pageID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("removing snapshot %s: %w", pageID, err)
	}
	return true, nil
}

// acquire takes the page's write slot, waiting until ctx is done.
func (s *FileStore) acquire(ctx context.Context, pageID string) (func(), error) {
	s.mu.Lock()
	queue, ok := s.queues[pageID]
	if !ok {
		queue = make(chan struct{}, 1)
		s.queues[pageID] = queue
	}
	s.mu.Unlock()

	select {
	case queue <- struct{}{}:
		return func() { <-queue }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for snapshot write slot %s: %w", pageID, ctx.Err())
	}
}

// observe raises the page's clock to at least version.
func (s *FileStore) observe(pageID string, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.clocks[pageID] {
		s.clocks[pageID] = version
	}
}

func (s *FileStore) read(pageID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path(pageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", pageID, err)
	}
	var snap Snapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, pageID, err)
	}
	if snap.PageID == "" {
		snap.PageID = pageID
	}
	return &snap, nil
}

// write stores snap through a synced temp file renamed over the destination.
func (s *FileStore) write(pageID string, snap *Snapshot) error {
	data, err := s.codec.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", pageID, err)
	}
	data = append(data, '\n')

	dir := filepath.Join(s.dir, pageID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating page directory %s: %w", pageID, err)
	}

	file, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary snapshot %s: %w", pageID, err)
	}
	tmp := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary snapshot %s: %w", pageID, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary snapshot %s: %w", pageID, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary snapshot %s: %w", pageID, err)
	}
	if err := os.Rename(tmp, s.Path(pageID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming snapshot %s into place: %w", pageID, err)
	}

	if parent, err := os.Open(dir); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
