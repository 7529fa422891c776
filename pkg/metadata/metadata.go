// Package metadata keeps a JSON ledger of dump and restore runs.
package metadata

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// RunStatus represents the status of a run
type RunStatus string

const (
	// StatusPending indicates a run is in progress
	StatusPending RunStatus = "pending"
	// StatusSuccess indicates a successful run
	StatusSuccess RunStatus = "success"
	// StatusError indicates a failed run
	StatusError RunStatus = "error"
	// StatusDeleted indicates a dump whose archive was removed by retention
	StatusDeleted RunStatus = "deleted"
)

// LedgerVersion is written into new ledger files
const LedgerVersion = "1.0"

// RunMeta represents one dump or restore run
type RunMeta struct {
	ID           string    `json:"id"`
	Operation    string    `json:"operation"`
	Mode         string    `json:"mode"`
	Database     string    `json:"database"`
	Schemas      []string  `json:"schemas,omitempty"`
	File         string    `json:"file,omitempty"`
	Size         int64     `json:"size"`
	SchemaCount  int       `json:"schemaCount"`
	TableCount   int       `json:"tableCount"`
	CreatedAt    time.Time `json:"createdAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
	Status       RunStatus `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	S3Key            string    `json:"s3Key,omitempty"`
	S3UploadStatus   RunStatus `json:"s3UploadStatus,omitempty"`
	S3UploadError    string    `json:"s3UploadError,omitempty"`
	S3UploadComplete time.Time `json:"s3UploadComplete,omitempty"`
}

// Ledger is the persisted form of the store
type Ledger struct {
	Runs        []RunMeta `json:"runs"`
	LastUpdated time.Time `json:"lastUpdated"`
	TotalSize   int64     `json:"totalSize"`
	Version     string    `json:"version"`
}

// Outcome carries what a finished run reports back to the ledger
type Outcome struct {
	Status  RunStatus
	Size    int64
	Schemas int
	Tables  int
	Err     error
}

// Store manages the run ledger file
type Store struct {
	ledger   Ledger
	mutex    sync.RWMutex
	filepath string
	now      func() time.Time
}

// Open returns the store kept at path, loading it when the file exists
func Open(path string) (*Store, error) {
	s := &Store{
		filepath: path,
		now:      time.Now,
		ledger:   Ledger{Runs: make([]RunMeta, 0), Version: LedgerVersion},
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load loads the ledger from its file. A missing file yields an empty
// ledger that is written on the first change.
func (s *Store) Load() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	data, err := os.ReadFile(s.filepath)
	if os.IsNotExist(err) {
		logrus.WithField("file", s.filepath).Debug("Run ledger does not exist, starting a new one")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read run ledger")
	}

	if err := json.Unmarshal(data, &s.ledger); err != nil {
		return errors.Wrap(err, "failed to unmarshal run ledger")
	}
	s.recalculateTotals()

	logrus.WithField("runs", len(s.ledger.Runs)).Debug("Loaded run ledger")
	return nil
}

// Save persists the ledger to its file
func (s *Store) Save() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.save()
}

func (s *Store) save() error {
	s.ledger.LastUpdated = s.now()
	s.recalculateTotals()

	data, err := json.MarshalIndent(s.ledger, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal run ledger")
	}

	if err := os.MkdirAll(filepath.Dir(s.filepath), 0755); err != nil {
		return errors.Wrap(err, "failed to create directory for run ledger")
	}

	// replace atomically so a crash never leaves half a ledger
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write run ledger")
	}
	return errors.Wrap(os.Rename(tmp, s.filepath), "failed to replace run ledger")
}

// recalculateTotals updates the total size of the archives still present
func (s *Store) recalculateTotals() {
	var size int64
	for _, run := range s.ledger.Runs {
		if run.Operation == "dump" && run.Status == StatusSuccess {
			size += run.Size
		}
	}
	s.ledger.TotalSize = size
}

// CreateRun records the start of a run and returns it
func (s *Store) CreateRun(operation, mode, database, file string, schemas []string) (RunMeta, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run := RunMeta{
		ID:        uuid.NewString(),
		Operation: operation,
		Mode:      mode,
		Database:  database,
		Schemas:   schemas,
		File:      file,
		CreatedAt: s.now(),
		Status:    StatusPending,
	}
	s.ledger.Runs = append(s.ledger.Runs, run)
	return run, s.save()
}

// CompleteRun records the outcome of a run
func (s *Store) CompleteRun(id string, out Outcome) error {
	return s.update(id, func(run *RunMeta) {
		run.Status = out.Status
		run.Size = out.Size
		run.SchemaCount = out.Schemas
		run.TableCount = out.Tables
		run.CompletedAt = s.now()
		if out.Err != nil {
			run.ErrorMessage = out.Err.Error()
		}
	})
}

// UpdateS3UploadStatus records the upload of a dump archive
func (s *Store) UpdateS3UploadStatus(id string, status RunStatus, key string, uploadErr error) error {
	return s.update(id, func(run *RunMeta) {
		run.S3UploadStatus = status
		run.S3Key = key
		run.S3UploadError = ""
		if uploadErr != nil {
			run.S3UploadError = uploadErr.Error()
		}
		if status != StatusPending {
			run.S3UploadComplete = s.now()
		}
	})
}

// MarkRunDeleted marks the archive of a dump as removed
func (s *Store) MarkRunDeleted(id string) error {
	return s.update(id, func(run *RunMeta) {
		run.Status = StatusDeleted
	})
}

func (s *Store) update(id string, fn func(run *RunMeta)) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i := range s.ledger.Runs {
		if s.ledger.Runs[i].ID == id {
			fn(&s.ledger.Runs[i])
			return s.save()
		}
	}
	return errors.Errorf("run with ID %s not found", id)
}

// GetRuns returns all runs, newest first
func (s *Store) GetRuns() []RunMeta {
	return s.GetRunsFiltered("", false)
}

// GetRunsFiltered returns the runs of operation, newest first. An empty
// operation matches all; activeOnly keeps successful runs only.
func (s *Store) GetRunsFiltered(operation string, activeOnly bool) []RunMeta {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []RunMeta
	for _, run := range s.ledger.Runs {
		if operation != "" && run.Operation != operation {
			continue
		}
		if activeOnly && run.Status != StatusSuccess {
			continue
		}
		result = append(result, run)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// GetRunByID returns a specific run by ID
func (s *Store) GetRunByID(id string) (RunMeta, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, run := range s.ledger.Runs {
		if run.ID == id {
			return run, true
		}
	}
	return RunMeta{}, false
}

// FindDumpByFile returns the successful dump that wrote file
func (s *Store) FindDumpByFile(file string) (RunMeta, bool) {
	for _, run := range s.GetRunsFiltered("dump", true) {
		if run.File == file || filepath.Base(run.File) == filepath.Base(file) {
			return run, true
		}
	}
	return RunMeta{}, false
}

// TotalSize returns the size of all archives still present
func (s *Store) TotalSize() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ledger.TotalSize
}

// PurgeDeletedRuns removes runs marked deleted that completed before
// olderThan ago
func (s *Store) PurgeDeletedRuns(olderThan time.Duration) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	threshold := s.now().Add(-olderThan)
	kept := make([]RunMeta, 0, len(s.ledger.Runs))
	removed := 0
	for _, run := range s.ledger.Runs {
		if run.Status == StatusDeleted && !run.CompletedAt.After(threshold) {
			removed++
			continue
		}
		kept = append(kept, run)
	}

	if removed == 0 {
		return 0, nil
	}
	s.ledger.Runs = kept
	return removed, s.save()
}

// ImportRun adds a run found outside the ledger, such as an archive left
// in the output directory. A run already recorded for the same file or S3
// key is left alone and false is returned.
func (s *Store) ImportRun(run RunMeta) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, existing := range s.ledger.Runs {
		if (run.File != "" && existing.File == run.File) || (run.S3Key != "" && existing.S3Key == run.S3Key) {
			return false, nil
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	s.ledger.Runs = append(s.ledger.Runs, run)
	return true, s.save()
}
