package entities

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
)

const runRecordFileName = "run.json"

// FileStore keeps one run.json per run under a root directory. It is the
// zero-infrastructure backend used by the CLI; the Postgres store serves
// shared deployments.
type FileStore struct {
	root string
	log  *logger.Logger
}

// NewFileStore creates a file-backed run store rooted at dir.
func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.System(errs.CodeUnexpected, "failed to create run store root: %v", err)
	}
	return &FileStore{root: dir, log: log}, nil
}

// DefaultRunsDir returns ~/.promptflow/.runs.
func DefaultRunsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.System(errs.CodeUnexpected, "failed to locate home directory: %v", err)
	}
	return filepath.Join(home, ".promptflow", ".runs"), nil
}

func (s *FileStore) recordPath(name string) string {
	return filepath.Join(s.root, name, runRecordFileName)
}

func (s *FileStore) Create(_ context.Context, run *Run) error {
	if err := ValidateRunName(run.Name); err != nil {
		return err
	}
	path := s.recordPath(run.Name)
	if _, err := os.Stat(path); err == nil {
		return errs.User(errs.CodeRunExists, "run %q already exists", run.Name)
	}
	return s.write(run)
}

func (s *FileStore) Get(_ context.Context, name string) (*Run, error) {
	data, err := os.ReadFile(s.recordPath(name))
	if os.IsNotExist(err) {
		return nil, errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	if err != nil {
		return nil, errs.System(errs.CodeUnexpected, "failed to read run %q: %v", name, err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errs.System(errs.CodeUnexpected, "run record %q is corrupt: %v", name, err)
	}
	return &run, nil
}

// List scans the root for run records, newest first. Corrupt records are
// skipped with a warning.
func (s *FileStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errs.System(errs.CodeUnexpected, "failed to list runs: %v", err)
	}
	var runs []*Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(s.recordPath(entry.Name()))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			s.log.Warn("skipping unreadable run record", "name", entry.Name(), "error", err)
			continue
		}
		var run Run
		if err := json.Unmarshal(data, &run); err != nil {
			s.log.Warn("skipping malformed run record", "name", entry.Name(), "error", err)
			continue
		}
		if matchesView(&run, opts.View) {
			runs = append(runs, &run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedOn.After(runs[j].CreatedOn) })
	if opts.MaxResults > 0 && len(runs) > opts.MaxResults {
		runs = runs[:opts.MaxResults]
	}
	return runs, nil
}

func (s *FileStore) Update(ctx context.Context, name string, patch map[string]any) (*Run, error) {
	run, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	updated, err := mergeRun(run, patch)
	if err != nil {
		return nil, err
	}
	if err := s.write(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *FileStore) Archive(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": true})
}

func (s *FileStore) Restore(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": false})
}

func (s *FileStore) Delete(_ context.Context, name string) error {
	path := filepath.Join(s.root, name)
	if _, err := os.Stat(s.recordPath(name)); os.IsNotExist(err) {
		return errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	if err := os.RemoveAll(path); err != nil {
		return errs.System(errs.CodeUnexpected, "failed to delete run %q: %v", name, err)
	}
	return nil
}

func (s *FileStore) write(run *Run) error {
	dir := filepath.Join(s.root, run.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.System(errs.CodeUnexpected, "failed to create run folder: %v", err)
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errs.System(errs.CodeUnexpected, "failed to serialize run %q: %v", run.Name, err)
	}
	if err := os.WriteFile(s.recordPath(run.Name), data, 0o644); err != nil {
		return errs.System(errs.CodeUnexpected, "failed to write run %q: %v", run.Name, err)
	}
	return nil
}
