package entities

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/promptflow/common/errs"
)

// ListView filters runs by archival state.
type ListView string

const (
	ViewActive   ListView = "active"
	ViewArchived ListView = "archived"
	ViewAll      ListView = "all"
)

// ListOptions narrows List results.
type ListOptions struct {
	View       ListView
	MaxResults int // <= 0 means no limit
}

// Store persists run records. Backends: in-process memory and Postgres.
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, name string) (*Run, error)
	List(ctx context.Context, opts ListOptions) ([]*Run, error)
	// Update applies a JSON merge patch to the stored record and returns
	// the result.
	Update(ctx context.Context, name string, patch map[string]any) (*Run, error)
	Archive(ctx context.Context, name string) (*Run, error)
	Restore(ctx context.Context, name string) (*Run, error)
	Delete(ctx context.Context, name string) error
}

// MemoryStore keeps runs in process memory. It backs tests and the
// zero-config CLI path.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func (s *MemoryStore) Create(_ context.Context, run *Run) error {
	if err := ValidateRunName(run.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.Name]; exists {
		return errs.User(errs.CodeRunExists, "run %q already exists", run.Name)
	}
	s.runs[run.Name] = cloneRun(run)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[name]
	if !ok {
		return nil, errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if matchesView(run, opts.View) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.After(out[j].CreatedOn) })
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, name string, patch map[string]any) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[name]
	if !ok {
		return nil, errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	updated, err := mergeRun(run, patch)
	if err != nil {
		return nil, err
	}
	s.runs[name] = updated
	return cloneRun(updated), nil
}

func (s *MemoryStore) Archive(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": true})
}

func (s *MemoryStore) Restore(ctx context.Context, name string) (*Run, error) {
	return s.Update(ctx, name, map[string]any{"archived": false})
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[name]; !ok {
		return errs.User(errs.CodeRunNotFound, "run %q not found", name)
	}
	delete(s.runs, name)
	return nil
}

func matchesView(run *Run, view ListView) bool {
	switch view {
	case ViewArchived:
		return run.Archived
	case ViewAll:
		return true
	default:
		return !run.Archived
	}
}

// mergeRun applies a JSON merge patch to the serialized record. The name
// is immutable.
func mergeRun(run *Run, patch map[string]any) (*Run, error) {
	delete(patch, "name")
	original, err := json.Marshal(run)
	if err != nil {
		return nil, errs.System(errs.CodeUnexpected, "failed to serialize run %q: %v", run.Name, err)
	}
	patchDoc, err := json.Marshal(patch)
	if err != nil {
		return nil, errs.User(errs.CodeInvalidRequest, "invalid run update: %v", err)
	}
	merged, err := jsonpatch.MergePatch(original, patchDoc)
	if err != nil {
		return nil, errs.User(errs.CodeInvalidRequest, "failed to apply run update: %v", err)
	}
	var updated Run
	if err := json.Unmarshal(merged, &updated); err != nil {
		return nil, errs.User(errs.CodeInvalidRequest, "run update produced an invalid record: %v", err)
	}
	return &updated, nil
}

func cloneRun(run *Run) *Run {
	clone := *run
	if run.Tags != nil {
		clone.Tags = make(map[string]string, len(run.Tags))
		for k, v := range run.Tags {
			clone.Tags[k] = v
		}
	}
	if run.Data != nil {
		clone.Data = make(map[string]string, len(run.Data))
		for k, v := range run.Data {
			clone.Data[k] = v
		}
	}
	if run.ColumnMapping != nil {
		clone.ColumnMapping = make(map[string]string, len(run.ColumnMapping))
		for k, v := range run.ColumnMapping {
			clone.ColumnMapping[k] = v
		}
	}
	if run.Properties != nil {
		clone.Properties = make(map[string]any, len(run.Properties))
		for k, v := range run.Properties {
			clone.Properties[k] = v
		}
	}
	return &clone
}
